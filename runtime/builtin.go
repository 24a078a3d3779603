package runtime

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	wasmhost "github.com/wippyai/wasm-host"
	"github.com/wippyai/wasm-host/errors"
)

// BuiltinNamespace is the import module of the functions every plugin can
// link without registering anything.
const BuiltinNamespace = "wasmhost"

// Guest log levels accepted by wasmhost.log.
const (
	LogDebug int32 = iota
	LogInfo
	LogWarn
	LogError
)

var builtins = map[string]*HostFunction{}

func builtin(name string, params, results []wasmhost.ValueType, cb Callback) {
	builtins[name] = &HostFunction{
		Name:      name,
		Namespace: BuiltinNamespace,
		Params:    params,
		Results:   results,
		Callback:  cb,
	}
}

var (
	ptrLen     = []wasmhost.ValueType{wasmhost.I32, wasmhost.I32}
	packedOnly = []wasmhost.ValueType{wasmhost.I64}
)

func init() {
	// config_get(key_ptr, key_len) -> handle, 0 when unset
	builtin("config_get", ptrLen, packedOnly, func(cc *CallContext, args []uint64) ([]uint64, error) {
		key, err := cc.ReadString(args[0], args[1])
		if err != nil {
			return nil, err
		}
		v, ok := cc.Plugin().ConfigValue(key)
		if !ok {
			return []uint64{0}, nil
		}
		h, err := cc.Write([]byte(v))
		return []uint64{h}, err
	})

	// var_get(key_ptr, key_len) -> handle, 0 when unset
	builtin("var_get", ptrLen, packedOnly, func(cc *CallContext, args []uint64) ([]uint64, error) {
		key, err := cc.ReadString(args[0], args[1])
		if err != nil {
			return nil, err
		}
		v, ok := cc.Plugin().Var(key)
		if !ok {
			return []uint64{0}, nil
		}
		h, err := cc.Write(v)
		return []uint64{h}, err
	})

	// var_set(key_ptr, key_len, val_ptr, val_len); an empty value deletes
	builtin("var_set", []wasmhost.ValueType{wasmhost.I32, wasmhost.I32, wasmhost.I32, wasmhost.I32}, nil,
		func(cc *CallContext, args []uint64) ([]uint64, error) {
			key, err := cc.ReadString(args[0], args[1])
			if err != nil {
				return nil, err
			}
			if uint32(args[3]) == 0 {
				cc.Plugin().DeleteVar(key)
				return nil, nil
			}
			v, err := cc.Read(args[2], args[3])
			if err != nil {
				return nil, err
			}
			return nil, cc.Plugin().SetVar(key, v)
		})

	// log(level, ptr, len)
	builtin("log", []wasmhost.ValueType{wasmhost.I32, wasmhost.I32, wasmhost.I32}, nil,
		func(cc *CallContext, args []uint64) ([]uint64, error) {
			msg, err := cc.ReadString(args[1], args[2])
			if err != nil {
				return nil, err
			}
			if ce := Logger().Check(guestLevel(int32(args[0])), msg); ce != nil {
				ce.Write(
					zap.String("plugin", cc.Plugin().Name()),
					zap.String("plugin_id", cc.Plugin().ID().String()),
					zap.String("source", "guest"))
			}
			return nil, nil
		})

	// error_set(ptr, len) fails the current call with the given message
	builtin("error_set", ptrLen, nil, func(cc *CallContext, args []uint64) ([]uint64, error) {
		msg, err := cc.ReadString(args[0], args[1])
		if err != nil {
			return nil, err
		}
		if cc.state == nil || cc.state.plugin != cc.Plugin() {
			return nil, errors.New(errors.PhaseHost, errors.KindInvalidInput).
				Function("error_set").
				Detail("no call in progress").
				Build()
		}
		if msg == "" {
			msg = "guest reported an error"
		}
		cc.state.guestErr = msg
		return nil, nil
	})
}

func guestLevel(level int32) zapcore.Level {
	switch level {
	case LogDebug:
		return zapcore.DebugLevel
	case LogInfo:
		return zapcore.InfoLevel
	case LogWarn:
		return zapcore.WarnLevel
	default:
		return zapcore.ErrorLevel
	}
}
