package runtime

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	wasmhost "github.com/wippyai/wasm-host"
	"github.com/wippyai/wasm-host/errors"
	"github.com/wippyai/wasm-host/internal/wasmtest"
	"github.com/wippyai/wasm-host/manifest"
)

func le64(v uint64) []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return buf[:]
}

func openContext(t *testing.T, opts ...Option) *Context {
	t.Helper()
	hc := Open(opts...)
	t.Cleanup(func() { _ = hc.Close(context.Background()) })
	return hc
}

func newPluginT(t *testing.T, hc *Context, wasm []byte, cfg manifest.Config) *Plugin {
	t.Helper()
	p, err := hc.Plugin(context.Background(), wasm, "", cfg)
	require.NoError(t, err)
	return p
}

func TestCallEcho(t *testing.T) {
	ctx := context.Background()
	p := newPluginT(t, openContext(t), wasmtest.Basic(), manifest.Config{Name: "basic"})

	out, err := p.Call(ctx, "echo", []byte("hello, plugin"))
	require.NoError(t, err)
	assert.Equal(t, "hello, plugin", string(out))

	out, err = p.Call(ctx, "echo", nil)
	require.NoError(t, err)
	assert.Empty(t, out)

	big := bytes.Repeat([]byte("abcdefgh"), 20000)
	out, err = p.Call(ctx, "echo", big)
	require.NoError(t, err)
	assert.Equal(t, big, out)

	_, err = p.Call(ctx, "noop", []byte("ignored"))
	require.NoError(t, err)
	assert.NoError(t, p.LastError())
}

func TestCallExportShapes(t *testing.T) {
	ctx := context.Background()
	p := newPluginT(t, openContext(t), wasmtest.Basic(), manifest.Config{})

	_, err := p.Call(ctx, "missing", nil)
	assert.ErrorIs(t, err, errors.ErrNotFound)
	assert.Equal(t, err, p.LastError())

	_, err = p.Call(ctx, "pair", nil)
	assert.ErrorIs(t, err, errors.ErrTypeMismatch)

	_, err = p.Call(ctx, "wide", nil)
	assert.ErrorIs(t, err, errors.ErrTypeMismatch)

	assert.True(t, p.FunctionExists("echo"))
	assert.False(t, p.FunctionExists("missing"))
	assert.Contains(t, p.Exports(), "grow_two")
}

func TestHostFunctionDouble(t *testing.T) {
	ctx := context.Background()
	hc := openContext(t)
	require.NoError(t, hc.RegisterFunction(NewHostFunction("double", i64Sig, i64Sig, doubleCallback, nil)))

	p := newPluginT(t, hc, wasmtest.Doubler(), manifest.Config{})
	out, err := p.Call(ctx, "apply_double", le64(21))
	require.NoError(t, err)
	assert.Equal(t, le64(42), out)
}

func TestHostFunctionMemoryAccess(t *testing.T) {
	ctx := context.Background()
	hc := openContext(t)

	var seen any
	err := hc.RegisterFunction(NewHostFunction("upper",
		[]wasmhost.ValueType{wasmhost.I32, wasmhost.I32}, i64Sig,
		func(cc *CallContext, args []uint64) ([]uint64, error) {
			seen = cc.UserData()
			s, err := cc.ReadString(args[0], args[1])
			if err != nil {
				return nil, err
			}
			h, err := cc.Write([]byte(strings.ToUpper(s)))
			return []uint64{h}, err
		}, "shouter-data"))
	require.NoError(t, err)

	p := newPluginT(t, hc, wasmtest.Shouter(), manifest.Config{})
	out, err := p.Call(ctx, "shout", []byte("quiet please"))
	require.NoError(t, err)
	assert.Equal(t, "QUIET PLEASE", string(out))
	assert.Equal(t, "shouter-data", seen)
}

func TestHostFunctionOutOfBounds(t *testing.T) {
	ctx := context.Background()
	hc := openContext(t)
	require.NoError(t, hc.RegisterFunction(NewHostFunction("upper",
		[]wasmhost.ValueType{wasmhost.I32, wasmhost.I32}, i64Sig,
		func(cc *CallContext, args []uint64) ([]uint64, error) {
			_, err := cc.Read(args[0], 1<<20)
			return nil, err
		}, nil)))

	p := newPluginT(t, hc, wasmtest.Shouter(), manifest.Config{})
	_, err := p.Call(ctx, "shout", []byte("x"))
	require.ErrorIs(t, err, errors.ErrHostFunction)
	assert.ErrorIs(t, err, errors.ErrOutOfBounds)
}

func TestIntegrity(t *testing.T) {
	ctx := context.Background()
	hc := openContext(t)
	wasm := wasmtest.Basic()

	_, err := hc.Plugin(ctx, wasm, strings.Repeat("0", 64), manifest.Config{})
	require.ErrorIs(t, err, errors.ErrIntegrity)
	assert.Empty(t, hc.Plugins())

	p, err := hc.Plugin(ctx, wasm, manifest.DigestPrefix+manifest.Digest(wasm), manifest.Config{})
	require.NoError(t, err)
	assert.Len(t, hc.Plugins(), 1)
	assert.Equal(t, p, hc.Plugins()[0])
}

func TestUnknownImportThenRegister(t *testing.T) {
	ctx := context.Background()
	hc := openContext(t)

	_, err := hc.Plugin(ctx, wasmtest.Doubler(), "", manifest.Config{})
	require.ErrorIs(t, err, errors.ErrUnknownImport)
	assert.Contains(t, err.Error(), "double")
	assert.Empty(t, hc.Plugins())

	require.NoError(t, hc.RegisterFunction(NewHostFunction("double", i64Sig, i64Sig, doubleCallback, nil)))
	p, err := hc.Plugin(ctx, wasmtest.Doubler(), "", manifest.Config{})
	require.NoError(t, err)

	out, err := p.Call(ctx, "apply_double", le64(100))
	require.NoError(t, err)
	assert.Equal(t, le64(200), out)
}

func TestImportSignatureMismatch(t *testing.T) {
	hc := openContext(t)
	i32 := []wasmhost.ValueType{wasmhost.I32}
	require.NoError(t, hc.RegisterFunction(NewHostFunction("double", i32, i32, doubleCallback, nil)))

	_, err := hc.Plugin(context.Background(), wasmtest.Doubler(), "", manifest.Config{})
	require.ErrorIs(t, err, errors.ErrTypeMismatch)
	assert.Contains(t, err.Error(), "env#double")
}

func TestMemoryLimitOnGrowth(t *testing.T) {
	ctx := context.Background()
	p := newPluginT(t, openContext(t), wasmtest.Basic(), manifest.Config{
		Memory: manifest.Memory{MaxPages: 1},
	})

	for _, export := range []string{"grow_two", "try_grow_two"} {
		t.Run(export, func(t *testing.T) {
			_, err := p.Call(ctx, export, nil)
			require.ErrorIs(t, err, errors.ErrMemoryLimit)

			out, err := p.Call(ctx, "echo", []byte("still alive"))
			require.NoError(t, err)
			assert.Equal(t, "still alive", string(out))
		})
	}
}

func TestMemoryLimitOnInput(t *testing.T) {
	ctx := context.Background()
	p := newPluginT(t, openContext(t), wasmtest.Basic(), manifest.Config{
		Memory: manifest.Memory{MaxPages: 1},
	})

	_, err := p.Call(ctx, "echo", make([]byte, 70000))
	require.ErrorIs(t, err, errors.ErrMemoryLimit)

	out, err := p.Call(ctx, "echo", []byte("small"))
	require.NoError(t, err)
	assert.Equal(t, "small", string(out))
}

func TestMemoryLimitInHostFunction(t *testing.T) {
	ctx := context.Background()
	hc := openContext(t)

	size := 70000
	require.NoError(t, hc.RegisterFunction(NewHostFunction("upper",
		[]wasmhost.ValueType{wasmhost.I32, wasmhost.I32}, i64Sig,
		func(cc *CallContext, _ []uint64) ([]uint64, error) {
			h, err := cc.Write(make([]byte, size))
			return []uint64{h}, err
		}, nil)))

	p := newPluginT(t, hc, wasmtest.Shouter(), manifest.Config{
		Memory: manifest.Memory{MaxPages: 1},
	})
	_, err := p.Call(ctx, "shout", []byte("x"))
	require.Error(t, err)
	assert.Equal(t, errors.KindMemoryLimit, errors.KindOf(err))

	size = 4
	out, err := p.Call(ctx, "shout", []byte("x"))
	require.NoError(t, err)
	assert.Len(t, out, 4)
}

func TestMemoryLimitAtLoad(t *testing.T) {
	hc := openContext(t)
	_, err := hc.Plugin(context.Background(), wasmtest.Large(3), "", manifest.Config{
		Memory: manifest.Memory{MaxPages: 2},
	})
	require.ErrorIs(t, err, errors.ErrMemoryLimit)
	assert.Empty(t, hc.Plugins())
}

func TestTrapDiscardsInstance(t *testing.T) {
	ctx := context.Background()
	p := newPluginT(t, openContext(t), wasmtest.Basic(), manifest.Config{})

	for i := uint64(1); i <= 2; i++ {
		out, err := p.Call(ctx, "bump", nil)
		require.NoError(t, err)
		assert.Equal(t, le64(i), out)
	}

	_, err := p.Call(ctx, "trap", nil)
	require.ErrorIs(t, err, errors.ErrTrapped)

	out, err := p.Call(ctx, "bump", nil)
	require.NoError(t, err)
	assert.Equal(t, le64(1), out, "trap must reset instance state")
}

func TestTimeout(t *testing.T) {
	ctx := context.Background()
	p := newPluginT(t, openContext(t), wasmtest.Basic(), manifest.Config{TimeoutMs: 50})

	start := time.Now()
	_, err := p.Call(ctx, "spin", nil)
	require.ErrorIs(t, err, errors.ErrTimeout)
	assert.Less(t, time.Since(start), 5*time.Second)

	out, err := p.Call(ctx, "echo", []byte("after"))
	require.NoError(t, err)
	assert.Equal(t, "after", string(out))
}

func TestCallerDeadline(t *testing.T) {
	p := newPluginT(t, openContext(t), wasmtest.Basic(), manifest.Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := p.Call(ctx, "spin", nil)
	require.ErrorIs(t, err, errors.ErrTimeout)
}

func TestHostFunctionFailure(t *testing.T) {
	ctx := context.Background()
	hc := openContext(t)

	errDenied := fmt.Errorf("denied")
	fail := true
	require.NoError(t, hc.RegisterFunction(NewHostFunction("double", i64Sig, i64Sig,
		func(cc *CallContext, args []uint64) ([]uint64, error) {
			if fail {
				return nil, errDenied
			}
			return doubleCallback(cc, args)
		}, nil)))

	p := newPluginT(t, hc, wasmtest.Doubler(), manifest.Config{})
	_, err := p.Call(ctx, "apply_double", le64(1))
	require.ErrorIs(t, err, errors.ErrHostFunction)
	assert.ErrorIs(t, err, errDenied)

	fail = false
	out, err := p.Call(ctx, "apply_double", le64(4))
	require.NoError(t, err)
	assert.Equal(t, le64(8), out)
}

func TestHostFunctionPanic(t *testing.T) {
	hc := openContext(t)
	require.NoError(t, hc.RegisterFunction(NewHostFunction("double", i64Sig, i64Sig,
		func(*CallContext, []uint64) ([]uint64, error) { panic("host bug") }, nil)))

	p := newPluginT(t, hc, wasmtest.Doubler(), manifest.Config{})
	_, err := p.Call(context.Background(), "apply_double", le64(1))
	require.ErrorIs(t, err, errors.ErrHostFunction)
	assert.Contains(t, err.Error(), "host bug")
}

func TestReentrantCallRejected(t *testing.T) {
	ctx := context.Background()
	hc := openContext(t)

	var inner error
	require.NoError(t, hc.RegisterFunction(NewHostFunction("callback", nil, nil,
		func(cc *CallContext, _ []uint64) ([]uint64, error) {
			_, inner = cc.Plugin().Call(cc.Context(), "echo", []byte("again"))
			return nil, inner
		}, nil)))

	p := newPluginT(t, hc, wasmtest.Reentrant(), manifest.Config{})
	_, err := p.Call(ctx, "enter", nil)
	require.ErrorIs(t, err, errors.ErrHostFunction)
	assert.ErrorIs(t, err, errors.ErrReentrant)
	assert.ErrorIs(t, inner, errors.ErrReentrant)

	out, err := p.Call(ctx, "echo", []byte("fine"))
	require.NoError(t, err)
	assert.Equal(t, "fine", string(out))
}

func TestSelfCallWithoutCallContextWarns(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	SetLogger(zap.New(core))
	t.Cleanup(func() { SetLogger(nil) })

	ctx := context.Background()
	hc := openContext(t)

	type result struct {
		out []byte
		err error
	}
	inner := make(chan result, 1)
	require.NoError(t, hc.RegisterFunction(NewHostFunction("callback", nil, nil,
		func(cc *CallContext, _ []uint64) ([]uint64, error) {
			p := cc.Plugin()
			go func() {
				out, err := p.Call(context.Background(), "echo", []byte("later"))
				inner <- result{out, err}
			}()
			assert.Eventually(t, func() bool {
				return logs.FilterMessageSnippet("inside a host callback").Len() > 0
			}, 5*time.Second, time.Millisecond)
			return nil, nil
		}, nil)))

	p := newPluginT(t, hc, wasmtest.Reentrant(), manifest.Config{Name: "self"})
	_, err := p.Call(ctx, "enter", nil)
	require.NoError(t, err)

	// the blocked call runs once the outer call releases the plugin
	r := <-inner
	require.NoError(t, r.err)
	assert.Equal(t, "later", string(r.out))
	assert.Equal(t, "self", logs.All()[0].ContextMap()["plugin"])
}

func TestNestedCallToOtherPlugin(t *testing.T) {
	ctx := context.Background()
	hc := openContext(t)

	other := newPluginT(t, hc, wasmtest.Basic(), manifest.Config{Name: "other"})
	var got []byte
	require.NoError(t, hc.RegisterFunction(NewHostFunction("callback", nil, nil,
		func(cc *CallContext, _ []uint64) ([]uint64, error) {
			out, err := other.Call(cc.Context(), "echo", []byte("nested"))
			got = out
			return nil, err
		}, nil)))

	p := newPluginT(t, hc, wasmtest.Reentrant(), manifest.Config{Name: "outer"})
	_, err := p.Call(ctx, "enter", nil)
	require.NoError(t, err)
	assert.Equal(t, "nested", string(got))
}

func TestBuiltins(t *testing.T) {
	ctx := context.Background()
	p := newPluginT(t, openContext(t), wasmtest.Kernel(), manifest.Config{
		Values: map[string]string{"greeting": "hello"},
	})

	out, err := p.Call(ctx, "get_config", []byte("greeting"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(out))

	out, err = p.Call(ctx, "get_config", []byte("missing"))
	require.NoError(t, err)
	assert.Empty(t, out)

	_, err = p.Call(ctx, "set_var", []byte("counter"))
	require.NoError(t, err)
	v, ok := p.Var("counter")
	require.True(t, ok)
	assert.Equal(t, "counter", string(v))

	out, err = p.Call(ctx, "get_var", []byte("counter"))
	require.NoError(t, err)
	assert.Equal(t, "counter", string(out))

	require.NoError(t, p.SetVar("host", []byte("side")))
	out, err = p.Call(ctx, "get_var", []byte("host"))
	require.NoError(t, err)
	assert.Equal(t, "side", string(out))

	_, err = p.Call(ctx, "fail", []byte("bad input"))
	require.ErrorIs(t, err, errors.ErrGuest)
	assert.Contains(t, err.Error(), "bad input")

	out, err = p.Call(ctx, "get_var", []byte("counter"))
	require.NoError(t, err)
	assert.Equal(t, "counter", string(out), "vars survive failed calls")
}

func TestBuiltinLog(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	SetLogger(zap.New(core))
	t.Cleanup(func() { SetLogger(nil) })

	p := newPluginT(t, openContext(t), wasmtest.Kernel(), manifest.Config{Name: "kernel"})
	_, err := p.Call(context.Background(), "log_input", []byte("from the guest"))
	require.NoError(t, err)

	entries := logs.FilterMessage("from the guest").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.Equal(t, "kernel", entries[0].ContextMap()["plugin"])
}

func TestMergeConfig(t *testing.T) {
	ctx := context.Background()
	p := newPluginT(t, openContext(t), wasmtest.Kernel(), manifest.Config{
		Values: map[string]string{"greeting": "hello", "drop": "me"},
	})

	require.NoError(t, p.MergeConfig([]byte(`{"greeting": "hi", "drop": null, "new": "value"}`)))

	out, err := p.Call(ctx, "get_config", []byte("greeting"))
	require.NoError(t, err)
	assert.Equal(t, "hi", string(out))

	_, ok := p.ConfigValue("drop")
	assert.False(t, ok)
	assert.Equal(t, "value", p.Config().Values["new"])

	assert.Error(t, p.MergeConfig([]byte(`[1, 2`)))
}

func TestWASIToggle(t *testing.T) {
	ctx := context.Background()
	hc := openContext(t)

	_, err := hc.Plugin(ctx, wasmtest.WASI(), "", manifest.Config{})
	require.ErrorIs(t, err, errors.ErrUnknownImport)
	assert.Contains(t, err.Error(), "random_get")

	p := newPluginT(t, hc, wasmtest.WASI(), manifest.Config{WASI: true})
	out, err := p.Call(ctx, "random", make([]byte, 32))
	require.NoError(t, err)
	require.Len(t, out, 32)
	assert.NotEqual(t, make([]byte, 32), out)
}

func TestStartConsumesInstance(t *testing.T) {
	ctx := context.Background()
	p := newPluginT(t, openContext(t), wasmtest.WASI(), manifest.Config{WASI: true})

	out, err := p.Call(ctx, "bump", nil)
	require.NoError(t, err)
	assert.Equal(t, le64(1), out)

	_, err = p.Call(ctx, StartExport, nil)
	require.NoError(t, err)

	out, err = p.Call(ctx, "bump", nil)
	require.NoError(t, err)
	assert.Equal(t, le64(1), out)
}

func TestUpdate(t *testing.T) {
	ctx := context.Background()
	hc := openContext(t)
	require.NoError(t, hc.RegisterFunction(NewHostFunction("double", i64Sig, i64Sig, doubleCallback, nil)))

	p := newPluginT(t, hc, wasmtest.Basic(), manifest.Config{Name: "swap"})
	id := p.ID()
	require.NoError(t, p.SetVar("k", []byte("v")))

	doubler := wasmtest.Doubler()
	require.NoError(t, p.Update(ctx, doubler, manifest.Digest(doubler), manifest.Config{Name: "swap"}))
	assert.Equal(t, id, p.ID())
	assert.False(t, p.FunctionExists("grow_two"))
	_, ok := p.Var("k")
	assert.False(t, ok)

	out, err := p.Call(ctx, "apply_double", le64(5))
	require.NoError(t, err)
	assert.Equal(t, le64(10), out)

	err = p.Update(ctx, wasmtest.Basic(), strings.Repeat("a", 64), manifest.Config{})
	require.ErrorIs(t, err, errors.ErrIntegrity)

	err = p.Update(ctx, wasmtest.Large(4), "", manifest.Config{Memory: manifest.Memory{MaxPages: 2}})
	require.ErrorIs(t, err, errors.ErrMemoryLimit)
	assert.Zero(t, p.Config().Memory.MaxPages)

	out, err = p.Call(ctx, "apply_double", le64(7))
	require.NoError(t, err)
	assert.Equal(t, le64(14), out, "failed updates keep the previous module")
}

func TestReset(t *testing.T) {
	ctx := context.Background()
	p := newPluginT(t, openContext(t), wasmtest.Basic(), manifest.Config{})

	_, err := p.Call(ctx, "bump", nil)
	require.NoError(t, err)
	require.NoError(t, p.SetVar("k", []byte("v")))

	require.NoError(t, p.Reset(ctx))
	_, ok := p.Var("k")
	assert.False(t, ok)

	out, err := p.Call(ctx, "bump", nil)
	require.NoError(t, err)
	assert.Equal(t, le64(1), out)
}

func TestPluginClose(t *testing.T) {
	ctx := context.Background()
	hc := openContext(t)
	p := newPluginT(t, hc, wasmtest.Basic(), manifest.Config{})

	require.NoError(t, p.Close(ctx))
	require.NoError(t, p.Close(ctx))
	assert.Empty(t, hc.Plugins())

	_, err := p.Call(ctx, "echo", nil)
	require.ErrorIs(t, err, errors.ErrClosed)
	_, ok := hc.Lookup(p.ID())
	assert.False(t, ok)
}

func TestConcurrentCalls(t *testing.T) {
	ctx := context.Background()
	p := newPluginT(t, openContext(t), wasmtest.Basic(), manifest.Config{})

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				in := []byte(fmt.Sprintf("g%d-%d", g, i))
				out, err := p.Call(ctx, "echo", in)
				if err != nil {
					errs <- err
					return
				}
				if !bytes.Equal(in, out) {
					errs <- fmt.Errorf("echo %q returned %q", in, out)
					return
				}
			}
		}(g)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestPluginFromManifest(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	wasm := wasmtest.Basic()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "echo.wasm"), wasm, 0o600))

	doc := fmt.Sprintf("wasm:\n  path: echo.wasm\n  hash: %s\nmemory:\n  max: 4\n", manifest.Digest(wasm))
	path := filepath.Join(dir, "echo.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	m, err := manifest.Load(path)
	require.NoError(t, err)

	p, err := openContext(t).PluginFromManifest(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, "echo", p.Name())
	assert.Equal(t, uint32(4), p.Config().Memory.MaxPages)

	out, err := p.Call(ctx, "echo", []byte("manifest"))
	require.NoError(t, err)
	assert.Equal(t, "manifest", string(out))
}
