package runtime

import (
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/wippyai/wasm-host/engine"
	"github.com/wippyai/wasm-host/errors"
)

var logger atomic.Pointer[zap.Logger]

// Logger returns the runtime package's logger instance.
// It uses a no-op logger by default.
func Logger() *zap.Logger {
	if l := logger.Load(); l != nil {
		return l
	}
	return zap.NewNop()
}

// SetLogger configures the runtime and engine loggers.
// A nil logger restores the no-op default.
func SetLogger(l *zap.Logger) {
	logger.Store(l)
	engine.SetLogger(l)
}

// SetLogFile routes host and guest logs to target at the given level.
// target is "stdout", "stderr" or a file path; "-" means stderr.
func SetLogFile(target, level string) error {
	lvl, err := zapcore.ParseLevel(strings.ToLower(level))
	if err != nil {
		return errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "parse log level")
	}

	switch target {
	case "", "-":
		target = "stderr"
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.Encoding = "console"
	cfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	cfg.OutputPaths = []string{target}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.Sampling = nil

	l, err := cfg.Build()
	if err != nil {
		return errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "open log target")
	}
	SetLogger(l)
	return nil
}
