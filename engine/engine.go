package engine

import (
	"context"
	"sync"

	"github.com/tetratelabs/wazero"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-host/errors"
)

// Engine is the process-wide compilation state shared by every Context.
// It is reference counted: the first Acquire creates it and the last
// Release closes its compilation cache.
type Engine struct {
	cache  wazero.CompilationCache
	refs   int
	closed bool
}

var (
	sharedMu sync.Mutex
	shared   *Engine
)

// Acquire returns the shared engine, creating it on first use.
// Every Acquire must be paired with exactly one Release.
func Acquire() *Engine {
	sharedMu.Lock()
	defer sharedMu.Unlock()

	if shared == nil {
		shared = &Engine{cache: wazero.NewCompilationCache()}
		Logger().Debug("engine created")
	}
	shared.refs++
	return shared
}

// Release drops one reference. The last release closes the compilation cache.
func (e *Engine) Release(ctx context.Context) error {
	sharedMu.Lock()
	defer sharedMu.Unlock()

	if e.refs == 0 {
		return errors.New(errors.PhaseEngine, errors.KindInvalidInput).
			Detail("release of unreferenced engine").
			Build()
	}
	e.refs--
	if e.refs > 0 {
		return nil
	}

	if shared == e {
		shared = nil
	}
	e.closed = true
	Logger().Debug("engine released")
	return e.cache.Close(ctx)
}

// Refs reports how many live references hold the shared engine.
func Refs() int {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if shared == nil {
		return 0
	}
	return shared.refs
}

// NewRuntime creates a wazero runtime backed by the shared compilation cache.
// Calls abort when their context is done.
func (e *Engine) NewRuntime(ctx context.Context) (wazero.Runtime, error) {
	sharedMu.Lock()
	closed := e.closed
	sharedMu.Unlock()
	if closed {
		return nil, errors.ContextClosed(errors.PhaseEngine, "engine")
	}

	cfg := wazero.NewRuntimeConfig().
		WithCompilationCache(e.cache).
		WithCloseOnContextDone(true)
	return wazero.NewRuntimeWithConfig(ctx, cfg), nil
}

// Compile compiles module bytes in rt and describes the result.
func Compile(ctx context.Context, rt wazero.Runtime, wasm []byte) (wazero.CompiledModule, ModuleInfo, error) {
	compiled, err := rt.CompileModule(ctx, wasm)
	if err != nil {
		return nil, ModuleInfo{}, errors.Load("compile module", err)
	}
	info := Describe(compiled)
	Logger().Debug("module compiled",
		zap.Int("imports", len(info.Imports)),
		zap.Int("exports", len(info.Exports)))
	return compiled, info, nil
}

// Inspect compiles wasm in a throwaway runtime and describes it.
func Inspect(ctx context.Context, wasm []byte) (ModuleInfo, error) {
	eng := Acquire()
	defer eng.Release(ctx)

	rt, err := eng.NewRuntime(ctx)
	if err != nil {
		return ModuleInfo{}, err
	}
	defer rt.Close(ctx)

	compiled, info, err := Compile(ctx, rt, wasm)
	if err != nil {
		return ModuleInfo{}, err
	}
	_ = compiled.Close(ctx)
	return info, nil
}
