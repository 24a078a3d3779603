package runtime

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	wasmhost "github.com/wippyai/wasm-host"
	"github.com/wippyai/wasm-host/engine"
	"github.com/wippyai/wasm-host/errors"
	"github.com/wippyai/wasm-host/manifest"
	"github.com/wippyai/wasm-host/memory"
)

// StartExport is the WASI command entry point. Calling it consumes the
// instance, so the next call starts from a fresh one.
const StartExport = "_start"

// module is one compiled and linked guest with its own wazero runtime.
type module struct {
	rt       wazero.Runtime
	compiled wazero.CompiledModule
	info     engine.ModuleInfo
	limiter  *engine.MemoryLimiter
}

func (m *module) close(ctx context.Context) error {
	if err := m.rt.Close(ctx); err != nil {
		return errors.Wrap(errors.PhaseRuntime, errors.KindClosed, err, "close runtime")
	}
	return nil
}

// Plugin is a loaded guest module owned by a Context.
//
// Calls on one plugin are serialized. A call that traps, times out or
// fails inside a host function discards the instance; the next call
// transparently instantiates a fresh one. Vars survive that, config
// survives everything but Update.
type Plugin struct {
	id    uuid.UUID
	name  string
	owner *Context

	mu       sync.Mutex // serializes calls, instantiation and updates
	cur      atomic.Pointer[module]
	inst     api.Module
	seq      int
	poisoned bool
	closed   atomic.Bool
	envStale atomic.Bool

	dispatching atomic.Int32 // host callbacks currently running

	cfgMu sync.RWMutex
	cfg   manifest.Config

	varsMu sync.RWMutex
	vars   map[string][]byte

	errMu   sync.Mutex
	lastErr error
}

func newPlugin(ctx context.Context, owner *Context, wasm []byte, hash string, cfg manifest.Config) (*Plugin, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := manifest.Verify(wasm, hash); err != nil {
		return nil, err
	}

	id := uuid.New()
	p := &Plugin{
		id:    id,
		name:  pluginName(cfg.Name, id),
		owner: owner,
		cfg:   cloneConfig(cfg),
		vars:  make(map[string][]byte),
	}

	m, err := p.load(ctx, wasm, cfg.WASI)
	if err != nil {
		return nil, err
	}
	inst, err := p.instantiate(ctx, m, cfg)
	if err != nil {
		_ = m.close(ctx)
		return nil, err
	}
	p.cur.Store(m)
	p.inst = inst
	return p, nil
}

func pluginName(name string, id uuid.UUID) string {
	if name != "" {
		return name
	}
	return "plugin-" + id.String()[:8]
}

func cloneConfig(cfg manifest.Config) manifest.Config {
	out := cfg
	out.Values = make(map[string]string, len(cfg.Values))
	for k, v := range cfg.Values {
		out.Values[k] = v
	}
	return out
}

// load compiles wasm in a fresh runtime and links every import.
func (p *Plugin) load(ctx context.Context, wasm []byte, wasi bool) (*module, error) {
	rt, err := p.owner.engine.NewRuntime(ctx)
	if err != nil {
		return nil, err
	}

	compiled, info, err := engine.Compile(ctx, rt, wasm)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, withPlugin(err, p.name, "")
	}

	m := &module{rt: rt, compiled: compiled, info: info}
	if err := p.prepare(ctx, m, wasi); err != nil {
		_ = m.close(ctx)
		return nil, err
	}
	return m, nil
}

func (p *Plugin) prepare(ctx context.Context, m *module, wasi bool) error {
	if !m.info.MemoryExported {
		return errors.New(errors.PhaseLoad, errors.KindUnsupported).
			Plugin(p.name).
			Detail("module does not export %q", engine.MemoryExport).
			Build()
	}

	p.cfgMu.RLock()
	maxPages := p.cfg.Memory.MaxPages
	p.cfgMu.RUnlock()
	m.limiter = engine.NewMemoryLimiter(maxPages)

	if !m.limiter.Fits(m.info.MemoryMin) {
		return errors.New(errors.PhaseLoad, errors.KindMemoryLimit).
			Plugin(p.name).
			Detail("module needs %d pages, limit is %d", m.info.MemoryMin, m.limiter.MaxPages()).
			Build()
	}
	return p.link(ctx, m, wasi)
}

// link resolves every import against the builtins, WASI and the owner's
// registry, then instantiates the host modules. Unresolved imports are
// reported together.
func (p *Plugin) link(ctx context.Context, m *module, wasi bool) error {
	var missing []string
	bound := make(map[string][]*HostFunction)
	seen := make(map[string]struct{})

	for _, imp := range m.info.Imports {
		if _, dup := seen[imp.Key()]; dup {
			continue
		}
		seen[imp.Key()] = struct{}{}

		var (
			fn *HostFunction
			ok bool
		)
		switch imp.Module {
		case engine.WASIModule:
			if !wasi {
				missing = append(missing, imp.Key())
			}
			continue
		case BuiltinNamespace:
			fn, ok = builtins[imp.Name]
		default:
			fn, ok = p.owner.registry.Resolve(imp.Module, imp.Name)
		}
		if !ok {
			missing = append(missing, imp.Key())
			continue
		}
		if !fn.matches(imp) {
			return errors.New(errors.PhaseLinking, errors.KindTypeMismatch).
				Plugin(p.name).
				Function(imp.Key()).
				Detail("import expects %s, host function provides %s", imp.Signature(), fn.signature()).
				Build()
		}
		bound[imp.Module] = append(bound[imp.Module], fn)
	}

	if len(missing) > 0 {
		return errors.UnknownImport(p.name, missing)
	}

	if wasi {
		if _, err := engine.InstantiateWASI(ctx, m.rt); err != nil {
			return errors.Wrap(errors.PhaseLinking, errors.KindInstantiation, err, "instantiate WASI")
		}
	}

	namespaces := make([]string, 0, len(bound))
	for ns := range bound {
		namespaces = append(namespaces, ns)
	}
	sort.Strings(namespaces)

	for _, ns := range namespaces {
		b := m.rt.NewHostModuleBuilder(ns)
		for _, fn := range bound[ns] {
			b.NewFunctionBuilder().
				WithGoModuleFunction(p.dispatch(fn, m.limiter), fn.Params, fn.Results).
				WithName(fn.Name).
				Export(fn.Name)
		}
		if _, err := b.Instantiate(ctx); err != nil {
			return errors.Registration(errors.PhaseLinking, ns, "", err)
		}
	}
	return nil
}

// dispatch adapts a bound host function to wazero's stack calling
// convention. Callback failures are recorded on the call state and then
// trap the guest.
func (p *Plugin) dispatch(fn *HostFunction, limiter *engine.MemoryLimiter) api.GoModuleFunc {
	return func(ctx context.Context, mod api.Module, stack []uint64) {
		p.dispatching.Add(1)
		defer p.dispatching.Add(-1)
		cc := newCallContext(ctx, p, mod, limiter)
		args := make([]uint64, len(fn.Params))
		copy(args, stack)

		results, err := invoke(fn, cc, args)
		cc.release()
		if err != nil {
			if s := cc.state; s != nil && s.plugin == p && s.hostErr == nil {
				s.hostErr = err
			}
			panic(err)
		}
		copy(stack, results)
	}
}

// instantiate creates a fresh instance of m. Config values become WASI
// environment variables.
func (p *Plugin) instantiate(ctx context.Context, m *module, cfg manifest.Config) (api.Module, error) {
	p.seq++
	name := fmt.Sprintf("%s-%d", p.name, p.seq)
	modCfg := engine.ModuleConfig(name, cfg.WASI, cfg.Values, p.owner.stdio)

	m.limiter.Reset()
	inst, err := m.rt.InstantiateModule(m.limiter.WithContext(ctx), m.compiled, modCfg)
	if err != nil {
		if m.limiter.Exceeded() {
			return nil, errors.MemoryLimit(errors.PhaseRuntime, m.limiter.MaxPages(), err)
		}
		return nil, errors.Instantiation(p.name, err)
	}

	Logger().Debug("plugin instantiated",
		zap.String("plugin", p.name),
		zap.String("instance", name),
		zap.Uint32("pages", m.limiter.Pages()))
	return inst, nil
}

// ready makes sure a live instance exists. Must hold p.mu.
func (p *Plugin) ready(ctx context.Context, m *module) error {
	if p.inst != nil && !p.poisoned && !p.inst.IsClosed() && !p.envStale.Load() {
		return nil
	}
	if p.inst != nil {
		_ = p.inst.Close(ctx)
		p.inst = nil
		Logger().Debug("plugin instance discarded", zap.String("plugin", p.name))
	}

	inst, err := p.instantiate(ctx, m, p.Config())
	if err != nil {
		return err
	}
	p.inst = inst
	p.poisoned = false
	p.envStale.Store(false)
	return nil
}

// ID returns the plugin's unique identifier.
func (p *Plugin) ID() uuid.UUID {
	return p.id
}

// Name returns the configured name, or one derived from the ID.
func (p *Plugin) Name() string {
	return p.name
}

// Info describes the loaded module.
func (p *Plugin) Info() engine.ModuleInfo {
	if m := p.cur.Load(); m != nil {
		return m.info
	}
	return engine.ModuleInfo{}
}

// Exports returns the exported function names in sorted order.
func (p *Plugin) Exports() []string {
	info := p.Info()
	names := make([]string, 0, len(info.Exports))
	for _, e := range info.Exports {
		names = append(names, e.Name)
	}
	return names
}

// FunctionExists reports whether the module exports a function called name.
func (p *Plugin) FunctionExists(name string) bool {
	_, ok := p.Info().Export(name)
	return ok
}

// Call invokes an export with input bytes and returns its output bytes.
//
// From inside a host callback, pass CallContext.Context as ctx. Calls into
// a plugin that is already executing are rejected with KindReentrant only
// when made through that context. With an unrelated ctx the call waits for
// the outer call to finish, so making it on the callback's own goroutine
// deadlocks.
func (p *Plugin) Call(ctx context.Context, name string, input []byte) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	out, err := p.call(ctx, name, input)
	p.setLastError(err)

	if err != nil {
		Logger().Debug("plugin call failed",
			zap.String("plugin", p.name),
			zap.String("export", name),
			zap.Error(err))
		return nil, err
	}
	Logger().Debug("plugin call",
		zap.String("plugin", p.name),
		zap.String("export", name),
		zap.Int("input", len(input)),
		zap.Int("output", len(out)),
		zap.Duration("took", time.Since(start)))
	return out, nil
}

func (p *Plugin) call(ctx context.Context, name string, input []byte) ([]byte, error) {
	if err := p.usable(); err != nil {
		return nil, err
	}
	parent := stateFrom(ctx)
	if parent.active(p) {
		return nil, p.reentrant(name)
	}

	if !p.mu.TryLock() {
		if p.dispatching.Load() > 0 {
			Logger().Warn("plugin call waits on a plugin inside a host callback; pass CallContext.Context to detect reentry",
				zap.String("plugin", p.name),
				zap.String("export", name))
		}
		p.mu.Lock()
	}
	defer p.mu.Unlock()
	if err := p.usable(); err != nil {
		return nil, err
	}

	m := p.cur.Load()
	export, ok := m.info.Export(name)
	if !ok {
		return nil, errors.New(errors.PhaseRuntime, errors.KindNotFound).
			Plugin(p.name).
			Function(name).
			Detail("export %q not found", name).
			Build()
	}
	conv, err := memory.ConventionOf(export.Params, export.Results)
	if err != nil {
		return nil, withPlugin(err, p.name, name)
	}
	if err := p.ready(ctx, m); err != nil {
		return nil, err
	}
	inst := p.inst
	cfg := p.Config()

	state := &callState{plugin: p, export: name, parent: parent}
	callCtx := withState(ctx, state)
	if t := cfg.Timeout(); t > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(callCtx, t)
		defer cancel()
	}
	m.limiter.Reset()

	view := memory.NewView(inst.Memory, memory.NewGuestAllocator(func() api.Module { return inst }), m.limiter).
		Guarded(func() error { return p.instanceLive(inst) })
	marshal := memory.NewMarshaler(view)

	args, in, err := marshal.Lower(callCtx, conv, input)
	if err != nil {
		if k := errors.KindOf(err); k != errors.KindUnsupported && k != errors.KindInvalidInput {
			p.poisoned = true
		}
		return nil, p.classify(callCtx, name, state, m, err)
	}

	results, err := inst.ExportedFunction(name).Call(callCtx, args...)
	if cfg.WASI && name == StartExport {
		p.poisoned = true
	}
	if p.closed.Load() || p.owner.Closed() {
		p.poisoned = true
		return nil, p.closedError(name)
	}
	if err != nil {
		p.poisoned = true
		if cleanExit(err) {
			return []byte{}, nil
		}
		return nil, p.classify(callCtx, name, state, m, err)
	}

	if m.limiter.Exceeded() {
		p.release(callCtx, marshal, in)
		return nil, errors.New(errors.PhaseRuntime, errors.KindMemoryLimit).
			Plugin(p.name).
			Function(name).
			Detail("memory growth exceeds limit of %d pages", m.limiter.MaxPages()).
			Build()
	}
	if state.guestErr != "" {
		p.release(callCtx, marshal, in)
		return nil, errors.New(errors.PhaseRuntime, errors.KindGuest).
			Plugin(p.name).
			Function(name).
			Detail("%s", state.guestErr).
			Build()
	}

	out, outHandle, err := marshal.Lift(conv, results)
	if err != nil {
		p.release(callCtx, marshal, in)
		return nil, withPlugin(err, p.name, name)
	}
	p.release(callCtx, marshal, in, outHandle)
	return out, nil
}

func (p *Plugin) release(ctx context.Context, m *memory.Marshaler, handles ...wasmhost.Handle) {
	if err := m.Release(ctx, handles...); err != nil {
		Logger().Warn("free guest buffers",
			zap.String("plugin", p.name),
			zap.Error(err))
	}
}

// classify maps a failed call onto the error taxonomy.
func (p *Plugin) classify(ctx context.Context, name string, state *callState, m *module, err error) error {
	var exitErr *sys.ExitError
	hasExit := errors.As(err, &exitErr)

	switch {
	case ctx.Err() == context.DeadlineExceeded,
		hasExit && exitErr.ExitCode() == sys.ExitCodeDeadlineExceeded:
		return errors.New(errors.PhaseRuntime, errors.KindTimeout).
			Plugin(p.name).
			Function(name).
			Detail("call exceeded its deadline").
			Cause(err).
			Build()
	case ctx.Err() == context.Canceled,
		hasExit && exitErr.ExitCode() == sys.ExitCodeContextCanceled:
		return errors.New(errors.PhaseRuntime, errors.KindTimeout).
			Plugin(p.name).
			Function(name).
			Detail("call canceled").
			Cause(err).
			Build()
	case m.limiter.Exceeded():
		cause := err
		if state.hostErr != nil {
			cause = state.hostErr
		}
		return withPlugin(errors.MemoryLimit(errors.PhaseRuntime, m.limiter.MaxPages(), cause), p.name, name)
	case state.hostErr != nil:
		return errors.New(errors.PhaseHost, errors.KindHostFunction).
			Plugin(p.name).
			Function(name).
			Detail("host function failed").
			Cause(state.hostErr).
			Build()
	case hasExit:
		return errors.New(errors.PhaseRuntime, errors.KindTrapped).
			Plugin(p.name).
			Function(name).
			Detail("guest exited with code %d", exitErr.ExitCode()).
			Cause(err).
			Build()
	}

	var typed *errors.Error
	if errors.As(err, &typed) {
		return withPlugin(typed, p.name, name)
	}
	return errors.Trapped(p.name, name, err)
}

// cleanExit reports a WASI proc_exit(0), which counts as success.
func cleanExit(err error) bool {
	var exitErr *sys.ExitError
	return errors.As(err, &exitErr) && exitErr.ExitCode() == 0
}

// withPlugin fills in missing plugin and function names on typed errors.
func withPlugin(err error, plugin, function string) error {
	var e *errors.Error
	if !errors.As(err, &e) {
		return err
	}
	if e.Plugin == "" {
		e.Plugin = plugin
	}
	if e.Function == "" {
		e.Function = function
	}
	return err
}

func (p *Plugin) usable() error {
	if p.owner.Closed() {
		return p.closedError("")
	}
	if p.closed.Load() {
		return errors.New(errors.PhaseRuntime, errors.KindClosed).
			Plugin(p.name).
			Detail("plugin is closed").
			Build()
	}
	return nil
}

// instanceLive fails once inst can no longer be accessed: the owner or
// the plugin was closed, or the instance was discarded.
func (p *Plugin) instanceLive(inst api.Module) error {
	if p.owner.Closed() || p.closed.Load() || inst.IsClosed() {
		return errors.ContextClosed(errors.PhaseMemory, "plugin memory")
	}
	return nil
}

func (p *Plugin) closedError(function string) error {
	e := errors.ContextClosed(errors.PhaseContext, "plugin")
	e.Plugin = p.name
	e.Function = function
	return e
}

func (p *Plugin) reentrant(function string) error {
	return errors.New(errors.PhaseRuntime, errors.KindReentrant).
		Plugin(p.name).
		Function(function).
		Detail("plugin is already executing on this call chain").
		Build()
}

// LastError returns the error of the most recent Call, nil if it succeeded.
func (p *Plugin) LastError() error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return p.lastErr
}

func (p *Plugin) setLastError(err error) {
	p.errMu.Lock()
	p.lastErr = err
	p.errMu.Unlock()
}

// Config returns a copy of the plugin configuration.
func (p *Plugin) Config() manifest.Config {
	p.cfgMu.RLock()
	defer p.cfgMu.RUnlock()
	return cloneConfig(p.cfg)
}

// ConfigValue returns a single config entry.
func (p *Plugin) ConfigValue(key string) (string, bool) {
	p.cfgMu.RLock()
	defer p.cfgMu.RUnlock()
	v, ok := p.cfg.Values[key]
	return v, ok
}

// MergeConfig applies a JSON or YAML object of config updates. Null values
// remove keys. With WASI enabled the environment is rebuilt on the next call.
func (p *Plugin) MergeConfig(data []byte) error {
	if err := p.usable(); err != nil {
		return err
	}
	patch, err := manifest.ParsePatch(data)
	if err != nil {
		return withPlugin(err, p.name, "")
	}

	p.cfgMu.Lock()
	if p.cfg.Values == nil {
		p.cfg.Values = make(map[string]string, len(patch))
	}
	for k, v := range patch {
		if v == nil {
			delete(p.cfg.Values, k)
			continue
		}
		p.cfg.Values[k] = *v
	}
	wasi := p.cfg.WASI
	p.cfgMu.Unlock()

	if wasi {
		p.envStale.Store(true)
	}
	return nil
}

// Var returns a copy of a plugin var.
func (p *Plugin) Var(key string) ([]byte, bool) {
	p.varsMu.RLock()
	defer p.varsMu.RUnlock()
	v, ok := p.vars[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), v...), true
}

// SetVar stores a plugin var. Vars persist across calls and instance resets.
func (p *Plugin) SetVar(key string, value []byte) error {
	if key == "" {
		return errors.InvalidInput(errors.PhaseHost, "var key cannot be empty")
	}
	p.varsMu.Lock()
	p.vars[key] = append([]byte(nil), value...)
	p.varsMu.Unlock()
	return nil
}

// DeleteVar removes a plugin var.
func (p *Plugin) DeleteVar(key string) {
	p.varsMu.Lock()
	delete(p.vars, key)
	p.varsMu.Unlock()
}

func (p *Plugin) clearVars() {
	p.varsMu.Lock()
	p.vars = make(map[string][]byte)
	p.varsMu.Unlock()
}

// Reset discards the instance and vars and instantiates afresh.
func (p *Plugin) Reset(ctx context.Context) error {
	if err := p.usable(); err != nil {
		return err
	}
	if stateFrom(ctx).active(p) {
		return p.reentrant("")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.usable(); err != nil {
		return err
	}
	p.clearVars()
	p.poisoned = true
	return p.ready(ctx, p.cur.Load())
}

// Update replaces the module and config in place, keeping the plugin ID.
// On failure the previous module keeps serving calls.
func (p *Plugin) Update(ctx context.Context, wasm []byte, hash string, cfg manifest.Config) error {
	if err := p.usable(); err != nil {
		return err
	}
	if stateFrom(ctx).active(p) {
		return p.reentrant("")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := manifest.Verify(wasm, hash); err != nil {
		return withPlugin(err, p.name, "")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.usable(); err != nil {
		return err
	}

	prev := p.Config()
	p.cfgMu.Lock()
	p.cfg = cloneConfig(cfg)
	p.cfgMu.Unlock()

	m, err := p.load(ctx, wasm, cfg.WASI)
	if err == nil {
		var inst api.Module
		if inst, err = p.instantiate(ctx, m, cfg); err != nil {
			_ = m.close(ctx)
		} else {
			old := p.cur.Swap(m)
			if p.inst != nil {
				_ = p.inst.Close(ctx)
			}
			p.inst = inst
			p.poisoned = false
			p.envStale.Store(false)
			p.clearVars()
			if err := old.close(ctx); err != nil {
				Logger().Warn("close replaced module", zap.String("plugin", p.name), zap.Error(err))
			}
			Logger().Info("plugin updated", zap.String("plugin", p.name))
			return nil
		}
	}

	p.cfgMu.Lock()
	p.cfg = prev
	p.cfgMu.Unlock()
	return err
}

// Close releases the plugin and removes it from its Context. Closing an
// already closed plugin is a no-op.
func (p *Plugin) Close(ctx context.Context) error {
	if stateFrom(ctx).active(p) {
		return p.reentrant("")
	}
	p.owner.forget(p)
	return p.shutdown(ctx)
}

// shutdown closes the runtime first, which aborts an in-flight call, then
// waits for that call to unwind.
func (p *Plugin) shutdown(ctx context.Context) error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}

	var err error
	m := p.cur.Load()
	if m != nil {
		err = m.close(ctx)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if cur := p.cur.Swap(nil); cur != nil && cur != m {
		err = multierr.Append(err, cur.close(ctx))
	}
	p.inst = nil
	Logger().Debug("plugin closed", zap.String("plugin", p.name))
	return err
}
