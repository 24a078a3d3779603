package runtime

import (
	"context"
	"io"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-host/engine"
	"github.com/wippyai/wasm-host/errors"
	"github.com/wippyai/wasm-host/manifest"
)

// Context owns a host function registry and the plugins created from it.
// Every open Context holds a reference on the shared engine.
type Context struct {
	engine   *engine.Engine
	registry *Registry
	stdio    engine.Stdio

	mu      sync.Mutex
	plugins map[uuid.UUID]*Plugin
	closed  atomic.Bool
}

// Option configures a Context.
type Option func(*Context)

// WithStdout sets where WASI guests write standard output.
func WithStdout(w io.Writer) Option {
	return func(c *Context) {
		c.stdio.Stdout = w
	}
}

// WithStderr sets where WASI guests write standard error.
func WithStderr(w io.Writer) Option {
	return func(c *Context) {
		c.stdio.Stderr = w
	}
}

// Open creates a Context.
func Open(opts ...Option) *Context {
	c := &Context{
		engine:   engine.Acquire(),
		registry: NewRegistry(),
		plugins:  make(map[uuid.UUID]*Plugin),
	}
	for _, opt := range opts {
		opt(c)
	}
	Logger().Debug("context opened", zap.Int("engine_refs", engine.Refs()))
	return c
}

// Closed reports whether Close has been called.
func (c *Context) Closed() bool {
	return c.closed.Load()
}

func (c *Context) closedError(what string) error {
	return errors.ContextClosed(errors.PhaseContext, what)
}

// RegisterFunction makes fn available to plugins created afterwards.
func (c *Context) RegisterFunction(fn HostFunction) error {
	if c.Closed() {
		return c.closedError("register function")
	}
	return c.registry.Register(fn)
}

// Functions returns the registered host function names.
func (c *Context) Functions() []string {
	return c.registry.Names()
}

// Plugin verifies, compiles, links and instantiates a module. An empty
// hash skips verification. Nothing is created on failure.
func (c *Context) Plugin(ctx context.Context, wasm []byte, hash string, cfg manifest.Config) (*Plugin, error) {
	if c.Closed() {
		return nil, c.closedError("create plugin")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	p, err := newPlugin(ctx, c, wasm, hash, cfg)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.Closed() {
		c.mu.Unlock()
		_ = p.shutdown(ctx)
		return nil, c.closedError("create plugin")
	}
	c.plugins[p.id] = p
	c.mu.Unlock()

	Logger().Info("plugin created",
		zap.String("plugin", p.name),
		zap.String("id", p.id.String()),
		zap.Int("exports", len(p.Info().Exports)))
	return p, nil
}

// PluginFromManifest loads the module a manifest points at.
func (c *Context) PluginFromManifest(ctx context.Context, m *manifest.Manifest) (*Plugin, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	wasm, err := m.Module()
	if err != nil {
		return nil, err
	}
	cfg := m.Config
	cfg.Name = m.PluginName()
	return c.Plugin(ctx, wasm, m.Wasm.Hash, cfg)
}

// Lookup returns a live plugin by ID.
func (c *Context) Lookup(id uuid.UUID) (*Plugin, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.plugins[id]
	return p, ok
}

// Plugins returns the live plugins ordered by name.
func (c *Context) Plugins() []*Plugin {
	c.mu.Lock()
	out := make([]*Plugin, 0, len(c.plugins))
	for _, p := range c.plugins {
		out = append(out, p)
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].name == out[j].name {
			return out[i].id.String() < out[j].id.String()
		}
		return out[i].name < out[j].name
	})
	return out
}

func (c *Context) forget(p *Plugin) {
	c.mu.Lock()
	delete(c.plugins, p.id)
	c.mu.Unlock()
}

// Reset closes every plugin but keeps the Context and its registry open.
func (c *Context) Reset(ctx context.Context) error {
	if c.Closed() {
		return c.closedError("reset")
	}
	if stateFrom(ctx).activeIn(c) {
		return errors.New(errors.PhaseContext, errors.KindReentrant).
			Detail("reset from inside a plugin call").
			Build()
	}

	c.mu.Lock()
	plugins := c.plugins
	c.plugins = make(map[uuid.UUID]*Plugin)
	c.mu.Unlock()

	return closeAll(ctx, plugins)
}

// Close closes every plugin and releases the engine reference. In-flight
// calls are aborted and fail with KindContextClosed. Close is idempotent.
func (c *Context) Close(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if stateFrom(ctx).activeIn(c) {
		return errors.New(errors.PhaseContext, errors.KindReentrant).
			Detail("close from inside a plugin call").
			Build()
	}

	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		return nil
	}
	c.closed.Store(true)
	plugins := c.plugins
	c.plugins = make(map[uuid.UUID]*Plugin)
	c.mu.Unlock()

	err := closeAll(ctx, plugins)
	err = multierr.Append(err, c.engine.Release(ctx))
	Logger().Debug("context closed",
		zap.Int("plugins", len(plugins)),
		zap.Int("engine_refs", engine.Refs()))
	return err
}

func closeAll(ctx context.Context, plugins map[uuid.UUID]*Plugin) error {
	var err error
	for _, p := range plugins {
		err = multierr.Append(err, p.shutdown(ctx))
	}
	return err
}
