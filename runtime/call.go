package runtime

import (
	"context"
	"sync/atomic"

	"github.com/tetratelabs/wazero/api"

	wasmhost "github.com/wippyai/wasm-host"
	"github.com/wippyai/wasm-host/engine"
	"github.com/wippyai/wasm-host/errors"
	"github.com/wippyai/wasm-host/memory"
)

// callState tracks one in-flight export call. States chain through parent
// so nested calls made from host callbacks can see every active plugin.
type callState struct {
	plugin   *Plugin
	export   string
	hostErr  error
	guestErr string
	parent   *callState
}

type stateKey struct{}

func withState(ctx context.Context, s *callState) context.Context {
	return context.WithValue(ctx, stateKey{}, s)
}

func stateFrom(ctx context.Context) *callState {
	if ctx == nil {
		return nil
	}
	s, _ := ctx.Value(stateKey{}).(*callState)
	return s
}

// active reports whether p is executing anywhere up the chain.
func (s *callState) active(p *Plugin) bool {
	for c := s; c != nil; c = c.parent {
		if c.plugin == p {
			return true
		}
	}
	return false
}

// activeIn reports whether any plugin of c is executing up the chain.
func (s *callState) activeIn(c *Context) bool {
	for st := s; st != nil; st = st.parent {
		if st.plugin != nil && st.plugin.owner == c {
			return true
		}
	}
	return false
}

// CallContext is handed to host callbacks. It is valid only for the
// duration of the callback; afterwards its memory accesses fail with
// KindContextClosed.
type CallContext struct {
	ctx    context.Context
	plugin *Plugin
	fn     *HostFunction
	state  *callState
	view   *memory.View
	done   atomic.Bool
}

func newCallContext(ctx context.Context, p *Plugin, mod api.Module, limiter *engine.MemoryLimiter) *CallContext {
	cc := &CallContext{
		ctx:    ctx,
		plugin: p,
		state:  stateFrom(ctx),
	}
	source := func() api.Module { return mod }
	cc.view = memory.NewView(mod.Memory, memory.NewGuestAllocator(source), limiter).
		Guarded(func() error {
			if cc.done.Load() {
				return errors.ContextClosed(errors.PhaseHost, "call context")
			}
			return p.instanceLive(mod)
		})
	return cc
}

// release invalidates the call context once the callback has returned.
func (c *CallContext) release() {
	c.done.Store(true)
}

// Context returns the context of the enclosing plugin call. Pass it to
// Plugin.Call when calling other plugins from a callback.
func (c *CallContext) Context() context.Context {
	return c.ctx
}

// Plugin returns the plugin whose guest invoked the callback.
func (c *CallContext) Plugin() *Plugin {
	return c.plugin
}

// Memory returns a view of the calling instance's linear memory.
func (c *CallContext) Memory() *memory.View {
	return c.view
}

// Function returns the name of the host function being invoked.
func (c *CallContext) Function() string {
	if c.fn == nil {
		return ""
	}
	return c.fn.Name
}

// UserData returns the value the host function was registered with.
func (c *CallContext) UserData() any {
	if c.fn == nil {
		return nil
	}
	return c.fn.UserData
}

// Read copies length guest bytes starting at ptr. Both arguments are raw
// i32 parameters as received by the callback.
func (c *CallContext) Read(ptr, length uint64) ([]byte, error) {
	return c.view.Read(wasmhost.Handle{Offset: uint32(ptr), Length: uint32(length)})
}

// ReadString is Read for UTF-8 text.
func (c *CallContext) ReadString(ptr, length uint64) (string, error) {
	return c.view.ReadString(wasmhost.Handle{Offset: uint32(ptr), Length: uint32(length)})
}

// ReadPacked reads the region addressed by a packed offset/length handle.
func (c *CallContext) ReadPacked(packed uint64) ([]byte, error) {
	return c.view.Read(wasmhost.Unpack(packed))
}

// Write copies data into a fresh guest allocation and returns its packed
// handle. Empty data yields 0. The guest owns the allocation.
func (c *CallContext) Write(data []byte) (uint64, error) {
	h, err := c.view.Write(c.ctx, data)
	if err != nil {
		return 0, err
	}
	return h.Pack(), nil
}
