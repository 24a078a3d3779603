// Package engine wraps wazero for plugin hosting.
//
// # Architecture
//
// The engine package provides the pieces the runtime package assembles:
//
//	Engine         - process-wide compilation cache, reference counted
//	ModuleInfo     - imports, exports and memory bounds of a compiled module
//	MemoryLimiter  - linear memory allocator enforcing a page limit
//	ModuleConfig   - instantiation config, optionally with WASI
//
// # Engine Lifetime
//
// The first Acquire creates the shared Engine and the last Release closes
// its compilation cache. Each plugin gets its own wazero.Runtime from
// NewRuntime so plugins never share instances or host modules, while
// compiled code is still reused across them.
//
// # Memory Limits
//
// MemoryLimiter is installed through wazero's experimental allocator hook.
// When growth would pass the limit, memory.grow returns -1 to the guest
// and the limiter remembers it, so the caller can tell a limit failure
// apart from an ordinary trap.
//
//	limiter := engine.NewMemoryLimiter(16)
//	mod, err := rt.InstantiateModule(limiter.WithContext(ctx), compiled, cfg)
//	...
//	if limiter.Exceeded() {
//	    // growth was refused
//	}
//
// # Known Limitations
//
// Memory64 is not supported. The limit hook only sees growth of the
// module's own memory; imported memories are not limited.
//
// Most users should use the runtime package.
package engine
