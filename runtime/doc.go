// Package runtime hosts WebAssembly plugins: byte-in/byte-out guest modules
// that call back into Go through registered host functions.
//
// # Quick Start
//
//	ctx := context.Background()
//	hc := runtime.Open()
//	defer hc.Close(ctx)
//
//	// Register a host function before creating plugins that import it
//	err := hc.RegisterFunction(runtime.NewHostFunction("double",
//	    []wasmhost.ValueType{wasmhost.I64}, []wasmhost.ValueType{wasmhost.I64},
//	    func(cc *runtime.CallContext, args []uint64) ([]uint64, error) {
//	        return []uint64{args[0] * 2}, nil
//	    }, nil))
//
//	// Create a plugin; an empty hash skips integrity verification
//	p, err := hc.Plugin(ctx, wasmBytes, "", manifest.Config{
//	    Memory: manifest.Memory{MaxPages: 16},
//	})
//
//	out, err := p.Call(ctx, "apply_double", input)
//
// # Guest ABI
//
// Guests export their linear memory as "memory" and an allocator
// alloc(len i32) -> i32 returning 0 on failure. An optional free(ptr i32)
// releases buffers. Callable exports take one of these shapes:
//
//	(ptr i32, len i32) -> i64   input and output
//	(ptr i32, len i32)          input only
//	() -> i64                   output only
//	()                          neither
//
// The i64 result packs an output handle as offset<<32 | length; 0 is empty
// output. A module exporting "_initialize" has it run at instantiation.
//
// # Builtins
//
// The "wasmhost" import namespace is always linkable:
//
//	config_get(kptr, klen i32) -> i64        plugin config value
//	var_get(kptr, klen i32) -> i64           plugin var
//	var_set(kptr, klen, vptr, vlen i32)      set var; vlen 0 deletes
//	log(level, ptr, len i32)                 0 debug, 1 info, 2 warn, 3 error
//	error_set(ptr, len i32)                  fail the current call
//
// # Failures
//
// Errors carry an errors.Kind: integrity, unknown_import,
// memory_limit_exceeded, out_of_bounds, plugin_trapped and context_closed
// cover the common cases. A trap, timeout or host function failure discards
// the instance and the next call runs on a fresh one; the plugin itself
// stays usable.
//
// # Thread Safety
//
// Context and Plugin are safe for concurrent use. Calls on one plugin are
// serialized. A host callback may call other plugins by passing
// CallContext.Context(); calling back into a plugin already on the chain
// fails with KindReentrant.
package runtime
