// Package wasmhost runs WebAssembly plugins: core modules that exchange
// byte buffers with the host and call back into registered host functions.
//
// # Architecture Overview
//
// The library is organized into several packages with distinct responsibilities:
//
//	wasmhost/            Root package with Handle, Memory and Allocator
//	├── runtime/         Context, Plugin and the host function registry
//	├── engine/          Shared wazero engine, module inspection, memory limits
//	├── memory/          Bounds-checked guest memory view and call marshaling
//	├── manifest/        Plugin manifests, integrity digests, config patches
//	├── errors/          Structured error types with Phase and Kind
//	└── cmd/wasmhost/    CLI: call, inspect, serve, interactive
//
// # Quick Start
//
// Open a Context, register host functions and load a plugin:
//
//	hc := runtime.Open()
//	defer hc.Close(ctx)
//
//	err := hc.RegisterFunction(runtime.NewHostFunction("double",
//	    []wasmhost.ValueType{wasmhost.I64},
//	    []wasmhost.ValueType{wasmhost.I64},
//	    func(cc *runtime.CallContext, args []uint64) ([]uint64, error) {
//	        return []uint64{args[0] * 2}, nil
//	    }, nil))
//
//	p, err := hc.Plugin(ctx, wasm, manifest.Digest(wasm), manifest.Config{
//	    Memory: manifest.Memory{MaxPages: 16},
//	})
//	out, err := p.Call(ctx, "apply_double", input)
//
// # Handles
//
// Byte buffers cross the boundary as a Handle: an offset and a length inside
// the plugin's linear memory, packed into one i64 as offset<<32 | length.
// Exports take (ptr, len i32) and return the packed i64.
//
// # Error Handling
//
// All packages return *errors.Error values. Match on Kind with the sentinels:
//
//	if errors.Is(err, errors.ErrMemoryLimit) {
//	    // the plugin tried to grow past its limit
//	}
package wasmhost
