package wasmtest

import "github.com/tetratelabs/wazero/api"

// HeapBase is where the bump allocator starts handing out memory.
// Bytes below it are scratch space for fixed-address results.
const HeapBase = 1024

// BumpSlot is the fixed address the bump export stores its counter at.
const BumpSlot = 16

var (
	i32    = []api.ValueType{api.ValueTypeI32}
	i64    = []api.ValueType{api.ValueTypeI64}
	ptrLen = []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}
)

// addAllocator defines the guest allocator exports alloc and free.
// alloc grows memory on demand and returns 0 when growth fails,
// leaving the heap pointer untouched.
func addAllocator(b *Builder) uint32 {
	heap := b.Global(api.ValueTypeI32, HeapBase)
	body := Code().
		GlobalGet(heap).LocalSet(1).
		LocalGet(1).LocalGet(0).I32Add().LocalSet(2).
		Block().
		LocalGet(2).MemorySize().I32Const(16).I32Shl().I32LeU().BrIf(0).
		LocalGet(2).MemorySize().I32Const(16).I32Shl().I32Sub().
		I32Const(65535).I32Add().I32Const(16).I32ShrU().
		MemoryGrow().I32Const(-1).I32Ne().BrIf(0).
		I32Const(0).Return().
		End().
		LocalGet(2).GlobalSet(heap).
		LocalGet(1)
	alloc := b.Func("alloc", i32, i32, ptrLen, body)
	b.Func("free", i32, nil, nil, Code())
	return alloc
}

// addBump defines bump() -> i64: increments an instance counter and returns
// a handle to its little-endian value at BumpSlot.
func addBump(b *Builder, name string) uint32 {
	counter := b.Global(api.ValueTypeI64, 0)
	body := Code().
		GlobalGet(counter).I64Const(1).I64Add().GlobalSet(counter).
		I32Const(BumpSlot).GlobalGet(counter).I64Store(0).
		I64Const(BumpSlot<<32 | 8)
	return b.Func(name, nil, i64, nil, body)
}

func addEcho(b *Builder) uint32 {
	return b.Func("echo", ptrLen, i64, nil, Code().Pack(0, 1))
}

// Basic builds a self-contained guest with no imports. Exports:
//
//	echo(ptr, len) -> i64      returns its input
//	noop()                     does nothing
//	grow_two(ptr, len) -> i64  grows memory by 2 pages, traps on failure
//	try_grow_two(ptr, len) -> i64 grows memory by 2 pages, ignores failure
//	trap()                     executes unreachable
//	spin()                     loops forever
//	bump() -> i64              per-instance counter
//	pair() -> (i32, i32)       unsupported shape
//	wide(i64) -> i64           unsupported shape
func Basic() []byte {
	b := New().Memory(1)
	addAllocator(b)
	addEcho(b)
	b.Func("noop", nil, nil, nil, Code())
	b.Func("grow_two", ptrLen, i64, nil, Code().
		I32Const(2).MemoryGrow().I32Const(-1).I32Eq().
		If().Unreachable().End().
		I64Const(0))
	b.Func("try_grow_two", ptrLen, i64, nil, Code().
		I32Const(2).MemoryGrow().Drop().
		I64Const(0))
	b.Func("trap", nil, nil, nil, Code().Unreachable())
	b.Func("spin", nil, nil, nil, Code().Loop().Br(0).End())
	addBump(b, "bump")
	b.Func("pair", nil, ptrLen, nil, Code().I32Const(1).I32Const(2))
	b.Func("wide", i64, i64, nil, Code().LocalGet(0))
	return b.Bytes()
}

// Large builds an echo guest whose memory starts at minPages.
func Large(minPages uint32) []byte {
	b := New().Memory(minPages)
	addAllocator(b)
	addEcho(b)
	return b.Bytes()
}

// Doubler imports env.double(i64) -> i64 and exports
// apply_double(ptr, len) -> i64, which replaces the little-endian i64 at ptr
// with double(value) and returns a handle to it.
func Doubler() []byte {
	b := New()
	double := b.Import("env", "double", i64, i64)
	b.Memory(1)
	addAllocator(b)
	b.Func("apply_double", ptrLen, i64, nil, Code().
		LocalGet(0).
		LocalGet(0).I64Load(0).Call(double).
		I64Store(0).
		PackConst(0, 8))
	addEcho(b)
	return b.Bytes()
}

// Shouter imports env.upper(ptr, len) -> i64 and exports
// shout(ptr, len) -> i64, which returns whatever upper returns.
func Shouter() []byte {
	b := New()
	upper := b.Import("env", "upper", ptrLen, i64)
	b.Memory(1)
	addAllocator(b)
	b.Func("shout", ptrLen, i64, nil, Code().
		LocalGet(0).LocalGet(1).Call(upper))
	return b.Bytes()
}

// Kernel imports the wasmhost builtin namespace. Exports:
//
//	get_config(ptr, len) -> i64  config value for the key in input
//	get_var(ptr, len) -> i64     plugin var for the key in input
//	set_var(ptr, len)            stores input under itself as key
//	log_input(ptr, len)          logs input at info level
//	fail(ptr, len) -> i64        reports input as the guest error
func Kernel() []byte {
	b := New()
	configGet := b.Import("wasmhost", "config_get", ptrLen, i64)
	varGet := b.Import("wasmhost", "var_get", ptrLen, i64)
	varSet := b.Import("wasmhost", "var_set",
		[]api.ValueType{api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32}, nil)
	logFn := b.Import("wasmhost", "log",
		[]api.ValueType{api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32}, nil)
	errorSet := b.Import("wasmhost", "error_set", ptrLen, nil)
	b.Memory(1)
	addAllocator(b)
	b.Func("get_config", ptrLen, i64, nil, Code().LocalGet(0).LocalGet(1).Call(configGet))
	b.Func("get_var", ptrLen, i64, nil, Code().LocalGet(0).LocalGet(1).Call(varGet))
	b.Func("set_var", ptrLen, nil, nil, Code().
		LocalGet(0).LocalGet(1).LocalGet(0).LocalGet(1).Call(varSet))
	b.Func("log_input", ptrLen, nil, nil, Code().
		I32Const(1).LocalGet(0).LocalGet(1).Call(logFn))
	b.Func("fail", ptrLen, i64, nil, Code().
		LocalGet(0).LocalGet(1).Call(errorSet).
		I64Const(0))
	return b.Bytes()
}

// WASI imports wasi_snapshot_preview1.random_get. Exports:
//
//	random(ptr, len) -> i64  fills the input buffer with random bytes
//	_start()                 bumps the counter, like a command entry point
//	bump() -> i64            per-instance counter
func WASI() []byte {
	b := New()
	randomGet := b.Import("wasi_snapshot_preview1", "random_get", ptrLen, i32)
	b.Memory(1)
	addAllocator(b)
	b.Func("random", ptrLen, i64, nil, Code().
		LocalGet(0).LocalGet(1).Call(randomGet).Drop().
		Pack(0, 1))
	bump := addBump(b, "bump")
	b.Func("_start", nil, nil, nil, Code().Call(bump).Drop())
	return b.Bytes()
}

// Reentrant imports env.callback() and exports enter(ptr, len), which calls
// it, plus echo.
func Reentrant() []byte {
	b := New()
	callback := b.Import("env", "callback", nil, nil)
	b.Memory(1)
	addAllocator(b)
	b.Func("enter", ptrLen, nil, nil, Code().Call(callback))
	addEcho(b)
	return b.Bytes()
}
