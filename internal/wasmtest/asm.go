package wasmtest

const (
	opUnreachable  = 0x00
	opBlock        = 0x02
	opLoop         = 0x03
	opIf           = 0x04
	opEnd          = 0x0b
	opBr           = 0x0c
	opBrIf         = 0x0d
	opReturn       = 0x0f
	opCall         = 0x10
	opDrop         = 0x1a
	opLocalGet     = 0x20
	opLocalSet     = 0x21
	opGlobalGet    = 0x23
	opGlobalSet    = 0x24
	opI64Load      = 0x29
	opI64Store     = 0x37
	opMemorySize   = 0x3f
	opMemoryGrow   = 0x40
	opI32Const     = 0x41
	opI64Const     = 0x42
	opI32Eq        = 0x46
	opI32Ne        = 0x47
	opI32LeU       = 0x4d
	opI32Add       = 0x6a
	opI32Sub       = 0x6b
	opI32Shl       = 0x74
	opI32ShrU      = 0x76
	opI64Add       = 0x7c
	opI64Or        = 0x84
	opI64Shl       = 0x86
	opI64ExtendI32 = 0xad

	blockEmpty = 0x40
)

// Asm accumulates instruction bytes for a function body.
type Asm struct {
	buf []byte
}

// Code starts a new instruction sequence.
func Code() *Asm {
	return &Asm{}
}

// Bytes returns the encoded instructions.
func (a *Asm) Bytes() []byte {
	return a.buf
}

func (a *Asm) op(b ...byte) *Asm {
	a.buf = append(a.buf, b...)
	return a
}

func (a *Asm) Unreachable() *Asm { return a.op(opUnreachable) }
func (a *Asm) Block() *Asm       { return a.op(opBlock, blockEmpty) }
func (a *Asm) Loop() *Asm        { return a.op(opLoop, blockEmpty) }
func (a *Asm) If() *Asm          { return a.op(opIf, blockEmpty) }
func (a *Asm) End() *Asm         { return a.op(opEnd) }
func (a *Asm) Return() *Asm      { return a.op(opReturn) }
func (a *Asm) Drop() *Asm        { return a.op(opDrop) }
func (a *Asm) I32Eq() *Asm       { return a.op(opI32Eq) }
func (a *Asm) I32Ne() *Asm       { return a.op(opI32Ne) }
func (a *Asm) I32LeU() *Asm      { return a.op(opI32LeU) }
func (a *Asm) I32Add() *Asm      { return a.op(opI32Add) }
func (a *Asm) I32Sub() *Asm      { return a.op(opI32Sub) }
func (a *Asm) I32Shl() *Asm      { return a.op(opI32Shl) }
func (a *Asm) I32ShrU() *Asm     { return a.op(opI32ShrU) }
func (a *Asm) I64Add() *Asm      { return a.op(opI64Add) }
func (a *Asm) I64Or() *Asm       { return a.op(opI64Or) }
func (a *Asm) I64Shl() *Asm      { return a.op(opI64Shl) }
func (a *Asm) I64ExtendI32U() *Asm {
	return a.op(opI64ExtendI32)
}

func (a *Asm) Br(depth uint32) *Asm {
	a.op(opBr)
	a.buf = appendU32(a.buf, depth)
	return a
}

func (a *Asm) BrIf(depth uint32) *Asm {
	a.op(opBrIf)
	a.buf = appendU32(a.buf, depth)
	return a
}

func (a *Asm) Call(funcIdx uint32) *Asm {
	a.op(opCall)
	a.buf = appendU32(a.buf, funcIdx)
	return a
}

func (a *Asm) LocalGet(idx uint32) *Asm {
	a.op(opLocalGet)
	a.buf = appendU32(a.buf, idx)
	return a
}

func (a *Asm) LocalSet(idx uint32) *Asm {
	a.op(opLocalSet)
	a.buf = appendU32(a.buf, idx)
	return a
}

func (a *Asm) GlobalGet(idx uint32) *Asm {
	a.op(opGlobalGet)
	a.buf = appendU32(a.buf, idx)
	return a
}

func (a *Asm) GlobalSet(idx uint32) *Asm {
	a.op(opGlobalSet)
	a.buf = appendU32(a.buf, idx)
	return a
}

func (a *Asm) I32Const(v int32) *Asm {
	a.op(opI32Const)
	a.buf = appendS64(a.buf, int64(v))
	return a
}

func (a *Asm) I64Const(v int64) *Asm {
	a.op(opI64Const)
	a.buf = appendS64(a.buf, v)
	return a
}

// I64Load loads with natural alignment hint and the given static offset.
func (a *Asm) I64Load(offset uint32) *Asm {
	a.op(opI64Load, 3)
	a.buf = appendU32(a.buf, offset)
	return a
}

// I64Store stores with natural alignment hint and the given static offset.
func (a *Asm) I64Store(offset uint32) *Asm {
	a.op(opI64Store, 3)
	a.buf = appendU32(a.buf, offset)
	return a
}

func (a *Asm) MemorySize() *Asm { return a.op(opMemorySize, 0x00) }
func (a *Asm) MemoryGrow() *Asm { return a.op(opMemoryGrow, 0x00) }

// Pack leaves (local ptr << 32) | local len as an i64 on the stack.
func (a *Asm) Pack(ptrLocal, lenLocal uint32) *Asm {
	return a.LocalGet(ptrLocal).I64ExtendI32U().I64Const(32).I64Shl().
		LocalGet(lenLocal).I64ExtendI32U().I64Or()
}

// PackConst leaves (local ptr << 32) | length as an i64 on the stack.
func (a *Asm) PackConst(ptrLocal uint32, length int64) *Asm {
	return a.LocalGet(ptrLocal).I64ExtendI32U().I64Const(32).I64Shl().
		I64Const(length).I64Or()
}
