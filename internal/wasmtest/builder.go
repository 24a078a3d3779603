// Package wasmtest encodes small core WASM modules for tests.
//
// Modules are assembled in-process so tests carry no binary fixtures.
// Only the sections the runtime exercises are supported: type, import,
// function, memory, global, export and code.
package wasmtest

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/tetratelabs/wazero/api"
)

const (
	magic   = 0x6d736100 // \0asm
	version = 0x00000001

	sectionType     = 1
	sectionImport   = 2
	sectionFunction = 3
	sectionMemory   = 5
	sectionGlobal   = 6
	sectionExport   = 7
	sectionCode     = 10

	kindFunc   = 0x00
	kindMemory = 0x02

	funcTypeByte = 0x60
)

type funcType struct {
	params  []api.ValueType
	results []api.ValueType
}

func (f funcType) key() string {
	var b strings.Builder
	b.Write(f.params)
	b.WriteByte('|')
	b.Write(f.results)
	return b.String()
}

type importFunc struct {
	module  string
	name    string
	typeIdx uint32
}

type function struct {
	typeIdx uint32
	locals  []api.ValueType
	body    []byte
}

type global struct {
	valType api.ValueType
	init    int64
}

type export struct {
	name string
	kind byte
	idx  uint32
}

// Builder assembles a core module. Imports must be declared before functions.
type Builder struct {
	typeIdx   map[string]uint32
	types     []funcType
	imports   []importFunc
	funcs     []function
	globals   []global
	exports   []export
	memMin    uint32
	memMax    uint32
	hasMemory bool
	hasMax    bool
}

// New creates an empty module builder.
func New() *Builder {
	return &Builder{typeIdx: make(map[string]uint32)}
}

func (b *Builder) typeOf(params, results []api.ValueType) uint32 {
	ft := funcType{params: params, results: results}
	if idx, ok := b.typeIdx[ft.key()]; ok {
		return idx
	}
	idx := uint32(len(b.types))
	b.types = append(b.types, ft)
	b.typeIdx[ft.key()] = idx
	return idx
}

// Memory declares the module memory, exported as "memory".
// An optional max caps growth inside the module itself.
func (b *Builder) Memory(minPages uint32, maxPages ...uint32) *Builder {
	b.hasMemory = true
	b.memMin = minPages
	if len(maxPages) > 0 {
		b.hasMax = true
		b.memMax = maxPages[0]
	}
	b.exports = append(b.exports, export{name: "memory", kind: kindMemory, idx: 0})
	return b
}

// Import declares an imported function and returns its function index.
func (b *Builder) Import(module, name string, params, results []api.ValueType) uint32 {
	if len(b.funcs) > 0 {
		panic("wasmtest: imports must be declared before functions")
	}
	b.imports = append(b.imports, importFunc{
		module:  module,
		name:    name,
		typeIdx: b.typeOf(params, results),
	})
	return uint32(len(b.imports) - 1)
}

// Global declares a mutable global and returns its index.
func (b *Builder) Global(valType api.ValueType, init int64) uint32 {
	b.globals = append(b.globals, global{valType: valType, init: init})
	return uint32(len(b.globals) - 1)
}

// Func defines a function and returns its index. A non-empty name exports it.
// The body must not include the trailing end opcode.
func (b *Builder) Func(name string, params, results, locals []api.ValueType, body *Asm) uint32 {
	idx := uint32(len(b.imports) + len(b.funcs))
	b.funcs = append(b.funcs, function{
		typeIdx: b.typeOf(params, results),
		locals:  locals,
		body:    body.Bytes(),
	})
	if name != "" {
		b.exports = append(b.exports, export{name: name, kind: kindFunc, idx: idx})
	}
	return idx
}

// Export adds another export name for an existing function.
func (b *Builder) Export(name string, funcIdx uint32) *Builder {
	b.exports = append(b.exports, export{name: name, kind: kindFunc, idx: funcIdx})
	return b
}

// Bytes encodes the module.
func (b *Builder) Bytes() []byte {
	w := newWriter()
	w.u32le(magic)
	w.u32le(version)

	if len(b.types) > 0 {
		sec := newWriter()
		sec.u32(uint32(len(b.types)))
		for _, ft := range b.types {
			sec.byte(funcTypeByte)
			sec.valTypes(ft.params)
			sec.valTypes(ft.results)
		}
		w.section(sectionType, sec)
	}

	if len(b.imports) > 0 {
		sec := newWriter()
		sec.u32(uint32(len(b.imports)))
		for _, imp := range b.imports {
			sec.name(imp.module)
			sec.name(imp.name)
			sec.byte(kindFunc)
			sec.u32(imp.typeIdx)
		}
		w.section(sectionImport, sec)
	}

	if len(b.funcs) > 0 {
		sec := newWriter()
		sec.u32(uint32(len(b.funcs)))
		for _, fn := range b.funcs {
			sec.u32(fn.typeIdx)
		}
		w.section(sectionFunction, sec)
	}

	if b.hasMemory {
		sec := newWriter()
		sec.u32(1)
		if b.hasMax {
			sec.byte(0x01)
			sec.u32(b.memMin)
			sec.u32(b.memMax)
		} else {
			sec.byte(0x00)
			sec.u32(b.memMin)
		}
		w.section(sectionMemory, sec)
	}

	if len(b.globals) > 0 {
		sec := newWriter()
		sec.u32(uint32(len(b.globals)))
		for _, g := range b.globals {
			sec.byte(g.valType)
			sec.byte(0x01) // mutable
			switch g.valType {
			case api.ValueTypeI64:
				sec.byte(opI64Const)
				sec.s64(g.init)
			default:
				sec.byte(opI32Const)
				sec.s64(int64(int32(g.init)))
			}
			sec.byte(opEnd)
		}
		w.section(sectionGlobal, sec)
	}

	if len(b.exports) > 0 {
		sec := newWriter()
		sec.u32(uint32(len(b.exports)))
		for _, exp := range b.exports {
			sec.name(exp.name)
			sec.byte(exp.kind)
			sec.u32(exp.idx)
		}
		w.section(sectionExport, sec)
	}

	if len(b.funcs) > 0 {
		sec := newWriter()
		sec.u32(uint32(len(b.funcs)))
		for _, fn := range b.funcs {
			body := newWriter()
			body.u32(uint32(len(fn.locals)))
			for _, l := range fn.locals {
				body.u32(1)
				body.byte(l)
			}
			body.raw(fn.body)
			body.byte(opEnd)
			sec.u32(uint32(body.len()))
			sec.raw(body.bytes())
		}
		w.section(sectionCode, sec)
	}

	return w.bytes()
}

// String describes the module layout for test failure messages.
func (b *Builder) String() string {
	names := make([]string, 0, len(b.exports))
	for _, e := range b.exports {
		names = append(names, e.name)
	}
	return fmt.Sprintf("module(imports=%d funcs=%d exports=%v)", len(b.imports), len(b.funcs), names)
}

type writer struct {
	buf bytes.Buffer
}

func newWriter() *writer {
	return &writer{}
}

func (w *writer) bytes() []byte {
	return w.buf.Bytes()
}

func (w *writer) len() int {
	return w.buf.Len()
}

func (w *writer) byte(b byte) {
	w.buf.WriteByte(b)
}

func (w *writer) raw(data []byte) {
	w.buf.Write(data)
}

func (w *writer) u32le(v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	w.buf.Write(buf[:])
}

func (w *writer) u32(v uint32) {
	w.buf.Write(appendU32(nil, v))
}

func (w *writer) s64(v int64) {
	w.buf.Write(appendS64(nil, v))
}

func (w *writer) name(s string) {
	w.u32(uint32(len(s)))
	w.buf.WriteString(s)
}

func (w *writer) valTypes(types []api.ValueType) {
	w.u32(uint32(len(types)))
	w.buf.Write(types)
}

func (w *writer) section(id byte, sec *writer) {
	w.byte(id)
	w.u32(uint32(sec.len()))
	w.raw(sec.bytes())
}

// appendU32 appends v as unsigned LEB128.
func appendU32(dst []byte, v uint32) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		dst = append(dst, b)
		if v == 0 {
			return dst
		}
	}
}

// appendS64 appends v as signed LEB128.
func appendS64(dst []byte, v int64) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(dst, b)
		}
		dst = append(dst, b|0x80)
	}
}
