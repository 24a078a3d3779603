package wasmhost

import (
	"context"

	"github.com/tetratelabs/wazero/api"
)

// Version is the runtime version reported by the CLI and the HTTP server.
const Version = "0.3.0"

// PageSize is the size of one WASM linear memory page.
const PageSize = 65536

// ValueType is a numeric WASM value kind used in host function signatures.
type ValueType = api.ValueType

const (
	I32 ValueType = api.ValueTypeI32
	I64 ValueType = api.ValueTypeI64
	F32 ValueType = api.ValueTypeF32
	F64 ValueType = api.ValueTypeF64
)

// Handle addresses a contiguous byte range in a plugin's linear memory.
type Handle struct {
	Offset uint32
	Length uint32
}

// Pack encodes the handle as offset<<32 | length.
func (h Handle) Pack() uint64 {
	return uint64(h.Offset)<<32 | uint64(h.Length)
}

// End returns the first offset past the range.
func (h Handle) End() uint64 {
	return uint64(h.Offset) + uint64(h.Length)
}

// IsZero reports whether the handle addresses nothing.
func (h Handle) IsZero() bool {
	return h.Offset == 0 && h.Length == 0
}

// Unpack decodes a packed offset<<32 | length value.
func Unpack(v uint64) Handle {
	return Handle{Offset: uint32(v >> 32), Length: uint32(v)}
}

// Memory represents a plugin's linear memory
type Memory interface {
	Read(h Handle) ([]byte, error)
	Write(ctx context.Context, data []byte) (Handle, error)
	Alloc(ctx context.Context, length uint32) (Handle, error)
	Free(ctx context.Context, h Handle) error
	Size() uint32
}

// Allocator allocates memory inside the guest
type Allocator interface {
	Alloc(ctx context.Context, size uint32) (uint32, error)
	Free(ctx context.Context, ptr uint32) error
}
