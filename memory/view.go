// Package memory provides bounds-checked access to a plugin's linear memory.
package memory

import (
	"context"
	"encoding/binary"
	"math"
	"unicode/utf8"

	"github.com/tetratelabs/wazero/api"

	wasmhost "github.com/wippyai/wasm-host"
	"github.com/wippyai/wasm-host/errors"
)

// Source resolves the live memory of an instance. It is called on every
// access and may return nil once the instance is gone.
type Source func() api.Memory

// Check reports whether the owner of a view is still usable. A non-nil
// error fails every access.
type Check func() error

// Limit reports whether the instance's memory limit refused growth.
type Limit interface {
	Exceeded() bool
	MaxPages() uint32
}

// View is a bounds-checked accessor over one instance's linear memory.
// It never caches the backing buffer: growth may relocate it.
type View struct {
	source Source
	alloc  wasmhost.Allocator
	limit  Limit
	check  Check
}

// NewView creates a view. alloc and limit may be nil; without an allocator
// Write and Alloc fail with KindUnsupported.
func NewView(source Source, alloc wasmhost.Allocator, limit Limit) *View {
	return &View{source: source, alloc: alloc, limit: limit}
}

var _ wasmhost.Memory = (*View)(nil)

// Guarded returns a copy of v that runs check before every access.
func (v *View) Guarded(check Check) *View {
	out := *v
	out.check = check
	return &out
}

func (v *View) usable() error {
	if v.check == nil {
		return nil
	}
	return v.check()
}

func (v *View) mem() (api.Memory, error) {
	if err := v.usable(); err != nil {
		return nil, err
	}
	if v.source == nil {
		return nil, errors.NotInitialized(errors.PhaseMemory, "memory")
	}
	m := v.source()
	if m == nil {
		return nil, errors.NotInitialized(errors.PhaseMemory, "memory")
	}
	return m, nil
}

// Size returns the current memory size in bytes, or 0 without an instance.
func (v *View) Size() uint32 {
	m, err := v.mem()
	if err != nil {
		return 0
	}
	return m.Size()
}

// Read copies the bytes addressed by h.
func (v *View) Read(h wasmhost.Handle) ([]byte, error) {
	m, err := v.mem()
	if err != nil {
		return nil, err
	}
	if h.End() > uint64(m.Size()) {
		return nil, errors.OutOfBounds(errors.PhaseMemory, h.Offset, h.Length, m.Size())
	}
	data, ok := m.Read(h.Offset, h.Length)
	if !ok {
		return nil, errors.OutOfBounds(errors.PhaseMemory, h.Offset, h.Length, m.Size())
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// ReadString reads h as UTF-8 text.
func (v *View) ReadString(h wasmhost.Handle) (string, error) {
	data, err := v.Read(h)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(data) {
		return "", errors.InvalidData(errors.PhaseMemory, "invalid UTF-8 sequence")
	}
	return string(data), nil
}

// WriteAt copies data into the region addressed by h. data must fit in h.
func (v *View) WriteAt(h wasmhost.Handle, data []byte) error {
	if uint64(len(data)) > uint64(h.Length) {
		return errors.New(errors.PhaseMemory, errors.KindOutOfBounds).
			Detail("%d bytes do not fit in handle of length %d", len(data), h.Length).
			Build()
	}
	m, err := v.mem()
	if err != nil {
		return err
	}
	if !m.Write(h.Offset, data) {
		return errors.OutOfBounds(errors.PhaseMemory, h.Offset, uint32(len(data)), m.Size())
	}
	return nil
}

// ReadUint64 reads a little-endian u64.
func (v *View) ReadUint64(offset uint32) (uint64, error) {
	data, err := v.Read(wasmhost.Handle{Offset: offset, Length: 8})
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(data), nil
}

// WriteUint64 writes a little-endian u64.
func (v *View) WriteUint64(offset uint32, value uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	return v.WriteAt(wasmhost.Handle{Offset: offset, Length: 8}, buf[:])
}

// Alloc reserves length bytes through the guest allocator.
// A zero length returns the zero handle without calling the guest.
func (v *View) Alloc(ctx context.Context, length uint32) (wasmhost.Handle, error) {
	if err := v.usable(); err != nil {
		return wasmhost.Handle{}, err
	}
	if length == 0 {
		return wasmhost.Handle{}, nil
	}
	if v.alloc == nil {
		return wasmhost.Handle{}, errors.Unsupported(errors.PhaseMemory, "guest does not export an allocator")
	}

	ptr, err := v.alloc.Alloc(ctx, length)
	if err != nil {
		if v.limit != nil && v.limit.Exceeded() {
			return wasmhost.Handle{}, errors.MemoryLimit(errors.PhaseMemory, v.limit.MaxPages(), err)
		}
		return wasmhost.Handle{}, err
	}

	h := wasmhost.Handle{Offset: ptr, Length: length}
	size := v.Size()
	if h.End() > uint64(size) {
		return wasmhost.Handle{}, errors.OutOfBounds(errors.PhaseMemory, ptr, length, size)
	}
	return h, nil
}

// Write allocates a region sized to data, copies data in and returns its handle.
func (v *View) Write(ctx context.Context, data []byte) (wasmhost.Handle, error) {
	if uint64(len(data)) > math.MaxUint32 {
		return wasmhost.Handle{}, errors.New(errors.PhaseMemory, errors.KindInvalidInput).
			Detail("%d bytes exceed the 32-bit address space", len(data)).
			Build()
	}
	h, err := v.Alloc(ctx, uint32(len(data)))
	if err != nil {
		return wasmhost.Handle{}, err
	}
	if h.Length == 0 {
		return h, nil
	}
	if err := v.WriteAt(h, data); err != nil {
		return wasmhost.Handle{}, err
	}
	return h, nil
}

// Free releases a region obtained from Alloc or Write. Freeing the zero
// handle is a no-op.
func (v *View) Free(ctx context.Context, h wasmhost.Handle) error {
	if h.IsZero() || v.alloc == nil {
		return nil
	}
	if err := v.usable(); err != nil {
		return err
	}
	return v.alloc.Free(ctx, h.Offset)
}
