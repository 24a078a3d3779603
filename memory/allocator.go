package memory

import (
	"context"

	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-host/errors"
)

const (
	// AllocExport is the guest export alloc(len i32) -> i32. Zero means failure.
	AllocExport = "alloc"
	// FreeExport is the optional guest export free(ptr i32).
	FreeExport = "free"
)

// ModuleSource resolves the live guest instance.
type ModuleSource func() api.Module

// GuestAllocator allocates through the guest's alloc and free exports.
type GuestAllocator struct {
	module ModuleSource
}

// NewGuestAllocator creates an allocator backed by the guest exports.
func NewGuestAllocator(module ModuleSource) *GuestAllocator {
	return &GuestAllocator{module: module}
}

// Alloc calls the guest alloc export.
func (a *GuestAllocator) Alloc(ctx context.Context, size uint32) (uint32, error) {
	mod := a.module()
	if mod == nil {
		return 0, errors.NotInitialized(errors.PhaseMemory, "instance")
	}
	fn := mod.ExportedFunction(AllocExport)
	if fn == nil {
		return 0, errors.Unsupported(errors.PhaseMemory, "guest does not export alloc")
	}

	results, err := fn.Call(ctx, uint64(size))
	if err != nil {
		return 0, errors.New(errors.PhaseMemory, errors.KindAllocation).
			Function(AllocExport).
			Detail("guest allocator failed for %d bytes", size).
			Cause(err).
			Build()
	}
	if len(results) == 0 || uint32(results[0]) == 0 {
		return 0, errors.AllocationFailed(errors.PhaseMemory, size)
	}
	return uint32(results[0]), nil
}

// Free calls the guest free export when present.
func (a *GuestAllocator) Free(ctx context.Context, ptr uint32) error {
	mod := a.module()
	if mod == nil || ptr == 0 {
		return nil
	}
	fn := mod.ExportedFunction(FreeExport)
	if fn == nil {
		return nil
	}
	if _, err := fn.Call(ctx, uint64(ptr)); err != nil {
		return errors.Wrap(errors.PhaseMemory, errors.KindAllocation, err, "guest free failed")
	}
	return nil
}
