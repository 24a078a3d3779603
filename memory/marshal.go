package memory

import (
	"context"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/multierr"

	wasmhost "github.com/wippyai/wasm-host"
	"github.com/wippyai/wasm-host/errors"
)

// Convention describes how an export exchanges bytes with the host.
//
//	Input:  the export takes (ptr i32, len i32) addressing the input bytes
//	Output: the export returns one i64 packing ptr<<32 | len, 0 for empty
type Convention struct {
	Input  bool
	Output bool
}

// ConventionOf classifies an export signature. Any other shape is a
// type mismatch.
func ConventionOf(params, results []api.ValueType) (Convention, error) {
	var c Convention

	switch {
	case len(params) == 0:
	case len(params) == 2 && params[0] == api.ValueTypeI32 && params[1] == api.ValueTypeI32:
		c.Input = true
	default:
		return c, errors.New(errors.PhaseMarshal, errors.KindTypeMismatch).
			Detail("export parameters must be () or (i32, i32), got %d params", len(params)).
			Build()
	}

	switch {
	case len(results) == 0:
	case len(results) == 1 && results[0] == api.ValueTypeI64:
		c.Output = true
	case len(results) > 1:
		return c, errors.New(errors.PhaseMarshal, errors.KindTypeMismatch).
			Detail("export has %d results, expected 0 or 1", len(results)).
			Build()
	default:
		return c, errors.New(errors.PhaseMarshal, errors.KindTypeMismatch).
			Detail("export result must be i64, got %s", api.ValueTypeName(results[0])).
			Build()
	}

	return c, nil
}

// Marshaler moves call payloads between host byte slices and guest memory.
type Marshaler struct {
	view *View
}

// NewMarshaler creates a marshaler over view.
func NewMarshaler(view *View) *Marshaler {
	return &Marshaler{view: view}
}

// Lower writes input into guest memory and returns the export arguments.
// Exports without an input convention receive no arguments and input is ignored.
func (m *Marshaler) Lower(ctx context.Context, conv Convention, input []byte) ([]uint64, wasmhost.Handle, error) {
	if !conv.Input {
		return nil, wasmhost.Handle{}, nil
	}
	h, err := m.view.Write(ctx, input)
	if err != nil {
		return nil, wasmhost.Handle{}, err
	}
	return []uint64{uint64(h.Offset), uint64(h.Length)}, h, nil
}

// Lift materializes the export result. The returned slice is owned by the
// caller; the guest buffer it was read from is returned for Release.
func (m *Marshaler) Lift(conv Convention, results []uint64) ([]byte, wasmhost.Handle, error) {
	if !conv.Output {
		return []byte{}, wasmhost.Handle{}, nil
	}
	if len(results) != 1 {
		return nil, wasmhost.Handle{}, errors.New(errors.PhaseMarshal, errors.KindTypeMismatch).
			Detail("expected 1 result, got %d", len(results)).
			Build()
	}

	out := wasmhost.Unpack(results[0])
	if out.IsZero() {
		return []byte{}, out, nil
	}

	data, err := m.view.Read(out)
	if err != nil {
		return nil, wasmhost.Handle{}, err
	}
	return data, out, nil
}

// Release frees each distinct non-zero handle through the guest allocator.
func (m *Marshaler) Release(ctx context.Context, handles ...wasmhost.Handle) error {
	var err error
	seen := make(map[uint32]struct{}, len(handles))
	for _, h := range handles {
		if h.IsZero() {
			continue
		}
		if _, dup := seen[h.Offset]; dup {
			continue
		}
		seen[h.Offset] = struct{}{}
		err = multierr.Append(err, m.view.Free(ctx, h))
	}
	return err
}
