package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/tetratelabs/wazero/api"

	wasmhost "github.com/wippyai/wasm-host"
	werrors "github.com/wippyai/wasm-host/errors"
)

func TestConventionOf(t *testing.T) {
	i32 := api.ValueTypeI32
	i64 := api.ValueTypeI64

	tests := []struct {
		name    string
		params  []api.ValueType
		results []api.ValueType
		want    Convention
		wantErr bool
	}{
		{"ptr len to handle", []api.ValueType{i32, i32}, []api.ValueType{i64}, Convention{Input: true, Output: true}, false},
		{"ptr len only", []api.ValueType{i32, i32}, nil, Convention{Input: true}, false},
		{"output only", nil, []api.ValueType{i64}, Convention{Output: true}, false},
		{"nothing", nil, nil, Convention{}, false},
		{"single param", []api.ValueType{i32}, nil, Convention{}, true},
		{"i64 params", []api.ValueType{i64, i64}, nil, Convention{}, true},
		{"i32 result", nil, []api.ValueType{i32}, Convention{}, true},
		{"two results", nil, []api.ValueType{i32, i32}, Convention{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ConventionOf(tt.params, tt.results)
			if tt.wantErr {
				if !errors.Is(err, werrors.ErrTypeMismatch) {
					t.Fatalf("expected type mismatch, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("ConventionOf = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestMarshaler_EchoRoundTrip(t *testing.T) {
	ctx := context.Background()
	mod, limiter := newInstance(t, 0)
	m := NewMarshaler(newView(mod, limiter))

	conv := Convention{Input: true, Output: true}
	args, in, err := m.Lower(ctx, conv, []byte("payload"))
	if err != nil {
		t.Fatalf("Lower failed: %v", err)
	}
	if len(args) != 2 || uint32(args[0]) != in.Offset || uint32(args[1]) != 7 {
		t.Fatalf("args = %v, handle = %+v", args, in)
	}

	results, err := mod.ExportedFunction("echo").Call(ctx, args...)
	if err != nil {
		t.Fatalf("echo failed: %v", err)
	}

	out, outHandle, err := m.Lift(conv, results)
	if err != nil {
		t.Fatalf("Lift failed: %v", err)
	}
	if string(out) != "payload" {
		t.Fatalf("Lift = %q", out)
	}
	if outHandle != in {
		t.Fatalf("echo should return the input handle, got %+v", outHandle)
	}
	if err := m.Release(ctx, in, outHandle); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
}

func TestMarshaler_NoInputNoOutput(t *testing.T) {
	ctx := context.Background()
	mod, limiter := newInstance(t, 0)
	m := NewMarshaler(newView(mod, limiter))

	args, h, err := m.Lower(ctx, Convention{}, []byte("ignored"))
	if err != nil || args != nil || !h.IsZero() {
		t.Fatalf("Lower without input = %v, %+v, %v", args, h, err)
	}

	out, _, err := m.Lift(Convention{}, nil)
	if err != nil || out == nil || len(out) != 0 {
		t.Fatalf("Lift without output = %v, %v", out, err)
	}

	out, _, err = m.Lift(Convention{Output: true}, []uint64{0})
	if err != nil || len(out) != 0 {
		t.Fatalf("Lift of zero handle = %v, %v", out, err)
	}
}

func TestMarshaler_LiftOutOfBounds(t *testing.T) {
	mod, limiter := newInstance(t, 0)
	m := NewMarshaler(newView(mod, limiter))

	bad := wasmhost.Handle{Offset: 65000, Length: 1000}.Pack()
	if _, _, err := m.Lift(Convention{Output: true}, []uint64{bad}); !errors.Is(err, werrors.ErrOutOfBounds) {
		t.Fatalf("expected out of bounds, got %v", err)
	}
	if _, _, err := m.Lift(Convention{Output: true}, nil); !errors.Is(err, werrors.ErrTypeMismatch) {
		t.Fatalf("expected type mismatch for missing result, got %v", err)
	}
}
