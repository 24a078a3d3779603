package engine

import (
	"context"
	"crypto/rand"
	"io"
	"sort"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// WASIModule is the import namespace of WASI preview1.
const WASIModule = wasi_snapshot_preview1.ModuleName

// InstantiateWASI instantiates WASI preview1 host functions into r.
// It is a no-op when r already has them.
func InstantiateWASI(ctx context.Context, r wazero.Runtime) (api.Module, error) {
	if m := r.Module(WASIModule); m != nil {
		return m, nil
	}
	builder := r.NewHostModuleBuilder(WASIModule)
	wasi_snapshot_preview1.NewFunctionExporter().ExportFunctions(builder)
	return builder.Instantiate(ctx)
}

// Stdio carries the guest's standard streams. Nil writers discard output.
type Stdio struct {
	Stdout io.Writer
	Stderr io.Writer
}

// ModuleConfig builds the instantiation config for a guest.
// With wasi enabled, env entries become environment variables in key order
// and the guest gets real clocks, randomness and stdio.
func ModuleConfig(name string, wasi bool, env map[string]string, stdio Stdio) wazero.ModuleConfig {
	cfg := wazero.NewModuleConfig().
		WithName(name).
		WithStartFunctions("_initialize")
	if !wasi {
		return cfg
	}

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		cfg = cfg.WithEnv(k, env[k])
	}

	cfg = cfg.
		WithRandSource(rand.Reader).
		WithSysWalltime().
		WithSysNanotime().
		WithSysNanosleep()
	if stdio.Stdout != nil {
		cfg = cfg.WithStdout(stdio.Stdout)
	}
	if stdio.Stderr != nil {
		cfg = cfg.WithStderr(stdio.Stderr)
	}
	return cfg
}
