package main

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"

	"github.com/wippyai/wasm-host/manifest"
	"github.com/wippyai/wasm-host/runtime"
)

// pluginFlags describe a plugin given as a bare module on the command line.
// They are ignored when the path names a manifest.
type pluginFlags struct {
	hash      string
	wasi      bool
	maxPages  uint32
	timeoutMs uint64
	values    map[string]string
}

func (f *pluginFlags) register(flags *pflag.FlagSet) {
	flags.StringVar(&f.hash, "hash", "", "expected sha256 of the module")
	flags.BoolVar(&f.wasi, "wasi", false, "enable WASI preview1")
	flags.Uint32Var(&f.maxPages, "max-pages", 0, "memory limit in 64KiB pages (0 = unlimited)")
	flags.Uint64Var(&f.timeoutMs, "timeout-ms", 0, "per-call timeout in milliseconds")
	flags.StringToStringVar(&f.values, "set", nil, "plugin config entry key=value (repeatable)")
}

// isManifest reports whether path names a manifest rather than a module.
func isManifest(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

// resolveManifest loads path as a manifest, or wraps a bare module in one.
func (f *pluginFlags) resolveManifest(path string) (*manifest.Manifest, error) {
	if isManifest(path) {
		return manifest.Load(path)
	}
	m := &manifest.Manifest{
		Wasm: manifest.Source{Path: path, Hash: f.hash},
		Config: manifest.Config{
			Memory:    manifest.Memory{MaxPages: f.maxPages},
			WASI:      f.wasi,
			Values:    f.values,
			TimeoutMs: f.timeoutMs,
		},
	}
	return m, m.Validate()
}

func loadPlugin(ctx context.Context, hc *runtime.Context, path string, f *pluginFlags) (*runtime.Plugin, error) {
	m, err := f.resolveManifest(path)
	if err != nil {
		return nil, err
	}
	return hc.PluginFromManifest(ctx, m)
}
