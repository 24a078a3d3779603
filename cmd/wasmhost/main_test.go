package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	wasmhost "github.com/wippyai/wasm-host"
	"github.com/wippyai/wasm-host/errors"
	"github.com/wippyai/wasm-host/internal/wasmtest"
	"github.com/wippyai/wasm-host/manifest"
)

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(""))
	err := cmd.Execute()
	return out.String(), err
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "wasmhost.yaml", []byte(`
log:
  level: debug
  file: stderr
serve:
  addr: 127.0.0.1:9090
  origins: ["https://example.com"]
plugins:
  - plugins/echo.yaml
  - /abs/other.yaml
`))

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "stderr", cfg.Log.File)
	assert.Equal(t, "127.0.0.1:9090", cfg.Serve.Addr)
	assert.Equal(t, []string{"https://example.com"}, cfg.Serve.Origins)
	assert.Equal(t, []string{filepath.Join(dir, "plugins/echo.yaml"), "/abs/other.yaml"}, cfg.Plugins)

	cfg, err = loadConfig("")
	require.NoError(t, err)
	assert.Empty(t, cfg.Plugins)

	_, err = loadConfig(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
	assert.Equal(t, errors.KindInvalidData, errors.KindOf(err))
}

func TestLoadConfigEnv(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "wasmhost.yaml", []byte("log:\n  level: debug\nserve:\n  addr: :8081\n"))

	t.Setenv("WASMHOST_LOG_LEVEL", "warn")
	t.Setenv("WASMHOST_SERVE_ORIGINS", "https://a.example,https://b.example")

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, ":8081", cfg.Serve.Addr)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Serve.Origins)

	cfg, err = loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "serve.addr", envKey("WASMHOST_SERVE_ADDR"))
	assert.Equal(t, "log.level", envKey("WASMHOST_LOG_LEVEL"))
}

func TestEnvValue(t *testing.T) {
	key, v := envValue("WASMHOST_SERVE_ADDR", "a,b")
	assert.Equal(t, "serve.addr", key)
	assert.Equal(t, "a,b", v)

	key, v = envValue("WASMHOST_SERVE_ORIGINS", " https://a.example , ,https://b.example")
	assert.Equal(t, "serve.origins", key)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, v)

	key, v = envValue("WASMHOST_PLUGINS", "one.yaml")
	assert.Equal(t, "plugins", key)
	assert.Equal(t, []string{"one.yaml"}, v)
}

func TestLoadConfigEnvOverridesFileList(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "wasmhost.yaml", []byte("serve:\n  origins: [\"https://file.example\"]\n"))
	t.Setenv("WASMHOST_SERVE_ORIGINS", "https://env.example")
	t.Setenv("WASMHOST_PLUGINS", "a.yaml,/abs/b.yaml")

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://env.example"}, cfg.Serve.Origins)
	assert.Equal(t, []string{filepath.Join(dir, "a.yaml"), "/abs/b.yaml"}, cfg.Plugins)
}

func TestIsManifest(t *testing.T) {
	assert.True(t, isManifest("p.yaml"))
	assert.True(t, isManifest("p.YML"))
	assert.True(t, isManifest("dir/p.json"))
	assert.False(t, isManifest("p.wasm"))
	assert.False(t, isManifest("yaml"))
}

func TestResolveManifest(t *testing.T) {
	dir := t.TempDir()
	wasm := wasmtest.Basic()
	modPath := writeFile(t, dir, "basic.wasm", wasm)

	f := pluginFlags{
		hash:      manifest.Digest(wasm),
		wasi:      true,
		maxPages:  4,
		timeoutMs: 250,
		values:    map[string]string{"k": "v"},
	}
	m, err := f.resolveManifest(modPath)
	require.NoError(t, err)
	assert.Equal(t, "basic", m.PluginName())
	assert.True(t, m.WASI)
	assert.Equal(t, uint32(4), m.Memory.MaxPages)
	assert.Equal(t, uint64(250), m.TimeoutMs)
	assert.Equal(t, "v", m.Values["k"])

	// flags do not apply to manifests
	manPath := writeFile(t, dir, "echo.yaml", []byte("name: echo\nwasm:\n  path: basic.wasm\n"))
	m, err = f.resolveManifest(manPath)
	require.NoError(t, err)
	assert.Equal(t, "echo", m.PluginName())
	assert.False(t, m.WASI)

	got, err := m.Module()
	require.NoError(t, err)
	assert.Equal(t, wasm, got)
}

func TestCallCommand(t *testing.T) {
	dir := t.TempDir()
	wasm := wasmtest.Basic()
	path := writeFile(t, dir, "basic.wasm", wasm)

	out, err := execute(t, "call", path, "echo", "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", strings.TrimSuffix(out, "\n"))

	out, err = execute(t, "call", "--hex", "--hash", manifest.Digest(wasm), path, "echo", "AB")
	require.NoError(t, err)
	assert.Equal(t, "4142", strings.TrimSuffix(out, "\n"))

	input := writeFile(t, dir, "input.bin", []byte("from file"))
	out, err = execute(t, "call", "-f", input, path, "echo")
	require.NoError(t, err)
	assert.Equal(t, "from file", strings.TrimSuffix(out, "\n"))
}

func TestCallCommandPipedInput(t *testing.T) {
	path := writeFile(t, t.TempDir(), "basic.wasm", wasmtest.Basic())

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs([]string{"call", path, "echo"})
	cmd.SetOut(&out)
	cmd.SetIn(strings.NewReader("piped"))
	require.NoError(t, cmd.Execute())
	assert.Equal(t, "piped", out.String())
}

func TestIsTerminal(t *testing.T) {
	assert.False(t, isTerminal(strings.NewReader("x")))
	assert.False(t, isTerminal(&bytes.Buffer{}))

	f, err := os.CreateTemp(t.TempDir(), "in")
	require.NoError(t, err)
	defer f.Close()
	assert.False(t, isTerminal(f))
}

func TestCallCommandErrors(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "basic.wasm", wasmtest.Basic())

	_, err := execute(t, "call", "--hash", manifest.Digest([]byte("other")), path, "echo", "x")
	assert.ErrorIs(t, err, errors.ErrIntegrity)

	_, err = execute(t, "call", path, "trap")
	assert.ErrorIs(t, err, errors.ErrTrapped)

	_, err = execute(t, "call", path, "missing")
	assert.ErrorIs(t, err, errors.ErrNotFound)

	_, err = execute(t, "call", "--max-pages", "1", path, "grow_two", "x")
	assert.ErrorIs(t, err, errors.ErrMemoryLimit)

	_, err = execute(t, "call", filepath.Join(dir, "nope.wasm"), "echo")
	assert.ErrorIs(t, err, errors.ErrNotFound)

	_, err = execute(t, "call", path)
	assert.Error(t, err)
}

func TestInspectCommand(t *testing.T) {
	dir := t.TempDir()
	wasm := wasmtest.Doubler()
	path := writeFile(t, dir, "doubler.wasm", wasm)

	out, err := execute(t, "inspect", "--plain", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Module: doubler")
	assert.Contains(t, out, manifest.Digest(wasm))
	assert.Contains(t, out, "min 1 pages, max unbounded")
	assert.Contains(t, out, "double")
	assert.Contains(t, out, "apply_double")
	assert.Contains(t, out, "(i64) -> (i64)")
	assert.Contains(t, out, "host")
}

func TestImportProvider(t *testing.T) {
	assert.Equal(t, "builtin", importProvider("wasmhost"))
	assert.Equal(t, "wasi", importProvider("wasi_snapshot_preview1"))
	assert.Equal(t, "host", importProvider("env"))
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "wasmhost "+wasmhost.Version))
}

func TestSchemaCommand(t *testing.T) {
	out, err := execute(t, "schema")
	require.NoError(t, err)
	assert.Contains(t, out, manifest.SchemaID)
	assert.Contains(t, out, "timeout_ms")
}

func TestLogFlags(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "host.log")
	path := writeFile(t, dir, "basic.wasm", wasmtest.Basic())

	_, err := execute(t, "--log-level", "debug", "--log-file", logPath, "call", path, "echo", "x")
	require.NoError(t, err)

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "plugin call")

	_, err = execute(t, "--log-level", "loud", "version")
	assert.ErrorIs(t, err, errors.ErrInvalidInput)

	// restore the default logger for other tests
	_, err = execute(t, "--log-level", "error", "--log-file", "stderr", "version")
	require.NoError(t, err)
}

func TestLoadManifests(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "basic.wasm", wasmtest.Basic())
	a := writeFile(t, dir, "a.yaml", []byte("name: echo\nwasm:\n  path: basic.wasm\n"))
	b := writeFile(t, dir, "b.yaml", []byte("name: echo\nwasm:\n  path: basic.wasm\n"))

	hc := openHostContext(t)
	err := loadManifests(context.Background(), hc, []string{a, b})
	assert.ErrorIs(t, err, errors.ErrInvalidInput)
	assert.Len(t, hc.Plugins(), 1)
}
