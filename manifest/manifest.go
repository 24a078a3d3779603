// Package manifest describes how a plugin is loaded: the module source, its
// expected digest and the per-plugin configuration.
//
// Manifests are YAML documents; JSON is accepted since it is a YAML subset:
//
//	wasm:
//	  path: count_vowels.wasm
//	  hash: 7def5bb4aa3843a5daf5d6078f1e8540e5ef10b035a9d9387e9bd5156d2b2565
//	memory:
//	  max: 16
//	wasi: true
//	config:
//	  greeting: hello
//	timeout_ms: 500
package manifest

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wippyai/wasm-host/errors"
)

// DigestPrefix is accepted in front of hex digests.
const DigestPrefix = "sha256:"

// MaxPages is the largest memory a 32-bit WASM module can address.
const MaxPages = 65536

// Memory bounds guest linear memory.
type Memory struct {
	// MaxPages caps memory growth in 64KiB pages. Zero means MaxPages.
	MaxPages uint32 `yaml:"max,omitempty" validate:"lte=65536"`
}

// Config is the per-plugin configuration.
type Config struct {
	Name      string            `yaml:"name,omitempty" validate:"omitempty,max=128"`
	Memory    Memory            `yaml:"memory,omitempty"`
	WASI      bool              `yaml:"wasi,omitempty"`
	Values    map[string]string `yaml:"config,omitempty" validate:"dive,keys,required,endkeys"`
	TimeoutMs uint64            `yaml:"timeout_ms,omitempty" validate:"lte=86400000"`
}

// Timeout returns the per-call deadline, zero when calls are unbounded.
func (c Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// Validate checks field constraints.
func (c Config) Validate() error {
	return check(c)
}

// Source locates the module bytes. Exactly one of Path or Data is set.
type Source struct {
	Path string `yaml:"path,omitempty" validate:"required_without=Data,excluded_with=Data"`
	Data string `yaml:"data,omitempty" validate:"omitempty,base64"`
	Hash string `yaml:"hash,omitempty" validate:"omitempty,digest"`
	Name string `yaml:"name,omitempty"`
}

// Manifest is a module source plus its plugin configuration.
type Manifest struct {
	Wasm   Source `yaml:"wasm" validate:"required"`
	Config `yaml:",inline"`

	dir string
}

// Parse decodes and validates a manifest. Unknown keys are rejected.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return nil, errors.Wrap(errors.PhaseConfig, errors.KindInvalidData, err, "decode manifest")
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Load reads a manifest file. Relative module paths resolve against the
// manifest's directory.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseConfig, errors.KindNotFound, err, "read manifest")
	}
	m, err := Parse(data)
	if err != nil {
		return nil, err
	}
	m.dir = filepath.Dir(path)
	return m, nil
}

// FromModule builds a manifest for in-memory module bytes.
func FromModule(wasm []byte, hash string, cfg Config) *Manifest {
	return &Manifest{
		Wasm:   Source{Data: base64.StdEncoding.EncodeToString(wasm), Hash: hash},
		Config: cfg,
	}
}

// Validate checks field constraints.
func (m *Manifest) Validate() error {
	return check(m)
}

// PluginName returns the configured name, falling back to the source name
// and then the module file name.
func (m *Manifest) PluginName() string {
	switch {
	case m.Name != "":
		return m.Name
	case m.Wasm.Name != "":
		return m.Wasm.Name
	case m.Wasm.Path != "":
		return strings.TrimSuffix(filepath.Base(m.Wasm.Path), filepath.Ext(m.Wasm.Path))
	}
	return ""
}

// Module returns the module bytes from the manifest source.
func (m *Manifest) Module() ([]byte, error) {
	if m.Wasm.Data != "" {
		wasm, err := base64.StdEncoding.DecodeString(m.Wasm.Data)
		if err != nil {
			return nil, errors.Wrap(errors.PhaseConfig, errors.KindInvalidData, err, "decode module data")
		}
		return wasm, nil
	}

	path := m.Wasm.Path
	if !filepath.IsAbs(path) && m.dir != "" {
		path = filepath.Join(m.dir, path)
	}
	wasm, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseLoad, errors.KindNotFound, err, "read module")
	}
	return wasm, nil
}

// Digest returns the lowercase hex SHA-256 of wasm.
func Digest(wasm []byte) string {
	sum := sha256.Sum256(wasm)
	return hex.EncodeToString(sum[:])
}

// Verify checks wasm against an expected digest. An empty digest passes.
func Verify(wasm []byte, expected string) error {
	if expected == "" {
		return nil
	}
	expected = strings.TrimPrefix(strings.TrimSpace(expected), DigestPrefix)
	actual := Digest(wasm)
	if !strings.EqualFold(expected, actual) {
		return errors.Integrity(expected, actual)
	}
	return nil
}

// ParsePatch decodes a JSON or YAML object of config updates.
// A null value marks the key for removal.
func ParsePatch(data []byte) (map[string]*string, error) {
	patch := make(map[string]*string)
	if err := yaml.Unmarshal(data, &patch); err != nil {
		return nil, errors.Wrap(errors.PhaseConfig, errors.KindInvalidData, err, "decode config patch")
	}
	return patch, nil
}
