package manifest

import (
	"encoding/json"

	"github.com/invopop/jsonschema"

	"github.com/wippyai/wasm-host/errors"
)

// SchemaID identifies the manifest JSON schema.
const SchemaID = "https://github.com/wippyai/wasm-host/manifest.schema.json"

// Schema returns the JSON schema of the manifest document. Field names
// follow the YAML tags so the schema validates manifest files as written.
func Schema() ([]byte, error) {
	r := jsonschema.Reflector{
		FieldNameTag:   "yaml",
		ExpandedStruct: true,
	}
	s := r.Reflect(&Manifest{})
	s.ID = SchemaID
	s.Title = "wasmhost plugin manifest"

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, errors.Wrap(errors.PhaseConfig, errors.KindInvalidData, err, "marshal manifest schema")
	}
	return data, nil
}
