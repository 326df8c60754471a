package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrUnsupportedExtension is returned when a pipeline definition file's
// extension is not one of .yaml, .yml, or .json.
type ErrUnsupportedExtension struct {
	Path string
}

func (e *ErrUnsupportedExtension) Error() string {
	return fmt.Sprintf("pipeline: unsupported extension for %q, want .yaml, .yml, or .json", e.Path)
}

// LoadFile reads and decodes the pipeline definition at path, validating it
// with Validate before returning.
func LoadFile(path string) (Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Definition{}, fmt.Errorf("pipeline: read %s: %w", path, err)
	}
	return Decode(path, data)
}

// Decode parses data per path's extension and validates the resulting
// definition. path is used only to select a decoder; it need not exist on
// disk.
func Decode(path string, data []byte) (Definition, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		return decodeYAML(data)
	case ".json":
		return decodeJSON(data)
	default:
		return Definition{}, &ErrUnsupportedExtension{Path: path}
	}
}

func decodeYAML(data []byte) (Definition, error) {
	var def Definition
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return Definition{}, fmt.Errorf("pipeline: decode yaml: %w", err)
	}
	return finish(def)
}

func decodeJSON(data []byte) (Definition, error) {
	var def Definition
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&def); err != nil {
		return Definition{}, fmt.Errorf("pipeline: decode json: %w", err)
	}
	return finish(def)
}

func finish(def Definition) (Definition, error) {
	if def.ExecutionMode == "" {
		def.ExecutionMode = ModeSequential
	}
	if err := Validate(def); err != nil {
		return Definition{}, err
	}
	return def, nil
}
