// Package loader decodes workflow definitions from YAML or JSON files,
// rejecting unknown top-level keys and unsupported extensions before
// handing the result to workflow.New for semantic validation.
package loader

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pipeforge/conductor/workflow"
)

// ErrUnsupportedExtension is returned when a definition file's extension
// is not one of .yaml, .yml, or .json.
type ErrUnsupportedExtension struct {
	Path string
}

func (e *ErrUnsupportedExtension) Error() string {
	return fmt.Sprintf("loader: unsupported extension for %q, want .yaml, .yml, or .json", e.Path)
}

// LoadFile reads and decodes the workflow definition at path, validating
// it with workflow.New before returning.
func LoadFile(path string) (workflow.Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return workflow.Definition{}, fmt.Errorf("loader: read %s: %w", path, err)
	}
	return Decode(path, data)
}

// Decode parses data per path's extension and validates the resulting
// definition. path is used only to select a decoder; it need not exist on
// disk.
func Decode(path string, data []byte) (workflow.Definition, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		return decodeYAML(data)
	case ".json":
		return decodeJSON(data)
	default:
		return workflow.Definition{}, &ErrUnsupportedExtension{Path: path}
	}
}

func decodeYAML(data []byte) (workflow.Definition, error) {
	var def workflow.Definition
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return workflow.Definition{}, fmt.Errorf("loader: decode yaml: %w", err)
	}

	return finish(def)
}

func decodeJSON(data []byte) (workflow.Definition, error) {
	var def workflow.Definition
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&def); err != nil {
		return workflow.Definition{}, fmt.Errorf("loader: decode json: %w", err)
	}

	return finish(def)
}

func finish(def workflow.Definition) (workflow.Definition, error) {
	for name, stage := range def.Stages {
		stage.Name = name
		def.Stages[name] = stage
	}
	return workflow.New(def)
}
