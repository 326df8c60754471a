package loader

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validYAML = `
name: demo
version: 1.0.0
start_stage: scaffold
stages:
  scaffold:
    agent_type: scaffolder
    on_success: deploy
  deploy:
    agent_type: deployer
`

func TestDecode_YAML(t *testing.T) {
	def, err := Decode("workflow.yaml", []byte(validYAML))
	require.NoError(t, err)
	assert.Equal(t, "demo", def.Name)
	assert.Equal(t, "scaffold", def.StartStage)
}

func TestDecode_JSON(t *testing.T) {
	const doc = `{
		"name": "demo",
		"version": "1.0.0",
		"start_stage": "scaffold",
		"stages": {
			"scaffold": {"agent_type": "scaffolder"}
		}
	}`
	def, err := Decode("workflow.json", []byte(doc))
	require.NoError(t, err)
	assert.Equal(t, "demo", def.Name)
}

func TestDecode_RejectsUnsupportedExtension(t *testing.T) {
	_, err := Decode("workflow.toml", []byte(validYAML))
	var extErr *ErrUnsupportedExtension
	require.ErrorAs(t, err, &extErr)
}

func TestDecode_RejectsUnknownTopLevelKey(t *testing.T) {
	const doc = validYAML + "\nbogus_field: true\n"
	_, err := Decode("workflow.yaml", []byte(doc))
	require.Error(t, err)
}

func TestDecode_PropagatesSemanticValidation(t *testing.T) {
	const doc = `
name: demo
version: 1.0.0
start_stage: missing
stages:
  scaffold:
    agent_type: scaffolder
`
	_, err := Decode("workflow.yaml", []byte(doc))
	require.Error(t, err)
}
