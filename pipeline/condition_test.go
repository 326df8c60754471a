package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipeforge/conductor/dispatcher"
)

func TestEvaluateSkipCondition_EmptyNeverSkips(t *testing.T) {
	skip, err := evaluateSkipCondition("", nil)
	require.NoError(t, err)
	assert.False(t, skip)
}

func TestEvaluateSkipCondition_TrueExpression(t *testing.T) {
	stages := map[string]any{
		"build": map[string]any{"status": "success", "output": map[string]any{"artifacts_changed": false}},
	}
	skip, err := evaluateSkipCondition(`stages["build"].output.artifacts_changed == false`, stages)
	require.NoError(t, err)
	assert.True(t, skip)
}

func TestEvaluateSkipCondition_FalseExpression(t *testing.T) {
	stages := map[string]any{
		"build": map[string]any{"status": "success", "output": map[string]any{"artifacts_changed": true}},
	}
	skip, err := evaluateSkipCondition(`stages["build"].output.artifacts_changed == false`, stages)
	require.NoError(t, err)
	assert.False(t, skip)
}

func TestEvaluateSkipCondition_NonBoolResultIsError(t *testing.T) {
	_, err := evaluateSkipCondition(`"not a bool"`, map[string]any{})
	assert.Error(t, err)
}

func TestEvaluateSkipCondition_CompileErrorSurfaces(t *testing.T) {
	_, err := evaluateSkipCondition(`stages[`, map[string]any{})
	assert.Error(t, err)
}

func TestRun_SkipsStageWhenConditionTrue(t *testing.T) {
	respond := func(env dispatcher.TaskEnvelope) dispatcher.ResultEnvelope {
		return dispatcher.ResultEnvelope{
			Status:  dispatcher.ResultSuccess,
			Success: true,
			Result:  dispatcher.ResultData{Data: map[string]any{"skip_deploy": true}},
		}
	}
	fd := newFakeDispatcher(respond)
	events := &recordingEvents{}
	exec := New(fd, events, nil)

	def := Definition{
		ID:            "pipe-1",
		Name:          "demo",
		Version:       "1.0.0",
		WorkflowID:    "wf-skip",
		ExecutionMode: ModeSequential,
		Stages: []Stage{
			{ID: "build", AgentType: "builder", Action: "build"},
			{
				ID:            "deploy",
				AgentType:     "deployer",
				Action:        "deploy",
				SkipCondition: `stages["build"].output.skip_deploy == true`,
				Dependencies:  []Dependency{{StageID: "build", Required: true, Condition: ConditionSuccess}},
			},
		},
	}

	execution, err := exec.Start(context.Background(), def, "tester", "manual", "", "")
	require.NoError(t, err)

	waitForStatus(t, execution, StatusSuccess)

	results := execution.StageResults()
	assert.Equal(t, StageSkipped, results["deploy"].Status)
}
