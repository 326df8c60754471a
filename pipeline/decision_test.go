package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipeforge/conductor/decisiongate"
	"github.com/pipeforge/conductor/dispatcher"
)

func TestRun_DeploymentStageRecordsDecision(t *testing.T) {
	respond := func(env dispatcher.TaskEnvelope) dispatcher.ResultEnvelope {
		return dispatcher.ResultEnvelope{
			Status:  dispatcher.ResultSuccess,
			Success: true,
			Result:  dispatcher.ResultData{Data: map[string]any{"confidence": 0.6}},
		}
	}
	fd := newFakeDispatcher(respond)
	events := &recordingEvents{}
	exec := New(fd, events, nil)

	def := Definition{
		ID:            "pipe-decision",
		Name:          "deploy-pipeline",
		Version:       "1.0.0",
		WorkflowID:    "wf-decision",
		WorkflowType:  "app",
		ExecutionMode: ModeSequential,
		Stages: []Stage{
			{ID: "deployment", Name: "deployment", AgentType: "deployer", Action: "deploy"},
		},
	}

	execution, err := exec.Start(context.Background(), def, "tester", "manual", "", "")
	require.NoError(t, err)

	waitForStatus(t, execution, StatusSuccess)

	result := execution.StageResults()["deployment"]
	require.NotNil(t, result.Decision)
	assert.Equal(t, decisiongate.CategoryCostImpacting, result.Decision.Category)
	assert.True(t, result.Decision.RequiresHumanApproval)
	assert.True(t, result.Decision.ShouldEscalate)

	snapshot := events.snapshot()
	assert.Contains(t, snapshot, "decision_pending")
	assert.Contains(t, snapshot, "decision_escalated")
}

func TestRun_NonDecisionStageLeavesDecisionNil(t *testing.T) {
	fd := newFakeDispatcher(alwaysSucceed)
	events := &recordingEvents{}
	exec := New(fd, events, nil)

	def := Definition{
		ID:            "pipe-no-decision",
		Name:          "build-pipeline",
		Version:       "1.0.0",
		WorkflowID:    "wf-no-decision",
		ExecutionMode: ModeSequential,
		Stages: []Stage{
			{ID: "build", Name: "build", AgentType: "builder", Action: "build"},
		},
	}

	execution, err := exec.Start(context.Background(), def, "tester", "manual", "", "")
	require.NoError(t, err)

	waitForStatus(t, execution, StatusSuccess)

	result := execution.StageResults()["build"]
	assert.Nil(t, result.Decision)
}
