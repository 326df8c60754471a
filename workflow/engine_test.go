package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleDefinition() Definition {
	return Definition{
		Name:       "demo",
		Version:    "1.0.0",
		StartStage: "scaffold",
		Stages: map[string]StageConfig{
			"scaffold": {Name: "scaffold", AgentType: "scaffolder", OnSuccess: "test", OnFailure: "report"},
			"test":     {Name: "test", AgentType: "tester", OnSuccess: "deploy", OnFailure: "report", Weight: 2},
			"deploy":   {Name: "deploy", AgentType: "deployer", Weight: 3},
			"report":   {Name: "report", AgentType: "reporter"},
		},
	}
}

func TestNew_ValidDefinitionPasses(t *testing.T) {
	def, err := New(sampleDefinition())
	require.NoError(t, err)
	assert.Equal(t, "scaffold", def.StartStage)
}

func TestNew_RejectsMissingStartStage(t *testing.T) {
	def := sampleDefinition()
	def.StartStage = "nonexistent"
	_, err := New(def)
	require.Error(t, err)
}

func TestNew_RejectsMissingTransitionTarget(t *testing.T) {
	def := sampleDefinition()
	stage := def.Stages["scaffold"]
	stage.OnSuccess = "nowhere"
	def.Stages["scaffold"] = stage
	_, err := New(def)
	require.Error(t, err)
}

func TestGetNextStage(t *testing.T) {
	def := sampleDefinition()

	next, err := GetNextStage(def, "scaffold", OutcomeSuccess)
	require.NoError(t, err)
	assert.Equal(t, "test", next)

	next, err = GetNextStage(def, "scaffold", OutcomeFailure)
	require.NoError(t, err)
	assert.Equal(t, "report", next)

	next, err = GetNextStage(def, "test", OutcomeTimeout)
	require.NoError(t, err)
	assert.Equal(t, "report", next, "timeout follows on_failure")

	next, err = GetNextStage(def, "deploy", OutcomeSuccess)
	require.NoError(t, err)
	assert.Empty(t, next, "no on_success means the workflow terminates")
}

func TestGetNextStage_UnknownCurrentStage(t *testing.T) {
	_, err := GetNextStage(sampleDefinition(), "missing", OutcomeSuccess)
	require.Error(t, err)
}

func TestCalculateRetryBackoff(t *testing.T) {
	assert.Equal(t, 1000*time.Millisecond, CalculateRetryBackoff(1, RetryExponential))
	assert.Equal(t, 2000*time.Millisecond, CalculateRetryBackoff(2, RetryExponential))
	assert.Equal(t, 60_000*time.Millisecond, CalculateRetryBackoff(20, RetryExponential), "capped at 60s")

	assert.Equal(t, 1000*time.Millisecond, CalculateRetryBackoff(1, RetryLinear))
	assert.Equal(t, 3000*time.Millisecond, CalculateRetryBackoff(3, RetryLinear))
	assert.Equal(t, 60_000*time.Millisecond, CalculateRetryBackoff(100, RetryLinear))

	assert.Equal(t, time.Duration(0), CalculateRetryBackoff(5, RetryImmediate))
}

func TestCalculateProgress_EvenSplitWithoutWeights(t *testing.T) {
	def := Definition{Stages: map[string]StageConfig{
		"a": {}, "b": {}, "c": {}, "d": {},
	}}
	assert.Equal(t, 0, CalculateProgress(def, nil))
	assert.Equal(t, 25, CalculateProgress(def, []string{"a"}))
	assert.Equal(t, 100, CalculateProgress(def, []string{"a", "b", "c", "d"}))
}

func TestCalculateProgress_WeighteWhenDeclared(t *testing.T) {
	def := sampleDefinition() // scaffold(1) + test(2) + deploy(3) + report(1) = 7
	assert.Equal(t, 0, CalculateProgress(def, nil))
	assert.Equal(t, 14, CalculateProgress(def, []string{"scaffold"}))
	assert.Equal(t, 100, CalculateProgress(def, []string{"scaffold", "test", "deploy", "report"}))
}

func TestValidateConstraints(t *testing.T) {
	ctx := CreateInitialContext("wf-1", sampleDefinition(), nil)
	valid, errs := ValidateConstraints(ctx)
	assert.True(t, valid)
	assert.Empty(t, errs)

	ctx.Metadata.StartedAt = time.Now().Add(-2 * time.Hour)
	valid, errs = ValidateConstraints(ctx)
	assert.False(t, valid)
	assert.NotEmpty(t, errs)
}

func TestValidateConstraints_UnstartedWorkflow(t *testing.T) {
	var ctx Context
	ctx.Definition = sampleDefinition()
	valid, errs := ValidateConstraints(ctx)
	assert.False(t, valid)
	assert.Contains(t, errs[0], "not started")
}

func TestRecordStageResult_RejectsOverwrite(t *testing.T) {
	ctx := CreateInitialContext("wf-1", sampleDefinition(), nil)
	require.NoError(t, RecordStageResult(&ctx, "scaffold", StageResult{Outcome: OutcomeSuccess}))

	err := RecordStageResult(&ctx, "scaffold", StageResult{Outcome: OutcomeFailure})
	require.Error(t, err)
}

func TestBuildWorkflowResult_AppliesOutputMapping(t *testing.T) {
	def := sampleDefinition()
	def.DataFlow = &DataFlow{OutputMapping: map[string]string{
		"coverage": "test.coverage_pct",
	}}

	ctx := CreateInitialContext("wf-1", def, nil)
	require.NoError(t, RecordStageResult(&ctx, "test", StageResult{
		Outcome: OutcomeSuccess,
		Output:  map[string]any{"coverage_pct": 87},
	}))

	result := BuildWorkflowResult(ctx, OutcomeSuccess)
	assert.Equal(t, 87, result.Data["coverage"])
}

type fakeRegistry struct {
	types map[string]bool
}

func (f fakeRegistry) HasAgentType(t string) bool { return f.types[t] }
func (f fakeRegistry) AgentTypes() []string {
	out := make([]string, 0, len(f.types))
	for t := range f.types {
		out = append(out, t)
	}
	return out
}

func TestValidateExecution_AllResolved(t *testing.T) {
	reg := fakeRegistry{types: map[string]bool{"scaffolder": true, "tester": true, "deployer": true, "reporter": true}}
	v := ValidateExecution(sampleDefinition(), reg, "")
	assert.True(t, v.Valid)
	assert.Empty(t, v.MissingAgents)
}

func TestValidateExecution_MissingAgentWithSuggestion(t *testing.T) {
	reg := fakeRegistry{types: map[string]bool{"scaffoldr": true, "tester": true, "deployer": true, "reporter": true}}
	v := ValidateExecution(sampleDefinition(), reg, "")
	assert.False(t, v.Valid)
	assert.Contains(t, v.MissingAgents, "scaffolder")
	assert.Equal(t, "scaffoldr", v.Suggestions["scaffolder"])
}

func TestGetParallelEligibleStages_CapsAtMaxParallel(t *testing.T) {
	def := Definition{
		MaxParallelStages: 1,
		Stages: map[string]StageConfig{
			"a": {Parallel: true},
			"b": {Parallel: true},
			"c": {Parallel: false},
		},
	}
	ctx := Context{Definition: def, StageResults: map[string]StageResult{}}
	eligible := GetParallelEligibleStages(ctx)
	assert.Len(t, eligible, 1)
}
