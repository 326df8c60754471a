// Package workflow models a workflow definition and the mutable execution
// context the engine advances as stages complete. It generalizes the
// plan/task state-machine lineage of the original workflow package into a
// domain-agnostic DAG of named stages driven by agent outcomes rather than
// hand-authored document state.
package workflow

import (
	"fmt"
	"time"

	"github.com/pipeforge/conductor/trace"
)

// DataFlow maps values between a workflow's input/output and its stages'
// results. Each map entry's value is a dotted path, not a full JSONPath
// expression — see the jsonpath package for the richer syntax used inside
// a stage's own config.
type DataFlow struct {
	InputMapping  map[string]string `json:"input_mapping,omitempty" yaml:"input_mapping,omitempty"`
	OutputMapping map[string]string `json:"output_mapping,omitempty" yaml:"output_mapping,omitempty"`
	PassThrough   []string          `json:"pass_through,omitempty" yaml:"pass_through,omitempty"`
}

// StageConfig is one node in a workflow definition's stage graph.
type StageConfig struct {
	Name      string `json:"name" yaml:"name"`
	AgentType string `json:"agent_type" yaml:"agent_type"`

	Config map[string]any `json:"config,omitempty" yaml:"config,omitempty"`

	TimeoutMs  int64 `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
	MaxRetries int   `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`

	OnSuccess string `json:"on_success,omitempty" yaml:"on_success,omitempty"`
	OnFailure string `json:"on_failure,omitempty" yaml:"on_failure,omitempty"`

	Parallel      bool   `json:"parallel,omitempty" yaml:"parallel,omitempty"`
	SkipCondition string `json:"skip_condition,omitempty" yaml:"skip_condition,omitempty"`
	Weight        float64 `json:"weight,omitempty" yaml:"weight,omitempty"`
}

// Timeout returns the stage's configured timeout, or the default.
func (s StageConfig) Timeout() time.Duration {
	if s.TimeoutMs <= 0 {
		return DefaultStageTimeout
	}
	return time.Duration(s.TimeoutMs) * time.Millisecond
}

// Retries returns the stage's configured max_retries, or the default. A
// negative value is never valid; validation rejects it before this is
// consulted.
func (s StageConfig) Retries() int {
	if s.MaxRetries == 0 {
		return DefaultMaxRetries
	}
	return s.MaxRetries
}

// Definition is an immutable workflow definition, as decoded by the loader
// package from a YAML or JSON file.
type Definition struct {
	Name        string `json:"name" yaml:"name"`
	Version     string `json:"version" yaml:"version"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	StartStage string                 `json:"start_stage" yaml:"start_stage"`
	Stages     map[string]StageConfig `json:"stages" yaml:"stages"`

	GlobalTimeoutMs   int64           `json:"global_timeout_ms,omitempty" yaml:"global_timeout_ms,omitempty"`
	MaxParallelStages int             `json:"max_parallel_stages,omitempty" yaml:"max_parallel_stages,omitempty"`
	RetryStrategy     RetryStrategy   `json:"retry_strategy,omitempty" yaml:"retry_strategy,omitempty"`
	OnFailure         OnFailurePolicy `json:"on_failure,omitempty" yaml:"on_failure,omitempty"`

	DataFlow *DataFlow `json:"data_flow,omitempty" yaml:"data_flow,omitempty"`
}

// GlobalTimeout returns the definition's configured global_timeout_ms, or
// the default.
func (d Definition) GlobalTimeout() time.Duration {
	if d.GlobalTimeoutMs <= 0 {
		return DefaultGlobalTimeout
	}
	return time.Duration(d.GlobalTimeoutMs) * time.Millisecond
}

// MaxParallel returns the definition's configured max_parallel_stages, or
// the default.
func (d Definition) MaxParallel() int {
	if d.MaxParallelStages <= 0 {
		return DefaultMaxParallel
	}
	return d.MaxParallelStages
}

// StageResult is the outcome recorded for one stage's single (terminal)
// attempt. A stage result is written at most once; the engine enforces
// this when recording.
type StageResult struct {
	Outcome    Outcome        `json:"outcome"`
	Output     map[string]any `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
	Attempts   int            `json:"attempts"`
	DurationMs int64          `json:"duration_ms"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Metadata carries execution-level bookkeeping for a Context.
type Metadata struct {
	StartedAt time.Time `json:"started_at"`
}

// Context is the mutable, per-execution state the engine advances as
// stages complete. The workflow service owns a Context exclusively for the
// lifetime of one workflow run.
type Context struct {
	WorkflowID   string                 `json:"workflow_id"`
	Definition   Definition             `json:"definition"`
	CurrentStage string                 `json:"current_stage"`
	StageResults map[string]StageResult `json:"stage_results"`
	InputData    map[string]any         `json:"input_data,omitempty"`
	Metadata     Metadata               `json:"metadata"`
	// Trace carries this workflow's root trace context, generated once at
	// CreateInitialContext and advanced to the most recently dispatched
	// stage's span by the orchestrator on every dispatch — each stage
	// dispatch derives its envelope's trace from the previous one via
	// Trace.NewSpan(), chaining parent_span_id across the whole run
	// instead of generating an unrelated trace per hop.
	Trace trace.Context `json:"trace"`
}

// ValidationError reports a single problem found while validating a
// Definition or a Context against its invariants.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Result is the terminal outcome of a workflow execution, as built by
// BuildWorkflowResult.
type Result struct {
	WorkflowID string         `json:"workflow_id"`
	Outcome    Outcome        `json:"outcome"`
	Data       map[string]any `json:"data,omitempty"`
	Progress   int            `json:"progress"`
}
