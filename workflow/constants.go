package workflow

import "time"

// RetryStrategy selects how CalculateRetryBackoff spaces retries within a
// single stage.
type RetryStrategy string

const (
	RetryExponential RetryStrategy = "exponential"
	RetryLinear      RetryStrategy = "linear"
	RetryImmediate   RetryStrategy = "immediate"
)

// OnFailurePolicy controls what a workflow does when a stage ends in
// failure and has no explicit on_failure transition.
type OnFailurePolicy string

const (
	OnFailureStop     OnFailurePolicy = "stop"
	OnFailureContinue OnFailurePolicy = "continue"
	OnFailureSkip     OnFailurePolicy = "skip"
)

// Outcome is the result of a single stage attempt, as recorded in a
// StageResult and consumed by GetNextStage.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeTimeout Outcome = "timeout"
	OutcomeUnknown Outcome = "unknown"
)

// Default values used when a workflow or stage definition leaves a field
// unset.
const (
	DefaultGlobalTimeout   = 3_600_000 * time.Millisecond
	DefaultMaxParallel     = 4
	DefaultStageTimeout    = 300_000 * time.Millisecond
	DefaultMaxRetries      = 3
	MaxRetryBackoff        = 60_000 * time.Millisecond
	DefaultHandlerTimeout  = 3_600_000 * time.Millisecond
	EnvelopeSchemaVersion  = "2.0.0"
)
