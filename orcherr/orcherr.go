// Package orcherr classifies the errors that cross component boundaries in
// the orchestration core. It generalizes the transient/fatal wrapping
// pattern used for LLM call classification into the fuller error-kind
// taxonomy the engine needs: validation, configuration, transport, timeout,
// quality-gate failure, agent execution error, circuit-open, and unknown.
package orcherr

import "errors"

// Kind names one of the error categories the engine distinguishes when
// deciding whether to retry, how to log, and what code to surface on a
// result envelope.
type Kind string

const (
	// KindValidation is a schema or constraint violation at an input
	// boundary. Always surfaced to the caller; never retried.
	KindValidation Kind = "VALIDATION_ERROR"

	// KindConfiguration is required environment missing or an invalid
	// file. Fatal at process start.
	KindConfiguration Kind = "CONFIGURATION_ERROR"

	// KindTransport is a bus publish/subscribe failure or connection
	// loss. Retried by retry; trips the circuit breaker after enough
	// failures.
	KindTransport Kind = "TRANSPORT_ERROR"

	// KindTimeout is a per-attempt or per-stage deadline exceeded. Maps
	// to stage outcome "timeout", which follows on_failure.
	KindTimeout Kind = "TIMEOUT_ERROR"

	// KindQualityGate is a blocking gate unmet; non-recoverable for that
	// stage.
	KindQualityGate Kind = "QUALITY_GATE_FAILURE"

	// KindAgentExecution is a user execute call that raised. Marshaled
	// into a failed result with retryable=true by default.
	KindAgentExecution Kind = "AGENT_EXECUTION_ERROR"

	// KindCircuitOpen is raised when a breaker rejects a call; treated
	// as transport for retry purposes.
	KindCircuitOpen Kind = "CIRCUIT_OPEN"

	// KindUnknown covers anything else.
	KindUnknown Kind = "UNKNOWN_ERROR"
)

// Error wraps an underlying error with a Kind and a Retryable hint. It is
// the canonical error type propagated across component boundaries.
type Error struct {
	Kind      Kind
	Retryable bool
	err       error
}

func (e *Error) Error() string {
	if e.err == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.err.Error()
}

func (e *Error) Unwrap() error { return e.err }

func wrap(kind Kind, retryable bool, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Retryable: retryable, err: err}
}

// Validation wraps err as a validation error. Never retried.
func Validation(err error) error { return wrap(KindValidation, false, err) }

// Configuration wraps err as a configuration error. Fatal at startup.
func Configuration(err error) error { return wrap(KindConfiguration, false, err) }

// Transport wraps err as a transport error. Retryable by default.
func Transport(err error) error { return wrap(KindTransport, true, err) }

// Timeout wraps err as a deadline-exceeded error. Retryable by default.
func Timeout(err error) error { return wrap(KindTimeout, true, err) }

// QualityGate wraps err as a blocking quality-gate failure. Never retried.
func QualityGate(err error) error { return wrap(KindQualityGate, false, err) }

// AgentExecution wraps err as a failure surfaced from user execute code.
// Retryable by default, matching the result envelope's error.retryable
// default.
func AgentExecution(err error) error { return wrap(KindAgentExecution, true, err) }

// CircuitOpen wraps err as a breaker rejection. Treated as transport.
func CircuitOpen(err error) error { return wrap(KindCircuitOpen, true, err) }

// Unknown wraps err with no more specific classification available.
func Unknown(err error) error { return wrap(KindUnknown, false, err) }

// KindOf returns the Kind of err, or KindUnknown if err was never wrapped
// by this package.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether err (wrapped or not) should be retried. An
// unwrapped error defaults to retryable, matching retry.Options.ShouldRetry's
// default of always retrying; callers that need stricter behavior should
// wrap explicitly.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return true
}

// Is reports whether err's Kind (wrapped or not) equals kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
