// Package breaker implements a CLOSED/OPEN/HALF_OPEN circuit breaker that
// protects a callee from being hammered while it is failing, and probes for
// recovery once it has cooled down. It generalizes the sliding-window
// failure-rate pattern seen throughout the resilience-library lineage into
// a single primitive used by the agent runtime.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// State is one of the breaker's three states.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Options configures a Breaker. Zero-value fields fall back to the spec
// defaults.
type Options struct {
	// FailureThreshold trips the breaker once this many failures have
	// landed inside Window. Default 5.
	FailureThreshold int

	// MinimumRequests is the number of requests within Window required
	// before FailureRateThreshold is evaluated. Default 10.
	MinimumRequests int

	// FailureRateThreshold is a percentage in [0,100]. Default 50.
	FailureRateThreshold float64

	// Window bounds how far back requests are counted. Default 60s.
	Window time.Duration

	// OpenDuration is how long the breaker stays OPEN before admitting a
	// probe request. Default 60s.
	OpenDuration time.Duration

	// HalfOpenSuccessThreshold is the number of consecutive successes in
	// HALF_OPEN required to close the breaker. Default 2.
	HalfOpenSuccessThreshold int

	// Timeout, if non-zero, races the protected call.
	Timeout time.Duration

	// ShouldTripCircuit excludes an error from counting as a failure when
	// it returns false. The error still surfaces to the caller. Defaults
	// to counting every error as a failure.
	ShouldTripCircuit func(err error) bool

	OnOpen     func(stats Stats)
	OnClose    func(stats Stats)
	OnHalfOpen func(stats Stats)
	OnRequest  func(state State)
	OnSuccess  func(stats Stats)
	OnFailure  func(err error, stats Stats)

	// clock is overridable for deterministic tests.
	clock func() time.Time
}

func (o Options) withDefaults() Options {
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = 5
	}
	if o.MinimumRequests <= 0 {
		o.MinimumRequests = 10
	}
	if o.FailureRateThreshold <= 0 {
		o.FailureRateThreshold = 50
	}
	if o.Window <= 0 {
		o.Window = 60 * time.Second
	}
	if o.OpenDuration <= 0 {
		o.OpenDuration = 60 * time.Second
	}
	if o.HalfOpenSuccessThreshold <= 0 {
		o.HalfOpenSuccessThreshold = 2
	}
	if o.ShouldTripCircuit == nil {
		o.ShouldTripCircuit = func(error) bool { return true }
	}
	if o.clock == nil {
		o.clock = time.Now
	}
	return o
}

// Stats is a snapshot of a breaker's counters, attached to hook calls and
// to Error.
type Stats struct {
	State         State
	TotalRequests int64
	SuccessCount  int64
	FailureCount  int64
	// RejectedCount counts only calls rejected while State == Open; it
	// never increments for a half-open probe slot collision (see
	// HalfOpenRejectedCount).
	RejectedCount int64
	// HalfOpenRejectedCount counts calls that arrived while a HALF_OPEN
	// probe was already in flight and were rejected to enforce the
	// single-probe cap. Tracked separately from RejectedCount because
	// that field is defined to reflect only the OPEN-state rejection
	// path.
	HalfOpenRejectedCount int64
	FailureRate           float64
	LastSuccessTime       time.Time
	LastFailureTime       time.Time
	StateChangedAt        time.Time
}

// Error is returned when the breaker rejects a call: in the OPEN state, or
// in HALF_OPEN while the single probe call is already in flight.
type Error struct {
	Stats Stats
}

func (e *Error) Error() string {
	return fmt.Sprintf("breaker: circuit open since %s, rejecting calls", e.Stats.StateChangedAt.Format(time.RFC3339))
}

// Breaker is global per protected callee: construct one instance and share
// it across every call site that targets the same downstream dependency.
type Breaker struct {
	opts Options

	mu              sync.Mutex
	state           State
	stateChangedAt  time.Time
	nextAttemptTime time.Time

	events []event // sliding window of outcomes within opts.Window

	totalRequests         int64
	successCount          int64
	failureCount          int64
	rejectedCount         int64
	halfOpenRejectedCount int64
	lastSuccessTime       time.Time
	lastFailureTime       time.Time

	halfOpenConsecutiveSuccesses int
	halfOpenInFlight             bool
}

type event struct {
	at      time.Time
	success bool
	// countsTowardTrip is false for a failure ShouldTripCircuit excluded;
	// it is still reflected in Stats but never triggers CLOSED->OPEN.
	countsTowardTrip bool
}

// New constructs a Breaker in the CLOSED state.
func New(opts Options) *Breaker {
	opts = opts.withDefaults()
	now := opts.clock()
	return &Breaker{
		opts:           opts,
		state:          Closed,
		stateChangedAt: now,
	}
}

// Op is the operation protected by the breaker.
type Op func(ctx context.Context) (any, error)

// Do runs op if the breaker admits the call, records the outcome, and
// transitions state accordingly. It returns *Error without invoking op if
// the breaker is OPEN, or at its HALF_OPEN probe concurrency cap of 1.
func (b *Breaker) Do(ctx context.Context, op Op) (any, error) {
	if err := b.allow(); err != nil {
		return nil, err
	}

	if b.opts.OnRequest != nil {
		b.opts.OnRequest(b.State())
	}

	result, err := b.runOp(ctx, op)

	countsTowardTrip := err == nil || b.opts.ShouldTripCircuit(err)
	b.record(err, countsTowardTrip)
	return result, err
}

func (b *Breaker) runOp(ctx context.Context, op Op) (any, error) {
	if b.opts.Timeout <= 0 {
		return op(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, b.opts.Timeout)
	defer cancel()
	result, err := op(attemptCtx)
	if err != nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("breaker: call exceeded timeout %s: %w", b.opts.Timeout, attemptCtx.Err())
	}
	return result, err
}

// allow checks the gate and, for the HALF_OPEN probe slot, reserves it.
// record frees the reserved probe slot when the call's outcome is recorded.
func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.opts.clock()

	switch b.state {
	case Open:
		if now.Before(b.nextAttemptTime) {
			b.rejectedCount++
			return &Error{Stats: b.statsLocked()}
		}
		b.transitionLocked(HalfOpen, now)
		b.halfOpenInFlight = true
		return nil
	case HalfOpen:
		if b.halfOpenInFlight {
			b.halfOpenRejectedCount++
			return &Error{Stats: b.statsLocked()}
		}
		b.halfOpenInFlight = true
		return nil
	default: // Closed
		return nil
	}
}

// record accounts for a completed, gate-admitted call and evaluates
// transitions. countsTowardTrip is false when ShouldTripCircuit excluded
// err from the trip decision; the outcome is still reflected in Stats.
func (b *Breaker) record(err error, countsTowardTrip bool) {
	b.mu.Lock()
	now := b.opts.clock()
	b.totalRequests++

	success := err == nil
	if success {
		b.successCount++
		b.lastSuccessTime = now
	} else {
		b.failureCount++
		b.lastFailureTime = now
	}
	b.events = append(b.events, event{at: now, success: success, countsTowardTrip: countsTowardTrip})
	b.pruneLocked(now)

	switch b.state {
	case HalfOpen:
		b.halfOpenInFlight = false
		if success {
			b.halfOpenConsecutiveSuccesses++
			if b.halfOpenConsecutiveSuccesses >= b.opts.HalfOpenSuccessThreshold {
				b.transitionLocked(Closed, now)
			}
		} else if countsTowardTrip {
			b.transitionLocked(Open, now)
		}
	case Closed:
		if !success && countsTowardTrip && b.shouldTripLocked() {
			b.transitionLocked(Open, now)
		}
	}

	stats := b.statsLocked()
	onSuccess, onFailure := b.opts.OnSuccess, b.opts.OnFailure
	b.mu.Unlock()

	if success && onSuccess != nil {
		onSuccess(stats)
	}
	if !success && onFailure != nil {
		onFailure(err, stats)
	}
}

// shouldTripLocked implements the CLOSED->OPEN decision: either raw
// failure count within the window meets FailureThreshold, or request
// volume meets MinimumRequests and the failure rate meets
// FailureRateThreshold.
func (b *Breaker) shouldTripLocked() bool {
	total, failures := 0, 0
	for _, e := range b.events {
		if !e.countsTowardTrip {
			continue
		}
		total++
		if !e.success {
			failures++
		}
	}

	if failures >= b.opts.FailureThreshold {
		return true
	}

	if total >= b.opts.MinimumRequests {
		rate := 100 * float64(failures) / float64(total)
		if rate >= b.opts.FailureRateThreshold {
			return true
		}
	}

	return false
}

func (b *Breaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.opts.Window)
	i := 0
	for ; i < len(b.events); i++ {
		if b.events[i].at.After(cutoff) {
			break
		}
	}
	if i > 0 {
		b.events = append([]event(nil), b.events[i:]...)
	}
}

func (b *Breaker) transitionLocked(to State, now time.Time) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.stateChangedAt = now

	switch to {
	case Open:
		b.nextAttemptTime = now.Add(b.opts.OpenDuration)
		b.halfOpenConsecutiveSuccesses = 0
		b.halfOpenInFlight = false
	case HalfOpen:
		b.halfOpenConsecutiveSuccesses = 0
	case Closed:
		b.events = nil
		b.halfOpenConsecutiveSuccesses = 0
	}

	stats := b.statsLocked()
	var hook func(Stats)
	switch to {
	case Open:
		hook = b.opts.OnOpen
	case HalfOpen:
		hook = b.opts.OnHalfOpen
	case Closed:
		hook = b.opts.OnClose
	}
	if hook != nil {
		b.mu.Unlock()
		hook(stats)
		b.mu.Lock()
	}
}

func (b *Breaker) statsLocked() Stats {
	var rate float64
	if b.totalRequests > 0 {
		rate = 100 * float64(b.failureCount) / float64(b.totalRequests)
	}
	return Stats{
		State:                 b.state,
		TotalRequests:         b.totalRequests,
		SuccessCount:          b.successCount,
		FailureCount:          b.failureCount,
		RejectedCount:         b.rejectedCount,
		HalfOpenRejectedCount: b.halfOpenRejectedCount,
		FailureRate:           rate,
		LastSuccessTime:       b.lastSuccessTime,
		LastFailureTime:       b.lastFailureTime,
		StateChangedAt:        b.stateChangedAt,
	}
}

// State returns the breaker's current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats returns a snapshot of the breaker's counters.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.statsLocked()
}
