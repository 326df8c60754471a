// Package trace generates and propagates the trace_id/span_id/parent_span_id
// triple used to correlate a workflow's activity across bus hops.
package trace

import "github.com/google/uuid"

// Context carries the trace correlation triple across an async boundary.
// It travels inside a task envelope's trace field and is copied, not
// regenerated, by every hop that doesn't start a new span.
type Context struct {
	TraceID      string `json:"trace_id"`
	SpanID       string `json:"span_id"`
	ParentSpanID string `json:"parent_span_id,omitempty"`
}

// New starts a fresh trace with a root span (no parent).
func New() Context {
	return Context{
		TraceID: newID(),
		SpanID:  newID(),
	}
}

// NewSpan derives a child span from c, keeping the same trace_id and
// setting parent_span_id to c's current span.
func (c Context) NewSpan() Context {
	return Context{
		TraceID:      c.TraceID,
		SpanID:       newID(),
		ParentSpanID: c.SpanID,
	}
}

// IsZero reports whether c carries no trace information.
func (c Context) IsZero() bool {
	return c.TraceID == "" && c.SpanID == ""
}

func newID() string {
	return uuid.New().String()
}
