package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/pipeforge/conductor/bus"
)

// event is the wire shape published on bus.PipelineUpdatesTopic.
type event struct {
	Type         string         `json:"type"`
	ExecutionID  string         `json:"execution_id"`
	PipelineID   string         `json:"pipeline_id"`
	WorkflowID   string         `json:"workflow_id"`
	Status       Status         `json:"status"`
	Timestamp    time.Time      `json:"timestamp"`
	Detail       map[string]any `json:"detail,omitempty"`
}

// BusEvents publishes pipeline lifecycle events over a bus.Port, keyed by
// workflow id so a single consumer group sees one execution's events in
// order.
type BusEvents struct {
	b      bus.Port
	logger *slog.Logger
}

// NewBusEvents creates a BusEvents publisher.
func NewBusEvents(b bus.Port, logger *slog.Logger) *BusEvents {
	if logger == nil {
		logger = slog.Default()
	}
	return &BusEvents{b: b, logger: logger}
}

// PublishPipelineEvent implements EventPublisher.
func (p *BusEvents) PublishPipelineEvent(ctx context.Context, eventType string, exec *Execution, detail map[string]any) {
	evt := event{
		Type:        eventType,
		ExecutionID: exec.ID,
		PipelineID:  exec.PipelineID,
		WorkflowID:  exec.WorkflowID,
		Status:      exec.Status(),
		Timestamp:   time.Now().UTC(),
		Detail:      detail,
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		p.logger.Error("pipeline: marshal event failed", slog.String("error", err.Error()), slog.String("event_type", eventType))
		return
	}

	if err := p.b.Publish(ctx, bus.PipelineUpdatesTopic, payload, bus.PublishOptions{
		Key:            exec.WorkflowID,
		MirrorToStream: bus.StreamName(bus.PipelineUpdatesTopic),
	}); err != nil {
		p.logger.Error("pipeline: publish event failed", slog.String("error", err.Error()), slog.String("event_type", eventType))
	}
}
