// Package dispatcher publishes task envelopes on per-agent-type topics and
// demultiplexes the single shared result topic back to per-workflow
// handlers, generalizing the task-dispatcher processor's consumer-group
// subscription and handler-table bookkeeping to the spec's task/result
// envelope shape.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pipeforge/conductor/bus"
	"github.com/pipeforge/conductor/trace"
	"github.com/pipeforge/conductor/workflow"
)

// Priority is the task envelope's urgency hint.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Constraints bounds how an agent should execute a task.
type Constraints struct {
	TimeoutMs          int64 `json:"timeout_ms"`
	MaxRetries         int   `json:"max_retries"`
	RequiredConfidence int   `json:"required_confidence"`
}

// TaskEnvelope is the wire payload published to an agent's task topic.
type TaskEnvelope struct {
	MessageID       string         `json:"message_id"`
	TaskID          string         `json:"task_id"`
	WorkflowID      string         `json:"workflow_id"`
	AgentType       string         `json:"agent_type"`
	Priority        Priority       `json:"priority"`
	Payload         map[string]any `json:"payload"`
	Constraints     Constraints    `json:"constraints"`
	WorkflowContext map[string]any `json:"workflow_context"`
	Trace           trace.Context  `json:"trace"`
	Metadata        TaskMetadata   `json:"metadata"`
}

// TaskMetadata stamps provenance on a task envelope.
type TaskMetadata struct {
	CreatedAt       time.Time `json:"created_at"`
	CreatedBy       string    `json:"created_by"`
	EnvelopeVersion string    `json:"envelope_version"`
}

// ResultStatus is the agent result envelope's status vocabulary.
type ResultStatus string

const (
	ResultSuccess  ResultStatus = "success"
	ResultFailed   ResultStatus = "failed"
	ResultTimeout  ResultStatus = "timeout"
	ResultCanceled ResultStatus = "cancelled"
	ResultRunning  ResultStatus = "running"
	ResultPending  ResultStatus = "pending"
	ResultQueued   ResultStatus = "queued"
	ResultRetrying ResultStatus = "retrying"
)

// ResultData carries the agent's actual output.
type ResultData struct {
	Data      map[string]any `json:"data"`
	Artifacts map[string]any `json:"artifacts,omitempty"`
	Metrics   ResultMetrics  `json:"metrics"`
}

// ResultMetrics accompanies a result's output.
type ResultMetrics struct {
	DurationMs int64 `json:"duration_ms"`
}

// ResultError describes why a result failed.
type ResultError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// ResultEnvelope is the wire payload published to orchestrator:results.
type ResultEnvelope struct {
	TaskID     string       `json:"task_id"`
	WorkflowID string       `json:"workflow_id"`
	AgentID    string       `json:"agent_id"`
	AgentType  string       `json:"agent_type"`
	Success    bool         `json:"success"`
	Status     ResultStatus `json:"status"`
	Action     string       `json:"action"`
	Result     ResultData   `json:"result"`
	Error      *ResultError `json:"error,omitempty"`
	Warnings   []string     `json:"warnings,omitempty"`
	Stage      string       `json:"stage"`
	Timestamp  time.Time    `json:"timestamp"`
	Version    string       `json:"version"`
}

// terminalStatuses is the set of result statuses that end a handler's life.
var terminalStatuses = map[ResultStatus]bool{
	ResultSuccess: true,
	ResultFailed:  true,
}

// ResultHandler processes one result delivered for the workflow it was
// registered against.
type ResultHandler func(ctx context.Context, result ResultEnvelope)

type registration struct {
	handler    ResultHandler
	timer      *time.Timer
	registered time.Time
}

// Dispatcher publishes task envelopes and demultiplexes the shared result
// topic to per-workflow handlers.
type Dispatcher struct {
	logger *slog.Logger
	b      bus.Port

	mu           sync.Mutex
	handlers     map[string]*registration
	sub          bus.Subscription
	parseErrors  int64
	discardCount int64
}

// New creates a dispatcher over bus b. It does not subscribe until Start
// is called.
func New(b bus.Port, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{logger: logger, b: b, handlers: make(map[string]*registration)}
}

// Start opens the single shared subscription to orchestrator:results.
// Calling Start twice is an error.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.sub != nil {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher: already started")
	}
	d.mu.Unlock()

	sub, err := d.b.Subscribe(ctx, bus.ResultsTopic, d.handleResult, bus.SubscribeOptions{
		ConsumerGroup: bus.ResultsConsumerGroup,
	})
	if err != nil {
		return fmt.Errorf("dispatcher: subscribe results: %w", err)
	}

	d.mu.Lock()
	d.sub = sub
	d.mu.Unlock()
	return nil
}

// DispatchTask publishes env on its agent type's task topic, keyed by
// workflow id and mirrored to that topic's stream.
func (d *Dispatcher) DispatchTask(ctx context.Context, env TaskEnvelope) error {
	if env.WorkflowID == "" || env.AgentType == "" || env.TaskID == "" {
		return fmt.Errorf("dispatcher: task envelope missing required field")
	}
	if env.Metadata.EnvelopeVersion == "" {
		env.Metadata.EnvelopeVersion = workflow.EnvelopeSchemaVersion
	}
	if env.MessageID == "" {
		env.MessageID = uuid.New().String()
	}
	if env.Trace.IsZero() {
		return fmt.Errorf("dispatcher: task envelope missing required trace context")
	}

	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("dispatcher: marshal task envelope: %w", err)
	}

	topic := bus.TaskTopic(env.AgentType)
	if err := d.b.Publish(ctx, topic, payload, bus.PublishOptions{
		Key:            env.WorkflowID,
		MirrorToStream: bus.StreamName(topic),
	}); err != nil {
		return fmt.Errorf("dispatcher: publish task: %w", err)
	}
	return nil
}

// OnResult registers handler for workflowID, replacing any existing
// handler (and its timeout) and starting a fresh expiration of ttl (or
// workflow.DefaultHandlerTimeout if ttl is zero).
func (d *Dispatcher) OnResult(workflowID string, handler ResultHandler, ttl time.Duration) {
	if ttl <= 0 {
		ttl = workflow.DefaultHandlerTimeout
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if existing, ok := d.handlers[workflowID]; ok {
		existing.timer.Stop()
	}

	reg := &registration{handler: handler, registered: time.Now()}
	reg.timer = time.AfterFunc(ttl, func() { d.expire(workflowID) })
	d.handlers[workflowID] = reg
}

func (d *Dispatcher) expire(workflowID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.handlers[workflowID]; ok {
		delete(d.handlers, workflowID)
		d.logger.Warn("dispatcher: handler expired without a terminal result", slog.String("workflow_id", workflowID))
	}
}

// OffResult removes the handler and timeout for workflowID. No-op if
// absent.
func (d *Dispatcher) OffResult(workflowID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if reg, ok := d.handlers[workflowID]; ok {
		reg.timer.Stop()
		delete(d.handlers, workflowID)
	}
}

func (d *Dispatcher) handleResult(ctx context.Context, msg bus.Message) error {
	var result ResultEnvelope
	if err := json.Unmarshal(msg.Payload, &result); err != nil {
		d.mu.Lock()
		d.parseErrors++
		d.mu.Unlock()
		d.logger.Warn("dispatcher: failed to parse result envelope", slog.String("error", err.Error()))
		return nil
	}

	d.mu.Lock()
	reg, ok := d.handlers[result.WorkflowID]
	if ok && terminalStatuses[result.Status] {
		reg.timer.Stop()
		delete(d.handlers, result.WorkflowID)
	}
	if !ok {
		d.discardCount++
	}
	d.mu.Unlock()

	if !ok {
		d.logger.Debug("dispatcher: discarding result for unknown workflow", slog.String("workflow_id", result.WorkflowID))
		return nil
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("dispatcher: result handler panicked", slog.Any("recovered", r))
			}
		}()
		reg.handler(ctx, result)
	}()

	return nil
}

// Stats reports dispatcher-observed counters, useful for health/metrics.
type Stats struct {
	RegisteredHandlers int
	ParseErrors        int64
	DiscardedResults   int64
}

// Stats snapshots the dispatcher's counters.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{RegisteredHandlers: len(d.handlers), ParseErrors: d.parseErrors, DiscardedResults: d.discardCount}
}

// AgentRecord is one entry of the registry's agents:registry namespace.
// The agent runtime base writes these at startup/shutdown; the dispatcher
// only ever reads them back.
type AgentRecord struct {
	AgentID       string    `json:"agent_id"`
	AgentType     string    `json:"agent_type"`
	Status        string    `json:"status"`
	Version       string    `json:"version,omitempty"`
	Capabilities  []string  `json:"capabilities,omitempty"`
	RegisteredAt  time.Time `json:"registered_at,omitempty"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// Registry reads the agent registry keyed by agent_id.
type Registry interface {
	ListAgents(ctx context.Context) ([]AgentRecord, error)
}

// GetRegisteredAgents reads the registry. Read failures produce an empty
// list rather than propagating, matching the spec's "no exception" rule.
func (d *Dispatcher) GetRegisteredAgents(ctx context.Context, registry Registry) []AgentRecord {
	agents, err := registry.ListAgents(ctx)
	if err != nil {
		d.logger.Warn("dispatcher: registry read failed, returning empty list", slog.String("error", err.Error()))
		return nil
	}
	return agents
}

// Disconnect cancels all timeouts, clears the handler table, and closes
// the bus subscription.
func (d *Dispatcher) Disconnect(ctx context.Context) error {
	d.mu.Lock()
	for _, reg := range d.handlers {
		reg.timer.Stop()
	}
	d.handlers = make(map[string]*registration)
	sub := d.sub
	d.sub = nil
	d.mu.Unlock()

	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			return fmt.Errorf("dispatcher: unsubscribe: %w", err)
		}
	}
	return nil
}
