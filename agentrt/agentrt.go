// Package agentrt is the runtime base every agent process links against:
// it uses the one injected bus.Port both to subscribe and to publish (it
// opens no second, separate bus connection), subscribes to the agent's
// task topic under its consumer group, registers in the shared registry, and wraps
// user execute logic with retry and a circuit breaker before publishing
// the canonical result envelope. It generalizes the task-dispatcher
// processor's worker-loop shape (subscribe, execute, report) to the
// spec's envelope contract and never lets a user panic or error escape
// the subscription handler.
package agentrt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pipeforge/conductor/breaker"
	"github.com/pipeforge/conductor/bus"
	"github.com/pipeforge/conductor/dispatcher"
	"github.com/pipeforge/conductor/metrics"
	"github.com/pipeforge/conductor/orcherr"
	"github.com/pipeforge/conductor/retry"
	"github.com/pipeforge/conductor/workflow"
)

// Health is the agent's self-reported status, derived purely from its
// lifetime error count.
type Health string

const (
	HealthHealthy   Health = "healthy"
	HealthDegraded  Health = "degraded"
	HealthUnhealthy Health = "unhealthy"
)

// classifyHealth maps a lifetime error count to a Health per the spec's
// fixed bands: healthy <6, degraded 6-10, unhealthy >10.
func classifyHealth(errors int64) Health {
	switch {
	case errors < 6:
		return HealthHealthy
	case errors <= 10:
		return HealthDegraded
	default:
		return HealthUnhealthy
	}
}

// Execute is the user-supplied task handler. It returns the agent's
// output data and any artifacts, or an error — agentrt never lets this
// error escape the subscription handler; it always becomes a failed
// result envelope.
type Execute func(ctx context.Context, env dispatcher.TaskEnvelope) (ExecuteResult, error)

// ExecuteResult is what a successful Execute call produces.
type ExecuteResult struct {
	Data      map[string]any
	Artifacts map[string]any
	Warnings  []string
}

// Registry is the write side of the shared agents:registry namespace;
// dispatcher.Registry is the read side the dispatcher consults with
// dispatcher.AgentRecord, the same wire shape an agent registers here.
type Registry interface {
	Register(ctx context.Context, rec dispatcher.AgentRecord) error
	Deregister(ctx context.Context, agentID string) error
}

// Config configures an Agent.
type Config struct {
	AgentType    string
	Version      string
	Capabilities []string

	// RetryOptions overrides the standard retry preset applied around
	// Execute. Zero value uses retry.Standard().
	RetryOptions *retry.Options

	// BreakerOptions configures the circuit breaker guarding Execute.
	// Zero value uses breaker defaults.
	BreakerOptions breaker.Options

	// Metrics, if set, receives per-task counters and breaker state
	// transitions labeled by AgentType.
	Metrics *metrics.Metrics
}

// Agent runs one agent process's task loop.
type Agent struct {
	cfg      Config
	agentID  string
	b        bus.Port
	registry Registry
	execute  Execute
	logger   *slog.Logger
	breaker  *breaker.Breaker

	mu            sync.Mutex
	sub           bus.Subscription
	tasksProcessed int64
	errorsCount    int64
	lastTaskAt     time.Time
}

// New constructs an Agent. Call Start to subscribe and register.
func New(cfg Config, b bus.Port, registry Registry, execute Execute, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	opts := cfg.BreakerOptions
	if cfg.Metrics != nil {
		agentType := cfg.AgentType
		m := cfg.Metrics
		wrapHook := func(next func(breaker.Stats), state string) func(breaker.Stats) {
			return func(stats breaker.Stats) {
				m.CircuitBreakerState.WithLabelValues(agentType).Set(metrics.BreakerStateValue(state))
				if next != nil {
					next(stats)
				}
			}
		}
		opts.OnOpen = wrapHook(opts.OnOpen, "OPEN")
		opts.OnClose = wrapHook(opts.OnClose, "CLOSED")
		opts.OnHalfOpen = wrapHook(opts.OnHalfOpen, "HALF_OPEN")
	}

	return &Agent{
		cfg:      cfg,
		agentID:  fmt.Sprintf("%s-%s", cfg.AgentType, shortUUID()),
		b:        b,
		registry: registry,
		execute:  execute,
		logger:   logger,
		breaker:  breaker.New(opts),
	}
}

func shortUUID() string {
	full := uuid.New().String()
	return full[:8]
}

// AgentID returns this agent's registered id.
func (a *Agent) AgentID() string { return a.agentID }

// Start registers the agent and subscribes to its task topic.
func (a *Agent) Start(ctx context.Context) error {
	if err := a.registry.Register(ctx, dispatcher.AgentRecord{
		AgentID:       a.agentID,
		AgentType:     a.cfg.AgentType,
		Status:        "healthy",
		Version:       a.cfg.Version,
		Capabilities:  a.cfg.Capabilities,
		RegisteredAt:  time.Now().UTC(),
		LastHeartbeat: time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("agentrt: register: %w", err)
	}

	sub, err := a.b.Subscribe(ctx, bus.TaskTopic(a.cfg.AgentType), a.handleTask, bus.SubscribeOptions{
		ConsumerGroup: bus.TaskConsumerGroup(a.cfg.AgentType),
		FromBeginning: false,
	})
	if err != nil {
		_ = a.registry.Deregister(ctx, a.agentID)
		return fmt.Errorf("agentrt: subscribe: %w", err)
	}

	a.mu.Lock()
	a.sub = sub
	a.mu.Unlock()
	return nil
}

// Shutdown deregisters first, then unsubscribes, then disconnects the
// bus — the ordering the spec requires so no new task can be routed to
// an agent already tearing down.
func (a *Agent) Shutdown(ctx context.Context) error {
	if err := a.registry.Deregister(ctx, a.agentID); err != nil {
		a.logger.Warn("agentrt: deregister failed", slog.String("agent_id", a.agentID), slog.String("error", err.Error()))
	}

	a.mu.Lock()
	sub := a.sub
	a.mu.Unlock()
	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			a.logger.Warn("agentrt: unsubscribe failed", slog.String("agent_id", a.agentID), slog.String("error", err.Error()))
		}
	}

	return a.b.Disconnect(ctx)
}

// handleTask is the bus.Handler wired to the task subscription. It never
// returns a non-nil error for a malformed or failing task — those become
// published failed results — only for infrastructure failures (publishing
// the result itself failing) does it propagate an error for redelivery.
func (a *Agent) handleTask(ctx context.Context, msg bus.Message) error {
	var env dispatcher.TaskEnvelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		return a.publishResult(ctx, dispatcher.TaskEnvelope{}, ExecuteResult{}, orcherr.Validation(fmt.Errorf("malformed task envelope: %w", err)))
	}

	if err := a.validateEnvelope(env); err != nil {
		return a.publishResult(ctx, env, ExecuteResult{}, orcherr.Validation(err))
	}

	taskLogger := a.logger
	if !env.Trace.IsZero() {
		taskLogger = taskLogger.With(
			slog.String("trace_id", env.Trace.TraceID),
			slog.String("span_id", env.Trace.SpanID),
		)
	}

	result, execErr := a.runExecute(ctx, env, taskLogger)

	a.mu.Lock()
	a.tasksProcessed++
	a.lastTaskAt = time.Now().UTC()
	if execErr != nil {
		a.errorsCount++
	}
	a.mu.Unlock()

	if a.cfg.Metrics != nil {
		a.cfg.Metrics.AgentTasksProcessed.WithLabelValues(a.cfg.AgentType).Inc()
		if execErr != nil {
			a.cfg.Metrics.AgentErrors.WithLabelValues(a.cfg.AgentType).Inc()
		}
	}

	return a.publishResult(ctx, env, result, execErr)
}

func (a *Agent) validateEnvelope(env dispatcher.TaskEnvelope) error {
	if env.TaskID == "" || env.WorkflowID == "" || env.AgentType == "" {
		return fmt.Errorf("task envelope missing required field")
	}
	if env.Metadata.EnvelopeVersion != "" && env.Metadata.EnvelopeVersion != workflow.EnvelopeSchemaVersion {
		return fmt.Errorf("unsupported envelope_version %q", env.Metadata.EnvelopeVersion)
	}
	return nil
}

// runExecute invokes the user's Execute function through a standard retry
// policy and the agent's circuit breaker. A panic inside Execute is
// recovered and reported as an agent execution error rather than
// crashing the process.
func (a *Agent) runExecute(ctx context.Context, env dispatcher.TaskEnvelope, logger *slog.Logger) (result ExecuteResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("agentrt: execute panicked", slog.String("task_id", env.TaskID), slog.Any("panic", r))
			err = orcherr.AgentExecution(fmt.Errorf("panic: %v", r))
		}
	}()

	retryOpts := retry.Standard()
	if a.cfg.RetryOptions != nil {
		retryOpts = *a.cfg.RetryOptions
	}

	raw, breakerErr := a.breaker.Do(ctx, func(bctx context.Context) (any, error) {
		return retry.Do(bctx, retryOpts, func(rctx context.Context) (any, error) {
			r, execErr := a.execute(rctx, env)
			if execErr != nil {
				return nil, orcherr.AgentExecution(execErr)
			}
			return r, nil
		})
	})
	if breakerErr != nil {
		var breakerRejected *breaker.Error
		if isBreakerError(breakerErr, &breakerRejected) {
			return ExecuteResult{}, orcherr.CircuitOpen(breakerErr)
		}
		return ExecuteResult{}, breakerErr
	}

	return raw.(ExecuteResult), nil
}

func isBreakerError(err error, target **breaker.Error) bool {
	be, ok := err.(*breaker.Error)
	if ok {
		*target = be
	}
	return ok
}

// publishResult builds the canonical result envelope from (env, result,
// err) and publishes it on orchestrator:results. A non-nil err of any
// kind always maps to a failed status; success is only ever reported
// when err is nil.
func (a *Agent) publishResult(ctx context.Context, env dispatcher.TaskEnvelope, result ExecuteResult, execErr error) error {
	stage := env.AgentType
	if v, ok := env.WorkflowContext["current_stage"]; ok {
		if s, ok := v.(string); ok && s != "" {
			stage = s
		}
	}

	re := dispatcher.ResultEnvelope{
		TaskID:     env.TaskID,
		WorkflowID: env.WorkflowID,
		AgentID:    a.agentID,
		AgentType:  a.cfg.AgentType,
		Stage:      stage,
		Timestamp:  time.Now().UTC(),
		Version:    workflow.EnvelopeSchemaVersion,
	}

	if execErr != nil {
		re.Success = false
		re.Status = dispatcher.ResultFailed
		re.Error = &dispatcher.ResultError{
			Code:      string(orcherr.KindOf(execErr)),
			Message:   execErr.Error(),
			Retryable: orcherr.IsRetryable(execErr),
		}
	} else {
		re.Success = true
		re.Status = dispatcher.ResultSuccess
		re.Result = dispatcher.ResultData{Data: result.Data, Artifacts: result.Artifacts}
		re.Warnings = result.Warnings
	}

	payload, err := json.Marshal(re)
	if err != nil {
		return fmt.Errorf("agentrt: marshal result envelope: %w", err)
	}

	if err := a.b.Publish(ctx, bus.ResultsTopic, payload, bus.PublishOptions{
		Key:            env.WorkflowID,
		MirrorToStream: bus.StreamName(bus.ResultsTopic),
	}); err != nil {
		return fmt.Errorf("agentrt: publish result: %w", err)
	}
	return nil
}

// Stats is a snapshot of the agent's lifetime counters.
type Stats struct {
	TasksProcessed int64
	ErrorsCount    int64
	LastTaskAt     time.Time
	Health         Health
}

// Stats returns the agent's current counters and derived health.
func (a *Agent) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Stats{
		TasksProcessed: a.tasksProcessed,
		ErrorsCount:    a.errorsCount,
		LastTaskAt:     a.lastTaskAt,
		Health:         classifyHealth(a.errorsCount),
	}
}
