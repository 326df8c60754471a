// Package orchestrator implements the workflow service: a state machine
// over one workflow execution that reacts to agent results, advances the
// stage graph computed by the workflow package's pure engine functions,
// persists state via a storage.WorkflowStore, and publishes lifecycle
// events. It plays the role the task-dispatcher processor's orchestration
// loop played in the teacher, generalized from a flat task queue to named,
// branching workflow stages.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pipeforge/conductor/bus"
	"github.com/pipeforge/conductor/dispatcher"
	"github.com/pipeforge/conductor/storage"
	"github.com/pipeforge/conductor/trace"
	"github.com/pipeforge/conductor/workflow"
)

// TaskDispatcher is the subset of the agent dispatcher the service needs.
type TaskDispatcher interface {
	DispatchTask(ctx context.Context, env dispatcher.TaskEnvelope) error
	OnResult(workflowID string, handler dispatcher.ResultHandler, ttl time.Duration)
	OffResult(workflowID string)
}

// run is one workflow execution's in-memory state.
type run struct {
	mu    sync.Mutex
	wfCtx workflow.Context
}

// Service owns every active workflow execution's state machine.
type Service struct {
	dispatcher TaskDispatcher
	store      storage.WorkflowStore
	b          bus.Port
	logger     *slog.Logger

	mu   sync.Mutex
	runs map[string]*run
}

// New creates a Service.
func New(d TaskDispatcher, store storage.WorkflowStore, b bus.Port, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		dispatcher: d,
		store:      store,
		b:          b,
		logger:     logger,
		runs:       make(map[string]*run),
	}
}

// Create validates def, persists the initiated workflow record, and
// publishes workflow.created. It does not dispatch the first stage; call
// Start for that.
func (s *Service) Create(ctx context.Context, workflowID string, def workflow.Definition, input map[string]any) error {
	def, err := workflow.New(def)
	if err != nil {
		return fmt.Errorf("orchestrator: invalid workflow definition: %w", err)
	}

	wfCtx := workflow.CreateInitialContext(workflowID, def, input)

	if err := s.store.Create(ctx, storage.WorkflowRecord{
		WorkflowID: workflowID,
		Status:     storage.WorkflowInitiated,
		Context:    wfCtx,
	}); err != nil {
		return fmt.Errorf("orchestrator: persist workflow: %w", err)
	}

	s.mu.Lock()
	s.runs[workflowID] = &run{wfCtx: wfCtx}
	s.mu.Unlock()

	s.publishLifecycle(ctx, bus.WorkflowCreatedTopic, workflowID, wfCtx, nil)
	return nil
}

// Start transitions workflowID to running and dispatches its start stage.
func (s *Service) Start(ctx context.Context, workflowID string) error {
	r, err := s.get(workflowID)
	if err != nil {
		return err
	}

	s.dispatcher.OnResult(workflowID, s.resultHandler(workflowID), time.Duration(workflow.DefaultHandlerTimeout))

	r.mu.Lock()
	stage := r.wfCtx.CurrentStage
	span := r.wfCtx.Trace.NewSpan()
	r.wfCtx.Trace = span
	wfCtx := r.wfCtx
	r.mu.Unlock()

	if err := s.updateStatus(ctx, workflowID, storage.WorkflowRunning, wfCtx, nil); err != nil {
		return err
	}
	s.publishLifecycle(ctx, bus.WorkflowStartedTopic, workflowID, wfCtx, nil)

	return s.dispatchStage(ctx, workflowID, stage, wfCtx, span)
}

func (s *Service) get(workflowID string) (*run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[workflowID]
	if !ok {
		return nil, fmt.Errorf("orchestrator: unknown workflow %q", workflowID)
	}
	return r, nil
}

func (s *Service) dispatchStage(ctx context.Context, workflowID, stageName string, wfCtx workflow.Context, span trace.Context) error {
	stage, ok := wfCtx.Definition.Stages[stageName]
	if !ok {
		return fmt.Errorf("orchestrator: stage %q does not exist", stageName)
	}

	return s.dispatcher.DispatchTask(ctx, dispatcher.TaskEnvelope{
		TaskID:          uuid.New().String(),
		WorkflowID:      workflowID,
		AgentType:       stage.AgentType,
		Priority:        dispatcher.PriorityNormal,
		Payload:         stage.Config,
		Constraints:     dispatcher.Constraints{TimeoutMs: stage.TimeoutMs, MaxRetries: stage.MaxRetries},
		WorkflowContext: stagePassThrough(wfCtx),
		Trace:           span,
		Metadata:        dispatcher.TaskMetadata{CreatedAt: time.Now().UTC(), CreatedBy: "orchestrator"},
	})
}

// stagePassThrough accumulates every completed stage's output so the next
// stage's agent receives the workflow's running context, rather than
// re-deriving stage-to-stage field mappings the workflow definition does
// not express per-edge.
func stagePassThrough(wfCtx workflow.Context) map[string]any {
	out := map[string]any{"input": wfCtx.InputData, "current_stage": wfCtx.CurrentStage}
	stages := make(map[string]any, len(wfCtx.StageResults))
	for name, result := range wfCtx.StageResults {
		stages[name] = result.Output
	}
	out["stages"] = stages
	return out
}

func (s *Service) resultHandler(workflowID string) dispatcher.ResultHandler {
	return func(ctx context.Context, result dispatcher.ResultEnvelope) {
		s.handleResult(ctx, workflowID, result)
	}
}

func (s *Service) handleResult(ctx context.Context, workflowID string, result dispatcher.ResultEnvelope) {
	r, err := s.get(workflowID)
	if err != nil {
		return
	}

	r.mu.Lock()
	stage := r.wfCtx.CurrentStage
	outcome := resultOutcome(result.Status)

	stageResult := workflow.StageResult{
		Outcome:    outcome,
		Output:     result.Result.Data,
		Attempts:   1,
		DurationMs: result.Result.Metrics.DurationMs,
		Timestamp:  result.Timestamp,
	}
	if result.Error != nil {
		stageResult.Error = result.Error.Message
	}

	if err := workflow.RecordStageResult(&r.wfCtx, stage, stageResult); err != nil {
		r.mu.Unlock()
		s.logger.Warn("orchestrator: duplicate stage result discarded", slog.String("workflow_id", workflowID), slog.String("stage", stage), slog.String("error", err.Error()))
		return
	}

	next, err := workflow.GetNextStage(r.wfCtx.Definition, stage, outcome)
	if err != nil {
		wfCtx := r.wfCtx
		r.mu.Unlock()
		s.fail(ctx, workflowID, wfCtx, "UNKNOWN_ERROR", err.Error(), false)
		return
	}

	if next == "" {
		finalOutcome := workflow.OutcomeSuccess
		if outcome != workflow.OutcomeSuccess {
			finalOutcome = outcome
		}
		wfCtx := r.wfCtx
		r.mu.Unlock()
		s.finish(ctx, workflowID, wfCtx, finalOutcome, stageResult)
		return
	}

	r.wfCtx.CurrentStage = next
	span := r.wfCtx.Trace.NewSpan()
	r.wfCtx.Trace = span
	wfCtx := r.wfCtx
	r.mu.Unlock()

	if err := s.updateStatus(ctx, workflowID, storage.WorkflowRunning, wfCtx, nil); err != nil {
		s.logger.Error("orchestrator: persist stage transition failed", slog.String("workflow_id", workflowID), slog.String("error", err.Error()))
	}

	if err := s.dispatchStage(ctx, workflowID, next, wfCtx, span); err != nil {
		s.fail(ctx, workflowID, wfCtx, "TRANSPORT_ERROR", err.Error(), true)
	}
}

func resultOutcome(status dispatcher.ResultStatus) workflow.Outcome {
	switch status {
	case dispatcher.ResultSuccess:
		return workflow.OutcomeSuccess
	case dispatcher.ResultFailed:
		return workflow.OutcomeFailure
	case dispatcher.ResultTimeout:
		return workflow.OutcomeTimeout
	default:
		return workflow.OutcomeUnknown
	}
}

func (s *Service) finish(ctx context.Context, workflowID string, wfCtx workflow.Context, outcome workflow.Outcome, last workflow.StageResult) {
	status := storage.WorkflowSucceeded
	var lastErr *storage.WorkflowError
	if outcome != workflow.OutcomeSuccess {
		status = storage.WorkflowFailed
		lastErr = &storage.WorkflowError{Code: "STAGE_FAILED", Message: last.Error, Recoverable: false}
	}

	s.cleanup(workflowID)
	if err := s.updateStatus(ctx, workflowID, status, wfCtx, lastErr); err != nil {
		s.logger.Error("orchestrator: persist terminal state failed", slog.String("workflow_id", workflowID), slog.String("error", err.Error()))
	}

	if status == storage.WorkflowSucceeded {
		s.publishLifecycle(ctx, bus.WorkflowCompletedTopic, workflowID, wfCtx, nil)
	} else {
		s.publishLifecycle(ctx, bus.WorkflowFailedTopic, workflowID, wfCtx, lastErr)
	}
}

func (s *Service) fail(ctx context.Context, workflowID string, wfCtx workflow.Context, code, message string, recoverable bool) {
	lastErr := &storage.WorkflowError{Code: code, Message: message, Recoverable: recoverable}
	s.cleanup(workflowID)
	if err := s.updateStatus(ctx, workflowID, storage.WorkflowFailed, wfCtx, lastErr); err != nil {
		s.logger.Error("orchestrator: persist failure failed", slog.String("workflow_id", workflowID), slog.String("error", err.Error()))
	}
	s.publishLifecycle(ctx, bus.WorkflowFailedTopic, workflowID, wfCtx, lastErr)
}

// Cancel stops workflowID: drops the dispatcher's result handler,
// persists status cancelled, and removes the run from the active table.
// In-flight results for this workflow are silently discarded since no
// handler remains registered to receive them.
func (s *Service) Cancel(ctx context.Context, workflowID string) error {
	r, err := s.get(workflowID)
	if err != nil {
		return err
	}

	s.dispatcher.OffResult(workflowID)
	s.cleanup(workflowID)

	r.mu.Lock()
	wfCtx := r.wfCtx
	r.mu.Unlock()

	return s.updateStatus(ctx, workflowID, storage.WorkflowCancelled, wfCtx, nil)
}

func (s *Service) cleanup(workflowID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runs, workflowID)
}

func (s *Service) updateStatus(ctx context.Context, workflowID string, status storage.WorkflowStatus, wfCtx workflow.Context, lastErr *storage.WorkflowError) error {
	return s.store.Update(ctx, storage.WorkflowRecord{
		WorkflowID: workflowID,
		Status:     status,
		Context:    wfCtx,
		LastError:  lastErr,
	})
}

// lifecycleEvent is the wire shape published on the workflow.* topics.
type lifecycleEvent struct {
	Type        string                   `json:"type"`
	WorkflowID  string                   `json:"workflow_id"`
	Status      string                   `json:"status,omitempty"`
	CurrentStage string                  `json:"current_stage,omitempty"`
	LastError   *storage.WorkflowError   `json:"last_error,omitempty"`
	Timestamp   time.Time                `json:"timestamp"`
}

func (s *Service) publishLifecycle(ctx context.Context, topic, workflowID string, wfCtx workflow.Context, lastErr *storage.WorkflowError) {
	if s.b == nil {
		return
	}

	evt := lifecycleEvent{
		Type:         topic,
		WorkflowID:   workflowID,
		CurrentStage: wfCtx.CurrentStage,
		LastError:    lastErr,
		Timestamp:    time.Now().UTC(),
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		s.logger.Error("orchestrator: marshal lifecycle event failed", slog.String("error", err.Error()))
		return
	}

	if err := s.b.Publish(ctx, topic, payload, bus.PublishOptions{
		Key:            workflowID,
		MirrorToStream: bus.StreamName(topic),
	}); err != nil {
		s.logger.Error("orchestrator: publish lifecycle event failed", slog.String("topic", topic), slog.String("error", err.Error()))
	}
}

// Status returns the current engine-level context for workflowID, mainly
// for inspection/testing.
func (s *Service) Status(workflowID string) (workflow.Context, error) {
	r, err := s.get(workflowID)
	if err != nil {
		return workflow.Context{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.wfCtx, nil
}
