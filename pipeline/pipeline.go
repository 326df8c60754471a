// Package pipeline implements the DAG-scheduled pipeline executor: a
// secondary graph overlaid on a workflow for deployment-style execution
// with parallel dependencies, quality gates, and pause/resume/cancel. Its
// dependency graph and cycle detection generalize the task-dispatcher
// processor's Kahn's-algorithm DependencyGraph to named pipeline stages
// with typed completion conditions instead of a flat "depends on" list.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pipeforge/conductor/decisiongate"
	"github.com/pipeforge/conductor/dispatcher"
	"github.com/pipeforge/conductor/metrics"
	"github.com/pipeforge/conductor/qualitygate"
	"github.com/pipeforge/conductor/trace"
)

// ExecutionMode selects how independent stages are scheduled.
type ExecutionMode string

const (
	ModeSequential ExecutionMode = "sequential"
	ModeParallel   ExecutionMode = "parallel"
)

// Condition is the completion state a dependency requires of its target
// stage before the dependent stage becomes eligible.
type Condition string

const (
	ConditionSuccess Condition = "success"
	ConditionFailure Condition = "failure"
	ConditionAny     Condition = "any"
)

// Dependency names one prerequisite stage and the condition it must meet.
type Dependency struct {
	StageID   string    `yaml:"stage_id" json:"stage_id"`
	Required  bool      `yaml:"required" json:"required"`
	Condition Condition `yaml:"condition" json:"condition"`
}

// Stage is one vertex of a pipeline definition.
type Stage struct {
	ID                string             `yaml:"id" json:"id"`
	Name              string             `yaml:"name" json:"name"`
	AgentType         string             `yaml:"agent_type" json:"agent_type"`
	Action            string             `yaml:"action" json:"action"`
	Parameters        map[string]any     `yaml:"parameters,omitempty" json:"parameters,omitempty"`
	// SkipCondition, when non-empty, is a CEL boolean expression evaluated
	// over the stages accumulated so far (see evaluateSkipCondition); a
	// stage whose condition evaluates true is recorded StageSkipped
	// instead of dispatched.
	SkipCondition     string             `yaml:"skip_condition,omitempty" json:"skip_condition,omitempty"`
	Dependencies      []Dependency       `yaml:"dependencies,omitempty" json:"dependencies,omitempty"`
	QualityGates      []qualitygate.Gate `yaml:"quality_gates,omitempty" json:"quality_gates,omitempty"`
	TimeoutMs         int64              `yaml:"timeout_ms,omitempty" json:"timeout_ms,omitempty"`
	ContinueOnFailure bool               `yaml:"continue_on_failure,omitempty" json:"continue_on_failure,omitempty"`
	Artifacts         map[string]any     `yaml:"artifacts,omitempty" json:"artifacts,omitempty"`
}

// Definition is the pipeline's immutable graph.
type Definition struct {
	ID            string        `yaml:"id" json:"id"`
	Name          string        `yaml:"name" json:"name"`
	Version       string        `yaml:"version" json:"version"`
	WorkflowID    string        `yaml:"workflow_id,omitempty" json:"workflow_id,omitempty"`
	// WorkflowType feeds decisiongate.CategoryFor's routing table (e.g.
	// "app" changes a deployment stage's category to cost-impacting).
	WorkflowType      string        `yaml:"workflow_type,omitempty" json:"workflow_type,omitempty"`
	ExecutionMode     ExecutionMode `yaml:"execution_mode" json:"execution_mode"`
	MaxParallelStages int           `yaml:"max_parallel_stages,omitempty" json:"max_parallel_stages,omitempty"`
	Stages            []Stage       `yaml:"stages" json:"stages"`
}

// Validate checks stage id uniqueness, that every dependency references an
// existing stage, and that the dependency graph is acyclic.
func Validate(def Definition) error {
	byID := make(map[string]Stage, len(def.Stages))
	for _, s := range def.Stages {
		if s.ID == "" {
			return fmt.Errorf("pipeline: stage with empty id")
		}
		if _, dup := byID[s.ID]; dup {
			return fmt.Errorf("pipeline: duplicate stage id %q", s.ID)
		}
		byID[s.ID] = s
	}
	for _, s := range def.Stages {
		for _, dep := range s.Dependencies {
			if _, ok := byID[dep.StageID]; !ok {
				return fmt.Errorf("pipeline: stage %q depends on unknown stage %q", s.ID, dep.StageID)
			}
		}
	}
	if _, err := topologicalOrder(def.Stages); err != nil {
		return err
	}
	return nil
}

// topologicalOrder returns def's stages ordered dependencies-first, using
// Kahn's algorithm; it errors if the dependency graph has a cycle.
func topologicalOrder(stages []Stage) ([]Stage, error) {
	inDegree := make(map[string]int, len(stages))
	dependents := make(map[string][]string, len(stages))
	byID := make(map[string]Stage, len(stages))

	for _, s := range stages {
		byID[s.ID] = s
		if _, ok := inDegree[s.ID]; !ok {
			inDegree[s.ID] = 0
		}
	}
	for _, s := range stages {
		for _, dep := range s.Dependencies {
			inDegree[s.ID]++
			dependents[dep.StageID] = append(dependents[dep.StageID], s.ID)
		}
	}

	var queue []string
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	var order []Stage
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, byID[id])

		next := append([]string(nil), dependents[id]...)
		sort.Strings(next)
		for _, depID := range next {
			inDegree[depID]--
			if inDegree[depID] == 0 {
				queue = append(queue, depID)
			}
		}
	}

	if len(order) != len(stages) {
		return nil, fmt.Errorf("pipeline: circular dependency detected among %d stages", len(stages)-len(order))
	}
	return order, nil
}

// Status is a pipeline execution's lifecycle state.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// StageStatus is one stage's per-execution outcome.
type StageStatus string

const (
	StagePending StageStatus = "pending"
	StageRunning StageStatus = "running"
	StageSuccess StageStatus = "success"
	StageFailed  StageStatus = "failed"
	StageSkipped StageStatus = "skipped"
)

// StageError describes why a stage result is failed.
type StageError struct {
	Code    string
	Message string
}

// StageResult is one stage's recorded outcome within an execution.
type StageResult struct {
	Status      StageStatus
	Output      map[string]any
	Error       *StageError
	Artifacts   map[string]any
	Attempts    int
	StartedAt   time.Time
	CompletedAt time.Time
	// Decision is set when the stage's name matches
	// decisiongate.ShouldEvaluateDecision; nil for stages the decision
	// gate doesn't apply to.
	Decision *decisiongate.Decision
}

func terminal(status StageStatus) bool {
	return status == StageSuccess || status == StageFailed || status == StageSkipped
}

// Execution is a pipeline definition's single run.
type Execution struct {
	ID           string
	PipelineID   string
	WorkflowID   string
	WorkflowType string
	TriggeredBy  string
	Trigger      string
	Branch       string
	CommitSHA    string

	mu           sync.Mutex
	status       Status
	stageResults map[string]StageResult
	paused       chan struct{} // closed while not paused; replaced on pause
	cancelled    bool
	cancelReason string
	// trace is the most recently dispatched stage's span; each new stage
	// dispatch derives its envelope's trace from it via nextSpan, chaining
	// parent_span_id across the whole execution instead of generating an
	// unrelated trace per stage.
	trace trace.Context
}

// nextSpan derives and stores a new child span off the execution's current
// trace, guarding against concurrent stage dispatches in ModeParallel the
// same way setResult guards stageResults.
func (e *Execution) nextSpan() trace.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.trace = e.trace.NewSpan()
	return e.trace
}

// Status returns the execution's current lifecycle state.
func (e *Execution) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// StageResults returns a snapshot of every recorded stage result.
func (e *Execution) StageResults() map[string]StageResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]StageResult, len(e.stageResults))
	for k, v := range e.stageResults {
		out[k] = v
	}
	return out
}

func (e *Execution) setResult(stageID string, result StageResult) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.cancelled {
		e.stageResults[stageID] = result
	}
}

func (e *Execution) result(stageID string) (StageResult, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.stageResults[stageID]
	return r, ok
}

func (e *Execution) setStatus(status Status) {
	e.mu.Lock()
	e.status = status
	e.mu.Unlock()
}

func (e *Execution) isCancelled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelled
}

// waitIfPaused blocks until the execution is resumed, cancelled, or ctx is
// done.
func (e *Execution) waitIfPaused(ctx context.Context) {
	e.mu.Lock()
	ch := e.paused
	e.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case <-ch:
	case <-ctx.Done():
	}
}

// EventPublisher emits pipeline lifecycle events onto pipeline:updates (or
// an equivalent transport); Executor never constructs the envelope
// itself so callers can shape it to their bus of choice.
type EventPublisher interface {
	PublishPipelineEvent(ctx context.Context, eventType string, exec *Execution, detail map[string]any)
}

// TaskDispatcher is the subset of the agent dispatcher the executor needs:
// publish a task, and register exactly one result handler per workflow.
type TaskDispatcher interface {
	DispatchTask(ctx context.Context, env dispatcher.TaskEnvelope) error
	OnResult(workflowID string, handler dispatcher.ResultHandler, ttl time.Duration)
	OffResult(workflowID string)
}

// Executor runs pipeline definitions to completion, dispatching stage
// tasks through a TaskDispatcher and demultiplexing that dispatcher's
// single per-workflow result handler to the stage currently awaiting it —
// pipeline stages running in parallel share one workflow_id, so the
// dispatcher's one-handler-per-workflow contract is satisfied by
// registering once per execution and fanning results out internally by
// task id.
type Executor struct {
	dispatcher TaskDispatcher
	events     EventPublisher
	logger     *slog.Logger
	metrics    *metrics.Metrics

	mu         sync.Mutex
	executions map[string]*Execution
	waiters    map[string]map[string]chan dispatcher.ResultEnvelope // workflow_id -> task_id -> chan
}

// SetMetrics attaches a metrics handle the executor reports stage
// dispatch counts and durations to. Optional; a nil or never-set handle
// is a no-op.
func (e *Executor) SetMetrics(m *metrics.Metrics) {
	e.metrics = m
}

// New creates an Executor.
func New(d TaskDispatcher, events EventPublisher, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		dispatcher: d,
		events:     events,
		logger:     logger,
		executions: make(map[string]*Execution),
		waiters:    make(map[string]map[string]chan dispatcher.ResultEnvelope),
	}
}

// Start validates def, creates its execution record, publishes
// execution_started, and schedules the run in the background.
func (e *Executor) Start(ctx context.Context, def Definition, triggeredBy, trigger, branch, commitSHA string) (*Execution, error) {
	if err := Validate(def); err != nil {
		return nil, err
	}

	exec := &Execution{
		ID:           uuid.New().String(),
		PipelineID:   def.ID,
		WorkflowID:   def.WorkflowID,
		WorkflowType: def.WorkflowType,
		TriggeredBy:  triggeredBy,
		Trigger:      trigger,
		Branch:       branch,
		CommitSHA:    commitSHA,
		status:       StatusQueued,
		stageResults: make(map[string]StageResult),
		trace:        trace.New(),
	}

	e.mu.Lock()
	e.executions[exec.ID] = exec
	e.waiters[exec.WorkflowID] = make(map[string]chan dispatcher.ResultEnvelope)
	e.mu.Unlock()

	e.dispatcher.OnResult(exec.WorkflowID, e.demux, time.Duration(def.longestTimeout())*time.Millisecond)

	exec.setStatus(StatusRunning)
	e.publish(ctx, "execution_started", exec, nil)

	go e.run(ctx, exec, def)

	return exec, nil
}

func (d Definition) longestTimeout() int64 {
	var total int64
	for _, s := range d.Stages {
		if s.TimeoutMs > 0 {
			total += s.TimeoutMs
		} else {
			total += 300_000
		}
	}
	if total == 0 {
		return 3_600_000
	}
	return total
}

func (e *Executor) demux(_ context.Context, result dispatcher.ResultEnvelope) {
	e.mu.Lock()
	byTask := e.waiters[result.WorkflowID]
	var ch chan dispatcher.ResultEnvelope
	if byTask != nil {
		ch = byTask[result.TaskID]
	}
	e.mu.Unlock()

	if ch == nil {
		return
	}
	select {
	case ch <- result:
	default:
	}
}

func (e *Executor) awaitResult(workflowID, taskID string) chan dispatcher.ResultEnvelope {
	ch := make(chan dispatcher.ResultEnvelope, 1)
	e.mu.Lock()
	if e.waiters[workflowID] == nil {
		e.waiters[workflowID] = make(map[string]chan dispatcher.ResultEnvelope)
	}
	e.waiters[workflowID][taskID] = ch
	e.mu.Unlock()
	return ch
}

func (e *Executor) forgetResult(workflowID, taskID string) {
	e.mu.Lock()
	delete(e.waiters[workflowID], taskID)
	e.mu.Unlock()
}

func (e *Executor) publish(ctx context.Context, eventType string, exec *Execution, detail map[string]any) {
	if e.events == nil {
		return
	}
	e.events.PublishPipelineEvent(ctx, eventType, exec, detail)
}

// Pause stops scheduling new stages on exec; in-flight stages run to
// completion.
func (e *Executor) Pause(execID string) error {
	exec, err := e.get(execID)
	if err != nil {
		return err
	}
	exec.mu.Lock()
	if exec.status != StatusRunning {
		exec.mu.Unlock()
		return fmt.Errorf("pipeline: execution %q is not running", execID)
	}
	exec.status = StatusPaused
	exec.paused = make(chan struct{})
	exec.mu.Unlock()
	return nil
}

// Resume re-enters the scheduler for a paused execution.
func (e *Executor) Resume(execID string) error {
	exec, err := e.get(execID)
	if err != nil {
		return err
	}
	exec.mu.Lock()
	if exec.status != StatusPaused {
		exec.mu.Unlock()
		return fmt.Errorf("pipeline: execution %q is not paused", execID)
	}
	exec.status = StatusRunning
	close(exec.paused)
	exec.paused = nil
	exec.mu.Unlock()
	return nil
}

// Cancel marks exec cancelled, removes it from the active table, and
// publishes execution_failed with reason. In-flight stages are allowed to
// finish but their results are discarded.
func (e *Executor) Cancel(ctx context.Context, execID, reason string) error {
	exec, err := e.get(execID)
	if err != nil {
		return err
	}

	exec.mu.Lock()
	exec.cancelled = true
	exec.cancelReason = reason
	exec.status = StatusCancelled
	if exec.paused != nil {
		close(exec.paused)
		exec.paused = nil
	}
	exec.mu.Unlock()

	e.mu.Lock()
	delete(e.executions, execID)
	e.mu.Unlock()

	e.publish(ctx, "execution_failed", exec, map[string]any{"reason": reason, "cancelled": true})
	return nil
}

func (e *Executor) get(execID string) (*Execution, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	exec, ok := e.executions[execID]
	if !ok {
		return nil, fmt.Errorf("pipeline: unknown execution %q", execID)
	}
	return exec, nil
}

// run schedules def's stages to completion against exec, honoring
// ExecutionMode, dependency conditions, pause/resume, and cancellation.
func (e *Executor) run(ctx context.Context, exec *Execution, def Definition) {
	byID := make(map[string]Stage, len(def.Stages))
	remaining := make(map[string]Stage, len(def.Stages))
	for _, s := range def.Stages {
		byID[s.ID] = s
		remaining[s.ID] = s
	}

	limit := def.MaxParallelStages
	if limit <= 0 {
		limit = len(def.Stages)
	}
	if limit == 0 {
		limit = 1
	}

	type completion struct {
		stageID string
	}
	done := make(chan completion, len(def.Stages))
	inFlight := 0
	aborted := false

	for len(remaining) > 0 && !aborted {
		exec.waitIfPaused(ctx)
		if exec.isCancelled() {
			break
		}

		e.skipUnreachable(exec, remaining)
		if len(remaining) == 0 {
			break
		}

		eligible := e.eligibleStages(exec, remaining)
		sort.Slice(eligible, func(i, j int) bool { return eligible[i].ID < eligible[j].ID })

		if def.ExecutionMode == ModeSequential && len(eligible) > 1 {
			eligible = eligible[:1]
		}

		started := 0
		for _, s := range eligible {
			if inFlight >= limit {
				break
			}
			delete(remaining, s.ID)
			started++

			skip, err := evaluateSkipCondition(s.SkipCondition, stageResultsToCELInput(exec.StageResults()))
			if err != nil {
				e.logger.Warn("pipeline: skip_condition evaluation failed, running stage", slog.String("stage_id", s.ID), slog.String("error", err.Error()))
			}
			if skip {
				exec.setResult(s.ID, StageResult{Status: StageSkipped})
				e.publish(ctx, "stage_skipped", exec, map[string]any{"stage_id": s.ID, "stage_name": s.Name})
				continue
			}

			inFlight++
			stage := s
			go func() {
				e.runStage(ctx, exec, stage)
				done <- completion{stageID: stage.ID}
			}()
			if def.ExecutionMode == ModeSequential {
				break
			}
		}

		if started == 0 && inFlight == 0 {
			// Nothing eligible and nothing in flight: Validate already
			// rejected cycles, so this means every remaining stage has an
			// unsatisfiable required dependency condition.
			break
		}

		if inFlight == 0 {
			// Every stage selected this round was skip-conditioned away
			// rather than dispatched: nothing to wait on, re-evaluate
			// eligibility immediately.
			continue
		}

		c := <-done
		inFlight--

		if def.ExecutionMode == ModeSequential {
			if result, ok := exec.result(c.stageID); ok && result.Status == StageFailed {
				if !byID[c.stageID].ContinueOnFailure {
					aborted = true
				}
			}
		}
	}

	for inFlight > 0 {
		<-done
		inFlight--
	}

	for id := range remaining {
		exec.setResult(id, StageResult{Status: StageSkipped})
	}

	e.finalize(ctx, exec)
}

// skipUnreachable marks, as StageSkipped, every stage in remaining whose
// required dependencies have all completed but whose condition is not
// met — it can never become eligible.
func (e *Executor) skipUnreachable(exec *Execution, remaining map[string]Stage) {
	for id, s := range remaining {
		allTerminal := true
		satisfiable := true
		for _, dep := range s.Dependencies {
			if !dep.Required {
				continue
			}
			result, ok := exec.result(dep.StageID)
			if !ok || !terminal(result.Status) {
				allTerminal = false
				break
			}
			if !dependencySatisfied(dep, result) {
				satisfiable = false
			}
		}
		if allTerminal && !satisfiable {
			exec.setResult(id, StageResult{Status: StageSkipped})
			delete(remaining, id)
		}
	}
}

func (e *Executor) eligibleStages(exec *Execution, remaining map[string]Stage) []Stage {
	var eligible []Stage
	for _, s := range remaining {
		if stageEligible(exec, s) {
			eligible = append(eligible, s)
		}
	}
	return eligible
}

func stageEligible(exec *Execution, s Stage) bool {
	for _, dep := range s.Dependencies {
		if !dep.Required {
			continue
		}
		result, ok := exec.result(dep.StageID)
		if !ok || !terminal(result.Status) {
			return false
		}
		if !dependencySatisfied(dep, result) {
			return false
		}
	}
	return true
}

func dependencySatisfied(dep Dependency, result StageResult) bool {
	switch dep.Condition {
	case ConditionFailure:
		return result.Status == StageFailed
	case ConditionAny:
		return true
	case ConditionSuccess, "":
		return result.Status == StageSuccess
	default:
		return false
	}
}

// runStage dispatches s's task, waits for its result (or timeout),
// evaluates quality gates, and records the stage's outcome.
func (e *Executor) runStage(ctx context.Context, exec *Execution, s Stage) {
	start := time.Now()
	e.publish(ctx, "stage_started", exec, map[string]any{"stage_id": s.ID, "stage_name": s.Name})

	timeout := time.Duration(s.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	stageCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	taskID := uuid.New().String()
	resultCh := e.awaitResult(exec.WorkflowID, taskID)
	defer e.forgetResult(exec.WorkflowID, taskID)

	if e.metrics != nil {
		e.metrics.StagesDispatched.WithLabelValues(s.AgentType).Inc()
	}

	err := e.dispatcher.DispatchTask(stageCtx, dispatcher.TaskEnvelope{
		TaskID:          taskID,
		WorkflowID:      exec.WorkflowID,
		AgentType:       s.AgentType,
		Priority:        dispatcher.PriorityNormal,
		Payload:         map[string]any{"action": s.Action, "parameters": s.Parameters},
		Constraints:     dispatcher.Constraints{TimeoutMs: s.TimeoutMs},
		WorkflowContext: map[string]any{"current_stage": s.ID},
		Trace:           exec.nextSpan(),
	})
	if err != nil {
		e.recordFailure(ctx, exec, s, start, "DISPATCH_ERROR", err.Error())
		return
	}

	select {
	case result := <-resultCh:
		e.recordAgentResult(ctx, exec, s, start, result)
	case <-stageCtx.Done():
		e.recordFailure(ctx, exec, s, start, "TIMEOUT", "stage execution exceeded its deadline")
	}
}

func (e *Executor) recordAgentResult(ctx context.Context, exec *Execution, s Stage, start time.Time, result dispatcher.ResultEnvelope) {
	if result.Status == dispatcher.ResultFailed || result.Status == dispatcher.ResultTimeout || result.Status == dispatcher.ResultCanceled {
		code, message := "AGENT_EXECUTION_ERROR", "agent reported failure"
		if result.Error != nil {
			code, message = result.Error.Code, result.Error.Message
		}
		e.recordFailure(ctx, exec, s, start, code, message)
		return
	}

	if len(s.QualityGates) > 0 {
		gateResult := qualitygate.EvaluateAll(s.QualityGates, result.Result.Data)
		if !gateResult.Passed {
			e.recordFailureWithDetail(ctx, exec, s, start, "QUALITY_GATE", "blocking quality gate failed", map[string]any{"gate_results": gateResult.Results})
			return
		}
	}

	stageResult := StageResult{
		Status:      StageSuccess,
		Output:      result.Result.Data,
		Artifacts:   result.Result.Artifacts,
		StartedAt:   start,
		CompletedAt: time.Now(),
	}

	if decisiongate.ShouldEvaluateDecision(s.Name) {
		decision := decisiongate.Evaluate(decisiongate.CategoryFor(s.Name, exec.WorkflowType), stageConfidence(result.Result.Data), "")
		stageResult.Decision = &decision
		if decision.RequiresHumanApproval {
			e.publish(ctx, "decision_pending", exec, map[string]any{"stage_id": s.ID, "stage_name": s.Name, "category": decision.Category})
		}
		if decision.ShouldEscalate {
			e.publish(ctx, "decision_escalated", exec, map[string]any{"stage_id": s.ID, "stage_name": s.Name, "route": decision.EscalationRoute})
		}
	}

	exec.setResult(s.ID, stageResult)
	if e.metrics != nil {
		e.metrics.StageDuration.WithLabelValues(s.AgentType, "success").Observe(time.Since(start).Seconds())
	}
	e.publish(ctx, "stage_completed", exec, map[string]any{"stage_id": s.ID, "stage_name": s.Name})
}

// stageConfidence reads a "confidence" field from a stage's output data,
// defaulting to full confidence when the agent didn't report one.
func stageConfidence(data map[string]any) float64 {
	v, ok := data["confidence"]
	if !ok {
		return 1.0
	}
	f, ok := v.(float64)
	if !ok {
		return 1.0
	}
	return f
}

func (e *Executor) recordFailure(ctx context.Context, exec *Execution, s Stage, start time.Time, code, message string) {
	e.recordFailureWithDetail(ctx, exec, s, start, code, message, nil)
}

func (e *Executor) recordFailureWithDetail(ctx context.Context, exec *Execution, s Stage, start time.Time, code, message string, detail map[string]any) {
	exec.setResult(s.ID, StageResult{
		Status:      StageFailed,
		Error:       &StageError{Code: code, Message: message},
		StartedAt:   start,
		CompletedAt: time.Now(),
	})
	event := map[string]any{"stage_id": s.ID, "stage_name": s.Name, "error_code": code, "error_message": message}
	for k, v := range detail {
		event[k] = v
	}
	if e.metrics != nil {
		e.metrics.StageDuration.WithLabelValues(s.AgentType, "failure").Observe(time.Since(start).Seconds())
		if code == "QUALITY_GATE" {
			results, _ := detail["gate_results"].([]qualitygate.GateResult)
			for _, r := range results {
				if r.Blocking && !r.Passed {
					e.metrics.QualityGateFailures.WithLabelValues(r.GateName).Inc()
				}
			}
		}
	}
	e.publish(ctx, "stage_failed", exec, event)
}

func (e *Executor) finalize(ctx context.Context, exec *Execution) {
	e.dispatcher.OffResult(exec.WorkflowID)

	if exec.isCancelled() {
		return
	}

	status := StatusSuccess
	for _, result := range exec.StageResults() {
		if result.Status == StageFailed {
			status = StatusFailed
			break
		}
	}
	exec.setStatus(status)

	e.mu.Lock()
	delete(e.executions, exec.ID)
	delete(e.waiters, exec.WorkflowID)
	e.mu.Unlock()

	if status == StatusSuccess {
		e.publish(ctx, "execution_completed", exec, nil)
	} else {
		e.publish(ctx, "execution_failed", exec, nil)
	}
}
