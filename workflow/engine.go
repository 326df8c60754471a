package workflow

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/pipeforge/conductor/trace"
)

// New validates def and returns it unchanged if every invariant holds:
// start_stage exists, every on_success/on_failure transition target
// exists, and every stage has a non-empty name and agent_type.
func New(def Definition) (Definition, error) {
	if def.StartStage == "" {
		return def, &ValidationError{Field: "start_stage", Message: "must be set"}
	}
	if _, ok := def.Stages[def.StartStage]; !ok {
		return def, &ValidationError{Field: "start_stage", Message: fmt.Sprintf("stage %q does not exist", def.StartStage)}
	}

	for name, stage := range def.Stages {
		if name == "" {
			return def, &ValidationError{Field: "stages", Message: "stage name must not be empty"}
		}
		if stage.AgentType == "" {
			return def, &ValidationError{Field: fmt.Sprintf("stages.%s.agent_type", name), Message: "must be set"}
		}
		if stage.OnSuccess != "" {
			if _, ok := def.Stages[stage.OnSuccess]; !ok {
				return def, &ValidationError{Field: fmt.Sprintf("stages.%s.on_success", name), Message: fmt.Sprintf("target stage %q does not exist", stage.OnSuccess)}
			}
		}
		if stage.OnFailure != "" {
			if _, ok := def.Stages[stage.OnFailure]; !ok {
				return def, &ValidationError{Field: fmt.Sprintf("stages.%s.on_failure", name), Message: fmt.Sprintf("target stage %q does not exist", stage.OnFailure)}
			}
		}
		if stage.TimeoutMs < 0 {
			return def, &ValidationError{Field: fmt.Sprintf("stages.%s.timeout_ms", name), Message: "must be > 0"}
		}
		if stage.MaxRetries < 0 {
			return def, &ValidationError{Field: fmt.Sprintf("stages.%s.max_retries", name), Message: "must be >= 0"}
		}
	}

	switch def.RetryStrategy {
	case "", RetryExponential, RetryLinear, RetryImmediate:
	default:
		return def, &ValidationError{Field: "retry_strategy", Message: fmt.Sprintf("unknown strategy %q", def.RetryStrategy)}
	}

	switch def.OnFailure {
	case "", OnFailureStop, OnFailureContinue, OnFailureSkip:
	default:
		return def, &ValidationError{Field: "on_failure", Message: fmt.Sprintf("unknown policy %q", def.OnFailure)}
	}

	return def, nil
}

// GetNextStage maps a completed stage's outcome to the next stage name, or
// "" if the workflow terminates here. success follows on_success; failure,
// timeout, and unknown follow on_failure.
func GetNextStage(def Definition, current string, outcome Outcome) (string, error) {
	stage, ok := def.Stages[current]
	if !ok {
		return "", &ValidationError{Field: "current_stage", Message: fmt.Sprintf("stage %q does not exist", current)}
	}

	if outcome == OutcomeSuccess {
		return stage.OnSuccess, nil
	}
	return stage.OnFailure, nil
}

// GetParallelEligibleStages returns the names of stages marked parallel
// that have no recorded result yet, capped at def.MaxParallel(). It does
// not check whether a stage has been reached by a transition from a
// completed stage. Names are returned in sorted order for determinism.
func GetParallelEligibleStages(ctx Context) []string {
	def := ctx.Definition
	limit := def.MaxParallel()

	var eligible []string
	for name, stage := range def.Stages {
		if !stage.Parallel {
			continue
		}
		if _, done := ctx.StageResults[name]; done {
			continue
		}
		eligible = append(eligible, name)
	}

	sort.Strings(eligible)
	if len(eligible) > limit {
		eligible = eligible[:limit]
	}
	return eligible
}

// CalculateRetryBackoff implements the three retry strategies:
// exponential min(1000*2^(attempt-1), 60000), linear min(1000*attempt,
// 60000), immediate 0.
func CalculateRetryBackoff(attempt int, strategy RetryStrategy) time.Duration {
	switch strategy {
	case RetryLinear:
		ms := math.Min(1000*float64(attempt), float64(MaxRetryBackoff/time.Millisecond))
		return time.Duration(ms) * time.Millisecond
	case RetryImmediate:
		return 0
	case RetryExponential:
		fallthrough
	default:
		ms := math.Min(1000*math.Pow(2, float64(attempt-1)), float64(MaxRetryBackoff/time.Millisecond))
		return time.Duration(ms) * time.Millisecond
	}
}

// CalculateProgress returns the percentage of work done, in [0,100]. If
// any stage in the definition declares a weight, progress is the weighted
// sum of completed stages over the total weight; otherwise it's an even
// split across all stages.
func CalculateProgress(def Definition, completedStages []string) int {
	total := len(def.Stages)
	if total == 0 {
		return 100
	}

	hasWeights := false
	for _, s := range def.Stages {
		if s.Weight > 0 {
			hasWeights = true
			break
		}
	}

	completed := make(map[string]bool, len(completedStages))
	for _, name := range completedStages {
		completed[name] = true
	}

	var completedWeight, totalWeight float64
	if hasWeights {
		for name, s := range def.Stages {
			w := s.Weight
			if w <= 0 {
				w = 1
			}
			totalWeight += w
			if completed[name] {
				completedWeight += w
			}
		}
	} else {
		totalWeight = float64(total)
		completedWeight = float64(len(completed))
	}

	if totalWeight == 0 {
		return 0
	}

	pct := int(math.Round(100 * completedWeight / totalWeight))
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	return pct
}

// ValidateConstraints checks a Context against the engine's runtime
// invariants: elapsed time within global_timeout_ms, current_stage
// exists, and the workflow has actually started.
func ValidateConstraints(ctx Context) (bool, []string) {
	var errs []string

	if ctx.Metadata.StartedAt.IsZero() {
		errs = append(errs, "workflow has not started")
	} else if time.Since(ctx.Metadata.StartedAt) > ctx.Definition.GlobalTimeout() {
		errs = append(errs, fmt.Sprintf("elapsed time exceeds global_timeout_ms of %s", ctx.Definition.GlobalTimeout()))
	}

	if ctx.CurrentStage != "" {
		if _, ok := ctx.Definition.Stages[ctx.CurrentStage]; !ok {
			errs = append(errs, fmt.Sprintf("current_stage %q does not exist", ctx.CurrentStage))
		}
	}

	return len(errs) == 0, errs
}

// CreateInitialContext builds the Context a new workflow execution starts
// with: current_stage set to the definition's start_stage, an empty
// stage_results table, and started_at stamped to now.
func CreateInitialContext(workflowID string, def Definition, inputData map[string]any) Context {
	return Context{
		WorkflowID:   workflowID,
		Definition:   def,
		CurrentStage: def.StartStage,
		StageResults: make(map[string]StageResult),
		InputData:    inputData,
		Metadata:     Metadata{StartedAt: time.Now().UTC()},
		Trace:        trace.New(),
	}
}

// RecordStageResult writes result for stage into ctx, returning an error
// if a result was already recorded for that stage — a second completion
// path for the same stage indicates a bug upstream, not a legitimate
// overwrite.
func RecordStageResult(ctx *Context, stage string, result StageResult) error {
	if ctx.StageResults == nil {
		ctx.StageResults = make(map[string]StageResult)
	}
	if _, exists := ctx.StageResults[stage]; exists {
		return &ValidationError{Field: "stage_results", Message: fmt.Sprintf("stage %q already has a recorded result", stage)}
	}
	ctx.StageResults[stage] = result
	return nil
}

// BuildWorkflowResult assembles the terminal Result for ctx, applying
// data_flow.output_mapping if the definition declares one. Each mapping
// entry "key" -> "stage.field" is resolved by a direct dotted lookup into
// ctx.StageResults[stage].Output[field], not a full JSONPath expression.
func BuildWorkflowResult(ctx Context, outcome Outcome) Result {
	completed := make([]string, 0, len(ctx.StageResults))
	for name, r := range ctx.StageResults {
		if r.Outcome == OutcomeSuccess {
			completed = append(completed, name)
		}
	}

	result := Result{
		WorkflowID: ctx.WorkflowID,
		Outcome:    outcome,
		Progress:   CalculateProgress(ctx.Definition, completed),
	}

	if ctx.Definition.DataFlow == nil || len(ctx.Definition.DataFlow.OutputMapping) == 0 {
		return result
	}

	result.Data = make(map[string]any, len(ctx.Definition.DataFlow.OutputMapping))
	for key, path := range ctx.Definition.DataFlow.OutputMapping {
		stageName, field, ok := strings.Cut(path, ".")
		if !ok {
			continue
		}
		stageResult, ok := ctx.StageResults[stageName]
		if !ok || stageResult.Output == nil {
			continue
		}
		if v, ok := stageResult.Output[field]; ok {
			result.Data[key] = v
		}
	}

	return result
}

// AgentRegistry resolves an agent_type to whether an agent capable of
// handling it is currently registered. The caller of ValidateExecution
// supplies the implementation; no type in this module provides one.
type AgentRegistry interface {
	HasAgentType(agentType string) bool
	AgentTypes() []string
}

// ExecutionValidation is the result of ValidateExecution.
type ExecutionValidation struct {
	Valid         bool
	MissingAgents []string
	Suggestions   map[string]string
}

// ValidateExecution checks that every agent_type referenced by def's
// stages is resolvable in registry. platformID is accepted for parity
// with the interface other ports use but is not consulted directly here —
// registry scoping by platform is the registry's responsibility.
func ValidateExecution(def Definition, registry AgentRegistry, platformID string) ExecutionValidation {
	_ = platformID

	seen := make(map[string]bool)
	var missing []string
	for _, stage := range def.Stages {
		if seen[stage.AgentType] {
			continue
		}
		seen[stage.AgentType] = true
		if !registry.HasAgentType(stage.AgentType) {
			missing = append(missing, stage.AgentType)
		}
	}

	sort.Strings(missing)

	validation := ExecutionValidation{
		Valid:         len(missing) == 0,
		MissingAgents: missing,
	}
	if len(missing) > 0 {
		validation.Suggestions = suggestAgentTypes(missing, registry.AgentTypes())
	}
	return validation
}

// suggestAgentTypes offers a did-you-mean suggestion for each missing
// agent type, picking the closest known type by edit distance.
func suggestAgentTypes(missing, known []string) map[string]string {
	if len(known) == 0 {
		return nil
	}

	suggestions := make(map[string]string, len(missing))
	for _, want := range missing {
		best := ""
		bestDist := math.MaxInt
		for _, candidate := range known {
			d := levenshtein(want, candidate)
			if d < bestDist {
				bestDist = d
				best = candidate
			}
		}
		if best != "" && bestDist <= max(2, len(want)/2) {
			suggestions[want] = best
		}
	}
	if len(suggestions) == 0 {
		return nil
	}
	return suggestions
}

func levenshtein(a, b string) int {
	if a == b {
		return 0
	}
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, min(curr[j-1]+1, prev[j-1]+cost))
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}
