package pipeline

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

var (
	skipEnvOnce sync.Once
	skipEnv     *cel.Env
	skipEnvErr  error
)

func conditionEnv() (*cel.Env, error) {
	skipEnvOnce.Do(func() {
		skipEnv, skipEnvErr = cel.NewEnv(cel.Variable("stages", cel.MapType(cel.StringType, cel.DynType)))
	})
	return skipEnv, skipEnvErr
}

// stageResultsToCELInput flattens a StageResult map into the plain
// map[string]any shape evaluateSkipCondition's CEL program reads stage
// output and status from.
func stageResultsToCELInput(results map[string]StageResult) map[string]any {
	out := make(map[string]any, len(results))
	for id, r := range results {
		out[id] = map[string]any{
			"status": string(r.Status),
			"output": r.Output,
		}
	}
	return out
}

// evaluateSkipCondition compiles and evaluates expr, a CEL boolean
// expression over a "stages" map keyed by stage id (each entry exposing
// "status" and "output"), against stages — the accumulated results of
// every stage that has completed so far in this execution. An empty expr
// never skips.
func evaluateSkipCondition(expr string, stages map[string]any) (bool, error) {
	if expr == "" {
		return false, nil
	}

	env, err := conditionEnv()
	if err != nil {
		return false, fmt.Errorf("pipeline: cel environment: %w", err)
	}

	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return false, fmt.Errorf("pipeline: compile skip_condition %q: %w", expr, iss.Err())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return false, fmt.Errorf("pipeline: build skip_condition program: %w", err)
	}

	out, _, err := prg.Eval(map[string]any{"stages": stages})
	if err != nil {
		return false, fmt.Errorf("pipeline: eval skip_condition %q: %w", expr, err)
	}

	skip, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("pipeline: skip_condition %q did not evaluate to a bool", expr)
	}
	return skip, nil
}
