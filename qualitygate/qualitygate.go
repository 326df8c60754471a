// Package qualitygate evaluates named predicates over a stage result
// document, short-circuiting a pipeline stage on a blocking failure. It
// reuses jsonpath's dotted-path resolution (no bracket syntax needed here)
// the way the teacher's workflow/validation package reuses a single
// Validator shape across document types.
package qualitygate

import (
	"fmt"
	"strconv"

	"github.com/pipeforge/conductor/jsonpath"
)

// Operator is a gate's comparison operator.
type Operator string

const (
	OpEqual        Operator = "=="
	OpNotEqual     Operator = "!="
	OpLessThan     Operator = "<"
	OpLessEqual    Operator = "<="
	OpGreaterThan  Operator = ">"
	OpGreaterEqual Operator = ">="
)

// Gate is a single named predicate over a stage result document.
type Gate struct {
	Name      string   `yaml:"name" json:"name"`
	Metric    string   `yaml:"metric" json:"metric"`
	Operator  Operator `yaml:"operator" json:"operator"`
	Threshold any      `yaml:"threshold" json:"threshold"`
	Blocking  bool     `yaml:"blocking" json:"blocking"`
}

// GateResult is one gate's outcome within an EvaluateAll call.
type GateResult struct {
	GateName    string `json:"gate_name"`
	Passed      bool   `json:"passed"`
	ActualValue any    `json:"actual_value"`
	Threshold   any    `json:"threshold"`
	Blocking    bool   `json:"blocking"`
}

// Result is the aggregate of a policy's gates against one document.
type Result struct {
	Passed  bool         `json:"passed"`
	Results []GateResult `json:"results"`
}

// Evaluate resolves gate.Metric in data by dot-path and applies the
// operator. A missing, null, or undefined value always fails the gate,
// regardless of operator. Numeric strings are coerced before comparison.
func Evaluate(gate Gate, data map[string]any) bool {
	actual := jsonpath.GetValueByPath(data, gate.Metric)
	if actual == nil {
		return false
	}
	return compare(actual, gate.Operator, gate.Threshold)
}

func compare(actual any, op Operator, threshold any) bool {
	if op == OpEqual || op == OpNotEqual {
		eq := looseEqual(actual, threshold)
		if op == OpEqual {
			return eq
		}
		return !eq
	}

	a, aOK := toFloat(actual)
	t, tOK := toFloat(threshold)
	if !aOK || !tOK {
		return false
	}

	switch op {
	case OpLessThan:
		return a < t
	case OpLessEqual:
		return a <= t
	case OpGreaterThan:
		return a > t
	case OpGreaterEqual:
		return a >= t
	default:
		return false
	}
}

func looseEqual(actual, threshold any) bool {
	if af, aOK := toFloat(actual); aOK {
		if tf, tOK := toFloat(threshold); tOK {
			return af == tf
		}
	}
	return fmt.Sprintf("%v", actual) == fmt.Sprintf("%v", threshold)
}

// toFloat coerces bools and numeric strings alongside native numeric
// types, matching the original implementation's treatment of boolean
// metrics as 1/0.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// EvaluateAll evaluates every gate in gates against data. The aggregate
// Passed is true iff every blocking gate passed; non-blocking failures are
// recorded but never fail the aggregate.
func EvaluateAll(gates []Gate, data map[string]any) Result {
	result := Result{Passed: true, Results: make([]GateResult, 0, len(gates))}

	for _, gate := range gates {
		passed := Evaluate(gate, data)
		result.Results = append(result.Results, GateResult{
			GateName:    gate.Name,
			Passed:      passed,
			ActualValue: jsonpath.GetValueByPath(data, gate.Metric),
			Threshold:   gate.Threshold,
			Blocking:    gate.Blocking,
		})
		if gate.Blocking && !passed {
			result.Passed = false
		}
	}

	return result
}
