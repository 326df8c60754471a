// Package decisiongate classifies a proposed action into one of a fixed
// set of categories and decides whether it auto-approves, requires human
// approval, or escalates — the counterpart to qualitygate's numeric
// predicates for judgment calls expressed as a confidence score.
package decisiongate

import "strings"

// Category is a proposed action's classification.
type Category string

const (
	CategoryTechnicalRefactor  Category = "technical_refactor"
	CategoryCostImpacting      Category = "cost_impacting"
	CategorySecurityAffecting Category = "security_affecting"
	CategoryArchitecturalChange Category = "architectural_change"
	CategoryDataMigration      Category = "data_migration"
)

// requiredConfidence is each category's auto-approval threshold.
var requiredConfidence = map[Category]float64{
	CategoryTechnicalRefactor:   0.85,
	CategoryCostImpacting:       0.92,
	CategorySecurityAffecting:   1.00,
	CategoryArchitecturalChange: 0.90,
	CategoryDataMigration:       0.95,
}

// alwaysHumanApproval is the set of categories that require human approval
// regardless of confidence.
var alwaysHumanApproval = map[Category]bool{
	CategoryCostImpacting:       true,
	CategorySecurityAffecting:   true,
	CategoryArchitecturalChange: true,
	CategoryDataMigration:       true,
}

// escalationThreshold is the confidence floor below which a decision must
// escalate regardless of category.
const escalationThreshold = 0.80

// Decision is the outcome of evaluating a proposed action.
type Decision struct {
	Category            Category `json:"category"`
	Confidence          float64  `json:"confidence"`
	AutoApproved        bool     `json:"auto_approved"`
	RequiresHumanApproval bool   `json:"requires_human_approval"`
	ShouldEscalate       bool    `json:"should_escalate"`
	EscalationRoute      string  `json:"escalation_route,omitempty"`
}

// DefaultEscalationRoute is the route an escalated decision gets when
// Evaluate's route argument is empty.
const DefaultEscalationRoute = "human-review"

// Evaluate classifies and decides on a proposed action of category with
// the given confidence ∈ [0,1]. Thresholds are inclusive at both
// boundaries.
func Evaluate(category Category, confidence float64, route string) Decision {
	if route == "" {
		route = DefaultEscalationRoute
	}

	threshold, known := requiredConfidence[category]
	if !known {
		category = CategoryTechnicalRefactor
		threshold = requiredConfidence[category]
	}

	d := Decision{Category: category, Confidence: confidence}

	if alwaysHumanApproval[category] {
		d.RequiresHumanApproval = true
	} else {
		d.AutoApproved = confidence >= threshold
		d.RequiresHumanApproval = !d.AutoApproved
	}

	if confidence < escalationThreshold {
		d.ShouldEscalate = true
		d.EscalationRoute = route
	}

	return d
}

// CategoryFor maps a workflow stage and workflow type to a decision
// category, per the spec's fixed routing table.
func CategoryFor(stage, workflowType string) Category {
	switch stage {
	case "scaffolding":
		return CategoryArchitecturalChange
	case "deployment":
		if workflowType == "app" {
			return CategoryCostImpacting
		}
		return CategoryTechnicalRefactor
	case "integration":
		return CategoryArchitecturalChange
	case "migration":
		return CategoryDataMigration
	default:
		return CategoryTechnicalRefactor
	}
}

// ShouldEvaluateDecision reports whether stage requires a decision-gate
// evaluation at all.
func ShouldEvaluateDecision(stage string) bool {
	switch stage {
	case "scaffolding", "deployment", "integration", "migration":
		return true
	default:
		return false
	}
}

// ShouldEvaluateClarification reports whether stage requires a
// clarification evaluation.
func ShouldEvaluateClarification(stage string) bool {
	switch stage {
	case "initialization", "requirements_analysis":
		return true
	default:
		return false
	}
}

// ambiguityLexicon is the fixed set of tokens that mark requirements text
// as ambiguous, case-insensitively matched as substrings.
var ambiguityLexicon = []string{
	"maybe", "might", "could", "probably", "possibly", "perhaps", "somewhat",
	"several", "few", "some", "unclear", "ambiguous", "tbd", "to be determined",
	"not sure",
}

// minRequirementsLength is the shortest trimmed requirements text that
// does not, by itself, trigger a clarification.
const minRequirementsLength = 20

// ClarificationInput bundles the signals clarification evaluation
// considers.
type ClarificationInput struct {
	Requirements       string
	AcceptanceCriteria string
	Confidence         float64
}

// clarificationConfidenceFloor is the confidence below which clarification
// is always triggered, independent of the text itself.
const clarificationConfidenceFloor = 0.70

// NeedsClarification reports whether in triggers a clarification request.
func NeedsClarification(in ClarificationInput) bool {
	if in.Confidence < clarificationConfidenceFloor {
		return true
	}
	if strings.TrimSpace(in.AcceptanceCriteria) == "" {
		return true
	}
	trimmed := strings.TrimSpace(in.Requirements)
	if len(trimmed) < minRequirementsLength {
		return true
	}

	lower := strings.ToLower(in.Requirements)
	for _, token := range ambiguityLexicon {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}
