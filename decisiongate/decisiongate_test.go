package decisiongate

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEvaluate_TechnicalRefactorAutoApprovesAtThreshold(t *testing.T) {
	d := Evaluate(CategoryTechnicalRefactor, 0.85, "")
	assert.True(t, d.AutoApproved)
	assert.False(t, d.RequiresHumanApproval)
}

func TestEvaluate_TechnicalRefactorJustBelowThresholdDoesNotAutoApprove(t *testing.T) {
	d := Evaluate(CategoryTechnicalRefactor, 0.84, "")
	assert.False(t, d.AutoApproved)
	assert.True(t, d.RequiresHumanApproval)
}

func TestEvaluate_AlwaysHumanCategoriesNeverAutoApprove(t *testing.T) {
	for _, cat := range []Category{CategoryCostImpacting, CategorySecurityAffecting, CategoryArchitecturalChange, CategoryDataMigration} {
		d := Evaluate(cat, 1.0, "")
		assert.False(t, d.AutoApproved, "category %s must never auto-approve", cat)
		assert.True(t, d.RequiresHumanApproval, "category %s always requires human approval", cat)
	}
}

func TestEvaluate_EscalationBoundaryIsInclusive(t *testing.T) {
	at := Evaluate(CategoryTechnicalRefactor, 0.80, "")
	assert.False(t, at.ShouldEscalate, "confidence 0.80 must not escalate")

	below := Evaluate(CategoryTechnicalRefactor, 0.79, "")
	assert.True(t, below.ShouldEscalate)
	assert.Equal(t, DefaultEscalationRoute, below.EscalationRoute)
}

func TestEvaluate_CustomEscalationRoute(t *testing.T) {
	d := Evaluate(CategoryTechnicalRefactor, 0.1, "security-team")
	assert.Equal(t, "security-team", d.EscalationRoute)
}

func TestEvaluate_UnknownCategoryFallsBackToTechnicalRefactor(t *testing.T) {
	d := Evaluate(Category("bogus"), 0.9, "")
	assert.Equal(t, CategoryTechnicalRefactor, d.Category)
}

func TestCategoryFor_MatchesRoutingTable(t *testing.T) {
	tests := []struct {
		stage, workflowType string
		want                Category
	}{
		{"scaffolding", "app", CategoryArchitecturalChange},
		{"deployment", "app", CategoryCostImpacting},
		{"deployment", "library", CategoryTechnicalRefactor},
		{"integration", "app", CategoryArchitecturalChange},
		{"migration", "app", CategoryDataMigration},
		{"unknown_stage", "app", CategoryTechnicalRefactor},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CategoryFor(tt.stage, tt.workflowType), "stage=%s workflowType=%s", tt.stage, tt.workflowType)
	}
}

func TestShouldEvaluateDecision(t *testing.T) {
	for _, stage := range []string{"scaffolding", "deployment", "integration", "migration"} {
		assert.True(t, ShouldEvaluateDecision(stage), stage)
	}
	assert.False(t, ShouldEvaluateDecision("validation"))
}

func TestShouldEvaluateClarification(t *testing.T) {
	assert.True(t, ShouldEvaluateClarification("initialization"))
	assert.True(t, ShouldEvaluateClarification("requirements_analysis"))
	assert.False(t, ShouldEvaluateClarification("deployment"))
}

func TestNeedsClarification_LowConfidenceAlwaysTriggers(t *testing.T) {
	in := ClarificationInput{Requirements: "a clear and unambiguous requirement of sufficient length", AcceptanceCriteria: "criteria", Confidence: 0.69}
	assert.True(t, NeedsClarification(in))
}

func TestNeedsClarification_EmptyAcceptanceCriteriaTriggers(t *testing.T) {
	in := ClarificationInput{Requirements: "a clear and unambiguous requirement of sufficient length", AcceptanceCriteria: "", Confidence: 0.9}
	assert.True(t, NeedsClarification(in))
}

func TestNeedsClarification_ShortRequirementsTriggers(t *testing.T) {
	in := ClarificationInput{Requirements: "too short", AcceptanceCriteria: "criteria", Confidence: 0.9}
	assert.True(t, NeedsClarification(in))
}

func TestNeedsClarification_AmbiguityLexiconTriggers(t *testing.T) {
	in := ClarificationInput{Requirements: "we could maybe add several options here for some users", AcceptanceCriteria: "criteria", Confidence: 0.9}
	assert.True(t, NeedsClarification(in))
}

func TestNeedsClarification_ClearRequirementsDoNotTrigger(t *testing.T) {
	in := ClarificationInput{Requirements: "the system shall reject any request missing the authorization header", AcceptanceCriteria: "a 401 is returned", Confidence: 0.9}
	assert.False(t, NeedsClarification(in))
}
