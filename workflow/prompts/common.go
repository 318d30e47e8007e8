package prompts

import "strings"

// Pipeline roles.
const (
	RoleReasoner  = "reasoner"
	RolePlanner   = "planner"
	RoleGenerator = "generator"
	RoleReviewer  = "reviewer"
)

// Roles describes each pipeline role.
var Roles = map[string]string{
	RoleReasoner:  "Analyses the user's request and states the intent",
	RolePlanner:   "Turns the analysis into a step-by-step implementation plan",
	RoleGenerator: "Writes the code described by the plan",
	RoleReviewer:  "Reviews the generated code against the analysed intent",
}

// RoleOrder is the fixed order in which the pipeline runs the roles.
var RoleOrder = []string{RoleReasoner, RolePlanner, RoleGenerator, RoleReviewer}

// SystemPrompt returns the fixed instruction text for a role.
func SystemPrompt(role string) string {
	switch role {
	case RoleReasoner:
		return ReasonerSystemPrompt()
	case RolePlanner:
		return PlannerSystemPrompt()
	case RoleGenerator:
		return GeneratorSystemPrompt()
	case RoleReviewer:
		return ReviewerSystemPrompt()
	default:
		return ""
	}
}

// RoleForPrompt identifies which role rendered a prompt from its leading
// instruction text. Returns "" for prompts not produced by this package.
func RoleForPrompt(prompt string) string {
	for _, role := range RoleOrder {
		if strings.HasPrefix(prompt, SystemPrompt(role)) {
			return role
		}
	}
	return ""
}

// OutputLabel returns the label a role's output follows in its prompt.
func OutputLabel(role string) string {
	switch role {
	case RoleReasoner:
		return LabelAnalysis
	case RolePlanner:
		return LabelPlan
	case RoleGenerator:
		return LabelCode
	case RoleReviewer:
		return LabelReview
	default:
		return ""
	}
}

// Template labels.
const (
	LabelUserInput     = "User Input"
	LabelContext       = "Context"
	LabelAnalysis      = "Analysis"
	LabelPlan          = "Plan"
	LabelCode          = "Code"
	LabelIntent        = "Intent"
	LabelGeneratedCode = "Generated Code"
	LabelReview        = "Review"
)
