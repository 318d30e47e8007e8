package prompts

// PlannerSystemPrompt returns the instruction for the planning role.
func PlannerSystemPrompt() string {
	return "You are a Planning Agent. From the analysis of the user's intent, write a detailed step-by-step plan for generating the code and name every component it needs."
}

// PlannerPrompt renders the planning prompt.
func PlannerPrompt(analysis string) string {
	return Render(PlannerSystemPrompt(), []Section{
		{Label: LabelAnalysis, Body: analysis},
	}, LabelPlan)
}
