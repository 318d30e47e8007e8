package prompts

// GeneratorSystemPrompt returns the instruction for the code generation role.
func GeneratorSystemPrompt() string {
	return "You are a Generation Agent. Write the code exactly as the plan describes it. Output only the code, with the comments it needs."
}

// GeneratorPrompt renders the generation prompt.
func GeneratorPrompt(plan string) string {
	return Render(GeneratorSystemPrompt(), []Section{
		{Label: LabelPlan, Body: plan},
	}, LabelCode)
}
