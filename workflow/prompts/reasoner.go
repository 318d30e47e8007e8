package prompts

// ReasonerSystemPrompt returns the instruction for the reasoning role.
func ReasonerSystemPrompt() string {
	return "You are a Reasoning Agent. Analyze the user's request and work out what they are asking for. State the user's intent clearly and concisely."
}

// ReasonerPrompt renders the reasoning prompt. contextCode may be empty.
func ReasonerPrompt(userInput, contextCode string) string {
	return Render(ReasonerSystemPrompt(), []Section{
		{Label: LabelUserInput, Body: userInput},
		{Label: LabelContext, Body: contextCode},
	}, LabelAnalysis)
}
