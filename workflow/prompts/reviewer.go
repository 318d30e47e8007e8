package prompts

// ReviewerApproval is the phrase the reviewer is told to use when it finds no problems.
const ReviewerApproval = "Code looks good"

// ReviewerSystemPrompt returns the instruction for the review role.
func ReviewerSystemPrompt() string {
	return "You are a Reviewer Agent. Review the generated code against the user's intent. Look for logic errors, syntax issues and possible improvements. If the code is good, say '" + ReviewerApproval + "'."
}

// ReviewerPrompt renders the review prompt. The intent comes before the code.
func ReviewerPrompt(code, analysis string) string {
	return Render(ReviewerSystemPrompt(), []Section{
		{Label: LabelIntent, Body: analysis},
		{Label: LabelGeneratedCode, Body: code},
	}, LabelReview)
}
