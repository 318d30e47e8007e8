package prompts

import (
	"strings"
	"testing"
)

func TestRender(t *testing.T) {
	got := Render("SYS", []Section{
		{Label: "A", Body: "one"},
		{Label: "B", Body: ""},
	}, "Out")

	want := "SYS\n### A:\none\n### B:\n\n### Out:\n"
	if got != want {
		t.Errorf("Render() = %q, want %q", got, want)
	}
}

func TestRender_BodiesVerbatim(t *testing.T) {
	body := "### Instruction\n  keep {braces} and %s\n"
	got := Render("S", []Section{{Label: "Context", Body: body}}, "Analysis")
	if !strings.Contains(got, body) {
		t.Errorf("Render() altered body: %q", got)
	}
}

func TestReasonerPrompt(t *testing.T) {
	got := ReasonerPrompt("add two numbers", "")
	want := ReasonerSystemPrompt() + "\n### User Input:\nadd two numbers\n### Context:\n\n### Analysis:\n"
	if got != want {
		t.Errorf("ReasonerPrompt() = %q, want %q", got, want)
	}
}

func TestPlannerPrompt(t *testing.T) {
	got := PlannerPrompt("the analysis")
	want := PlannerSystemPrompt() + "\n### Analysis:\nthe analysis\n### Plan:\n"
	if got != want {
		t.Errorf("PlannerPrompt() = %q, want %q", got, want)
	}
}

func TestGeneratorPrompt(t *testing.T) {
	got := GeneratorPrompt("1. write add()")
	want := GeneratorSystemPrompt() + "\n### Plan:\n1. write add()\n### Code:\n"
	if got != want {
		t.Errorf("GeneratorPrompt() = %q, want %q", got, want)
	}
}

func TestReviewerPrompt(t *testing.T) {
	got := ReviewerPrompt("def add(a, b): return a + b", "user wants add")

	intent := strings.Index(got, "### Intent:\nuser wants add\n")
	code := strings.Index(got, "### Generated Code:\ndef add(a, b): return a + b\n")
	if intent < 0 || code < 0 {
		t.Fatalf("ReviewerPrompt() missing sections: %q", got)
	}
	if intent > code {
		t.Error("ReviewerPrompt should place the intent before the code")
	}
	if !strings.HasSuffix(got, "### Review:\n") {
		t.Error("ReviewerPrompt should end with the Review label")
	}
	if !strings.Contains(got, "'Code looks good'") {
		t.Error("ReviewerPrompt should tell the model how to approve")
	}
}

func TestRoleForPrompt(t *testing.T) {
	tests := []struct {
		prompt string
		want   string
	}{
		{ReasonerPrompt("x", "y"), RoleReasoner},
		{PlannerPrompt("x"), RolePlanner},
		{GeneratorPrompt("x"), RoleGenerator},
		{ReviewerPrompt("x", "y"), RoleReviewer},
		{"unrelated prompt", ""},
	}

	for _, tt := range tests {
		if got := RoleForPrompt(tt.prompt); got != tt.want {
			t.Errorf("RoleForPrompt(%.30q) = %q, want %q", tt.prompt, got, tt.want)
		}
	}
}

func TestRolesComplete(t *testing.T) {
	for _, role := range RoleOrder {
		if Roles[role] == "" {
			t.Errorf("role %s has no description", role)
		}
		if SystemPrompt(role) == "" {
			t.Errorf("role %s has no system prompt", role)
		}
		if OutputLabel(role) == "" {
			t.Errorf("role %s has no output label", role)
		}
	}
	if SystemPrompt("writer") != "" {
		t.Error("unknown role should have no system prompt")
	}
}
