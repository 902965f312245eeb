package stage

import (
	"context"
	"strings"
	"testing"

	"github.com/tunnelhq/tunnel/internal/llm"
	"github.com/tunnelhq/tunnel/internal/workflow/runtime"
)

const validPlanJSON = `{
  "name": "login flow",
  "description": "log in and verify the dashboard",
  "steps": [
    {"action": "navigate", "description": "open the login page"},
    {"action": "type", "selector": "#email", "value": "user@example.test", "description": "enter the email"},
    {"action": "click", "selector": "button[type=submit]", "description": "submit the form"}
  ],
  "assertions": [
    {"type": "url", "expected": "/dashboard", "operator": "contains", "description": "landed on the dashboard"}
  ]
}`

func TestPlannerRun(t *testing.T) {
	fc := &fakeCompleter{responses: []string{validPlanJSON}}
	p := &Planner{LLM: fc, Model: "gpt-4o"}

	delta, err := p.Run(context.Background(), newState("Log in and check the dashboard"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	plan := delta.Plan
	if plan == nil {
		t.Fatal("delta has no plan")
	}
	if !strings.HasPrefix(plan.ID, "plan_") {
		t.Fatalf("plan id = %q", plan.ID)
	}
	if plan.URL != "https://example.test/login" {
		t.Fatalf("plan url = %q, want the run's target url", plan.URL)
	}
	if len(plan.Steps) != 3 || len(plan.Assertions) != 1 {
		t.Fatalf("plan = %d steps, %d assertions", len(plan.Steps), len(plan.Assertions))
	}
	if len(fc.reqs) != 1 || fc.reqs[0].Temperature != 0.1 {
		t.Fatalf("requests = %+v", fc.reqs)
	}
	if !strings.Contains(fc.reqs[0].Messages[1].Content, "Log in and check the dashboard") {
		t.Fatalf("prompt missing the instruction: %q", fc.reqs[0].Messages[1].Content)
	}
}

func TestPlannerRunFencedJSON(t *testing.T) {
	fc := &fakeCompleter{responses: []string{"Here is the plan:\n```json\n" + validPlanJSON + "\n```"}}
	p := &Planner{LLM: fc, Model: "gpt-4o"}
	delta, err := p.Run(context.Background(), newState("check login"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if delta.Plan == nil || len(delta.Plan.Steps) != 3 {
		t.Fatalf("delta = %+v", delta)
	}
}

func TestPlannerRunEmptyInstruction(t *testing.T) {
	p := &Planner{LLM: &fakeCompleter{responses: []string{validPlanJSON}}, Model: "gpt-4o"}
	_, err := p.Run(context.Background(), newState("   "))
	wantFailure(t, err, FailPlanning, false)
}

func TestPlannerRunRejectsSchemaViolations(t *testing.T) {
	cases := []struct{ name, body string }{
		{"not json", "I could not produce a plan."},
		{"no steps", `{"name": "empty", "steps": []}`},
		{"bad action", `{"name": "x", "steps": [{"action": "teleport", "description": "y"}]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := &Planner{LLM: &fakeCompleter{responses: []string{tc.body}}, Model: "gpt-4o"}
			_, err := p.Run(context.Background(), newState("check login"))
			wantFailure(t, err, FailPlanning, false)
		})
	}
}

func TestPlannerRunCollaboratorErrors(t *testing.T) {
	retryable := llm.NewUnavailableError("connection refused")
	p := &Planner{LLM: &fakeCompleter{err: retryable}, Model: "gpt-4o"}
	_, err := p.Run(context.Background(), newState("check login"))
	wantFailure(t, err, FailCollaborator, true)

	fatal := llm.ErrorFromHTTPStatus(401, "bad key", nil)
	p = &Planner{LLM: &fakeCompleter{err: fatal}, Model: "gpt-4o"}
	_, err = p.Run(context.Background(), newState("check login"))
	wantFailure(t, err, FailCollaborator, false)
}

func TestPlannerName(t *testing.T) {
	if got := (&Planner{}).Name(); got != runtime.StagePlan {
		t.Fatalf("name = %s", got)
	}
}
