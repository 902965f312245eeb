package stage

import (
	"context"
	"fmt"
	"strings"

	"github.com/tunnelhq/tunnel/internal/llm"
	"github.com/tunnelhq/tunnel/internal/workflow/runtime"
)

const healSystemPrompt = `You are a test repair agent. Given a broken browser test
script, its execution error, and the diagnostic verdict, produce a materially
different fixed script. Respond with a single JSON object:
{"code": "<fixed script>", "plan": {...optional amended plan...}, "hints": ["..."]}.
Prefer changing selectors to resilient alternatives and adding explicit waits.`

// Healer proposes a repaired script (and optionally an amended plan) from the
// failing execution. Returning the same script is not a fix: that is
// healing_exhausted, which forces termination.
type Healer struct {
	LLM   llm.Completer
	Model string
}

func (h *Healer) Name() runtime.StageName { return runtime.StageHeal }

type healDoc struct {
	Code  string   `json:"code"`
	Plan  *planDoc `json:"plan"`
	Hints []string `json:"hints"`
}

func (h *Healer) Run(ctx context.Context, rs *runtime.RunState) (Delta, error) {
	if rs.GeneratedCode == "" || rs.Execution == nil {
		return Delta{}, failuref(runtime.StageHeal, FailHealingExhausted, false, "nothing to heal: missing code or execution result")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Broken script:\n%s\n\nExecution error: %s\n", rs.GeneratedCode, orUnknown(rs.Execution.Error))
	if rs.Verdict != nil {
		fmt.Fprintf(&b, "Diagnosis: %s\n", rs.Verdict.Diagnosis)
		for _, hint := range rs.Verdict.Hints {
			fmt.Fprintf(&b, "Prior hint: %s\n", hint)
		}
	}

	resp, err := h.LLM.Complete(ctx, llm.Request{
		Model:       h.Model,
		Temperature: 0.1,
		Messages: []llm.Message{
			llm.System(healSystemPrompt),
			llm.User(b.String()),
		},
	})
	if err != nil {
		return Delta{}, mapCompleterError(runtime.StageHeal, ctx, err)
	}

	var doc healDoc
	if err := decodeValidated(resp.Content, healSchema, &doc); err != nil {
		return Delta{}, failuref(runtime.StageHeal, FailHealingExhausted, false, "no usable fix proposed: %v", err)
	}

	code := extractCode(doc.Code)
	if strings.TrimSpace(code) == strings.TrimSpace(rs.GeneratedCode) {
		return Delta{}, failuref(runtime.StageHeal, FailHealingExhausted, false, "proposed fix is identical to the failing script")
	}

	delta := Delta{Code: &code, Hints: doc.Hints}
	if doc.Plan != nil && rs.Plan != nil {
		amended := &runtime.TestPlan{
			ID:          rs.Plan.ID,
			Name:        doc.Plan.Name,
			Description: doc.Plan.Description,
			URL:         rs.TargetURL,
			Steps:       doc.Plan.Steps,
			Assertions:  doc.Plan.Assertions,
			Tags:        doc.Plan.Tags,
		}
		if err := amended.Validate(); err == nil {
			delta.Plan = amended
		}
	}
	return delta, nil
}
