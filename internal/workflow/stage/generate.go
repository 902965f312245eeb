package stage

import (
	"context"
	"fmt"
	"strings"

	"github.com/tunnelhq/tunnel/internal/llm"
	"github.com/tunnelhq/tunnel/internal/workflow/runtime"
)

const generateSystemPrompt = `You are a test generation agent. Produce an executable
Playwright script implementing the given test plan. Use page.goto, page.click,
page.fill, page.waitForSelector and expect assertions. Respond with only the
script, optionally inside one code fence.`

// Generator turns the current plan into an executable script. When
// re-entering from a repair loop it folds the failing verdict's hints into
// the prompt.
type Generator struct {
	LLM   llm.Completer
	Model string
}

func (g *Generator) Name() runtime.StageName { return runtime.StageGenerate }

func (g *Generator) Run(ctx context.Context, rs *runtime.RunState) (Delta, error) {
	if rs.Plan == nil {
		return Delta{}, failuref(runtime.StageGenerate, FailGeneration, false, "no plan to generate from")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Test plan %q for %s:\n", rs.Plan.Name, rs.Plan.URL)
	for i, st := range rs.Plan.Steps {
		fmt.Fprintf(&b, "%d. %s %s %s - %s\n", i+1, st.Action, st.Selector, st.Value, st.Description)
	}
	if len(rs.Plan.Assertions) > 0 {
		b.WriteString("Assertions:\n")
		for _, a := range rs.Plan.Assertions {
			fmt.Fprintf(&b, "- %s %s expected=%q - %s\n", a.Kind, a.Selector, a.Expected, a.Description)
		}
	}
	if rs.Verdict != nil && !rs.Verdict.Passed {
		fmt.Fprintf(&b, "\nThe previous script failed: %s\n", rs.Verdict.Diagnosis)
		for _, h := range rs.Verdict.Hints {
			fmt.Fprintf(&b, "Fix hint: %s\n", h)
		}
	}

	resp, err := g.LLM.Complete(ctx, llm.Request{
		Model:       g.Model,
		Temperature: 0.1,
		Messages: []llm.Message{
			llm.System(generateSystemPrompt),
			llm.User(b.String()),
		},
	})
	if err != nil {
		return Delta{}, mapCompleterError(runtime.StageGenerate, ctx, err)
	}

	code := extractCode(resp.Content)
	if code == "" {
		// Retryable: a fresh completion may produce a usable script.
		return Delta{}, failuref(runtime.StageGenerate, FailGeneration, true, "model produced no script")
	}
	return Delta{Code: &code}, nil
}
