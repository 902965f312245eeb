package stage

import (
	"context"
	"fmt"
	"strings"

	"github.com/tunnelhq/tunnel/internal/llm"
	"github.com/tunnelhq/tunnel/internal/workflow/runtime"
)

const validateSystemPrompt = `You are a test result analyst. Given a failed browser
test execution and its plan, explain the most likely cause in one short paragraph,
then list concrete fix suggestions, one per line prefixed with "HINT: ".`

// Validator classifies an execution result against the plan. It never fails:
// any internal trouble (including an unreachable language model) collapses to
// a fail verdict with diagnosis "validation inconclusive".
type Validator struct {
	// LLM is optional; when set, failing results get a model-written
	// diagnosis and fix hints.
	LLM   llm.Completer
	Model string
}

func (v *Validator) Name() runtime.StageName { return runtime.StageValidate }

func (v *Validator) Run(ctx context.Context, rs *runtime.RunState) (Delta, error) {
	if rs.Execution == nil {
		return Delta{Verdict: &runtime.ValidationVerdict{
			Passed:    false,
			Diagnosis: "validation inconclusive: no execution result",
		}}, nil
	}

	if rs.Execution.Passed() {
		return Delta{Verdict: &runtime.ValidationVerdict{
			Passed:    true,
			Diagnosis: fmt.Sprintf("all %d plan steps executed, assertions held", planStepCount(rs.Plan)),
		}}, nil
	}

	verdict := &runtime.ValidationVerdict{
		Passed:    false,
		Diagnosis: categorizeError(rs.Execution),
	}
	if v.LLM != nil {
		if diag, hints, ok := v.analyze(ctx, rs); ok {
			verdict.Diagnosis = diag
			verdict.Hints = hints
		}
	}
	return Delta{Verdict: verdict}, nil
}

func (v *Validator) analyze(ctx context.Context, rs *runtime.RunState) (string, []string, bool) {
	var b strings.Builder
	fmt.Fprintf(&b, "Execution status: %s\nError: %s\n", rs.Execution.Status, rs.Execution.Error)
	if rs.Plan != nil {
		fmt.Fprintf(&b, "Plan: %s (%d steps, %d assertions)\n", rs.Plan.Name, len(rs.Plan.Steps), len(rs.Plan.Assertions))
	}
	if n := len(rs.Execution.Logs); n > 0 {
		b.WriteString("Last log lines:\n")
		for _, line := range rs.Execution.Logs[max(0, n-10):] {
			b.WriteString(line)
			b.WriteString("\n")
		}
	}

	resp, err := v.LLM.Complete(ctx, llm.Request{
		Model: v.Model,
		Messages: []llm.Message{
			llm.System(validateSystemPrompt),
			llm.User(b.String()),
		},
	})
	if err != nil {
		return "", nil, false
	}

	var diag []string
	var hints []string
	for _, line := range strings.Split(resp.Content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if rest, ok := strings.CutPrefix(line, "HINT:"); ok {
			if h := strings.TrimSpace(rest); h != "" {
				hints = append(hints, h)
			}
			continue
		}
		diag = append(diag, line)
	}
	if len(diag) == 0 {
		return "", nil, false
	}
	return strings.Join(diag, " "), hints, true
}

// categorizeError buckets the raw execution error by keyword, mirroring the
// failure categories the healer distinguishes.
func categorizeError(res *runtime.ExecutionResult) string {
	if res.Status == runtime.ExecTimeout {
		return "timeout: " + orUnknown(res.Error)
	}
	lower := strings.ToLower(res.Error)
	switch {
	case strings.Contains(lower, "selector") || strings.Contains(lower, "element"):
		return "selector error: " + res.Error
	case strings.Contains(lower, "timeout"):
		return "timeout: " + res.Error
	case strings.Contains(lower, "navigation") || strings.Contains(lower, "goto"):
		return "navigation error: " + res.Error
	case strings.Contains(lower, "assert"):
		return "assertion failed: " + res.Error
	default:
		return "test execution failed: " + orUnknown(res.Error)
	}
}

func orUnknown(s string) string {
	if strings.TrimSpace(s) == "" {
		return "no error detail"
	}
	return s
}

func planStepCount(p *runtime.TestPlan) int {
	if p == nil {
		return 0
	}
	return len(p.Steps)
}
