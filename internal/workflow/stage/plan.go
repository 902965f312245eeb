package stage

import (
	"context"
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/tunnelhq/tunnel/internal/llm"
	"github.com/tunnelhq/tunnel/internal/workflow/runtime"
)

const planSystemPrompt = `You are a test planning agent for frontend web testing.
Decompose the instruction into a JSON test plan with ordered steps and assertions.
Allowed actions: navigate, click, type, wait, select, hover, scroll, screenshot, assert.
Allowed assertion types: visible, text, value, url, title, count, attribute.
Prefer resilient selectors: data-testid, roles, ids, text content.
Respond with a single JSON object and nothing else.`

// Planner turns the natural-language instruction into a structured test
// plan. An instruction that cannot be decomposed into at least one
// actionable step is a non-retryable planning failure.
type Planner struct {
	LLM   llm.Completer
	Model string
}

func (p *Planner) Name() runtime.StageName { return runtime.StagePlan }

type planDoc struct {
	Name        string              `json:"name"`
	Description string              `json:"description"`
	Steps       []runtime.TestStep  `json:"steps"`
	Assertions  []runtime.Assertion `json:"assertions"`
	Tags        []string            `json:"tags"`
}

func (p *Planner) Run(ctx context.Context, rs *runtime.RunState) (Delta, error) {
	if strings.TrimSpace(rs.Instruction) == "" {
		return Delta{}, failuref(runtime.StagePlan, FailPlanning, false, "instruction is empty")
	}

	resp, err := p.LLM.Complete(ctx, llm.Request{
		Model:       p.Model,
		Temperature: 0.1,
		Messages: []llm.Message{
			llm.System(planSystemPrompt),
			llm.User(fmt.Sprintf("Instruction: %s\nTarget URL: %s", rs.Instruction, rs.TargetURL)),
		},
	})
	if err != nil {
		return Delta{}, mapCompleterError(runtime.StagePlan, ctx, err)
	}

	var doc planDoc
	if err := decodeValidated(resp.Content, planSchema, &doc); err != nil {
		return Delta{}, failuref(runtime.StagePlan, FailPlanning, false, "instruction did not yield a usable plan: %v", err)
	}

	plan := &runtime.TestPlan{
		ID:          "plan_" + ulid.Make().String(),
		Name:        doc.Name,
		Description: doc.Description,
		URL:         rs.TargetURL,
		Steps:       doc.Steps,
		Assertions:  doc.Assertions,
		Tags:        doc.Tags,
	}
	if err := plan.Validate(); err != nil {
		return Delta{}, failuref(runtime.StagePlan, FailPlanning, false, "%v", err)
	}
	return Delta{Plan: plan}, nil
}

// mapCompleterError classifies a language-model collaborator error at the
// stage boundary: retryable infrastructure trouble stays retryable, anything
// else is a non-retryable collaborator failure.
func mapCompleterError(stage runtime.StageName, ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return classifyContextError(stage, ctx, err)
	}
	if llm.Retryable(err) {
		return failuref(stage, FailCollaborator, true, "language model unavailable: %v", err)
	}
	return failuref(stage, FailCollaborator, false, "language model request failed: %v", err)
}
