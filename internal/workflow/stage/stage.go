package stage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tunnelhq/tunnel/internal/workflow/runtime"
)

type FailureKind string

const (
	FailPlanning         FailureKind = "planning"
	FailGeneration       FailureKind = "generation"
	FailExecutionInfra   FailureKind = "execution_infra"
	FailHealingExhausted FailureKind = "healing_exhausted"
	FailCollaborator     FailureKind = "collaborator"
	FailTimeout          FailureKind = "timeout"
)

// Failure is the typed failure a stage returns instead of a result. The
// engine never sees a raw collaborator error: stages classify everything
// into this shape at the boundary.
type Failure struct {
	Stage     runtime.StageName
	Kind      FailureKind
	Message   string
	Retryable bool
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s: %s", f.Stage, f.Kind, strings.TrimSpace(f.Message))
}

// AsFailure unwraps err into a *Failure if one is in the chain.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// Delta is the state change a stage proposes. Stages never write RunState;
// the engine merges deltas, preserving single-writer discipline.
type Delta struct {
	Plan      *runtime.TestPlan
	Code      *string
	Execution *runtime.ExecutionResult
	Verdict   *runtime.ValidationVerdict

	// Hints are repair suggestions for the next generation pass; the engine
	// folds them into the current verdict.
	Hints []string
}

// Stage is one pipeline step. Run receives the run state read-only and
// returns either a delta or a *Failure.
type Stage interface {
	Name() runtime.StageName
	Run(ctx context.Context, rs *runtime.RunState) (Delta, error)
}

func failuref(stage runtime.StageName, kind FailureKind, retryable bool, format string, args ...any) *Failure {
	return &Failure{
		Stage:     stage,
		Kind:      kind,
		Message:   fmt.Sprintf(format, args...),
		Retryable: retryable,
	}
}

// classifyContextError maps a context cancellation/deadline observed during a
// stage invocation. Deadline expiry is a retryable timeout per the stage
// timeout contract; explicit cancellation is surfaced as-is for the engine's
// cancellation path.
func classifyContextError(stage runtime.StageName, ctx context.Context, err error) error {
	if ctx.Err() == nil {
		return err
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return failuref(stage, FailTimeout, true, "stage timeout: %v", err)
	}
	return err
}
