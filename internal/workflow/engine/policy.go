package engine

import (
	"fmt"

	"github.com/tunnelhq/tunnel/internal/workflow/runtime"
	"github.com/tunnelhq/tunnel/internal/workflow/stage"
)

type TransitionKind string

const (
	TransitionAdvance   TransitionKind = "advance"
	TransitionRetry     TransitionKind = "retry"
	TransitionHeal      TransitionKind = "heal"
	TransitionTerminate TransitionKind = "terminate"
)

// Transition is the policy's verdict for one completed stage invocation.
type Transition struct {
	Kind   TransitionKind
	Next   runtime.StageName      // set for advance
	Status runtime.TerminalStatus // set for terminate
	Reason string
}

// Decision is the input slice the policy sees after one stage invocation.
// It carries no live state, which keeps Decide a pure function.
type Decision struct {
	Stage   runtime.StageName
	Failure *stage.Failure             // nil when the stage succeeded
	Verdict *runtime.ValidationVerdict // set after validate

	AttemptsUsed int // invocations of Stage in the current visit, including this one
	RetryBudget  int // extra attempts allowed beyond the first

	HealingAttempts int
	HMax            int
}

// Decide applies the retry/healing rules in strict priority order:
// non-retryable failure terminates, retryable failure with budget retries,
// a passing verdict terminates PASSED, a failing verdict heals while
// attempts remain and terminates FAILED once exhausted, and everything else
// advances canonically.
func Decide(d Decision) Transition {
	if f := d.Failure; f != nil {
		if !f.Retryable {
			// A pipeline that ran out of materially different fixes did not
			// itself break; the target is still failing. Every other
			// non-retryable failure is the pipeline's own fault.
			if f.Kind == stage.FailHealingExhausted {
				return Transition{Kind: TransitionTerminate, Status: runtime.StatusFailed, Reason: f.Message}
			}
			return Transition{Kind: TransitionTerminate, Status: runtime.StatusErrored, Reason: f.Message}
		}
		if d.AttemptsUsed <= d.RetryBudget {
			return Transition{Kind: TransitionRetry, Reason: f.Message}
		}
		return Transition{
			Kind:   TransitionTerminate,
			Status: runtime.StatusErrored,
			Reason: fmt.Sprintf("%s retries exhausted: %s", d.Stage, f.Message),
		}
	}

	if d.Stage == runtime.StageValidate {
		if d.Verdict == nil {
			return Transition{Kind: TransitionTerminate, Status: runtime.StatusErrored, Reason: "validate returned no verdict"}
		}
		if d.Verdict.Passed {
			return Transition{Kind: TransitionTerminate, Status: runtime.StatusPassed}
		}
		if d.HealingAttempts < d.HMax {
			return Transition{Kind: TransitionHeal, Reason: d.Verdict.Diagnosis}
		}
		return Transition{
			Kind:   TransitionTerminate,
			Status: runtime.StatusFailed,
			Reason: fmt.Sprintf("healing budget exhausted (%d/%d): %s", d.HealingAttempts, d.HMax, d.Verdict.Diagnosis),
		}
	}

	// A successful heal re-enters the pipeline at generation with the
	// amended plan and hints in hand.
	if d.Stage == runtime.StageHeal {
		return Transition{Kind: TransitionAdvance, Next: runtime.StageGenerate}
	}

	next, ok := d.Stage.NextCanonical()
	if !ok {
		return Transition{Kind: TransitionTerminate, Status: runtime.StatusErrored, Reason: fmt.Sprintf("no successor for stage %s", d.Stage)}
	}
	return Transition{Kind: TransitionAdvance, Next: next}
}
