package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tunnelhq/tunnel/internal/workflow/runtime"
	"github.com/tunnelhq/tunnel/internal/workflow/stage"
)

// Options are the read-only run knobs established once before Run starts.
type Options struct {
	RunID string

	// HMax bounds healing invocations; 0 disables healing entirely.
	HMax int

	// StepCeiling bounds total stage invocations regardless of policy.
	StepCeiling int

	// StageTimeout caps each stage invocation. 0 disables the cap.
	StageTimeout time.Duration

	// RetryBudgets maps a stage to the extra attempts allowed beyond the
	// first within one visit. Stages absent from the map get no retries.
	RetryBudgets map[runtime.StageName]int

	Backoff        BackoffConfig
	SignatureLimit int

	// ArtifactGlobs filter execution artifact refs into the final report.
	ArtifactGlobs []string

	// ProgressSink receives structured progress events. Optional.
	ProgressSink func(map[string]any)
}

func (o *Options) applyDefaults() {
	if strings.TrimSpace(o.RunID) == "" {
		o.RunID = NewRunID()
	}
	if o.HMax < 0 {
		o.HMax = 0
	}
	if o.StepCeiling < 1 {
		o.StepCeiling = defaultStepCeiling
	}
	if o.StageTimeout < 0 {
		o.StageTimeout = 0
	}
	if o.RetryBudgets == nil {
		o.RetryBudgets = map[runtime.StageName]int{
			runtime.StagePlan:     defaultPlanRetries,
			runtime.StageGenerate: defaultGenerateRetries,
			runtime.StageExecute:  defaultExecuteRetries,
		}
	}
	if o.Backoff == (BackoffConfig{}) {
		o.Backoff = defaultBackoffConfig()
	}
	if o.SignatureLimit < 1 {
		o.SignatureLimit = defaultSignatureLimit
	}
}

// OptionsFromConfig maps a validated run config onto engine options.
func OptionsFromConfig(cfg *RunConfigFile) Options {
	o := Options{}
	if cfg != nil {
		o.HMax = *cfg.Policy.HMax
		o.StepCeiling = *cfg.Policy.StepCeiling
		o.StageTimeout = time.Duration(*cfg.Policy.StageTimeoutMS) * time.Millisecond
		o.RetryBudgets = map[runtime.StageName]int{
			runtime.StagePlan:     *cfg.Policy.PlanRetries,
			runtime.StageGenerate: *cfg.Policy.GenerateRetries,
			runtime.StageExecute:  *cfg.Policy.ExecuteRetries,
		}
		o.Backoff = cfg.Policy.Backoff
		o.SignatureLimit = *cfg.Policy.SignatureLimit
		o.ArtifactGlobs = cfg.Report.ArtifactIncludeGlobs
	}
	o.applyDefaults()
	return o
}

// Engine drives one run through the plan/generate/execute/validate/heal
// state machine. One engine instance owns one RunState; instances share
// nothing, so concurrent runs need no locking.
type Engine struct {
	opts   Options
	stages map[runtime.StageName]stage.Stage

	failures *signatureTracker

	progressMu   sync.Mutex
	progressSink func(map[string]any)
}

// New builds an engine over the given stages. Plan, generate, execute and
// validate are mandatory; heal is mandatory only when HMax > 0.
func New(opts Options, stages ...stage.Stage) (*Engine, error) {
	opts.applyDefaults()
	byName := make(map[runtime.StageName]stage.Stage, len(stages))
	for _, st := range stages {
		if st == nil {
			continue
		}
		name := st.Name()
		if !name.Valid() {
			return nil, fmt.Errorf("invalid stage name: %q", name)
		}
		if _, dup := byName[name]; dup {
			return nil, fmt.Errorf("duplicate stage: %s", name)
		}
		byName[name] = st
	}
	required := []runtime.StageName{runtime.StagePlan, runtime.StageGenerate, runtime.StageExecute, runtime.StageValidate}
	if opts.HMax > 0 {
		required = append(required, runtime.StageHeal)
	}
	for _, name := range required {
		if _, ok := byName[name]; !ok {
			return nil, fmt.Errorf("missing stage: %s", name)
		}
	}
	return &Engine{
		opts:         opts,
		stages:       byName,
		failures:     newSignatureTracker(opts.SignatureLimit),
		progressSink: opts.ProgressSink,
	}, nil
}

func (e *Engine) RunID() string { return e.opts.RunID }

// Run executes the workflow to a terminal status and returns the report.
// The returned error is reserved for contract violations (nil state, double
// termination); every pipeline outcome, including ERRORED and ABORTED, is
// reported through the terminal status.
func (e *Engine) Run(ctx context.Context, rs *runtime.RunState) (*Report, error) {
	if rs == nil {
		return nil, fmt.Errorf("run state is nil")
	}
	if rs.Terminated() {
		return nil, fmt.Errorf("run %s already terminated: %s", rs.RunID, rs.Terminal)
	}

	e.appendProgress(map[string]any{
		"event":        "run_started",
		"run_id":       rs.RunID,
		"instruction":  rs.Instruction,
		"target_url":   rs.TargetURL,
		"h_max":        e.opts.HMax,
		"step_ceiling": e.opts.StepCeiling,
	})

	current := runtime.StagePlan
	attempts := map[runtime.StageName]int{}

	for {
		if err := ctx.Err(); err != nil {
			return e.finish(rs, runtime.StatusAborted, cancelReason(ctx))
		}
		if len(rs.History) >= e.opts.StepCeiling {
			e.appendProgress(map[string]any{
				"event":         "step_ceiling_reached",
				"run_id":        rs.RunID,
				"step_ceiling":  e.opts.StepCeiling,
				"stage_history": historyForLog(rs.History),
			})
			return e.finish(rs, runtime.StatusAborted,
				fmt.Sprintf("step ceiling reached (%d stage invocations)", e.opts.StepCeiling))
		}

		attempts[current]++
		att := attempts[current]
		e.appendProgress(map[string]any{
			"event":   "stage_attempt_start",
			"run_id":  rs.RunID,
			"stage":   string(current),
			"attempt": att,
		})

		delta, err := e.invoke(ctx, current, rs)

		var failure *stage.Failure
		if err != nil {
			f, ok := stage.AsFailure(err)
			if !ok {
				// Raw errors only escape a stage on cancellation; anything
				// else is a stage contract breach and is not retryable.
				if ctx.Err() != nil {
					rs.AppendHistory(runtime.StageRecord{
						Stage: current, Attempt: att, Outcome: runtime.OutcomeFailed, Detail: cancelReason(ctx),
					})
					return e.finish(rs, runtime.StatusAborted, cancelReason(ctx))
				}
				f = &stage.Failure{Stage: current, Kind: stage.FailCollaborator, Message: err.Error()}
			}
			failure = f
		}

		outcome := runtime.OutcomeOK
		detail := ""
		if failure != nil {
			outcome = runtime.OutcomeFailed
			detail = failure.Message
		} else {
			e.merge(rs, current, delta)
			if current == runtime.StageHeal {
				rs.HealingAttempts++
			}
			detail = stageDetail(current, rs, delta)
		}
		rs.AppendHistory(runtime.StageRecord{Stage: current, Attempt: att, Outcome: outcome, Detail: detail})
		e.appendProgress(map[string]any{
			"event":   "stage_attempt_end",
			"run_id":  rs.RunID,
			"stage":   string(current),
			"attempt": att,
			"outcome": string(outcome),
			"detail":  detail,
		})

		var verdict *runtime.ValidationVerdict
		if current == runtime.StageValidate {
			verdict = rs.Verdict
		}
		tr := Decide(Decision{
			Stage:           current,
			Failure:         failure,
			Verdict:         verdict,
			AttemptsUsed:    att,
			RetryBudget:     e.opts.RetryBudgets[current],
			HealingAttempts: rs.HealingAttempts,
			HMax:            e.opts.HMax,
		})
		e.appendProgress(map[string]any{
			"event":      "transition",
			"run_id":     rs.RunID,
			"stage":      string(current),
			"transition": string(tr.Kind),
			"next":       string(tr.Next),
			"status":     string(tr.Status),
			"reason":     tr.Reason,
		})

		// Only transitions that loop back can cycle; terminal and forward
		// transitions need no breaking.
		if tr.Kind == TransitionRetry || tr.Kind == TransitionHeal {
			if tripped, reason := e.trackFailureCycle(rs, current, failure); tripped {
				return e.finish(rs, runtime.StatusAborted, reason)
			}
		}

		switch tr.Kind {
		case TransitionRetry:
			delay := backoffDelayForStage(rs.RunID, current, att, e.opts.Backoff)
			e.appendProgress(map[string]any{
				"event":    "stage_retry_sleep",
				"run_id":   rs.RunID,
				"stage":    string(current),
				"attempt":  att,
				"delay_ms": delay.Milliseconds(),
			})
			if !sleepWithContext(ctx, delay) {
				return e.finish(rs, runtime.StatusAborted, cancelReason(ctx))
			}
		case TransitionHeal:
			attempts[runtime.StageHeal] = 0
			current = runtime.StageHeal
		case TransitionAdvance:
			attempts[tr.Next] = 0
			current = tr.Next
		case TransitionTerminate:
			return e.finish(rs, tr.Status, tr.Reason)
		default:
			return nil, fmt.Errorf("unknown transition: %q", tr.Kind)
		}
	}
}

func (e *Engine) invoke(ctx context.Context, name runtime.StageName, rs *runtime.RunState) (stage.Delta, error) {
	st, ok := e.stages[name]
	if !ok {
		return stage.Delta{}, &stage.Failure{Stage: name, Kind: stage.FailCollaborator, Message: "no stage registered"}
	}
	if e.opts.StageTimeout > 0 {
		cctx, cancel := context.WithTimeout(ctx, e.opts.StageTimeout)
		defer cancel()
		ctx = cctx
	}
	return st.Run(ctx, rs)
}

// merge commits a stage delta into the run state. The engine is the only
// writer; this is where the plan -> code -> execution -> verdict ordering
// is maintained.
func (e *Engine) merge(rs *runtime.RunState, current runtime.StageName, d stage.Delta) {
	if d.Plan != nil {
		rs.Plan = d.Plan
	}
	if d.Code != nil {
		rs.GeneratedCode = *d.Code
		if current == runtime.StageGenerate {
			// Fresh code invalidates evidence gathered against the old code.
			rs.Execution = nil
			rs.Verdict = nil
		}
	}
	if d.Execution != nil {
		rs.Execution = d.Execution
	}
	if d.Verdict != nil {
		rs.Verdict = d.Verdict
	}
	if len(d.Hints) > 0 && rs.Verdict != nil {
		rs.Verdict.Hints = append(rs.Verdict.Hints, d.Hints...)
	}
}

// trackFailureCycle feeds the signature tracker before a retry or heal
// loop-back. Signatures accumulate for the whole run: a fault that keeps
// reproducing identically across heal loops trips the breaker long before
// the step ceiling burns down.
func (e *Engine) trackFailureCycle(rs *runtime.RunState, current runtime.StageName, failure *stage.Failure) (bool, string) {
	var sig string
	switch {
	case failure != nil:
		sig = failureSignature(current, failure.Kind, failure.Message)
	case rs.Verdict != nil && !rs.Verdict.Passed:
		sig = verdictSignature(rs.Verdict)
	default:
		return false, ""
	}
	count, tripped := e.failures.observe(sig)
	e.appendProgress(map[string]any{
		"event":           "failure_cycle_check",
		"run_id":          rs.RunID,
		"stage":           string(current),
		"signature":       sig,
		"signature_count": count,
		"signature_limit": e.failures.limit,
	})
	if !tripped {
		return false, ""
	}
	e.appendProgress(map[string]any{
		"event":           "failure_cycle_breaker",
		"run_id":          rs.RunID,
		"stage":           string(current),
		"signature":       sig,
		"signature_count": count,
		"signature_limit": e.failures.limit,
	})
	return true, fmt.Sprintf(
		"deterministic failure cycle: signature %s repeated %d times (limit %d)",
		sig, count, e.failures.limit,
	)
}

func (e *Engine) finish(rs *runtime.RunState, status runtime.TerminalStatus, reason string) (*Report, error) {
	if err := rs.Finish(status); err != nil {
		return nil, err
	}
	ev := map[string]any{
		"event":            "run_finished",
		"run_id":           rs.RunID,
		"terminal_status":  string(status),
		"reason":           reason,
		"healing_attempts": rs.HealingAttempts,
		"steps":            len(rs.History),
	}
	if status == runtime.StatusAborted {
		// Aborts are postmortem material; ship the whole history.
		ev["stage_history"] = historyForLog(rs.History)
	}
	e.appendProgress(ev)
	return BuildReport(rs, reason, e.opts.ArtifactGlobs)
}

func (e *Engine) appendProgress(ev map[string]any) {
	if e == nil {
		return
	}
	e.progressMu.Lock()
	sink := e.progressSink
	e.progressMu.Unlock()
	if sink == nil {
		return
	}
	if _, ok := ev["ts"]; !ok {
		ev["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	}
	sink(ev)
}

// SetProgressSink replaces the progress sink. Safe to call before Run.
func (e *Engine) SetProgressSink(sink func(map[string]any)) {
	e.progressMu.Lock()
	e.progressSink = sink
	e.progressMu.Unlock()
}

func cancelReason(ctx context.Context) string {
	cause := context.Cause(ctx)
	if cause == nil || cause == context.Canceled {
		return "run canceled"
	}
	return cause.Error()
}

func historyForLog(history []runtime.StageRecord) []map[string]any {
	out := make([]map[string]any, 0, len(history))
	for _, rec := range history {
		out = append(out, map[string]any{
			"stage":   string(rec.Stage),
			"attempt": rec.Attempt,
			"outcome": string(rec.Outcome),
			"detail":  rec.Detail,
		})
	}
	return out
}

func stageDetail(current runtime.StageName, rs *runtime.RunState, d stage.Delta) string {
	switch current {
	case runtime.StagePlan:
		if rs.Plan != nil {
			return fmt.Sprintf("plan %s: %d steps, %d assertions", rs.Plan.ID, len(rs.Plan.Steps), len(rs.Plan.Assertions))
		}
	case runtime.StageGenerate:
		return fmt.Sprintf("script: %d bytes", len(rs.GeneratedCode))
	case runtime.StageExecute:
		if rs.Execution != nil {
			return "execution " + string(rs.Execution.Status)
		}
	case runtime.StageValidate:
		if rs.Verdict != nil {
			if rs.Verdict.Passed {
				return "verdict: pass"
			}
			return "verdict: fail: " + rs.Verdict.Diagnosis
		}
	case runtime.StageHeal:
		if d.Plan != nil {
			return "fix proposed with amended plan"
		}
		return "fix proposed"
	}
	return ""
}
