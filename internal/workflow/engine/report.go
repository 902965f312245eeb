package engine

import (
	"fmt"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/tunnelhq/tunnel/internal/workflow/runtime"
)

// Report is the terminal summary of a run. It is a pure projection of the
// final RunState: building it twice from the same state yields identical
// reports.
type Report struct {
	RunID           string                     `json:"run_id"`
	Instruction     string                     `json:"instruction"`
	TargetURL       string                     `json:"target_url"`
	TerminalStatus  runtime.TerminalStatus     `json:"terminal_status"`
	TerminalReason  string                     `json:"terminal_reason,omitempty"`
	Plan            *runtime.TestPlan          `json:"plan,omitempty"`
	GeneratedCode   string                     `json:"generated_code,omitempty"`
	Execution       *runtime.ExecutionResult   `json:"execution,omitempty"`
	Verdict         *runtime.ValidationVerdict `json:"verdict,omitempty"`
	HealingAttempts int                        `json:"healing_attempts"`
	StageHistory    []runtime.StageRecord      `json:"stage_history"`
	Artifacts       []string                   `json:"artifacts,omitempty"`
	DurationMS      int64                      `json:"duration_ms"`
}

// BuildReport projects a terminated RunState into a Report. Duration comes
// from the recorded timestamps, never the clock at build time.
func BuildReport(rs *runtime.RunState, reason string, artifactGlobs []string) (*Report, error) {
	if rs == nil {
		return nil, fmt.Errorf("run state is nil")
	}
	if !rs.Terminated() {
		return nil, fmt.Errorf("run %s has no terminal status", rs.RunID)
	}
	var durationMS int64
	if !rs.CompletedAt.IsZero() && rs.CompletedAt.After(rs.StartedAt) {
		durationMS = rs.CompletedAt.Sub(rs.StartedAt).Milliseconds()
	}
	rep := &Report{
		RunID:           rs.RunID,
		Instruction:     rs.Instruction,
		TargetURL:       rs.TargetURL,
		TerminalStatus:  rs.Terminal,
		TerminalReason:  reason,
		Plan:            rs.Plan,
		GeneratedCode:   rs.GeneratedCode,
		Execution:       rs.Execution,
		Verdict:         rs.Verdict,
		HealingAttempts: rs.HealingAttempts,
		StageHistory:    append([]runtime.StageRecord{}, rs.History...),
		DurationMS:      durationMS,
	}
	if rs.Execution != nil {
		rep.Artifacts = filterArtifacts(rs.Execution.ArtifactRefs, artifactGlobs)
	}
	return rep, nil
}

// filterArtifacts keeps refs matching at least one include glob. Without
// globs every ref is kept. Invalid patterns are skipped: config validation
// rejects them up front, so a bad pattern here only means a caller bypassed
// the config path.
func filterArtifacts(refs, globs []string) []string {
	if len(refs) == 0 {
		return nil
	}
	if len(globs) == 0 {
		return append([]string{}, refs...)
	}
	var out []string
	for _, ref := range refs {
		for _, g := range globs {
			ok, err := doublestar.Match(g, ref)
			if err != nil {
				continue
			}
			if ok {
				out = append(out, ref)
				break
			}
		}
	}
	return out
}
