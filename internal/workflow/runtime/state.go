package runtime

import (
	"fmt"
	"strings"
	"time"
)

type StageName string

const (
	StagePlan     StageName = "plan"
	StageGenerate StageName = "generate"
	StageExecute  StageName = "execute"
	StageValidate StageName = "validate"
	StageHeal     StageName = "heal"
)

func (s StageName) Valid() bool {
	switch s {
	case StagePlan, StageGenerate, StageExecute, StageValidate, StageHeal:
		return true
	default:
		return false
	}
}

// NextCanonical returns the stage after s in the canonical forward order
// plan -> generate -> execute -> validate. Validate and heal have no
// canonical successor; transitions out of them are policy decisions.
func (s StageName) NextCanonical() (StageName, bool) {
	switch s {
	case StagePlan:
		return StageGenerate, true
	case StageGenerate:
		return StageExecute, true
	case StageExecute:
		return StageValidate, true
	default:
		return "", false
	}
}

type TerminalStatus string

const (
	StatusPassed  TerminalStatus = "PASSED"
	StatusFailed  TerminalStatus = "FAILED"
	StatusErrored TerminalStatus = "ERRORED"
	StatusAborted TerminalStatus = "ABORTED"
)

func (t TerminalStatus) Valid() bool {
	switch t {
	case StatusPassed, StatusFailed, StatusErrored, StatusAborted:
		return true
	default:
		return false
	}
}

type BrowserKind string

const (
	BrowserChromium BrowserKind = "chromium"
	BrowserFirefox  BrowserKind = "firefox"
	BrowserWebkit   BrowserKind = "webkit"
)

func ParseBrowserKind(s string) (BrowserKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "chromium", "chrome":
		return BrowserChromium, nil
	case "firefox":
		return BrowserFirefox, nil
	case "webkit", "safari":
		return BrowserWebkit, nil
	default:
		return "", fmt.Errorf("invalid browser kind: %q", s)
	}
}

type Viewport struct {
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

// BrowserConfig is an immutable run input describing the remote browser
// session the generated script runs in.
type BrowserConfig struct {
	Kind      BrowserKind `json:"kind" yaml:"kind"`
	Headless  bool        `json:"headless" yaml:"headless"`
	Viewport  Viewport    `json:"viewport" yaml:"viewport"`
	Proxy     string      `json:"proxy,omitempty" yaml:"proxy,omitempty"`
	TimeoutMS int         `json:"timeout_ms" yaml:"timeout_ms"`
}

func (bc BrowserConfig) withDefaults() BrowserConfig {
	if bc.Kind == "" {
		bc.Kind = BrowserChromium
	}
	if bc.Viewport.Width <= 0 {
		bc.Viewport.Width = 1280
	}
	if bc.Viewport.Height <= 0 {
		bc.Viewport.Height = 720
	}
	if bc.TimeoutMS <= 0 {
		bc.TimeoutMS = 30_000
	}
	return bc
}

type StageOutcome string

const (
	OutcomeOK     StageOutcome = "ok"
	OutcomeFailed StageOutcome = "failed"
)

// StageRecord is one entry in the append-only stage history. One record per
// stage invocation attempted, including failed ones.
type StageRecord struct {
	Stage     StageName    `json:"stage"`
	Attempt   int          `json:"attempt"`
	Timestamp time.Time    `json:"timestamp"`
	Outcome   StageOutcome `json:"outcome"`
	Detail    string       `json:"detail,omitempty"`
}

// RunState is the single mutable record threaded through a run. It is owned
// exclusively by one engine instance; stages receive it read-only and return
// deltas the engine merges.
type RunState struct {
	RunID       string        `json:"run_id"`
	Instruction string        `json:"instruction"`
	TargetURL   string        `json:"target_url"`
	Browser     BrowserConfig `json:"browser"`

	Plan          *TestPlan          `json:"plan,omitempty"`
	GeneratedCode string             `json:"generated_code,omitempty"`
	Execution     *ExecutionResult   `json:"execution,omitempty"`
	Verdict       *ValidationVerdict `json:"verdict,omitempty"`

	HealingAttempts int           `json:"healing_attempts"`
	History         []StageRecord `json:"history"`

	Terminal    TerminalStatus `json:"terminal_status,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt time.Time      `json:"completed_at,omitempty"`
}

func NewRunState(runID, instruction, targetURL string, bc BrowserConfig) *RunState {
	return &RunState{
		RunID:       strings.TrimSpace(runID),
		Instruction: instruction,
		TargetURL:   strings.TrimSpace(targetURL),
		Browser:     bc.withDefaults(),
		StartedAt:   time.Now().UTC(),
	}
}

// AppendHistory appends a record; history is never mutated in place.
func (rs *RunState) AppendHistory(rec StageRecord) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	rs.History = append(rs.History, rec)
}

// Finish sets the terminal status exactly once.
func (rs *RunState) Finish(status TerminalStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid terminal status: %q", status)
	}
	if rs.Terminal != "" {
		return fmt.Errorf("terminal status already set: %s", rs.Terminal)
	}
	rs.Terminal = status
	rs.CompletedAt = time.Now().UTC()
	return nil
}

func (rs *RunState) Terminated() bool {
	return rs.Terminal != ""
}
