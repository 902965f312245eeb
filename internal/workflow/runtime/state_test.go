package runtime

import (
	"testing"
	"time"
)

func TestNewRunStateDefaults(t *testing.T) {
	rs := NewRunState("  run-1  ", "check login", " https://example.test ", BrowserConfig{})
	if rs.RunID != "run-1" || rs.TargetURL != "https://example.test" {
		t.Fatalf("rs = %+v", rs)
	}
	if rs.Browser.Kind != BrowserChromium {
		t.Fatalf("kind = %s", rs.Browser.Kind)
	}
	if rs.Browser.Viewport.Width != 1280 || rs.Browser.Viewport.Height != 720 {
		t.Fatalf("viewport = %+v", rs.Browser.Viewport)
	}
	if rs.Browser.TimeoutMS != 30_000 {
		t.Fatalf("timeout = %d", rs.Browser.TimeoutMS)
	}
	if rs.StartedAt.IsZero() {
		t.Fatal("started at unset")
	}
	if rs.Terminated() {
		t.Fatal("fresh state must not be terminal")
	}
}

func TestNewRunStateKeepsExplicitBrowserConfig(t *testing.T) {
	rs := NewRunState("r", "i", "u", BrowserConfig{
		Kind:      BrowserFirefox,
		Viewport:  Viewport{Width: 800, Height: 600},
		TimeoutMS: 5000,
	})
	if rs.Browser.Kind != BrowserFirefox || rs.Browser.Viewport.Width != 800 || rs.Browser.TimeoutMS != 5000 {
		t.Fatalf("browser = %+v", rs.Browser)
	}
}

func TestAppendHistoryStampsTimestamp(t *testing.T) {
	rs := NewRunState("r", "i", "u", BrowserConfig{})
	rs.AppendHistory(StageRecord{Stage: StagePlan, Attempt: 1, Outcome: OutcomeOK})
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rs.AppendHistory(StageRecord{Stage: StageGenerate, Attempt: 1, Outcome: OutcomeOK, Timestamp: fixed})

	if len(rs.History) != 2 {
		t.Fatalf("history = %d", len(rs.History))
	}
	if rs.History[0].Timestamp.IsZero() {
		t.Fatal("zero timestamp must be stamped")
	}
	if !rs.History[1].Timestamp.Equal(fixed) {
		t.Fatalf("explicit timestamp overwritten: %v", rs.History[1].Timestamp)
	}
}

func TestFinishIsSingleAssignment(t *testing.T) {
	rs := NewRunState("r", "i", "u", BrowserConfig{})
	if err := rs.Finish(StatusPassed); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if !rs.Terminated() || rs.CompletedAt.IsZero() {
		t.Fatalf("rs = %+v", rs)
	}
	if err := rs.Finish(StatusFailed); err == nil {
		t.Fatal("second Finish must fail")
	}
	if rs.Terminal != StatusPassed {
		t.Fatalf("terminal = %s, first assignment must stick", rs.Terminal)
	}
	if err := NewRunState("r2", "i", "u", BrowserConfig{}).Finish("BOGUS"); err == nil {
		t.Fatal("invalid status must be rejected")
	}
}

func TestStageNameNextCanonical(t *testing.T) {
	order := map[StageName]StageName{
		StagePlan:     StageGenerate,
		StageGenerate: StageExecute,
		StageExecute:  StageValidate,
	}
	for from, want := range order {
		got, ok := from.NextCanonical()
		if !ok || got != want {
			t.Fatalf("NextCanonical(%s) = %s, %v", from, got, ok)
		}
	}
	for _, terminal := range []StageName{StageValidate, StageHeal} {
		if _, ok := terminal.NextCanonical(); ok {
			t.Fatalf("%s must have no canonical successor", terminal)
		}
	}
}

func TestParseBrowserKind(t *testing.T) {
	cases := map[string]BrowserKind{
		"":        BrowserChromium,
		"chrome":  BrowserChromium,
		"Firefox": BrowserFirefox,
		"safari":  BrowserWebkit,
	}
	for in, want := range cases {
		got, err := ParseBrowserKind(in)
		if err != nil || got != want {
			t.Fatalf("ParseBrowserKind(%q) = %s, %v", in, got, err)
		}
	}
	if _, err := ParseBrowserKind("netscape"); err == nil {
		t.Fatal("unknown kind must fail")
	}
}

func TestParseExecStatus(t *testing.T) {
	cases := map[string]ExecStatus{
		"passed":    ExecSuccess,
		"FAILED":    ExecFailure,
		"timed_out": ExecTimeout,
		"error":     ExecError,
	}
	for in, want := range cases {
		got, err := ParseExecStatus(in)
		if err != nil || got != want {
			t.Fatalf("ParseExecStatus(%q) = %s, %v", in, got, err)
		}
	}
	if _, err := ParseExecStatus("exploded"); err == nil {
		t.Fatal("unknown status must fail")
	}
}

func TestExecutionResultPassed(t *testing.T) {
	if (&ExecutionResult{Status: ExecFailure}).Passed() {
		t.Fatal("failure is not a pass")
	}
	if !(&ExecutionResult{Status: ExecSuccess}).Passed() {
		t.Fatal("success is a pass")
	}
	var nilRes *ExecutionResult
	if nilRes.Passed() {
		t.Fatal("nil result is not a pass")
	}
}
