package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/tunnelhq/tunnel/internal/workflow/engine"
	"github.com/tunnelhq/tunnel/internal/workflow/runtime"
	"github.com/tunnelhq/tunnel/internal/workflow/stage"
)

type stubStage struct {
	name runtime.StageName
	run  func(ctx context.Context, rs *runtime.RunState) (stage.Delta, error)
}

func (s *stubStage) Name() runtime.StageName { return s.name }

func (s *stubStage) Run(ctx context.Context, rs *runtime.RunState) (stage.Delta, error) {
	return s.run(ctx, rs)
}

// passingStages drives a run straight through to PASSED. When block is
// non-nil the execute stage waits on it or on ctx before returning.
func passingStages(block chan struct{}) []stage.Stage {
	code := "await page.goto('x');"
	return []stage.Stage{
		&stubStage{name: runtime.StagePlan, run: func(ctx context.Context, rs *runtime.RunState) (stage.Delta, error) {
			return stage.Delta{Plan: &runtime.TestPlan{
				ID:    "plan_stub",
				Name:  "stub",
				URL:   rs.TargetURL,
				Steps: []runtime.TestStep{{Action: runtime.ActionNavigate, Description: "open"}},
			}}, nil
		}},
		&stubStage{name: runtime.StageGenerate, run: func(ctx context.Context, rs *runtime.RunState) (stage.Delta, error) {
			return stage.Delta{Code: &code}, nil
		}},
		&stubStage{name: runtime.StageExecute, run: func(ctx context.Context, rs *runtime.RunState) (stage.Delta, error) {
			if block != nil {
				select {
				case <-block:
				case <-ctx.Done():
					return stage.Delta{}, ctx.Err()
				}
			}
			return stage.Delta{Execution: &runtime.ExecutionResult{Status: runtime.ExecSuccess}}, nil
		}},
		&stubStage{name: runtime.StageValidate, run: func(ctx context.Context, rs *runtime.RunState) (stage.Delta, error) {
			return stage.Delta{Verdict: &runtime.ValidationVerdict{Passed: rs.Execution.Passed()}}, nil
		}},
	}
}

func newTestServer(t *testing.T, block chan struct{}) *httptest.Server {
	t.Helper()
	s := New(Config{
		Addr: ":0",
		NewEngine: func(runID string, sink func(map[string]any)) (*engine.Engine, error) {
			return engine.New(engine.Options{
				RunID:        runID,
				HMax:         0,
				Backoff:      engine.BackoffConfig{BackoffFactor: 1},
				ProgressSink: sink,
			}, passingStages(block)...)
		},
	})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	t.Cleanup(s.Shutdown)
	return srv
}

func submitRun(t *testing.T, srv *httptest.Server, body map[string]string) *http.Response {
	t.Helper()
	b, _ := json.Marshal(body)
	resp, err := http.Post(srv.URL+"/runs", "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST /runs: %v", err)
	}
	return resp
}

func TestServerRunLifecycle(t *testing.T) {
	srv := newTestServer(t, nil)

	resp := submitRun(t, srv, map[string]string{
		"instruction": "check login",
		"target_url":  "https://example.test",
		"run_id":      "run-lifecycle",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var accepted map[string]string
	json.NewDecoder(resp.Body).Decode(&accepted)
	if accepted["run_id"] != "run-lifecycle" {
		t.Fatalf("accepted = %v", accepted)
	}

	// The report endpoint blocks until the run terminates.
	repResp, err := http.Get(srv.URL + "/runs/run-lifecycle/report")
	if err != nil {
		t.Fatalf("GET report: %v", err)
	}
	defer repResp.Body.Close()
	if repResp.StatusCode != http.StatusOK {
		t.Fatalf("report status = %d", repResp.StatusCode)
	}
	var rep engine.Report
	if err := json.NewDecoder(repResp.Body).Decode(&rep); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if rep.TerminalStatus != runtime.StatusPassed || len(rep.StageHistory) != 4 {
		t.Fatalf("report = %+v", rep)
	}

	stResp, err := http.Get(srv.URL + "/runs/run-lifecycle")
	if err != nil {
		t.Fatalf("GET run: %v", err)
	}
	defer stResp.Body.Close()
	var st RunStatus
	json.NewDecoder(stResp.Body).Decode(&st)
	if st.State != "PASSED" || st.Steps != 4 {
		t.Fatalf("status = %+v", st)
	}
}

func TestServerSubmitValidation(t *testing.T) {
	srv := newTestServer(t, nil)

	cases := []struct {
		name string
		body map[string]string
	}{
		{"missing instruction", map[string]string{"target_url": "https://x"}},
		{"missing target url", map[string]string{"instruction": "check"}},
		{"bad run id", map[string]string{"instruction": "check", "target_url": "https://x", "run_id": "../etc/passwd"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := submitRun(t, srv, tc.body)
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d", resp.StatusCode)
			}
		})
	}
}

func TestServerDuplicateRunID(t *testing.T) {
	srv := newTestServer(t, nil)

	first := submitRun(t, srv, map[string]string{"instruction": "a", "target_url": "https://x", "run_id": "run-dup"})
	first.Body.Close()
	if first.StatusCode != http.StatusAccepted {
		t.Fatalf("first = %d", first.StatusCode)
	}
	second := submitRun(t, srv, map[string]string{"instruction": "a", "target_url": "https://x", "run_id": "run-dup"})
	second.Body.Close()
	if second.StatusCode != http.StatusConflict {
		t.Fatalf("second = %d", second.StatusCode)
	}
}

func TestServerUnknownRun(t *testing.T) {
	srv := newTestServer(t, nil)
	resp, err := http.Get(srv.URL + "/runs/nope")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestServerCancelRun(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	srv := newTestServer(t, block)

	resp := submitRun(t, srv, map[string]string{"instruction": "a", "target_url": "https://x", "run_id": "run-cancel"})
	resp.Body.Close()

	cResp, err := http.Post(srv.URL+"/runs/run-cancel/cancel", "application/json", nil)
	if err != nil {
		t.Fatalf("POST cancel: %v", err)
	}
	cResp.Body.Close()
	if cResp.StatusCode != http.StatusOK {
		t.Fatalf("cancel status = %d", cResp.StatusCode)
	}

	repResp, err := http.Get(srv.URL + "/runs/run-cancel/report")
	if err != nil {
		t.Fatalf("GET report: %v", err)
	}
	defer repResp.Body.Close()
	var rep engine.Report
	json.NewDecoder(repResp.Body).Decode(&rep)
	if rep.TerminalStatus != runtime.StatusAborted {
		t.Fatalf("report = %+v", rep)
	}
	if !strings.Contains(rep.TerminalReason, "canceled via HTTP API") {
		t.Fatalf("reason = %q", rep.TerminalReason)
	}
}

func TestServerHealth(t *testing.T) {
	srv := newTestServer(t, nil)
	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	var body map[string]any
	json.NewDecoder(resp.Body).Decode(&body)
	if body["status"] != "ok" {
		t.Fatalf("body = %v", body)
	}
}

func TestServerCSRFProtection(t *testing.T) {
	srv := newTestServer(t, nil)

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/runs", strings.NewReader(`{}`))
	req.Header.Set("Origin", "https://evil.example")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodPost, srv.URL+"/runs", strings.NewReader(`{}`))
	req.Header.Set("Origin", "http://localhost:3000")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode == http.StatusForbidden {
		t.Fatal("localhost origin must pass the CSRF check")
	}
}

func TestServerEventsStream(t *testing.T) {
	srv := newTestServer(t, nil)

	resp := submitRun(t, srv, map[string]string{"instruction": "a", "target_url": "https://x", "run_id": "run-events"})
	resp.Body.Close()

	// Wait for the terminal report first so the stream replays a finished run.
	repResp, err := http.Get(srv.URL + "/runs/run-events/report")
	if err != nil {
		t.Fatalf("GET report: %v", err)
	}
	repResp.Body.Close()

	evResp, err := http.Get(srv.URL + "/runs/run-events/events")
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer evResp.Body.Close()
	if ct := evResp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content-type = %q", ct)
	}
	var buf bytes.Buffer
	buf.ReadFrom(evResp.Body)
	body := buf.String()
	if !strings.Contains(body, `"event":"run_started"`) || !strings.Contains(body, `"event":"run_finished"`) {
		t.Fatalf("stream missing lifecycle events:\n%s", body)
	}
	if !strings.Contains(body, "event: done") {
		t.Fatalf("stream missing done marker:\n%s", body)
	}
}
