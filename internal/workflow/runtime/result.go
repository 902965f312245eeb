package runtime

import (
	"fmt"
	"strings"
)

type ExecStatus string

const (
	ExecSuccess ExecStatus = "success"
	ExecFailure ExecStatus = "failure"
	ExecTimeout ExecStatus = "timeout"
	ExecError   ExecStatus = "error"
)

func ParseExecStatus(s string) (ExecStatus, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "success", "passed", "ok":
		return ExecSuccess, nil
	case "failure", "failed", "fail":
		return ExecFailure, nil
	case "timeout", "timed_out":
		return ExecTimeout, nil
	case "error":
		return ExecError, nil
	default:
		return "", fmt.Errorf("invalid execution status: %q", s)
	}
}

// ExecutionResult is the outcome of one Execute invocation against the
// remote browser. A failing test is a normal result with Status=failure;
// infrastructure trouble never reaches this type (it surfaces as a stage
// failure instead).
type ExecutionResult struct {
	Status       ExecStatus `json:"status"`
	Logs         []string   `json:"logs,omitempty"`
	ArtifactRefs []string   `json:"artifact_refs,omitempty"`
	Error        string     `json:"error,omitempty"`
	DurationMS   int64      `json:"duration_ms"`
	SessionID    string     `json:"session_id,omitempty"`
}

func (r *ExecutionResult) Passed() bool {
	return r != nil && r.Status == ExecSuccess
}

// ValidationVerdict classifies an execution result against the plan.
type ValidationVerdict struct {
	Passed    bool     `json:"passed"`
	Diagnosis string   `json:"diagnosis,omitempty"`
	Hints     []string `json:"hints,omitempty"`
}
