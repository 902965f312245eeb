package server

import "time"

// SubmitRunRequest is the POST /runs request body.
type SubmitRunRequest struct {
	// Instruction is the natural-language test description. Required.
	Instruction string `json:"instruction"`

	// TargetURL is the page under test. Required.
	TargetURL string `json:"target_url"`

	// RunID is optional. If empty, a ULID is generated.
	RunID string `json:"run_id,omitempty"`
}

// RunStatus is returned by GET /runs/{id}.
type RunStatus struct {
	RunID           string     `json:"run_id"`
	State           string     `json:"state"` // running | PASSED | FAILED | ERRORED | ABORTED
	CurrentStage    string     `json:"current_stage,omitempty"`
	LastEvent       string     `json:"last_event,omitempty"`
	LastEventAt     *time.Time `json:"last_event_at,omitempty"`
	HealingAttempts int        `json:"healing_attempts"`
	Steps           int        `json:"steps"`
	Reason          string     `json:"reason,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
}

// ErrorResponse is a standard error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
