package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tunnelhq/tunnel/internal/workflow/engine"
)

// RunHandle tracks a single running or completed workflow run.
type RunHandle struct {
	RunID       string
	Broadcaster *Broadcaster
	Cancel      context.CancelCauseFunc
	StartedAt   time.Time

	mu     sync.Mutex
	report *engine.Report
	err    error
	done   bool
	doneCh chan struct{}
}

func NewRunHandle(runID string, cancel context.CancelCauseFunc) *RunHandle {
	return &RunHandle{
		RunID:       runID,
		Broadcaster: NewBroadcaster(),
		Cancel:      cancel,
		StartedAt:   time.Now().UTC(),
		doneCh:      make(chan struct{}),
	}
}

// SetResult records the terminal outcome and releases all Await callers.
func (h *RunHandle) SetResult(rep *engine.Report, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done {
		return
	}
	h.report = rep
	h.err = err
	h.done = true
	close(h.doneCh)
}

// Await blocks until the run reaches a terminal status or ctx is done.
func (h *RunHandle) Await(ctx context.Context) (*engine.Report, error) {
	select {
	case <-h.doneCh:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.report, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the terminal report without blocking; ok is false while
// the run is still in flight.
func (h *RunHandle) Result() (rep *engine.Report, err error, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.report, h.err, h.done
}

// Status summarizes the run for the HTTP API. In-flight detail comes from
// the most recent progress events.
func (h *RunHandle) Status() RunStatus {
	h.mu.Lock()
	done, rep, err := h.done, h.report, h.err
	h.mu.Unlock()

	status := RunStatus{
		RunID:     h.RunID,
		State:     "running",
		StartedAt: h.StartedAt,
	}
	if done {
		switch {
		case err != nil:
			status.State = "ERRORED"
			status.Reason = err.Error()
		case rep != nil:
			status.State = string(rep.TerminalStatus)
			status.Reason = rep.TerminalReason
			status.HealingAttempts = rep.HealingAttempts
			status.Steps = len(rep.StageHistory)
		}
		return status
	}

	history := h.Broadcaster.History()
	for i := len(history) - 1; i >= 0; i-- {
		if st, ok := history[i]["stage"].(string); ok && st != "" {
			status.CurrentStage = st
			break
		}
	}
	if len(history) > 0 {
		last := history[len(history)-1]
		if evt, ok := last["event"].(string); ok {
			status.LastEvent = evt
		}
		if ts, ok := last["ts"].(string); ok {
			if t, perr := time.Parse(time.RFC3339Nano, ts); perr == nil {
				status.LastEventAt = &t
			}
		}
	}
	return status
}

// Registry tracks every run managed by this server instance.
type Registry struct {
	mu   sync.RWMutex
	runs map[string]*RunHandle
}

func NewRegistry() *Registry {
	return &Registry{runs: make(map[string]*RunHandle)}
}

// Register adds a run. Duplicate IDs are rejected.
func (r *Registry) Register(runID string, h *RunHandle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.runs[runID]; exists {
		return fmt.Errorf("run %s already exists", runID)
	}
	r.runs[runID] = h
	return nil
}

func (r *Registry) Get(runID string) (*RunHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.runs[runID]
	return h, ok
}

func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.runs))
	for id := range r.runs {
		ids = append(ids, id)
	}
	return ids
}

// CancelAll cancels every run with the given reason. Runs that already
// terminated ignore it.
func (r *Registry) CancelAll(reason string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, h := range r.runs {
		if h.Cancel != nil {
			h.Cancel(fmt.Errorf("%s", reason))
		}
	}
}
