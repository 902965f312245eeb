package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tunnelhq/tunnel/internal/workflow/runtime"
)

// Runner is the narrow remote-browser collaborator boundary consumed by the
// execute stage. A script whose assertions fail returns a normal failing
// ExecutionResult; only infrastructure trouble is reported as an error.
type Runner interface {
	RunScript(ctx context.Context, script string, cfg runtime.BrowserConfig) (*runtime.ExecutionResult, error)
}

type SessionUnavailableError struct {
	Message string
}

func (e *SessionUnavailableError) Error() string {
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = "remote browser session unavailable"
	}
	return fmt.Sprintf("session unavailable: %s", msg)
}

type TimeoutError struct {
	Message string
}

func (e *TimeoutError) Error() string {
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = "remote browser execution timed out"
	}
	return fmt.Sprintf("execution timeout: %s", msg)
}

// Retryable reports whether err is an infrastructure failure worth retrying.
// Both session acquisition trouble and timeouts qualify.
func Retryable(err error) bool {
	var su *SessionUnavailableError
	var to *TimeoutError
	return errors.As(err, &su) || errors.As(err, &to)
}
