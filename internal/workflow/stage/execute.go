package stage

import (
	"context"

	"github.com/tunnelhq/tunnel/internal/browser"
	"github.com/tunnelhq/tunnel/internal/workflow/runtime"
)

// Executor ships the generated script to the remote browser collaborator.
// Session acquisition trouble and timeouts are retryable infrastructure
// failures; a script that ran but failed is a normal result.
type Executor struct {
	Browser browser.Runner
}

func (e *Executor) Name() runtime.StageName { return runtime.StageExecute }

func (e *Executor) Run(ctx context.Context, rs *runtime.RunState) (Delta, error) {
	if rs.GeneratedCode == "" {
		return Delta{}, failuref(runtime.StageExecute, FailExecutionInfra, false, "no generated code to execute")
	}

	res, err := e.Browser.RunScript(ctx, rs.GeneratedCode, rs.Browser)
	if err != nil {
		if ctx.Err() != nil {
			return Delta{}, classifyContextError(runtime.StageExecute, ctx, err)
		}
		if browser.Retryable(err) {
			return Delta{}, failuref(runtime.StageExecute, FailExecutionInfra, true, "%v", err)
		}
		return Delta{}, failuref(runtime.StageExecute, FailExecutionInfra, false, "%v", err)
	}
	return Delta{Execution: res}, nil
}
