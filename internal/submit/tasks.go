package submit

import (
	"context"
	"fmt"

	"github.com/fedora-packager/hubclient/internal/runner"
)

// BuildTask runs call as a background task.
func (e *Engine) BuildTask(call *BuildCall) runner.TaskFunc {
	return func(ctx context.Context, progress runner.Progress) runner.Result {
		progress(fmt.Sprintf("submitting %s", call.kind))
		res := call.Call(ctx)
		switch res.Outcome {
		case Submitted:
			return runner.Result{Status: runner.StatusSuccess, TaskID: res.TaskID, Message: fmt.Sprintf("created task %d", res.TaskID)}
		case AlreadyExists:
			return runner.Result{Status: runner.StatusAlreadyExists, TaskID: res.TaskID, Message: fmt.Sprintf("build %d already exists, see task %d", res.BuildID, res.TaskID)}
		}
		return runner.Failed(res.Err)
	}
}

// UpdateTask runs call as a background task. The result names the first
// update created.
func (e *Engine) UpdateTask(call *UpdateCall) runner.TaskFunc {
	return func(ctx context.Context, progress runner.Progress) runner.Result {
		progress(fmt.Sprintf("submitting update for %v", call.req.Builds))
		resp, err := call.Call(ctx)
		if err != nil {
			return runner.Failed(err)
		}
		r := runner.Result{Status: runner.StatusSuccess, Message: resp.Flash}
		if len(resp.Updates) > 0 {
			r.UpdateName = resp.Updates[0].Name()
		}
		return r
	}
}
