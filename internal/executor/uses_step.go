package executor

import (
	"context"
	"fmt"

	"github.com/vk/burstci/internal/ctxlog"
	"github.com/vk/burstci/internal/expr"
	"github.com/vk/burstci/internal/job"
	"github.com/vk/burstci/internal/registry"
	"github.com/vk/burstci/internal/session"
	"github.com/vk/burstci/internal/workflow"
)

// invokeAction resolves the step's `uses` reference and invokes the
// registered action with its interpolated inputs.
func (e *Executor) invokeAction(ctx context.Context, sess *session.Session, inst *job.Instance, step *workflow.StepTemplate, scope *expr.MapScope, env map[string]string, workspace string, out *stepOutput) attempt {
	if sess.Registry == nil {
		return attempt{exitCode: -1, err: fmt.Errorf("no action registry is configured")}
	}
	entry, err := sess.Registry.Resolve(step.Uses)
	if err != nil {
		return attempt{exitCode: -1, err: err}
	}
	raw, err := expr.InterpolateMap(step.With.Map(), scope)
	if err != nil {
		return attempt{exitCode: -1, err: fmt.Errorf("with: %w", err)}
	}
	with, err := entry.Prepare(raw)
	if err != nil {
		return attempt{exitCode: -1, err: err}
	}

	inv := &registry.Invocation{
		Ref:       entry.Ref,
		RunID:     sess.RunID,
		Job:       inst.ID,
		Step:      step.ID,
		With:      with,
		Env:       env,
		Workspace: workspace,
		Output:    out,
		Cache:     sess.Cache,
		Artifacts: sess.Artifacts,
	}
	ctxlog.FromContext(ctx).Debug("Invoking action.", "uses", entry.Ref)
	res, err := entry.Action.Invoke(ctx, inv)
	if err != nil {
		return attempt{exitCode: -1, err: err, hooks: inv.Post}
	}
	a := attempt{exitCode: 0, hooks: inv.Post}
	if res != nil {
		a.outputs = res.Outputs
		a.env = res.Env
	}
	return a
}
