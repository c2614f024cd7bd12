package executor

import (
	"context"
	"fmt"
	"maps"
	"runtime"

	"github.com/vk/burstci/internal/cache"
	"github.com/vk/burstci/internal/ctxlog"
	"github.com/vk/burstci/internal/expr"
	"github.com/vk/burstci/internal/job"
	"github.com/vk/burstci/internal/workflow"
)

// stepState is what later steps see of an earlier one as steps.<id>.
type stepState struct {
	outcome    job.Status
	conclusion job.Status
	outputs    map[string]string
}

// jobContext accumulates the state expressions of one job run can see.
type jobContext struct {
	base      *expr.MapScope
	env       map[string]string
	exported  map[string]string
	steps     map[string]stepState
	failed    bool
	cancelled func() bool
}

// buildJobScope layers the job-level roots over the run scope.
func (e *Executor) buildJobScope(ctx context.Context, run runInfo, inst *job.Instance) *expr.MapScope {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("Building expression scope.", "job", inst.ID)

	scope := run.Scope.Clone()
	scope.Set("matrix", inst.MatrixValue())
	scope.Set("needs", run.Needs)
	scope.Set("runner", expr.Object(map[string]expr.Value{
		"name":   expr.String(run.WorkerID),
		"os":     expr.String(runtime.GOOS),
		"arch":   expr.String(runtime.GOARCH),
		"labels": stringArray(run.WorkerLabels),
		"temp":   expr.String(run.Workspace),
	}))
	scope.Set("job", expr.Object(map[string]expr.Value{
		"id":        expr.String(inst.ID),
		"name":      expr.String(inst.Name()),
		"status":    expr.String("success"),
		"workspace": expr.String(run.Workspace),
	}))
	workspace := run.Workspace
	scope.SetFunc("hashFiles", func(args []expr.Value) (expr.Value, error) {
		patterns := make([]string, 0, len(args))
		for _, a := range args {
			patterns = append(patterns, a.String())
		}
		sum, err := cache.HashFiles(workspace, patterns)
		if err != nil {
			return expr.Null, fmt.Errorf("hashFiles: %w", err)
		}
		return expr.String(sum), nil
	})
	return scope
}

func stringArray(ss []string) expr.Value {
	vs := make([]expr.Value, len(ss))
	for i, s := range ss {
		vs[i] = expr.String(s)
	}
	return expr.Array(vs...)
}

// interpolateEnv resolves env entries in declaration order; an entry may
// reference earlier ones through env.<name>.
func interpolateEnv(vars workflow.Vars, scope *expr.MapScope, inherited map[string]string) (map[string]string, error) {
	out := maps.Clone(inherited)
	if out == nil {
		out = map[string]string{}
	}
	for _, v := range vars {
		local := scope.Clone().Set("env", expr.StringMap(out))
		value, err := expr.Interpolate(v.Value, local)
		if err != nil {
			return nil, fmt.Errorf("env %s: %w", v.Name, err)
		}
		out[v.Name] = value
	}
	return out, nil
}

func (jc *jobContext) stepsValue() expr.Value {
	m := make(map[string]expr.Value, len(jc.steps))
	for id, st := range jc.steps {
		m[id] = expr.Object(map[string]expr.Value{
			"outcome":    expr.String(st.outcome.Result()),
			"conclusion": expr.String(st.conclusion.Result()),
			"outputs":    expr.StringMap(st.outputs),
		})
	}
	return expr.Object(m)
}

func (jc *jobContext) status() string {
	switch {
	case jc.cancelled():
		return "cancelled"
	case jc.failed:
		return "failure"
	}
	return "success"
}

// scope returns the scope for the next step: current env, steps so far,
// and status functions reflecting the job so far.
func (jc *jobContext) scope(env map[string]string) *expr.MapScope {
	s := jc.base.Clone()
	s.Set("env", expr.StringMap(env))
	s.Set("steps", jc.stepsValue())
	jobObj := s.Vars["job"]
	fields := map[string]expr.Value{}
	for _, k := range jobObj.Keys() {
		fields[k] = jobObj.Field(k)
	}
	fields["status"] = expr.String(jc.status())
	s.Set("job", expr.Object(fields))

	cancelled := jc.cancelled()
	for name, fn := range expr.StatusFuncs(!jc.failed && !cancelled, jc.failed, cancelled) {
		s.SetFunc(name, fn)
	}
	return s
}
