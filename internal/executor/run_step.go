package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/vk/burstci/internal/ctxlog"
	"github.com/vk/burstci/internal/expr"
	"github.com/vk/burstci/internal/fsutil"
	"github.com/vk/burstci/internal/job"
	"github.com/vk/burstci/internal/registry"
	"github.com/vk/burstci/internal/session"
	"github.com/vk/burstci/internal/workflow"
)

// attempt is the result of running a step once.
type attempt struct {
	exitCode int
	outputs  map[string]string
	env      map[string]string
	hooks    []registry.PostHook
	err      error
}

// shouldRun evaluates the step condition. Once the job has failed or was
// cancelled, only steps whose condition calls a status function run.
func (e *Executor) shouldRun(ctx context.Context, step *workflow.StepTemplate, jc *jobContext, scope expr.Scope) bool {
	if (jc.failed || jc.cancelled()) && !expr.UsesStatusFunction(step.If) {
		return false
	}
	ok, err := expr.Condition(step.If, scope)
	if err != nil {
		ctxlog.FromContext(ctx).Warn("Malformed step condition; treating it as false.", "step", step.ID, "if", step.If, "error", err)
		return false
	}
	return ok
}

// runStep runs one step, including its retries, and records it in the
// tracker and in jc. The returned error is the step failure, if any.
func (e *Executor) runStep(ctx context.Context, sess *session.Session, inst *job.Instance, step *workflow.StepTemplate, jc *jobContext, m *masker, workspace string) (*job.StepResult, []registry.PostHook, error) {
	ctx = ctxlog.With(ctx, "step", step.ID)
	logger := ctxlog.FromContext(ctx)

	env := mergeEnv(jc.env, jc.exported)
	scope := jc.scope(env)
	name := step.Name
	if n, err := expr.Interpolate(step.Name, scope); err == nil {
		name = n
	}
	res := &job.StepResult{ID: step.ID, Name: name, ExitCode: -1}

	if !e.shouldRun(ctx, step, jc, scope) {
		logger.Debug("Skipping step.")
		res.Outcome, res.Conclusion = job.Skipped, job.Skipped
		sess.Tracker.Record(inst.ID, step.ID, job.Pending, job.Skipped, "condition")
		jc.steps[step.ID] = stepState{outcome: job.Skipped, conclusion: job.Skipped}
		return res, nil, nil
	}

	sess.Tracker.Record(inst.ID, step.ID, job.Pending, job.Running, "")
	logger.Info("Running step.", "name", name)

	// Steps that run after cancellation or a job timeout get a fresh,
	// bounded context.
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), e.GracePeriod)
		defer cancel()
	}

	res.StartedAt = time.Now()
	var (
		last attempt
		out  *stepOutput
	)
	stepEnv, err := interpolateEnv(step.Env, scope, env)
	if err != nil {
		last = attempt{exitCode: -1, err: err}
	} else {
		scope.Set("env", expr.StringMap(stepEnv))
		for n := 1; ; n++ {
			res.Attempts = n
			out = newStepOutput(m)
			last = e.attempt(ctx, sess, inst, step, scope, stepEnv, workspace, out)
			if last.err == nil || n > step.Retries || ctx.Err() != nil {
				break
			}
			logger.Warn("Step attempt failed; retrying.", "attempt", n, "retries", step.Retries, "error", last.err)
		}
		log, cmdOutputs := out.finish()
		res.Output = log
		for k, v := range cmdOutputs {
			if last.outputs == nil {
				last.outputs = map[string]string{}
			}
			if _, ok := last.outputs[k]; !ok {
				last.outputs[k] = v
			}
		}
	}
	res.Duration = time.Since(res.StartedAt)
	res.ExitCode = last.exitCode
	res.Outputs = maskValues(last.outputs, m)

	var stepErr error
	if last.err == nil {
		res.Outcome, res.Conclusion = job.Succeeded, job.Succeeded
		for k, v := range last.env {
			jc.exported[k] = v
		}
	} else {
		stepErr = &StepExecutionError{Step: step.ID, ExitCode: last.exitCode, Err: last.err}
		res.Error = m.mask(stepErr.Error())
		res.Outcome, res.Conclusion = job.Failed, job.Failed
		if step.ContinueOnError {
			res.Conclusion = job.Succeeded
			logger.Warn("Step failed; continuing on error.", "error", last.err)
		} else {
			logger.Error("Step failed.", "error", last.err)
		}
	}
	sess.Tracker.Record(inst.ID, step.ID, job.Running, res.Outcome, res.Error)
	jc.steps[step.ID] = stepState{outcome: res.Outcome, conclusion: res.Conclusion, outputs: last.outputs}
	return res, last.hooks, stepErr
}

func maskValues(in map[string]string, m *masker) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = m.mask(v)
	}
	return out
}

// attempt runs the step once under its own timeout.
func (e *Executor) attempt(ctx context.Context, sess *session.Session, inst *job.Instance, step *workflow.StepTemplate, scope *expr.MapScope, env map[string]string, workspace string, out *stepOutput) attempt {
	if d := step.Timeout(); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	var a attempt
	switch step.Kind {
	case workflow.StepUses:
		a = e.invokeAction(ctx, sess, inst, step, scope, env, workspace, out)
	default:
		a = e.runCommand(ctx, step, scope, env, workspace, out)
	}
	if a.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && step.Timeout() > 0 {
		a.err = fmt.Errorf("timed out after %s: %w", step.Timeout(), a.err)
	}
	return a
}

// shellArgs builds the command line for a run step.
func shellArgs(shell, script string) []string {
	switch strings.TrimSpace(shell) {
	case "", "sh":
		return []string{"sh", "-e", "-c", script}
	case "bash":
		return []string{"bash", "--noprofile", "--norc", "-e", "-o", "pipefail", "-c", script}
	}
	return append(strings.Fields(shell), script)
}

// environ overlays env on the engine's process environment.
func environ(env map[string]string) []string {
	merged := map[string]string{}
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			merged[k] = v
		}
	}
	for k, v := range env {
		merged[k] = v
	}
	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func workingDir(workspace, rel string) (string, error) {
	if rel == "" {
		return workspace, nil
	}
	if err := fsutil.CheckRelative(rel); err != nil {
		return "", fmt.Errorf("working-directory: %w", err)
	}
	dir := filepath.Join(workspace, filepath.FromSlash(rel))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

func (e *Executor) runCommand(ctx context.Context, step *workflow.StepTemplate, scope *expr.MapScope, env map[string]string, workspace string, out *stepOutput) attempt {
	script, err := expr.Interpolate(step.Run, scope)
	if err != nil {
		return attempt{exitCode: -1, err: err}
	}
	wd, err := expr.Interpolate(step.WorkingDirectory, scope)
	if err != nil {
		return attempt{exitCode: -1, err: err}
	}
	dir, err := workingDir(workspace, wd)
	if err != nil {
		return attempt{exitCode: -1, err: err}
	}

	argv := shellArgs(step.Shell, script)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = environ(env)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = e.KillDelay

	err = cmd.Run()
	if err == nil {
		return attempt{exitCode: 0}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return attempt{exitCode: exitErr.ExitCode(), err: err}
	}
	return attempt{exitCode: -1, err: err}
}
