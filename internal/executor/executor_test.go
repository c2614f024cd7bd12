package executor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/burstci/internal/expr"
	"github.com/vk/burstci/internal/job"
	"github.com/vk/burstci/internal/matrix"
	"github.com/vk/burstci/internal/registry"
	"github.com/vk/burstci/internal/session"
	"github.com/vk/burstci/internal/workflow"
)

type fixture struct {
	sess *session.Session
	inst *job.Instance
}

func newFixture(t *testing.T, j workflow.RawJob, reg *registry.Registry) *fixture {
	t.Helper()
	if j.Name == "" {
		j.Name = "build"
	}
	def, err := workflow.Parse(&workflow.Raw{Name: "ci", Jobs: []workflow.RawJob{j}})
	require.NoError(t, err)
	sess, err := session.New(context.Background(), def, session.Trigger{Event: "push", Ref: "refs/heads/main"}, session.Options{
		RunID:         "run-1",
		WorkspaceRoot: t.TempDir(),
		Secrets:       map[string]string{"TOKEN": "hunter2"},
		Registry:      reg,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Close(context.Background()) })

	insts, err := matrix.Expand(def.Jobs[0], sess.Scope())
	require.NoError(t, err)
	require.Len(t, insts, 1)
	return &fixture{sess: sess, inst: insts[0]}
}

func (f *fixture) run(t *testing.T, ctx context.Context) (job.Status, error) {
	t.Helper()
	return New().Run(ctx, f.sess, f.inst, Assignment{WorkerID: "w1", Labels: []string{"linux"}, Needs: expr.Object(nil)})
}

func stepByID(t *testing.T, inst *job.Instance, id string) *job.StepResult {
	t.Helper()
	for _, r := range inst.StepResults() {
		if r.ID == id {
			return r
		}
	}
	t.Fatalf("no result for step %q", id)
	return nil
}

func TestRun_StepOutputsFlowIntoLaterSteps(t *testing.T) {
	f := newFixture(t, workflow.RawJob{
		Outputs: workflow.Vars{{Name: "answer", Value: "${{ steps.produce.outputs.value }}"}},
		Steps: []workflow.RawStep{
			{ID: "produce", Run: `echo "::set-output name=value::42"`},
			{ID: "consume", Run: `test "${{ steps.produce.outputs.value }}" = 42`},
		},
	}, nil)

	status, err := f.run(t, context.Background())
	require.NoError(t, err)
	assert.Equal(t, job.Succeeded, status)
	assert.Equal(t, map[string]string{"answer": "42"}, f.inst.Outputs())

	produce := stepByID(t, f.inst, "produce")
	assert.Equal(t, map[string]string{"value": "42"}, produce.Outputs)
	assert.Equal(t, 0, produce.ExitCode)
	assert.NotContains(t, produce.Output, "::set-output")
}

func TestRun_FailureSkipsLaterStepsUnlessStatusFunction(t *testing.T) {
	f := newFixture(t, workflow.RawJob{
		Steps: []workflow.RawStep{
			{ID: "fail", Run: "exit 3"},
			{ID: "next", Run: "echo unreachable"},
			{ID: "cleanup", If: "${{ always() }}", Run: "echo cleanup"},
			{ID: "report", If: "failure()", Run: `echo "${{ job.status }}"`},
		},
	}, nil)

	status, err := f.run(t, context.Background())
	assert.Equal(t, job.Failed, status)

	var se *StepExecutionError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "fail", se.Step)
	assert.Equal(t, 3, se.ExitCode)

	assert.Equal(t, job.Failed, stepByID(t, f.inst, "fail").Outcome)
	assert.Equal(t, job.Skipped, stepByID(t, f.inst, "next").Outcome)
	assert.Equal(t, job.Succeeded, stepByID(t, f.inst, "cleanup").Outcome)
	report := stepByID(t, f.inst, "report")
	assert.Equal(t, job.Succeeded, report.Outcome)
	assert.Equal(t, "failure\n", report.Output)
}

func TestRun_ContinueOnError(t *testing.T) {
	f := newFixture(t, workflow.RawJob{
		Steps: []workflow.RawStep{
			{ID: "flaky", Run: "exit 1", ContinueOnError: true},
			{ID: "after", Run: `test "${{ steps.flaky.outcome }}/${{ steps.flaky.conclusion }}" = failure/success`},
		},
	}, nil)

	status, err := f.run(t, context.Background())
	require.NoError(t, err)
	assert.Equal(t, job.Succeeded, status)

	flaky := stepByID(t, f.inst, "flaky")
	assert.Equal(t, job.Failed, flaky.Outcome)
	assert.Equal(t, job.Succeeded, flaky.Conclusion)
	assert.Equal(t, job.Succeeded, stepByID(t, f.inst, "after").Outcome)
}

func TestRun_Retries(t *testing.T) {
	f := newFixture(t, workflow.RawJob{
		Steps: []workflow.RawStep{{
			ID:      "eventually",
			Retries: 2,
			Run:     `n=$(cat count 2>/dev/null || echo 0); n=$((n+1)); echo $n > count; [ "$n" -ge 2 ]`,
		}},
	}, nil)

	status, err := f.run(t, context.Background())
	require.NoError(t, err)
	assert.Equal(t, job.Succeeded, status)
	assert.Equal(t, 2, stepByID(t, f.inst, "eventually").Attempts)
}

func TestRun_MasksSecrets(t *testing.T) {
	f := newFixture(t, workflow.RawJob{
		Outputs: workflow.Vars{{Name: "leak", Value: "${{ secrets.TOKEN }}"}},
		Steps: []workflow.RawStep{
			{ID: "print", Run: `echo "token=${{ secrets.TOKEN }}"; echo "::add-mask::runtime-value"; echo runtime-value`},
		},
	}, nil)

	status, err := f.run(t, context.Background())
	require.NoError(t, err)
	assert.Equal(t, job.Succeeded, status)
	assert.Equal(t, "token=***\n***\n", stepByID(t, f.inst, "print").Output)
	assert.Equal(t, "***", f.inst.Outputs()["leak"])
}

func TestRun_EnvLayering(t *testing.T) {
	f := newFixture(t, workflow.RawJob{
		Env: workflow.Vars{
			{Name: "BASE", Value: "job"},
			{Name: "DERIVED", Value: "${{ env.BASE }}-derived"},
		},
		Steps: []workflow.RawStep{{
			ID:  "check",
			Env: workflow.Vars{{Name: "STEP", Value: "${{ env.DERIVED }}!"}},
			Run: `test "$BASE:$DERIVED:$STEP" = "job:job-derived:job-derived!"`,
		}},
	}, nil)

	status, err := f.run(t, context.Background())
	require.NoError(t, err)
	assert.Equal(t, job.Succeeded, status)
}

func TestRun_WorkingDirectoryMustStayInWorkspace(t *testing.T) {
	f := newFixture(t, workflow.RawJob{
		Steps: []workflow.RawStep{{ID: "escape", WorkingDirectory: "../..", Run: "pwd"}},
	}, nil)

	status, err := f.run(t, context.Background())
	assert.Equal(t, job.Failed, status)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "working-directory")
}

func TestRun_StepTimeout(t *testing.T) {
	f := newFixture(t, workflow.RawJob{
		Steps: []workflow.RawStep{{ID: "slow", TimeoutMinutes: 0.002, Run: "exec sleep 10"}},
	}, nil)

	status, err := f.run(t, context.Background())
	assert.Equal(t, job.Failed, status)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestRun_CancelledBeforeStart(t *testing.T) {
	f := newFixture(t, workflow.RawJob{
		Steps: []workflow.RawStep{
			{ID: "work", Run: "echo work"},
			{ID: "notify", If: "cancelled()", Run: "echo notify"},
		},
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	status, err := f.run(t, ctx)
	assert.Equal(t, job.Cancelled, status)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, job.Skipped, stepByID(t, f.inst, "work").Outcome)
	assert.Equal(t, job.Succeeded, stepByID(t, f.inst, "notify").Outcome)
}

type exportInput struct {
	Name  string `with:"name,required"`
	Value string `with:"value" default:"on"`
}

func TestRun_UsesActionExportsEnvAndRunsPostHooks(t *testing.T) {
	var (
		mu    sync.Mutex
		order []string
	)
	reg := registry.New()
	reg.Register("test/export", registry.ActionFunc(func(ctx context.Context, inv *registry.Invocation) (*registry.Result, error) {
		var in exportInput
		if err := inv.Decode(&in); err != nil {
			return nil, err
		}
		inv.OnPostJob(in.Name, func(ctx context.Context, outcome job.Status) error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, in.Name+":"+outcome.String())
			return nil
		})
		return &registry.Result{
			Outputs: map[string]string{"value": in.Value},
			Env:     map[string]string{strings.ToUpper(in.Name): in.Value},
		}, nil
	}), exportInput{}, "exports an env var")

	f := newFixture(t, workflow.RawJob{
		Steps: []workflow.RawStep{
			{ID: "first", Uses: "test/export@v1", With: workflow.Vars{{Name: "name", Value: "first"}}},
			{ID: "second", Uses: "test/export", With: workflow.Vars{{Name: "name", Value: "second"}, {Name: "value", Value: "${{ steps.first.outputs.value }}-2"}}},
			{ID: "check", Run: `test "$FIRST/$SECOND" = "on/on-2"`},
		},
	}, reg)

	status, err := f.run(t, context.Background())
	require.NoError(t, err)
	assert.Equal(t, job.Succeeded, status)
	assert.Equal(t, []string{"second:succeeded", "first:succeeded"}, order)

	var names []string
	for _, r := range f.inst.StepResults() {
		names = append(names, r.Name)
	}
	assert.Contains(t, names, "Post first")
}

func TestRun_UsesErrors(t *testing.T) {
	reg := registry.New()
	reg.Register("test/export", registry.ActionFunc(func(context.Context, *registry.Invocation) (*registry.Result, error) {
		return nil, errors.New("unreachable")
	}), exportInput{}, "")

	for name, step := range map[string]workflow.RawStep{
		"unknown action": {ID: "s", Uses: "nope/nope"},
		"missing input":  {ID: "s", Uses: "test/export"},
		"unknown input":  {ID: "s", Uses: "test/export", With: workflow.Vars{{Name: "name", Value: "x"}, {Name: "bogus", Value: "y"}}},
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, workflow.RawJob{Steps: []workflow.RawStep{step}}, reg)
			status, err := f.run(t, context.Background())
			assert.Equal(t, job.Failed, status)
			var se *StepExecutionError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, -1, se.ExitCode)
		})
	}
}

func TestRun_PostHookFailureFailsJob(t *testing.T) {
	reg := registry.New()
	reg.Register("test/post", registry.ActionFunc(func(ctx context.Context, inv *registry.Invocation) (*registry.Result, error) {
		inv.OnPostJob("broken", func(context.Context, job.Status) error { return errors.New("upload failed") })
		return nil, nil
	}), nil, "")

	f := newFixture(t, workflow.RawJob{Steps: []workflow.RawStep{{ID: "p", Uses: "test/post"}}}, reg)
	status, err := f.run(t, context.Background())
	assert.Equal(t, job.Failed, status)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upload failed")
}

func TestShellArgs(t *testing.T) {
	assert.Equal(t, []string{"sh", "-e", "-c", "x"}, shellArgs("", "x"))
	assert.Equal(t, []string{"bash", "--noprofile", "--norc", "-e", "-o", "pipefail", "-c", "x"}, shellArgs("bash", "x"))
	assert.Equal(t, []string{"python3", "-c", "x"}, shellArgs("python3 -c", "x"))
}

func TestStepOutput(t *testing.T) {
	m := newMasker(map[string]string{"a": "abc", "b": "abcdef"})
	o := newStepOutput(m)
	_, _ = o.Write([]byte("value abcdef and abc\n::set-output name=k::v\n::add-mask::later\npartial later"))
	log, outputs := o.finish()
	assert.Equal(t, "value *** and ***\npartial ***\n", log)
	assert.Equal(t, map[string]string{"k": "v"}, outputs)
}
