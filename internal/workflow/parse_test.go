package workflow

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/burstci/internal/expr"
)

func runJob(name string, needs ...string) RawJob {
	return RawJob{Name: name, Needs: needs, Steps: []RawStep{{Run: "echo " + name}}}
}

func requireDefinitionError(t *testing.T, err error) *DefinitionError {
	t.Helper()
	require.Error(t, err)
	var defErr *DefinitionError
	require.True(t, errors.As(err, &defErr), "expected *DefinitionError, got %T: %v", err, err)
	return defErr
}

func TestParse_Valid(t *testing.T) {
	raw := &Raw{
		Source: "ci.yml",
		Name:   "CI",
		On:     []RawTrigger{{Event: "push", Branches: []string{"main"}}},
		Env:    Vars{{Name: "GLOBAL", Value: "1"}},
		Jobs: []RawJob{
			{
				Name:   "deploy",
				Needs:  []string{"test", "build"},
				RunsOn: []string{"linux"},
				Steps: []RawStep{
					{ID: "ship", Uses: "print@v1", With: Vars{{Name: "message", Value: "hi"}}},
				},
			},
			runJob("build"),
			{
				Name:  "test",
				Needs: []string{"build", "build"},
				Matrix: &RawMatrix{
					Axes: []Axis{{Name: "go", Values: []expr.Value{expr.String("1.22"), expr.String("1.23")}}},
				},
				Steps: []RawStep{{Run: "go test ./...\necho done"}, {Uses: "cache", ContinueOnError: true}},
			},
		},
	}

	def, err := Parse(raw)
	require.NoError(t, err)

	assert.Equal(t, "CI", def.Name)
	assert.Equal(t, []string{"build", "test", "deploy"}, def.Order())

	test, ok := def.Job("test")
	require.True(t, ok)
	assert.Equal(t, 2, test.Index)
	assert.Equal(t, []string{"build"}, test.Needs, "duplicate needs are collapsed")
	require.Len(t, test.Steps, 2)
	assert.Equal(t, StepRun, test.Steps[0].Kind)
	assert.Equal(t, "__step1", test.Steps[0].ID)
	assert.Equal(t, "Run go test ./...", test.Steps[0].Name)
	assert.Equal(t, StepUses, test.Steps[1].Kind)
	assert.True(t, test.Steps[1].ContinueOnError)

	deploy, _ := def.Job("deploy")
	assert.Equal(t, "ship", deploy.Steps[0].ID)
	assert.Equal(t, "deploy", deploy.DisplayName)
	assert.Equal(t, []string{"test", "build"}, deploy.Needs)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		raw  *Raw
		want string
	}{
		{
			name: "no jobs",
			raw:  &Raw{},
			want: "at least one job is required",
		},
		{
			name: "missing job name",
			raw:  &Raw{Jobs: []RawJob{{Steps: []RawStep{{Run: "x"}}}}},
			want: "job name is required",
		},
		{
			name: "invalid job name",
			raw:  &Raw{Jobs: []RawJob{runJob("has space")}},
			want: "invalid job name",
		},
		{
			name: "duplicate job names",
			raw:  &Raw{Jobs: []RawJob{runJob("build"), runJob("build")}},
			want: "jobs.build: duplicate job name",
		},
		{
			name: "undefined needs",
			raw:  &Raw{Jobs: []RawJob{runJob("test", "build")}},
			want: `undefined job "build"`,
		},
		{
			name: "self needs",
			raw:  &Raw{Jobs: []RawJob{runJob("a", "a")}},
			want: "job cannot depend on itself",
		},
		{
			name: "missing steps",
			raw:  &Raw{Jobs: []RawJob{{Name: "empty"}}},
			want: "at least one step is required",
		},
		{
			name: "step with neither run nor uses",
			raw:  &Raw{Jobs: []RawJob{{Name: "a", Steps: []RawStep{{Name: "nothing"}}}}},
			want: "step requires run or uses",
		},
		{
			name: "step with both run and uses",
			raw:  &Raw{Jobs: []RawJob{{Name: "a", Steps: []RawStep{{Run: "x", Uses: "y"}}}}},
			want: "cannot have both run and uses",
		},
		{
			name: "duplicate step id",
			raw:  &Raw{Jobs: []RawJob{{Name: "a", Steps: []RawStep{{ID: "s", Run: "x"}, {ID: "s", Run: "y"}}}}},
			want: `duplicate step id "s"`,
		},
		{
			name: "exclude names undefined axis",
			raw: &Raw{Jobs: []RawJob{{
				Name:  "a",
				Steps: []RawStep{{Run: "x"}},
				Matrix: &RawMatrix{
					Axes:    []Axis{{Name: "os", Values: []expr.Value{expr.String("linux")}}},
					Exclude: []map[string]expr.Value{{"arch": expr.String("arm")}},
				},
			}}},
			want: `undefined axis "arch"`,
		},
		{
			name: "duplicate axis",
			raw: &Raw{Jobs: []RawJob{{
				Name:   "a",
				Steps:  []RawStep{{Run: "x"}},
				Matrix: &RawMatrix{Axes: []Axis{{Name: "os"}, {Name: "os"}}},
			}}},
			want: "duplicate axis",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def, err := Parse(tt.raw)
			assert.Nil(t, def)
			defErr := requireDefinitionError(t, err)
			assert.True(t, defErr.Has(tt.want), "expected %q in %v", tt.want, defErr)
		})
	}
}

func TestParse_CycleIsDefinitionError(t *testing.T) {
	raw := &Raw{Jobs: []RawJob{
		runJob("lint"),
		runJob("a", "c"),
		runJob("b", "a"),
		runJob("c", "b"),
	}}

	def, err := Parse(raw)
	assert.Nil(t, def)
	defErr := requireDefinitionError(t, err)
	assert.ErrorContains(t, defErr, "cycle detected: a -> c -> b -> a")
}

func TestParse_ReportsAllProblems(t *testing.T) {
	raw := &Raw{Source: "bad.yml", Jobs: []RawJob{
		runJob("a", "missing"),
		{Name: "b"},
	}}

	_, err := Parse(raw)
	defErr := requireDefinitionError(t, err)
	assert.Len(t, defErr.Problems, 2)
	assert.Contains(t, err.Error(), "bad.yml: invalid workflow definition (2 problems)")
}

func TestTriggered(t *testing.T) {
	def, err := Parse(&Raw{
		On: []RawTrigger{
			{Event: "push", Branches: []string{"main", "release/*"}},
			{Event: "workflow_dispatch"},
		},
		Jobs: []RawJob{runJob("a")},
	})
	require.NoError(t, err)

	assert.True(t, def.Triggered("push", "refs/heads/main"))
	assert.True(t, def.Triggered("push", "refs/heads/release/1.0"))
	assert.False(t, def.Triggered("push", "refs/heads/feature"))
	assert.True(t, def.Triggered("workflow_dispatch", "refs/heads/anything"))
	assert.False(t, def.Triggered("pull_request", "refs/heads/main"))
}

func TestResolveInputs(t *testing.T) {
	def, err := Parse(&Raw{
		Inputs: []Input{{Name: "env", Default: "staging"}, {Name: "version", Required: true}},
		Jobs:   []RawJob{runJob("a")},
	})
	require.NoError(t, err)

	got, err := def.ResolveInputs(map[string]string{"version": "1.0"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"env": "staging", "version": "1.0"}, got)

	_, err = def.ResolveInputs(nil)
	defErr := requireDefinitionError(t, err)
	assert.True(t, defErr.Has("required input not provided"))
}
