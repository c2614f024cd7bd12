package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/burstci/internal/concurrency"
	"github.com/vk/burstci/internal/expr"
	"github.com/vk/burstci/internal/workflow"
)

func definition(t *testing.T) *workflow.Definition {
	t.Helper()
	def, err := workflow.Parse(&workflow.Raw{
		Name:   "ci",
		Inputs: []workflow.Input{{Name: "level", Default: "info"}},
		Env:    workflow.Vars{{Name: "GLOBAL", Value: "1"}},
		Jobs: []workflow.RawJob{{
			Name:  "build",
			Steps: []workflow.RawStep{{Run: "true"}},
		}},
	})
	require.NoError(t, err)
	return def
}

func TestNew_WorkspaceAndScope(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s, err := New(ctx, definition(t), Trigger{Event: "push", Ref: "refs/heads/main", SHA: "abc"}, Options{
		RunID:         "run-1",
		WorkspaceRoot: root,
		Secrets:       map[string]string{"TOKEN": "s3cr3t"},
	})
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(root, "run-1"), s.Workspace())
	assert.DirExists(t, s.Workspace())
	assert.Equal(t, filepath.Join(root, "run-1", "build"), s.JobWorkspace("build"))

	scope := s.Scope()
	for src, want := range map[string]string{
		"github.ref_name":  "main",
		"trigger.event":    "push",
		"inputs.level":     "info",
		"secrets.TOKEN":    "s3cr3t",
		"env.GLOBAL":       "1",
		"github.run_id":    "run-1",
		"trigger.workflow": "ci",
	} {
		v, err := expr.Evaluate(src, scope)
		require.NoError(t, err, src)
		assert.Equal(t, want, v.String(), src)
	}

	require.NoError(t, s.Close(ctx))
	assert.NoDirExists(t, s.Workspace())
	require.NoError(t, s.Close(ctx), "close is idempotent")
}

func TestNew_GeneratesRunID(t *testing.T) {
	a, err := New(context.Background(), definition(t), Trigger{}, Options{WorkspaceRoot: t.TempDir()})
	require.NoError(t, err)
	b, err := New(context.Background(), definition(t), Trigger{}, Options{WorkspaceRoot: t.TempDir()})
	require.NoError(t, err)
	assert.Len(t, a.RunID, 36)
	assert.NotEqual(t, a.RunID, b.RunID)
	assert.NotNil(t, a.Cache)
	assert.NotNil(t, a.Artifacts)
	assert.NotNil(t, a.Locks)
}

func TestClose_KeepWorkspace(t *testing.T) {
	s, err := New(context.Background(), definition(t), Trigger{}, Options{WorkspaceRoot: t.TempDir(), KeepWorkspace: true})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(s.Workspace(), "log"), nil, 0o644))
	require.NoError(t, s.Close(context.Background()))
	assert.DirExists(t, s.Workspace())
}

func TestAcquire_AcrossRuns(t *testing.T) {
	ctx := context.Background()
	locks := concurrency.NewTable()
	first, err := New(ctx, definition(t), Trigger{}, Options{RunID: "r1", WorkspaceRoot: t.TempDir(), Locks: locks})
	require.NoError(t, err)
	second, err := New(ctx, definition(t), Trigger{}, Options{RunID: "r2", WorkspaceRoot: t.TempDir(), Locks: locks})
	require.NoError(t, err)

	cancelled := make(chan struct{}, 1)
	granted := first.Acquire("deploy", "deploy", false, func() { cancelled <- struct{}{} })
	<-granted

	waiting := second.Acquire("deploy", "deploy", true, nil)
	select {
	case <-cancelled:
	default:
		t.Fatal("holder from the earlier run was not cancelled")
	}
	select {
	case <-waiting:
		t.Fatal("granted before the holder released")
	default:
	}

	require.NoError(t, first.Close(ctx))
	<-waiting
	assert.Equal(t, "r2/deploy", locks.Holder("deploy"))

	require.NoError(t, second.Close(ctx))
	assert.Equal(t, "", locks.Holder("deploy"))
}

func TestAcquire_EmptyGroupNeverBlocks(t *testing.T) {
	s, err := New(context.Background(), definition(t), Trigger{}, Options{WorkspaceRoot: t.TempDir()})
	require.NoError(t, err)
	<-s.Acquire("", "build", true, nil)
	s.Release("", "build")
}
