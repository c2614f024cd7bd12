package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/burstci/internal/engine"
	"github.com/vk/burstci/internal/job"
	"github.com/vk/burstci/internal/scheduler"
	"github.com/vk/burstci/internal/testutil"
	"github.com/vk/burstci/internal/tracker"
)

const helloWorkflow = `
name: app-test
on: [push]
jobs:
  hello:
    outputs:
      greeting: ${{ steps.s.outputs.greeting }}
    steps:
      - id: s
        uses: test/script
        with:
          greeting: hi ${{ trigger.actor }}
  after:
    needs: hello
    steps:
      - run: test "${{ needs.hello.outputs.greeting }}" = "hi octo"
`

func writeWorkflow(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestNewConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg, err := NewConfig(Config{WorkflowPath: "ci.yml"})
		require.NoError(t, err)
		assert.Equal(t, "push", cfg.Event)
		assert.Equal(t, "text", cfg.LogFormat)
		assert.Equal(t, "info", cfg.LogLevel)
		assert.Equal(t, 1, cfg.WorkerCount)
		assert.NotEmpty(t, cfg.WorkspaceRoot)
	})

	for name, cfg := range map[string]Config{
		"missing workflow":  {},
		"bad log format":    {WorkflowPath: "x", LogFormat: "xml"},
		"bad log level":     {WorkflowPath: "x", LogLevel: "trace"},
		"negative workers":  {WorkflowPath: "x", WorkerCount: -1},
		"negative parallel": {WorkflowPath: "x", Parallelism: -2},
		"bad port":          {WorkflowPath: "x", HealthcheckPort: 70000},
		"worker without id": {WorkflowPath: "x", Workers: []Worker{{Labels: []string{"linux"}}}},
		"duplicate worker":  {WorkflowPath: "x", Workers: []Worker{{ID: "a"}, {ID: "a"}}},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := NewConfig(cfg)
			require.Error(t, err)
		})
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := writeWorkflow(t, "burstci.yaml", `
workflow: ci.yml
event: workflow_dispatch
inputs:
  target: prod
workers:
  - id: linux-1
    labels: [linux, x64]
  - id: mac-1
    labels: [mac]
parallelism: 2
log_level: debug
`)
	cfg, err := LoadConfigFile(path)
	require.NoError(t, err)
	assert.Equal(t, "ci.yml", cfg.WorkflowPath)
	assert.Equal(t, map[string]string{"target": "prod"}, cfg.Inputs)

	valid, err := NewConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, []scheduler.Worker{
		{ID: "linux-1", Labels: []string{"linux", "x64"}},
		{ID: "mac-1", Labels: []string{"mac"}},
	}, valid.SchedulerWorkers())

	bad := writeWorkflow(t, "bad.yaml", "workflow: x\nunknown_key: 1\n")
	_, err = LoadConfigFile(bad)
	require.Error(t, err)
}

func TestSchedulerWorkers_FromCount(t *testing.T) {
	cfg, err := NewConfig(Config{WorkflowPath: "x", WorkerCount: 2, WorkerLabels: []string{"linux"}})
	require.NoError(t, err)
	assert.Equal(t, []scheduler.Worker{
		{ID: "worker-1", Labels: []string{"linux"}},
		{ID: "worker-2", Labels: []string{"linux"}},
	}, cfg.SchedulerWorkers())
}

func TestRun_ExecutesWorkflow(t *testing.T) {
	script := &testutil.ScriptedModule{}
	snapPath := filepath.Join(t.TempDir(), "out", "snapshot.json")
	a, logs := SetupAppTest(t, Config{
		WorkflowPath: writeWorkflow(t, "ci.yml", helloWorkflow),
		Actor:        "octo",
		SnapshotPath: snapPath,
	}, script)

	require.NoError(t, a.Run(context.Background()))

	snap := a.LastSnapshot()
	require.NotNil(t, snap)
	assert.Equal(t, "success", snap.Result)
	hello, ok := snap.Job("hello")
	require.True(t, ok)
	assert.Equal(t, "hi octo", hello.Outputs["greeting"])

	records := script.Records()
	require.Len(t, records, 1)
	assert.Equal(t, "hello", records[0].Job)
	assert.Equal(t, map[string]string{"greeting": "hi octo"}, records[0].With)

	data, err := os.ReadFile(snapPath)
	require.NoError(t, err)
	var written tracker.Snapshot
	require.NoError(t, json.Unmarshal(data, &written))
	assert.Equal(t, snap.RunID, written.RunID)

	assert.Contains(t, logs.String(), "Status transition.")
}

func TestRun_FailureIsReported(t *testing.T) {
	script := &testutil.ScriptedModule{}
	a, _ := SetupAppTest(t, Config{
		WorkflowPath: writeWorkflow(t, "ci.yml", helloWorkflow),
		Actor:        "someone-else",
	}, script)

	err := a.Run(context.Background())
	var rf *engine.RunFailedError
	require.ErrorAs(t, err, &rf)
	assert.Equal(t, []string{"after"}, rf.Failed)
}

func TestRun_NotTriggeredIsNotAnError(t *testing.T) {
	a, logs := SetupAppTest(t, Config{
		WorkflowPath: writeWorkflow(t, "ci.yml", helloWorkflow),
		Event:        "pull_request",
	}, &testutil.ScriptedModule{})

	require.NoError(t, a.Run(context.Background()))
	assert.Nil(t, a.LastSnapshot())
	assert.Contains(t, logs.String(), "Nothing to do.")
}

func TestRun_LoadError(t *testing.T) {
	a, _ := SetupAppTest(t, Config{WorkflowPath: writeWorkflow(t, "ci.yml", "jobs: [")})
	err := a.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load workflow")
}

func TestHealthEndpoints(t *testing.T) {
	a, _ := SetupAppTest(t, Config{
		WorkflowPath: writeWorkflow(t, "ci.yml", helloWorkflow),
		Actor:        "octo",
	}, &testutil.ScriptedModule{})
	srv := httptest.NewServer(a.healthMux())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/status")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	require.NoError(t, a.Run(context.Background()))

	resp, err = http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	var snap tracker.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.Equal(t, a.LastSnapshot().RunID, snap.RunID)
	assert.True(t, snap.Terminal)
}

func TestRun_WatchRerunsOnChange(t *testing.T) {
	wf := `
name: watched
jobs:
  build:
    steps:
      - run: echo VERSION
`
	path := writeWorkflow(t, "ci.yml", strings.Replace(wf, "VERSION", "v1", 1))
	a, _ := SetupAppTest(t, Config{WorkflowPath: path, Watch: true})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool { return a.LastSnapshot() != nil }, 10*time.Second, 20*time.Millisecond)
	first := a.LastSnapshot()
	assert.Equal(t, "success", first.Result)

	require.NoError(t, os.WriteFile(path, []byte(strings.Replace(wf, "VERSION", "v2", 1)), 0o644))
	require.Eventually(t, func() bool {
		s := a.LastSnapshot()
		return s.RunID != first.RunID
	}, 10*time.Second, 20*time.Millisecond)
	second := a.LastSnapshot()
	b, ok := second.Job("build")
	require.True(t, ok)
	assert.Equal(t, job.Succeeded, b.Status)
	require.NotEmpty(t, b.Steps)
	assert.Contains(t, b.Steps[0].Output, "v2")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("watch did not stop")
	}
}

func TestListActions(t *testing.T) {
	var out strings.Builder
	require.NoError(t, ListActions(&out))
	for _, ref := range []string{"print", "env", "env/host", "cache", "cache/restore", "cache/save", "upload-artifact", "download-artifact", "http/request", "socketio/emit"} {
		assert.Contains(t, out.String(), ref)
	}
}

func TestWatchNewDir(t *testing.T) {
	path := writeWorkflow(t, "ci.yml", helloWorkflow)
	a, logs := SetupAppTest(t, Config{WorkflowPath: path})

	w, err := fsnotify.NewWatcher()
	require.NoError(t, err)
	dir := t.TempDir()

	assert.True(t, a.watchNewDir(w, dir))
	assert.Contains(t, w.WatchList(), dir)
	assert.False(t, a.watchNewDir(w, path), "files are not watched")
	assert.False(t, a.watchNewDir(w, filepath.Join(dir, "gone")))
	assert.NotContains(t, logs.String(), "Cannot watch new directory.")

	require.NoError(t, w.Close())
	assert.False(t, a.watchNewDir(w, dir))
	assert.Contains(t, logs.String(), "Cannot watch new directory.")
	assert.Contains(t, logs.String(), "dir="+dir)
}
