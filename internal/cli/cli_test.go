package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/burstci/internal/app"
	"github.com/vk/burstci/internal/scheduler"
)

func TestParse_FlagsAndPositional(t *testing.T) {
	t.Setenv("DEPLOY_TOKEN", "from-env")
	var out bytes.Buffer
	cfg, exit, err := Parse([]string{
		"--event", "workflow_dispatch",
		"--ref", "refs/heads/main",
		"--input", "target=prod",
		"--secret", "API_KEY=abc",
		"--secret", "DEPLOY_TOKEN",
		"-w", "3",
		"--worker-label", "linux",
		"--log-level", "DEBUG",
		"--snapshot", "out.cbor",
		"ci.yml",
	}, &out)
	require.NoError(t, err)
	require.False(t, exit)

	assert.Equal(t, "ci.yml", cfg.WorkflowPath)
	assert.Equal(t, "workflow_dispatch", cfg.Event)
	assert.Equal(t, "refs/heads/main", cfg.Ref)
	assert.Equal(t, map[string]string{"target": "prod"}, cfg.Inputs)
	assert.Equal(t, map[string]string{"API_KEY": "abc", "DEPLOY_TOKEN": "from-env"}, cfg.Secrets)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "out.cbor", cfg.SnapshotPath)
	assert.Len(t, cfg.SchedulerWorkers(), 3)
	assert.Equal(t, []string{"linux"}, cfg.SchedulerWorkers()[2].Labels)
}

func TestParse_ConfigFileWithOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "burstci.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
workflow: from-file.yml
event: push
log_level: warn
workers:
  - id: big
    labels: [gpu]
`), 0o644))

	cfg, exit, err := Parse([]string{"-c", path, "--log-level", "error"}, &bytes.Buffer{})
	require.NoError(t, err)
	require.False(t, exit)
	assert.Equal(t, "from-file.yml", cfg.WorkflowPath)
	assert.Equal(t, "error", cfg.LogLevel)
	assert.Equal(t, []scheduler.Worker{{ID: "big", Labels: []string{"gpu"}}}, cfg.SchedulerWorkers())

	cfg, _, err = Parse([]string{"--config", path, "--workers", "2", "other.yml"}, &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, "other.yml", cfg.WorkflowPath)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Len(t, cfg.SchedulerWorkers(), 2)
}

func TestParse_ExitCleanly(t *testing.T) {
	for name, args := range map[string][]string{
		"help":         {"--help"},
		"no workflow":  {},
		"list actions": {"--list-actions"},
	} {
		t.Run(name, func(t *testing.T) {
			var out bytes.Buffer
			cfg, exit, err := Parse(args, &out)
			require.NoError(t, err)
			assert.True(t, exit)
			assert.Nil(t, cfg)
			assert.NotEmpty(t, out.String())
		})
	}
}

func TestParse_UsageErrors(t *testing.T) {
	for name, args := range map[string][]string{
		"unknown flag":     {"--nope", "ci.yml"},
		"bad log format":   {"--log-format", "xml", "ci.yml"},
		"bad log level":    {"--log-level", "loud", "ci.yml"},
		"negative workers": {"--workers", "-1", "ci.yml"},
		"two paths":        {"a.yml", "b.yml"},
		"missing secret":   {"--secret", "BURSTCI_SURELY_UNSET_SECRET", "ci.yml"},
		"missing config":   {"--config", "/does/not/exist.yaml", "ci.yml"},
	} {
		t.Run(name, func(t *testing.T) {
			_, _, err := Parse(args, &bytes.Buffer{})
			var exitErr *ExitError
			require.ErrorAs(t, err, &exitErr)
			assert.Equal(t, 2, exitErr.Code)
		})
	}
}

func TestParse_Defaults(t *testing.T) {
	cfg, _, err := Parse([]string{"ci.yml"}, &bytes.Buffer{})
	require.NoError(t, err)
	want, err := app.NewConfig(app.Config{WorkflowPath: "ci.yml", WorkerCount: 1, LogFormat: "text", LogLevel: "info", Event: "push"})
	require.NoError(t, err)
	assert.Equal(t, want, cfg)
}
