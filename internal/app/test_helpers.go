package app

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vk/burstci/internal/registry"
	"github.com/vk/burstci/internal/testutil"
)

// SetupAppTest creates an App for system tests. The workspace lives in a
// test temp directory and logging is at debug level into the returned
// buffer.
func SetupAppTest(t *testing.T, cfg Config, modules ...registry.Module) (*App, *testutil.SafeBuffer) {
	t.Helper()

	cfg.LogLevel = "debug"
	if cfg.WorkspaceRoot == "" {
		cfg.WorkspaceRoot = t.TempDir()
	}
	validated, err := NewConfig(cfg)
	require.NoError(t, err)

	logBuffer := &testutil.SafeBuffer{}
	testutil.DumpLogs(t, logBuffer)
	testApp, err := NewApp(logBuffer, validated, modules...)
	require.NoError(t, err)
	return testApp, logBuffer
}
