package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/burstci/internal/cli"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestRun_Success(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "ci.yml", `
name: smoke
jobs:
  hello:
    steps:
      - uses: print
        with:
          message: hello
`)
	out := &bytes.Buffer{}
	err := run(context.Background(), out, []string{"--workspace", t.TempDir(), path})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "Run succeeded")
}

func TestRun_FailedRunExitsWithOne(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "ci.yml", "jobs:\n  bad:\n    steps:\n      - run: exit 3\n")
	err := run(context.Background(), &bytes.Buffer{}, []string{"--workspace", t.TempDir(), path})

	var exitErr *cli.ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 1, exitErr.Code)
	assert.Contains(t, exitErr.Message, "bad")
}

func TestRun_InvalidWorkflow(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "main.hcl", `
job "a" {
  step {
    run = "true"
  // Missing closing brace here
`)
	err := run(context.Background(), &bytes.Buffer{}, []string{path})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load workflow")
}

func TestRun_ShouldExit(t *testing.T) {
	t.Parallel()

	out := &bytes.Buffer{}
	err := run(context.Background(), out, []string{"-h"})
	require.NoError(t, err, "run() should return a nil error when shouldExit is true")
	require.Contains(t, out.String(), "Usage:", "Expected help text to be printed to the output buffer")
}

func TestRun_ParseError(t *testing.T) {
	t.Parallel()

	err := run(context.Background(), &bytes.Buffer{}, []string{"--this-is-not-a-valid-flag"})
	var exitErr *cli.ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 2, exitErr.Code)
	assert.Contains(t, err.Error(), "unknown flag: --this-is-not-a-valid-flag")
}
