package http

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/burstci/internal/registry"
)

func invoke(t *testing.T, with map[string]string, workspace string) (*registry.Result, error) {
	t.Helper()
	r := registry.New()
	(&Module{}).Register(r)
	e, err := r.Resolve("http/request")
	require.NoError(t, err)
	prepared, err := e.Prepare(with)
	require.NoError(t, err)
	return e.Action.Invoke(context.Background(), &registry.Invocation{With: prepared, Workspace: workspace, Output: io.Discard})
}

func TestRequest(t *testing.T) {
	var gotMethod, gotHeader, gotBody, gotType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotHeader = r.Header.Get("X-Token")
		gotType = r.Header.Get("Content-Type")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("pong"))
	}))
	defer srv.Close()

	t.Run("post with headers", func(t *testing.T) {
		res, err := invoke(t, map[string]string{
			"url":     srv.URL + "/hook",
			"method":  "post",
			"headers": "X-Token: abc",
			"body":    `{"a":1}`,
		}, t.TempDir())
		require.NoError(t, err)
		assert.Equal(t, "200", res.Outputs["status-code"])
		assert.Equal(t, "pong", res.Outputs["body"])
		assert.Equal(t, http.MethodPost, gotMethod)
		assert.Equal(t, "abc", gotHeader)
		assert.Equal(t, `{"a":1}`, gotBody)
	})

	t.Run("put body file", func(t *testing.T) {
		ws := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(ws, "report.json"), []byte("{}"), 0o644))
		_, err := invoke(t, map[string]string{"url": srv.URL, "method": "PUT", "body-file": "report.json"}, ws)
		require.NoError(t, err)
		assert.Equal(t, "{}", gotBody)
		assert.Equal(t, "application/json", gotType)
	})

	t.Run("error status fails", func(t *testing.T) {
		_, err := invoke(t, map[string]string{"url": srv.URL + "/missing"}, t.TempDir())
		assert.ErrorContains(t, err, "404")
	})

	t.Run("error status tolerated", func(t *testing.T) {
		res, err := invoke(t, map[string]string{"url": srv.URL + "/missing", "fail-on-status": "false"}, t.TempDir())
		require.NoError(t, err)
		assert.Equal(t, "404", res.Outputs["status-code"])
	})

	t.Run("body file escaping workspace", func(t *testing.T) {
		_, err := invoke(t, map[string]string{"url": srv.URL, "body-file": "../etc/passwd"}, t.TempDir())
		assert.Error(t, err)
	})
}
