// Package http provides the http/request action for webhooks and uploads
// to pre-signed URLs from a workflow step.
package http

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/vk/burstci/internal/ctxlog"
	"github.com/vk/burstci/internal/fsutil"
	"github.com/vk/burstci/internal/registry"
)

// Module implements the registry.Module interface for this package.
type Module struct {
	// Client overrides the shared client, mainly for tests.
	Client *http.Client
}

// sharedTransport lets every request reuse TCP connections.
var sharedTransport = &http.Transport{
	MaxIdleConns:        100,
	MaxIdleConnsPerHost: 10,
	IdleConnTimeout:     90 * time.Second,
}

// maxBody caps the response body kept as an output.
const maxBody = 1 << 20

// Input defines the arguments for http/request. Body and BodyFile are
// mutually exclusive; BodyFile is relative to the workspace.
type Input struct {
	URL          string   `with:"url,required"`
	Method       string   `with:"method" default:"GET"`
	Headers      []string `with:"headers"`
	Body         string   `with:"body"`
	BodyFile     string   `with:"body-file"`
	Timeout      string   `with:"timeout" default:"30s"`
	FailOnStatus bool     `with:"fail-on-status" default:"true"`
}

func (m *Module) request(ctx context.Context, inv *registry.Invocation) (*registry.Result, error) {
	var in Input
	if err := inv.Decode(&in); err != nil {
		return nil, err
	}
	timeout, err := time.ParseDuration(in.Timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to parse timeout: %w", err)
	}
	if in.Body != "" && in.BodyFile != "" {
		return nil, fmt.Errorf("body and body-file are mutually exclusive")
	}

	var body io.Reader
	var size int64 = -1
	contentType := ""
	switch {
	case in.BodyFile != "":
		if err := fsutil.CheckRelative(in.BodyFile); err != nil {
			return nil, fmt.Errorf("body-file: %w", err)
		}
		path := filepath.Join(inv.Workspace, filepath.FromSlash(in.BodyFile))
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open body file '%s': %w", in.BodyFile, err)
		}
		defer f.Close()
		stat, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("failed to get file stats for '%s': %w", in.BodyFile, err)
		}
		body, size = f, stat.Size()
		contentType = mime.TypeByExtension(filepath.Ext(path))
		if contentType == "" {
			contentType = "application/octet-stream"
		}
	case in.Body != "":
		body, size = strings.NewReader(in.Body), int64(len(in.Body))
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, strings.ToUpper(in.Method), in.URL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if size >= 0 {
		req.ContentLength = size
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for _, h := range in.Headers {
		name, value, ok := strings.Cut(h, ":")
		if !ok {
			return nil, fmt.Errorf("malformed header %q, expected 'Name: value'", h)
		}
		req.Header.Set(strings.TrimSpace(name), strings.TrimSpace(value))
	}

	logger := ctxlog.FromContext(ctx).With("action", "http/request", "method", req.Method, "url", in.URL)
	logger.Info("Making HTTP request")

	client := m.Client
	if client == nil {
		client = &http.Client{Transport: sharedTransport}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, io.LimitReader(resp.Body, maxBody)); err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	logger.Info("Received HTTP response", "status", resp.Status)
	fmt.Fprintf(inv.Output, "%s %s -> %s\n", req.Method, in.URL, resp.Status)

	if in.FailOnStatus && resp.StatusCode >= 400 {
		return nil, fmt.Errorf("request failed with status: %s", resp.Status)
	}
	return &registry.Result{Outputs: map[string]string{
		"status-code": strconv.Itoa(resp.StatusCode),
		"body":        buf.String(),
	}}, nil
}

// Register registers the action with the engine.
func (m *Module) Register(r *registry.Registry) {
	r.Register("http/request", registry.ActionFunc(m.request), Input{}, "Send an HTTP request.")
}
