// Package artifact provides the upload-artifact and download-artifact
// actions that hand files between jobs of one run.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/vk/burstci/internal/registry"
)

// Module implements the registry.Module interface for this package.
type Module struct{}

type uploadInput struct {
	Name string   `with:"name,required"`
	Path []string `with:"path,required"`
}

type downloadInput struct {
	Name string `with:"name,required"`
	Path string `with:"path" default:"."`
}

// Upload stores the matched files as a named artifact of the run.
func Upload(ctx context.Context, inv *registry.Invocation) (*registry.Result, error) {
	var in uploadInput
	if err := inv.Decode(&in); err != nil {
		return nil, err
	}
	if inv.Artifacts == nil {
		return nil, errors.New("no artifact store is configured for this run")
	}
	files, err := inv.Artifacts.Upload(ctx, inv.RunID, in.Name, inv.Workspace, in.Path)
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		fmt.Fprintf(inv.Output, "uploaded %s\n", f)
	}
	return &registry.Result{Outputs: map[string]string{
		"name":  in.Name,
		"files": strconv.Itoa(len(files)),
	}}, nil
}

// Download unpacks a named artifact into the workspace, or into Path
// relative to it.
func Download(ctx context.Context, inv *registry.Invocation) (*registry.Result, error) {
	var in downloadInput
	if err := inv.Decode(&in); err != nil {
		return nil, err
	}
	if inv.Artifacts == nil {
		return nil, errors.New("no artifact store is configured for this run")
	}
	dir := filepath.Join(inv.Workspace, filepath.FromSlash(in.Path))
	if rel, err := filepath.Rel(inv.Workspace, dir); err != nil || strings.HasPrefix(rel, "..") {
		return nil, fmt.Errorf("download path %q escapes the workspace", in.Path)
	}
	files, err := inv.Artifacts.Download(ctx, inv.RunID, in.Name, dir)
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		fmt.Fprintf(inv.Output, "downloaded %s\n", f)
	}
	return &registry.Result{Outputs: map[string]string{
		"download-path": dir,
		"files":         strconv.Itoa(len(files)),
	}}, nil
}

// Register registers the actions with the engine.
func (m *Module) Register(r *registry.Registry) {
	r.Register("upload-artifact", registry.ActionFunc(Upload), uploadInput{}, "Store files as a named artifact of the run.")
	r.Register("download-artifact", registry.ActionFunc(Download), downloadInput{}, "Restore a named artifact of the run.")
}
