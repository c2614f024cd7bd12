// Package loader reads workflow files (YAML, JSON with comments, or HCL)
// into workflow definitions.
package loader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/vk/burstci/internal/ctxlog"
	"github.com/vk/burstci/internal/fsutil"
	"github.com/vk/burstci/internal/workflow"
)

// Extensions lists the workflow file extensions LoadDir looks for.
var Extensions = []string{".yml", ".yaml", ".json", ".jsonc", ".hcl"}

// ErrNoWorkflow is returned by LoadDir when the directory holds no
// workflow file.
var ErrNoWorkflow = errors.New("no workflow file found")

// LoadFile reads and parses the workflow at path. The format follows the
// file extension.
func LoadFile(ctx context.Context, path string) (*workflow.Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow: %w", err)
	}
	return Load(ctx, path, data)
}

// Load parses data as a workflow named source. The extension of source
// selects the format.
func Load(ctx context.Context, source string, data []byte) (*workflow.Definition, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("Loading workflow.", "source", source)

	raw, err := Decode(ctx, source, data)
	if err != nil {
		return nil, err
	}
	def, err := workflow.Parse(raw)
	if err != nil {
		return nil, err
	}
	logger.Debug("Workflow loaded.", "source", source, "name", def.Name, "jobs", len(def.Jobs))
	return def, nil
}

// Decode converts data into an unvalidated workflow.
func Decode(ctx context.Context, source string, data []byte) (*workflow.Raw, error) {
	switch ext := strings.ToLower(filepath.Ext(source)); ext {
	case ".hcl":
		return decodeHCL(source, data)
	case ".json", ".jsonc":
		// JSON is valid YAML once comments and trailing commas are gone.
		return decodeYAML(ctx, source, jsonc.ToJSON(data))
	case ".yml", ".yaml":
		return decodeYAML(ctx, source, data)
	default:
		return nil, fmt.Errorf("%s: unsupported workflow format %q", source, ext)
	}
}

func decodeYAML(ctx context.Context, source string, data []byte) (*workflow.Raw, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", source, err)
	}
	w := &yamlWalker{source: source, logger: ctxlog.FromContext(ctx)}
	return w.document(&root)
}

// LoadDir loads the first workflow file under dir in lexical order.
func LoadDir(ctx context.Context, dir string) (*workflow.Definition, error) {
	files, err := fsutil.FindFilesByExtension(dir, Extensions...)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoWorkflow, dir)
	}
	if len(files) > 1 {
		ctxlog.FromContext(ctx).Warn("Several workflow files found; using the first.", "dir", dir, "using", files[0], "count", len(files))
	}
	return LoadFile(ctx, files[0])
}

// LoadPath loads path as a file, or as a directory through LoadDir.
func LoadPath(ctx context.Context, path string) (*workflow.Definition, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("workflow path: %w", err)
	}
	if info.IsDir() {
		return LoadDir(ctx, path)
	}
	return LoadFile(ctx, path)
}
