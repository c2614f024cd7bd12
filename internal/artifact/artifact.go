// Package artifact stores named file bundles produced by one job for
// later jobs of the same run.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/vk/burstci/internal/blobstore"
	"github.com/vk/burstci/internal/bundle"
	"github.com/vk/burstci/internal/ctxlog"
)

// NotFoundError is returned when a download names an artifact that was
// never uploaded in the run.
type NotFoundError struct {
	RunID string
	Name  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("artifact %q not found in run %s", e.Name, e.RunID)
}

// IsNotFound reports whether err is a *NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// Store keys artifacts by run id and name.
type Store struct {
	blobs blobstore.Store
}

func NewStore(blobs blobstore.Store) *Store {
	return &Store{blobs: blobs}
}

func key(runID, name string) string {
	return "artifact/" + runID + "/" + name
}

// Upload packs the files matched by paths under dir as artifact name.
// Uploading an existing name replaces it and logs a warning.
func (s *Store) Upload(ctx context.Context, runID, name, dir string, paths []string) ([]string, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	blob, files, err := bundle.Pack(dir, paths, bundle.CompressionLZ4)
	if err != nil {
		return nil, fmt.Errorf("pack artifact %q: %w", name, err)
	}
	replaced, err := s.blobs.Put(ctx, key(runID, name), blob)
	if err != nil {
		return nil, fmt.Errorf("store artifact %q: %w", name, err)
	}
	logger := ctxlog.FromContext(ctx)
	if replaced {
		logger.Warn("Artifact uploaded more than once; last writer wins.", "artifact", name)
	}
	logger.Info("Artifact uploaded.", "artifact", name, "files", len(files), "bytes", len(blob))
	return files, nil
}

// Download unpacks artifact name into dir.
func (s *Store) Download(ctx context.Context, runID, name, dir string) ([]string, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	blob, ok, err := s.blobs.Get(ctx, key(runID, name))
	if err != nil {
		return nil, fmt.Errorf("read artifact %q: %w", name, err)
	}
	if !ok {
		return nil, &NotFoundError{RunID: runID, Name: name}
	}
	files, err := bundle.Unpack(blob, dir)
	if err != nil {
		return nil, fmt.Errorf("unpack artifact %q: %w", name, err)
	}
	ctxlog.FromContext(ctx).Info("Artifact downloaded.", "artifact", name, "files", len(files))
	return files, nil
}

// List returns the artifact names uploaded in a run.
func (s *Store) List(ctx context.Context, runID string) ([]string, error) {
	prefix := key(runID, "")
	keys, err := s.blobs.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(keys))
	for i, k := range keys {
		names[i] = strings.TrimPrefix(k, prefix)
	}
	return names, nil
}

func validName(name string) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("artifact name is required")
	}
	if strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("artifact name %q must not contain path separators", name)
	}
	return nil
}
