// Package blobstore defines the keyed byte store shared by the cache and
// the artifact store, with a directory-backed implementation. The
// in-memory implementation lives in package inmemorystore.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// Store is a keyed blob store. Writers to distinct keys never conflict;
// concurrent writers to the same key are last-writer-wins.
type Store interface {
	// Get returns the blob stored under key. A missing key is not an error.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Put stores data under key and reports whether an existing blob
	// was replaced.
	Put(ctx context.Context, key string, data []byte) (replaced bool, err error)
	// List returns the stored keys with the given prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Dir stores each blob as one file in a directory. File names are the
// path-escaped keys.
type Dir struct {
	root string
}

// NewDir creates the directory if needed.
func NewDir(root string) (*Dir, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create blob directory: %w", err)
	}
	return &Dir{root: root}, nil
}

func (d *Dir) path(key string) string {
	return filepath.Join(d.root, url.PathEscape(key))
}

func (d *Dir) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	data, err := os.ReadFile(d.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read blob %q: %w", key, err)
	}
	return data, true, nil
}

// Put writes to a temporary file and renames it into place so readers
// never observe a partial blob.
func (d *Dir) Put(ctx context.Context, key string, data []byte) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	dst := d.path(key)
	_, statErr := os.Stat(dst)
	replaced := statErr == nil

	tmp, err := os.CreateTemp(d.root, ".blob-tmp-*")
	if err != nil {
		return false, fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		return false, fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return false, fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return false, fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return false, fmt.Errorf("atomic rename: %w", err)
	}
	return replaced, nil
}

func (d *Dir) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".blob-tmp-") {
			continue
		}
		key, err := url.PathUnescape(e.Name())
		if err != nil {
			continue
		}
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)
	return keys, nil
}
