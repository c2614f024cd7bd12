// Package cache implements the keyed dependency cache shared by every job
// of a run. Entries are bundles of files addressed by a key derived from a
// template and a content hash of the files that determine the cache.
package cache

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"
	"golang.org/x/sync/singleflight"

	"github.com/vk/burstci/internal/blobstore"
	"github.com/vk/burstci/internal/bundle"
	"github.com/vk/burstci/internal/ctxlog"
	"github.com/vk/burstci/internal/fsutil"
)

const keyPrefix = "cache/"

// filesDomainKey separates cache file hashes from other BLAKE3 uses.
var filesDomainKey = [32]byte{
	'b', 'u', 'r', 's', 't', 'c', 'i', '.', 'c', 'a', 'c', 'h', 'e', '.',
	'f', 'i', 'l', 'e', 's',
}

// Cache stores and restores file bundles by key.
type Cache struct {
	store  blobstore.Store
	flight singleflight.Group
}

func New(store blobstore.Store) *Cache {
	return &Cache{store: store}
}

// RestoreResult describes a restore attempt. A miss is not an error.
type RestoreResult struct {
	Hit        bool
	MatchedKey string
	Paths      []string
}

// HashFiles returns the hex BLAKE3 keyed hash of the files matched by
// patterns under root, or "" when nothing matches. Both file paths and
// contents feed the hash, in sorted path order.
func HashFiles(root string, patterns []string) (string, error) {
	paths, err := fsutil.Match(root, patterns)
	if err != nil {
		return "", err
	}
	if len(paths) == 0 {
		return "", nil
	}
	h, err := blake3.NewKeyed(filesDomainKey[:])
	if err != nil {
		return "", err
	}
	for _, rel := range paths {
		if err := hashFile(h, root, rel); err != nil {
			return "", err
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func hashFile(h *blake3.Hasher, root, rel string) error {
	f, err := os.Open(filepath.Join(root, filepath.FromSlash(rel)))
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	fmt.Fprintf(h, "%s\x00%d\x00", rel, info.Size())
	_, err = io.Copy(h, f)
	return err
}

// Key renders the cache key: the template, then "-" and the content hash
// of the files matched by hashPatterns when any match.
func Key(template, root string, hashPatterns []string) (string, error) {
	template = strings.TrimSpace(template)
	if template == "" {
		return "", fmt.Errorf("cache key template is empty")
	}
	if len(hashPatterns) == 0 {
		return template, nil
	}
	sum, err := HashFiles(root, hashPatterns)
	if err != nil {
		return "", fmt.Errorf("hash cache files: %w", err)
	}
	if sum == "" {
		return template, nil
	}
	return template + "-" + sum, nil
}

// Restore unpacks the entry for key into dir. When key misses, each of
// restoreKeys is tried as a prefix and the greatest matching key wins.
// Concurrent restores of one key share a single store read.
func (c *Cache) Restore(ctx context.Context, key, dir string, restoreKeys ...string) (RestoreResult, error) {
	logger := ctxlog.FromContext(ctx)

	matched := key
	blob, ok, err := c.load(ctx, key)
	if err != nil {
		return RestoreResult{}, err
	}
	for _, prefix := range restoreKeys {
		if ok || strings.TrimSpace(prefix) == "" {
			break
		}
		keys, err := c.store.List(ctx, keyPrefix+prefix)
		if err != nil {
			return RestoreResult{}, err
		}
		if len(keys) == 0 {
			continue
		}
		matched = strings.TrimPrefix(keys[len(keys)-1], keyPrefix)
		blob, ok, err = c.load(ctx, matched)
		if err != nil {
			return RestoreResult{}, err
		}
	}
	if !ok {
		logger.Info("Cache miss.", "key", key)
		return RestoreResult{}, nil
	}

	paths, err := bundle.Unpack(blob, dir)
	if err != nil {
		return RestoreResult{}, fmt.Errorf("restore cache %q: %w", matched, err)
	}
	logger.Info("Cache restored.", "key", matched, "files", len(paths))
	return RestoreResult{Hit: true, MatchedKey: matched, Paths: paths}, nil
}

func (c *Cache) load(ctx context.Context, key string) ([]byte, bool, error) {
	type entry struct {
		blob []byte
		ok   bool
	}
	v, err, _ := c.flight.Do(key, func() (any, error) {
		blob, ok, err := c.store.Get(ctx, keyPrefix+key)
		return entry{blob, ok}, err
	})
	if err != nil {
		return nil, false, fmt.Errorf("read cache %q: %w", key, err)
	}
	e := v.(entry)
	return e.blob, e.ok, nil
}

// Save packs the files matched by paths under dir and stores them under
// key. Saving over an existing key replaces it and logs a warning.
func (c *Cache) Save(ctx context.Context, key, dir string, paths []string) error {
	logger := ctxlog.FromContext(ctx)
	blob, files, err := bundle.Pack(dir, paths, bundle.CompressionZstd)
	if err != nil {
		return fmt.Errorf("pack cache %q: %w", key, err)
	}
	replaced, err := c.store.Put(ctx, keyPrefix+key, blob)
	if err != nil {
		return fmt.Errorf("store cache %q: %w", key, err)
	}
	if replaced {
		logger.Warn("Cache key written more than once; last writer wins.", "key", key)
	}
	logger.Info("Cache saved.", "key", key, "files", len(files), "bytes", len(blob))
	return nil
}

// Exists reports whether key has an entry.
func (c *Cache) Exists(ctx context.Context, key string) (bool, error) {
	_, ok, err := c.load(ctx, key)
	return ok, err
}
