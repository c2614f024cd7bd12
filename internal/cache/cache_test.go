package cache

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/burstci/internal/ctxlog"
	"github.com/vk/burstci/internal/inmemorystore"
)

func write(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

func TestKey(t *testing.T) {
	root := t.TempDir()
	write(t, root, "go.sum", "v1")

	k1, err := Key("go-linux", root, []string{"go.sum"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(k1, "go-linux-"))
	assert.Len(t, k1, len("go-linux-")+64)

	again, err := Key("go-linux", root, []string{"go.sum"})
	require.NoError(t, err)
	assert.Equal(t, k1, again, "keys are stable for unchanged files")

	write(t, root, "go.sum", "v2")
	k2, err := Key("go-linux", root, []string{"go.sum"})
	require.NoError(t, err)
	assert.NotEqual(t, k1, k2, "content changes change the key")

	bare, err := Key("go-linux", root, []string{"missing.lock"})
	require.NoError(t, err)
	assert.Equal(t, "go-linux", bare)

	_, err = Key("  ", root, nil)
	assert.Error(t, err)
}

func TestSaveRestore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	c := New(inmemorystore.New())

	producer := t.TempDir()
	write(t, producer, "vendor/a.txt", "alpha")
	write(t, producer, "vendor/deep/b.txt", "beta")
	require.NoError(t, c.Save(ctx, "deps-123", producer, []string{"vendor"}))

	consumer := t.TempDir()
	res, err := c.Restore(ctx, "deps-123", consumer)
	require.NoError(t, err)
	assert.True(t, res.Hit)
	assert.Equal(t, "deps-123", res.MatchedKey)
	assert.Equal(t, []string{"vendor/a.txt", "vendor/deep/b.txt"}, res.Paths)

	for rel, want := range map[string]string{"vendor/a.txt": "alpha", "vendor/deep/b.txt": "beta"} {
		got, err := os.ReadFile(filepath.Join(consumer, filepath.FromSlash(rel)))
		require.NoError(t, err)
		assert.Equal(t, want, string(got))
	}
}

func TestRestore_MissIsNotAnError(t *testing.T) {
	c := New(inmemorystore.New())
	dir := t.TempDir()

	res, err := c.Restore(context.Background(), "never-saved", dir)
	require.NoError(t, err)
	assert.False(t, res.Hit)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "a miss restores nothing")
}

func TestRestore_RestoreKeysPrefix(t *testing.T) {
	ctx := context.Background()
	c := New(inmemorystore.New())
	src := t.TempDir()
	write(t, src, "f", "old")
	require.NoError(t, c.Save(ctx, "deps-aaa", src, []string{"f"}))
	write(t, src, "f", "newer")
	require.NoError(t, c.Save(ctx, "deps-bbb", src, []string{"f"}))

	dst := t.TempDir()
	res, err := c.Restore(ctx, "deps-zzz", dst, "other-", "deps-")
	require.NoError(t, err)
	assert.True(t, res.Hit)
	assert.Equal(t, "deps-bbb", res.MatchedKey)
}

func TestSave_SameKeyLastWriterWins(t *testing.T) {
	var logs bytes.Buffer
	ctx := ctxlog.WithLogger(context.Background(), slog.New(slog.NewTextHandler(&logs, nil)))
	c := New(inmemorystore.New())

	first := t.TempDir()
	write(t, first, "out", "first")
	second := t.TempDir()
	write(t, second, "out", "second")

	require.NoError(t, c.Save(ctx, "k", first, []string{"out"}))
	require.NoError(t, c.Save(ctx, "k", second, []string{"out"}))
	assert.Contains(t, logs.String(), "last writer wins")

	dst := t.TempDir()
	_, err := c.Restore(ctx, "k", dst)
	require.NoError(t, err)
	got, err := os.ReadFile(filepath.Join(dst, "out"))
	require.NoError(t, err)
	assert.Equal(t, "second", string(got))
}

func TestRestore_Concurrent(t *testing.T) {
	ctx := context.Background()
	c := New(inmemorystore.New())
	src := t.TempDir()
	write(t, src, "lib.a", strings.Repeat("x", 4096))
	require.NoError(t, c.Save(ctx, "shared", src, []string{"lib.a"}))

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := c.Restore(ctx, "shared", t.TempDir())
			assert.NoError(t, err)
			assert.True(t, res.Hit)
		}()
	}
	wg.Wait()
}
