package cache

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/burstci/internal/cache"
	"github.com/vk/burstci/internal/inmemorystore"
	"github.com/vk/burstci/internal/job"
	"github.com/vk/burstci/internal/registry"
)

func invocation(t *testing.T, c *cache.Cache, with map[string]string) *registry.Invocation {
	t.Helper()
	return &registry.Invocation{With: with, Cache: c, Workspace: t.TempDir(), Output: io.Discard}
}

func TestCache_MissSavesAfterSuccess(t *testing.T) {
	ctx := context.Background()
	c := cache.New(inmemorystore.New())

	inv := invocation(t, c, map[string]string{"key": "deps", "path": "vendor"})
	res, err := Cache(ctx, inv)
	require.NoError(t, err)
	assert.Equal(t, "false", res.Outputs["cache-hit"])
	require.Len(t, inv.Post, 1)

	require.NoError(t, os.MkdirAll(filepath.Join(inv.Workspace, "vendor"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(inv.Workspace, "vendor", "lib"), []byte("x"), 0o644))
	require.NoError(t, inv.Post[0].Fn(ctx, job.Succeeded))

	ok, err := c.Exists(ctx, "deps")
	require.NoError(t, err)
	assert.True(t, ok)

	again := invocation(t, c, map[string]string{"key": "deps", "path": "vendor"})
	res, err = Cache(ctx, again)
	require.NoError(t, err)
	assert.Equal(t, "true", res.Outputs["cache-hit"])
	assert.Empty(t, again.Post, "an exact hit does not save again")
	_, err = os.Stat(filepath.Join(again.Workspace, "vendor", "lib"))
	assert.NoError(t, err)
}

func TestCache_NoSaveOnFailure(t *testing.T) {
	ctx := context.Background()
	c := cache.New(inmemorystore.New())
	inv := invocation(t, c, map[string]string{"key": "k", "path": "out"})
	_, err := Cache(ctx, inv)
	require.NoError(t, err)
	require.NoError(t, inv.Post[0].Fn(ctx, job.Failed))

	ok, err := c.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSaveThenRestoreWithHashFiles(t *testing.T) {
	ctx := context.Background()
	c := cache.New(inmemorystore.New())

	save := invocation(t, c, map[string]string{"key": "go", "path": "pkg", "hash-files": "go.sum"})
	require.NoError(t, os.WriteFile(filepath.Join(save.Workspace, "go.sum"), []byte("sum"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(save.Workspace, "pkg"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(save.Workspace, "pkg", "a"), []byte("a"), 0o644))
	saved, err := Save(ctx, save)
	require.NoError(t, err)
	assert.Contains(t, saved.Outputs["key"], "go-")

	restore := invocation(t, c, map[string]string{"key": "go", "path": "pkg", "hash-files": "go.sum"})
	require.NoError(t, os.WriteFile(filepath.Join(restore.Workspace, "go.sum"), []byte("changed"), 0o644))
	res, err := Restore(ctx, restore)
	require.NoError(t, err)
	assert.Equal(t, "false", res.Outputs["cache-hit"])

	restore.With["restore-keys"] = "go-"
	res, err = Restore(ctx, restore)
	require.NoError(t, err)
	assert.Equal(t, "false", res.Outputs["cache-hit"], "a restore-key match is not an exact hit")
	assert.Equal(t, saved.Outputs["key"], res.Outputs["matched-key"])
}

func TestCache_RequiresStore(t *testing.T) {
	_, err := Restore(context.Background(), invocation(t, nil, map[string]string{"key": "k", "path": "p"}))
	assert.ErrorContains(t, err, "no cache store")
}
