// Package cache provides the cache actions: `cache` restores a keyed set of
// paths and saves them after a successful job on a miss, while
// `cache/restore` and `cache/save` perform one half each.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/vk/burstci/internal/cache"
	"github.com/vk/burstci/internal/ctxlog"
	"github.com/vk/burstci/internal/job"
	"github.com/vk/burstci/internal/registry"
)

// Module implements the registry.Module interface for this package.
type Module struct{}

// Input is shared by all three actions. Key is a template; when HashFiles
// is set the content hash of those files is appended to it.
type Input struct {
	Key         string   `with:"key,required"`
	Path        []string `with:"path,required"`
	RestoreKeys []string `with:"restore-keys"`
	HashFiles   []string `with:"hash-files"`
}

type saveInput struct {
	Key       string   `with:"key,required"`
	Path      []string `with:"path,required"`
	HashFiles []string `with:"hash-files"`
}

func resolveKey(inv *registry.Invocation, template string, hashFiles []string) (string, error) {
	if inv.Cache == nil {
		return "", errors.New("no cache store is configured for this run")
	}
	return cache.Key(template, inv.Workspace, hashFiles)
}

func restore(ctx context.Context, inv *registry.Invocation, in *Input) (string, cache.RestoreResult, error) {
	key, err := resolveKey(inv, in.Key, in.HashFiles)
	if err != nil {
		return "", cache.RestoreResult{}, err
	}
	res, err := inv.Cache.Restore(ctx, key, inv.Workspace, in.RestoreKeys...)
	if err != nil {
		return key, res, err
	}
	switch {
	case !res.Hit:
		fmt.Fprintf(inv.Output, "Cache not found for key %s\n", key)
	case res.MatchedKey == key:
		fmt.Fprintf(inv.Output, "Cache restored from key %s (%d files)\n", key, len(res.Paths))
	default:
		fmt.Fprintf(inv.Output, "Cache restored from restore key %s (%d files)\n", res.MatchedKey, len(res.Paths))
	}
	return key, res, nil
}

func outputs(key string, res cache.RestoreResult) map[string]string {
	return map[string]string{
		"key":         key,
		"cache-hit":   strconv.FormatBool(res.Hit && res.MatchedKey == key),
		"matched-key": res.MatchedKey,
	}
}

// Cache restores now and, unless the exact key hit, saves the paths once
// the job has succeeded.
func Cache(ctx context.Context, inv *registry.Invocation) (*registry.Result, error) {
	var in Input
	if err := inv.Decode(&in); err != nil {
		return nil, err
	}
	key, res, err := restore(ctx, inv, &in)
	if err != nil {
		return nil, err
	}
	if !res.Hit || res.MatchedKey != key {
		store, dir, paths := inv.Cache, inv.Workspace, in.Path
		inv.OnPostJob("cache save "+key, func(ctx context.Context, outcome job.Status) error {
			if outcome != job.Succeeded {
				ctxlog.FromContext(ctx).Info("Skipping cache save; job did not succeed.", "key", key, "outcome", outcome.String())
				return nil
			}
			return store.Save(ctx, key, dir, paths)
		})
	}
	return &registry.Result{Outputs: outputs(key, res)}, nil
}

// Restore only restores.
func Restore(ctx context.Context, inv *registry.Invocation) (*registry.Result, error) {
	var in Input
	if err := inv.Decode(&in); err != nil {
		return nil, err
	}
	key, res, err := restore(ctx, inv, &in)
	if err != nil {
		return nil, err
	}
	return &registry.Result{Outputs: outputs(key, res)}, nil
}

// Save packs the paths under the key right away.
func Save(ctx context.Context, inv *registry.Invocation) (*registry.Result, error) {
	var in saveInput
	if err := inv.Decode(&in); err != nil {
		return nil, err
	}
	key, err := resolveKey(inv, in.Key, in.HashFiles)
	if err != nil {
		return nil, err
	}
	if err := inv.Cache.Save(ctx, key, inv.Workspace, in.Path); err != nil {
		return nil, err
	}
	fmt.Fprintf(inv.Output, "Cache saved with key %s\n", key)
	return &registry.Result{Outputs: map[string]string{"key": key}}, nil
}

// Register registers the actions with the engine.
func (m *Module) Register(r *registry.Registry) {
	r.Register("cache", registry.ActionFunc(Cache), Input{}, "Restore a cache and save it after a successful job on a miss.")
	r.Register("cache/restore", registry.ActionFunc(Restore), Input{}, "Restore a cache.")
	r.Register("cache/save", registry.ActionFunc(Save), saveInput{}, "Save paths to the cache.")
}
