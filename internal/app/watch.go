package app

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/vk/burstci/internal/loader"
	"github.com/vk/burstci/internal/scheduler"
)

// watchDebounce coalesces the burst of events editors produce on save.
const watchDebounce = 250 * time.Millisecond

// watch runs the workflow, then runs it again after every change to the
// workflow file until ctx ends. A workflow with a concurrency group
// settles overlapping runs through the group; without one, a new run
// cancels the previous run. Load and run errors are logged and watching
// continues.
func (a *App) watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	path := filepath.Clean(a.config.WorkflowPath)
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	isDir := info.IsDir()
	if isDir {
		err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
			if err != nil || !d.IsDir() {
				return err
			}
			return w.Add(p)
		})
	} else {
		// Editors replace files on save, so the parent directory is watched.
		err = w.Add(filepath.Dir(path))
	}
	if err != nil {
		return err
	}
	relevant := func(name string) bool {
		if !isDir {
			return filepath.Clean(name) == path
		}
		return slices.Contains(loader.Extensions, strings.ToLower(filepath.Ext(name)))
	}

	var (
		wg       sync.WaitGroup
		previous context.CancelCauseFunc
	)
	dispatch := func() {
		def, err := loader.LoadPath(ctx, path)
		if err != nil {
			a.logger.Error("❌ Workflow load failed; waiting for the next change", "error", err)
			return
		}
		if previous != nil && def.Concurrency == nil {
			previous(scheduler.ErrSuperseded)
		}
		runCtx, cancel := context.WithCancelCause(ctx)
		previous = cancel
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer cancel(nil)
			if err := a.execute(runCtx, def); err != nil {
				a.logger.Warn("Run ended with an error.", "error", err)
			}
		}()
	}

	a.logger.Info("👀 Watching workflow", "path", path)
	dispatch()

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			a.logger.Info("⏹️ Watch stopped")
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				wg.Wait()
				return nil
			}
			if isDir && ev.Has(fsnotify.Create) {
				a.watchNewDir(w, ev.Name)
			}
			if relevant(ev.Name) && (ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename)) {
				a.logger.Debug("Workflow file event.", "event", ev.String())
				pending = time.After(watchDebounce)
			}
		case err, ok := <-w.Errors:
			if ok {
				a.logger.Warn("File watcher error.", "error", err)
			}
		case <-pending:
			pending = nil
			a.logger.Info("🔁 Workflow changed; starting a new run")
			dispatch()
		}
	}
}

// watchNewDir adds name to w when it is a directory created under a
// watched workflow directory.
func (a *App) watchNewDir(w *fsnotify.Watcher, name string) bool {
	fi, err := os.Stat(name)
	if err != nil || !fi.IsDir() {
		return false
	}
	if err := w.Add(name); err != nil {
		a.logger.Warn("Cannot watch new directory.", "dir", name, "error", err)
		return false
	}
	return true
}
