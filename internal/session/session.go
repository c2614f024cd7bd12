// Package session holds the RunContext: everything a single workflow run
// shares between the scheduler, the executor and the actions, and the
// teardown that releases it.
package session

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/vk/burstci/internal/artifact"
	"github.com/vk/burstci/internal/cache"
	"github.com/vk/burstci/internal/concurrency"
	"github.com/vk/burstci/internal/ctxlog"
	"github.com/vk/burstci/internal/expr"
	"github.com/vk/burstci/internal/inmemorystore"
	"github.com/vk/burstci/internal/registry"
	"github.com/vk/burstci/internal/tracker"
	"github.com/vk/burstci/internal/workflow"
)

// Trigger is the event that started a run.
type Trigger struct {
	Event string
	Ref   string
	SHA   string
	Actor string
	// Inputs are the raw dispatch inputs before defaults are applied.
	Inputs map[string]string
}

// RefName is the short form of Ref.
func (t Trigger) RefName() string {
	for _, p := range []string{"refs/heads/", "refs/tags/"} {
		if strings.HasPrefix(t.Ref, p) {
			return strings.TrimPrefix(t.Ref, p)
		}
	}
	return t.Ref
}

// Options are the long-lived services a session borrows. Nil stores fall
// back to in-memory ones scoped to the session.
type Options struct {
	RunID         string
	WorkspaceRoot string
	KeepWorkspace bool
	Secrets       map[string]string
	Cache         *cache.Cache
	Artifacts     *artifact.Store
	Locks         *concurrency.Table
	Registry      *registry.Registry
}

// Session is the RunContext of one run.
type Session struct {
	RunID     string
	Workflow  *workflow.Definition
	Trigger   Trigger
	Inputs    map[string]string
	Secrets   map[string]string
	Cache     *cache.Cache
	Artifacts *artifact.Store
	Locks     *concurrency.Table
	Registry  *registry.Registry
	Tracker   *tracker.Tracker

	workspace string
	keep      bool

	mu     sync.Mutex
	held   map[string]bool
	closed bool
}

// New prepares a run: resolves the dispatch inputs, assigns the run id and
// creates the run workspace.
func New(ctx context.Context, def *workflow.Definition, trig Trigger, opts Options) (*Session, error) {
	inputs, err := def.ResolveInputs(trig.Inputs)
	if err != nil {
		return nil, err
	}
	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	root := opts.WorkspaceRoot
	if root == "" {
		root = filepath.Join(os.TempDir(), "burstci")
	}
	workspace := filepath.Join(root, runID)
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return nil, fmt.Errorf("create run workspace: %w", err)
	}

	s := &Session{
		RunID:     runID,
		Workflow:  def,
		Trigger:   trig,
		Inputs:    inputs,
		Secrets:   maps.Clone(opts.Secrets),
		Cache:     opts.Cache,
		Artifacts: opts.Artifacts,
		Locks:     opts.Locks,
		Registry:  opts.Registry,
		Tracker:   tracker.New(runID, def.Name),
		workspace: workspace,
		keep:      opts.KeepWorkspace,
		held:      make(map[string]bool),
	}
	if s.Secrets == nil {
		s.Secrets = map[string]string{}
	}
	if s.Cache == nil {
		s.Cache = cache.New(inmemorystore.New())
	}
	if s.Artifacts == nil {
		s.Artifacts = artifact.NewStore(inmemorystore.New())
	}
	if s.Locks == nil {
		s.Locks = concurrency.NewTable()
	}
	if s.Registry == nil {
		s.Registry = registry.New()
	}
	ctxlog.FromContext(ctx).Debug("Session created.", "run_id", runID, "workspace", workspace)
	return s, nil
}

// Workspace is the root directory of the run.
func (s *Session) Workspace() string { return s.workspace }

// JobWorkspace is the directory a job instance runs in.
func (s *Session) JobWorkspace(slug string) string {
	return filepath.Join(s.workspace, slug)
}

// Scope returns the run-level expression scope: trigger (aliased as
// github), inputs, secrets and the workflow env.
func (s *Session) Scope() *expr.MapScope {
	trig := expr.Object(map[string]expr.Value{
		"event":      expr.String(s.Trigger.Event),
		"event_name": expr.String(s.Trigger.Event),
		"ref":        expr.String(s.Trigger.Ref),
		"ref_name":   expr.String(s.Trigger.RefName()),
		"sha":        expr.String(s.Trigger.SHA),
		"actor":      expr.String(s.Trigger.Actor),
		"run_id":     expr.String(s.RunID),
		"workflow":   expr.String(s.Workflow.Name),
		"inputs":     expr.StringMap(s.Inputs),
	})
	return expr.NewMapScope().
		Set("trigger", trig).
		Set("github", trig).
		Set("inputs", expr.StringMap(s.Inputs)).
		Set("secrets", expr.StringMap(s.Secrets)).
		Set("env", expr.StringMap(s.Workflow.Env.Map()))
}

// LockID qualifies an owner with the run id; the lock table is shared
// between runs. An empty owner stands for the run itself.
func (s *Session) LockID(owner string) string {
	if owner == "" {
		return s.RunID
	}
	return s.RunID + "/" + owner
}

// Acquire enqueues owner on group. onCancel is called, at most once and
// possibly from another run's goroutine, if a later cancel-in-progress
// entrant displaces owner; it must not block. The returned channel closes
// once owner holds the group.
func (s *Session) Acquire(group, owner string, cancelInProgress bool, onCancel func()) <-chan struct{} {
	id := s.LockID(owner)
	if group == "" {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	s.mu.Lock()
	s.held[group+"\x00"+id] = true
	s.mu.Unlock()

	s.Locks.OnCancel(id, onCancel)
	_, cancelled := s.Locks.Enqueue(group, id, cancelInProgress)
	s.Locks.Cancel(cancelled...)
	return s.Locks.Granted(group, id)
}

// Release gives up owner's place in group, as holder or waiter.
func (s *Session) Release(group, owner string) {
	if group == "" {
		return
	}
	id := s.LockID(owner)
	s.mu.Lock()
	delete(s.held, group+"\x00"+id)
	s.mu.Unlock()
	s.Locks.OnCancel(id, nil)
	s.Locks.Release(group, id)
}

// Close releases every group still held by the run and removes the run
// workspace unless it is kept. It is safe to call more than once.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ids := make([]string, 0, len(s.held))
	for k := range s.held {
		_, id, _ := strings.Cut(k, "\x00")
		ids = append(ids, id)
	}
	s.held = map[string]bool{}
	s.mu.Unlock()

	logger := ctxlog.FromContext(ctx)
	for _, id := range ids {
		s.Locks.OnCancel(id, nil)
	}
	if promoted := s.Locks.ReleaseAll(ids...); len(promoted) > 0 {
		logger.Debug("Released concurrency groups at teardown.", "promoted", promoted)
	}

	var errs []error
	if !s.keep {
		if err := os.RemoveAll(s.workspace); err != nil {
			errs = append(errs, fmt.Errorf("remove run workspace: %w", err))
		}
	} else {
		logger.Info("Keeping run workspace.", "path", s.workspace)
	}
	return errors.Join(errs...)
}
