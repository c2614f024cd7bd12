package registry

import (
	"context"
	"io"

	"github.com/vk/burstci/internal/artifact"
	"github.com/vk/burstci/internal/cache"
	"github.com/vk/burstci/internal/job"
)

// Action is a reusable step implementation referenced by `uses`.
type Action interface {
	Invoke(ctx context.Context, inv *Invocation) (*Result, error)
}

// ActionFunc adapts a function to the Action interface.
type ActionFunc func(ctx context.Context, inv *Invocation) (*Result, error)

func (f ActionFunc) Invoke(ctx context.Context, inv *Invocation) (*Result, error) {
	return f(ctx, inv)
}

// PostFunc runs after all steps of the job with the job's outcome.
type PostFunc func(ctx context.Context, outcome job.Status) error

type PostHook struct {
	Name string
	Fn   PostFunc
}

// Invocation carries everything an action may use for one step.
type Invocation struct {
	Ref   string
	RunID string
	Job   string
	Step  string
	// With holds the interpolated inputs with defaults applied.
	With map[string]string
	// Env is the step's effective environment.
	Env       map[string]string
	Workspace string
	// Output receives the action's log; it becomes the step output.
	Output io.Writer

	Cache     *cache.Cache
	Artifacts *artifact.Store

	// Post collects the hooks registered with OnPostJob.
	Post []PostHook
}

// OnPostJob registers fn to run once the job's steps have finished.
func (inv *Invocation) OnPostJob(name string, fn PostFunc) {
	inv.Post = append(inv.Post, PostHook{Name: name, Fn: fn})
}

// Decode copies the inputs into dst, a pointer to the struct registered
// for the action.
func (inv *Invocation) Decode(dst any) error {
	return decodeInputs(inv.With, dst)
}

// Result is what an action returns. Env entries are exported to the
// remaining steps of the job.
type Result struct {
	Outputs map[string]string
	Env     map[string]string
}
