package scheduler

import (
	"context"
	"errors"
	"slices"

	"github.com/vk/burstci/internal/executor"
	"github.com/vk/burstci/internal/job"
	"github.com/vk/burstci/internal/session"
)

// Runner executes one job instance on a worker. *executor.Executor is the
// production implementation.
type Runner interface {
	Run(ctx context.Context, sess *session.Session, inst *job.Instance, a executor.Assignment) (job.Status, error)
}

// Worker is one execution slot of the pool.
type Worker struct {
	ID     string
	Labels []string
}

// Satisfies reports whether the worker carries every label in runsOn.
func (w Worker) Satisfies(runsOn []string) bool {
	for _, l := range runsOn {
		if !slices.Contains(w.Labels, l) {
			return false
		}
	}
	return true
}

// ErrSuperseded is the cancellation cause of an instance displaced from its
// concurrency group by a cancel-in-progress entrant.
var ErrSuperseded = errors.New("superseded in concurrency group")
