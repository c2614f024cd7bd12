package job

import (
	"maps"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vk/burstci/internal/expr"
	"github.com/vk/burstci/internal/workflow"
)

// Instance is one concrete execution of a job template for a single
// matrix point. The scheduler owns it until it reaches a terminal status.
type Instance struct {
	// ID is the job name, suffixed with the matrix values when expanded,
	// e.g. "build (linux, 1.22)".
	ID       string
	Template *workflow.JobTemplate
	// Ordinal is the position of the instance within its template's expansion.
	Ordinal int
	// Matrix holds the instance's matrix point; AxisOrder lists its keys in
	// declaration order.
	Matrix    map[string]expr.Value
	AxisOrder []string
	// Env is the workflow env overlaid with the job env, not yet interpolated.
	Env workflow.Vars
	// Group is the resolved concurrency group, empty when unconstrained.
	Group            string
	CancelInProgress bool
	RunsOn           []string

	status atomic.Int32

	mu         sync.Mutex
	worker     string
	skipReason SkipReason
	outputs    map[string]string
	steps      []*StepResult
	err        error
	startedAt  time.Time
	finishedAt time.Time
}

// Name returns the name of the job template.
func (i *Instance) Name() string { return i.Template.Name }

// Less orders instances by job declaration order, then by expansion order.
func (i *Instance) Less(o *Instance) bool {
	if i.Template.Index != o.Template.Index {
		return i.Template.Index < o.Template.Index
	}
	return i.Ordinal < o.Ordinal
}

// MatrixValue returns the matrix point as an expression object.
func (i *Instance) MatrixValue() expr.Value {
	return expr.Object(maps.Clone(i.Matrix))
}

var slugUnsafe = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Slug returns a filesystem-safe form of the ID.
func (i *Instance) Slug() string {
	s := slugUnsafe.ReplaceAllString(i.ID, "_")
	return strings.Trim(s, "_")
}

// Status atomically returns the current status.
func (i *Instance) Status() Status {
	return Status(i.status.Load())
}

// Transition moves the instance to a new status if the transition is valid.
// It returns the previous status.
func (i *Instance) Transition(to Status) (Status, error) {
	for {
		from := i.Status()
		if err := ValidateTransition(from, to); err != nil {
			return from, err
		}
		if i.status.CompareAndSwap(int32(from), int32(to)) {
			i.mu.Lock()
			now := time.Now()
			switch {
			case to == Running:
				i.startedAt = now
			case to.IsTerminal():
				i.finishedAt = now
			}
			i.mu.Unlock()
			return from, nil
		}
	}
}

// Skip moves the instance to Skipped and records why.
func (i *Instance) Skip(reason SkipReason) (Status, error) {
	from, err := i.Transition(Skipped)
	if err != nil {
		return from, err
	}
	i.mu.Lock()
	i.skipReason = reason
	i.mu.Unlock()
	return from, nil
}

func (i *Instance) SkipReason() SkipReason {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.skipReason
}

func (i *Instance) SetWorker(id string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.worker = id
}

func (i *Instance) Worker() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.worker
}

func (i *Instance) SetError(err error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.err = err
}

func (i *Instance) Err() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.err
}

func (i *Instance) SetOutputs(out map[string]string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.outputs = maps.Clone(out)
}

// Outputs returns a copy of the job outputs.
func (i *Instance) Outputs() map[string]string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return maps.Clone(i.outputs)
}

// AddStepResult appends the result of an executed or skipped step.
func (i *Instance) AddStepResult(r *StepResult) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.steps = append(i.steps, r)
}

// StepResults returns the recorded step results in execution order.
func (i *Instance) StepResults() []*StepResult {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]*StepResult(nil), i.steps...)
}

// Times returns when the instance started running and when it finished.
// Either may be zero.
func (i *Instance) Times() (started, finished time.Time) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.startedAt, i.finishedAt
}

// Duration is the running time of a finished instance.
func (i *Instance) Duration() time.Duration {
	started, finished := i.Times()
	if started.IsZero() || finished.IsZero() {
		return 0
	}
	return finished.Sub(started)
}

// AggregateResult folds the statuses of every instance of one job into a
// single result: failure wins over cancelled, cancelled over success, and
// success over skipped. A job with no instances counts as skipped.
func AggregateResult(insts []*Instance) Status {
	rank := map[Status]int{Skipped: 0, Succeeded: 1, Cancelled: 2, Failed: 3}
	result := Skipped
	for _, inst := range insts {
		s := inst.Status()
		if r, ok := rank[s]; ok && r > rank[result] {
			result = s
		}
	}
	return result
}

// Blocking reports whether the instance, once terminal, prevents dependents
// without a status-function override from running.
func (i *Instance) Blocking() bool {
	switch i.Status() {
	case Failed, Cancelled:
		return true
	case Skipped:
		return i.SkipReason() == SkipUpstream
	}
	return false
}
