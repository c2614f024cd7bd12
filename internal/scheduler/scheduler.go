package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/vk/burstci/internal/ctxlog"
	"github.com/vk/burstci/internal/executor"
	"github.com/vk/burstci/internal/expr"
	"github.com/vk/burstci/internal/job"
	"github.com/vk/burstci/internal/session"
)

// Scheduler runs job instances on a fixed worker pool.
type Scheduler struct {
	Workers []Worker
	// Parallelism caps the number of running instances. Zero means one per
	// worker.
	Parallelism int
	Runner      Runner
}

// New creates a scheduler. A nil runner uses executor.New().
func New(workers []Worker, parallelism int, runner Runner) *Scheduler {
	if runner == nil {
		runner = executor.New()
	}
	return &Scheduler{Workers: workers, Parallelism: parallelism, Runner: runner}
}

// entry is the scheduler's bookkeeping for one instance.
type entry struct {
	inst   *job.Instance
	deps   []*job.Instance
	needs  expr.Value
	ctx    context.Context
	cancel context.CancelCauseFunc

	// acquired is set once the instance entered its concurrency group,
	// granted once it holds it.
	acquired bool
	granted  bool
}

type worker struct {
	Worker
	busy bool
	jobs chan *entry
}

type result struct {
	e      *entry
	w      *worker
	status job.Status
	err    error
}

type run struct {
	s      *Scheduler
	sess   *session.Session
	ctx    context.Context
	logger *slog.Logger

	entries []*entry
	byJob   map[string][]*job.Instance
	workers []*worker
	limit   int
	running int

	results   chan result
	granted   chan *entry
	cancelled chan *entry
	wg        sync.WaitGroup
}

// Run drives every instance to a terminal status and returns once all of
// them got there. Instances must come from the same run as sess; needs
// refer to job names. The error is the cancellation cause when ctx ends
// the run early.
func (s *Scheduler) Run(ctx context.Context, sess *session.Session, insts []*job.Instance) error {
	if len(insts) == 0 {
		return nil
	}
	if len(s.Workers) == 0 {
		return fmt.Errorf("scheduler has no workers")
	}
	logger := ctxlog.FromContext(ctx)

	r := &run{
		s:         s,
		sess:      sess,
		ctx:       ctx,
		logger:    logger,
		byJob:     make(map[string][]*job.Instance),
		limit:     s.Parallelism,
		results:   make(chan result, len(insts)),
		granted:   make(chan *entry, len(insts)),
		cancelled: make(chan *entry, len(insts)),
	}
	if r.limit <= 0 {
		r.limit = len(s.Workers)
	}

	sorted := slices.Clone(insts)
	slices.SortStableFunc(sorted, func(a, b *job.Instance) int {
		switch {
		case a.Less(b):
			return -1
		case b.Less(a):
			return 1
		}
		return 0
	})
	for _, inst := range sorted {
		r.byJob[inst.Template.Name] = append(r.byJob[inst.Template.Name], inst)
	}
	for _, inst := range sorted {
		e := &entry{inst: inst}
		e.ctx, e.cancel = context.WithCancelCause(ctx)
		defer e.cancel(nil)
		for _, need := range inst.Template.Needs {
			e.deps = append(e.deps, r.byJob[need]...)
		}
		r.entries = append(r.entries, e)
	}

	r.startWorkers()
	defer r.stopWorkers()

	logger.Debug("Scheduler started.", "instances", len(r.entries), "workers", len(r.workers), "parallelism", r.limit)
	return r.loop()
}

func (r *run) startWorkers() {
	for _, w := range r.s.Workers {
		wk := &worker{Worker: w, jobs: make(chan *entry, 1)}
		r.workers = append(r.workers, wk)
		r.wg.Add(1)
		go r.work(wk)
	}
}

func (r *run) stopWorkers() {
	for _, w := range r.workers {
		close(w.jobs)
	}
	r.wg.Wait()
}

func (r *run) work(w *worker) {
	defer r.wg.Done()
	for e := range w.jobs {
		status, err := r.execute(w, e)
		r.results <- result{e: e, w: w, status: status, err: err}
	}
}

// execute runs one instance. A panic is a worker fault.
func (r *run) execute(w *worker, e *entry) (status job.Status, err error) {
	defer func() {
		if p := recover(); p != nil {
			status = job.Failed
			err = &executor.WorkerFault{WorkerID: w.ID, Job: e.inst.ID, Err: fmt.Errorf("panic: %v", p)}
		}
	}()
	return r.s.Runner.Run(e.ctx, r.sess, e.inst, executor.Assignment{
		WorkerID: w.ID,
		Labels:   w.Labels,
		Needs:    e.needs,
	})
}

func (r *run) loop() error {
	done := r.ctx.Done()
	for {
		for r.advance() {
		}
		r.dispatch()
		if r.finished() {
			break
		}

		select {
		case res := <-r.results:
			r.complete(res)
		case e := <-r.granted:
			if e.inst.Status() == job.Queued {
				e.granted = true
			}
		case e := <-r.cancelled:
			if e.inst.Status() == job.Queued {
				r.transition(e, job.Cancelled, ErrSuperseded.Error())
				r.release(e)
			}
		case <-done:
			done = nil
			r.cancelWaiting()
		}
	}
	if r.ctx.Err() != nil {
		return context.Cause(r.ctx)
	}
	return nil
}

func (r *run) finished() bool {
	for _, e := range r.entries {
		if !e.inst.Status().IsTerminal() {
			return false
		}
	}
	return true
}

// cancelWaiting cancels every instance that has not started. Running
// instances see their context cancelled.
func (r *run) cancelWaiting() {
	r.logger.Info("⏹️ Run cancelled; cancelling waiting jobs.", "cause", context.Cause(r.ctx))
	for _, e := range r.entries {
		switch e.inst.Status() {
		case job.Pending, job.Blocked, job.Queued:
			r.transition(e, job.Cancelled, "run cancelled")
			r.release(e)
		}
	}
}

func (r *run) transition(e *entry, to job.Status, detail string) bool {
	from, err := e.inst.Transition(to)
	if err != nil {
		r.logger.Debug("Ignoring transition.", "job", e.inst.ID, "to", to, "error", err)
		return false
	}
	r.sess.Tracker.Record(e.inst.ID, "", from, to, detail)
	return true
}

func (r *run) skip(e *entry, reason job.SkipReason) {
	from, err := e.inst.Skip(reason)
	if err != nil {
		r.logger.Debug("Ignoring skip.", "job", e.inst.ID, "error", err)
		return
	}
	r.logger.Info("Skipping job.", "job", e.inst.ID, "reason", reason)
	r.sess.Tracker.Record(e.inst.ID, "", from, job.Skipped, string(reason))
}

func (r *run) release(e *entry) {
	if !e.acquired {
		return
	}
	e.acquired = false
	r.sess.Release(e.inst.Group, e.inst.ID)
}

// advance moves Pending and Blocked instances forward and reports whether
// anything changed.
func (r *run) advance() bool {
	if r.ctx.Err() != nil {
		return false
	}
	changed := false
	for _, e := range r.entries {
		switch e.inst.Status() {
		case job.Pending, job.Blocked:
			if r.evaluate(e) {
				changed = true
			}
		}
	}
	return changed
}

// evaluate decides the fate of an instance whose status is Pending or
// Blocked. It reports whether the instance left those statuses.
func (r *run) evaluate(e *entry) bool {
	for _, d := range e.deps {
		if !d.Status().IsTerminal() {
			if e.inst.Status() == job.Pending {
				r.transition(e, job.Blocked, "waiting for "+d.ID)
			}
			return false
		}
	}

	cond := e.inst.Template.If
	blocked := slices.ContainsFunc(e.deps, (*job.Instance).Blocking)
	if blocked && !expr.UsesStatusFunction(cond) {
		r.skip(e, job.SkipUpstream)
		return true
	}

	e.needs = r.needsValue(e)
	ok, err := expr.Condition(cond, r.jobScope(e, blocked))
	if err != nil {
		r.logger.Warn("Malformed job condition; treating it as false.", "job", e.inst.ID, "if", cond, "error", err)
		ok = false
	}
	if !ok {
		r.skip(e, job.SkipCondition)
		return true
	}

	r.transition(e, job.Queued, "")
	if !slices.ContainsFunc(r.workers, func(w *worker) bool { return w.Satisfies(e.inst.RunsOn) }) {
		err := fmt.Errorf("no worker satisfies runs-on %v", e.inst.RunsOn)
		r.logger.Warn("Unmatched runner labels.", "job", e.inst.ID, "runs_on", e.inst.RunsOn)
		e.inst.SetError(err)
		r.transition(e, job.Failed, err.Error())
		return true
	}
	r.acquire(e)
	return true
}

func (r *run) acquire(e *entry) {
	if e.inst.Group == "" {
		e.granted = true
		return
	}
	e.acquired = true
	ch := r.sess.Acquire(e.inst.Group, e.inst.ID, e.inst.CancelInProgress, func() {
		e.cancel(ErrSuperseded)
		r.cancelled <- e
	})
	select {
	case <-ch:
		e.granted = true
		return
	default:
	}
	r.logger.Debug("Waiting for concurrency group.", "job", e.inst.ID, "group", e.inst.Group)
	go func() {
		select {
		case <-ch:
			r.granted <- e
		case <-e.ctx.Done():
		}
	}()
}

// jobScope is the scope of a job-level condition.
func (r *run) jobScope(e *entry, blocked bool) *expr.MapScope {
	scope := r.sess.Scope()
	scope.Set("needs", e.needs)
	scope.Set("matrix", e.inst.MatrixValue())
	scope.Set("env", expr.StringMap(e.inst.Env.Map()))

	failed := slices.ContainsFunc(e.deps, func(d *job.Instance) bool {
		return d.Status() == job.Failed || (d.Status() == job.Skipped && d.SkipReason() == job.SkipUpstream)
	})
	cancelled := r.ctx.Err() != nil
	for name, fn := range expr.StatusFuncs(!blocked && !cancelled, failed, cancelled) {
		scope.SetFunc(name, fn)
	}
	return scope
}

// needsValue builds needs.<job>.result and needs.<job>.outputs. Outputs
// of matrix instances are merged in expansion order.
func (r *run) needsValue(e *entry) expr.Value {
	out := make(map[string]expr.Value, len(e.inst.Template.Needs))
	for _, name := range e.inst.Template.Needs {
		insts := r.byJob[name]
		outputs := map[string]string{}
		for _, inst := range insts {
			maps.Copy(outputs, inst.Outputs())
		}
		out[name] = expr.Object(map[string]expr.Value{
			"result":  expr.String(job.AggregateResult(insts).Result()),
			"outputs": expr.StringMap(outputs),
		})
	}
	return expr.Object(out)
}

// dispatch hands granted Queued instances to free workers in declaration
// order.
func (r *run) dispatch() {
	for _, e := range r.entries {
		if r.running >= r.limit {
			return
		}
		if e.inst.Status() != job.Queued || !e.granted || e.ctx.Err() != nil {
			continue
		}
		idx := slices.IndexFunc(r.workers, func(w *worker) bool { return !w.busy && w.Satisfies(e.inst.RunsOn) })
		if idx < 0 {
			continue
		}
		w := r.workers[idx]
		e.inst.SetWorker(w.ID)
		if !r.transition(e, job.Running, w.ID) {
			continue
		}
		r.logger.Debug("Dispatching job.", "job", e.inst.ID, "workerID", w.ID)
		w.busy = true
		r.running++
		w.jobs <- e
	}
}

func (r *run) complete(res result) {
	res.w.busy = false
	r.running--
	e := res.e

	status := res.status
	if executor.IsWorkerFault(res.err) {
		r.logger.Error("❌ Worker fault.", "job", e.inst.ID, "workerID", res.w.ID, "error", res.err)
		status = job.Failed
	}
	switch status {
	case job.Succeeded, job.Failed, job.Cancelled:
	default:
		status = job.Failed
	}
	detail := ""
	if res.err != nil {
		e.inst.SetError(res.err)
		detail = res.err.Error()
	}
	r.transition(e, status, detail)
	r.release(e)
}
