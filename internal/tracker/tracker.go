// Package tracker records every job and step status transition of a run
// in an append-only log, fans transitions out to sinks, and produces the
// terminal snapshot of the run.
package tracker

import (
	"slices"
	"sync"
	"time"

	"github.com/vk/burstci/internal/job"
)

// Transition is one entry of the log. Step is empty for job transitions.
type Transition struct {
	Seq    uint64     `json:"seq" cbor:"seq"`
	Time   time.Time  `json:"time" cbor:"time"`
	RunID  string     `json:"run_id" cbor:"run_id"`
	Job    string     `json:"job" cbor:"job"`
	Step   string     `json:"step,omitempty" cbor:"step,omitempty"`
	From   job.Status `json:"from" cbor:"from"`
	To     job.Status `json:"to" cbor:"to"`
	Detail string     `json:"detail,omitempty" cbor:"detail,omitempty"`
}

// Sink receives transitions and the terminal snapshot. Calls for one sink
// are made from a single goroutine, in log order.
type Sink interface {
	Transition(Transition)
	Snapshot(*Snapshot)
}

type event struct {
	transition *Transition
	snapshot   *Snapshot
}

// subscriber queues events for one sink. Events are pushed while the
// tracker lock is held, so the queue order is the log order; push never
// blocks on a slow sink.
type subscriber struct {
	sink Sink
	done chan struct{}

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []event
	closed bool
}

func newSubscriber(sink Sink) *subscriber {
	s := &subscriber{sink: sink, done: make(chan struct{})}
	s.cond = sync.NewCond(&s.mu)
	go s.run()
	return s
}

func (s *subscriber) push(ev event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.queue = append(s.queue, ev)
	s.cond.Signal()
}

// close stops accepting events; queued ones are still delivered.
func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.cond.Signal()
}

func (s *subscriber) run() {
	defer close(s.done)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, ev := range batch {
			deliver(s.sink, ev)
		}
	}
}

// Tracker is safe for concurrent use.
type Tracker struct {
	runID    string
	workflow string
	now      func() time.Time

	mu        sync.RWMutex
	seq       uint64
	log       []Transition
	current   map[string]job.Status
	instances []*job.Instance
	subs      []*subscriber
	started   time.Time
	archived  *Snapshot
}

// New creates a tracker for one run.
func New(runID, workflow string) *Tracker {
	t := &Tracker{
		runID:    runID,
		workflow: workflow,
		now:      time.Now,
		current:  make(map[string]job.Status),
	}
	t.started = t.now()
	return t
}

func (t *Tracker) RunID() string { return t.runID }

// Register adds instances whose final state appears in snapshots.
func (t *Tracker) Register(insts ...*job.Instance) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, inst := range insts {
		t.instances = append(t.instances, inst)
		if _, ok := t.current[inst.ID]; !ok {
			t.current[inst.ID] = inst.Status()
		}
	}
}

// Record appends a transition and delivers it to every sink.
func (t *Tracker) Record(jobID, step string, from, to job.Status, detail string) Transition {
	t.mu.Lock()
	t.seq++
	tr := Transition{
		Seq:    t.seq,
		Time:   t.now(),
		RunID:  t.runID,
		Job:    jobID,
		Step:   step,
		From:   from,
		To:     to,
		Detail: detail,
	}
	t.log = append(t.log, tr)
	if step == "" {
		t.current[jobID] = to
	}
	for _, s := range t.subs {
		s.push(event{transition: &tr})
	}
	t.mu.Unlock()
	return tr
}

// Status returns the last recorded status of a job instance.
func (t *Tracker) Status(jobID string) (job.Status, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.current[jobID]
	return s, ok
}

// Transitions returns a copy of the log.
func (t *Tracker) Transitions() []Transition {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Clone(t.log)
}

// Subscribe attaches a sink. Events recorded afterwards are delivered in
// order on a dedicated goroutine. The returned function detaches the sink
// after delivering everything already queued.
func (t *Tracker) Subscribe(sink Sink) func() {
	s := newSubscriber(sink)

	t.mu.Lock()
	if t.archived != nil {
		// The run is over; the sink only sees the terminal snapshot.
		s.push(event{snapshot: t.archived})
		s.close()
	} else {
		t.subs = append(t.subs, s)
	}
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			t.subs = slices.DeleteFunc(t.subs, func(o *subscriber) bool { return o == s })
			s.close()
			t.mu.Unlock()
			<-s.done
		})
	}
}

func deliver(sink Sink, ev event) {
	defer func() {
		// A failing sink must not take the run down with it.
		_ = recover()
	}()
	if ev.transition != nil {
		sink.Transition(*ev.transition)
	}
	if ev.snapshot != nil {
		sink.Snapshot(ev.snapshot)
	}
}

// Archive builds the terminal snapshot, delivers it to every sink, waits
// for the sinks to drain, detaches them and drops the references to live
// instances. Later calls return the same snapshot.
func (t *Tracker) Archive() *Snapshot {
	t.mu.Lock()
	if t.archived != nil {
		snap := t.archived
		t.mu.Unlock()
		return snap
	}
	snap := t.snapshotLocked(true)
	t.archived = snap
	t.instances = nil
	subs := t.subs
	t.subs = nil
	for _, s := range subs {
		s.push(event{snapshot: snap})
		s.close()
	}
	t.mu.Unlock()

	for _, s := range subs {
		<-s.done
	}
	return snap
}
