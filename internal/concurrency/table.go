// Package concurrency implements the concurrency-group lock table: a
// mapping from group key to the instance holding it plus a FIFO of
// waiters, guarded by a single mutex.
package concurrency

import (
	"slices"
	"sync"
)

type group struct {
	holder  string
	waiters []string
}

// Table serializes members of each group. An empty group key never
// contends.
type Table struct {
	mu      sync.Mutex
	groups  map[string]*group
	grants  map[string]chan struct{}
	cancels map[string]func()
}

func NewTable() *Table {
	return &Table{
		groups:  make(map[string]*group),
		grants:  make(map[string]chan struct{}),
		cancels: make(map[string]func()),
	}
}

func grantKey(g, id string) string { return g + "\x00" + id }

// Enqueue asks for the group on behalf of id. It reports whether id holds
// the group now. With cancelInProgress the current holder and every
// earlier waiter are returned in cancelled; the caller cancels them and
// calls Release for each, after which id becomes the holder.
func (t *Table) Enqueue(g, id string, cancelInProgress bool) (granted bool, cancelled []string) {
	if g == "" {
		return true, nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	ch := make(chan struct{})
	t.grants[grantKey(g, id)] = ch

	st, ok := t.groups[g]
	if !ok || st.holder == "" {
		if !ok {
			st = &group{}
			t.groups[g] = st
		}
		st.holder = id
		close(ch)
		return true, nil
	}

	if cancelInProgress {
		cancelled = append(cancelled, st.holder)
		cancelled = append(cancelled, st.waiters...)
		st.waiters = st.waiters[:0]
	}
	st.waiters = append(st.waiters, id)
	return false, cancelled
}

// Release drops id from the group, either as holder or as a waiter. When
// the holder leaves, the next waiter is granted the group and returned.
func (t *Table) Release(g, id string) (next string) {
	if g == "" {
		return ""
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.releaseLocked(g, id)
}

func (t *Table) releaseLocked(g, id string) string {
	delete(t.grants, grantKey(g, id))
	st, ok := t.groups[g]
	if !ok {
		return ""
	}
	if st.holder != id {
		st.waiters = slices.DeleteFunc(st.waiters, func(w string) bool { return w == id })
		return ""
	}

	st.holder = ""
	if len(st.waiters) == 0 {
		delete(t.groups, g)
		return ""
	}
	st.holder = st.waiters[0]
	st.waiters = st.waiters[1:]
	if ch, ok := t.grants[grantKey(g, st.holder)]; ok {
		close(ch)
	}
	return st.holder
}

// ReleaseAll removes every id from every group and returns the ids that
// were granted a group as a result, keyed by group.
func (t *Table) ReleaseAll(ids ...string) map[string]string {
	t.mu.Lock()
	defer t.mu.Unlock()

	promoted := make(map[string]string)
	remove := make(map[string]bool, len(ids))
	for _, id := range ids {
		remove[id] = true
	}
	groups := make([]string, 0, len(t.groups))
	for g := range t.groups {
		groups = append(groups, g)
	}
	slices.Sort(groups)
	for _, g := range groups {
		st := t.groups[g]
		for _, w := range slices.Clone(st.waiters) {
			if remove[w] {
				t.releaseLocked(g, w)
			}
		}
		for st.holder != "" && remove[st.holder] {
			next := t.releaseLocked(g, st.holder)
			delete(promoted, g)
			if next != "" {
				promoted[g] = next
			}
		}
	}
	return promoted
}

// Granted returns a channel closed once id holds the group. It returns nil
// if id never enqueued on the group.
func (t *Table) Granted(g, id string) <-chan struct{} {
	if g == "" {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.grants[grantKey(g, id)]
}

// Holder returns the current holder of the group.
func (t *Table) Holder(g string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.groups[g]; ok {
		return st.holder
	}
	return ""
}

// Waiters returns the queued ids of the group in FIFO order.
func (t *Table) Waiters(g string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.groups[g]; ok {
		return slices.Clone(st.waiters)
	}
	return nil
}

// OnCancel registers the function that cancels id's owner. Tables are
// shared between runs, so the owner may belong to another run than the
// caller of Cancel. fn must not block.
func (t *Table) OnCancel(id string, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fn == nil {
		delete(t.cancels, id)
		return
	}
	t.cancels[id] = fn
}

// Cancel invokes the registered cancel function of each id once.
func (t *Table) Cancel(ids ...string) {
	t.mu.Lock()
	fns := make([]func(), 0, len(ids))
	for _, id := range ids {
		if fn, ok := t.cancels[id]; ok {
			fns = append(fns, fn)
			delete(t.cancels, id)
		}
	}
	t.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}
