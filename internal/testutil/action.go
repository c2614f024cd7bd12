package testutil

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/vk/burstci/internal/registry"
)

// ExecutionRecord holds the start and end times of one invocation.
type ExecutionRecord struct {
	Job   string
	Step  string
	With  map[string]string
	Start time.Time
	End   time.Time
}

// ScriptedModule registers the "test/script" action. Every invocation is
// recorded; the action sleeps for Sleep, then calls Fn when set, and
// otherwise echoes its inputs back as outputs.
type ScriptedModule struct {
	Sleep time.Duration
	Fn    func(ctx context.Context, inv *registry.Invocation) (*registry.Result, error)

	mu      sync.Mutex
	records []ExecutionRecord
}

// Register implements the registry.Module interface.
func (m *ScriptedModule) Register(r *registry.Registry) {
	r.Register("test/script", registry.ActionFunc(m.invoke), registry.AnyInputs{}, "Scripted action for tests.")
}

func (m *ScriptedModule) invoke(ctx context.Context, inv *registry.Invocation) (*registry.Result, error) {
	rec := ExecutionRecord{Job: inv.Job, Step: inv.Step, With: maps.Clone(inv.With), Start: time.Now()}
	defer func() {
		rec.End = time.Now()
		m.mu.Lock()
		m.records = append(m.records, rec)
		m.mu.Unlock()
	}()

	if m.Sleep > 0 {
		select {
		case <-time.After(m.Sleep):
		case <-ctx.Done():
			return nil, fmt.Errorf("interrupted: %w", context.Cause(ctx))
		}
	}
	if m.Fn != nil {
		return m.Fn(ctx, inv)
	}
	return &registry.Result{Outputs: maps.Clone(inv.With)}, nil
}

// Records returns the finished invocations in completion order.
func (m *ScriptedModule) Records() []ExecutionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ExecutionRecord(nil), m.records...)
}
