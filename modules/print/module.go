package print

import (
	"context"
	"fmt"
	"sort"

	"github.com/vk/burstci/internal/ctxlog"
	"github.com/vk/burstci/internal/registry"
)

// Module implements the registry.Module interface for this package.
type Module struct{}

// Print writes every input to the step output, sorted by key.
func Print(ctx context.Context, inv *registry.Invocation) (*registry.Result, error) {
	ctxlog.FromContext(ctx).Debug("Printing inputs", "count", len(inv.With))

	if len(inv.With) == 0 {
		fmt.Fprintln(inv.Output, "(no inputs)")
		return &registry.Result{}, nil
	}

	keys := make([]string, 0, len(inv.With))
	for k := range inv.With {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		fmt.Fprintf(inv.Output, "%s = %q\n", k, inv.With[k])
	}
	return &registry.Result{}, nil
}

// Register registers the action with the engine.
func (m *Module) Register(r *registry.Registry) {
	r.Register("print", registry.ActionFunc(Print), registry.AnyInputs{}, "Echo the step inputs to the step output.")
}
