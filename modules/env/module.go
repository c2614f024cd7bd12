// Package env provides the `env` action, which exports its inputs as
// environment variables for the remaining steps of the job.
package env

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"sort"

	"github.com/vk/burstci/internal/ctxlog"
	"github.com/vk/burstci/internal/registry"
)

// Module implements the registry.Module interface for this package.
type Module struct{}

var validName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Export returns every input as an env entry and as an output.
func Export(ctx context.Context, inv *registry.Invocation) (*registry.Result, error) {
	names := make([]string, 0, len(inv.With))
	for k := range inv.With {
		if !validName.MatchString(k) {
			return nil, fmt.Errorf("invalid environment variable name %q", k)
		}
		names = append(names, k)
	}
	sort.Strings(names)

	res := &registry.Result{Env: map[string]string{}, Outputs: map[string]string{}}
	for _, k := range names {
		res.Env[k] = inv.With[k]
		res.Outputs[k] = inv.With[k]
		fmt.Fprintf(inv.Output, "export %s\n", k)
	}
	ctxlog.FromContext(ctx).Debug("Exported environment", "vars", names)
	return res, nil
}

type hostInput struct {
	Names []string `with:"names,required"`
}

// Host copies variables from the engine's own environment into the job.
// Unset variables are reported as an empty output and not exported.
func Host(ctx context.Context, inv *registry.Invocation) (*registry.Result, error) {
	var in hostInput
	if err := inv.Decode(&in); err != nil {
		return nil, err
	}
	res := &registry.Result{Env: map[string]string{}, Outputs: map[string]string{}}
	for _, name := range in.Names {
		v, ok := os.LookupEnv(name)
		res.Outputs[name] = v
		if ok {
			res.Env[name] = v
		} else {
			ctxlog.FromContext(ctx).Warn("Host environment variable is not set", "name", name)
		}
	}
	return res, nil
}

// Register registers the actions with the engine.
func (m *Module) Register(r *registry.Registry) {
	r.Register("env", registry.ActionFunc(Export), registry.AnyInputs{}, "Export inputs as environment variables for later steps.")
	r.Register("env/host", registry.ActionFunc(Host), hostInput{}, "Import variables from the engine's environment.")
}
