// Package matrix expands job templates into concrete job instances.
package matrix

import (
	"fmt"
	"strings"

	"github.com/vk/burstci/internal/expr"
	"github.com/vk/burstci/internal/job"
	"github.com/vk/burstci/internal/workflow"
)

// Point is one element of a matrix cross product.
type Point map[string]expr.Value

// Expander turns templates into instances. Env is the workflow-level env
// merged under each job's env; Scope resolves the run-level context used to
// interpolate concurrency groups and runs-on labels.
type Expander struct {
	Env   workflow.Vars
	Scope expr.Scope
}

// Expand expands tpl with no workflow env.
func Expand(tpl *workflow.JobTemplate, scope expr.Scope) ([]*job.Instance, error) {
	return (&Expander{Scope: scope}).Expand(tpl)
}

// Expand returns the instances of tpl in generation order: the cross
// product of the axes with the first axis varying slowest, minus excluded
// points. A template without a matrix yields one instance; a matrix whose
// product is empty yields none. The result depends only on the inputs.
func (e *Expander) Expand(tpl *workflow.JobTemplate) ([]*job.Instance, error) {
	points, axes := Points(tpl.Matrix)

	out := make([]*job.Instance, 0, len(points))
	for ordinal, p := range points {
		inst := &job.Instance{
			ID:        instanceID(tpl.Name, axes, p, tpl.Matrix != nil && len(tpl.Matrix.Axes) > 0),
			Template:  tpl,
			Ordinal:   ordinal,
			Matrix:    p,
			AxisOrder: axes,
			Env:       e.Env.Merge(tpl.Env),
		}

		scope := expr.Overlay(e.Scope, map[string]expr.Value{
			"matrix": inst.MatrixValue(),
			"env":    expr.StringMap(inst.Env.Map()),
		})
		if c := tpl.Concurrency; c != nil {
			group, err := expr.Interpolate(c.Group, scope)
			if err != nil {
				return nil, fmt.Errorf("job %q: concurrency group: %w", tpl.Name, err)
			}
			inst.Group = group
			inst.CancelInProgress = c.CancelInProgress
		}
		for _, label := range tpl.RunsOn {
			resolved, err := expr.Interpolate(label, scope)
			if err != nil {
				return nil, fmt.Errorf("job %q: runs-on: %w", tpl.Name, err)
			}
			if resolved = strings.TrimSpace(resolved); resolved != "" {
				inst.RunsOn = append(inst.RunsOn, resolved)
			}
		}
		out = append(out, inst)
	}
	return out, nil
}

// Points computes the matrix points of spec and the axis order. A nil or
// axis-less spec has exactly one empty point.
func Points(spec *workflow.MatrixSpec) ([]Point, []string) {
	if spec == nil || len(spec.Axes) == 0 {
		return []Point{{}}, nil
	}
	axes := make([]string, len(spec.Axes))
	for i, a := range spec.Axes {
		axes[i] = a.Name
	}

	points := []Point{{}}
	for _, axis := range spec.Axes {
		next := make([]Point, 0, len(points)*len(axis.Values))
		for _, p := range points {
			for _, v := range axis.Values {
				q := make(Point, len(p)+1)
				for k, pv := range p {
					q[k] = pv
				}
				q[axis.Name] = v
				next = append(next, q)
			}
		}
		points = next
	}

	kept := points[:0]
	for _, p := range points {
		if !excluded(p, spec.Exclude) {
			kept = append(kept, p)
		}
	}
	return kept, axes
}

func excluded(p Point, rules []map[string]expr.Value) bool {
	for _, rule := range rules {
		if len(rule) == 0 {
			continue
		}
		match := true
		for axis, want := range rule {
			got, ok := p[axis]
			if !ok || !got.Equal(want) {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

func instanceID(name string, axes []string, p Point, hasMatrix bool) string {
	if !hasMatrix {
		return name
	}
	parts := make([]string, len(axes))
	for i, a := range axes {
		parts[i] = p[a].String()
	}
	return fmt.Sprintf("%s (%s)", name, strings.Join(parts, ", "))
}
