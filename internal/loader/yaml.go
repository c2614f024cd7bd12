package loader

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/vk/burstci/internal/expr"
	"github.com/vk/burstci/internal/workflow"
)

// yamlWalker converts a YAML document into a workflow.Raw. It walks nodes
// instead of decoding into maps so that jobs and matrix axes keep their
// declaration order.
type yamlWalker struct {
	source string
	logger *slog.Logger
}

func (w *yamlWalker) errorf(n *yaml.Node, format string, args ...any) error {
	return fmt.Errorf("%s:%d:%d: %s", w.source, n.Line, n.Column, fmt.Sprintf(format, args...))
}

func (w *yamlWalker) ignore(n *yaml.Node, key, where string) {
	w.logger.Debug("Ignoring unsupported key.", "source", w.source, "line", n.Line, "key", key, "in", where)
}

// pairs iterates a mapping node in order.
func pairs(n *yaml.Node, fn func(key string, value *yaml.Node) error) error {
	for i := 0; i+1 < len(n.Content); i += 2 {
		if err := fn(n.Content[i].Value, n.Content[i+1]); err != nil {
			return err
		}
	}
	return nil
}

func (w *yamlWalker) mapping(n *yaml.Node, what string) error {
	if n.Kind != yaml.MappingNode {
		return w.errorf(n, "%s must be a mapping", what)
	}
	return nil
}

func (w *yamlWalker) scalar(n *yaml.Node, what string) (string, error) {
	if n.Kind != yaml.ScalarNode {
		return "", w.errorf(n, "%s must be a scalar", what)
	}
	if n.Tag == "!!null" {
		return "", nil
	}
	return n.Value, nil
}

// strings accepts a scalar or a sequence of scalars.
func (w *yamlWalker) strings(n *yaml.Node, what string) ([]string, error) {
	switch n.Kind {
	case yaml.ScalarNode:
		s, err := w.scalar(n, what)
		if err != nil || s == "" {
			return nil, err
		}
		return []string{s}, nil
	case yaml.SequenceNode:
		out := make([]string, 0, len(n.Content))
		for _, c := range n.Content {
			s, err := w.scalar(c, what)
			if err != nil {
				return nil, err
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, w.errorf(n, "%s must be a string or a list of strings", what)
}

func (w *yamlWalker) boolean(n *yaml.Node, what string) (bool, error) {
	s, err := w.scalar(n, what)
	if err != nil || s == "" {
		return false, err
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, w.errorf(n, "%s must be a boolean", what)
	}
	return b, nil
}

func (w *yamlWalker) number(n *yaml.Node, what string) (float64, error) {
	s, err := w.scalar(n, what)
	if err != nil || s == "" {
		return 0, err
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, w.errorf(n, "%s must be a number", what)
	}
	return f, nil
}

func (w *yamlWalker) vars(n *yaml.Node, what string) (workflow.Vars, error) {
	if n.Kind == yaml.ScalarNode && n.Tag == "!!null" {
		return nil, nil
	}
	if err := w.mapping(n, what); err != nil {
		return nil, err
	}
	var out workflow.Vars
	err := pairs(n, func(k string, v *yaml.Node) error {
		s, err := w.scalar(v, what+"."+k)
		if err != nil {
			return err
		}
		out = append(out, workflow.Var{Name: k, Value: s})
		return nil
	})
	return out, err
}

// value converts any node into an expression value. Scalars keep their
// YAML type.
func (w *yamlWalker) value(n *yaml.Node) (expr.Value, error) {
	switch n.Kind {
	case yaml.AliasNode:
		return w.value(n.Alias)
	case yaml.ScalarNode:
		switch n.Tag {
		case "!!null":
			return expr.Null, nil
		case "!!bool":
			b, err := strconv.ParseBool(n.Value)
			if err != nil {
				return expr.String(n.Value), nil
			}
			return expr.Bool(b), nil
		case "!!int", "!!float":
			var f float64
			if err := n.Decode(&f); err != nil {
				return expr.String(n.Value), nil
			}
			return expr.Number(f), nil
		}
		return expr.String(n.Value), nil
	}
	var x any
	if err := n.Decode(&x); err != nil {
		return expr.Null, w.errorf(n, "%v", err)
	}
	return expr.FromGo(x), nil
}

func (w *yamlWalker) document(root *yaml.Node) (*workflow.Raw, error) {
	if root.Kind == yaml.DocumentNode {
		if len(root.Content) == 0 {
			return nil, fmt.Errorf("%s: empty document", w.source)
		}
		root = root.Content[0]
	}
	if err := w.mapping(root, "workflow"); err != nil {
		return nil, err
	}

	raw := &workflow.Raw{Source: w.source}
	err := pairs(root, func(key string, v *yaml.Node) error {
		var err error
		switch key {
		case "name":
			raw.Name, err = w.scalar(v, key)
		case "on", "true":
			// YAML 1.1 readers turn a bare `on` key into true.
			raw.On, err = w.triggers(v, raw)
		case "inputs":
			raw.Inputs, err = w.inputs(v)
		case "env":
			raw.Env, err = w.vars(v, key)
		case "concurrency":
			raw.Concurrency, err = w.concurrency(v)
		case "jobs":
			raw.Jobs, err = w.jobs(v)
		default:
			w.ignore(v, key, "workflow")
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return raw, nil
}

func (w *yamlWalker) triggers(n *yaml.Node, raw *workflow.Raw) ([]workflow.RawTrigger, error) {
	if n.Kind != yaml.MappingNode {
		events, err := w.strings(n, "on")
		if err != nil {
			return nil, err
		}
		out := make([]workflow.RawTrigger, len(events))
		for i, e := range events {
			out[i] = workflow.RawTrigger{Event: e}
		}
		return out, nil
	}

	var out []workflow.RawTrigger
	err := pairs(n, func(event string, v *yaml.Node) error {
		tr := workflow.RawTrigger{Event: event}
		if v.Kind == yaml.MappingNode {
			err := pairs(v, func(key string, c *yaml.Node) error {
				var err error
				switch key {
				case "branches":
					tr.Branches, err = w.strings(c, "on."+event+".branches")
				case "inputs":
					var inputs []workflow.Input
					inputs, err = w.inputs(c)
					raw.Inputs = append(raw.Inputs, inputs...)
				default:
					w.ignore(c, key, "on."+event)
				}
				return err
			})
			if err != nil {
				return err
			}
		}
		out = append(out, tr)
		return nil
	})
	return out, err
}

func (w *yamlWalker) inputs(n *yaml.Node) ([]workflow.Input, error) {
	if err := w.mapping(n, "inputs"); err != nil {
		return nil, err
	}
	var out []workflow.Input
	err := pairs(n, func(name string, v *yaml.Node) error {
		in := workflow.Input{Name: name}
		if v.Kind == yaml.MappingNode {
			err := pairs(v, func(key string, c *yaml.Node) error {
				var err error
				switch key {
				case "default":
					in.Default, err = w.scalar(c, "inputs."+name+".default")
				case "required":
					in.Required, err = w.boolean(c, "inputs."+name+".required")
				default:
					w.ignore(c, key, "inputs."+name)
				}
				return err
			})
			if err != nil {
				return err
			}
		}
		out = append(out, in)
		return nil
	})
	return out, err
}

func (w *yamlWalker) concurrency(n *yaml.Node) (*workflow.Concurrency, error) {
	if n.Kind == yaml.ScalarNode {
		g, err := w.scalar(n, "concurrency")
		if err != nil || g == "" {
			return nil, err
		}
		return &workflow.Concurrency{Group: g}, nil
	}
	if err := w.mapping(n, "concurrency"); err != nil {
		return nil, err
	}
	c := &workflow.Concurrency{}
	err := pairs(n, func(key string, v *yaml.Node) error {
		var err error
		switch key {
		case "group":
			c.Group, err = w.scalar(v, "concurrency.group")
		case "cancel-in-progress":
			c.CancelInProgress, err = w.boolean(v, "concurrency.cancel-in-progress")
		default:
			w.ignore(v, key, "concurrency")
		}
		return err
	})
	return c, err
}

func (w *yamlWalker) jobs(n *yaml.Node) ([]workflow.RawJob, error) {
	if err := w.mapping(n, "jobs"); err != nil {
		return nil, err
	}
	var out []workflow.RawJob
	err := pairs(n, func(name string, v *yaml.Node) error {
		j, err := w.job(name, v)
		if err != nil {
			return err
		}
		out = append(out, j)
		return nil
	})
	return out, err
}

func (w *yamlWalker) job(name string, n *yaml.Node) (workflow.RawJob, error) {
	j := workflow.RawJob{Name: name}
	if err := w.mapping(n, "jobs."+name); err != nil {
		return j, err
	}
	path := "jobs." + name
	err := pairs(n, func(key string, v *yaml.Node) error {
		var err error
		switch key {
		case "name":
			j.DisplayName, err = w.scalar(v, path+".name")
		case "needs":
			j.Needs, err = w.strings(v, path+".needs")
		case "if":
			j.If, err = w.scalar(v, path+".if")
		case "runs-on":
			j.RunsOn, err = w.strings(v, path+".runs-on")
		case "concurrency":
			j.Concurrency, err = w.concurrency(v)
		case "env":
			j.Env, err = w.vars(v, path+".env")
		case "outputs":
			j.Outputs, err = w.vars(v, path+".outputs")
		case "timeout-minutes":
			j.TimeoutMinutes, err = w.number(v, path+".timeout-minutes")
		case "strategy":
			j.Matrix, err = w.strategy(v, path)
		case "matrix":
			j.Matrix, err = w.matrix(v, path)
		case "steps":
			j.Steps, err = w.steps(v, path)
		default:
			w.ignore(v, key, path)
		}
		return err
	})
	return j, err
}

func (w *yamlWalker) strategy(n *yaml.Node, path string) (*workflow.RawMatrix, error) {
	if err := w.mapping(n, path+".strategy"); err != nil {
		return nil, err
	}
	var m *workflow.RawMatrix
	err := pairs(n, func(key string, v *yaml.Node) error {
		var err error
		switch key {
		case "matrix":
			m, err = w.matrix(v, path+".strategy")
		default:
			w.ignore(v, key, path+".strategy")
		}
		return err
	})
	return m, err
}

func (w *yamlWalker) matrix(n *yaml.Node, path string) (*workflow.RawMatrix, error) {
	path += ".matrix"
	if err := w.mapping(n, path); err != nil {
		return nil, err
	}
	m := &workflow.RawMatrix{}
	err := pairs(n, func(key string, v *yaml.Node) error {
		switch key {
		case "exclude":
			if v.Kind != yaml.SequenceNode {
				return w.errorf(v, "%s.exclude must be a list", path)
			}
			for _, entry := range v.Content {
				if err := w.mapping(entry, path+".exclude[]"); err != nil {
					return err
				}
				rule := map[string]expr.Value{}
				err := pairs(entry, func(axis string, val *yaml.Node) error {
					x, err := w.value(val)
					rule[axis] = x
					return err
				})
				if err != nil {
					return err
				}
				m.Exclude = append(m.Exclude, rule)
			}
		case "include":
			return w.errorf(v, "%s.include is not supported", path)
		default:
			if v.Kind != yaml.SequenceNode {
				return w.errorf(v, "%s.%s must be a list of values", path, key)
			}
			axis := workflow.Axis{Name: key}
			for _, c := range v.Content {
				x, err := w.value(c)
				if err != nil {
					return err
				}
				axis.Values = append(axis.Values, x)
			}
			m.Axes = append(m.Axes, axis)
		}
		return nil
	})
	return m, err
}

func (w *yamlWalker) steps(n *yaml.Node, path string) ([]workflow.RawStep, error) {
	if n.Kind != yaml.SequenceNode {
		return nil, w.errorf(n, "%s.steps must be a list", path)
	}
	out := make([]workflow.RawStep, 0, len(n.Content))
	for i, c := range n.Content {
		s, err := w.step(c, fmt.Sprintf("%s.steps[%d]", path, i))
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (w *yamlWalker) step(n *yaml.Node, path string) (workflow.RawStep, error) {
	var s workflow.RawStep
	if err := w.mapping(n, path); err != nil {
		return s, err
	}
	err := pairs(n, func(key string, v *yaml.Node) error {
		var err error
		switch key {
		case "id":
			s.ID, err = w.scalar(v, path+".id")
		case "name":
			s.Name, err = w.scalar(v, path+".name")
		case "run":
			s.Run, err = w.scalar(v, path+".run")
		case "shell":
			s.Shell, err = w.scalar(v, path+".shell")
		case "uses":
			s.Uses, err = w.scalar(v, path+".uses")
		case "with":
			s.With, err = w.vars(v, path+".with")
		case "env":
			s.Env, err = w.vars(v, path+".env")
		case "if":
			s.If, err = w.scalar(v, path+".if")
		case "continue-on-error":
			s.ContinueOnError, err = w.boolean(v, path+".continue-on-error")
		case "timeout-minutes":
			s.TimeoutMinutes, err = w.number(v, path+".timeout-minutes")
		case "retries":
			var f float64
			f, err = w.number(v, path+".retries")
			s.Retries = int(f)
		case "working-directory":
			s.WorkingDirectory, err = w.scalar(v, path+".working-directory")
		default:
			w.ignore(v, key, path)
		}
		return err
	})
	if err == nil {
		s.Run = strings.TrimRight(s.Run, "\n")
	}
	return s, err
}
