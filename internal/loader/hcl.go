package loader

import (
	"fmt"
	"sort"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"

	"github.com/vk/burstci/internal/expr"
	"github.com/vk/burstci/internal/workflow"
)

// HCL strings treat ${ as a template sequence, so workflow expressions
// are written $${{ ... }} in HCL files.

type hclFile struct {
	Name        string          `hcl:"name,optional"`
	Env         hcl.Expression  `hcl:"env,optional"`
	On          []*hclTrigger   `hcl:"on,block"`
	Inputs      []*hclInput     `hcl:"input,block"`
	Concurrency *hclConcurrency `hcl:"concurrency,block"`
	Jobs        []*hclJob       `hcl:"job,block"`
}

type hclTrigger struct {
	Event    string   `hcl:"event,label"`
	Branches []string `hcl:"branches,optional"`
}

type hclInput struct {
	Name     string `hcl:"name,label"`
	Default  string `hcl:"default,optional"`
	Required bool   `hcl:"required,optional"`
}

type hclConcurrency struct {
	Group            string `hcl:"group"`
	CancelInProgress bool   `hcl:"cancel_in_progress,optional"`
}

type hclJob struct {
	Name           string          `hcl:"name,label"`
	DisplayName    string          `hcl:"display_name,optional"`
	Needs          []string        `hcl:"needs,optional"`
	If             string          `hcl:"if,optional"`
	RunsOn         []string        `hcl:"runs_on,optional"`
	TimeoutMinutes float64         `hcl:"timeout_minutes,optional"`
	Env            hcl.Expression  `hcl:"env,optional"`
	Outputs        hcl.Expression  `hcl:"outputs,optional"`
	Concurrency    *hclConcurrency `hcl:"concurrency,block"`
	Matrix         *hclMatrix      `hcl:"matrix,block"`
	Steps          []*hclStep      `hcl:"step,block"`
}

type hclMatrix struct {
	Axes    []*hclAxis    `hcl:"axis,block"`
	Exclude []*hclExclude `hcl:"exclude,block"`
}

type hclAxis struct {
	Name   string    `hcl:"name,label"`
	Values cty.Value `hcl:"values"`
}

type hclExclude struct {
	Body hcl.Body `hcl:",remain"`
}

type hclStep struct {
	ID               string         `hcl:"id,optional"`
	Name             string         `hcl:"name,optional"`
	Run              string         `hcl:"run,optional"`
	Shell            string         `hcl:"shell,optional"`
	Uses             string         `hcl:"uses,optional"`
	With             hcl.Expression `hcl:"with,optional"`
	Env              hcl.Expression `hcl:"env,optional"`
	If               string         `hcl:"if,optional"`
	ContinueOnError  bool           `hcl:"continue_on_error,optional"`
	TimeoutMinutes   float64        `hcl:"timeout_minutes,optional"`
	Retries          int            `hcl:"retries,optional"`
	WorkingDirectory string         `hcl:"working_directory,optional"`
}

// decodeHCL parses an HCL workflow into a workflow.Raw.
func decodeHCL(source string, data []byte) (*workflow.Raw, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, source)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file %s: %w", source, diags)
	}
	var root hclFile
	if diags := gohcl.DecodeBody(file.Body, nil, &root); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode HCL file %s: %w", source, diags)
	}

	raw := &workflow.Raw{Source: source, Name: root.Name}
	var err error
	if raw.Env, err = hclVars(root.Env); err != nil {
		return nil, fmt.Errorf("%s: env: %w", source, err)
	}
	for _, t := range root.On {
		raw.On = append(raw.On, workflow.RawTrigger{Event: t.Event, Branches: t.Branches})
	}
	for _, in := range root.Inputs {
		raw.Inputs = append(raw.Inputs, workflow.Input{Name: in.Name, Default: in.Default, Required: in.Required})
	}
	raw.Concurrency = hclConcurrencyPolicy(root.Concurrency)

	for _, j := range root.Jobs {
		rj, err := hclRawJob(j)
		if err != nil {
			return nil, fmt.Errorf("%s: job %q: %w", source, j.Name, err)
		}
		raw.Jobs = append(raw.Jobs, rj)
	}
	return raw, nil
}

func hclConcurrencyPolicy(c *hclConcurrency) *workflow.Concurrency {
	if c == nil {
		return nil
	}
	return &workflow.Concurrency{Group: c.Group, CancelInProgress: c.CancelInProgress}
}

func hclRawJob(j *hclJob) (workflow.RawJob, error) {
	rj := workflow.RawJob{
		Name:           j.Name,
		DisplayName:    j.DisplayName,
		Needs:          j.Needs,
		If:             j.If,
		RunsOn:         j.RunsOn,
		TimeoutMinutes: j.TimeoutMinutes,
		Concurrency:    hclConcurrencyPolicy(j.Concurrency),
	}
	var err error
	if rj.Env, err = hclVars(j.Env); err != nil {
		return rj, fmt.Errorf("env: %w", err)
	}
	if rj.Outputs, err = hclVars(j.Outputs); err != nil {
		return rj, fmt.Errorf("outputs: %w", err)
	}
	if j.Matrix != nil {
		m := &workflow.RawMatrix{}
		for _, a := range j.Matrix.Axes {
			v, err := fromCty(a.Values)
			if err != nil {
				return rj, fmt.Errorf("axis %q: %w", a.Name, err)
			}
			if v.Kind() != expr.KindArray {
				return rj, fmt.Errorf("axis %q: values must be a list", a.Name)
			}
			m.Axes = append(m.Axes, workflow.Axis{Name: a.Name, Values: v.Elements()})
		}
		for _, ex := range j.Matrix.Exclude {
			attrs, diags := ex.Body.JustAttributes()
			if diags.HasErrors() {
				return rj, fmt.Errorf("exclude: %w", diags)
			}
			rule := map[string]expr.Value{}
			for name, attr := range attrs {
				cv, diags := attr.Expr.Value(nil)
				if diags.HasErrors() {
					return rj, fmt.Errorf("exclude.%s: %w", name, diags)
				}
				if rule[name], err = fromCty(cv); err != nil {
					return rj, fmt.Errorf("exclude.%s: %w", name, err)
				}
			}
			m.Exclude = append(m.Exclude, rule)
		}
		rj.Matrix = m
	}
	for i, s := range j.Steps {
		rs := workflow.RawStep{
			ID:               s.ID,
			Name:             s.Name,
			Run:              s.Run,
			Shell:            s.Shell,
			Uses:             s.Uses,
			If:               s.If,
			ContinueOnError:  s.ContinueOnError,
			TimeoutMinutes:   s.TimeoutMinutes,
			Retries:          s.Retries,
			WorkingDirectory: s.WorkingDirectory,
		}
		if rs.With, err = hclVars(s.With); err != nil {
			return rj, fmt.Errorf("step %d: with: %w", i, err)
		}
		if rs.Env, err = hclVars(s.Env); err != nil {
			return rj, fmt.Errorf("step %d: env: %w", i, err)
		}
		rj.Steps = append(rj.Steps, rs)
	}
	return rj, nil
}

// hclVars reads an object attribute as ordered variables. Object
// constructors keep their source order; any other object is sorted by key.
func hclVars(e hcl.Expression) (workflow.Vars, error) {
	if e == nil {
		return nil, nil
	}
	if obj, ok := e.(*hclsyntax.ObjectConsExpr); ok {
		out := make(workflow.Vars, 0, len(obj.Items))
		for _, item := range obj.Items {
			k, diags := item.KeyExpr.Value(nil)
			if diags.HasErrors() {
				return nil, diags
			}
			if k.IsNull() || !k.Type().Equals(cty.String) {
				return nil, fmt.Errorf("keys must be strings")
			}
			v, diags := item.ValueExpr.Value(nil)
			if diags.HasErrors() {
				return nil, diags
			}
			s, err := ctyString(v)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k.AsString(), err)
			}
			out = append(out, workflow.Var{Name: k.AsString(), Value: s})
		}
		return out, nil
	}

	v, diags := e.Value(nil)
	if diags.HasErrors() {
		return nil, diags
	}
	if v.IsNull() {
		return nil, nil
	}
	if !v.Type().IsObjectType() && !v.Type().IsMapType() {
		return nil, fmt.Errorf("must be an object, got %s", v.Type().FriendlyName())
	}
	m := v.AsValueMap()
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make(workflow.Vars, 0, len(keys))
	for _, k := range keys {
		s, err := ctyString(m[k])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		out = append(out, workflow.Var{Name: k, Value: s})
	}
	return out, nil
}

func ctyString(v cty.Value) (string, error) {
	x, err := fromCty(v)
	if err != nil {
		return "", err
	}
	switch x.Kind() {
	case expr.KindArray, expr.KindObject:
		return "", fmt.Errorf("must be a primitive value")
	}
	return x.String(), nil
}

// fromCty converts a known cty value into an expression value.
func fromCty(v cty.Value) (expr.Value, error) {
	if v.IsNull() {
		return expr.Null, nil
	}
	if !v.IsWhollyKnown() {
		return expr.Null, fmt.Errorf("value is not known")
	}
	t := v.Type()
	switch {
	case t == cty.String:
		return expr.String(v.AsString()), nil
	case t == cty.Bool:
		return expr.Bool(v.True()), nil
	case t == cty.Number:
		f, _ := v.AsBigFloat().Float64()
		return expr.Number(f), nil
	case t.IsListType(), t.IsTupleType(), t.IsSetType():
		var out []expr.Value
		for it := v.ElementIterator(); it.Next(); {
			_, ev := it.Element()
			x, err := fromCty(ev)
			if err != nil {
				return expr.Null, err
			}
			out = append(out, x)
		}
		return expr.Array(out...), nil
	case t.IsObjectType(), t.IsMapType():
		out := map[string]expr.Value{}
		for k, ev := range v.AsValueMap() {
			x, err := fromCty(ev)
			if err != nil {
				return expr.Null, err
			}
			out[k] = x
		}
		return expr.Object(out), nil
	}
	return expr.Null, fmt.Errorf("unsupported value type %s", t.FriendlyName())
}
