package workflow

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/vk/burstci/internal/dag"
)

var namePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]*$`)

// Parse validates a raw workflow and builds its Definition. It has no side
// effects. Every problem found is reported in a single *DefinitionError.
func Parse(raw *Raw) (*Definition, error) {
	if raw == nil {
		return nil, &DefinitionError{Problems: []Problem{{Msg: "empty workflow"}}}
	}
	ps := &problems{}

	def := &Definition{
		Name:        raw.Name,
		Source:      raw.Source,
		Inputs:      raw.Inputs,
		Env:         raw.Env,
		Concurrency: raw.Concurrency,
		byName:      make(map[string]*JobTemplate, len(raw.Jobs)),
	}
	if def.Name == "" {
		def.Name = raw.Source
	}

	for i, t := range raw.On {
		if strings.TrimSpace(t.Event) == "" {
			ps.add(fmt.Sprintf("on[%d]", i), "event name is required")
			continue
		}
		def.Triggers = append(def.Triggers, Trigger{Event: t.Event, Branches: t.Branches})
	}
	validateInputs(raw.Inputs, ps)
	if raw.Concurrency != nil && strings.TrimSpace(raw.Concurrency.Group) == "" {
		ps.add("concurrency", "group is required")
	}

	if len(raw.Jobs) == 0 {
		ps.add("jobs", "at least one job is required")
	}
	for i := range raw.Jobs {
		tpl := parseJob(&raw.Jobs[i], i, ps)
		if tpl == nil {
			continue
		}
		if _, dup := def.byName[tpl.Name]; dup {
			ps.add("jobs."+tpl.Name, "duplicate job name")
			continue
		}
		def.byName[tpl.Name] = tpl
		def.Jobs = append(def.Jobs, tpl)
	}

	g := dag.New()
	for _, j := range def.Jobs {
		g.AddNode(j.Name)
	}
	for _, j := range def.Jobs {
		for _, n := range j.Needs {
			path := "jobs." + j.Name + ".needs"
			switch {
			case n == j.Name:
				ps.add(path, "job cannot depend on itself")
			case !g.Has(n):
				ps.add(path, "undefined job %q", n)
			default:
				_ = g.AddEdge(n, j.Name)
			}
		}
	}
	order, err := g.TopoSort()
	if err != nil {
		var cycle *dag.CycleError
		if errors.As(err, &cycle) {
			ps.add("jobs", "%s", cycle.Error())
		} else {
			ps.add("jobs", "%v", err)
		}
	}

	if err := ps.err(raw.Source); err != nil {
		return nil, err
	}
	def.order = order
	return def, nil
}

func validateInputs(inputs []Input, ps *problems) {
	seen := make(map[string]bool, len(inputs))
	for i, in := range inputs {
		path := fmt.Sprintf("inputs[%d]", i)
		if !namePattern.MatchString(in.Name) {
			ps.add(path, "invalid input name %q", in.Name)
			continue
		}
		if seen[in.Name] {
			ps.add("inputs."+in.Name, "duplicate input")
		}
		seen[in.Name] = true
	}
}

func parseJob(raw *RawJob, index int, ps *problems) *JobTemplate {
	path := fmt.Sprintf("jobs[%d]", index)
	if raw.Name == "" {
		ps.add(path, "job name is required")
		return nil
	}
	if !namePattern.MatchString(raw.Name) {
		ps.add(path, "invalid job name %q", raw.Name)
		return nil
	}
	path = "jobs." + raw.Name

	tpl := &JobTemplate{
		Name:           raw.Name,
		DisplayName:    raw.DisplayName,
		Index:          index,
		If:             strings.TrimSpace(raw.If),
		RunsOn:         raw.RunsOn,
		Concurrency:    raw.Concurrency,
		Env:            raw.Env,
		Outputs:        raw.Outputs,
		TimeoutMinutes: raw.TimeoutMinutes,
	}
	if tpl.DisplayName == "" {
		tpl.DisplayName = raw.Name
	}
	if raw.TimeoutMinutes < 0 {
		ps.add(path+".timeout-minutes", "must not be negative")
	}
	if raw.Concurrency != nil && strings.TrimSpace(raw.Concurrency.Group) == "" {
		ps.add(path+".concurrency", "group is required")
	}

	seenNeeds := make(map[string]bool, len(raw.Needs))
	for _, n := range raw.Needs {
		n = strings.TrimSpace(n)
		if n == "" || seenNeeds[n] {
			continue
		}
		seenNeeds[n] = true
		tpl.Needs = append(tpl.Needs, n)
	}

	if raw.Matrix != nil {
		tpl.Matrix = parseMatrix(raw.Matrix, path+".strategy.matrix", ps)
	}

	if len(raw.Steps) == 0 {
		ps.add(path+".steps", "at least one step is required")
	}
	seenIDs := make(map[string]bool, len(raw.Steps))
	for i := range raw.Steps {
		step := parseStep(&raw.Steps[i], i, fmt.Sprintf("%s.steps[%d]", path, i), ps)
		if step == nil {
			continue
		}
		if seenIDs[step.ID] {
			ps.add(fmt.Sprintf("%s.steps[%d]", path, i), "duplicate step id %q", step.ID)
			continue
		}
		seenIDs[step.ID] = true
		tpl.Steps = append(tpl.Steps, step)
	}
	return tpl
}

func parseMatrix(raw *RawMatrix, path string, ps *problems) *MatrixSpec {
	spec := &MatrixSpec{}
	axes := make(map[string]bool, len(raw.Axes))
	for i, a := range raw.Axes {
		if !namePattern.MatchString(a.Name) {
			ps.add(fmt.Sprintf("%s[%d]", path, i), "invalid axis name %q", a.Name)
			continue
		}
		if axes[a.Name] {
			ps.add(path+"."+a.Name, "duplicate axis")
			continue
		}
		axes[a.Name] = true
		spec.Axes = append(spec.Axes, a)
	}
	for i, ex := range raw.Exclude {
		for name := range ex {
			if !axes[name] {
				ps.add(fmt.Sprintf("%s.exclude[%d]", path, i), "undefined axis %q", name)
			}
		}
		spec.Exclude = append(spec.Exclude, ex)
	}
	return spec
}

func parseStep(raw *RawStep, index int, path string, ps *problems) *StepTemplate {
	hasRun := strings.TrimSpace(raw.Run) != ""
	hasUses := strings.TrimSpace(raw.Uses) != ""
	switch {
	case hasRun && hasUses:
		ps.add(path, "step cannot have both run and uses")
		return nil
	case !hasRun && !hasUses:
		ps.add(path, "step requires run or uses")
		return nil
	}
	if raw.Retries < 0 {
		ps.add(path+".retries", "must not be negative")
	}
	if raw.TimeoutMinutes < 0 {
		ps.add(path+".timeout-minutes", "must not be negative")
	}

	step := &StepTemplate{
		ID:               raw.ID,
		Name:             raw.Name,
		Index:            index,
		Env:              raw.Env,
		If:               strings.TrimSpace(raw.If),
		ContinueOnError:  raw.ContinueOnError,
		TimeoutMinutes:   raw.TimeoutMinutes,
		Retries:          raw.Retries,
		WorkingDirectory: raw.WorkingDirectory,
	}
	if step.ID == "" {
		step.ID = fmt.Sprintf("__step%d", index+1)
	} else if !namePattern.MatchString(step.ID) {
		ps.add(path+".id", "invalid step id %q", step.ID)
	}

	if hasRun {
		step.Kind = StepRun
		step.Run = raw.Run
		step.Shell = raw.Shell
		if step.Name == "" {
			step.Name = firstLine(raw.Run)
		}
	} else {
		step.Kind = StepUses
		step.Uses = strings.TrimSpace(raw.Uses)
		step.With = raw.With
		if step.Name == "" {
			step.Name = step.Uses
		}
	}
	return step
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return "Run " + s
}
