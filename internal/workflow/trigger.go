package workflow

import (
	"path"
	"strings"
)

// Trigger is an event the workflow runs on. Branches, when set, restrict
// the trigger to refs matching one of the globs.
type Trigger struct {
	Event    string
	Branches []string
}

// Matches reports whether the trigger accepts event on ref.
func (t Trigger) Matches(event, ref string) bool {
	if t.Event != event {
		return false
	}
	if len(t.Branches) == 0 {
		return true
	}
	branch := strings.TrimPrefix(strings.TrimPrefix(ref, "refs/heads/"), "refs/tags/")
	for _, glob := range t.Branches {
		if glob == "*" || glob == "**" {
			return true
		}
		if ok, err := path.Match(glob, branch); err == nil && ok {
			return true
		}
	}
	return false
}

// Triggered reports whether any trigger accepts the event. A definition
// without triggers accepts every event.
func (d *Definition) Triggered(event, ref string) bool {
	if len(d.Triggers) == 0 {
		return true
	}
	for _, t := range d.Triggers {
		if t.Matches(event, ref) {
			return true
		}
	}
	return false
}

// ResolveInputs overlays provided dispatch inputs on the declared
// defaults. Missing required inputs are reported as a DefinitionError.
func (d *Definition) ResolveInputs(provided map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(d.Inputs)+len(provided))
	ps := &problems{}
	for _, in := range d.Inputs {
		v, ok := provided[in.Name]
		switch {
		case ok:
			out[in.Name] = v
		case in.Required && in.Default == "":
			ps.add("inputs."+in.Name, "required input not provided")
		default:
			out[in.Name] = in.Default
		}
	}
	for k, v := range provided {
		if _, ok := out[k]; !ok {
			out[k] = v
		}
	}
	if err := ps.err(d.Source); err != nil {
		return nil, err
	}
	return out, nil
}
