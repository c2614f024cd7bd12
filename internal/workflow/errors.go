package workflow

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotTriggered is returned when an event matches none of the
// definition's triggers.
var ErrNotTriggered = errors.New("workflow not triggered by event")

// Problem is a single validation failure at a field path such as
// jobs.build.steps[2].
type Problem struct {
	Path string
	Msg  string
}

func (p Problem) String() string {
	if p.Path == "" {
		return p.Msg
	}
	return p.Path + ": " + p.Msg
}

// DefinitionError reports every problem found while parsing a workflow.
// Definitions with a DefinitionError are never scheduled.
type DefinitionError struct {
	Source   string
	Problems []Problem
}

func (e *DefinitionError) Error() string {
	var sb strings.Builder
	if e.Source != "" {
		sb.WriteString(e.Source)
		sb.WriteString(": ")
	}
	switch len(e.Problems) {
	case 0:
		sb.WriteString("invalid workflow definition")
	case 1:
		sb.WriteString("invalid workflow definition: ")
		sb.WriteString(e.Problems[0].String())
	default:
		fmt.Fprintf(&sb, "invalid workflow definition (%d problems): ", len(e.Problems))
		for i, p := range e.Problems {
			if i > 0 {
				sb.WriteString("; ")
			}
			sb.WriteString(p.String())
		}
	}
	return sb.String()
}

// Has reports whether any problem message contains substr.
func (e *DefinitionError) Has(substr string) bool {
	for _, p := range e.Problems {
		if strings.Contains(p.String(), substr) {
			return true
		}
	}
	return false
}

type problems struct {
	list []Problem
}

func (ps *problems) add(path, format string, args ...any) {
	ps.list = append(ps.list, Problem{Path: path, Msg: fmt.Sprintf(format, args...)})
}

func (ps *problems) err(source string) error {
	if len(ps.list) == 0 {
		return nil
	}
	return &DefinitionError{Source: source, Problems: ps.list}
}
