package registry

import (
	"fmt"
	"log/slog"
	"reflect"
	"slices"
	"strings"
	"sync"
)

// Module is the interface that all action modules implement to be registered.
type Module interface {
	Register(r *Registry)
}

// Entry is a registered action.
type Entry struct {
	Ref    string
	Action Action
	// Description is shown by --list-actions.
	Description string

	inputType reflect.Type
	anyInputs bool
}

// AnyInputs registers an action that accepts arbitrary `with` keys.
type AnyInputs map[string]string

// Registry holds the actions available to one application instance.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]*Entry
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{actions: make(map[string]*Entry)}
}

// Register adds an action under ref. input is a zero value of the action's
// input struct, or nil when the action accepts no inputs. Registering the
// same ref twice panics.
func (r *Registry) Register(ref string, action Action, input any, description string) {
	key := Normalize(ref)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.actions[key]; exists {
		panic(fmt.Sprintf("action with ref '%s' already registered", key))
	}
	e := &Entry{Ref: key, Action: action, Description: description}
	if _, ok := input.(AnyInputs); ok {
		e.anyInputs = true
	} else if input != nil {
		t := reflect.TypeOf(input)
		if t.Kind() == reflect.Pointer {
			t = t.Elem()
		}
		e.inputType = t
	}
	slog.Debug("Registering action.", "ref", key)
	r.actions[key] = e
}

// RegisterModules lets every module register its actions.
func (r *Registry) RegisterModules(mods ...Module) {
	for _, m := range mods {
		m.Register(r)
	}
}

// Resolve finds the action for a step's `uses` reference. Any @version
// suffix is ignored.
func (r *Registry) Resolve(ref string) (*Entry, error) {
	key := Normalize(ref)
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.actions[key]
	if !ok {
		return nil, fmt.Errorf("unknown action %q", ref)
	}
	return e, nil
}

// Refs returns the registered references in sorted order.
func (r *Registry) Refs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	refs := make([]string, 0, len(r.actions))
	for k := range r.actions {
		refs = append(refs, k)
	}
	slices.Sort(refs)
	return refs
}

// Normalize strips the version suffix and surrounding whitespace from a
// reference.
func Normalize(ref string) string {
	ref = strings.TrimSpace(ref)
	if i := strings.LastIndex(ref, "@"); i >= 0 {
		ref = ref[:i]
	}
	return strings.TrimSuffix(ref, "/")
}
