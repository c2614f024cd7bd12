package expr

import "strings"

// Func is a function callable from an expression.
type Func func(args []Value) (Value, error)

// Scope resolves the root names and functions an expression may reference.
type Scope interface {
	Lookup(name string) (Value, bool)
	Function(name string) (Func, bool)
}

// MapScope is a Scope backed by plain maps. Function names are matched
// in lower case.
type MapScope struct {
	Vars  map[string]Value
	Funcs map[string]Func
}

// NewMapScope returns an empty scope.
func NewMapScope() *MapScope {
	return &MapScope{Vars: map[string]Value{}, Funcs: map[string]Func{}}
}

// Set binds a root name.
func (s *MapScope) Set(name string, v Value) *MapScope {
	if s.Vars == nil {
		s.Vars = map[string]Value{}
	}
	s.Vars[name] = v
	return s
}

// SetFunc binds a function, overriding any builtin of the same name.
func (s *MapScope) SetFunc(name string, fn Func) *MapScope {
	if s.Funcs == nil {
		s.Funcs = map[string]Func{}
	}
	s.Funcs[strings.ToLower(name)] = fn
	return s
}

// Lookup implements Scope.
func (s *MapScope) Lookup(name string) (Value, bool) {
	if s == nil {
		return Null, false
	}
	if v, ok := s.Vars[name]; ok {
		return v, true
	}
	for k, v := range s.Vars {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return Null, false
}

// Function implements Scope.
func (s *MapScope) Function(name string) (Func, bool) {
	if s == nil {
		return nil, false
	}
	fn, ok := s.Funcs[strings.ToLower(name)]
	return fn, ok
}

// Clone returns a shallow copy that can be extended independently.
func (s *MapScope) Clone() *MapScope {
	out := NewMapScope()
	if s == nil {
		return out
	}
	for k, v := range s.Vars {
		out.Vars[k] = v
	}
	for k, fn := range s.Funcs {
		out.Funcs[k] = fn
	}
	return out
}

// StatusFuncs returns the status check functions bound to fixed results.
func StatusFuncs(success, failure, cancelled bool) map[string]Func {
	constant := func(b bool) Func {
		return func(args []Value) (Value, error) { return Bool(b), nil }
	}
	return map[string]Func{
		"success":   constant(success),
		"failure":   constant(failure),
		"cancelled": constant(cancelled),
		"always":    constant(true),
	}
}

// Overlay returns a scope that resolves vars first and falls back to base.
func Overlay(base Scope, vars map[string]Value) Scope {
	return &overlay{base: base, vars: vars}
}

type overlay struct {
	base Scope
	vars map[string]Value
}

func (o *overlay) Lookup(name string) (Value, bool) {
	if v, ok := o.vars[name]; ok {
		return v, true
	}
	if o.base == nil {
		return Null, false
	}
	return o.base.Lookup(name)
}

func (o *overlay) Function(name string) (Func, bool) {
	if o.base == nil {
		return nil, false
	}
	return o.base.Function(name)
}
