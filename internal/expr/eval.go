package expr

import (
	"math"
	"strings"
)

type evaluator struct {
	src   string
	scope Scope
}

// Eval evaluates the program against scope. A nil scope resolves every
// name to null.
func (p *Program) Eval(scope Scope) (Value, error) {
	return p.root.eval(&evaluator{src: p.src, scope: scope})
}

// UsesStatusFunction reports whether the program calls success(),
// failure(), cancelled() or always().
func (p *Program) UsesStatusFunction() bool {
	found := false
	walk(p.root, func(n node) {
		if c, ok := n.(*callNode); ok && statusFunctions[c.name] {
			found = true
		}
	})
	return found
}

// Evaluate compiles and evaluates src in one step.
func Evaluate(src string, scope Scope) (Value, error) {
	prog, err := Compile(src)
	if err != nil {
		return Null, err
	}
	return prog.Eval(scope)
}

// Condition evaluates an `if` expression to a boolean. An empty condition
// means success().
func Condition(src string, scope Scope) (bool, error) {
	if strings.TrimSpace(unwrap(src)) == "" {
		src = "success()"
	}
	v, err := Evaluate(src, scope)
	if err != nil {
		return false, err
	}
	return v.Truthy(), nil
}

// UsesStatusFunction reports whether src calls a status function.
// Malformed expressions report false.
func UsesStatusFunction(src string) bool {
	prog, err := Compile(src)
	if err != nil {
		return false
	}
	return prog.UsesStatusFunction()
}

func (n *literalNode) eval(*evaluator) (Value, error) { return n.v, nil }

func (n *identNode) eval(ev *evaluator) (Value, error) {
	if ev.scope == nil {
		return Null, nil
	}
	v, _ := ev.scope.Lookup(n.name)
	return v, nil
}

func (n *accessNode) eval(ev *evaluator) (Value, error) {
	target, err := n.target.eval(ev)
	if err != nil {
		return Null, err
	}
	key, err := n.key.eval(ev)
	if err != nil {
		return Null, err
	}
	return target.Index(key), nil
}

func (n *notNode) eval(ev *evaluator) (Value, error) {
	v, err := n.operand.eval(ev)
	if err != nil {
		return Null, err
	}
	return Bool(!v.Truthy()), nil
}

func (n *binaryNode) eval(ev *evaluator) (Value, error) {
	left, err := n.left.eval(ev)
	if err != nil {
		return Null, err
	}
	// && and || short-circuit and yield one of their operands.
	switch n.op {
	case tokAnd:
		if !left.Truthy() {
			return left, nil
		}
		return n.right.eval(ev)
	case tokOr:
		if left.Truthy() {
			return left, nil
		}
		return n.right.eval(ev)
	}

	right, err := n.right.eval(ev)
	if err != nil {
		return Null, err
	}
	switch n.op {
	case tokEq:
		return Bool(left.Equal(right)), nil
	case tokNe:
		return Bool(!left.Equal(right)), nil
	}

	var cmp int
	if left.Kind() == KindString && right.Kind() == KindString {
		cmp = strings.Compare(left.String(), right.String())
	} else {
		a, b := left.Float(), right.Float()
		if math.IsNaN(a) || math.IsNaN(b) {
			return Bool(false), nil
		}
		switch {
		case a < b:
			cmp = -1
		case a > b:
			cmp = 1
		}
	}
	switch n.op {
	case tokLt:
		return Bool(cmp < 0), nil
	case tokLe:
		return Bool(cmp <= 0), nil
	case tokGt:
		return Bool(cmp > 0), nil
	default:
		return Bool(cmp >= 0), nil
	}
}

func (n *callNode) eval(ev *evaluator) (Value, error) {
	args := make([]Value, len(n.args))
	for i, a := range n.args {
		v, err := a.eval(ev)
		if err != nil {
			return Null, err
		}
		args[i] = v
	}

	if ev.scope != nil {
		if fn, ok := ev.scope.Function(n.name); ok {
			v, err := fn(args)
			if err != nil {
				return Null, newError(ev.src, n.pos, "%s", err.Error())
			}
			return v, nil
		}
	}

	b, ok := builtins[n.name]
	if !ok {
		return Null, newError(ev.src, n.pos, "unknown function %s()", n.name)
	}
	if len(args) < b.minArgs || (b.maxArgs >= 0 && len(args) > b.maxArgs) {
		return Null, newError(ev.src, n.pos, "wrong number of arguments to %s(): %d", n.name, len(args))
	}
	v, err := b.fn(args)
	if err != nil {
		return Null, newError(ev.src, n.pos, "%s", err.Error())
	}
	return v, nil
}
