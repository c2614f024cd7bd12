package expr

import "fmt"

// ExpressionError reports a malformed expression or an evaluation failure
// such as a call to an unknown function.
type ExpressionError struct {
	Expression string
	Offset     int
	Msg        string
}

func (e *ExpressionError) Error() string {
	if e.Offset >= 0 {
		return fmt.Sprintf("expression %q: %s (at offset %d)", e.Expression, e.Msg, e.Offset)
	}
	return fmt.Sprintf("expression %q: %s", e.Expression, e.Msg)
}

func newError(src string, offset int, format string, args ...any) *ExpressionError {
	return &ExpressionError{Expression: src, Offset: offset, Msg: fmt.Sprintf(format, args...)}
}
