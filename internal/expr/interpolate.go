package expr

import "strings"

const (
	openDelim  = "${{"
	closeDelim = "}}"
)

// HasExpression reports whether s contains a ${{ }} substitution.
func HasExpression(s string) bool {
	return strings.Contains(s, openDelim)
}

// Interpolate replaces each ${{ expr }} in template with the string form
// of its value. Text outside the delimiters is copied unchanged.
func Interpolate(template string, scope Scope) (string, error) {
	if !HasExpression(template) {
		return template, nil
	}
	var sb strings.Builder
	rest := template
	offset := 0
	for {
		start := strings.Index(rest, openDelim)
		if start < 0 {
			sb.WriteString(rest)
			return sb.String(), nil
		}
		sb.WriteString(rest[:start])
		end := findClose(rest[start+len(openDelim):])
		if end < 0 {
			return "", newError(template, offset+start, "unterminated ${{")
		}
		inner := rest[start+len(openDelim) : start+len(openDelim)+end]
		v, err := Evaluate(inner, scope)
		if err != nil {
			if ee, ok := err.(*ExpressionError); ok {
				ee.Expression = template
				ee.Offset += offset + start + len(openDelim)
			}
			return "", err
		}
		sb.WriteString(v.String())
		consumed := start + len(openDelim) + end + len(closeDelim)
		rest = rest[consumed:]
		offset += consumed
	}
}

// InterpolateMap interpolates every value of m, returning a new map.
func InterpolateMap(m map[string]string, scope Scope) (map[string]string, error) {
	out := make(map[string]string, len(m))
	for k, v := range m {
		s, err := Interpolate(v, scope)
		if err != nil {
			return nil, err
		}
		out[k] = s
	}
	return out, nil
}

// findClose returns the index of the closing delimiter in s, skipping
// over quoted string literals, or -1.
func findClose(s string) int {
	inString := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '\'' {
			if inString && i+1 < len(s) && s[i+1] == '\'' {
				i++
				continue
			}
			inString = !inString
			continue
		}
		if !inString && strings.HasPrefix(s[i:], closeDelim) {
			return i
		}
	}
	return -1
}
