package expr

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

type builtin struct {
	minArgs, maxArgs int
	fn               Func
}

// builtins are available in every scope. Status functions default to a
// run where nothing has failed; scopes override them with real state.
var builtins = map[string]builtin{
	"contains":   {2, 2, fnContains},
	"startswith": {2, 2, fnStartsWith},
	"endswith":   {2, 2, fnEndsWith},
	"format":     {1, -1, fnFormat},
	"join":       {1, 2, fnJoin},
	"tojson":     {1, 1, fnToJSON},
	"fromjson":   {1, 1, fnFromJSON},
	"success":    {0, 0, func([]Value) (Value, error) { return Bool(true), nil }},
	"always":     {0, 0, func([]Value) (Value, error) { return Bool(true), nil }},
	"failure":    {0, 0, func([]Value) (Value, error) { return Bool(false), nil }},
	"cancelled":  {0, 0, func([]Value) (Value, error) { return Bool(false), nil }},
}

var statusFunctions = map[string]bool{
	"success":   true,
	"failure":   true,
	"cancelled": true,
	"always":    true,
}

func fnContains(args []Value) (Value, error) {
	search, item := args[0], args[1]
	if search.Kind() == KindArray {
		for _, e := range search.Elements() {
			if e.Equal(item) {
				return Bool(true), nil
			}
		}
		return Bool(false), nil
	}
	return Bool(strings.Contains(strings.ToLower(search.String()), strings.ToLower(item.String()))), nil
}

func fnStartsWith(args []Value) (Value, error) {
	return Bool(strings.HasPrefix(strings.ToLower(args[0].String()), strings.ToLower(args[1].String()))), nil
}

func fnEndsWith(args []Value) (Value, error) {
	return Bool(strings.HasSuffix(strings.ToLower(args[0].String()), strings.ToLower(args[1].String()))), nil
}

// fnFormat replaces {N} with the Nth extra argument. Literal braces are
// written doubled.
func fnFormat(args []Value) (Value, error) {
	f := args[0].String()
	var sb strings.Builder
	for i := 0; i < len(f); i++ {
		c := f[i]
		switch {
		case c == '{' && i+1 < len(f) && f[i+1] == '{':
			sb.WriteByte('{')
			i++
		case c == '}' && i+1 < len(f) && f[i+1] == '}':
			sb.WriteByte('}')
			i++
		case c == '{':
			end := strings.IndexByte(f[i:], '}')
			if end < 0 {
				return Null, fmt.Errorf("format: unclosed '{' in %q", f)
			}
			n, err := strconv.Atoi(f[i+1 : i+end])
			if err != nil || n < 0 {
				return Null, fmt.Errorf("format: invalid placeholder %q", f[i:i+end+1])
			}
			if n+1 >= len(args) {
				return Null, fmt.Errorf("format: placeholder {%d} has no argument", n)
			}
			sb.WriteString(args[n+1].String())
			i += end
		case c == '}':
			return Null, fmt.Errorf("format: unmatched '}' in %q", f)
		default:
			sb.WriteByte(c)
		}
	}
	return String(sb.String()), nil
}

func fnJoin(args []Value) (Value, error) {
	sep := ","
	if len(args) == 2 {
		sep = args[1].String()
	}
	if args[0].Kind() != KindArray {
		return String(args[0].String()), nil
	}
	parts := make([]string, 0, len(args[0].Elements()))
	for _, e := range args[0].Elements() {
		parts = append(parts, e.String())
	}
	return String(strings.Join(parts, sep)), nil
}

func fnToJSON(args []Value) (Value, error) {
	data, err := json.MarshalIndent(args[0].ToGo(), "", "  ")
	if err != nil {
		return Null, fmt.Errorf("toJSON: %w", err)
	}
	return String(string(data)), nil
}

func fnFromJSON(args []Value) (Value, error) {
	v, err := ParseJSON([]byte(args[0].String()))
	if err != nil {
		return Null, fmt.Errorf("fromJSON: %w", err)
	}
	return v, nil
}
