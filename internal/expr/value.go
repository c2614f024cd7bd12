package expr

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Kind is the tag of a Value.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "boolean"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Value is the result of evaluating an expression. Conditions and
// substitutions only ever produce the scalar kinds; arrays and objects
// appear as intermediate values of context lookups (e.g. needs.build.outputs).
//
// The zero Value is null.
type Value struct {
	kind Kind
	b    bool
	n    float64
	s    string
	arr  []Value
	obj  map[string]Value
}

// Null is the null value.
var Null = Value{}

func Bool(b bool) Value       { return Value{kind: KindBool, b: b} }
func Number(n float64) Value  { return Value{kind: KindNumber, n: n} }
func String(s string) Value   { return Value{kind: KindString, s: s} }
func Array(vs ...Value) Value { return Value{kind: KindArray, arr: vs} }

// Object wraps a map. The map is not copied; callers must not mutate it afterwards.
func Object(m map[string]Value) Value {
	if m == nil {
		m = map[string]Value{}
	}
	return Value{kind: KindObject, obj: m}
}

// StringMap builds an object of string values.
func StringMap(m map[string]string) Value {
	obj := make(map[string]Value, len(m))
	for k, v := range m {
		obj[k] = String(v)
	}
	return Object(obj)
}

func (v Value) Kind() Kind   { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

// Truthy reports the boolean interpretation of v: null, false, 0, NaN and
// the empty string are falsy; everything else is truthy.
func (v Value) Truthy() bool {
	switch v.kind {
	case KindNull:
		return false
	case KindBool:
		return v.b
	case KindNumber:
		return v.n != 0 && !math.IsNaN(v.n)
	case KindString:
		return v.s != ""
	default:
		return true
	}
}

// Float coerces v to a number. Strings that do not parse become NaN.
func (v Value) Float() float64 {
	switch v.kind {
	case KindNull:
		return 0
	case KindBool:
		if v.b {
			return 1
		}
		return 0
	case KindNumber:
		return v.n
	case KindString:
		s := strings.TrimSpace(v.s)
		if s == "" {
			return 0
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return math.NaN()
		}
		return f
	default:
		return math.NaN()
	}
}

// String renders v the way it is substituted into a template.
func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return ""
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindNumber:
		return formatNumber(v.n)
	case KindString:
		return v.s
	default:
		data, err := json.Marshal(v.ToGo())
		if err != nil {
			return ""
		}
		return string(data)
	}
}

func formatNumber(n float64) string {
	if n == math.Trunc(n) && math.Abs(n) < 1e15 {
		return strconv.FormatInt(int64(n), 10)
	}
	return strconv.FormatFloat(n, 'g', -1, 64)
}

// Equal compares two values. Values of the same kind compare directly,
// null only equals null, and mixed scalar kinds are compared as numbers.
func (v Value) Equal(o Value) bool {
	if v.kind == o.kind {
		switch v.kind {
		case KindNull:
			return true
		case KindBool:
			return v.b == o.b
		case KindNumber:
			return v.n == o.n
		case KindString:
			return v.s == o.s
		case KindArray:
			if len(v.arr) != len(o.arr) {
				return false
			}
			for i := range v.arr {
				if !v.arr[i].Equal(o.arr[i]) {
					return false
				}
			}
			return true
		case KindObject:
			if len(v.obj) != len(o.obj) {
				return false
			}
			for k, a := range v.obj {
				b, ok := o.obj[k]
				if !ok || !a.Equal(b) {
					return false
				}
			}
			return true
		}
	}
	if v.kind == KindNull || o.kind == KindNull {
		return false
	}
	if v.kind > KindString || o.kind > KindString {
		return false
	}
	return v.Float() == o.Float()
}

// Field returns the named property of an object, or null.
func (v Value) Field(name string) Value {
	if v.kind != KindObject {
		return Null
	}
	if f, ok := v.obj[name]; ok {
		return f
	}
	// Property names are matched case-insensitively as a fallback.
	for k, f := range v.obj {
		if strings.EqualFold(k, name) {
			return f
		}
	}
	return Null
}

// Index looks up an array element or object property. Anything that does
// not resolve yields null.
func (v Value) Index(key Value) Value {
	switch v.kind {
	case KindObject:
		return v.Field(key.String())
	case KindArray:
		f := key.Float()
		if math.IsNaN(f) || f != math.Trunc(f) {
			return Null
		}
		i := int(f)
		if i < 0 || i >= len(v.arr) {
			return Null
		}
		return v.arr[i]
	default:
		return Null
	}
}

// Elements returns the elements of an array value.
func (v Value) Elements() []Value {
	if v.kind != KindArray {
		return nil
	}
	return v.arr
}

// Keys returns the sorted property names of an object value.
func (v Value) Keys() []string {
	if v.kind != KindObject {
		return nil
	}
	keys := make([]string, 0, len(v.obj))
	for k := range v.obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ToGo converts v into plain Go values (nil, bool, float64, string, []any, map[string]any).
func (v Value) ToGo() any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindNumber:
		return v.n
	case KindString:
		return v.s
	case KindArray:
		out := make([]any, len(v.arr))
		for i, e := range v.arr {
			out[i] = e.ToGo()
		}
		return out
	case KindObject:
		out := make(map[string]any, len(v.obj))
		for k, e := range v.obj {
			out[k] = e.ToGo()
		}
		return out
	default:
		return nil
	}
}

// FromGo converts common Go values into a Value. Unsupported types are
// rendered with fmt and stored as strings.
func FromGo(x any) Value {
	switch t := x.(type) {
	case nil:
		return Null
	case Value:
		return t
	case bool:
		return Bool(t)
	case string:
		return String(t)
	case int:
		return Number(float64(t))
	case int32:
		return Number(float64(t))
	case int64:
		return Number(float64(t))
	case uint64:
		return Number(float64(t))
	case float32:
		return Number(float64(t))
	case float64:
		return Number(t)
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return String(t.String())
		}
		return Number(f)
	case []string:
		out := make([]Value, len(t))
		for i, s := range t {
			out[i] = String(s)
		}
		return Array(out...)
	case []any:
		out := make([]Value, len(t))
		for i, e := range t {
			out[i] = FromGo(e)
		}
		return Array(out...)
	case map[string]string:
		return StringMap(t)
	case map[string]any:
		obj := make(map[string]Value, len(t))
		for k, e := range t {
			obj[k] = FromGo(e)
		}
		return Object(obj)
	default:
		return String(fmt.Sprint(t))
	}
}

// MarshalJSON encodes the value as plain JSON.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.ToGo())
}

// UnmarshalJSON decodes plain JSON into the value.
func (v *Value) UnmarshalJSON(data []byte) error {
	parsed, err := ParseJSON(data)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// ParseJSON decodes a JSON document into a Value.
func ParseJSON(data []byte) (Value, error) {
	var x any
	if err := json.Unmarshal(data, &x); err != nil {
		return Null, err
	}
	return FromGo(x), nil
}
