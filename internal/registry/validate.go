package registry

import (
	"context"
	"fmt"
	"reflect"
	"slices"
	"strconv"
	"strings"

	"github.com/vk/burstci/internal/ctxlog"
)

type inputField struct {
	key      string
	index    int
	required bool
	def      string
	hasDef   bool
}

func inputFields(t reflect.Type) ([]inputField, error) {
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("input type %s is not a struct", t)
	}
	var fields []inputField
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		tag := f.Tag.Get("with")
		if tag == "" || tag == "-" {
			continue
		}
		parts := strings.Split(tag, ",")
		field := inputField{key: parts[0], index: i}
		for _, opt := range parts[1:] {
			switch opt {
			case "required":
				field.required = true
			default:
				return nil, fmt.Errorf("field %s: unknown tag option %q", f.Name, opt)
			}
		}
		field.def, field.hasDef = f.Tag.Lookup("default")
		if !supportedKind(f.Type) {
			return nil, fmt.Errorf("field %s: unsupported input type %s", f.Name, f.Type)
		}
		fields = append(fields, field)
	}
	return fields, nil
}

func supportedKind(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.String, reflect.Bool, reflect.Int, reflect.Float64:
		return true
	case reflect.Slice:
		return t.Elem().Kind() == reflect.String
	}
	return false
}

// Validate checks every registered input struct once at startup.
func (r *Registry) Validate(ctx context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var errs []string
	for ref, e := range r.actions {
		if e.inputType == nil {
			continue
		}
		fields, err := inputFields(e.inputType)
		if err != nil {
			errs = append(errs, fmt.Sprintf("action '%s': %v", ref, err))
			continue
		}
		seen := map[string]bool{}
		for _, f := range fields {
			if seen[f.key] {
				errs = append(errs, fmt.Sprintf("action '%s': input '%s' declared twice", ref, f.key))
			}
			seen[f.key] = true
			if f.required && f.hasDef {
				ctxlog.FromContext(ctx).Warn("Required input also declares a default; the default is never used.", "action", ref, "input", f.key)
			}
		}
	}
	if len(errs) > 0 {
		slices.Sort(errs)
		return fmt.Errorf("registry validation failed:\n- %s", strings.Join(errs, "\n- "))
	}
	return nil
}

// Prepare checks a step's `with` map against the action's declared inputs
// and returns a copy with defaults applied.
func (e *Entry) Prepare(with map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(with))
	for k, v := range with {
		out[k] = v
	}
	if e.anyInputs {
		return out, nil
	}
	if e.inputType == nil {
		if len(with) > 0 {
			return nil, fmt.Errorf("action %q accepts no inputs", e.Ref)
		}
		return out, nil
	}
	fields, err := inputFields(e.inputType)
	if err != nil {
		return nil, err
	}
	known := map[string]bool{}
	var missing []string
	for _, f := range fields {
		known[f.key] = true
		if _, ok := out[f.key]; ok {
			continue
		}
		switch {
		case f.required:
			missing = append(missing, f.key)
		case f.hasDef:
			out[f.key] = f.def
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("action %q: missing required input(s): %s", e.Ref, strings.Join(missing, ", "))
	}
	var unknown []string
	for k := range with {
		if !known[k] {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		slices.Sort(unknown)
		return nil, fmt.Errorf("action %q: unexpected input(s): %s", e.Ref, strings.Join(unknown, ", "))
	}
	return out, nil
}

func decodeInputs(with map[string]string, dst any) error {
	rv := reflect.ValueOf(dst)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("decode target must be a non-nil pointer, got %T", dst)
	}
	rv = rv.Elem()
	fields, err := inputFields(rv.Type())
	if err != nil {
		return err
	}
	for _, f := range fields {
		raw, ok := with[f.key]
		if !ok {
			continue
		}
		if err := setField(rv.Field(f.index), raw); err != nil {
			return fmt.Errorf("input '%s': %w", f.key, err)
		}
	}
	return nil
}

func setField(v reflect.Value, raw string) error {
	switch v.Kind() {
	case reflect.String:
		v.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return err
		}
		v.SetBool(b)
	case reflect.Int:
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return err
		}
		v.SetInt(int64(n))
	case reflect.Float64:
		n, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return err
		}
		v.SetFloat(n)
	case reflect.Slice:
		v.Set(reflect.ValueOf(SplitList(raw)).Convert(v.Type()))
	}
	return nil
}

// SplitList splits a multi-line input into its non-empty trimmed lines.
func SplitList(raw string) []string {
	var out []string
	for _, line := range strings.Split(raw, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}
