package domain

import (
	"fmt"
	"sort"
)

// Attributes is a named bag of skill/capability/requirement values.
// Allowed values: string, float64, bool, and arrays of those.
type Attributes map[string]any

// Lookup implements the evaluator's attribute source.
func (a Attributes) Lookup(name string) (any, bool) {
	if a == nil {
		return nil, false
	}
	v, ok := a[name]
	return v, ok
}

func (a Attributes) Clone() Attributes {
	if a == nil {
		return nil
	}
	out := make(Attributes, len(a))
	for k, v := range a {
		if arr, ok := v.([]any); ok {
			v = append([]any(nil), arr...)
		}
		out[k] = v
	}
	return out
}

// Normalize converts decoded values to the canonical attribute types and
// rejects anything else. JSON numbers arrive as float64 already; Go callers may
// pass ints or typed slices.
func (a Attributes) Normalize() (Attributes, error) {
	if a == nil {
		return nil, nil
	}
	out := make(Attributes, len(a))
	keys := make([]string, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if k == "" {
			return nil, fmt.Errorf("%w: attribute name required", ErrInvalidArgument)
		}
		v, err := normalizeValue(a[k], true)
		if err != nil {
			return nil, fmt.Errorf("%w: attribute %q: %v", ErrInvalidArgument, k, err)
		}
		out[k] = v
	}
	return out, nil
}

func normalizeValue(v any, allowArray bool) (any, error) {
	switch x := v.(type) {
	case string, bool, float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case []string:
		if !allowArray {
			break
		}
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out, nil
	case []float64:
		if !allowArray {
			break
		}
		out := make([]any, len(x))
		for i, f := range x {
			out[i] = f
		}
		return out, nil
	case []bool:
		if !allowArray {
			break
		}
		out := make([]any, len(x))
		for i, b := range x {
			out[i] = b
		}
		return out, nil
	case []any:
		if !allowArray {
			break
		}
		out := make([]any, len(x))
		for i, e := range x {
			n, err := normalizeValue(e, false)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported value type %T", v)
}
