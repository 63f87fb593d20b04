package eval

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

type kind int

const (
	kindNumber kind = iota
	kindString
	kindBool
	kindArray
)

func (k kind) String() string {
	switch k {
	case kindNumber:
		return "number"
	case kindString:
		return "string"
	case kindBool:
		return "boolean"
	case kindArray:
		return "array"
	default:
		return "unknown"
	}
}

type value struct {
	kind kind
	num  float64
	str  string
	b    bool
	arr  []value
}

func numberValue(n float64) value { return value{kind: kindNumber, num: n} }
func stringValue(s string) value  { return value{kind: kindString, str: s} }
func boolValue(b bool) value      { return value{kind: kindBool, b: b} }
func arrayValue(a []value) value  { return value{kind: kindArray, arr: a} }

func (v value) String() string {
	switch v.kind {
	case kindNumber:
		return strconv.FormatFloat(v.num, 'g', -1, 64)
	case kindString:
		return strconv.Quote(v.str)
	case kindBool:
		return strconv.FormatBool(v.b)
	case kindArray:
		parts := make([]string, len(v.arr))
		for i, e := range v.arr {
			parts[i] = e.String()
		}
		return "[" + strings.Join(parts, ",") + "]"
	default:
		return "?"
	}
}

// numeric returns the value as a number; booleans map to 1/0.
func (v value) numeric() (float64, bool) {
	switch v.kind {
	case kindNumber:
		return v.num, true
	case kindBool:
		if v.b {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// truth interprets a value as a condition. Numbers are true when non-zero.
func (v value) truth() (bool, bool) {
	switch v.kind {
	case kindBool:
		return v.b, true
	case kindNumber:
		return v.num != 0, true
	default:
		return false, false
	}
}

// fromAttribute converts an attribute bag entry into an evaluator value.
func fromAttribute(x any) (value, error) {
	switch t := x.(type) {
	case string:
		return stringValue(t), nil
	case bool:
		return boolValue(t), nil
	case float64:
		return numberValue(t), nil
	case float32:
		return numberValue(float64(t)), nil
	case int:
		return numberValue(float64(t)), nil
	case int64:
		return numberValue(float64(t)), nil
	case []any:
		out := make([]value, 0, len(t))
		for _, e := range t {
			v, err := fromAttribute(e)
			if err != nil {
				return value{}, err
			}
			out = append(out, v)
		}
		return arrayValue(out), nil
	case []string:
		out := make([]value, len(t))
		for i, s := range t {
			out[i] = stringValue(s)
		}
		return arrayValue(out), nil
	case []float64:
		out := make([]value, len(t))
		for i, f := range t {
			out[i] = numberValue(f)
		}
		return arrayValue(out), nil
	case []bool:
		out := make([]value, len(t))
		for i, b := range t {
			out[i] = boolValue(b)
		}
		return arrayValue(out), nil
	default:
		return value{}, fmt.Errorf("unsupported attribute type %T", x)
	}
}

// asArray accepts an array value or a string holding a JSON array, the form
// used by older predicates such as HAS('["en","fr"]', 'en').
func asArray(v value) ([]value, bool) {
	switch v.kind {
	case kindArray:
		return v.arr, true
	case kindString:
		s := strings.TrimSpace(v.str)
		if !strings.HasPrefix(s, "[") {
			return nil, false
		}
		var raw []any
		if err := json.Unmarshal([]byte(normalizeQuotes(s)), &raw); err != nil {
			return nil, false
		}
		av, err := fromAttribute(raw)
		if err != nil {
			return nil, false
		}
		return av.arr, true
	default:
		return nil, false
	}
}

// normalizeQuotes turns a single-quoted array literal into JSON.
func normalizeQuotes(s string) string {
	if !strings.Contains(s, "'") || strings.Contains(s, `"`) {
		return s
	}
	return strings.ReplaceAll(s, "'", `"`)
}

// coerceNumeric turns a string holding "true"/"false" into 1/0 and a string
// holding a number into that number. Other values are returned unchanged.
func coerceNumeric(v value) value {
	if v.kind != kindString {
		return v
	}
	s := strings.TrimSpace(v.str)
	switch {
	case strings.EqualFold(s, "true"):
		return numberValue(1)
	case strings.EqualFold(s, "false"):
		return numberValue(0)
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return numberValue(n)
	}
	return v
}

// looseEqual is membership equality for HAS and IN: numbers compare
// numerically with booleans coerced to 1/0, otherwise kinds must match.
func looseEqual(a, b value) bool {
	if a.kind == kindNumber || b.kind == kindNumber {
		x, okA := a.numeric()
		y, okB := b.numeric()
		return okA && okB && x == y
	}
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case kindString:
		return a.str == b.str
	case kindBool:
		return a.b == b.b
	default:
		return false
	}
}
