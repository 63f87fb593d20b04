package eval

import (
	"errors"
	"fmt"
	"strings"
)

type builtin struct {
	name  string
	arity int
	call  func(args []value) (value, error)
}

var builtins = map[string]*builtin{
	"HAS":      {name: "HAS", arity: 2, call: has},
	"IN":       {name: "IN", arity: 2, call: in},
	"CONTAINS": {name: "CONTAINS", arity: 2, call: contains},
}

func lookupBuiltin(name string) (*builtin, bool) {
	b, ok := builtins[strings.ToUpper(name)]
	return b, ok
}

// has reports whether the array in args[0] holds args[1].
func has(args []value) (value, error) {
	arr, ok := asArray(args[0])
	if !ok {
		return value{}, fmt.Errorf("first argument must be an array, got %s", args[0].kind)
	}
	return boolValue(member(arr, args[1])), nil
}

// in reports whether args[0] is one of the elements of the array in args[1].
func in(args []value) (value, error) {
	arr, ok := asArray(args[1])
	if !ok {
		return value{}, fmt.Errorf("second argument must be an array, got %s", args[1].kind)
	}
	return boolValue(member(arr, args[0])), nil
}

func contains(args []value) (value, error) {
	if args[0].kind != kindString || args[1].kind != kindString {
		return value{}, errors.New("arguments must be strings")
	}
	return boolValue(strings.Contains(args[0].str, args[1].str)), nil
}

// member reports whether arr holds needle. A numeric needle also matches
// string elements holding a number or "true"/"false".
func member(arr []value, needle value) bool {
	for _, e := range arr {
		if needle.kind == kindNumber {
			e = coerceNumeric(e)
		}
		if looseEqual(e, needle) {
			return true
		}
	}
	return false
}
