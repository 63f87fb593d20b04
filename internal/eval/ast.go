package eval

import "strings"

// env is the per-evaluation context. Nodes never mutate themselves, so one
// compiled tree can be evaluated from many goroutines at once.
type env struct {
	src   string
	attrs Attributes
}

func (e *env) errorf(pos int, format string, args ...any) error {
	return newError(e.src, pos, format, args...)
}

type node interface {
	eval(e *env) (value, error)
}

type literal struct{ v value }

func (n *literal) eval(*env) (value, error) { return n.v, nil }

type variable struct {
	name string
	pos  int
}

func (n *variable) eval(e *env) (value, error) {
	if e.attrs == nil {
		return value{}, e.errorf(n.pos, "unknown identifier #{%s}", n.name)
	}
	raw, ok := e.attrs.Lookup(n.name)
	if !ok {
		return value{}, e.errorf(n.pos, "unknown identifier #{%s}", n.name)
	}
	v, err := fromAttribute(raw)
	if err != nil {
		return value{}, e.errorf(n.pos, "#{%s}: %v", n.name, err)
	}
	return v, nil
}

type arrayExpr struct{ elems []node }

func (n *arrayExpr) eval(e *env) (value, error) {
	out := make([]value, len(n.elems))
	for i, el := range n.elems {
		v, err := el.eval(e)
		if err != nil {
			return value{}, err
		}
		out[i] = v
	}
	return arrayValue(out), nil
}

type notExpr struct {
	x   node
	pos int
}

func (n *notExpr) eval(e *env) (value, error) {
	v, err := n.x.eval(e)
	if err != nil {
		return value{}, err
	}
	b, ok := v.truth()
	if !ok {
		return value{}, e.errorf(n.pos, "operator ! needs a boolean, got %s", v.kind)
	}
	return boolValue(!b), nil
}

type negExpr struct {
	x   node
	pos int
}

func (n *negExpr) eval(e *env) (value, error) {
	v, err := n.x.eval(e)
	if err != nil {
		return value{}, err
	}
	if v.kind != kindNumber {
		return value{}, e.errorf(n.pos, "unary - needs a number, got %s", v.kind)
	}
	return numberValue(-v.num), nil
}

type logicalExpr struct {
	op          tokenKind
	left, right node
	pos         int
}

func (n *logicalExpr) eval(e *env) (value, error) {
	l, err := n.left.eval(e)
	if err != nil {
		return value{}, err
	}
	lb, ok := l.truth()
	if !ok {
		return value{}, e.errorf(n.pos, "operator %s needs booleans, got %s", n.op, l.kind)
	}
	if n.op == tokAnd && !lb {
		return boolValue(false), nil
	}
	if n.op == tokOr && lb {
		return boolValue(true), nil
	}
	r, err := n.right.eval(e)
	if err != nil {
		return value{}, err
	}
	rb, ok := r.truth()
	if !ok {
		return value{}, e.errorf(n.pos, "operator %s needs booleans, got %s", n.op, r.kind)
	}
	return boolValue(rb), nil
}

type compareExpr struct {
	op          tokenKind
	left, right node
	pos         int
}

func (n *compareExpr) eval(e *env) (value, error) {
	l, err := n.left.eval(e)
	if err != nil {
		return value{}, err
	}
	r, err := n.right.eval(e)
	if err != nil {
		return value{}, err
	}

	if l.kind == kindArray || r.kind == kindArray {
		return value{}, e.errorf(n.pos, "operator %s cannot compare arrays", n.op)
	}

	// Numbers and booleans compare numerically when at least one side is a number.
	if l.kind == kindNumber || r.kind == kindNumber {
		x, okL := l.numeric()
		y, okR := r.numeric()
		if !okL || !okR {
			return value{}, e.errorf(n.pos, "operator %s: cannot compare %s with %s", n.op, l.kind, r.kind)
		}
		return boolValue(compareOrdered(n.op, x, y)), nil
	}
	if l.kind != r.kind {
		return value{}, e.errorf(n.pos, "operator %s: cannot compare %s with %s", n.op, l.kind, r.kind)
	}

	switch l.kind {
	case kindBool:
		switch n.op {
		case tokEq:
			return boolValue(l.b == r.b), nil
		case tokNe:
			return boolValue(l.b != r.b), nil
		}
		x, _ := l.numeric()
		y, _ := r.numeric()
		return boolValue(compareOrdered(n.op, x, y)), nil
	default:
		c := strings.Compare(l.str, r.str)
		return boolValue(compareOrdered(n.op, float64(c), 0)), nil
	}
}

func compareOrdered(op tokenKind, x, y float64) bool {
	switch op {
	case tokEq:
		return x == y
	case tokNe:
		return x != y
	case tokLt:
		return x < y
	case tokLe:
		return x <= y
	case tokGt:
		return x > y
	case tokGe:
		return x >= y
	default:
		return false
	}
}

type arithExpr struct {
	op          tokenKind
	left, right node
	pos         int
}

func (n *arithExpr) eval(e *env) (value, error) {
	l, err := n.left.eval(e)
	if err != nil {
		return value{}, err
	}
	r, err := n.right.eval(e)
	if err != nil {
		return value{}, err
	}
	if n.op == tokPlus && l.kind == kindString && r.kind == kindString {
		return stringValue(l.str + r.str), nil
	}
	if l.kind != kindNumber && r.kind != kindNumber {
		return value{}, e.errorf(n.pos, "operator %s needs numbers, got %s and %s", n.op, l.kind, r.kind)
	}
	x, okL := l.numeric()
	y, okR := r.numeric()
	if !okL || !okR {
		return value{}, e.errorf(n.pos, "operator %s needs numbers, got %s and %s", n.op, l.kind, r.kind)
	}
	switch n.op {
	case tokPlus:
		return numberValue(x + y), nil
	case tokMinus:
		return numberValue(x - y), nil
	case tokStar:
		return numberValue(x * y), nil
	default:
		if y == 0 {
			return value{}, e.errorf(n.pos, "division by zero")
		}
		return numberValue(x / y), nil
	}
}

type callExpr struct {
	fn   *builtin
	args []node
	pos  int
}

func (n *callExpr) eval(e *env) (value, error) {
	args := make([]value, len(n.args))
	for i, a := range n.args {
		v, err := a.eval(e)
		if err != nil {
			return value{}, err
		}
		args[i] = v
	}
	v, err := n.fn.call(args)
	if err != nil {
		return value{}, e.errorf(n.pos, "%s(): %v", n.fn.name, err)
	}
	return v, nil
}
