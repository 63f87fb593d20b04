package eval

import "strings"

type parser struct {
	src  string
	toks []token
	pos  int
}

func parse(src string) (node, error) {
	if strings.TrimSpace(src) == "" {
		return nil, newError(src, 0, "empty predicate")
	}
	toks, err := tokenize(src)
	if err != nil {
		return nil, err
	}
	p := &parser{src: src, toks: toks}
	n, err := p.or()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, p.errorf(t, "unexpected %s", describe(t))
	}
	return n, nil
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) advance() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) expect(k tokenKind) (token, error) {
	t := p.advance()
	if t.kind != k {
		return t, p.errorf(t, "expected %s, found %s", k, describe(t))
	}
	return t, nil
}

func (p *parser) errorf(t token, format string, args ...any) error {
	return newError(p.src, t.pos, format, args...)
}

func (p *parser) or() (node, error) {
	left, err := p.and()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOr {
		op := p.advance()
		right, err := p.and()
		if err != nil {
			return nil, err
		}
		left = &logicalExpr{op: op.kind, left: left, right: right, pos: op.pos}
	}
	return left, nil
}

func (p *parser) and() (node, error) {
	left, err := p.not()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokAnd {
		op := p.advance()
		right, err := p.not()
		if err != nil {
			return nil, err
		}
		left = &logicalExpr{op: op.kind, left: left, right: right, pos: op.pos}
	}
	return left, nil
}

func (p *parser) not() (node, error) {
	if p.peek().kind == tokNot {
		op := p.advance()
		x, err := p.not()
		if err != nil {
			return nil, err
		}
		return &notExpr{x: x, pos: op.pos}, nil
	}
	return p.comparison()
}

func (p *parser) comparison() (node, error) {
	left, err := p.sum()
	if err != nil {
		return nil, err
	}
	switch p.peek().kind {
	case tokEq, tokNe, tokLt, tokLe, tokGt, tokGe:
		op := p.advance()
		right, err := p.sum()
		if err != nil {
			return nil, err
		}
		return &compareExpr{op: op.kind, left: left, right: right, pos: op.pos}, nil
	}
	return left, nil
}

func (p *parser) sum() (node, error) {
	left, err := p.term()
	if err != nil {
		return nil, err
	}
	for k := p.peek().kind; k == tokPlus || k == tokMinus; k = p.peek().kind {
		op := p.advance()
		right, err := p.term()
		if err != nil {
			return nil, err
		}
		left = &arithExpr{op: op.kind, left: left, right: right, pos: op.pos}
	}
	return left, nil
}

func (p *parser) term() (node, error) {
	left, err := p.unary()
	if err != nil {
		return nil, err
	}
	for k := p.peek().kind; k == tokStar || k == tokSlash; k = p.peek().kind {
		op := p.advance()
		right, err := p.unary()
		if err != nil {
			return nil, err
		}
		left = &arithExpr{op: op.kind, left: left, right: right, pos: op.pos}
	}
	return left, nil
}

func (p *parser) unary() (node, error) {
	if p.peek().kind == tokMinus {
		op := p.advance()
		x, err := p.unary()
		if err != nil {
			return nil, err
		}
		return &negExpr{x: x, pos: op.pos}, nil
	}
	return p.primary()
}

func (p *parser) primary() (node, error) {
	t := p.advance()
	switch t.kind {
	case tokNumber:
		return &literal{v: numberValue(t.num)}, nil
	case tokString:
		return &literal{v: stringValue(t.text)}, nil
	case tokVar:
		return &variable{name: t.text, pos: t.pos}, nil
	case tokLParen:
		n, err := p.or()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen); err != nil {
			return nil, err
		}
		return n, nil
	case tokLBrack:
		elems, err := p.list(tokRBrack)
		if err != nil {
			return nil, err
		}
		return &arrayExpr{elems: elems}, nil
	case tokIdent:
		switch strings.ToLower(t.text) {
		case "true":
			return &literal{v: boolValue(true)}, nil
		case "false":
			return &literal{v: boolValue(false)}, nil
		}
		if p.peek().kind != tokLParen {
			return nil, p.errorf(t, "unknown identifier %q", t.text)
		}
		p.advance()
		fn, ok := lookupBuiltin(t.text)
		if !ok {
			return nil, p.errorf(t, "unknown function %q", t.text)
		}
		args, err := p.list(tokRParen)
		if err != nil {
			return nil, err
		}
		if len(args) != fn.arity {
			return nil, p.errorf(t, "%s() takes %d arguments, got %d", fn.name, fn.arity, len(args))
		}
		return &callExpr{fn: fn, args: args, pos: t.pos}, nil
	}
	return nil, p.errorf(t, "unexpected %s", describe(t))
}

// list parses comma separated expressions up to and including the closing token.
func (p *parser) list(closing tokenKind) ([]node, error) {
	var out []node
	if p.peek().kind == closing {
		p.advance()
		return out, nil
	}
	for {
		n, err := p.or()
		if err != nil {
			return nil, err
		}
		out = append(out, n)
		t := p.advance()
		if t.kind == closing {
			return out, nil
		}
		if t.kind != tokComma {
			return nil, p.errorf(t, "expected , or %s, found %s", closing, describe(t))
		}
	}
}

func describe(t token) string {
	switch t.kind {
	case tokIdent, tokNumber:
		return t.kind.String() + " " + t.text
	case tokString:
		return "string '" + t.text + "'"
	case tokVar:
		return "variable #{" + t.text + "}"
	default:
		return `"` + t.kind.String() + `"`
	}
}
