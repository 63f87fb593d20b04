package eval

import (
	"strconv"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokString
	tokVar
	tokIdent
	tokLParen
	tokRParen
	tokLBrack
	tokRBrack
	tokComma
	tokAnd
	tokOr
	tokNot
	tokEq
	tokNe
	tokLt
	tokLe
	tokGt
	tokGe
	tokPlus
	tokMinus
	tokStar
	tokSlash
)

var tokenNames = map[tokenKind]string{
	tokEOF: "end of input", tokNumber: "number", tokString: "string", tokVar: "variable",
	tokIdent: "identifier", tokLParen: "(", tokRParen: ")", tokLBrack: "[", tokRBrack: "]",
	tokComma: ",", tokAnd: "&&", tokOr: "||", tokNot: "!", tokEq: "==", tokNe: "!=",
	tokLt: "<", tokLe: "<=", tokGt: ">", tokGe: ">=", tokPlus: "+", tokMinus: "-",
	tokStar: "*", tokSlash: "/",
}

func (k tokenKind) String() string { return tokenNames[k] }

type token struct {
	kind tokenKind
	text string
	num  float64
	pos  int
}

type lexer struct {
	src string
	pos int
}

func tokenize(src string) ([]token, error) {
	lx := &lexer{src: src}
	var out []token
	for {
		tok, err := lx.next()
		if err != nil {
			return nil, err
		}
		out = append(out, tok)
		if tok.kind == tokEOF {
			return out, nil
		}
	}
}

func (lx *lexer) errorf(pos int, format string, args ...any) error {
	return newError(lx.src, pos, format, args...)
}

func (lx *lexer) next() (token, error) {
	for lx.pos < len(lx.src) && isSpace(lx.src[lx.pos]) {
		lx.pos++
	}
	start := lx.pos
	if lx.pos >= len(lx.src) {
		return token{kind: tokEOF, pos: start}, nil
	}

	c := lx.src[lx.pos]
	two := ""
	if lx.pos+1 < len(lx.src) {
		two = lx.src[lx.pos : lx.pos+2]
	}
	switch two {
	case "&&":
		lx.pos += 2
		return token{kind: tokAnd, pos: start}, nil
	case "||":
		lx.pos += 2
		return token{kind: tokOr, pos: start}, nil
	case "==":
		lx.pos += 2
		return token{kind: tokEq, pos: start}, nil
	case "!=":
		lx.pos += 2
		return token{kind: tokNe, pos: start}, nil
	case "<=":
		lx.pos += 2
		return token{kind: tokLe, pos: start}, nil
	case ">=":
		lx.pos += 2
		return token{kind: tokGe, pos: start}, nil
	case "#{":
		return lx.variable()
	}

	switch c {
	case '(':
		lx.pos++
		return token{kind: tokLParen, pos: start}, nil
	case ')':
		lx.pos++
		return token{kind: tokRParen, pos: start}, nil
	case '[':
		lx.pos++
		return token{kind: tokLBrack, pos: start}, nil
	case ']':
		lx.pos++
		return token{kind: tokRBrack, pos: start}, nil
	case ',':
		lx.pos++
		return token{kind: tokComma, pos: start}, nil
	case '!':
		lx.pos++
		return token{kind: tokNot, pos: start}, nil
	case '<':
		lx.pos++
		return token{kind: tokLt, pos: start}, nil
	case '>':
		lx.pos++
		return token{kind: tokGt, pos: start}, nil
	case '+':
		lx.pos++
		return token{kind: tokPlus, pos: start}, nil
	case '-':
		lx.pos++
		return token{kind: tokMinus, pos: start}, nil
	case '*':
		lx.pos++
		return token{kind: tokStar, pos: start}, nil
	case '/':
		lx.pos++
		return token{kind: tokSlash, pos: start}, nil
	case '\'', '"':
		return lx.str(c)
	}

	if isDigit(c) || (c == '.' && lx.pos+1 < len(lx.src) && isDigit(lx.src[lx.pos+1])) {
		return lx.number()
	}
	if isIdentStart(rune(c)) {
		for lx.pos < len(lx.src) && isIdentPart(rune(lx.src[lx.pos])) {
			lx.pos++
		}
		return token{kind: tokIdent, text: lx.src[start:lx.pos], pos: start}, nil
	}
	return token{}, lx.errorf(start, "unexpected character %q", c)
}

func (lx *lexer) variable() (token, error) {
	start := lx.pos
	end := strings.IndexByte(lx.src[start+2:], '}')
	if end < 0 {
		return token{}, lx.errorf(start, "unterminated variable reference")
	}
	name := strings.TrimSpace(lx.src[start+2 : start+2+end])
	if name == "" {
		return token{}, lx.errorf(start, "empty variable name")
	}
	lx.pos = start + 2 + end + 1
	return token{kind: tokVar, text: name, pos: start}, nil
}

func (lx *lexer) str(quote byte) (token, error) {
	start := lx.pos
	lx.pos++
	var b strings.Builder
	for lx.pos < len(lx.src) {
		c := lx.src[lx.pos]
		switch {
		case c == quote:
			lx.pos++
			return token{kind: tokString, text: b.String(), pos: start}, nil
		case c == '\\' && lx.pos+1 < len(lx.src):
			lx.pos++
			switch e := lx.src[lx.pos]; e {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			default:
				b.WriteByte(e)
			}
		default:
			b.WriteByte(c)
		}
		lx.pos++
	}
	return token{}, lx.errorf(start, "unterminated string")
}

func (lx *lexer) number() (token, error) {
	start := lx.pos
	for lx.pos < len(lx.src) && isDigit(lx.src[lx.pos]) {
		lx.pos++
	}
	if lx.pos < len(lx.src) && lx.src[lx.pos] == '.' {
		lx.pos++
		for lx.pos < len(lx.src) && isDigit(lx.src[lx.pos]) {
			lx.pos++
		}
	}
	if lx.pos < len(lx.src) && (lx.src[lx.pos] == 'e' || lx.src[lx.pos] == 'E') {
		lx.pos++
		if lx.pos < len(lx.src) && (lx.src[lx.pos] == '+' || lx.src[lx.pos] == '-') {
			lx.pos++
		}
		for lx.pos < len(lx.src) && isDigit(lx.src[lx.pos]) {
			lx.pos++
		}
	}
	text := lx.src[start:lx.pos]
	n, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return token{}, lx.errorf(start, "malformed number %q", text)
	}
	return token{kind: tokNumber, text: text, num: n, pos: start}, nil
}

func isSpace(c byte) bool { return c == ' ' || c == '\t' || c == '\n' || c == '\r' }

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isIdentStart(r rune) bool { return r == '_' || unicode.IsLetter(r) }

func isIdentPart(r rune) bool { return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r) }
