package eval

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize bounds the number of compiled predicates kept in memory.
const DefaultCacheSize = 1024

// Attributes is the lookup interface predicates are evaluated against.
type Attributes interface {
	Lookup(name string) (any, bool)
}

// Bag is a plain map implementation of Attributes.
type Bag map[string]any

func (b Bag) Lookup(name string) (any, bool) {
	v, ok := b[name]
	return v, ok
}

// Expr is a compiled, immutable predicate.
type Expr struct {
	src  string
	root node
}

func (x *Expr) String() string { return x.src }

// Eval evaluates the predicate. A non-boolean result is a type error.
func (x *Expr) Eval(attrs Attributes) (bool, error) {
	e := &env{src: x.src, attrs: attrs}
	v, err := x.root.eval(e)
	if err != nil {
		return false, err
	}
	b, ok := v.truth()
	if !ok {
		return false, newError(x.src, 0, "predicate yields %s, not a boolean", v.kind)
	}
	return b, nil
}

// Compile parses a predicate without evaluating it.
func Compile(predicate string) (*Expr, error) {
	root, err := parse(predicate)
	if err != nil {
		return nil, err
	}
	return &Expr{src: predicate, root: root}, nil
}

// Evaluator compiles predicates once and caches the trees.
// It is safe for concurrent use; the cache is the only shared state.
type Evaluator struct {
	cache *lru.Cache[string, *Expr]
}

func New(cacheSize int) (*Evaluator, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	c, err := lru.New[string, *Expr](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("eval: cache init: %w", err)
	}
	return &Evaluator{cache: c}, nil
}

func (ev *Evaluator) Compile(predicate string) (*Expr, error) {
	if x, ok := ev.cache.Get(predicate); ok {
		return x, nil
	}
	x, err := Compile(predicate)
	if err != nil {
		return nil, err
	}
	ev.cache.Add(predicate, x)
	return x, nil
}

// Evaluate compiles (or reuses) predicate and evaluates it against attrs.
func (ev *Evaluator) Evaluate(predicate string, attrs Attributes) (bool, error) {
	x, err := ev.Compile(predicate)
	if err != nil {
		return false, err
	}
	return x.Eval(attrs)
}
