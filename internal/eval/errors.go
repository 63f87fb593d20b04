package eval

import (
	"errors"
	"fmt"
)

// ErrInvalidPredicate is wrapped by every compile and evaluation failure.
var ErrInvalidPredicate = errors.New("invalid predicate")

// PredicateError locates a failure inside the predicate source.
type PredicateError struct {
	Predicate string
	Pos       int
	Msg       string
}

func (e *PredicateError) Error() string {
	return fmt.Sprintf("invalid predicate %q at offset %d: %s", e.Predicate, e.Pos, e.Msg)
}

func (e *PredicateError) Unwrap() error { return ErrInvalidPredicate }

func newError(src string, pos int, format string, args ...any) error {
	return &PredicateError{Predicate: src, Pos: pos, Msg: fmt.Sprintf(format, args...)}
}
