package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrReferenced is returned when deleting an entity that other entities still use.
	ErrReferenced = errors.New("entity is referenced")
	// ErrAlreadyExists is returned when creating an entity under an id that is taken.
	ErrAlreadyExists = errors.New("already exists")
)
