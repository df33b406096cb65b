package refclient

import (
	"errors"
	"fmt"
)

var (
	// ErrConflict matches *ConflictError.
	ErrConflict = errors.New("already borrowed")
	// ErrInvalidated is returned when the server reports a stale iterator.
	ErrInvalidated = errors.New("iterator invalidated")
	ErrNotFound    = errors.New("not found")
)

// ConflictError is returned when a write is refused because iterators (or
// another writer) hold the map.
type ConflictError struct {
	Map     string
	Message string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("map %s busy: %s", e.Map, e.Message)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

type UnexpectedStatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *UnexpectedStatusError) Error() string {
	return fmt.Sprintf("unexpected status: %s %s -> %d body=%q", e.Method, e.Path, e.Code, e.Body)
}
