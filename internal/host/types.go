package host

import (
	"errors"
	"time"

	"refshare/internal/dirstate"
	"refshare/internal/shared"
)

var (
	ErrUnknownMap      = errors.New("unknown map")
	ErrUnknownIterator = errors.New("unknown iterator")
	ErrBadKind         = errors.New("iterator kind must be keys or items")
)

type IterKind string

const (
	KindKeys  IterKind = "keys"
	KindItems IterKind = "items"
)

func ParseKind(s string) (IterKind, error) {
	switch IterKind(s) {
	case KindKeys, "":
		return KindKeys, nil
	case KindItems:
		return KindItems, nil
	default:
		return "", ErrBadKind
	}
}

type MapInfo struct {
	Name          string
	Len           int
	Sharing       shared.Stats
	OpenIterators int
}

type IterInfo struct {
	ID         string
	Map        string
	Kind       IterKind
	Generation uint64
	Exhausted  bool
	Yielded    int
	CreatedAt  time.Time
	LastUsed   time.Time
}

// Batch is the result of one Next call. Done is set once the iterator has
// nothing left; its lease is already released at that point.
type Batch struct {
	Items []dirstate.Item
	Done  bool
}
