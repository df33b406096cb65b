package shared

import (
	"fmt"

	"refshare/internal/gil"
)

// Lease is a long-lived shared view. It may be held by consumers for any
// length of time; it is only usable while the cell's generation still
// matches the one it was created at.
type Lease[P any] struct {
	owner      any
	payload    P
	state      *State
	generation uint64
	claimed    bool // holds one unit of state.leases
	empty      bool // released, or moved into another lease by Map
	active     int  // live borrow guards on this lease
}

func (l *Lease[P]) Generation() uint64 { return l.generation }

// Owner returns the owning object the lease keeps alive.
func (l *Lease[P]) Owner() any { return l.owner }

func (l *Lease[P]) Valid(_ gil.Token) bool {
	return !l.empty && l.generation == l.state.generation
}

func (l *Lease[P]) validate(tok gil.Token) error {
	if !l.Valid(tok) {
		return ErrInvalidated
	}
	return nil
}

// TryBorrow validates the lease and returns a read guard over its payload.
func (l *Lease[P]) TryBorrow(tok gil.Token) (*LeaseRef[P], error) {
	if err := l.validate(tok); err != nil {
		return nil, err
	}
	if err := l.state.beginBorrow(tok, "borrow"); err != nil {
		return nil, err
	}
	l.active++
	return &LeaseRef[P]{lease: l}, nil
}

// TryBorrowMut is TryBorrow for payloads that change as they are read,
// such as cursors.
func (l *Lease[P]) TryBorrowMut(tok gil.Token) (*LeaseRefMut[P], error) {
	if err := l.validate(tok); err != nil {
		return nil, err
	}
	if err := l.state.beginBorrow(tok, "borrow"); err != nil {
		return nil, err
	}
	l.active++
	return &LeaseRefMut[P]{lease: l}, nil
}

// Release gives up the lease. Later calls, and calls on a lease consumed by
// Map, do nothing.
func (l *Lease[P]) Release(tok gil.Token) {
	if l.empty {
		return
	}
	if l.active > 0 {
		panic("shared: lease released while borrowed")
	}
	var zero P
	l.payload = zero
	l.empty = true
	if l.claimed {
		l.state.ReleaseShared(tok)
	}
}

// Map consumes l and returns a lease over f(payload) with the same owner,
// generation and claim. It must be called right after the lease is taken;
// mapping a stale or emptied lease panics.
func Map[P, Q any](tok gil.Token, l *Lease[P], f func(P) Q) *Lease[Q] {
	if l.empty {
		panic("shared: map of a released lease")
	}
	if l.generation != l.state.generation {
		panic(fmt.Sprintf("shared: map of an invalidated lease (generation %d, now %d)", l.generation, l.state.generation))
	}
	if l.active > 0 {
		panic("shared: map of a borrowed lease")
	}
	q := f(l.payload)

	var zero P
	l.payload = zero
	l.empty = true
	return &Lease[Q]{
		owner:      l.owner,
		payload:    q,
		state:      l.state,
		generation: l.generation,
		claimed:    l.claimed,
	}
}

// LeaseRef is a read guard obtained from Lease.TryBorrow.
type LeaseRef[P any] struct {
	lease *Lease[P]
	done  bool
}

func (r *LeaseRef[P]) Value() P {
	if r.done {
		panic("shared: use of released lease borrow")
	}
	return r.lease.payload
}

func (r *LeaseRef[P]) Release(tok gil.Token) {
	if r.done {
		return
	}
	r.done = true
	r.lease.active--
	r.lease.state.endBorrow(tok)
}

// LeaseRefMut is a guard obtained from Lease.TryBorrowMut.
type LeaseRefMut[P any] struct {
	lease *Lease[P]
	done  bool
}

func (r *LeaseRefMut[P]) Value() *P {
	if r.done {
		panic("shared: use of released lease borrow")
	}
	return &r.lease.payload
}

func (r *LeaseRefMut[P]) Release(tok gil.Token) {
	if r.done {
		return
	}
	r.done = true
	r.lease.active--
	r.lease.state.endBorrow(tok)
}
