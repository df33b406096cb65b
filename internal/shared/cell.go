// Package shared lets an owning object lend views of its data to consumers
// that may hold on to them across many calls.
//
// A Cell hands out at most one ExclusiveGuard, or any number of Leases,
// never both. Leases are stamped with the cell's generation; each mutable
// borrow starts a new generation, so a lease taken before it is detected as
// stale on its next use instead of reading moved or freed data.
//
// Every operation takes a gil.Token. The package never locks anything
// itself: the token is the caller's proof that it runs alone.
package shared

import "refshare/internal/gil"

// Cell owns a value and the State guarding it.
type Cell[T any] struct {
	owner any
	value T
	state *State
}

type cellOptions struct {
	policy Policy
}

type Option func(*cellOptions)

func WithPolicy(p Policy) Option {
	return func(o *cellOptions) { o.policy = p }
}

// NewCell wraps value. owner is the object embedding the cell; every lease
// keeps a reference to it so the value outlives its consumers.
func NewCell[T any](owner any, value T, opts ...Option) *Cell[T] {
	o := cellOptions{policy: Strict}
	for _, opt := range opts {
		opt(&o)
	}
	return &Cell[T]{
		owner: owner,
		value: value,
		state: NewState(o.policy),
	}
}

func (c *Cell[T]) Owner() any { return c.owner }

func (c *Cell[T]) State() *State { return c.state }

// AcquireExclusive returns a guard with write access. It fails while another
// guard, a claiming lease or a borrow is outstanding.
func (c *Cell[T]) AcquireExclusive(tok gil.Token) (*ExclusiveGuard[T], error) {
	if err := c.state.RequestExclusive(tok); err != nil {
		return nil, err
	}
	return &ExclusiveGuard[T]{value: &c.value, state: c.state}, nil
}

// AcquireShared leases a pointer to the value. The pointer stays reachable
// for as long as the lease exists; whether it may still be dereferenced is
// decided at each TryBorrow.
func (c *Cell[T]) AcquireShared(tok gil.Token) (*Lease[*T], error) {
	if err := c.state.RequestShared(tok); err != nil {
		return nil, err
	}
	return &Lease[*T]{
		owner:      c.owner,
		payload:    &c.value,
		state:      c.state,
		generation: c.state.generation,
		claimed:    c.state.claims(),
	}, nil
}

// Read runs fn with a plain, unleased view of the value. fn must not retain
// v or write through it.
func (c *Cell[T]) Read(tok gil.Token, fn func(v *T) error) error {
	if err := c.state.beginBorrow(tok, "borrow"); err != nil {
		return err
	}
	defer c.state.endBorrow(tok)
	return fn(&c.value)
}

// ExclusiveGuard grants write access until Release.
type ExclusiveGuard[T any] struct {
	value    *T
	state    *State
	released bool
}

func (g *ExclusiveGuard[T]) Value() *T {
	if g.released {
		panic("shared: use of released exclusive guard")
	}
	return g.value
}

func (g *ExclusiveGuard[T]) Release(tok gil.Token) {
	if g.released {
		panic("shared: exclusive guard released twice")
	}
	g.state.ReleaseExclusive(tok)
	g.released = true
	g.value = nil
}
