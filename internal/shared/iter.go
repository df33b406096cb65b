package shared

import (
	"iter"

	"refshare/internal/gil"
)

// Iter is a sequence backed by a leased cursor. It drops its lease as soon
// as the cursor runs dry, so an exhausted iterator that is still referenced
// does not block mutable borrows.
type Iter[E any] struct {
	lease *Lease[Cursor[E]] // nil once exhausted or closed
}

// NewIter wraps lease. A nil lease yields an already exhausted iterator.
func NewIter[E any](lease *Lease[Cursor[E]]) *Iter[E] {
	return &Iter[E]{lease: lease}
}

// Iterate leases cell and turns the lease into an Iter over the cursor
// built by f.
func Iterate[T, E any](tok gil.Token, cell *Cell[T], f func(v *T) Cursor[E]) (*Iter[E], error) {
	lease, err := cell.AcquireShared(tok)
	if err != nil {
		return nil, err
	}
	defer func() {
		// Map keeps the source lease when f panics; give its claim back.
		if r := recover(); r != nil {
			lease.Release(tok)
			panic(r)
		}
	}()
	return NewIter(Map(tok, lease, f)), nil
}

// Next returns the next element. ok is false once the sequence is over;
// a stale lease is reported as ErrInvalidated, not as the end.
func (it *Iter[E]) Next(tok gil.Token) (v E, ok bool, err error) {
	if it.lease == nil {
		return v, false, nil
	}
	v, ok, err = it.advance(tok)
	if err != nil {
		return v, false, err
	}
	if !ok {
		it.release(tok)
	}
	return v, ok, nil
}

// advance moves the cursor under a borrow guard that is dropped even if the
// cursor panics.
func (it *Iter[E]) advance(tok gil.Token) (v E, ok bool, err error) {
	ref, err := it.lease.TryBorrowMut(tok)
	if err != nil {
		return v, false, err
	}
	defer ref.Release(tok)
	v, ok = (*ref.Value()).Next()
	return v, ok, nil
}

// Close releases the lease early. Safe to call on an exhausted iterator.
func (it *Iter[E]) Close(tok gil.Token) {
	it.release(tok)
}

func (it *Iter[E]) Exhausted() bool {
	return it.lease == nil
}

// Seq adapts the iterator for range loops. Ranging again resumes where the
// previous loop stopped.
func (it *Iter[E]) Seq(tok gil.Token) iter.Seq2[E, error] {
	return func(yield func(E, error) bool) {
		for {
			v, ok, err := it.Next(tok)
			if err != nil {
				yield(v, err)
				return
			}
			if !ok || !yield(v, nil) {
				return
			}
		}
	}
}

func (it *Iter[E]) release(tok gil.Token) {
	if it.lease == nil {
		return
	}
	if s, ok := it.lease.payload.(interface{ Stop() }); ok {
		s.Stop()
	}
	it.lease.Release(tok)
	it.lease = nil
}
