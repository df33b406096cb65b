package shared

import (
	"iter"
	"unicode/utf8"
)

// Cursor yields elements one at a time until it reports false.
type Cursor[E any] interface {
	Next() (E, bool)
}

type SliceCursor[E any] struct {
	items []E
	pos   int
}

func NewSliceCursor[E any](items []E) *SliceCursor[E] {
	return &SliceCursor[E]{items: items}
}

func (c *SliceCursor[E]) Next() (E, bool) {
	if c.pos >= len(c.items) {
		var zero E
		return zero, false
	}
	v := c.items[c.pos]
	c.pos++
	return v, true
}

// RuneCursor walks the characters of a string.
type RuneCursor struct {
	s   string
	pos int
}

func NewRuneCursor(s string) *RuneCursor {
	return &RuneCursor{s: s}
}

func (c *RuneCursor) Next() (rune, bool) {
	if c.pos >= len(c.s) {
		return 0, false
	}
	r, size := utf8.DecodeRuneInString(c.s[c.pos:])
	c.pos += size
	return r, true
}

// PullCursor adapts a push iterator. Stop must be called if the cursor is
// abandoned before it is drained; Iter does this on release.
type PullCursor[E any] struct {
	next func() (E, bool)
	stop func()
}

func Pull[E any](seq iter.Seq[E]) *PullCursor[E] {
	next, stop := iter.Pull(seq)
	return &PullCursor[E]{next: next, stop: stop}
}

func (c *PullCursor[E]) Next() (E, bool) { return c.next() }

func (c *PullCursor[E]) Stop() { c.stop() }
