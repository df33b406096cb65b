package shared

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyBorrowed is matched by every *BorrowError.
	ErrAlreadyBorrowed = errors.New("already borrowed")

	// ErrInvalidated reports a lease used after a later mutable borrow, or
	// after the lease itself was released.
	ErrInvalidated = errors.New("leased reference invalidated")
)

const (
	reasonMutWhileMut      = "cannot borrow mutably while there exists another mutable reference"
	reasonMutWhileLeased   = "cannot borrow mutably while there are immutable references in leased views"
	reasonMutWhileBorrowed = "cannot borrow mutably while immutably borrowed"
	reasonSharedWhileMut   = "cannot borrow immutably while there is a mutable reference"
)

// BorrowError is returned when a borrow request conflicts with an
// outstanding one. Op is "borrow_mut" or "borrow".
type BorrowError struct {
	Op     string
	Reason string
}

func (e *BorrowError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrAlreadyBorrowed, e.Op, e.Reason)
}

func (e *BorrowError) Is(target error) bool {
	return target == ErrAlreadyBorrowed
}
