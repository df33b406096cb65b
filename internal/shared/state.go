package shared

import (
	"fmt"
	"strings"

	"refshare/internal/gil"
)

// Policy decides whether a live lease blocks mutable borrows.
type Policy uint8

const (
	// Strict refuses mutable borrows while any lease is alive.
	Strict Policy = iota
	// Lenient lets a mutable borrow through while leases are alive; those
	// leases are invalidated by it and fail on their next use.
	Lenient
)

func (p Policy) String() string {
	switch p {
	case Strict:
		return "strict"
	case Lenient:
		return "lenient"
	default:
		return fmt.Sprintf("policy(%d)", uint8(p))
	}
}

func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "strict":
		return Strict, nil
	case "lenient":
		return Lenient, nil
	default:
		return Strict, fmt.Errorf("unknown sharing policy %q", s)
	}
}

// State is the borrow bookkeeping of one Cell. It knows nothing about the
// value it protects. Every method expects the caller to hold the gil.
type State struct {
	exclusive  bool
	leases     uint // leases holding a claim (Strict only)
	borrows    uint // live lease borrow guards and plain reads
	generation uint64
	policy     Policy
}

// Stats is a point-in-time copy of a State.
type Stats struct {
	Exclusive  bool
	Leases     uint
	Borrows    uint
	Generation uint64
	Policy     Policy
}

func NewState(policy Policy) *State {
	return &State{policy: policy}
}

// RequestExclusive marks the state mutably borrowed and starts a new
// generation.
func (s *State) RequestExclusive(_ gil.Token) error {
	if s.exclusive {
		return &BorrowError{Op: "borrow_mut", Reason: reasonMutWhileMut}
	}
	if s.leases > 0 {
		return &BorrowError{Op: "borrow_mut", Reason: reasonMutWhileLeased}
	}
	if s.borrows > 0 {
		return &BorrowError{Op: "borrow_mut", Reason: reasonMutWhileBorrowed}
	}
	s.exclusive = true
	s.generation++ // wraps after 2^64 grants
	return nil
}

// RequestShared registers a new lease. Under Strict the lease claims one
// unit of the lease count and must later call ReleaseShared.
func (s *State) RequestShared(_ gil.Token) error {
	if s.exclusive {
		return &BorrowError{Op: "borrow", Reason: reasonSharedWhileMut}
	}
	if s.claims() {
		s.leases++
	}
	return nil
}

func (s *State) ReleaseExclusive(_ gil.Token) {
	if !s.exclusive || s.leases != 0 {
		panic(fmt.Sprintf("shared: release of exclusive borrow that is not held (exclusive=%t leases=%d)", s.exclusive, s.leases))
	}
	s.exclusive = false
}

func (s *State) ReleaseShared(_ gil.Token) {
	if s.leases == 0 {
		panic("shared: release of shared lease with no lease outstanding")
	}
	s.leases--
}

func (s *State) Generation() uint64 {
	return s.generation
}

func (s *State) Policy() Policy {
	return s.policy
}

func (s *State) Stats() Stats {
	return Stats{
		Exclusive:  s.exclusive,
		Leases:     s.leases,
		Borrows:    s.borrows,
		Generation: s.generation,
		Policy:     s.policy,
	}
}

func (s *State) claims() bool {
	return s.policy == Strict
}

func (s *State) beginBorrow(_ gil.Token, op string) error {
	if s.exclusive {
		return &BorrowError{Op: op, Reason: reasonSharedWhileMut}
	}
	s.borrows++
	return nil
}

func (s *State) endBorrow(_ gil.Token) {
	if s.borrows == 0 {
		panic("shared: end of borrow with no borrow outstanding")
	}
	s.borrows--
}
