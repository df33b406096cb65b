package dirstate

import "fmt"

// Entry states, as tracked for each file of a working directory.
const (
	StateNormal  byte = 'n'
	StateAdded   byte = 'a'
	StateRemoved byte = 'r'
	StateMerged  byte = 'm'
)

type Entry struct {
	State byte
	Mode  uint32
	Size  int32
	Mtime int32
}

func (e Entry) Validate() error {
	switch e.State {
	case StateNormal, StateAdded, StateRemoved, StateMerged:
		return nil
	default:
		return fmt.Errorf("invalid entry state %q", e.State)
	}
}

// Item is one path/entry pair yielded by Map.Items.
type Item struct {
	Path  string
	Entry Entry
}
