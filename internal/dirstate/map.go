// Package dirstate holds the working-directory state map and lends it to
// long-lived iterators through a shared.Cell.
package dirstate

import (
	"errors"
	"fmt"
	"slices"

	"refshare/internal/gil"
	"refshare/internal/shared"
)

var ErrNotFound = errors.New("path not tracked")

type files map[string]Entry

// Map is the owning object. Writes go through an exclusive guard; reads
// that escape the call (Keys, Items) go through leases.
type Map struct {
	name string
	cell *shared.Cell[files]
}

func New(name string, entries map[string]Entry, opts ...shared.Option) *Map {
	m := &Map{name: name}
	fs := make(files, len(entries))
	for p, e := range entries {
		fs[p] = e
	}
	m.cell = shared.NewCell(m, fs, opts...)
	return m
}

func (m *Map) Name() string { return m.name }

func (m *Map) Len(tok gil.Token) (int, error) {
	var n int
	err := m.cell.Read(tok, func(fs *files) error {
		n = len(*fs)
		return nil
	})
	return n, err
}

func (m *Map) Get(tok gil.Token, path string) (Entry, bool, error) {
	var (
		e  Entry
		ok bool
	)
	err := m.cell.Read(tok, func(fs *files) error {
		e, ok = (*fs)[path]
		return nil
	})
	return e, ok, err
}

func (m *Map) Set(tok gil.Token, path string, e Entry) error {
	if path == "" {
		return fmt.Errorf("path required")
	}
	if err := e.Validate(); err != nil {
		return err
	}
	return m.mutate(tok, func(fs files) error {
		fs[path] = e
		return nil
	})
}

func (m *Map) Remove(tok gil.Token, path string) error {
	return m.mutate(tok, func(fs files) error {
		if _, ok := fs[path]; !ok {
			return fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		delete(fs, path)
		return nil
	})
}

func (m *Map) Clear(tok gil.Token) error {
	return m.mutate(tok, func(fs files) error {
		clear(fs)
		return nil
	})
}

// Snapshot copies the current entries.
func (m *Map) Snapshot(tok gil.Token) (map[string]Entry, error) {
	var out map[string]Entry
	err := m.cell.Read(tok, func(fs *files) error {
		out = make(map[string]Entry, len(*fs))
		for p, e := range *fs {
			out[p] = e
		}
		return nil
	})
	return out, err
}

// Keys returns an iterator over tracked paths in sorted order. The
// iterator holds a lease on the map until it is drained or closed.
func (m *Map) Keys(tok gil.Token) (*shared.Iter[string], error) {
	return shared.Iterate(tok, m.cell, func(fs *files) shared.Cursor[string] {
		return shared.NewSliceCursor(sortedPaths(*fs))
	})
}

// Items is Keys with entries attached. Entries are read lazily from the
// leased map as the iterator advances.
func (m *Map) Items(tok gil.Token) (*shared.Iter[Item], error) {
	return shared.Iterate(tok, m.cell, func(fs *files) shared.Cursor[Item] {
		paths := sortedPaths(*fs)
		return shared.Pull(func(yield func(Item) bool) {
			for _, p := range paths {
				if !yield(Item{Path: p, Entry: (*fs)[p]}) {
					return
				}
			}
		})
	})
}

func (m *Map) Stats() shared.Stats {
	return m.cell.State().Stats()
}

func (m *Map) mutate(tok gil.Token, fn func(fs files) error) error {
	g, err := m.cell.AcquireExclusive(tok)
	if err != nil {
		return err
	}
	defer g.Release(tok)
	return fn(*g.Value())
}

func sortedPaths(fs files) []string {
	paths := make([]string, 0, len(fs))
	for p := range fs {
		paths = append(paths, p)
	}
	slices.Sort(paths)
	return paths
}
