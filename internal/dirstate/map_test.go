package dirstate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"refshare/internal/gil"
	"refshare/internal/shared"
)

func newTestMap() *Map {
	return New("repo", map[string]Entry{
		"b.txt":     {State: StateNormal, Mode: 0o644, Size: 3, Mtime: 10},
		"a.txt":     {State: StateAdded, Mode: 0o644, Size: 1, Mtime: 11},
		"dir/c.txt": {State: StateMerged, Mode: 0o755, Size: 7, Mtime: 12},
	})
}

func drain[E any](t *testing.T, tok gil.Token, it *shared.Iter[E]) []E {
	t.Helper()
	var out []E
	for v, err := range it.Seq(tok) {
		require.NoError(t, err)
		out = append(out, v)
	}
	return out
}

func TestGetSetRemove(t *testing.T) {
	tok := gil.Assume()
	m := newTestMap()

	e, ok, err := m.Get(tok, "a.txt")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StateAdded, e.State)

	require.NoError(t, m.Set(tok, "new.txt", Entry{State: StateAdded}))
	n, err := m.Len(tok)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	require.NoError(t, m.Remove(tok, "new.txt"))
	require.ErrorIs(t, m.Remove(tok, "new.txt"), ErrNotFound)

	require.Error(t, m.Set(tok, "x", Entry{State: 'z'}))
	require.Error(t, m.Set(tok, "", Entry{State: StateNormal}))
	assert.Equal(t, uint64(3), m.Stats().Generation)
}

func TestKeysSorted(t *testing.T) {
	tok := gil.Assume()
	m := newTestMap()

	it, err := m.Keys(tok)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt", "b.txt", "dir/c.txt"}, drain(t, tok, it))
	assert.Same(t, m, m.cell.Owner())
}

func TestWriteRefusedWhileIterating(t *testing.T) {
	tok := gil.Assume()
	m := newTestMap()

	it, err := m.Items(tok)
	require.NoError(t, err)

	item, ok, err := it.Next(tok)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a.txt", item.Path)

	err = m.Set(tok, "z.txt", Entry{State: StateNormal})
	require.ErrorIs(t, err, shared.ErrAlreadyBorrowed)
	require.ErrorIs(t, m.Clear(tok), shared.ErrAlreadyBorrowed)

	rest := drain(t, tok, it)
	require.Len(t, rest, 2)
	assert.Equal(t, Item{Path: "dir/c.txt", Entry: Entry{State: StateMerged, Mode: 0o755, Size: 7, Mtime: 12}}, rest[1])

	require.NoError(t, m.Clear(tok))
	n, err := m.Len(tok)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestLenientIteratorGoesStale(t *testing.T) {
	tok := gil.Assume()
	m := New("repo", map[string]Entry{"a": {State: StateNormal}, "b": {State: StateNormal}}, shared.WithPolicy(shared.Lenient))

	it, err := m.Keys(tok)
	require.NoError(t, err)
	require.NoError(t, m.Remove(tok, "b"))

	_, _, err = it.Next(tok)
	require.ErrorIs(t, err, shared.ErrInvalidated)
	it.Close(tok)
}

func TestSnapshotIsCopy(t *testing.T) {
	tok := gil.Assume()
	m := newTestMap()

	snap, err := m.Snapshot(tok)
	require.NoError(t, err)
	delete(snap, "a.txt")

	_, ok, err := m.Get(tok, "a.txt")
	require.NoError(t, err)
	assert.True(t, ok)
}
