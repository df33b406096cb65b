package host

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"refshare/internal/dirstate"
	"refshare/internal/obs"
	"refshare/internal/shared"
	"refshare/internal/storage"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func seed(t *testing.T, rt *Runtime, name string, paths ...string) {
	t.Helper()
	for _, p := range paths {
		require.NoError(t, rt.Set(context.Background(), name, p, dirstate.Entry{State: dirstate.StateNormal, Size: int32(len(p))}))
	}
}

func TestIteratorBlocksWritesUntilDrained(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	metrics := obs.NewMetrics(reg)
	rt := New(Options{Metrics: metrics, MaxBatch: 2})
	seed(t, rt, "repo", "a", "b", "c")

	it, err := rt.OpenIterator(ctx, "repo", KindItems)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), it.Generation)
	assert.Equal(t, 1, rt.OpenIterators())

	err = rt.Set(ctx, "repo", "d", dirstate.Entry{State: dirstate.StateAdded})
	require.ErrorIs(t, err, shared.ErrAlreadyBorrowed)

	b, err := rt.Next(ctx, it.ID, 0)
	require.NoError(t, err)
	assert.False(t, b.Done)
	require.Len(t, b.Items, 2)
	assert.Equal(t, "a", b.Items[0].Path)
	assert.Equal(t, int32(1), b.Items[0].Entry.Size)

	b, err = rt.Next(ctx, it.ID, 10)
	require.NoError(t, err)
	assert.True(t, b.Done)
	require.Len(t, b.Items, 1)

	// handle still retained, lease already gone
	assert.Equal(t, 0, rt.OpenIterators())
	require.NoError(t, rt.Set(ctx, "repo", "d", dirstate.Entry{State: dirstate.StateAdded}))

	b, err = rt.Next(ctx, it.ID, 10)
	require.NoError(t, err)
	assert.True(t, b.Done)
	assert.Empty(t, b.Items)

	require.NoError(t, rt.CloseIterator(ctx, it.ID))
	require.ErrorIs(t, rt.CloseIterator(ctx, it.ID), ErrUnknownIterator)

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.ExclusiveTotal.WithLabelValues("conflict")))
	assert.Equal(t, float64(4), testutil.ToFloat64(metrics.ExclusiveTotal.WithLabelValues("success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.SharedTotal.WithLabelValues("success")))
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.IteratorsOpen))
}

func TestCloseReleasesLease(t *testing.T) {
	ctx := context.Background()
	rt := New(Options{})
	seed(t, rt, "repo", "a", "b")

	it, err := rt.OpenIterator(ctx, "repo", KindKeys)
	require.NoError(t, err)
	b, err := rt.Next(ctx, it.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, []dirstate.Item{{Path: "a"}}, b.Items)

	info, err := rt.Stats(ctx, "repo")
	require.NoError(t, err)
	assert.Equal(t, 1, info.OpenIterators)
	assert.Equal(t, uint(1), info.Sharing.Leases)

	require.NoError(t, rt.CloseIterator(ctx, it.ID))
	require.NoError(t, rt.Remove(ctx, "repo", "a"))

	info, err = rt.Stats(ctx, "repo")
	require.NoError(t, err)
	assert.Equal(t, 1, info.Len)
	assert.Equal(t, uint(0), info.Sharing.Leases)
}

func TestLenientIteratorInvalidated(t *testing.T) {
	ctx := context.Background()
	core, logs := observer.New(zapcore.InfoLevel)
	rt := New(Options{Policy: shared.Lenient, Logger: obs.NewFromZap(zap.New(core))})
	seed(t, rt, "repo", "a", "b")

	it, err := rt.OpenIterator(ctx, "repo", KindKeys)
	require.NoError(t, err)
	require.NoError(t, rt.Remove(ctx, "repo", "b"))

	_, err = rt.Next(ctx, it.ID, 1)
	require.ErrorIs(t, err, shared.ErrInvalidated)
	assert.Equal(t, 1, logs.FilterMessage("next").Len())
	assert.Zero(t, logs.FilterLevelExact(zapcore.ErrorLevel).Len())
}

func TestUnknownNames(t *testing.T) {
	ctx := context.Background()
	rt := New(Options{})

	_, err := rt.Stats(ctx, "nope")
	require.ErrorIs(t, err, ErrUnknownMap)
	_, err = rt.OpenIterator(ctx, "nope", KindKeys)
	require.ErrorIs(t, err, ErrUnknownMap)
	_, err = rt.Next(ctx, "nope", 1)
	require.ErrorIs(t, err, ErrUnknownIterator)
	_, err = rt.Touch("nope")
	require.ErrorIs(t, err, ErrUnknownIterator)

	seed(t, rt, "repo", "a")
	_, err = rt.OpenIterator(ctx, "repo", IterKind("values"))
	require.ErrorIs(t, err, ErrBadKind)
	require.ErrorIs(t, rt.Remove(ctx, "repo", "zzz"), dirstate.ErrNotFound)

	_, err = ParseKind("values")
	require.ErrorIs(t, err, ErrBadKind)
}

func TestReaperClosesIdleIterators(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	reg := prometheus.NewRegistry()
	metrics := obs.NewMetrics(reg)
	rt := New(Options{Metrics: metrics, Now: clock.Now})
	seed(t, rt, "repo", "a", "b")

	idle, err := rt.OpenIterator(ctx, "repo", KindKeys)
	require.NoError(t, err)
	busy, err := rt.OpenIterator(ctx, "repo", KindKeys)
	require.NoError(t, err)

	p := NewReaper(rt, time.Minute, time.Second)
	assert.Equal(t, 0, p.sweepOnce())

	clock.Advance(45 * time.Second)
	_, err = rt.Touch(busy.ID)
	require.NoError(t, err)
	clock.Advance(30 * time.Second)

	assert.Equal(t, 1, p.sweepOnce())
	_, err = rt.Touch(idle.ID)
	require.ErrorIs(t, err, ErrUnknownIterator)
	assert.Equal(t, 1, rt.OpenIterators())
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.ReapedTotal))

	require.ErrorIs(t, rt.Set(ctx, "repo", "c", dirstate.Entry{State: dirstate.StateAdded}), shared.ErrAlreadyBorrowed)
	clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, p.sweepOnce())
	require.NoError(t, rt.Set(ctx, "repo", "c", dirstate.Entry{State: dirstate.StateAdded}))
}

func TestReaperRunStopsOnCancel(t *testing.T) {
	rt := New(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewReaper(rt, time.Second, 10*time.Millisecond).Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reaper did not stop")
	}
}

func TestSaveAndReopen(t *testing.T) {
	ctx := context.Background()
	db, err := storage.Open(ctx, storage.Config{Path: filepath.Join(t.TempDir(), "host.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	rt := New(Options{Store: db})
	seed(t, rt, "repo", "x", "y")
	require.NoError(t, rt.Save(ctx, "repo"))

	rt2 := New(Options{Store: db})
	require.NoError(t, rt2.Open(ctx, "repo"))
	e, ok, err := rt2.Get(ctx, "repo", "y")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, dirstate.StateNormal, e.State)

	require.Error(t, New(Options{}).Save(ctx, "repo"))
}
