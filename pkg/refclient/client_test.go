package refclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"refshare/internal/api"
	"refshare/internal/host"
	"refshare/internal/shared"
)

func newTestServer(t *testing.T, policy shared.Policy) *Client {
	t.Helper()
	rt := host.New(host.Options{Policy: policy})
	srv := httptest.NewServer(api.NewServer(rt).Handler())
	t.Cleanup(srv.Close)
	return New(srv.URL, &http.Client{Timeout: 2 * time.Second})
}

func TestSetWithRetry_SucceedsAfterConflicts(t *testing.T) {
	var calls int

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/maps/repo/set" {
			http.NotFound(w, r)
			return
		}
		calls++

		// First 2 calls: conflict
		w.Header().Set("Content-Type", "application/json")
		if calls <= 2 {
			w.WriteHeader(http.StatusConflict)
			w.Write([]byte(`{"error": "already borrowed", "reason": "ALREADY_BORROWED"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"set": true}`))
	}))
	defer srv.Close()

	c := New(srv.URL, &http.Client{Timeout: 2 * time.Second})

	err := c.SetWithRetry(context.Background(), "repo", Entry{Path: "a", State: "n"}, RetryOptions{
		MaxRetries:   10,
		MaxTotalWait: 1 * time.Second,
		MinRetry:     5 * time.Millisecond,
		MaxRetry:     50 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestSetWithRetry_GivesUp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error": "busy", "reason": "ALREADY_BORROWED"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	err := c.SetWithRetry(context.Background(), "repo", Entry{Path: "a", State: "n"}, RetryOptions{
		MaxRetries: 2,
		MinRetry:   time.Millisecond,
		MaxRetry:   2 * time.Millisecond,
	})
	var ce *ConflictError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "repo", ce.Map)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestWalkAgainstServer(t *testing.T) {
	ctx := context.Background()
	c := newTestServer(t, shared.Strict)

	for _, p := range []string{"c", "a", "b"} {
		require.NoError(t, c.Set(ctx, "repo", Entry{Path: p, State: "n", Size: 1}))
	}

	var paths []string
	err := c.Walk(ctx, "repo", "items", 2, func(e Entry) error {
		paths = append(paths, e.Path)
		if e.Path == "a" {
			// first batch: the walk still holds its lease, so writes bounce
			require.ErrorIs(t, c.Set(ctx, "repo", Entry{Path: "d", State: "a"}), ErrConflict)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, paths)

	st, err := c.Stats(ctx, "repo")
	require.NoError(t, err)
	assert.Equal(t, uint(0), st.Leases)
	assert.Equal(t, 0, st.OpenIterators)

	require.NoError(t, c.Set(ctx, "repo", Entry{Path: "d", State: "a"}))
	e, err := c.Get(ctx, "repo", "d")
	require.NoError(t, err)
	assert.Equal(t, "a", e.State)

	_, err = c.Get(ctx, "repo", "nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestWalkStopsOnCallbackError(t *testing.T) {
	ctx := context.Background()
	c := newTestServer(t, shared.Strict)
	require.NoError(t, c.Set(ctx, "repo", Entry{Path: "a", State: "n"}))
	require.NoError(t, c.Set(ctx, "repo", Entry{Path: "b", State: "n"}))

	stop := errors.New("stop")
	err := c.Walk(ctx, "repo", "keys", 1, func(Entry) error { return stop })
	require.ErrorIs(t, err, stop)

	// closed on the way out
	require.NoError(t, c.Remove(ctx, "repo", "a"))
}

func TestNextAfterMutationIsInvalidated(t *testing.T) {
	ctx := context.Background()
	c := newTestServer(t, shared.Lenient)
	require.NoError(t, c.Set(ctx, "repo", Entry{Path: "a", State: "n"}))

	it, err := c.OpenIterator(ctx, "repo", "keys")
	require.NoError(t, err)
	require.NoError(t, c.Clear(ctx, "repo"))

	_, _, err = c.Next(ctx, it, 10)
	require.ErrorIs(t, err, ErrInvalidated)
	require.NoError(t, c.CloseIterator(ctx, it))
}

func TestKeepAliveStopsWhenIteratorGone(t *testing.T) {
	ctx := context.Background()
	c := newTestServer(t, shared.Strict)
	require.NoError(t, c.Set(ctx, "repo", Entry{Path: "a", State: "n"}))

	it, err := c.OpenIterator(ctx, "repo", "keys")
	require.NoError(t, err)

	kaCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	errCh := c.StartKeepAlive(kaCtx, it, KeepAliveOptions{Interval: 10 * time.Millisecond})

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, c.CloseIterator(ctx, it))

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrNotFound)
	case <-time.After(2 * time.Second):
		t.Fatal("keepalive did not stop")
	}
}
