package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"refshare/internal/console"
	"refshare/pkg/refclient"
)

type options struct {
	url      string
	mapName  string
	walkers  int
	writers  int
	files    int
	batch    int
	duration time.Duration
	pause    time.Duration
	retry    bool
}

// counters shared by every goroutine
type counters struct {
	walks       int64
	walkedItems int64
	invalidated int64
	writes      int64
	conflicts   int64
	errs        int64
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var o options
	cmd := &cobra.Command{
		Use:          "refload",
		Short:        "Drive concurrent iterators and writers against one refshared map",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), o)
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.url, "url", "http://localhost:8080", "refshared base URL")
	f.StringVar(&o.mapName, "map", "load", "map name")
	f.IntVar(&o.walkers, "walkers", 8, "concurrent iterator walkers")
	f.IntVar(&o.writers, "writers", 2, "concurrent writers")
	f.IntVar(&o.files, "files", 200, "entries seeded before the run")
	f.IntVar(&o.batch, "batch", 16, "items fetched per next call")
	f.DurationVar(&o.duration, "duration", 20*time.Second, "test duration")
	f.DurationVar(&o.pause, "pause", 2*time.Millisecond, "think time between walker batches")
	f.BoolVar(&o.retry, "retry", false, "writers back off and retry on conflict")
	return cmd
}

func run(parent context.Context, o options) error {
	if parent == nil {
		parent = context.Background()
	}
	c := refclient.New(o.url, &http.Client{Timeout: 10 * time.Second})
	out := console.Stdout()
	defer func() { _ = out.Flush() }()

	// seed
	for i := 0; i < o.files; i++ {
		e := refclient.Entry{Path: fmt.Sprintf("f%05d", i), State: "n", Mode: 0o644, Size: int32(i), Mtime: int32(i)}
		if err := c.SetWithRetry(parent, o.mapName, e, refclient.RetryOptions{JitterFrac: 0.2}); err != nil {
			return fmt.Errorf("seed: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(parent, o.duration)
	defer cancel()

	var cnt counters
	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < o.walkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				err := c.Walk(ctx, o.mapName, "items", o.batch, func(refclient.Entry) error {
					atomic.AddInt64(&cnt.walkedItems, 1)
					if o.pause > 0 {
						time.Sleep(o.pause)
					}
					return nil
				})
				switch {
				case err == nil:
					atomic.AddInt64(&cnt.walks, 1)
				case errors.Is(err, refclient.ErrInvalidated):
					atomic.AddInt64(&cnt.invalidated, 1)
				case ctx.Err() != nil:
				default:
					atomic.AddInt64(&cnt.errs, 1)
				}
			}
		}()
	}

	for i := 0; i < o.writers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(i)))
			for ctx.Err() == nil {
				e := refclient.Entry{
					Path:  fmt.Sprintf("f%05d", rng.Intn(o.files+1)),
					State: "m",
					Mode:  0o644,
					Size:  rng.Int31n(1 << 20),
					Mtime: int32(time.Now().Unix()),
				}
				var err error
				if o.retry {
					err = c.SetWithRetry(ctx, o.mapName, e, refclient.RetryOptions{JitterFrac: 0.2, MaxRetries: 5})
				} else {
					err = c.Set(ctx, o.mapName, e)
				}
				switch {
				case err == nil:
					atomic.AddInt64(&cnt.writes, 1)
				case errors.Is(err, refclient.ErrConflict):
					atomic.AddInt64(&cnt.conflicts, 1)
				case ctx.Err() != nil:
				default:
					atomic.AddInt64(&cnt.errs, 1)
				}
				time.Sleep(time.Duration(rng.Int63n(int64(5 * time.Millisecond))))
			}
		}()
	}

	wg.Wait()
	elapsed := time.Since(start)

	st, err := c.Stats(context.Background(), o.mapName)
	if err != nil {
		return err
	}

	out.Println("=== refshared contention test ===")
	out.Printf("duration: %s, walkers: %d, writers: %d, map: %s\n", elapsed, o.walkers, o.writers, o.mapName)
	out.Printf("walks_completed: %d\n", cnt.walks)
	out.Printf("items_walked:    %d\n", cnt.walkedItems)
	out.Printf("invalidated:     %d\n", cnt.invalidated)
	out.Printf("writes_ok:       %d\n", cnt.writes)
	out.Printf("write_conflicts: %d\n", cnt.conflicts)
	out.Printf("errors:          %d\n", cnt.errs)
	out.Printf("final: len=%d generation=%d policy=%s open_iterators=%d\n", st.Len, st.Generation, st.Policy, st.OpenIterators)
	return out.Flush()
}
