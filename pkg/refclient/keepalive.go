package refclient

import (
	"context"
	"errors"
	"time"
)

// StartKeepAlive touches the iterator periodically so the server's idle
// reaper leaves it alone while the caller is busy elsewhere.
// The returned channel carries the last error (if any) and closes on exit.
// Semantics:
// - iterator gone (closed, reaped, unknown): stop, report ErrNotFound
// - transient errors: report and keep going
// - ctx cancel: stop cleanly
func (c *Client) StartKeepAlive(ctx context.Context, it Iterator, opt KeepAliveOptions) <-chan error {
	errCh := make(chan error, 1)

	if opt.Interval <= 0 {
		opt.Interval = 5 * time.Second
	}

	go func() {
		defer close(errCh)

		t := time.NewTicker(opt.Interval)
		defer t.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				_, err := c.Touch(ctx, it)
				if err == nil {
					continue
				}
				if ctx.Err() != nil {
					return
				}
				select {
				case errCh <- err:
				default:
				}
				if errors.Is(err, ErrNotFound) {
					return
				}
			}
		}
	}()

	return errCh
}
