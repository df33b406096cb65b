// Package refclient talks to a refshared server.
package refclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type Client struct {
	baseURL string
	http    *http.Client
	rng     *rand.Rand
}

func New(baseURL string, hc *http.Client) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		baseURL: baseURL,
		http:    hc,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

type errorBody struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

type nextReq struct {
	Max int `json:"max"`
}

type nextResp struct {
	Items []Entry `json:"items"`
	Done  bool    `json:"done"`
}

// ---- Map operations ----

func (c *Client) Set(ctx context.Context, mapName string, e Entry) error {
	if e.Path == "" {
		return fmt.Errorf("entry path required")
	}
	return c.call(ctx, http.MethodPost, mapName, c.mapURL(mapName, "set"), e, nil)
}

func (c *Client) Remove(ctx context.Context, mapName, path string) error {
	return c.call(ctx, http.MethodPost, mapName, c.mapURL(mapName, "remove"), map[string]string{"path": path}, nil)
}

func (c *Client) Clear(ctx context.Context, mapName string) error {
	return c.call(ctx, http.MethodPost, mapName, c.mapURL(mapName, "clear"), struct{}{}, nil)
}

func (c *Client) Save(ctx context.Context, mapName string) error {
	return c.call(ctx, http.MethodPost, mapName, c.mapURL(mapName, "save"), struct{}{}, nil)
}

func (c *Client) Get(ctx context.Context, mapName, path string) (Entry, error) {
	var out Entry
	u := c.mapURL(mapName, "entry") + "?path=" + url.QueryEscape(path)
	err := c.call(ctx, http.MethodGet, mapName, u, nil, &out)
	return out, err
}

func (c *Client) Stats(ctx context.Context, mapName string) (MapStats, error) {
	var out MapStats
	err := c.call(ctx, http.MethodGet, mapName, c.mapURL(mapName, ""), nil, &out)
	return out, err
}

// ---- Iterators ----

// OpenIterator asks the server to lease the map; kind is "keys" or "items".
func (c *Client) OpenIterator(ctx context.Context, mapName, kind string) (Iterator, error) {
	var out Iterator
	err := c.call(ctx, http.MethodPost, mapName, c.mapURL(mapName, "iter"), map[string]string{"kind": kind}, &out)
	return out, err
}

func (c *Client) Next(ctx context.Context, it Iterator, max int) ([]Entry, bool, error) {
	var out nextResp
	err := c.call(ctx, http.MethodPost, it.Map, c.iterURL(it.ID, "next"), nextReq{Max: max}, &out)
	return out.Items, out.Done, err
}

func (c *Client) Touch(ctx context.Context, it Iterator) (Iterator, error) {
	var out Iterator
	err := c.call(ctx, http.MethodGet, it.Map, c.iterURL(it.ID, ""), nil, &out)
	return out, err
}

func (c *Client) CloseIterator(ctx context.Context, it Iterator) error {
	return c.call(ctx, http.MethodPost, it.Map, c.iterURL(it.ID, "close"), struct{}{}, nil)
}

// Walk opens an iterator and calls fn for every entry until the iterator is
// drained or fn returns an error. The iterator is closed on return.
func (c *Client) Walk(ctx context.Context, mapName, kind string, batch int, fn func(Entry) error) error {
	it, err := c.OpenIterator(ctx, mapName, kind)
	if err != nil {
		return err
	}
	defer func() { _ = c.CloseIterator(context.WithoutCancel(ctx), it) }()

	for {
		items, done, err := c.Next(ctx, it, batch)
		if err != nil {
			return err
		}
		for _, e := range items {
			if err := fn(e); err != nil {
				return err
			}
		}
		if done {
			return nil
		}
	}
}

// ---- Retry wrapper ----

// SetWithRetry retries Set while the map is busy, backing off with jitter.
func (c *Client) SetWithRetry(ctx context.Context, mapName string, e Entry, opt RetryOptions) error {
	if opt.MaxRetries <= 0 {
		opt.MaxRetries = 50
	}
	if opt.MinRetry <= 0 {
		opt.MinRetry = 25 * time.Millisecond
	}
	if opt.MaxRetry <= 0 {
		opt.MaxRetry = 1 * time.Second
	}
	if opt.JitterFrac < 0 {
		opt.JitterFrac = 0
	}

	start := time.Now()
	var lastConflict error

	for attempt := 0; attempt <= opt.MaxRetries; attempt++ {
		if opt.MaxTotalWait > 0 && time.Since(start) > opt.MaxTotalWait {
			break
		}

		err := c.Set(ctx, mapName, e)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrConflict) {
			return err
		}
		lastConflict = err

		sleep := time.Duration(float64(opt.MinRetry) * math.Pow(1.5, float64(attempt)))
		if sleep > opt.MaxRetry {
			sleep = opt.MaxRetry
		}
		sleep = addJitter(c.rng, sleep, opt.JitterFrac)

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	if lastConflict != nil {
		return lastConflict
	}
	return context.DeadlineExceeded
}

func addJitter(r *rand.Rand, d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	// jitter range: [d*(1-frac), d*(1+frac)]
	j := (r.Float64()*2 - 1) * frac
	out := time.Duration(float64(d) * (1 + j))
	if out < 0 {
		return 0
	}
	return out
}

// ---- transport ----

func (c *Client) mapURL(name, action string) string {
	u := fmt.Sprintf("%s/v1/maps/%s", c.baseURL, url.PathEscape(name))
	if action != "" {
		u += "/" + action
	}
	return u
}

func (c *Client) iterURL(id, action string) string {
	u := fmt.Sprintf("%s/v1/iters/%s", c.baseURL, url.PathEscape(id))
	if action != "" {
		u += "/" + action
	}
	return u
}

// call performs one request and maps the server's error reasons onto the
// package's errors.
func (c *Client) call(ctx context.Context, method, mapName, url string, req any, resp any) error {
	code, raw, err := c.doJSON(ctx, method, url, req, resp)
	if err != nil {
		return err
	}
	if code == http.StatusOK {
		return nil
	}

	var eb errorBody
	_ = json.Unmarshal([]byte(raw), &eb)
	switch code {
	case http.StatusConflict:
		return &ConflictError{Map: mapName, Message: eb.Error}
	case http.StatusGone:
		return fmt.Errorf("%w: %s", ErrInvalidated, eb.Error)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, eb.Error)
	}
	return &UnexpectedStatusError{Method: method, Path: url, Code: code, Body: raw}
}

// doJSON sends JSON and optionally decodes JSON response.
// Returns status code and raw body (trimmed) for debugging.
func (c *Client) doJSON(ctx context.Context, method, url string, req any, resp any) (int, string, error) {
	var body io.Reader
	if req != nil {
		b, err := json.Marshal(req)
		if err != nil {
			return 0, "", err
		}
		body = bytes.NewReader(b)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return 0, "", err
	}
	if req != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	rsp, err := c.http.Do(httpReq)
	if err != nil {
		return 0, "", err
	}
	defer rsp.Body.Close()

	b, _ := io.ReadAll(io.LimitReader(rsp.Body, 1<<20))
	raw := strings.TrimSpace(string(b))

	if resp != nil && rsp.StatusCode == http.StatusOK && len(b) > 0 {
		if err := json.Unmarshal(b, resp); err != nil {
			return rsp.StatusCode, raw, fmt.Errorf("decode response: %w", err)
		}
	}
	return rsp.StatusCode, raw, nil
}
