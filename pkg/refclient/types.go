package refclient

import "time"

// Entry mirrors one tracked file. State is a single letter: n, a, r or m.
type Entry struct {
	Path  string `json:"path"`
	State string `json:"state"`
	Mode  uint32 `json:"mode"`
	Size  int32  `json:"size"`
	Mtime int32  `json:"mtime"`
}

// Iterator is a server-side iterator handle. The server keeps its lease
// until the iterator is drained, closed, or reaped for idleness.
type Iterator struct {
	ID         string `json:"iter_id"`
	Map        string `json:"map"`
	Kind       string `json:"kind"`
	Generation uint64 `json:"generation"`
	Exhausted  bool   `json:"exhausted"`
	Yielded    int    `json:"yielded"`
}

type MapStats struct {
	Map           string `json:"map"`
	Len           int    `json:"len"`
	Generation    uint64 `json:"generation"`
	Leases        uint   `json:"leases"`
	Exclusive     bool   `json:"exclusive"`
	Policy        string `json:"policy"`
	OpenIterators int    `json:"open_iterators"`
}

// RetryOptions controls backoff while writes conflict with live iterators.
type RetryOptions struct {
	MaxRetries   int           // bounded retry; 0 => default
	MaxTotalWait time.Duration // optional global cap; 0 => no cap
	MinRetry     time.Duration // default 25ms
	MaxRetry     time.Duration // default 1s
	JitterFrac   float64       // 0 => no jitter; 0.2 => ±20%
}

// KeepAliveOptions controls how often an idle iterator is touched.
type KeepAliveOptions struct {
	Interval time.Duration // typically a third of the server's idle TTL
}
