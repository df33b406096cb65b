// Package host plays the part of the reference-counted environment that
// retains views into dirstate maps across calls. Remote consumers address
// their iterators by handle id; the Runtime keeps the iterator (and thus its
// lease) alive until the consumer closes it, drains it, or lets it go idle.
package host

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"refshare/internal/dirstate"
	"refshare/internal/gil"
	"refshare/internal/obs"
	"refshare/internal/shared"
	"refshare/internal/storage"
)

// Store persists map contents. *storage.DB implements it.
type Store interface {
	LoadMap(ctx context.Context, name string) (map[string]dirstate.Entry, error)
	SaveMap(ctx context.Context, name string, entries map[string]dirstate.Entry) error
}

type Options struct {
	Policy   shared.Policy
	Store    Store // nil keeps maps in memory only
	Logger   *obs.Logger
	Metrics  *obs.Metrics
	MaxBatch int
	Now      func() time.Time // injected for testability
}

type handle struct {
	info      IterInfo
	next      func(gil.Token) (dirstate.Item, bool, error)
	close     func(gil.Token)
	exhausted func() bool
}

type Runtime struct {
	gil gil.Lock

	// guarded by gil
	maps  map[string]*dirstate.Map
	iters map[string]*handle

	policy   shared.Policy
	store    Store
	logger   *obs.Logger
	metrics  *obs.Metrics
	maxBatch int
	clock    func() time.Time
}

func New(opt Options) *Runtime {
	if opt.MaxBatch <= 0 {
		opt.MaxBatch = 256
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	return &Runtime{
		maps:     make(map[string]*dirstate.Map),
		iters:    make(map[string]*handle),
		policy:   opt.Policy,
		store:    opt.Store,
		logger:   opt.Logger,
		metrics:  opt.Metrics,
		maxBatch: opt.MaxBatch,
		clock:    opt.Now,
	}
}

func (r *Runtime) observeLatency(op string, start time.Time) {
	if r.metrics == nil {
		return
	}
	r.metrics.OpLatencyMS.WithLabelValues(op).Observe(float64(time.Since(start).Milliseconds()))
}

func (r *Runtime) countBorrow(exclusive bool, err error) {
	if r.metrics == nil {
		return
	}
	result := "success"
	if errors.Is(err, shared.ErrAlreadyBorrowed) {
		result = "conflict"
	} else if err != nil {
		return
	}
	if exclusive {
		r.metrics.ExclusiveTotal.WithLabelValues(result).Inc()
	} else {
		r.metrics.SharedTotal.WithLabelValues(result).Inc()
	}
}

func (r *Runtime) log(fields map[string]interface{}, start time.Time, err error) {
	if r.logger == nil {
		return
	}
	fields["latency_ms"] = time.Since(start).Milliseconds()
	switch {
	case err == nil:
		r.logger.Info(fields)
	case errors.Is(err, shared.ErrAlreadyBorrowed), errors.Is(err, shared.ErrInvalidated):
		// expected outcomes of the protocol, not failures of the host
		fields["error"] = err.Error()
		r.logger.Info(fields)
	default:
		fields["error"] = err.Error()
		r.logger.Error(fields)
	}
}

// Open makes the named map available, loading it from the store the first
// time. Opening an already open map does nothing.
func (r *Runtime) Open(ctx context.Context, name string) (err error) {
	if name == "" {
		return fmt.Errorf("map name required")
	}
	start := time.Now()

	if r.lookup(name) != nil {
		return nil
	}

	var entries map[string]dirstate.Entry
	if r.store != nil {
		entries, err = r.store.LoadMap(ctx, name)
		if errors.Is(err, storage.ErrMapNotFound) {
			err = nil
		}
		if err != nil {
			if storage.IsBusy(err) && r.metrics != nil {
				r.metrics.DBBusyTotal.WithLabelValues("load").Inc()
			}
			r.log(map[string]interface{}{"op": "open", "map": name}, start, err)
			return fmt.Errorf("load map %s: %w", name, err)
		}
	}

	_ = r.gil.Do(func(gil.Token) error {
		if _, ok := r.maps[name]; !ok {
			r.maps[name] = dirstate.New(name, entries, shared.WithPolicy(r.policy))
		}
		return nil
	})
	r.observeLatency("open", start)
	r.log(map[string]interface{}{"op": "open", "map": name, "entries": len(entries)}, start, nil)
	return nil
}

func (r *Runtime) lookup(name string) *dirstate.Map {
	tok, release := r.gil.Acquire()
	defer release()
	return r.mapLocked(tok, name)
}

func (r *Runtime) mapLocked(_ gil.Token, name string) *dirstate.Map {
	return r.maps[name]
}

// withMap runs fn under the gil with the named map.
func (r *Runtime) withMap(name string, fn func(tok gil.Token, m *dirstate.Map) error) error {
	return r.gil.Do(func(tok gil.Token) error {
		m := r.mapLocked(tok, name)
		if m == nil {
			return fmt.Errorf("%s: %w", name, ErrUnknownMap)
		}
		return fn(tok, m)
	})
}

func (r *Runtime) Get(ctx context.Context, name, path string) (e dirstate.Entry, ok bool, err error) {
	err = r.withMap(name, func(tok gil.Token, m *dirstate.Map) error {
		e, ok, err = m.Get(tok, path)
		return err
	})
	return e, ok, err
}

// Set opens the map if needed and writes one entry. It fails with
// shared.ErrAlreadyBorrowed while iterators hold leases on the map.
func (r *Runtime) Set(ctx context.Context, name, path string, e dirstate.Entry) error {
	return r.write(ctx, "set", name, path, func(tok gil.Token, m *dirstate.Map) error {
		return m.Set(tok, path, e)
	})
}

func (r *Runtime) Remove(ctx context.Context, name, path string) error {
	return r.write(ctx, "remove", name, path, func(tok gil.Token, m *dirstate.Map) error {
		return m.Remove(tok, path)
	})
}

func (r *Runtime) Clear(ctx context.Context, name string) error {
	return r.write(ctx, "clear", name, "", func(tok gil.Token, m *dirstate.Map) error {
		return m.Clear(tok)
	})
}

func (r *Runtime) write(ctx context.Context, op, name, path string, fn func(gil.Token, *dirstate.Map) error) error {
	if err := r.Open(ctx, name); err != nil {
		return err
	}
	start := time.Now()
	var gen uint64
	err := r.withMap(name, func(tok gil.Token, m *dirstate.Map) error {
		err := fn(tok, m)
		gen = m.Stats().Generation
		return err
	})
	if !errors.Is(err, ErrUnknownMap) {
		r.countBorrow(true, err)
	}
	r.observeLatency(op, start)
	r.log(map[string]interface{}{"op": op, "map": name, "path": path, "generation": gen}, start, err)
	return err
}

func (r *Runtime) Stats(ctx context.Context, name string) (MapInfo, error) {
	var info MapInfo
	err := r.withMap(name, func(tok gil.Token, m *dirstate.Map) error {
		n, err := m.Len(tok)
		if err != nil {
			return err
		}
		info = MapInfo{Name: name, Len: n, Sharing: m.Stats()}
		for _, h := range r.iters {
			if h.info.Map == name && !h.exhausted() {
				info.OpenIterators++
			}
		}
		return nil
	})
	return info, err
}

// Save writes a snapshot of the map to the store.
func (r *Runtime) Save(ctx context.Context, name string) error {
	if r.store == nil {
		return fmt.Errorf("no store configured")
	}
	start := time.Now()
	var snap map[string]dirstate.Entry
	err := r.withMap(name, func(tok gil.Token, m *dirstate.Map) error {
		var err error
		snap, err = m.Snapshot(tok)
		return err
	})
	if err == nil {
		err = r.store.SaveMap(ctx, name, snap)
		if storage.IsBusy(err) && r.metrics != nil {
			r.metrics.DBBusyTotal.WithLabelValues("save").Inc()
		}
	}
	r.observeLatency("save", start)
	r.log(map[string]interface{}{"op": "save", "map": name, "entries": len(snap)}, start, err)
	return err
}

// OpenIterator leases the named map and retains the iterator under a new
// handle id.
func (r *Runtime) OpenIterator(ctx context.Context, name string, kind IterKind) (IterInfo, error) {
	start := time.Now()
	var info IterInfo
	err := r.withMap(name, func(tok gil.Token, m *dirstate.Map) error {
		h := &handle{}
		switch kind {
		case KindKeys:
			it, err := m.Keys(tok)
			if err != nil {
				return err
			}
			h.next = func(tok gil.Token) (dirstate.Item, bool, error) {
				p, ok, err := it.Next(tok)
				return dirstate.Item{Path: p}, ok, err
			}
			h.close = it.Close
			h.exhausted = it.Exhausted
		case KindItems:
			it, err := m.Items(tok)
			if err != nil {
				return err
			}
			h.next = it.Next
			h.close = it.Close
			h.exhausted = it.Exhausted
		default:
			return ErrBadKind
		}
		now := r.clock()
		h.info = IterInfo{
			ID:         uuid.NewString(),
			Map:        name,
			Kind:       kind,
			Generation: m.Stats().Generation,
			CreatedAt:  now,
			LastUsed:   now,
		}
		r.iters[h.info.ID] = h
		r.setOpenGauge()
		info = h.info
		return nil
	})
	if !errors.Is(err, ErrUnknownMap) && !errors.Is(err, ErrBadKind) {
		r.countBorrow(false, err)
	}
	r.observeLatency("iter", start)
	r.log(map[string]interface{}{"op": "iter", "map": name, "kind": string(kind), "iter_id": info.ID}, start, err)
	return info, err
}

// Next advances the iterator by up to max items (0 means the configured
// batch size). A stale iterator fails with shared.ErrInvalidated.
func (r *Runtime) Next(ctx context.Context, id string, max int) (Batch, error) {
	if max <= 0 || max > r.maxBatch {
		max = r.maxBatch
	}
	start := time.Now()
	var out Batch
	err := r.gil.Do(func(tok gil.Token) error {
		h, ok := r.iters[id]
		if !ok {
			return fmt.Errorf("%s: %w", id, ErrUnknownIterator)
		}
		h.info.LastUsed = r.clock()
		for len(out.Items) < max {
			item, ok, err := h.next(tok)
			if err != nil {
				return err
			}
			if !ok {
				out.Done = true
				break
			}
			h.info.Yielded++
			out.Items = append(out.Items, item)
		}
		h.info.Exhausted = h.exhausted()
		r.setOpenGauge()
		return nil
	})

	if r.metrics != nil {
		switch {
		case errors.Is(err, shared.ErrInvalidated):
			r.metrics.NextTotal.WithLabelValues("invalidated").Inc()
		case err == nil && out.Done:
			r.metrics.NextTotal.WithLabelValues("done").Inc()
		case err == nil:
			r.metrics.NextTotal.WithLabelValues("item").Inc()
		}
	}
	r.observeLatency("next", start)
	if r.logger != nil && err != nil {
		r.log(map[string]interface{}{"op": "next", "iter_id": id}, start, err)
	}
	return out, err
}

// Touch marks the iterator as used without advancing it.
func (r *Runtime) Touch(id string) (IterInfo, error) {
	var info IterInfo
	err := r.gil.Do(func(gil.Token) error {
		h, ok := r.iters[id]
		if !ok {
			return fmt.Errorf("%s: %w", id, ErrUnknownIterator)
		}
		h.info.LastUsed = r.clock()
		info = h.info
		return nil
	})
	return info, err
}

// CloseIterator drops the handle and releases its lease.
func (r *Runtime) CloseIterator(ctx context.Context, id string) error {
	start := time.Now()
	err := r.gil.Do(func(tok gil.Token) error {
		h, ok := r.iters[id]
		if !ok {
			return fmt.Errorf("%s: %w", id, ErrUnknownIterator)
		}
		h.close(tok)
		delete(r.iters, id)
		r.setOpenGauge()
		return nil
	})
	r.log(map[string]interface{}{"op": "close_iter", "iter_id": id}, start, err)
	return err
}

// OpenIterators counts handles whose iterator still holds its lease.
func (r *Runtime) OpenIterators() int {
	n := 0
	_ = r.gil.Do(func(gil.Token) error {
		n = r.openLocked()
		return nil
	})
	return n
}

// sweep closes handles idle since before cutoff and returns how many.
func (r *Runtime) sweep(cutoff time.Time) (closed, open int) {
	_ = r.gil.Do(func(tok gil.Token) error {
		for id, h := range r.iters {
			if h.info.LastUsed.Before(cutoff) {
				h.close(tok)
				delete(r.iters, id)
				closed++
			}
		}
		open = r.openLocked()
		return nil
	})
	return closed, open
}

func (r *Runtime) openLocked() int {
	n := 0
	for _, h := range r.iters {
		if !h.exhausted() {
			n++
		}
	}
	return n
}

func (r *Runtime) setOpenGauge() {
	if r.metrics == nil {
		return
	}
	r.metrics.IteratorsOpen.Set(float64(r.openLocked()))
}
