// Package query caches host-owned state on the hub. Reads are served from
// memory and refetched in the background when an entry is missing or stale;
// concurrent fetches for one key are collapsed into a single host call.
package query

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Key identifies a cache entry.
type Key string

// Well-known keys.
const (
	KeyGames    Key = "games"
	KeySettings Key = "settings"
)

// FetchFunc loads the value for a key from the host.
type FetchFunc func(ctx context.Context) (any, error)

// UpdateFunc derives a new value from the current one. has is false when
// the entry holds no value. Returning ok=false leaves the entry untouched.
type UpdateFunc func(current any, has bool) (next any, ok bool)

// Listener is called with the entry state after every change.
type Listener func(Snapshot)

// Snapshot is a point-in-time view of an entry. Value must be treated as
// read-only.
type Snapshot struct {
	Key       Key
	Value     any
	HasValue  bool
	IsLoading bool
	IsStale   bool
	Err       error
	UpdatedAt time.Time
	Version   uint64 // increases on every change to the entry
}

type entry struct {
	value     any
	has       bool
	stale     bool
	loading   bool
	err       error
	updatedAt time.Time
	version   uint64

	replaced    uint64 // cache tick of the last Replace
	invalidated uint64 // cache tick of the last Invalidate

	listeners map[uint64]*listener
}

type listener struct {
	mu   sync.Mutex
	last uint64
	fn   Listener
}

// deliver drops snapshots older than one already delivered, so a listener
// observes versions in increasing order even when changes race.
func (l *listener) deliver(s Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s.Version <= l.last {
		return
	}
	l.last = s.Version
	l.fn(s)
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) {
		if l != nil {
			c.log = l.With("component", "query")
		}
	}
}

// WithClock overrides time.Now for UpdatedAt stamps.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// Cache holds one entry per key. All state changes are serialized; fetch
// functions and listeners run without the lock held.
type Cache struct {
	log *slog.Logger
	now func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	group  singleflight.Group

	mu      sync.Mutex
	entries map[Key]*entry
	tick    uint64
	nextID  uint64
	closed  bool
}

// New creates an empty cache.
func New(opts ...Option) *Cache {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Cache{
		log:     slog.Default().With("component", "query"),
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[Key]*entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Close cancels background fetches. Reads after Close return the cached
// state without fetching.
func (c *Cache) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()
}

// Read returns the entry state and schedules fetch in the background when
// the entry has no value or is stale and no fetch is in flight.
func (c *Cache) Read(k Key, fetch FetchFunc) Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.entryLocked(k)
	if c.needsFetchLocked(e) && !c.closed {
		c.startLocked(k, e, fetch)
	}
	return e.snapshot(k)
}

// Fetch returns the cached value when it is fresh, and otherwise waits for a
// fetch, joining the one in flight if any. A cancelled ctx stops the wait,
// not the fetch.
func (c *Cache) Fetch(ctx context.Context, k Key, fetch FetchFunc) (any, error) {
	c.mu.Lock()
	e := c.entryLocked(k)
	if !c.needsFetchLocked(e) {
		v := e.value
		c.mu.Unlock()
		return v, nil
	}
	if c.closed {
		c.mu.Unlock()
		return nil, context.Canceled
	}
	ch := c.startLocked(k, e, fetch)
	c.mu.Unlock()

	select {
	case r := <-ch:
		return r.Val, r.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Refetch forces a fetch even when the entry is fresh and waits for it.
func (c *Cache) Refetch(ctx context.Context, k Key, fetch FetchFunc) (any, error) {
	c.Invalidate(k)
	return c.Fetch(ctx, k, fetch)
}

// Get returns the entry state without scheduling anything.
func (c *Cache) Get(k Key) Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[k]; ok {
		return e.snapshot(k)
	}
	return Snapshot{Key: k}
}

// Replace sets the value and clears staleness and error. A fetch that
// started before the call will not overwrite it.
func (c *Cache) Replace(k Key, v any) {
	c.mu.Lock()
	e := c.entryLocked(k)
	c.writeLocked(e, v)
	e.replaced = c.tick
	e.stale = false
	e.err = nil
	notify := c.changedLocked(k, e)
	c.mu.Unlock()

	notify()
}

// Update applies f to the current value. It reports whether the entry
// changed. Unlike Replace, a fetch in flight still overwrites the result.
func (c *Cache) Update(k Key, f UpdateFunc) bool {
	c.mu.Lock()
	e := c.entryLocked(k)
	next, ok := f(e.value, e.has)
	if !ok {
		c.mu.Unlock()
		return false
	}
	c.writeLocked(e, next)
	notify := c.changedLocked(k, e)
	c.mu.Unlock()

	notify()
	return true
}

// Invalidate marks the entry stale so the next read refetches. A fetch
// already in flight does not clear the mark.
func (c *Cache) Invalidate(k Key) {
	c.mu.Lock()
	e := c.entryLocked(k)
	c.tick++
	e.invalidated = c.tick
	e.stale = true
	notify := c.changedLocked(k, e)
	c.mu.Unlock()

	c.log.Debug("invalidated", "key", k)
	notify()
}

// Subscribe registers fn for changes to k. The returned function removes it
// and may be called more than once. fn must not change k synchronously.
func (c *Cache) Subscribe(k Key, fn Listener) func() {
	c.mu.Lock()
	e := c.entryLocked(k)
	c.nextID++
	id := c.nextID
	e.listeners[id] = &listener{fn: fn}
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(e.listeners, id)
			c.mu.Unlock()
		})
	}
}

func (c *Cache) entryLocked(k Key) *entry {
	e, ok := c.entries[k]
	if !ok {
		e = &entry{listeners: make(map[uint64]*listener)}
		c.entries[k] = e
	}
	return e
}

// An entry without a value is always fetched, including after a failed
// first load.
func (c *Cache) needsFetchLocked(e *entry) bool {
	return !e.has || e.stale
}

func (c *Cache) startLocked(k Key, e *entry, fetch FetchFunc) <-chan singleflight.Result {
	if !e.loading {
		e.loading = true
		e.version++
	}
	started := c.tick
	return c.group.DoChan(string(k), func() (any, error) {
		return c.run(k, fetch, started)
	})
}

func (c *Cache) run(k Key, fetch FetchFunc, started uint64) (any, error) {
	c.log.Debug("fetching", "key", k)
	v, err := fetch(c.ctx)

	c.mu.Lock()
	e := c.entryLocked(k)
	// Reads from here on start a new call instead of joining this one.
	c.group.Forget(string(k))
	e.loading = false
	switch {
	case err != nil:
		e.err = err
		c.log.Warn("fetch failed", "key", k, "err", err)
	case e.replaced > started:
		// Replaced while the fetch was in flight.
		v = e.value
		c.log.Debug("discarding outdated fetch", "key", k)
	default:
		c.writeLocked(e, v)
		e.err = nil
		if e.invalidated <= started {
			e.stale = false
		}
	}
	notify := c.changedLocked(k, e)
	c.mu.Unlock()

	notify()
	return v, err
}

func (c *Cache) writeLocked(e *entry, v any) {
	c.tick++
	e.value = v
	e.has = true
	e.updatedAt = c.now()
}

// changedLocked bumps the entry version and returns a function that
// notifies listeners. Call it after releasing the lock.
func (c *Cache) changedLocked(k Key, e *entry) func() {
	e.version++
	snap := e.snapshot(k)
	if len(e.listeners) == 0 {
		return func() {}
	}
	ls := make([]*listener, 0, len(e.listeners))
	for _, l := range e.listeners {
		ls = append(ls, l)
	}
	return func() {
		for _, l := range ls {
			l.deliver(snap)
		}
	}
}

func (e *entry) snapshot(k Key) Snapshot {
	return Snapshot{
		Key:       k,
		Value:     e.value,
		HasValue:  e.has,
		IsLoading: e.loading,
		IsStale:   e.stale,
		Err:       e.err,
		UpdatedAt: e.updatedAt,
		Version:   e.version,
	}
}
