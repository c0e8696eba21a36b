package bridge

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrRegistryClosed is returned by Acquire after Close.
var ErrRegistryClosed = errors.New("subscription registry closed")

// AcquireFunc opens a subscription and returns its release handle.
type AcquireFunc func(ctx context.Context) (Unsubscribe, error)

// Registry ties subscription handles to view identities, so that a view
// holds at most one handle and every handle is released exactly once when
// its view goes away.
type Registry struct {
	log *slog.Logger

	mu      sync.Mutex
	handles map[string]Unsubscribe
	pending map[string]*pendingView
	closed  bool
}

// pendingView tracks an Acquire in progress. released is set when the view
// is released before its handle arrives.
type pendingView struct {
	released bool
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		log:     logger.With("component", "subscriptions"),
		handles: make(map[string]Unsubscribe),
		pending: make(map[string]*pendingView),
	}
}

// Acquire runs acquire for view unless the view already holds a handle or
// is being acquired. It reports whether a new handle was stored. acquire
// runs without the lock held.
func (r *Registry) Acquire(ctx context.Context, view string, acquire AcquireFunc) (bool, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false, ErrRegistryClosed
	}
	if _, ok := r.handles[view]; ok {
		r.mu.Unlock()
		return false, nil
	}
	if p := r.pending[view]; p != nil {
		// Remounted before the first Acquire finished: keep its handle.
		p.released = false
		r.mu.Unlock()
		return false, nil
	}
	p := &pendingView{}
	r.pending[view] = p
	r.mu.Unlock()

	unsub, err := acquire(ctx)

	r.mu.Lock()
	delete(r.pending, view)
	if err != nil {
		r.mu.Unlock()
		return false, err
	}
	release := Once(unsub)
	if r.closed {
		r.mu.Unlock()
		release()
		return false, ErrRegistryClosed
	}
	if p.released {
		r.mu.Unlock()
		release()
		r.log.Debug("view released while subscribing", "view", view)
		return false, nil
	}
	r.handles[view] = release
	r.mu.Unlock()

	r.log.Debug("view subscribed", "view", view)
	return true, nil
}

// Release drops the handle held by view. A view still being acquired has
// its handle released as soon as it arrives. It reports whether a handle
// was held or pending; releasing an unknown or already released view is a
// no-op.
func (r *Registry) Release(view string) bool {
	r.mu.Lock()
	release, ok := r.handles[view]
	delete(r.handles, view)
	if p := r.pending[view]; p != nil && !p.released {
		p.released = true
		r.mu.Unlock()
		return true
	}
	r.mu.Unlock()

	if ok {
		release()
		r.log.Debug("view unsubscribed", "view", view)
	}
	return ok
}

// Held reports whether view currently holds a handle.
func (r *Registry) Held(view string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.handles[view]
	return ok
}

// Len returns the number of live handles.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

// Close releases every handle and rejects further acquisitions.
// Safe to call multiple times.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	handles := r.handles
	r.handles = make(map[string]Unsubscribe)
	r.mu.Unlock()

	for _, release := range handles {
		release()
	}
}
