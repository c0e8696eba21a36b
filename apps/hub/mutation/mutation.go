// Package mutation runs host side effects and tracks their pending state
// for the views.
package mutation

import (
	"context"
	"log/slog"
	"sync"
)

// Func performs the side effect.
type Func[A, R any] func(ctx context.Context, args A) (R, error)

// Options holds the hooks. All are optional.
type Options[A, R any] struct {
	// Name labels log lines.
	Name string

	// OnSuccess runs after a successful call and before IsPending reports
	// false for it.
	OnSuccess func(result R, args A)

	// OnError runs after a failed call.
	OnError func(err error, args A)

	// OnChange runs after IsPending or Err changed, without locks held.
	OnChange func()

	Logger *slog.Logger
}

// Mutation wraps a Func. Calls may overlap; each returns its own result,
// while IsPending and Err follow the most recently started call.
type Mutation[A, R any] struct {
	fn   Func[A, R]
	opts Options[A, R]
	log  *slog.Logger

	mu      sync.Mutex
	seq     uint64
	pending bool
	err     error
}

// New creates a mutation.
func New[A, R any](fn Func[A, R], opts Options[A, R]) *Mutation[A, R] {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Mutation[A, R]{
		fn:   fn,
		opts: opts,
		log:  logger.With("component", "mutation", "mutation", opts.Name),
	}
}

// Trigger runs the side effect and its hooks. It is never retried.
func (m *Mutation[A, R]) Trigger(ctx context.Context, args A) (R, error) {
	m.mu.Lock()
	m.seq++
	mine := m.seq
	m.pending = true
	m.mu.Unlock()
	m.changed()

	result, err := m.fn(ctx, args)
	if err != nil {
		m.log.Debug("failed", "err", err)
		if m.opts.OnError != nil {
			m.opts.OnError(err, args)
		}
	} else if m.opts.OnSuccess != nil {
		m.opts.OnSuccess(result, args)
	}

	m.mu.Lock()
	latest := mine == m.seq
	if latest {
		m.pending = false
		m.err = err
	}
	m.mu.Unlock()
	if latest {
		m.changed()
	}

	return result, err
}

func (m *Mutation[A, R]) changed() {
	if m.opts.OnChange != nil {
		m.opts.OnChange()
	}
}

// IsPending reports whether the most recently started call is running.
func (m *Mutation[A, R]) IsPending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending
}

// Err returns the error of the most recent call once it has finished.
func (m *Mutation[A, R]) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Reset clears the error and stops tracking any call in flight. The call
// itself keeps running.
func (m *Mutation[A, R]) Reset() {
	m.mu.Lock()
	m.seq++
	m.pending = false
	m.err = nil
	m.mu.Unlock()
	m.changed()
}
