// Package reconcile folds update-progress events from the host into the
// cached games list.
package reconcile

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/lobinuxsoft/updateio/apps/hub/api"
	"github.com/lobinuxsoft/updateio/apps/hub/bridge"
	"github.com/lobinuxsoft/updateio/apps/hub/query"
	"github.com/lobinuxsoft/updateio/pkg/protocol"
)

// DefaultUpdateError is shown when a failed update carries no message.
const DefaultUpdateError = "update failed"

// ProgressSource delivers decoded update-progress events.
type ProgressSource interface {
	SubscribeProgress(ctx context.Context, handler api.ProgressHandler) (bridge.Unsubscribe, error)
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithClock overrides the clock used to stamp completed updates.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reconciler) {
		if l != nil {
			r.log = l.With("component", "reconcile")
		}
	}
}

// Reconciler merges progress events into the games entry. It never adds or
// removes games.
type Reconciler struct {
	source ProgressSource
	games  *query.Query[[]protocol.Game]
	now    func() time.Time
	log    *slog.Logger

	applied atomic.Uint64
	dropped atomic.Uint64
}

// New creates a reconciler writing into games.
func New(source ProgressSource, games *query.Query[[]protocol.Game], opts ...Option) *Reconciler {
	r := &Reconciler{
		source: source,
		games:  games,
		now:    time.Now,
		log:    slog.Default().With("component", "reconcile"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Mount subscribes to update-progress. The returned function unsubscribes;
// calls after the first do nothing.
func (r *Reconciler) Mount(ctx context.Context) (bridge.Unsubscribe, error) {
	unsub, err := r.source.SubscribeProgress(ctx, func(ev protocol.ProgressEvent) {
		r.Apply(ev)
	})
	if err != nil {
		return nil, err
	}
	r.log.Debug("mounted")
	return bridge.Once(func() {
		unsub()
		r.log.Debug("unmounted", "applied", r.applied.Load(), "dropped", r.dropped.Load())
	}), nil
}

// Apply merges one event into the cached list. It reports whether a game
// was changed. Events for unknown games, or arriving before the list is
// cached, are dropped.
func (r *Reconciler) Apply(ev protocol.ProgressEvent) bool {
	id := ev.GameID()
	now := r.now()

	changed := r.games.Update(func(games []protocol.Game) ([]protocol.Game, bool) {
		idx := -1
		for i := range games {
			if games[i].ID == id {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil, false
		}
		next := make([]protocol.Game, len(games))
		copy(next, games)
		next[idx] = Merge(games[idx], ev, now)
		return next, true
	})

	if changed {
		r.applied.Add(1)
	} else {
		r.dropped.Add(1)
		r.log.Debug("dropped progress event", "game", id)
	}
	return changed
}

// Stats returns the number of applied and dropped events.
func (r *Reconciler) Stats() (applied, dropped uint64) {
	return r.applied.Load(), r.dropped.Load()
}

// Merge returns g with the event applied. Fields the event does not carry
// are preserved.
func Merge(g protocol.Game, ev protocol.ProgressEvent, now time.Time) protocol.Game {
	switch {
	case ev.Patch != nil:
		return ev.Patch.ApplyTo(g)
	case ev.Progress != nil:
		patch := PatchFromProgress(*ev.Progress, now)
		return patch.ApplyTo(g)
	}
	return g
}

// PatchFromProgress converts a phase event into the equivalent game patch.
func PatchFromProgress(p protocol.UpdateProgress, now time.Time) protocol.GamePatch {
	patch := protocol.GamePatch{ID: p.GameID}

	switch p.Status {
	case protocol.StatusDownloading, protocol.StatusInstalling:
		progress := p.Progress
		patch.UpdateStatus = &protocol.UpdateStatus{IsUpdating: true, Progress: &progress}
	case protocol.StatusComplete:
		stamp := now.UTC().Format(time.RFC3339)
		patch.UpdateStatus = &protocol.UpdateStatus{}
		patch.LastUpdate = &stamp
	case protocol.StatusError:
		msg := p.Message
		if msg == "" {
			msg = DefaultUpdateError
		}
		patch.UpdateStatus = &protocol.UpdateStatus{Error: msg}
	}
	return patch
}
