// Package views binds the cache, mutations and event reconciler into the
// per-screen state the hub UI renders.
package views

import (
	"context"
	"log/slog"
	"time"

	"github.com/lobinuxsoft/updateio/apps/hub/api"
	"github.com/lobinuxsoft/updateio/apps/hub/bridge"
	"github.com/lobinuxsoft/updateio/apps/hub/mutation"
	"github.com/lobinuxsoft/updateio/apps/hub/query"
	"github.com/lobinuxsoft/updateio/apps/hub/reconcile"
	"github.com/lobinuxsoft/updateio/pkg/protocol"
)

// Option configures a binding.
type Option func(*options)

type options struct {
	log      *slog.Logger
	now      func() time.Time
	onChange func()
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithOnChange sets a hook run whenever one of the binding's pending or
// error flags changes. Cache changes are reported by the cache itself.
func WithOnChange(fn func()) Option {
	return func(o *options) { o.onChange = fn }
}

func buildOptions(opts []Option) options {
	o := options{log: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Games is the games screen binding.
type Games struct {
	api   *api.API
	query *query.Query[[]protocol.Game]
	rec   *reconcile.Reconciler
	subs  *bridge.Registry
	log   *slog.Logger

	refresh *mutation.Mutation[struct{}, []protocol.Game]
	update  *mutation.Mutation[string, struct{}]
	check   *mutation.Mutation[string, bool]
}

// NewGames creates the binding. Bindings sharing cache share the games
// entry.
func NewGames(a *api.API, cache *query.Cache, opts ...Option) *Games {
	o := buildOptions(opts)
	log := o.log.With("component", "games")

	g := &Games{
		api:   a,
		query: GamesQuery(a, cache),
		subs:  bridge.NewRegistry(o.log),
		log:   log,
	}
	g.rec = reconcile.New(a, g.query, reconcile.WithClock(o.now), reconcile.WithLogger(o.log))

	g.refresh = mutation.New(func(ctx context.Context, _ struct{}) ([]protocol.Game, error) {
		return a.RefreshGames(ctx)
	}, mutation.Options[struct{}, []protocol.Game]{
		Name:      "refresh_games",
		Logger:    o.log,
		OnChange:  o.onChange,
		OnSuccess: func(games []protocol.Game, _ struct{}) { g.query.Replace(games) },
	})

	g.update = mutation.New(func(ctx context.Context, id string) (struct{}, error) {
		return struct{}{}, a.UpdateGame(ctx, id)
	}, mutation.Options[string, struct{}]{
		Name:      "update_game",
		Logger:    o.log,
		OnChange:  o.onChange,
		OnSuccess: func(struct{}, string) { g.query.Invalidate() },
	})

	g.check = mutation.New(a.CheckGameUpdates, mutation.Options[string, bool]{
		Name:     "check_game_updates",
		Logger:   o.log,
		OnChange: o.onChange,
	})

	return g
}

// GamesQuery returns the typed handle for the games entry.
func GamesQuery(a *api.API, cache *query.Cache) *query.Query[[]protocol.Game] {
	return query.NewQuery(cache, query.KeyGames, a.ListGames)
}

// Query exposes the games entry.
func (g *Games) Query() *query.Query[[]protocol.Game] { return g.query }

// Games returns the cached list, or an empty list before the first load.
func (g *Games) Games() []protocol.Game {
	r := g.query.Read()
	if r.Data == nil {
		return []protocol.Game{}
	}
	return r.Data
}

// IsLoading reports whether the first load is in progress.
func (g *Games) IsLoading() bool {
	r := g.query.Read()
	return r.IsLoading && !r.HasData
}

// Err returns the error of the last failed load, if the list has not loaded
// successfully since.
func (g *Games) Err() error {
	return g.query.Get().Err
}

// Load waits for the games list, fetching it if needed.
func (g *Games) Load(ctx context.Context) ([]protocol.Game, error) {
	return g.query.Fetch(ctx)
}

// Refresh asks the host to rescan and stores the returned list.
func (g *Games) Refresh(ctx context.Context) ([]protocol.Game, error) {
	return g.refresh.Trigger(ctx, struct{}{})
}

// IsRefreshing reports whether a refresh is running.
func (g *Games) IsRefreshing() bool { return g.refresh.IsPending() }

// UpdateGame starts an update. The games list is refetched on success;
// progress arrives through the mounted reconciler.
func (g *Games) UpdateGame(ctx context.Context, id string) error {
	_, err := g.update.Trigger(ctx, id)
	return err
}

// IsUpdating reports whether an update request is running.
func (g *Games) IsUpdating() bool { return g.update.IsPending() }

// CheckUpdates reports whether the game has an update available.
func (g *Games) CheckUpdates(ctx context.Context, id string) (bool, error) {
	return g.check.Trigger(ctx, id)
}

// IsChecking reports whether a check is running.
func (g *Games) IsChecking() bool { return g.check.IsPending() }

// CheckAndUpdate checks the game and starts an update only when one is
// available. It reports whether an update was started.
func (g *Games) CheckAndUpdate(ctx context.Context, id string) (bool, error) {
	available, err := g.CheckUpdates(ctx, id)
	if err != nil {
		return false, err
	}
	if !available {
		g.log.Info("game is up to date", "game", id)
		return false, nil
	}
	if err := g.UpdateGame(ctx, id); err != nil {
		return false, err
	}
	return true, nil
}

// Mount attaches the event subscription for view. Mounting a view twice
// keeps one subscription.
func (g *Games) Mount(ctx context.Context, view string) error {
	_, err := g.subs.Acquire(ctx, view, g.rec.Mount)
	return err
}

// Unmount releases the subscription held by view. Requests already sent
// are not cancelled.
func (g *Games) Unmount(view string) {
	g.subs.Release(view)
}

// Mounted reports whether view holds a subscription.
func (g *Games) Mounted(view string) bool {
	return g.subs.Held(view)
}

// Close releases every view subscription.
func (g *Games) Close() {
	g.subs.Close()
}
