package views

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/lobinuxsoft/updateio/apps/hub/api"
	"github.com/lobinuxsoft/updateio/apps/hub/bridge"
	"github.com/lobinuxsoft/updateio/apps/hub/mutation"
	"github.com/lobinuxsoft/updateio/apps/hub/query"
	"github.com/lobinuxsoft/updateio/pkg/protocol"
)

// Selection is the outcome of a directory pick. OK is false when the user
// dismissed the picker.
type Selection struct {
	Path string
	OK   bool
}

// Settings is the settings screen binding.
type Settings struct {
	api   *api.API
	query *query.Query[protocol.Settings]
	log   *slog.Logger

	update    *mutation.Mutation[protocol.SettingsUpdate, struct{}]
	selectDir *mutation.Mutation[struct{}, Selection]
}

// NewSettings creates the binding.
func NewSettings(a *api.API, cache *query.Cache, opts ...Option) *Settings {
	o := buildOptions(opts)
	log := o.log.With("component", "settings")

	s := &Settings{
		api:   a,
		query: SettingsQuery(a, cache),
		log:   log,
	}

	s.update = mutation.New(func(ctx context.Context, u protocol.SettingsUpdate) (struct{}, error) {
		return struct{}{}, a.UpdateSettings(ctx, u)
	}, mutation.Options[protocol.SettingsUpdate, struct{}]{
		Name:     "update_settings",
		Logger:   o.log,
		OnChange: o.onChange,
		OnSuccess: func(_ struct{}, u protocol.SettingsUpdate) {
			log.Info("setting updated", "key", u.Key)
			s.query.Invalidate()
		},
	})

	s.selectDir = mutation.New(func(ctx context.Context, _ struct{}) (Selection, error) {
		path, err := a.SelectDirectory(ctx)
		if bridge.IsCancelled(err) {
			return Selection{}, nil
		}
		if err != nil {
			return Selection{}, err
		}
		return Selection{Path: path, OK: true}, nil
	}, mutation.Options[struct{}, Selection]{
		Name:     "select_directory",
		Logger:   o.log,
		OnChange: o.onChange,
	})

	return s
}

// SettingsQuery returns the typed handle for the settings entry.
func SettingsQuery(a *api.API, cache *query.Cache) *query.Query[protocol.Settings] {
	return query.NewQuery(cache, query.KeySettings, a.GetSettings)
}

// Query exposes the settings entry.
func (s *Settings) Query() *query.Query[protocol.Settings] { return s.query }

// Settings returns the cached settings. ok is false before the first load.
func (s *Settings) Settings() (protocol.Settings, bool) {
	r := s.query.Read()
	return r.Data, r.HasData
}

// IsLoading reports whether the first load is in progress.
func (s *Settings) IsLoading() bool {
	r := s.query.Read()
	return r.IsLoading && !r.HasData
}

// Err returns the error of the last failed load.
func (s *Settings) Err() error {
	return s.query.Get().Err
}

// Load waits for the settings, fetching them if needed.
func (s *Settings) Load(ctx context.Context) (protocol.Settings, error) {
	return s.query.Fetch(ctx)
}

// UpdateSettings validates u and sends it to the host. On success the
// settings entry is refetched on next read. An invalid update is rejected
// before any host call.
func (s *Settings) UpdateSettings(ctx context.Context, u protocol.SettingsUpdate) error {
	if err := u.Validate(); err != nil {
		return err
	}
	_, err := s.update.Trigger(ctx, u)
	return err
}

// Set encodes value for key and applies it.
func (s *Settings) Set(ctx context.Context, key protocol.SettingsKey, value any) error {
	u, err := protocol.NewSettingsUpdate(key, value)
	if err != nil {
		return err
	}
	return s.UpdateSettings(ctx, u)
}

// IsUpdating reports whether an update is running.
func (s *Settings) IsUpdating() bool { return s.update.IsPending() }

// SelectDirectory opens the host's folder picker. A dismissed picker
// returns ok=false and no error.
func (s *Settings) SelectDirectory(ctx context.Context) (path string, ok bool, err error) {
	sel, err := s.selectDir.Trigger(ctx, struct{}{})
	return sel.Path, sel.OK, err
}

// IsSelecting reports whether the picker is open.
func (s *Settings) IsSelecting() bool { return s.selectDir.IsPending() }

// PickLibraryPath lets the user pick the library root for platform and
// stores it, keeping the other storefront's path.
func (s *Settings) PickLibraryPath(ctx context.Context, platform protocol.Platform) (string, bool, error) {
	if !platform.Valid() {
		return "", false, fmt.Errorf("unknown platform %q", platform)
	}

	path, ok, err := s.SelectDirectory(ctx)
	if err != nil || !ok {
		return "", false, err
	}

	current, err := s.query.Fetch(ctx)
	if err != nil {
		return "", false, fmt.Errorf("failed to load settings: %w", err)
	}

	if err := s.Set(ctx, protocol.KeyPaths, current.Paths.With(platform, path)); err != nil {
		return "", false, err
	}
	return path, true, nil
}
