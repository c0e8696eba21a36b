package main

import (
	"context"

	"github.com/lobinuxsoft/updateio/apps/hub/query"
	"github.com/lobinuxsoft/updateio/apps/hub/views"
	"github.com/lobinuxsoft/updateio/pkg/protocol"
)

// GamesState is the games view as seen by the frontend
type GamesState struct {
	Games        []protocol.Game `json:"games"`
	IsLoading    bool            `json:"isLoading"`
	IsRefreshing bool            `json:"isRefreshing"`
	IsUpdating   bool            `json:"isUpdating"`
	IsChecking   bool            `json:"isChecking"`
	Error        string          `json:"error,omitempty"`
}

// gamesState builds the frontend view from r without scheduling a fetch.
func (a *App) gamesState(r query.Result[[]protocol.Game]) GamesState {
	g := a.session.Games
	state := GamesState{
		Games:        r.Data,
		IsLoading:    r.IsLoading && !r.HasData,
		IsRefreshing: g.IsRefreshing(),
		IsUpdating:   g.IsUpdating(),
		IsChecking:   g.IsChecking(),
	}
	if state.Games == nil {
		state.Games = []protocol.Game{}
	}
	if r.Err != nil {
		state.Error = r.Err.Error()
	}
	return state
}

// GetGames returns the cached games list, loading it on first use. While
// disconnected the last known list is returned.
func (a *App) GetGames() (GamesState, error) {
	g := a.session.Games
	if err := a.connected(); err != nil {
		r := g.Query().Get()
		if !r.HasData {
			return a.gamesState(r), err
		}
		return a.gamesState(r), nil
	}
	if _, err := g.Load(a.ctx); err != nil {
		a.log.Warn("failed to load games", "err", err)
	}
	return a.gamesState(g.Query().Get()), nil
}

// RefreshGames asks the host to rescan its libraries
func (a *App) RefreshGames() (GamesState, error) {
	if err := a.connected(); err != nil {
		return a.gamesState(a.session.Games.Query().Get()), err
	}
	_, err := a.session.Games.Refresh(a.ctx)
	return a.gamesState(a.session.Games.Query().Get()), err
}

// CheckGameUpdates reports whether the host sees an update for gameID
func (a *App) CheckGameUpdates(gameID string) (bool, error) {
	if err := a.connected(); err != nil {
		return false, err
	}
	return a.session.Games.CheckUpdates(a.ctx, gameID)
}

// UpdateGame starts an update for gameID. Progress arrives as
// games:changed events while a games view is mounted.
func (a *App) UpdateGame(gameID string) error {
	if err := a.connected(); err != nil {
		return err
	}
	return a.session.Games.UpdateGame(a.ctx, gameID)
}

// CheckAndUpdateGame checks gameID and starts an update when one exists.
// It reports whether an update was started.
func (a *App) CheckAndUpdateGame(gameID string) (bool, error) {
	if err := a.connected(); err != nil {
		return false, err
	}
	return a.session.Games.CheckAndUpdate(a.ctx, gameID)
}

// MountGamesView starts live progress for a games view. The view stays
// subscribed across reconnects until it is unmounted.
func (a *App) MountGamesView(viewID string) error {
	return a.session.Games.Mount(context.WithoutCancel(a.ctx), viewID)
}

// UnmountGamesView stops live progress for a games view
func (a *App) UnmountGamesView(viewID string) {
	a.session.Games.Unmount(viewID)
}

// GetDashboard returns the dashboard summary. While disconnected it is
// computed from the last known list.
func (a *App) GetDashboard() (views.Summary, error) {
	if a.connected() != nil {
		return a.session.Dashboard.Cached(), nil
	}
	return a.session.Dashboard.Summary(), nil
}
