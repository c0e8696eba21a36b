// Package api exposes the host commands as typed Go calls.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/lobinuxsoft/updateio/apps/hub/bridge"
	"github.com/lobinuxsoft/updateio/pkg/protocol"
)

// ProgressHandler receives one decoded update-progress event.
type ProgressHandler func(protocol.ProgressEvent)

// API is the typed facade over a host bridge. Each call performs exactly one
// invocation.
type API struct {
	bridge bridge.Bridge
	log    *slog.Logger
}

// New creates a facade over b.
func New(b bridge.Bridge, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{bridge: b, log: logger.With("component", "api")}
}

// ListGames returns the installed games in host order.
func (a *API) ListGames(ctx context.Context) ([]protocol.Game, error) {
	var games []protocol.Game
	if err := a.call(ctx, protocol.CmdGetInstalledGames, nil, &games); err != nil {
		return nil, err
	}
	return nonNil(games), nil
}

// RefreshGames asks the host to rescan its libraries and returns the fresh
// list.
func (a *API) RefreshGames(ctx context.Context) ([]protocol.Game, error) {
	var games []protocol.Game
	if err := a.call(ctx, protocol.CmdRefreshGamesList, nil, &games); err != nil {
		return nil, err
	}
	return nonNil(games), nil
}

// CheckGameUpdates reports whether an update is available for the game.
func (a *API) CheckGameUpdates(ctx context.Context, gameID string) (bool, error) {
	var available bool
	err := a.call(ctx, protocol.CmdCheckGameUpdates, bridge.Args{protocol.ArgGameID: gameID}, &available)
	return available, err
}

// UpdateGame starts an update. It returns once the host has accepted the
// request; progress arrives on the update-progress channel.
func (a *API) UpdateGame(ctx context.Context, gameID string) error {
	return a.call(ctx, protocol.CmdUpdateGame, bridge.Args{protocol.ArgGameID: gameID}, nil)
}

// GetSettings returns the persisted settings.
func (a *API) GetSettings(ctx context.Context) (protocol.Settings, error) {
	var s protocol.Settings
	err := a.call(ctx, protocol.CmdGetSettings, nil, &s)
	return s, err
}

// UpdateSettings applies a single-key patch on the host.
func (a *API) UpdateSettings(ctx context.Context, update protocol.SettingsUpdate) error {
	return a.call(ctx, protocol.CmdUpdateSettings, bridge.Args{protocol.ArgUpdate: update}, nil)
}

// SelectDirectory opens the host's native folder picker. A dismissed picker
// yields an error matching bridge.ErrCancelled.
func (a *API) SelectDirectory(ctx context.Context) (string, error) {
	var path string
	err := a.call(ctx, protocol.CmdSelectDirectory, nil, &path)
	return path, err
}

// SubscribeProgress delivers each update-progress payload to handler.
// Payloads that do not decode are logged and dropped.
func (a *API) SubscribeProgress(ctx context.Context, handler ProgressHandler) (bridge.Unsubscribe, error) {
	return a.bridge.Subscribe(ctx, protocol.ChannelUpdateProgress, func(payload json.RawMessage) {
		ev, err := protocol.ParseProgressEvent(payload)
		if err != nil {
			a.log.Warn("dropping progress event", "err", err)
			return
		}
		handler(ev)
	})
}

func (a *API) call(ctx context.Context, command string, args bridge.Args, out any) error {
	raw, err := a.bridge.Invoke(ctx, command, args)
	if err != nil {
		a.log.Debug("invoke failed", "command", command, "err", err)
		return err
	}
	if out == nil || len(raw) == 0 {
		if out != nil {
			return bridge.Malformed(command, fmt.Errorf("empty reply"))
		}
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return bridge.Malformed(command, err)
	}
	return nil
}

func nonNil(games []protocol.Game) []protocol.Game {
	if games == nil {
		return []protocol.Game{}
	}
	return games
}
