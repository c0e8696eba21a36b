package main

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/wailsapp/wails/v2/pkg/runtime"

	"github.com/lobinuxsoft/updateio/apps/hub/config"
	"github.com/lobinuxsoft/updateio/apps/hub/query"
	"github.com/lobinuxsoft/updateio/apps/hub/session"
	"github.com/lobinuxsoft/updateio/apps/hub/wsclient"
	"github.com/lobinuxsoft/updateio/pkg/protocol"
	"github.com/lobinuxsoft/updateio/pkg/version"
)

// Events pushed to the frontend.
const (
	EventGamesChanged      = "games:changed"
	EventSettingsChanged   = "settings:changed"
	EventConnectionChanged = "connection:changed"
)

var errNotConnected = errors.New("not connected to the Update.io host")

// emitFunc matches runtime.EventsEmit.
type emitFunc func(ctx context.Context, eventName string, optionalData ...interface{})

// dialFunc matches session.Dial.
type dialFunc func(ctx context.Context, opts session.Options) (*wsclient.Client, error)

// App struct holds the application state
type App struct {
	ctx  context.Context
	cfg  *config.Manager
	log  *slog.Logger
	emit emitFunc
	dial dialFunc

	// session lives as long as the app; connections come and go under it.
	session *session.Session
	detach  []func()

	mu         sync.RWMutex
	connecting bool
	lastError  string
}

// NewApp creates a new App application struct
func NewApp(cfg *config.Manager, logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{
		ctx:  context.Background(),
		cfg:  cfg,
		log:  logger.With("component", "app"),
		emit: runtime.EventsEmit,
		dial: session.Dial,
	}
	a.session = session.New(session.Options{
		Logger:           logger,
		OnGamesChange:    a.emitGames,
		OnSettingsChange: a.emitSettings,
	})

	s := a.session
	a.detach = []func(){
		s.Games.Query().Subscribe(func(r query.Result[[]protocol.Game]) {
			a.emit(a.ctx, EventGamesChanged, a.gamesState(r))
		}),
		s.Settings.Query().Subscribe(func(r query.Result[protocol.Settings]) {
			a.emit(a.ctx, EventSettingsChanged, a.settingsState(r))
		}),
	}
	return a
}

// startup is called when the app starts
func (a *App) startup(ctx context.Context) {
	a.ctx = ctx
	if err := a.cfg.Watch(ctx, a.log, a.onConfigChange); err != nil {
		a.log.Warn("config changes on disk will not be picked up", "err", err)
	}
	go func() {
		if err := a.Connect(); err != nil {
			a.log.Warn("initial connection failed", "err", err)
		}
	}()
}

// shutdown is called when the app is closing
func (a *App) shutdown(ctx context.Context) {
	for _, fn := range a.detach {
		fn()
	}
	a.session.Close()
}

// GetVersion returns build information for the about box.
func (a *App) GetVersion() version.Info {
	return version.GetInfo()
}

// connected returns errNotConnected while no host connection is live.
func (a *App) connected() error {
	if !a.session.Connected() {
		return errNotConnected
	}
	return nil
}

func (a *App) emitGames() {
	a.emit(a.ctx, EventGamesChanged, a.gamesState(a.session.Games.Query().Get()))
}

func (a *App) emitSettings() {
	a.emit(a.ctx, EventSettingsChanged, a.settingsState(a.session.Settings.Query().Get()))
}

func (a *App) emitConnection() {
	a.emit(a.ctx, EventConnectionChanged, a.GetConnectionStatus())
}
