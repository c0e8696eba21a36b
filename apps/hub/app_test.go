package main

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lobinuxsoft/updateio/apps/hub/config"
	"github.com/lobinuxsoft/updateio/apps/hub/session"
	"github.com/lobinuxsoft/updateio/apps/hub/wsclient"
	"github.com/lobinuxsoft/updateio/internal/hosttest"
	"github.com/lobinuxsoft/updateio/pkg/protocol"
)

type emitted struct {
	mu     sync.Mutex
	events map[string][]interface{}
}

func (e *emitted) emit(_ context.Context, name string, data ...interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.events == nil {
		e.events = make(map[string][]interface{})
	}
	var payload interface{}
	if len(data) > 0 {
		payload = data[0]
	}
	e.events[name] = append(e.events[name], payload)
}

func (e *emitted) count(name string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.events[name])
}

func (e *emitted) all(name string) []interface{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]interface{}(nil), e.events[name]...)
}

func (e *emitted) last(name string) interface{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	list := e.events[name]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

func newTestApp(t *testing.T, host *hosttest.Host) (*App, *emitted) {
	t.Helper()

	cfg, err := config.NewManagerAt(t.TempDir())
	require.NoError(t, err)

	rec := &emitted{}
	app := NewApp(cfg, nil)
	app.emit = rec.emit
	app.dial = func(ctx context.Context, opts session.Options) (*wsclient.Client, error) {
		opts.URL = host.URL()
		return session.Dial(ctx, opts)
	}
	t.Cleanup(func() { app.shutdown(context.Background()) })
	return app, rec
}

// waitLoaded waits until the games entry holds a fresh list.
func waitLoaded(t *testing.T, app *App) {
	t.Helper()
	require.Eventually(t, func() bool {
		r := app.session.Games.Query().Get()
		return r.HasData && !r.IsStale && !r.IsLoading
	}, 5*time.Second, 10*time.Millisecond)
}

func newLibraryHost(t *testing.T) *hosttest.Host {
	host := hosttest.New(t)
	host.Reply(protocol.CmdGetInstalledGames, []protocol.Game{
		{ID: "g1", Name: "Alpha", Platform: protocol.PlatformSteam, InstallPath: "/a"},
		{ID: "g2", Name: "Beta", Platform: protocol.PlatformEpic, InstallPath: "/b"},
	})
	host.Reply(protocol.CmdGetSettings, protocol.Settings{CheckInterval: 60})
	host.Reply(protocol.CmdUpdateSettings, nil)
	return host
}

func TestApp_NotConnected(t *testing.T) {
	app, _ := newTestApp(t, hosttest.New(t))

	_, err := app.GetGames()
	assert.ErrorIs(t, err, errNotConnected)
	_, err = app.GetSettings()
	assert.ErrorIs(t, err, errNotConnected)
	assert.ErrorIs(t, app.UpdateGame("g1"), errNotConnected)
	assert.False(t, app.GetConnectionStatus().Connected)
}

func TestApp_ConnectLoadsAndEmits(t *testing.T) {
	host := newLibraryHost(t)
	app, rec := newTestApp(t, host)

	require.NoError(t, app.Connect())

	status := app.GetConnectionStatus()
	assert.True(t, status.Connected)
	assert.Equal(t, "test-host", status.HostName)
	assert.Equal(t, host.URL(), status.URL)
	assert.GreaterOrEqual(t, rec.count(EventConnectionChanged), 2)

	require.Eventually(t, func() bool {
		state, ok := rec.last(EventGamesChanged).(GamesState)
		return ok && len(state.Games) == 2
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		state, ok := rec.last(EventSettingsChanged).(SettingsState)
		return ok && state.Settings != nil
	}, 5*time.Second, 10*time.Millisecond)

	games, err := app.GetGames()
	require.NoError(t, err)
	assert.Len(t, games.Games, 2)

	summary, err := app.GetDashboard()
	require.NoError(t, err)
	assert.Equal(t, 2, summary.TotalGames)

	assert.Equal(t, 1, host.Calls(protocol.CmdGetInstalledGames))
}

func TestApp_ConnectTwiceKeepsSession(t *testing.T) {
	host := newLibraryHost(t)
	app, _ := newTestApp(t, host)

	require.NoError(t, app.Connect())
	require.NoError(t, app.Connect())
	assert.True(t, app.GetConnectionStatus().Connected)
}

func TestApp_ConnectFailure(t *testing.T) {
	app, rec := newTestApp(t, hosttest.New(t))
	app.dial = func(context.Context, session.Options) (*wsclient.Client, error) {
		return nil, errors.New("discovery failed: no host found")
	}

	require.Error(t, app.Connect())

	status := app.GetConnectionStatus()
	assert.False(t, status.Connected)
	assert.False(t, status.Connecting)
	assert.Contains(t, status.Error, "no host found")

	last, ok := rec.last(EventConnectionChanged).(ConnectionStatus)
	require.True(t, ok)
	assert.NotEmpty(t, last.Error)
}

func TestApp_HostDisconnectKeepsCache(t *testing.T) {
	host := newLibraryHost(t)
	app, rec := newTestApp(t, host)
	require.NoError(t, app.Connect())
	waitLoaded(t, app)

	host.Disconnect()

	require.Eventually(t, func() bool {
		return !app.GetConnectionStatus().Connected
	}, 5*time.Second, 10*time.Millisecond)

	games, err := app.GetGames()
	require.NoError(t, err)
	assert.Len(t, games.Games, 2)
	settings, err := app.GetSettings()
	require.NoError(t, err)
	require.NotNil(t, settings.Settings)
	assert.Equal(t, 60, settings.Settings.CheckInterval)
	summary, err := app.GetDashboard()
	require.NoError(t, err)
	assert.Equal(t, 2, summary.TotalGames)

	assert.ErrorIs(t, app.UpdateGame("g1"), errNotConnected)

	last, ok := rec.last(EventConnectionChanged).(ConnectionStatus)
	require.True(t, ok)
	assert.False(t, last.Connected)
}

func TestApp_MountedViewSurvivesReconnect(t *testing.T) {
	host := newLibraryHost(t)
	app, _ := newTestApp(t, host)
	require.NoError(t, app.Connect())
	waitLoaded(t, app)
	require.NoError(t, app.MountGamesView("library"))

	host.Disconnect()
	require.Eventually(t, func() bool {
		return !app.GetConnectionStatus().Connected
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, app.Connect())
	// The list is refetched after reconnecting.
	require.Eventually(t, func() bool {
		return host.Calls(protocol.CmdGetInstalledGames) >= 2
	}, 5*time.Second, 10*time.Millisecond)
	waitLoaded(t, app)

	require.NoError(t, host.Push(protocol.ChannelUpdateProgress, protocol.UpdateProgress{GameID: "g1", Progress: 25, Status: protocol.StatusDownloading}))

	require.Eventually(t, func() bool {
		summary, err := app.GetDashboard()
		return err == nil && len(summary.ActiveUpdates) == 1 && summary.ActiveUpdates[0].Progress == 25
	}, 5*time.Second, 10*time.Millisecond)
}

func TestApp_MutationStateIsPushed(t *testing.T) {
	host := newLibraryHost(t)
	host.Reply(protocol.CmdCheckGameUpdates, true)
	app, rec := newTestApp(t, host)
	require.NoError(t, app.Connect())
	waitLoaded(t, app)

	available, err := app.CheckGameUpdates("g1")
	require.NoError(t, err)
	assert.True(t, available)

	sawChecking := false
	for _, ev := range rec.all(EventGamesChanged) {
		if state, ok := ev.(GamesState); ok && state.IsChecking {
			sawChecking = true
		}
	}
	assert.True(t, sawChecking, "a running check is pushed")

	last, ok := rec.last(EventGamesChanged).(GamesState)
	require.True(t, ok)
	assert.False(t, last.IsChecking, "the settled check is pushed")
	assert.Len(t, last.Games, 2)
}

func TestApp_UpdateSetting(t *testing.T) {
	host := newLibraryHost(t)
	app, _ := newTestApp(t, host)
	require.NoError(t, app.Connect())

	require.NoError(t, app.UpdateSetting("autoUpdate", true))
	assert.JSONEq(t, `{"update":{"key":"autoUpdate","value":true}}`, string(host.LastArgs(protocol.CmdUpdateSettings)))

	assert.Error(t, app.UpdateSetting("checkInterval", "soon"))
	assert.Error(t, app.UpdateSetting("theme", "dark"))
	assert.Equal(t, 1, host.Calls(protocol.CmdUpdateSettings))
}

func TestApp_PickLibraryPathDismissed(t *testing.T) {
	host := newLibraryHost(t)
	host.Handle(protocol.CmdSelectDirectory, func(json.RawMessage) (any, error) {
		return nil, hosttest.Fail(protocol.WSErrCodeCancelled, "cancelled")
	})
	app, _ := newTestApp(t, host)
	require.NoError(t, app.Connect())

	sel, err := app.PickLibraryPath("steam")
	require.NoError(t, err)
	assert.False(t, sel.Selected)
	assert.Equal(t, 0, host.Calls(protocol.CmdUpdateSettings))
}

func TestApp_MountGamesView(t *testing.T) {
	host := newLibraryHost(t)
	app, _ := newTestApp(t, host)
	require.NoError(t, app.Connect())

	_, err := app.GetGames()
	require.NoError(t, err)
	require.NoError(t, app.MountGamesView("library"))

	require.NoError(t, host.Push(protocol.ChannelUpdateProgress, protocol.UpdateProgress{GameID: "g2", Progress: 40, Status: protocol.StatusDownloading}))

	require.Eventually(t, func() bool {
		summary, err := app.GetDashboard()
		return err == nil && len(summary.ActiveUpdates) == 1
	}, 5*time.Second, 10*time.Millisecond)

	app.UnmountGamesView("library")
}

func TestApp_ReconnectsWhenHostChanges(t *testing.T) {
	first := newLibraryHost(t)
	second := newLibraryHost(t)
	second.Name = "second-host"

	app, _ := newTestApp(t, first)
	app.dial = func(ctx context.Context, opts session.Options) (*wsclient.Client, error) {
		opts.URL = first.URL()
		if opts.Host == "second" {
			opts.URL = second.URL()
		}
		return session.Dial(ctx, opts)
	}
	require.NoError(t, app.Connect())
	assert.Equal(t, "test-host", app.GetConnectionStatus().HostName)

	prev := app.cfg.GetConfig()
	require.NoError(t, app.cfg.SetHost("second", 41000))
	app.onConfigChange(prev, app.cfg.GetConfig())

	status := app.GetConnectionStatus()
	assert.True(t, status.Connected)
	assert.Equal(t, "second-host", status.HostName)

	// Unrelated changes keep the session.
	same := app.cfg.GetConfig()
	changed := same
	changed.LogLevel = "debug"
	app.onConfigChange(same, changed)
	assert.Equal(t, "second-host", app.GetConnectionStatus().HostName)
}
