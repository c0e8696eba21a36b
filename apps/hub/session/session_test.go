package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lobinuxsoft/updateio/apps/hub/bridge"
	"github.com/lobinuxsoft/updateio/internal/hosttest"
	"github.com/lobinuxsoft/updateio/pkg/protocol"
)

func TestResolveURL(t *testing.T) {
	url, err := ResolveURL(context.Background(), Options{URL: "ws://x/ws", Host: "ignored"})
	require.NoError(t, err)
	assert.Equal(t, "ws://x/ws", url)

	url, err = ResolveURL(context.Background(), Options{Host: "10.0.0.2", Port: 41000})
	require.NoError(t, err)
	assert.Equal(t, "ws://10.0.0.2:41000/ws", url)

	_, err = ResolveURL(context.Background(), Options{Host: "10.0.0.2"})
	assert.Error(t, err)
}

func TestOpenAndWarm(t *testing.T) {
	host := hosttest.New(t)
	host.Reply(protocol.CmdGetInstalledGames, []protocol.Game{{ID: "g1", Name: "A", Platform: protocol.PlatformSteam, InstallPath: "/a"}})
	host.Reply(protocol.CmdGetSettings, protocol.Settings{AutoUpdate: true, CheckInterval: 30})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := Open(ctx, Options{URL: host.URL(), HubName: "session-test"})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Warm(ctx))
	assert.Equal(t, "session-test", host.Hello().Name)

	assert.Len(t, s.Games.Games(), 1)
	settings, ok := s.Settings.Settings()
	require.True(t, ok)
	assert.Equal(t, 30, settings.CheckInterval)
	assert.Equal(t, 1, s.Dashboard.Summary().TotalGames)

	assert.Equal(t, 1, host.Calls(protocol.CmdGetInstalledGames))
	assert.Equal(t, 1, host.Calls(protocol.CmdGetSettings))
}

func TestWarm_ReportsFailure(t *testing.T) {
	host := hosttest.New(t)
	host.Reply(protocol.CmdGetInstalledGames, []protocol.Game{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := Open(ctx, Options{URL: host.URL()})
	require.NoError(t, err)
	defer s.Close()

	// get_settings has no handler on this host.
	assert.Error(t, s.Warm(ctx))
}

func TestEventsReachMountedGamesView(t *testing.T) {
	host := hosttest.New(t)
	host.Reply(protocol.CmdGetInstalledGames, []protocol.Game{{ID: "g1", Name: "A"}})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := Open(ctx, Options{URL: host.URL()})
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Games.Load(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Games.Mount(ctx, "games"))

	require.NoError(t, host.Push(protocol.ChannelUpdateProgress, protocol.UpdateProgress{GameID: "g1", Progress: 70, Status: protocol.StatusInstalling}))

	require.Eventually(t, func() bool {
		g := s.Games.Games()[0]
		return g.UpdateStatus != nil && g.UpdateStatus.Progress != nil && *g.UpdateStatus.Progress == 70
	}, 5*time.Second, 10*time.Millisecond)
	assert.Len(t, s.Dashboard.Summary().ActiveUpdates, 1)
}

func TestAttachSwapsClientAndKeepsState(t *testing.T) {
	first := hosttest.New(t)
	first.Reply(protocol.CmdGetInstalledGames, []protocol.Game{{ID: "g1", Name: "A"}})
	second := hosttest.New(t)
	second.Reply(protocol.CmdGetInstalledGames, []protocol.Game{{ID: "g1", Name: "A"}})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s := New(Options{})
	defer s.Close()

	c1, err := Dial(ctx, Options{URL: first.URL()})
	require.NoError(t, err)
	require.NoError(t, s.Attach(ctx, c1))
	_, err = s.Games.Load(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Games.Mount(ctx, "games"))

	c2, err := Dial(ctx, Options{URL: second.URL()})
	require.NoError(t, err)
	require.NoError(t, s.Attach(ctx, c2))

	assert.False(t, c1.IsConnected(), "the replaced client is closed")
	assert.False(t, s.Detach(c1))
	assert.Same(t, c2, s.Client())
	assert.True(t, s.Games.Query().Get().IsStale, "cached entries are refetched after a swap")
	assert.True(t, s.Games.Mounted("games"))

	_, err = s.Games.Load(ctx)
	require.NoError(t, err)
	require.NoError(t, second.Push(protocol.ChannelUpdateProgress, protocol.UpdateProgress{GameID: "g1", Progress: 55, Status: protocol.StatusInstalling}))
	require.Eventually(t, func() bool {
		g := s.Games.Query().Get().Data[0]
		return g.UpdateStatus != nil && g.UpdateStatus.Progress != nil && *g.UpdateStatus.Progress == 55
	}, 5*time.Second, 10*time.Millisecond)

	assert.True(t, s.Detach(c2))
	assert.False(t, s.Connected())
	assert.Len(t, s.Games.Games(), 1, "the list stays cached while detached")
}

func TestDetachedSessionFailsUnreachable(t *testing.T) {
	s := New(Options{})
	defer s.Close()

	_, err := s.Games.Refresh(context.Background())
	assert.ErrorIs(t, err, bridge.ErrUnreachable)
}
