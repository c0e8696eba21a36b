package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lobinuxsoft/updateio/apps/hub/api"
	"github.com/lobinuxsoft/updateio/apps/hub/query"
	"github.com/lobinuxsoft/updateio/internal/hosttest"
	"github.com/lobinuxsoft/updateio/pkg/protocol"
)

var fixedNow = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

type fixture struct {
	bridge *hosttest.Bridge
	games  *query.Query[[]protocol.Game]
	rec    *Reconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	b := hosttest.NewBridge()
	cache := query.New()
	t.Cleanup(cache.Close)

	a := api.New(b, nil)
	games := query.NewQuery(cache, query.KeyGames, a.ListGames)
	return &fixture{
		bridge: b,
		games:  games,
		rec:    New(a, games, WithClock(func() time.Time { return fixedNow })),
	}
}

func (f *fixture) emit(payload any) {
	f.bridge.Emit(protocol.ChannelUpdateProgress, payload)
}

func baseGames() []protocol.Game {
	return []protocol.Game{
		{ID: "g1", Name: "A", Platform: protocol.PlatformSteam, InstallPath: "/a", LastUpdate: "2024-06-01T12:00:00Z"},
		{ID: "g2", Name: "B", Platform: protocol.PlatformEpic, InstallPath: "/b"},
	}
}

func TestProgressMerge(t *testing.T) {
	f := newFixture(t)
	f.games.Replace(baseGames())
	release, err := f.rec.Mount(context.Background())
	require.NoError(t, err)
	defer release()

	f.emit(map[string]any{"id": "g1", "updateStatus": map[string]any{"isUpdating": true, "progress": 42}})

	games := f.games.Get().Data
	require.Len(t, games, 2)
	g := games[0]
	require.NotNil(t, g.UpdateStatus)
	assert.True(t, g.UpdateStatus.IsUpdating)
	require.NotNil(t, g.UpdateStatus.Progress)
	assert.Equal(t, 42, *g.UpdateStatus.Progress)

	// Fields absent from the event are unchanged.
	assert.Equal(t, "A", g.Name)
	assert.Equal(t, protocol.PlatformSteam, g.Platform)
	assert.Equal(t, "/a", g.InstallPath)
	assert.Equal(t, "2024-06-01T12:00:00Z", g.LastUpdate)
	assert.Equal(t, baseGames()[1], games[1])
}

func TestUpdateCompletes(t *testing.T) {
	t.Run("game shaped", func(t *testing.T) {
		f := newFixture(t)
		f.games.Replace(baseGames())
		release, err := f.rec.Mount(context.Background())
		require.NoError(t, err)
		defer release()

		f.emit(map[string]any{"id": "g1", "updateStatus": map[string]any{"isUpdating": true, "progress": 42}})
		f.emit(map[string]any{"id": "g1", "updateStatus": map[string]any{"isUpdating": false}, "lastUpdate": "2025-01-01T00:00:00Z"})

		g := f.games.Get().Data[0]
		require.NotNil(t, g.UpdateStatus)
		assert.False(t, g.UpdateStatus.IsUpdating)
		assert.Nil(t, g.UpdateStatus.Progress)
		assert.Equal(t, "2025-01-01T00:00:00Z", g.LastUpdate)
	})

	t.Run("synthesized from complete", func(t *testing.T) {
		f := newFixture(t)
		f.games.Replace(baseGames())
		release, err := f.rec.Mount(context.Background())
		require.NoError(t, err)
		defer release()

		f.emit(protocol.UpdateProgress{GameID: "g1", Progress: 42, Status: protocol.StatusDownloading})
		f.emit(protocol.UpdateProgress{GameID: "g1", Progress: 100, Status: protocol.StatusComplete})

		g := f.games.Get().Data[0]
		require.NotNil(t, g.UpdateStatus)
		assert.False(t, g.UpdateStatus.IsUpdating)
		assert.Nil(t, g.UpdateStatus.Progress)
		assert.Empty(t, g.UpdateStatus.Error)
		assert.Equal(t, "2025-01-01T00:00:00Z", g.LastUpdate)
	})
}

func TestUpdateFails(t *testing.T) {
	f := newFixture(t)
	f.games.Replace(baseGames())
	release, err := f.rec.Mount(context.Background())
	require.NoError(t, err)
	defer release()

	f.emit(protocol.UpdateProgress{GameID: "g2", Progress: 10, Status: protocol.StatusInstalling})
	f.emit(protocol.UpdateProgress{GameID: "g2", Progress: 10, Status: protocol.StatusError})

	g := f.games.Get().Data[1]
	require.NotNil(t, g.UpdateStatus)
	assert.False(t, g.UpdateStatus.IsUpdating)
	assert.Nil(t, g.UpdateStatus.Progress)
	assert.Equal(t, DefaultUpdateError, g.UpdateStatus.Error)
	assert.Empty(t, g.LastUpdate)

	f.emit(protocol.UpdateProgress{GameID: "g2", Status: protocol.StatusError, Message: "disk full"})
	assert.Equal(t, "disk full", f.games.Get().Data[1].UpdateStatus.Error)
}

func TestUnknownGameIsDropped(t *testing.T) {
	f := newFixture(t)
	f.games.Replace(baseGames())
	before := f.games.Get()
	release, err := f.rec.Mount(context.Background())
	require.NoError(t, err)
	defer release()

	f.emit(map[string]any{"id": "ghost", "name": "Nope"})

	after := f.games.Get()
	assert.Equal(t, before.Data, after.Data)
	assert.Len(t, after.Data, 2)

	applied, dropped := f.rec.Stats()
	assert.Equal(t, uint64(0), applied)
	assert.Equal(t, uint64(1), dropped)
}

func TestEventBeforeListIsDropped(t *testing.T) {
	f := newFixture(t)
	release, err := f.rec.Mount(context.Background())
	require.NoError(t, err)
	defer release()

	f.emit(map[string]any{"id": "g1", "updateStatus": map[string]any{"isUpdating": true, "progress": 1}})

	assert.False(t, f.games.Get().HasData)
	assert.Equal(t, 0, f.bridge.Calls(protocol.CmdGetInstalledGames), "events must not trigger a fetch")
}

func TestMount_ReleaseOnce(t *testing.T) {
	f := newFixture(t)
	f.games.Replace(baseGames())

	release, err := f.rec.Mount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, f.bridge.Subscribers(protocol.ChannelUpdateProgress))

	release()
	release()
	assert.Equal(t, 0, f.bridge.Subscribers(protocol.ChannelUpdateProgress))

	f.emit(map[string]any{"id": "g1", "name": "Renamed"})
	assert.Equal(t, "A", f.games.Get().Data[0].Name)
}

func TestMergeDoesNotAliasCachedGame(t *testing.T) {
	progress := 5
	g := protocol.Game{ID: "g1", UpdateStatus: &protocol.UpdateStatus{IsUpdating: true, Progress: &progress}}

	ev := protocol.ProgressEvent{Progress: &protocol.UpdateProgress{GameID: "g1", Progress: 60, Status: protocol.StatusDownloading}}
	out := Merge(g, ev, fixedNow)

	assert.Equal(t, 60, *out.UpdateStatus.Progress)
	assert.Equal(t, 5, *g.UpdateStatus.Progress)
}
