package query

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gatedFetch blocks every call until release is closed and counts calls.
type gatedFetch struct {
	calls   atomic.Int32
	release chan struct{}
	value   any
	err     error
}

func newGatedFetch(value any) *gatedFetch {
	return &gatedFetch{release: make(chan struct{}), value: value}
}

func (g *gatedFetch) fetch(ctx context.Context) (any, error) {
	g.calls.Add(1)
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return g.value, g.err
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}

func TestRead_ColdSchedulesFetch(t *testing.T) {
	c := New()
	defer c.Close()
	f := newGatedFetch("v1")

	snap := c.Read(KeySettings, f.fetch)
	assert.False(t, snap.HasValue)
	assert.True(t, snap.IsLoading)

	close(f.release)
	waitFor(t, func() bool { return c.Get(KeySettings).HasValue })

	snap = c.Read(KeySettings, f.fetch)
	assert.Equal(t, "v1", snap.Value)
	assert.False(t, snap.IsLoading)
	assert.False(t, snap.IsStale)
	assert.Equal(t, int32(1), f.calls.Load(), "fresh entry must not refetch")
}

func TestRead_ConcurrentReadersShareOneFetch(t *testing.T) {
	c := New()
	defer c.Close()
	f := newGatedFetch([]string{"g1"})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Read(KeyGames, f.fetch)
		}()
	}
	wg.Wait()

	results := make(chan any, 2)
	for i := 0; i < 2; i++ {
		go func() {
			v, err := c.Fetch(context.Background(), KeyGames, f.fetch)
			assert.NoError(t, err)
			results <- v
		}()
	}

	close(f.release)
	for i := 0; i < 2; i++ {
		assert.Equal(t, []string{"g1"}, <-results)
	}
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestInvalidate_NextReadRefetchesAndServesOldValue(t *testing.T) {
	c := New()
	defer c.Close()
	c.Replace(KeySettings, "old")

	c.Invalidate(KeySettings)

	f := newGatedFetch("new")
	snap := c.Read(KeySettings, f.fetch)
	assert.Equal(t, "old", snap.Value, "stale value is served while refetching")
	assert.True(t, snap.IsStale)
	assert.True(t, snap.IsLoading)

	close(f.release)
	waitFor(t, func() bool { return c.Get(KeySettings).Value == "new" })
	assert.False(t, c.Get(KeySettings).IsStale)
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestReplaceWinsOverOlderFetch(t *testing.T) {
	c := New()
	defer c.Close()
	f := newGatedFetch("from-fetch")

	c.Read(KeyGames, f.fetch)
	c.Replace(KeyGames, "from-replace")
	close(f.release)

	waitFor(t, func() bool { return !c.Get(KeyGames).IsLoading })
	assert.Equal(t, "from-replace", c.Get(KeyGames).Value)
}

func TestFetchOverwritesUpdateDuringFetch(t *testing.T) {
	c := New()
	defer c.Close()
	c.Replace(KeyGames, "old")
	c.Invalidate(KeyGames)

	f := newGatedFetch("new")
	result := make(chan any, 1)
	go func() {
		v, err := c.Fetch(context.Background(), KeyGames, f.fetch)
		assert.NoError(t, err)
		result <- v
	}()
	waitFor(t, func() bool { return f.calls.Load() == 1 })

	// A progress merge landing while the list is being fetched.
	require.True(t, c.Update(KeyGames, func(v any, has bool) (any, bool) {
		return v.(string) + "+event", true
	}))
	assert.Equal(t, "old+event", c.Get(KeyGames).Value)
	close(f.release)

	assert.Equal(t, "new", <-result)
	snap := c.Get(KeyGames)
	assert.Equal(t, "new", snap.Value)
	assert.False(t, snap.IsStale)
	assert.False(t, snap.IsLoading)
}

func TestReadWhileFetchCompletesStartsNewFetch(t *testing.T) {
	c := New()
	defer c.Close()
	c.Replace(KeyGames, "v1")
	c.Invalidate(KeyGames)

	var calls atomic.Int32
	release := make(chan struct{})
	fetch := func(ctx context.Context) (any, error) {
		if calls.Add(1) == 1 {
			<-release
			return "v2", nil
		}
		return "v3", nil
	}

	// The listener reads as soon as the first fetch lands stale, before
	// that fetch has fully returned.
	var once sync.Once
	unsubscribe := c.Subscribe(KeyGames, func(s Snapshot) {
		if !s.IsLoading && s.IsStale && s.Value == "v2" {
			once.Do(func() { c.Read(KeyGames, fetch) })
		}
	})
	defer unsubscribe()

	c.Read(KeyGames, fetch)
	c.Invalidate(KeyGames)
	close(release)

	waitFor(t, func() bool { return c.Get(KeyGames).Value == "v3" })
	snap := c.Get(KeyGames)
	assert.False(t, snap.IsLoading, "no fetch is running")
	assert.False(t, snap.IsStale)
	assert.Equal(t, int32(2), calls.Load())
}

func TestInvalidateDuringFetchKeepsEntryStale(t *testing.T) {
	c := New()
	defer c.Close()
	c.Replace(KeyGames, "v1")
	c.Invalidate(KeyGames)

	f := newGatedFetch("v2")
	c.Read(KeyGames, f.fetch)
	c.Invalidate(KeyGames)
	close(f.release)

	waitFor(t, func() bool { return !c.Get(KeyGames).IsLoading })
	snap := c.Get(KeyGames)
	assert.Equal(t, "v2", snap.Value)
	assert.True(t, snap.IsStale)
}

func TestFetchErrorKeepsPriorValue(t *testing.T) {
	c := New()
	defer c.Close()
	c.Replace(KeySettings, "kept")
	c.Invalidate(KeySettings)

	boom := errors.New("host down")
	_, err := c.Fetch(context.Background(), KeySettings, func(context.Context) (any, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)

	snap := c.Get(KeySettings)
	assert.Equal(t, "kept", snap.Value)
	assert.True(t, snap.HasValue)
	assert.ErrorIs(t, snap.Err, boom)
	assert.False(t, snap.IsLoading)
}

func TestFailedFirstLoadIsRetried(t *testing.T) {
	c := New()
	defer c.Close()

	calls := 0
	fetch := func(context.Context) (any, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("not yet")
		}
		return "ok", nil
	}

	_, err := c.Fetch(context.Background(), KeyGames, fetch)
	require.Error(t, err)

	v, err := c.Fetch(context.Background(), KeyGames, fetch)
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Nil(t, c.Get(KeyGames).Err)
}

func TestUpdate(t *testing.T) {
	c := New()
	defer c.Close()

	changed := c.Update(KeyGames, func(cur any, has bool) (any, bool) {
		if !has {
			return nil, false
		}
		return "x", true
	})
	assert.False(t, changed)
	assert.False(t, c.Get(KeyGames).HasValue)

	c.Replace(KeyGames, 1)
	changed = c.Update(KeyGames, func(cur any, has bool) (any, bool) {
		return cur.(int) + 1, true
	})
	assert.True(t, changed)
	assert.Equal(t, 2, c.Get(KeyGames).Value)
}

func TestFetchWaitStopsOnContext(t *testing.T) {
	c := New()
	defer c.Close()
	f := newGatedFetch("late")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Fetch(ctx, KeyGames, f.fetch)
	assert.ErrorIs(t, err, context.Canceled)

	close(f.release)
	waitFor(t, func() bool { return c.Get(KeyGames).Value == "late" })
}

func TestSubscribe(t *testing.T) {
	c := New()
	defer c.Close()

	var mu sync.Mutex
	var seen []any
	unsub := c.Subscribe(KeyGames, func(s Snapshot) {
		mu.Lock()
		seen = append(seen, s.Value)
		mu.Unlock()
	})

	c.Replace(KeyGames, "a")
	c.Replace(KeyGames, "b")
	unsub()
	unsub()
	c.Replace(KeyGames, "c")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []any{"a", "b"}, seen)
}

func TestListenerSeesIncreasingVersions(t *testing.T) {
	c := New()
	defer c.Close()

	var mu sync.Mutex
	var last uint64
	ordered := true
	c.Subscribe(KeyGames, func(s Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		if s.Version <= last {
			ordered = false
		}
		last = s.Version
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c.Replace(KeyGames, i)
		}(i)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, ordered)
	assert.Equal(t, c.Get(KeyGames).Version, last)
}

func TestUpdatedAtUsesClock(t *testing.T) {
	at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c := New(WithClock(func() time.Time { return at }))
	defer c.Close()

	c.Replace(KeySettings, "v")
	assert.Equal(t, at, c.Get(KeySettings).UpdatedAt)
}

func TestCloseStopsBackgroundFetch(t *testing.T) {
	c := New()
	f := newGatedFetch("never")

	c.Read(KeyGames, f.fetch)
	c.Close()

	waitFor(t, func() bool { return !c.Get(KeyGames).IsLoading })
	assert.ErrorIs(t, c.Get(KeyGames).Err, context.Canceled)

	c.Read(KeyGames, f.fetch)
	assert.False(t, c.Get(KeyGames).IsLoading, "closed cache must not start fetches")
}
