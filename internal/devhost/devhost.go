// Package devhost serves a simulated game library over the host protocol so
// the hub can be run without a real host.
package devhost

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/lobinuxsoft/updateio/internal/hosttest"
	"github.com/lobinuxsoft/updateio/pkg/protocol"
)

// Options tunes the simulated updates.
type Options struct {
	// Step is the delay between progress events. Defaults to 500ms.
	Step time.Duration
	// StepSize is the progress gained per event. Defaults to 10.
	StepSize int
	// PickPath is returned by the folder picker. Empty simulates a
	// dismissed picker.
	PickPath string

	Now    func() time.Time
	Logger *slog.Logger
}

// Library is the host-side state: installed games, pending updates and
// settings.
type Library struct {
	opts Options
	log  *slog.Logger

	mu        sync.Mutex
	games     map[string]protocol.Game
	updatable map[string]bool
	failing   map[string]string
	settings  protocol.Settings
	host      *hosttest.Host

	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewLibrary creates a library holding games and settings.
func NewLibrary(games []protocol.Game, settings protocol.Settings, opts Options) *Library {
	if opts.Step <= 0 {
		opts.Step = 500 * time.Millisecond
	}
	if opts.StepSize <= 0 {
		opts.StepSize = 10
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	l := &Library{
		opts:      opts,
		log:       opts.Logger.With("component", "devhost"),
		games:     make(map[string]protocol.Game, len(games)),
		updatable: make(map[string]bool),
		failing:   make(map[string]string),
		settings:  settings,
		stop:      make(chan struct{}),
	}
	for _, g := range games {
		l.games[g.ID] = g.Clone()
	}
	return l
}

// Demo returns a library with a few Steam and Epic games, two of which
// have updates available.
func Demo(opts Options) *Library {
	last := opts.Now
	if last == nil {
		last = time.Now
	}
	yesterday := last().Add(-24 * time.Hour).UTC().Format(time.RFC3339)

	l := NewLibrary([]protocol.Game{
		{ID: "steam-570", Name: "Dota 2", Platform: protocol.PlatformSteam, InstallPath: "/games/steam/dota2", LastUpdate: yesterday},
		{ID: "steam-730", Name: "Counter-Strike 2", Platform: protocol.PlatformSteam, InstallPath: "/games/steam/cs2"},
		{ID: "epic-fortnite", Name: "Fortnite", Platform: protocol.PlatformEpic, InstallPath: "/games/epic/Fortnite"},
		{ID: "epic-rl", Name: "Rocket League", Platform: protocol.PlatformEpic, InstallPath: "/games/epic/RocketLeague"},
	}, protocol.Settings{
		AutoUpdate:    false,
		Notifications: true,
		CheckInterval: 60,
		Paths: protocol.GamePaths{
			Steam: "/games/steam",
			Epic:  "/games/epic",
		},
	}, opts)
	l.SetUpdatable("steam-730", true)
	l.SetUpdatable("epic-fortnite", true)
	return l
}

// SetUpdatable marks whether an update is available for id.
func (l *Library) SetUpdatable(id string, available bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.updatable[id] = available
}

// FailUpdates makes the next update of id fail halfway with message.
func (l *Library) FailUpdates(id, message string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failing[id] = message
}

// Games returns the installed games sorted by name.
func (l *Library) Games() []protocol.Game {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.gamesLocked()
}

// Settings returns the current settings.
func (l *Library) Settings() protocol.Settings {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.settings
}

// Register installs the library's command handlers on h. Progress events
// are pushed through h.
func (l *Library) Register(h *hosttest.Host) {
	l.mu.Lock()
	l.host = h
	l.mu.Unlock()

	h.Handle(protocol.CmdGetInstalledGames, func(json.RawMessage) (any, error) {
		return l.Games(), nil
	})
	h.Handle(protocol.CmdRefreshGamesList, func(json.RawMessage) (any, error) {
		l.log.Info("rescanning libraries")
		return l.Games(), nil
	})
	h.Handle(protocol.CmdCheckGameUpdates, func(raw json.RawMessage) (any, error) {
		id, err := gameID(raw)
		if err != nil {
			return nil, err
		}
		l.mu.Lock()
		defer l.mu.Unlock()
		if _, ok := l.games[id]; !ok {
			return nil, unknownGame(id)
		}
		return l.updatable[id], nil
	})
	h.Handle(protocol.CmdUpdateGame, func(raw json.RawMessage) (any, error) {
		id, err := gameID(raw)
		if err != nil {
			return nil, err
		}
		return nil, l.startUpdate(id)
	})
	h.Handle(protocol.CmdGetSettings, func(json.RawMessage) (any, error) {
		return l.Settings(), nil
	})
	h.Handle(protocol.CmdUpdateSettings, func(raw json.RawMessage) (any, error) {
		var args struct {
			Update protocol.SettingsUpdate `json:"update"`
		}
		if err := decodeArgs(raw, &args); err != nil {
			return nil, err
		}
		l.mu.Lock()
		defer l.mu.Unlock()
		next, err := args.Update.Apply(l.settings)
		if err != nil {
			return nil, hosttest.Fail(protocol.WSErrCodeBadRequest, err.Error())
		}
		l.settings = next
		l.log.Info("settings updated", "key", args.Update.Key)
		return nil, nil
	})
	h.Handle(protocol.CmdSelectDirectory, func(json.RawMessage) (any, error) {
		if l.opts.PickPath == "" {
			return nil, hosttest.Fail(protocol.WSErrCodeCancelled, "selection cancelled")
		}
		return l.opts.PickPath, nil
	})
}

// Close stops running updates and waits for them to exit.
func (l *Library) Close() {
	l.once.Do(func() { close(l.stop) })
	l.wg.Wait()
}

func (l *Library) startUpdate(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	g, ok := l.games[id]
	if !ok {
		return unknownGame(id)
	}
	if g.IsUpdating() {
		return hosttest.Fail(protocol.WSErrCodeBadRequest, fmt.Sprintf("%s is already updating", g.Name))
	}

	zero := 0
	g.UpdateStatus = &protocol.UpdateStatus{IsUpdating: true, Progress: &zero}
	l.games[id] = g

	l.wg.Add(1)
	go l.runUpdate(id, l.failing[id])
	delete(l.failing, id)

	l.log.Info("update started", "game", id)
	return nil
}

func (l *Library) runUpdate(id, failure string) {
	defer l.wg.Done()

	ticker := time.NewTicker(l.opts.Step)
	defer ticker.Stop()

	progress := 0
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
		}

		progress += l.opts.StepSize
		if failure != "" && progress >= 50 {
			l.finish(id, protocol.UpdateProgress{GameID: id, Progress: progress, Status: protocol.StatusError, Message: failure})
			return
		}
		if progress >= 100 {
			l.finish(id, protocol.UpdateProgress{GameID: id, Progress: 100, Status: protocol.StatusComplete})
			return
		}

		status := protocol.StatusDownloading
		if progress >= 50 {
			status = protocol.StatusInstalling
		}
		l.setProgress(id, progress)
		l.push(protocol.UpdateProgress{GameID: id, Progress: progress, Status: status})
	}
}

func (l *Library) setProgress(id string, progress int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	g := l.games[id]
	p := progress
	g.UpdateStatus = &protocol.UpdateStatus{IsUpdating: true, Progress: &p}
	l.games[id] = g
}

func (l *Library) finish(id string, ev protocol.UpdateProgress) {
	l.mu.Lock()
	g := l.games[id]
	if ev.Status == protocol.StatusComplete {
		g.UpdateStatus = &protocol.UpdateStatus{}
		g.LastUpdate = l.opts.Now().UTC().Format(time.RFC3339)
		l.updatable[id] = false
	} else {
		g.UpdateStatus = &protocol.UpdateStatus{Error: ev.Message}
	}
	l.games[id] = g
	l.mu.Unlock()

	l.log.Info("update finished", "game", id, "status", ev.Status)
	l.push(ev)
}

func (l *Library) push(ev protocol.UpdateProgress) {
	l.mu.Lock()
	h := l.host
	l.mu.Unlock()
	if h == nil {
		return
	}
	if err := h.Push(protocol.ChannelUpdateProgress, ev); err != nil {
		l.log.Debug("progress not delivered", "game", ev.GameID, "err", err)
	}
}

func (l *Library) gamesLocked() []protocol.Game {
	out := make([]protocol.Game, 0, len(l.games))
	for _, g := range l.games {
		out = append(out, g.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func gameID(raw json.RawMessage) (string, error) {
	var args struct {
		GameID string `json:"gameId"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return "", err
	}
	if args.GameID == "" {
		return "", hosttest.Fail(protocol.WSErrCodeBadRequest, "gameId is required")
	}
	return args.GameID, nil
}

func decodeArgs(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return hosttest.Fail(protocol.WSErrCodeBadRequest, "missing arguments")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return hosttest.Fail(protocol.WSErrCodeBadRequest, "invalid arguments: "+err.Error())
	}
	return nil
}

func unknownGame(id string) error {
	return hosttest.Fail(protocol.WSErrCodeBadRequest, "unknown game: "+id)
}
