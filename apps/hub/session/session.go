// Package session wires host connections to the cache and view bindings.
// The desktop hub and the CLI both run on a Session.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lobinuxsoft/updateio/apps/hub/api"
	"github.com/lobinuxsoft/updateio/apps/hub/bridge"
	"github.com/lobinuxsoft/updateio/apps/hub/query"
	"github.com/lobinuxsoft/updateio/apps/hub/views"
	"github.com/lobinuxsoft/updateio/apps/hub/wsclient"
	"github.com/lobinuxsoft/updateio/pkg/discovery"
	"github.com/lobinuxsoft/updateio/pkg/version"
)

// DefaultDiscoveryTimeout bounds the mDNS lookup when no host is set.
const DefaultDiscoveryTimeout = 3 * time.Second

// Options locates the host and tunes the session.
type Options struct {
	// URL, when set, is dialed as is. Otherwise Host and Port are used,
	// and when Host is empty the host is discovered over mDNS.
	URL  string
	Host string
	Port int

	HubName          string
	RequestTimeout   time.Duration
	DiscoveryTimeout time.Duration

	// OnDisconnect runs when a dialed client loses its connection. It is
	// not run for Close.
	OnDisconnect func(*wsclient.Client)

	// OnGamesChange and OnSettingsChange run when a binding's pending or
	// error state changes.
	OnGamesChange    func()
	OnSettingsChange func()

	Logger *slog.Logger
	Now    func() time.Time
}

// Session holds the hub state for the life of the process. The cache,
// bindings and view subscriptions survive reconnects; only the client
// behind Link is replaced.
type Session struct {
	Link      *bridge.Link
	API       *api.API
	Cache     *query.Cache
	Games     *views.Games
	Settings  *views.Settings
	Dashboard *views.Dashboard

	log *slog.Logger

	mu     sync.Mutex
	client *wsclient.Client
}

// ResolveURL returns the WebSocket URL to dial for opts.
func ResolveURL(ctx context.Context, opts Options) (string, error) {
	if opts.URL != "" {
		return opts.URL, nil
	}
	if opts.Host != "" {
		if opts.Port <= 0 {
			return "", fmt.Errorf("host %s: port is required", opts.Host)
		}
		return wsclient.NewClient(opts.Host, opts.Port, wsclient.Options{}).URL(), nil
	}

	timeout := opts.DiscoveryTimeout
	if timeout <= 0 {
		timeout = DefaultDiscoveryTimeout
	}
	found, err := discovery.NewClient().FindFirst(ctx, timeout)
	if err != nil {
		return "", fmt.Errorf("discovery failed: %w", err)
	}
	return found.WebSocketAddress(), nil
}

// Dial resolves the host and returns a connected client.
func Dial(ctx context.Context, opts Options) (*wsclient.Client, error) {
	url, err := ResolveURL(ctx, opts)
	if err != nil {
		return nil, err
	}

	name := opts.HubName
	if name == "" {
		name = version.Name + " Hub"
	}

	client := wsclient.NewClientURL(url, wsclient.Options{
		HubName:        name,
		HubVersion:     version.Version,
		Platform:       discovery.GetPlatform(),
		RequestTimeout: opts.RequestTimeout,
		Logger:         opts.Logger,
	})
	if opts.OnDisconnect != nil {
		client.SetOnDisconnect(func() { opts.OnDisconnect(client) })
	}
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	return client, nil
}

// Open creates a session and attaches a freshly dialed client.
func Open(ctx context.Context, opts Options) (*Session, error) {
	s := New(opts)
	client, err := Dial(ctx, opts)
	if err != nil {
		s.Close()
		return nil, err
	}
	if err := s.Attach(ctx, client); err != nil {
		client.Close()
		s.Close()
		return nil, err
	}
	return s, nil
}

// New builds a detached session.
func New(opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	link := bridge.NewLink()
	a := api.New(link, logger)
	cache := query.New(query.WithLogger(logger), query.WithClock(now))
	games := views.NewGames(a, cache,
		views.WithLogger(logger), views.WithClock(now), views.WithOnChange(opts.OnGamesChange))

	return &Session{
		Link:      link,
		API:       a,
		Cache:     cache,
		Games:     games,
		Settings:  views.NewSettings(a, cache, views.WithLogger(logger), views.WithOnChange(opts.OnSettingsChange)),
		Dashboard: views.NewDashboard(games, views.WithClock(now)),
		log:       logger.With("component", "session"),
	}
}

// Attach makes client the session's transport, closing the previous one.
// Cached entries are marked stale since the host may have changed while
// the session was detached.
func (s *Session) Attach(ctx context.Context, client *wsclient.Client) error {
	s.mu.Lock()
	prev := s.client
	if err := s.Link.Bind(ctx, client); err != nil {
		s.mu.Unlock()
		return err
	}
	s.client = client
	s.mu.Unlock()

	if prev != nil && prev != client {
		prev.Close()
	}
	for _, k := range []query.Key{query.KeyGames, query.KeySettings} {
		if s.Cache.Get(k).HasValue {
			s.Cache.Invalidate(k)
		}
	}
	s.log.Debug("client attached", "url", client.URL())
	return nil
}

// Detach drops client if it is the attached one and closes it. It reports
// whether client was attached.
func (s *Session) Detach(client *wsclient.Client) bool {
	s.mu.Lock()
	if client == nil || s.client != client {
		s.mu.Unlock()
		return false
	}
	s.client = nil
	s.Link.Unbind()
	s.mu.Unlock()

	client.Close()
	s.log.Debug("client detached", "url", client.URL())
	return true
}

// Client returns the attached client, or nil.
func (s *Session) Client() *wsclient.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

// Connected reports whether an attached client holds a live connection.
func (s *Session) Connected() bool {
	c := s.Client()
	return c != nil && c.IsConnected()
}

// Warm loads the games list and the settings in parallel.
func (s *Session) Warm(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := s.Games.Load(ctx)
		return err
	})
	g.Go(func() error {
		_, err := s.Settings.Load(ctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("initial load failed: %w", err)
	}
	s.log.Debug("cache warmed")
	return nil
}

// Close releases view subscriptions, stops background fetches and drops the
// connection.
func (s *Session) Close() error {
	s.Games.Close()
	s.Cache.Close()
	if c := s.Client(); c != nil {
		s.Detach(c)
	}
	return nil
}
