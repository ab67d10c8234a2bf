// Package mixer wires the panel together: snapshot, layout, level stream and
// staleness watchdog.
package mixer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cwsl/mixerpanel/channels"
	"github.com/cwsl/mixerpanel/levels"
	"github.com/cwsl/mixerpanel/panel"
	"github.com/cwsl/mixerpanel/snapshot"
	"github.com/cwsl/mixerpanel/watchdog"
)

// Options configures a Mixer.
type Options struct {
	APIURL         string // REST base, e.g. http://mixer.local/api
	Channels       channels.Config
	StaleThreshold time.Duration
	TickInterval   time.Duration
	Policy         watchdog.Policy
	UserAgent      string

	HTTPClient *http.Client
	Dialer     levels.Dialer
	Now        func() time.Time
	Logger     *zap.Logger

	// Extra meter sinks beside the board (metrics exporters and the like).
	Sinks             []levels.Sink
	StreamObserver    levels.Observer
	WatchdogObservers []watchdog.Observer
}

// Mixer is one panel session against one mixer.
type Mixer struct {
	opts      Options
	streamURL string
	client    *snapshot.Client
	logger    *zap.Logger

	mu       sync.Mutex
	snap     *snapshot.Snapshot
	registry *channels.Registry
	board    *panel.Board
	stream   *levels.Stream
	watchdog *watchdog.Watchdog
}

// StreamURL derives the level feed URL from the REST base URL.
func StreamURL(apiURL string) (string, error) {
	u, err := url.Parse(apiURL)
	if err != nil {
		return "", fmt.Errorf("invalid API URL: %w", err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("invalid API URL %q: unsupported scheme %q", apiURL, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid API URL %q: missing host", apiURL)
	}

	u.Path = strings.TrimRight(u.Path, "/") + "/vu/ws"
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

// New validates the options. Nothing is fetched or dialed until Setup.
func New(opts Options) (*Mixer, error) {
	streamURL, err := StreamURL(opts.APIURL)
	if err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Mixer{
		opts:      opts,
		streamURL: streamURL,
		client:    snapshot.NewClient(opts.APIURL, opts.HTTPClient, opts.UserAgent, opts.Logger.Named("snapshot")),
		logger:    opts.Logger,
	}, nil
}

// Setup fetches the snapshot, lays out the board, opens the level stream and
// starts the watchdog. The watchdog runs until ctx is done or Close is called.
func (m *Mixer) Setup(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.board != nil {
		return errors.New("mixer already set up")
	}

	snap, err := m.client.Fetch(ctx)
	if err != nil {
		return fmt.Errorf("failed to load mixer snapshot: %w", err)
	}

	registry := channels.NewRegistry(snap.Info.Topology(), m.opts.Channels)
	board := panel.Build(registry, snap)

	sinks := append(levels.MultiSink{board}, m.opts.Sinks...)
	stream := levels.NewStream(levels.Options{
		URL:      m.streamURL,
		Visible:  registry,
		Sink:     sinks,
		Dialer:   m.opts.Dialer,
		Now:      m.opts.Now,
		Logger:   m.logger.Named("vu"),
		Observer: m.opts.StreamObserver,
	})

	wd := watchdog.New(watchdog.Options{
		Source:    stream,
		Reopener:  stream,
		Indicator: board,
		Threshold: m.opts.StaleThreshold,
		Interval:  m.opts.TickInterval,
		Policy:    m.opts.Policy,
		Now:       m.opts.Now,
		Logger:    m.logger.Named("watchdog"),
		Observer:  watchdog.Observers(m.opts.WatchdogObservers),
	})

	m.snap = snap
	m.registry = registry
	m.board = board
	m.stream = stream
	m.watchdog = wd

	m.logger.Info("mixer layout ready",
		zap.Strings("inputs", registry.Channels(channels.Input)),
		zap.Strings("outputs", registry.Channels(channels.Output)),
		zap.String("stream", m.streamURL))

	stream.Open()
	wd.Start(ctx)
	return nil
}

// Board returns the laid-out board, or nil before Setup.
func (m *Mixer) Board() *panel.Board {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.board
}

// Registry returns the visible channel registry, or nil before Setup.
func (m *Mixer) Registry() *channels.Registry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registry
}

// View copies the board for rendering. Before Setup it is empty.
func (m *Mixer) View() panel.View {
	if b := m.Board(); b != nil {
		return b.View()
	}
	return panel.View{}
}

// Snapshot returns the snapshot the layout was built from.
func (m *Mixer) Snapshot() *snapshot.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap
}

// StreamURL returns the level feed URL in use.
func (m *Mixer) StreamURL() string {
	return m.streamURL
}

// State combines the stream's connection state with the watchdog's verdict.
func (m *Mixer) State() levels.ConnectionState {
	m.mu.Lock()
	stream, wd := m.stream, m.watchdog
	m.mu.Unlock()

	if stream == nil {
		return levels.Disconnected
	}
	if wd.State() == watchdog.Stale {
		return levels.Stale
	}
	return stream.State()
}

// Close stops the watchdog, then closes the stream so no reopen can follow.
func (m *Mixer) Close() {
	m.mu.Lock()
	stream, wd := m.stream, m.watchdog
	m.mu.Unlock()

	if wd != nil {
		wd.Stop()
	}
	if stream != nil {
		stream.Close()
	}
}
