// Package levels maintains the live level feed from the mixer and turns its
// frames into meter updates.
package levels

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cwsl/mixerpanel/channels"
)

// ConnectionState describes the level feed as seen by the panel.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Live
	Stale // derived by the watchdog, never reported by Stream itself
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Live:
		return "live"
	case Stale:
		return "stale"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int(s))
	}
}

// Dialer opens the websocket. *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// Visibility decides which channels are forwarded to the sink.
type Visibility interface {
	IsVisible(role channels.Role, id string) bool
}

// Options configures a Stream.
type Options struct {
	URL      string           // ws:// or wss:// URL of the level feed
	Visible  Visibility       // Channels to forward; nil forwards nothing
	Sink     Sink             // Receives meter updates
	Dialer   Dialer           // Defaults to websocket.DefaultDialer
	Now      func() time.Time // Defaults to time.Now
	Logger   *zap.Logger
	Observer Observer
}

// Stream owns the single level subscription. Open replaces the current
// connection; frames from a replaced connection are ignored.
type Stream struct {
	url      string
	visible  Visibility
	sink     Sink
	dialer   Dialer
	now      func() time.Time
	logger   *zap.Logger
	observer Observer

	mu        sync.Mutex
	current   *handle
	lastFrame time.Time
}

// handle is one websocket subscription. It is live from creation until
// close; the socket itself is attached once the dial completes.
type handle struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

func newHandle() *handle {
	ctx, cancel := context.WithCancel(context.Background())
	return &handle{id: uuid.NewString(), ctx: ctx, cancel: cancel}
}

func (h *handle) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	h.cancel()
	if h.conn != nil {
		h.conn.Close()
	}
}

// attach stores the dialed socket, or closes it if the handle was closed
// while the dial was in flight.
func (h *handle) attach(conn *websocket.Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		conn.Close()
		return false
	}
	h.conn = conn
	return true
}

func (h *handle) state() ConnectionState {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch {
	case h.closed:
		return Disconnected
	case h.conn == nil:
		return Connecting
	default:
		return Live
	}
}

func (h *handle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// NewStream creates a stream without connecting it. The last frame time
// starts at construction so the watchdog gives the first dial one threshold
// of grace.
func NewStream(opts Options) *Stream {
	s := &Stream{
		url:      opts.URL,
		visible:  opts.Visible,
		sink:     opts.Sink,
		dialer:   opts.Dialer,
		now:      opts.Now,
		logger:   opts.Logger,
		observer: opts.Observer,
	}
	if s.dialer == nil {
		s.dialer = websocket.DefaultDialer
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.observer == nil {
		s.observer = nopObserver{}
	}
	if s.sink == nil {
		s.sink = MultiSink(nil)
	}
	s.lastFrame = s.now()
	return s
}

// Open closes the current subscription, if any, and starts a new one. Both
// steps happen under the stream lock, so two subscriptions are never current
// at the same time. It returns the id of the new subscription.
func (s *Stream) Open() string {
	h := newHandle()

	s.mu.Lock()
	if prev := s.current; prev != nil {
		prev.close()
		s.logger.Debug("closed level stream", zap.String("handle", prev.id))
	}
	s.current = h
	s.mu.Unlock()

	s.logger.Debug("opening level stream", zap.String("handle", h.id), zap.String("url", s.url))
	s.observer.StreamOpened(h.id)

	go s.run(h)
	return h.id
}

// Reopen implements the watchdog's reconnect hook.
func (s *Stream) Reopen() {
	s.Open()
}

// Close releases the current subscription.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		s.current.close()
		s.logger.Debug("closed level stream", zap.String("handle", s.current.id))
		s.current = nil
	}
}

// LastFrameTime returns when the last well-formed frame was received.
func (s *Stream) LastFrameTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastFrame
}

// State reports the state of the current subscription. It never returns
// Stale; staleness is the watchdog's call.
func (s *Stream) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return Disconnected
	}
	return s.current.state()
}

// HandleID returns the id of the current subscription, or "" if none.
func (s *Stream) HandleID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return ""
	}
	return s.current.id
}

func (s *Stream) run(h *handle) {
	defer h.close()

	conn, _, err := s.dialer.DialContext(h.ctx, s.url, nil)
	if err != nil {
		if h.ctx.Err() == nil {
			s.logger.Debug("level stream dial failed", zap.String("handle", h.id), zap.Error(err))
		}
		return
	}
	if !h.attach(conn) {
		return
	}
	s.logger.Debug("level stream connected", zap.String("handle", h.id))

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if h.ctx.Err() == nil {
				s.logger.Debug("level stream ended", zap.String("handle", h.id), zap.Error(err))
			}
			return
		}
		s.handleMessage(h, msgType, data)
	}
}

// handleMessage applies one received message. Messages from a handle that is
// no longer current are discarded before anything is touched.
func (s *Stream) handleMessage(h *handle, msgType int, data []byte) {
	at := s.now()

	var (
		frame Frame
		err   error
	)
	if msgType == websocket.TextMessage {
		frame, err = ParseFrame(data)
	} else {
		err = fmt.Errorf("%w: unexpected message type %d", ErrMalformedFrame, msgType)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != h || h.isClosed() {
		return
	}
	if err != nil {
		s.observer.FrameDropped(err)
		s.logger.Debug("dropped level frame", zap.String("handle", h.id), zap.Error(err))
		return
	}

	s.lastFrame = at
	s.observer.FrameAccepted(at)

	if s.visible == nil {
		return
	}
	for _, role := range channels.Roles {
		for id, lvl := range frame[role] {
			if !s.visible.IsVisible(role, id) {
				continue
			}
			rms, err := lvl.RMS()
			if err != nil {
				s.logger.Debug("skipped channel level", zap.String("handle", h.id),
					zap.String("role", string(role)), zap.String("channel", id), zap.Error(err))
				continue
			}
			s.sink.UpdateMeter(id, role, rms)
		}
	}
}
