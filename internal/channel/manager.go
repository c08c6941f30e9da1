// Package channel owns the live bidirectional connection to the chat backend.
//
// Manager dials a WebSocket with the user's bearer credential, retries a bounded
// number of times with a fixed delay, fans inbound frames out to subscribers
// and sends outbound frames best-effort. Losing the connection is never fatal:
// the manager reports a degraded state, tries again, and callers keep using REST.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/verichat/internal/errors"
	"github.com/p-blackswan/verichat/internal/metrics"
	"github.com/p-blackswan/verichat/internal/models"
	"github.com/p-blackswan/verichat/internal/retry"
	"github.com/p-blackswan/verichat/internal/runtime"
)

// State is the lifecycle state of the channel.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDegraded     State = "degraded" // lost after being up; reconnecting
	StateFailed       State = "failed"   // attempts exhausted
	StateAuthRequired State = "auth_required"
	StateClosed       State = "closed"
)

// Live reports whether frames can currently be exchanged.
func (s State) Live() bool { return s == StateConnected }

// Degraded reports whether the client is running on REST alone.
func (s State) Degraded() bool { return s == StateDegraded || s == StateFailed }

// Config holds channel configuration.
type Config struct {
	// URL is the WebSocket endpoint, e.g. "ws://localhost:8080/ws/chat".
	URL string

	// MaxAttempts bounds each connect cycle.
	MaxAttempts int

	// RetryDelay is the fixed pause between attempts.
	RetryDelay time.Duration

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration

	// OutboundBuffer is the number of frames queued for the writer before
	// Emit starts dropping.
	OutboundBuffer int
}

// DefaultConfig returns sane defaults.
func DefaultConfig() Config {
	return Config{
		URL:              "ws://localhost:8080/ws/chat",
		MaxAttempts:      5,
		RetryDelay:       time.Second,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		OutboundBuffer:   64,
	}
}

// Dialer opens WebSocket connections. *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// Handler receives the raw payload of an inbound frame on the loop goroutine.
type Handler func(payload json.RawMessage)

// SubscriptionID identifies a registered handler.
type SubscriptionID uint64

// frame is the envelope of every message on the wire.
type frame struct {
	Event   models.EventKind `json:"event"`
	Payload json.RawMessage  `json:"payload,omitempty"`
}

// link is one established connection and its goroutines.
type link struct {
	conn   *websocket.Conn
	out    chan []byte
	cancel context.CancelFunc
}

// Manager is the connection manager. Apart from construction, every method
// must be called on the loop goroutine.
type Manager struct {
	cfg     Config
	loop    *runtime.Loop
	dialer  Dialer
	metrics *metrics.Metrics
	logger  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	handlers   map[models.EventKind]map[SubscriptionID]Handler
	nextID     SubscriptionID
	listeners  []func(State)
	state      State
	credential string
	link       *link
	cycle      context.CancelFunc
	closed     bool
}

// New creates a Manager bound to loop.
func New(cfg Config, loop *runtime.Loop, m *metrics.Metrics, logger zerolog.Logger) *Manager {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.OutboundBuffer <= 0 {
		cfg.OutboundBuffer = def.OutboundBuffer
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:      cfg,
		loop:     loop,
		dialer:   &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		metrics:  m,
		logger:   logger.With().Str("component", "channel").Logger(),
		ctx:      ctx,
		cancel:   cancel,
		handlers: make(map[models.EventKind]map[SubscriptionID]Handler),
		state:    StateIdle,
	}
}

// SetDialer replaces the WebSocket dialer (for testing).
func (m *Manager) SetDialer(d Dialer) {
	m.dialer = d
}

// State returns the current channel state.
func (m *Manager) State() State {
	return m.state
}

// IsConnected returns true if frames can be exchanged right now.
func (m *Manager) IsConnected() bool {
	return m.state.Live()
}

// OnStateChange registers fn to be called with every new state. A transition
// from degraded to connected is the connection-restored signal.
func (m *Manager) OnStateChange(fn func(State)) {
	m.listeners = append(m.listeners, fn)
}

// Subscribe registers h for inbound frames of kind.
func (m *Manager) Subscribe(kind models.EventKind, h Handler) SubscriptionID {
	if m.closed {
		return 0
	}
	m.nextID++
	id := m.nextID
	if m.handlers[kind] == nil {
		m.handlers[kind] = make(map[SubscriptionID]Handler)
	}
	m.handlers[kind][id] = h
	return id
}

// Unsubscribe removes a handler registered with Subscribe.
func (m *Manager) Unsubscribe(kind models.EventKind, id SubscriptionID) {
	if subs, ok := m.handlers[kind]; ok {
		delete(subs, id)
		if len(subs) == 0 {
			delete(m.handlers, kind)
		}
	}
}

// Subscriptions returns the number of registered handlers.
func (m *Manager) Subscriptions() int {
	n := 0
	for _, subs := range m.handlers {
		n += len(subs)
	}
	return n
}

// Open starts connecting with credential. It returns immediately; progress is
// reported through OnStateChange. An empty credential is refused without dialing.
func (m *Manager) Open(credential string) error {
	if m.closed {
		return fmt.Errorf("%w: manager closed", perrors.ErrConnection)
	}
	if credential == "" {
		m.setState(StateAuthRequired)
		return perrors.ErrAuthRequired
	}
	m.credential = credential
	if m.link != nil || m.cycle != nil {
		return nil
	}
	m.connect()
	return nil
}

// connect runs one bounded dial cycle in the background.
func (m *Manager) connect() {
	if m.state != StateDegraded {
		m.setState(StateConnecting)
	}

	ctx, cancel := context.WithCancel(m.ctx)
	m.cycle = cancel

	header := http.Header{}
	header.Set("Authorization", "Bearer "+m.credential)

	policy := retry.ReconnectConfig(m.cfg.MaxAttempts, m.cfg.RetryDelay)
	policy.Retryable = func(err error) bool { return !errors.Is(err, perrors.ErrAuthFailure) }
	policy.OnRetry = func(attempt int, err error) {
		m.metrics.RecordReconnectAttempt()
		m.logger.Warn().Err(err).
			Int("attempt", attempt).
			Int("max_attempts", m.cfg.MaxAttempts).
			Msg("channel dial failed, retrying")
	}

	runtime.Async(m.loop, ctx, func(ctx context.Context) (*websocket.Conn, error) {
		var conn *websocket.Conn
		err := retry.Do(ctx, policy, func(ctx context.Context) error {
			c, resp, err := m.dialer.DialContext(ctx, m.cfg.URL, header)
			if err != nil {
				if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
					return fmt.Errorf("%w: channel rejected credential (status %d)", perrors.ErrAuthFailure, resp.StatusCode)
				}
				return fmt.Errorf("%w: %v", perrors.ErrConnection, err)
			}
			conn = c
			return nil
		})
		return conn, err
	}, func(conn *websocket.Conn, err error) {
		m.onDialResult(ctx, cancel, conn, err)
	})
}

func (m *Manager) onDialResult(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, err error) {
	superseded := ctx.Err() != nil
	cancel()
	if superseded || m.closed {
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	m.cycle = nil
	if err != nil {
		if errors.Is(err, perrors.ErrAuthFailure) {
			m.logger.Error().Err(err).Msg("channel refused credential")
			m.setState(StateAuthRequired)
			return
		}
		m.logger.Error().Err(err).
			Int("attempts", m.cfg.MaxAttempts).
			Msg("channel unavailable, continuing on REST only")
		m.setState(StateFailed)
		return
	}
	m.attach(conn)
}

func (m *Manager) attach(conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(m.ctx)
	l := &link{
		conn:   conn,
		out:    make(chan []byte, m.cfg.OutboundBuffer),
		cancel: cancel,
	}
	m.link = l
	go m.readLoop(l)
	go m.writeLoop(ctx, l)

	m.logger.Info().Str("url", m.cfg.URL).Msg("channel connected")
	m.setState(StateConnected)
}

// readLoop forwards inbound frames to the loop until the connection fails.
func (m *Manager) readLoop(l *link) {
	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			m.loop.Post(func() { m.onLinkLost(l, err) })
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			m.logger.Warn().Err(err).Msg("channel frame parse error")
			continue
		}
		m.loop.Post(func() { m.dispatch(l, f) })
	}
}

// writeLoop is the only writer of data frames on l.
func (m *Manager) writeLoop(ctx context.Context, l *link) {
	for {
		select {
		case <-ctx.Done():
			_ = l.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			)
			_ = l.conn.Close()
			return
		case data := <-l.out:
			_ = l.conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
			if err := l.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				m.logger.Warn().Err(err).Msg("channel write failed")
				// Closing makes readLoop fail and report the loss.
				_ = l.conn.Close()
				return
			}
		}
	}
}

func (m *Manager) dispatch(l *link, f frame) {
	if l != m.link {
		return
	}

	subs := m.handlers[f.Event]
	ids := make([]SubscriptionID, 0, len(subs))
	for id := range subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if h, ok := subs[id]; ok {
			h(f.Payload)
		}
	}

	if f.Event == models.EventConnectionError {
		m.onLinkLost(l, fmt.Errorf("%w: backend reported a connection error", perrors.ErrConnection))
	}
}

func (m *Manager) onLinkLost(l *link, err error) {
	if l != m.link {
		return
	}
	m.link = nil
	l.cancel()
	if m.closed {
		return
	}
	if !errors.Is(err, websocket.ErrCloseSent) {
		m.logger.Warn().Err(err).Msg("channel lost, switching to degraded mode")
	}
	m.setState(StateDegraded)
	m.connect()
}

// Emit sends a frame best-effort. When the channel is not live the frame is
// dropped; the REST path is authoritative.
func (m *Manager) Emit(kind models.EventKind, payload any) {
	if m.link == nil {
		m.logger.Debug().Str("event", string(kind)).Msg("channel not live, dropping frame")
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		m.logger.Warn().Err(err).Str("event", string(kind)).Msg("marshaling frame payload")
		return
	}
	data, err := json.Marshal(frame{Event: kind, Payload: raw})
	if err != nil {
		m.logger.Warn().Err(err).Str("event", string(kind)).Msg("marshaling frame")
		return
	}
	select {
	case m.link.out <- data:
	default:
		m.logger.Warn().Str("event", string(kind)).Msg("outbound queue full, dropping frame")
	}
}

// Close unsubscribes every handler, stops any dial cycle and releases the
// connection. Safe to call more than once.
func (m *Manager) Close() {
	if m.closed {
		return
	}
	m.closed = true
	m.handlers = make(map[models.EventKind]map[SubscriptionID]Handler)
	m.cancel()
	m.cycle = nil
	m.link = nil
	m.setState(StateClosed)
	m.listeners = nil
	m.logger.Info().Msg("channel closed")
}

func (m *Manager) setState(s State) {
	if s == m.state {
		return
	}
	prev := m.state
	m.state = s
	m.metrics.SetChannelState(string(s))
	m.logger.Debug().Str("from", string(prev)).Str("to", string(s)).Msg("channel state changed")
	for _, fn := range m.listeners {
		fn(s)
	}
}
