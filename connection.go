package taskmarket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"
)

// ============================================================================
// Connection Types
// ============================================================================

// ConnKey identifies one connection: a role plus the user or conversation id
// it is addressed by.
type ConnKey struct {
	Role Role
	ID   ID
}

// UserConn is the key of the user socket for userID.
func UserConn(userID ID) ConnKey { return ConnKey{Role: UserSocket, ID: userID} }

// ConversationConn is the key of the socket for one conversation.
func ConversationConn(conversationID ID) ConnKey {
	return ConnKey{Role: ConversationSocket, ID: conversationID}
}

func (k ConnKey) String() string { return string(k.Role) + ":" + string(k.ID) }

// ConnState is the lifecycle state of a connection.
type ConnState string

const (
	StateClosed       ConnState = "closed"
	StateConnecting   ConnState = "connecting"
	StateOpen         ConnState = "open"
	StateReconnecting ConnState = "reconnecting"
	StateFailed       ConnState = "failed"
)

// ErrNotConnected is returned by Send when the socket is not open.
var ErrNotConnected = errors.New("not connected")

// ErrConnectionFailed is carried by FailedEvent once retries are exhausted.
var ErrConnectionFailed = errors.New("connection failed, please reload")

// StateChange reports a connection's new state.
type StateChange struct {
	Key   ConnKey
	State ConnState
}

// ReconnectEvent reports a scheduled reconnect attempt.
type ReconnectEvent struct {
	Key     ConnKey
	Attempt int
	Delay   time.Duration
}

// FailedEvent reports that a connection gave up reconnecting.
type FailedEvent struct {
	Key ConnKey
	Err error
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	policy      backoff.BackOff
	maxAttempts int
	attempt     int
}

func newReconnector(delay time.Duration, maxAttempts int) *reconnector {
	return &reconnector{
		policy:      backoff.NewConstantBackOff(delay),
		maxAttempts: maxAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.attempt < r.maxAttempts
}

func (r *reconnector) nextDelay() time.Duration {
	r.attempt++
	return r.policy.NextBackOff()
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.policy.Reset()
}

// ============================================================================
// Connection Manager
// ============================================================================

type connection struct {
	key   ConnKey
	state ConnState
	sock  Socket
	// gen increments per socket so a stale read loop cannot act on a newer one.
	gen    int
	open   bool
	cancel context.CancelFunc

	// held is false once Disconnect released the connection; a released
	// connection is never retried.
	held        bool
	intentional bool

	recon        *reconnector
	pendingClose *deferred
	pendingRetry *deferred
}

// ConnectionManager owns the session's sockets, at most one per ConnKey.
// Every frame a socket delivers is normalized and published to the Router.
type ConnectionManager struct {
	cfg     Config
	tokens  *TokenSource
	router  *Router
	dialer  Dialer
	clock   Clock
	logger  *slog.Logger
	metrics *Metrics

	// parseLog throttles parse-error reports; metrics count every drop.
	parseLog *rate.Limiter

	mu    sync.Mutex
	conns map[ConnKey]*connection

	onState        listeners[StateChange]
	onReconnecting listeners[ReconnectEvent]
	onFailed       listeners[FailedEvent]
}

// ManagerOption configures a ConnectionManager.
type ManagerOption func(*ConnectionManager)

// WithDialer replaces the WebSocket dialer.
func WithDialer(d Dialer) ManagerOption {
	return func(m *ConnectionManager) { m.dialer = d }
}

// WithClock replaces the clock driving grace and reconnect timers.
func WithClock(c Clock) ManagerOption {
	return func(m *ConnectionManager) { m.clock = c }
}

// WithManagerLogger sets the logger.
func WithManagerLogger(l *slog.Logger) ManagerOption {
	return func(m *ConnectionManager) { m.logger = l }
}

// WithManagerMetrics sets the metrics.
func WithManagerMetrics(mt *Metrics) ManagerOption {
	return func(m *ConnectionManager) { m.metrics = mt }
}

// NewConnectionManager creates a manager publishing to router.
func NewConnectionManager(cfg Config, tokens *TokenSource, router *Router, opts ...ManagerOption) *ConnectionManager {
	cfg.defaults()
	m := &ConnectionManager{
		cfg:      cfg,
		tokens:   tokens,
		router:   router,
		dialer:   WebSocketDialer{},
		clock:    SystemClock,
		logger:   slog.Default(),
		parseLog: rate.NewLimiter(rate.Every(time.Second), 5),
		conns:    make(map[ConnKey]*connection),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// OnStateChange registers a handler for connection state transitions.
func (m *ConnectionManager) OnStateChange(h func(StateChange)) { m.onState.add(h) }

// OnReconnecting registers a handler called when a retry is scheduled.
func (m *ConnectionManager) OnReconnecting(h func(ReconnectEvent)) { m.onReconnecting.add(h) }

// OnFailed registers a handler called when a connection gives up.
func (m *ConnectionManager) OnFailed(h func(FailedEvent)) { m.onFailed.add(h) }

// State returns the state of key's connection.
func (m *ConnectionManager) State(key ConnKey) ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.conns[key]; ok {
		return c.state
	}
	return StateClosed
}

// Connect opens key's socket. While the socket is open, connecting, or
// waiting to reconnect it only takes back a pending Disconnect. A failed dial
// is still retried in the background under the reconnect policy; its error is
// returned either way.
func (m *ConnectionManager) Connect(ctx context.Context, key ConnKey) error {
	if !m.tokens.Authenticated() {
		return ErrUnauthenticated
	}
	m.mu.Lock()
	c, ok := m.conns[key]
	if ok {
		switch c.state {
		case StateOpen, StateConnecting, StateReconnecting:
			if c.pendingClose.Cancel() {
				c.held = true
			}
			c.pendingClose = nil
			m.mu.Unlock()
			return nil
		}
		c.pendingClose.Cancel()
		c.pendingClose = nil
	} else {
		c = &connection{key: key, recon: newReconnector(m.cfg.ReconnectDelay, m.cfg.MaxReconnectAttempts)}
		m.conns[key] = c
	}
	c.held = true
	c.intentional = false
	c.recon.reset()
	c.state = StateConnecting
	c.gen++
	gen := c.gen
	m.mu.Unlock()
	m.onState.emit(StateChange{Key: key, State: StateConnecting})

	return m.dial(ctx, c, gen)
}

func (m *ConnectionManager) dial(ctx context.Context, c *connection, gen int) error {
	target := m.socketURL(c.key)
	sock, err := m.dialer.Dial(ctx, target)
	if err != nil {
		m.logger.Warn("ws_dial_failed", "conn", c.key.String(), "error", err)
		m.closed(c, gen, err)
		return fmt.Errorf("dial %s: %w", c.key, err)
	}

	m.mu.Lock()
	if c.gen != gen || c.intentional || m.conns[c.key] != c {
		m.mu.Unlock()
		sock.Close(StatusNormalClosure, "superseded")
		return nil
	}
	readCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.sock = sock
	c.cancel = cancel
	c.state = StateOpen
	c.open = true
	c.recon.reset()
	m.mu.Unlock()

	m.metrics.connectionOpened(c.key.Role)
	m.logger.Info("ws_open", "conn", c.key.String())
	m.onState.emit(StateChange{Key: c.key, State: StateOpen})

	go m.readLoop(readCtx, c, gen, sock)
	return nil
}

func (m *ConnectionManager) socketURL(key ConnKey) string {
	pattern := m.cfg.UserSocketPath
	if key.Role == ConversationSocket {
		pattern = m.cfg.ChatSocketPath
	}
	path := fmt.Sprintf(pattern, url.PathEscape(string(key.ID)))
	return m.cfg.WSBaseURL + path + "?token=" + url.QueryEscape(m.tokens.Token())
}

func (m *ConnectionManager) readLoop(ctx context.Context, c *connection, gen int, sock Socket) {
	for {
		data, err := sock.Read(ctx)
		if err != nil {
			m.closed(c, gen, err)
			return
		}
		f, err := NormalizeFrame(data, c.key, m.clock.Now())
		if err != nil {
			m.reportParseError(c.key, err)
			continue
		}
		if !m.router.Publish(f) {
			return
		}
	}
}

func (m *ConnectionManager) reportParseError(key ConnKey, err error) {
	if errors.Is(err, ErrUnknownFrame) {
		m.metrics.frameDropped(dropUnknown)
		m.logger.Debug("frame_ignored", "conn", key.String(), "error", err)
		return
	}
	m.metrics.frameDropped(dropMalformed)
	if m.parseLog.Allow() {
		m.logger.Warn("frame_dropped", "conn", key.String(), "error", err)
	}
}

// closed handles the end of a socket or a failed dial and applies the
// reconnect policy.
func (m *ConnectionManager) closed(c *connection, gen int, cause error) {
	m.mu.Lock()
	if c.gen != gen {
		m.mu.Unlock()
		return
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	wasOpen := c.open
	c.open = false
	c.sock = nil

	clean := c.intentional || isCleanClose(cause)
	announce := !c.intentional
	var (
		next    ConnState
		retry   *ReconnectEvent
		failure *FailedEvent
	)
	switch {
	case clean || !c.held || !m.tokens.Authenticated():
		next = StateClosed
		if m.conns[c.key] == c && !c.held {
			delete(m.conns, c.key)
		}
	case c.recon.shouldReconnect():
		next = StateReconnecting
		delay := c.recon.nextDelay()
		retry = &ReconnectEvent{Key: c.key, Attempt: c.recon.attempt, Delay: delay}
		c.pendingRetry = schedule(m.clock, delay, func() { m.redial(c, gen) })
	default:
		next = StateFailed
		failure = &FailedEvent{Key: c.key, Err: ErrConnectionFailed}
	}
	c.state = next
	m.mu.Unlock()

	if wasOpen {
		m.metrics.connectionClosed(c.key.Role)
	}
	m.logger.Info("ws_closed", "conn", c.key.String(), "clean", clean, "error", cause)
	if announce {
		m.onState.emit(StateChange{Key: c.key, State: next})
	}
	if retry != nil {
		m.metrics.reconnectAttempt(c.key.Role)
		m.logger.Info("ws_reconnecting", "conn", c.key.String(), "attempt", retry.Attempt, "delay", retry.Delay)
		m.onReconnecting.emit(*retry)
	}
	if failure != nil {
		m.logger.Error("ws_failed", "conn", c.key.String(), "attempts", c.recon.maxAttempts)
		m.onFailed.emit(*failure)
	}
}

func (m *ConnectionManager) redial(c *connection, prevGen int) {
	m.mu.Lock()
	if c.gen != prevGen || c.state != StateReconnecting || m.conns[c.key] != c {
		m.mu.Unlock()
		return
	}
	c.pendingRetry = nil
	if !c.held || !m.tokens.Authenticated() {
		c.state = StateClosed
		delete(m.conns, c.key)
		m.mu.Unlock()
		m.onState.emit(StateChange{Key: c.key, State: StateClosed})
		return
	}
	c.gen++
	gen := c.gen
	c.state = StateConnecting
	m.mu.Unlock()
	m.onState.emit(StateChange{Key: c.key, State: StateConnecting})

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.RequestTimeout)
	defer cancel()
	m.dial(ctx, c, gen)
}

// Send writes frame to key's socket. It returns ErrNotConnected unless the
// socket is open.
func (m *ConnectionManager) Send(ctx context.Context, key ConnKey, frame OutboundFrame) error {
	m.mu.Lock()
	c, ok := m.conns[key]
	var sock Socket
	if ok && c.state == StateOpen {
		sock = c.sock
	}
	m.mu.Unlock()
	if sock == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	if err := sock.Write(ctx, data); err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return nil
}

// Disconnect releases key's connection and closes it after the grace period
// unless CancelDisconnect runs first.
func (m *ConnectionManager) Disconnect(key ConnKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[key]
	if !ok {
		return
	}
	c.held = false
	c.pendingClose.Cancel()
	c.pendingClose = schedule(m.clock, m.cfg.GracePeriod, func() { m.closeNow(c) })
}

// CancelDisconnect aborts a pending Disconnect and reports whether one was
// pending.
func (m *ConnectionManager) CancelDisconnect(key ConnKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[key]
	if !ok || c.pendingClose == nil {
		return false
	}
	cancelled := c.pendingClose.Cancel()
	c.pendingClose = nil
	if cancelled {
		c.held = true
	}
	return cancelled
}

func (m *ConnectionManager) closeNow(c *connection) {
	m.mu.Lock()
	if m.conns[c.key] != c {
		m.mu.Unlock()
		return
	}
	sock := m.release(c)
	m.mu.Unlock()
	if sock != nil {
		sock.Close(StatusNormalClosure, "client disconnect")
	}
	m.onState.emit(StateChange{Key: c.key, State: StateClosed})
}

// release removes c and cancels its timers. Callers hold m.mu.
func (m *ConnectionManager) release(c *connection) Socket {
	delete(m.conns, c.key)
	c.intentional = true
	c.held = false
	c.pendingClose.Cancel()
	c.pendingRetry.Cancel()
	c.pendingClose, c.pendingRetry = nil, nil
	c.state = StateClosed
	if c.sock == nil {
		c.gen++
	}
	return c.sock
}

// CloseAll closes every connection immediately and cancels all timers.
// It is used when authentication is lost.
func (m *ConnectionManager) CloseAll() {
	m.mu.Lock()
	type closing struct {
		key  ConnKey
		sock Socket
	}
	var all []closing
	for _, c := range m.conns {
		all = append(all, closing{key: c.key, sock: m.release(c)})
	}
	m.mu.Unlock()

	for _, cl := range all {
		if cl.sock != nil {
			cl.sock.Close(StatusNormalClosure, "logout")
		}
		m.onState.emit(StateChange{Key: cl.key, State: StateClosed})
	}
}
