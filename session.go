package taskmarket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"golang.org/x/sync/singleflight"
)

// ErrSessionClosed is returned by operations on a closed session.
var ErrSessionClosed = errors.New("session closed")

// Session wires the realtime layer for one signed-in user: REST client,
// router, connection manager and the stores fed by them.
type Session struct {
	cfg     Config
	logger  *slog.Logger
	metrics *Metrics
	clock   Clock

	tokens        *TokenSource
	client        *Client
	page          *PageContext
	router        *Router
	conns         *ConnectionManager
	unread        *UnreadCounter
	conversations *ConversationList
	notifications *NotificationFeed

	mu      sync.Mutex
	streams map[ID]*MessageStream
	opening singleflight.Group
	started bool
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}
}

type sessionOptions struct {
	logger     *slog.Logger
	metrics    *Metrics
	dialer     Dialer
	clock      Clock
	userID     ID
	httpClient *http.Client
	clientOpts []ClientOption
}

// SessionOption configures NewSession.
type SessionOption func(*sessionOptions)

func WithLogger(l *slog.Logger) SessionOption {
	return func(o *sessionOptions) { o.logger = l }
}

// WithMetrics records the session's activity in m.
func WithMetrics(m *Metrics) SessionOption {
	return func(o *sessionOptions) { o.metrics = m }
}

// WithSocketDialer replaces the WebSocket dialer.
func WithSocketDialer(d Dialer) SessionOption {
	return func(o *sessionOptions) { o.dialer = d }
}

// WithSessionClock replaces the clock used for timers and timestamps.
func WithSessionClock(c Clock) SessionOption {
	return func(o *sessionOptions) { o.clock = c }
}

// WithUserID sets the local user id, for tokens that do not carry one.
func WithUserID(id ID) SessionOption {
	return func(o *sessionOptions) { o.userID = id }
}

// WithSessionHTTPClient sets the HTTP client for REST calls and socket dials.
func WithSessionHTTPClient(c *http.Client) SessionOption {
	return func(o *sessionOptions) { o.httpClient = c }
}

// WithClientOptions passes extra options to the REST client.
func WithClientOptions(opts ...ClientOption) SessionOption {
	return func(o *sessionOptions) { o.clientOpts = append(o.clientOpts, opts...) }
}

// NewSession builds a session from cfg. The token must identify the user,
// either through its claims or WithUserID.
func NewSession(cfg Config, opts ...SessionOption) (*Session, error) {
	cfg.defaults()
	o := sessionOptions{logger: slog.Default(), clock: SystemClock}
	for _, opt := range opts {
		opt(&o)
	}

	tokens, err := NewTokenSource(cfg.Token, o.userID, o.clock.Now)
	if err != nil {
		return nil, fmt.Errorf("token: %w", err)
	}

	clientOpts := []ClientOption{
		WithBaseURL(cfg.BaseURL),
		WithTimeout(cfg.RequestTimeout),
		WithTokenSource(tokens),
	}
	dialer := o.dialer
	if o.httpClient != nil {
		clientOpts = append(clientOpts, WithHTTPClient(o.httpClient))
		if dialer == nil {
			dialer = WebSocketDialer{HTTPClient: o.httpClient}
		}
	}
	if dialer == nil {
		dialer = WebSocketDialer{}
	}
	client := NewClient("", append(clientOpts, o.clientOpts...)...)

	page := NewPageContext()
	router := NewRouter(page,
		WithRouterLogger(o.logger),
		WithRouterMetrics(o.metrics),
		WithLedgerCapacity(cfg.LedgerCapacity),
	)
	conns := NewConnectionManager(cfg, tokens, router,
		WithDialer(dialer),
		WithClock(o.clock),
		WithManagerLogger(o.logger),
		WithManagerMetrics(o.metrics),
	)
	unread := NewUnreadCounter(o.metrics)
	conversations := NewConversationList(client.Conversations, tokens, unread, o.logger)
	conversations.clock = o.clock

	return &Session{
		cfg:           cfg,
		logger:        o.logger,
		metrics:       o.metrics,
		clock:         o.clock,
		tokens:        tokens,
		client:        client,
		page:          page,
		router:        router,
		conns:         conns,
		unread:        unread,
		conversations: conversations,
		notifications: NewNotificationFeed(client.Notifications, unread),
		streams:       make(map[ID]*MessageStream),
	}, nil
}

func (s *Session) Client() *Client { return s.client }

func (s *Session) Tokens() *TokenSource { return s.tokens }

func (s *Session) Page() *PageContext { return s.page }

func (s *Session) Router() *Router { return s.router }

func (s *Session) Connections() *ConnectionManager { return s.conns }

func (s *Session) Unread() *UnreadCounter { return s.unread }

func (s *Session) Conversations() *ConversationList { return s.conversations }

func (s *Session) Notifications() *NotificationFeed { return s.notifications }

// UserID returns the local user's id, or "" after Logout.
func (s *Session) UserID() ID { return s.tokens.Claims().UserID }

// Stream returns the open stream of conversation id.
func (s *Session) Stream(id ID) (*MessageStream, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[id]
	return st, ok
}

// Start runs the router, attaches the stores, connects the user socket and
// loads the initial conversation and notification lists. A socket failure
// is only logged: the connection retries in the background.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go func() {
		defer close(s.done)
		s.router.Run(runCtx)
	}()

	s.conversations.Attach(s.router)
	s.notifications.Attach(s.router)

	if err := s.conns.Connect(ctx, UserConn(s.UserID())); err != nil {
		s.logger.Warn("user_socket_connect_failed", "error", err)
	}

	return errors.Join(
		s.wrap("load conversations", s.conversations.Load(ctx)),
		s.wrap("load notifications", s.notifications.Load(ctx)),
	)
}

func (s *Session) wrap(what string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", what, err)
}

// Navigate records the current route, which decides the active conversation.
func (s *Session) Navigate(route string) error {
	return s.page.SetRoute(route)
}

// OpenConversation makes id the active conversation and returns its opened
// stream. An already open stream is returned as is. Concurrent calls for the
// same id share one open and its result, so the first caller's ctx governs it.
func (s *Session) OpenConversation(ctx context.Context, id ID) (*MessageStream, error) {
	v, err, _ := s.opening.Do(string(id), func() (any, error) {
		return s.openStream(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return v.(*MessageStream), nil
}

func (s *Session) openStream(ctx context.Context, id ID) (*MessageStream, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	if st, ok := s.streams[id]; ok {
		s.mu.Unlock()
		return st, nil
	}
	s.mu.Unlock()

	if s.page.ActiveConversation() != id {
		if err := s.page.SetRoute(MessageCenterPath + "?conversation=" + url.QueryEscape(string(id))); err != nil {
			return nil, err
		}
	}

	st := NewMessageStream(id, StreamDeps{
		API:        s.client.Messages,
		Reads:      s.conversations,
		Conns:      s.conns,
		Router:     s.router,
		Tokens:     s.tokens,
		Clock:      s.clock,
		Logger:     s.logger,
		Metrics:    s.metrics,
		EchoWindow: s.cfg.EchoWindow,
	})
	if err := st.Open(ctx); err != nil {
		st.Close()
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		st.Close()
		return nil, ErrSessionClosed
	}
	if !s.tokens.Authenticated() {
		s.mu.Unlock()
		st.Close()
		return nil, ErrUnauthenticated
	}
	s.streams[id] = st
	s.mu.Unlock()
	return st, nil
}

// CloseConversation closes id's stream and clears it as the active
// conversation.
func (s *Session) CloseConversation(id ID) {
	s.mu.Lock()
	st, ok := s.streams[id]
	delete(s.streams, id)
	s.mu.Unlock()
	if ok {
		st.Close()
	}
	if s.page.ActiveConversation() == id {
		s.page.SetRoute(MessageCenterPath)
	}
}

// Logout handles loss of authentication: the token is dropped, every
// socket closes immediately without retrying and the stores empty, which
// zeroes the unread counts.
func (s *Session) Logout() {
	s.tokens.Clear()
	s.closeStreams()
	s.conns.CloseAll()
	s.conversations.Reset()
	s.notifications.Reset()
}

// Close stops the session. It does not clear the token.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	s.closeStreams()
	s.conns.CloseAll()
	s.conversations.Detach()
	s.notifications.Detach()
	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}

func (s *Session) closeStreams() {
	s.mu.Lock()
	streams := s.streams
	s.streams = make(map[ID]*MessageStream)
	s.mu.Unlock()
	for _, st := range streams {
		st.Close()
	}
}
