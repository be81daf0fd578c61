package taskmarket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrEmptyMessage is returned when sending blank content.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrSendFailed wraps the cause when neither the socket nor HTTP
	// delivered a message.
	ErrSendFailed = errors.New("send failed")
)

// TempIDPrefix marks client-synthesized message ids.
const TempIDPrefix = "temp-"

// MessageAPI is the REST surface a stream needs. *MessagesClient implements it.
type MessageAPI interface {
	List(ctx context.Context, conversationID ID, page int) (*Page[Message], error)
	Send(ctx context.Context, conversationID ID, content string) (*Message, error)
}

// ReadMarker marks a conversation read. *ConversationList and
// *ConversationsClient implement it.
type ReadMarker interface {
	MarkRead(ctx context.Context, id ID) error
}

// Connections is the part of the ConnectionManager a stream drives.
type Connections interface {
	Connect(ctx context.Context, key ConnKey) error
	Send(ctx context.Context, key ConnKey, frame OutboundFrame) error
	Disconnect(key ConnKey)
	CancelDisconnect(key ConnKey) bool
}

// StreamDeps are the collaborators of a MessageStream.
type StreamDeps struct {
	API    MessageAPI
	Reads  ReadMarker
	Conns  Connections
	Router *Router
	Tokens *TokenSource

	Clock      Clock
	Logger     *slog.Logger
	Metrics    *Metrics
	EchoWindow time.Duration
}

// MessageStream is the ordered message list of one open conversation. It
// merges optimistic sends with the server's echoes.
type MessageStream struct {
	id   ID
	key  ConnKey
	deps StreamDeps

	mu        sync.Mutex
	messages  []Message
	nextPage  int
	hasMore   bool
	sub       *Subscription
	closed    bool
	connected bool

	onChange listeners[[]Message]
}

// NewMessageStream creates a stream for conversationID. Call Open to load
// and subscribe.
func NewMessageStream(conversationID ID, deps StreamDeps) *MessageStream {
	if deps.Clock == nil {
		deps.Clock = SystemClock
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.EchoWindow <= 0 {
		deps.EchoWindow = DefaultEchoWindow
	}
	return &MessageStream{
		id:       conversationID,
		key:      ConversationConn(conversationID),
		deps:     deps,
		nextPage: 1,
	}
}

// ConversationID returns the stream's conversation.
func (s *MessageStream) ConversationID() ID { return s.id }

// OnChange registers a handler receiving the message list after each change.
func (s *MessageStream) OnChange(h func([]Message)) { s.onChange.add(h) }

// Messages returns a copy of the ordered list.
func (s *MessageStream) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.messages)
}

// HasMore reports whether older history remains on the server.
func (s *MessageStream) HasMore() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasMore
}

// Open loads the newest history page, takes over or opens the conversation
// socket, subscribes to the router and marks the conversation read. Only a
// history failure is returned; socket and read-marker failures are logged
// since sends fall back to HTTP.
func (s *MessageStream) Open(ctx context.Context) error {
	page, err := s.deps.API.List(ctx, s.id, 1)
	if err != nil {
		return fmt.Errorf("load messages: %w", err)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.messages = mergeMessages(s.messages, page.Results)
	s.nextPage = 2
	s.hasMore = page.HasNext()
	s.mu.Unlock()
	s.changed()

	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()
	s.deps.Conns.CancelDisconnect(s.key)
	if err := s.deps.Conns.Connect(ctx, s.key); err != nil {
		s.deps.Logger.Warn("stream_connect_failed", "conversation", s.id.String(), "error", err)
	}

	sub := s.deps.Router.Subscribe(Handlers{
		ChatMessage:   s.handleChatMessage,
		MessagesRead:  s.handleMessagesRead,
		SystemMessage: s.handleSystemMessage,
	})
	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()

	if s.deps.Reads != nil {
		if err := s.deps.Reads.MarkRead(ctx, s.id); err != nil {
			s.deps.Logger.Warn("stream_mark_read_failed", "conversation", s.id.String(), "error", err)
		}
	}
	return nil
}

// LoadOlder fetches the next page of history and returns how many messages
// were added.
func (s *MessageStream) LoadOlder(ctx context.Context) (int, error) {
	s.mu.Lock()
	if !s.hasMore {
		s.mu.Unlock()
		return 0, nil
	}
	next := s.nextPage
	s.mu.Unlock()

	page, err := s.deps.API.List(ctx, s.id, next)
	if err != nil {
		return 0, fmt.Errorf("load messages: %w", err)
	}
	s.mu.Lock()
	before := len(s.messages)
	s.messages = mergeMessages(s.messages, page.Results)
	added := len(s.messages) - before
	s.nextPage = next + 1
	s.hasMore = page.HasNext()
	s.mu.Unlock()
	if added > 0 {
		s.changed()
	}
	return added, nil
}

// Close unsubscribes and, if Open took the conversation socket, schedules it
// to close after the grace period.
func (s *MessageStream) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	sub, connected := s.sub, s.connected
	s.sub = nil
	s.mu.Unlock()
	sub.Cancel()
	if connected {
		s.deps.Conns.Disconnect(s.key)
	}
}

// SendMessage shows content immediately as a pending message, then sends it
// over the socket or, when the socket is not open, over HTTP. The returned
// message is the pending one for socket sends and the stored one for HTTP
// sends. If both paths fail the pending message is removed and the error
// wraps ErrSendFailed.
func (s *MessageStream) SendMessage(ctx context.Context, content string) (Message, error) {
	if strings.TrimSpace(content) == "" {
		return Message{}, ErrEmptyMessage
	}
	claims := s.deps.Tokens.Claims()
	temp := Message{
		ID:             ID(TempIDPrefix + uuid.NewString()),
		ConversationID: s.id,
		Sender:         User{ID: claims.UserID, Username: claims.Username},
		Content:        content,
		CreatedAt:      s.deps.Clock.Now(),
		Status:         StatusSent,
		Pending:        true,
	}
	s.mu.Lock()
	s.messages = append(s.messages, temp)
	s.mu.Unlock()
	s.changed()

	wsErr := s.deps.Conns.Send(ctx, s.key, ComposeFrame(content))
	if wsErr == nil {
		return temp, nil
	}
	s.deps.Metrics.sendFallback()
	s.deps.Logger.Debug("send_http_fallback", "conversation", s.id.String(), "reason", wsErr)

	stored, err := s.deps.API.Send(ctx, s.id, content)
	if err != nil {
		if s.remove(temp.ID) {
			s.changed()
		}
		return Message{}, fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	stored.Pending = false
	if s.confirm(temp.ID, *stored) {
		s.changed()
	}
	return *stored, nil
}

// confirm swaps the pending message for the stored one. It reports whether
// the list changed.
func (s *MessageStream) confirm(tempID ID, stored Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.indexLocked(stored.ID) >= 0 {
		// The echo already arrived; drop the pending copy if it survived.
		if i := s.indexLocked(tempID); i >= 0 {
			s.messages = slices.Delete(s.messages, i, i+1)
			return true
		}
		return false
	}
	if i := s.indexLocked(tempID); i >= 0 {
		s.messages[i] = stored
		return true
	}
	s.messages = append(s.messages, stored)
	return true
}

func (s *MessageStream) remove(id ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexLocked(id); i >= 0 {
		s.messages = slices.Delete(s.messages, i, i+1)
		return true
	}
	return false
}

func (s *MessageStream) handleChatMessage(c ChatContext) {
	msg := c.Message
	if msg.ConversationID != s.id {
		return
	}
	msg.Pending = false
	s.mu.Lock()
	if s.indexLocked(msg.ID) >= 0 {
		s.mu.Unlock()
		return
	}
	if i := s.echoIndexLocked(msg); i >= 0 {
		s.messages[i] = msg
	} else {
		s.messages = append(s.messages, msg)
	}
	s.mu.Unlock()
	s.changed()
}

// echoIndexLocked finds the pending message msg confirms: same content, same
// sender, created within the echo window. Two identical messages sent in
// quick succession can match out of order.
func (s *MessageStream) echoIndexLocked(msg Message) int {
	for i, m := range s.messages {
		if !m.Pending || m.Content != msg.Content || m.Sender.ID != msg.Sender.ID {
			continue
		}
		if d := msg.CreatedAt.Sub(m.CreatedAt).Abs(); d <= s.deps.EchoWindow {
			return i
		}
	}
	return -1
}

func (s *MessageStream) handleMessagesRead(r MessagesRead) {
	if r.ConversationID != s.id {
		return
	}
	now := s.deps.Clock.Now()
	changed := false
	s.mu.Lock()
	for i := range s.messages {
		m := &s.messages[i]
		if m.Status == StatusRead {
			continue
		}
		m.Status = StatusRead
		if m.ReadAt == nil {
			t := now
			m.ReadAt = &t
		}
		changed = true
	}
	s.mu.Unlock()
	if changed {
		s.changed()
	}
}

func (s *MessageStream) handleSystemMessage(msg Message) {
	if msg.ConversationID != s.id {
		return
	}
	s.mu.Lock()
	if msg.ID != "" && s.indexLocked(msg.ID) >= 0 {
		s.mu.Unlock()
		return
	}
	s.messages = append(s.messages, msg)
	s.mu.Unlock()
	s.changed()
}

func (s *MessageStream) indexLocked(id ID) int {
	if id == "" {
		return -1
	}
	return slices.IndexFunc(s.messages, func(m Message) bool { return m.ID == id })
}

func (s *MessageStream) changed() {
	s.onChange.emit(s.Messages())
}

// mergeMessages adds history to cur, skipping known ids, and keeps the
// result ordered by creation time.
func mergeMessages(cur, history []Message) []Message {
	seen := make(map[ID]struct{}, len(cur))
	for _, m := range cur {
		seen[m.ID] = struct{}{}
	}
	out := slices.Clone(cur)
	for _, m := range history {
		if _, ok := seen[m.ID]; ok && m.ID != "" {
			continue
		}
		seen[m.ID] = struct{}{}
		out = append(out, m)
	}
	slices.SortStableFunc(out, func(a, b Message) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out
}
