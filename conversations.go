package taskmarket

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// ConversationAPI is the REST surface the conversation list needs.
// *ConversationsClient implements it.
type ConversationAPI interface {
	List(ctx context.Context) ([]Conversation, error)
	Delete(ctx context.Context, id ID) error
	MarkRead(ctx context.Context, id ID) error
}

// ConversationList keeps the user's conversations ordered by recency, with
// per-conversation unread counts whose sum is pushed into the UnreadCounter.
type ConversationList struct {
	api    ConversationAPI
	tokens *TokenSource
	unread *UnreadCounter
	logger *slog.Logger
	clock  Clock

	mu    sync.Mutex
	items []Conversation
	sub   *Subscription

	// refetch state; a request arriving mid-refetch sets again.
	refetching bool
	again      bool
	baseCtx    context.Context
	stop       context.CancelFunc
	wg         sync.WaitGroup

	onChange listeners[[]Conversation]
}

const refetchTimeout = 15 * time.Second

// NewConversationList creates an empty list.
func NewConversationList(api ConversationAPI, tokens *TokenSource, unread *UnreadCounter, logger *slog.Logger) *ConversationList {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ConversationList{
		api:     api,
		tokens:  tokens,
		unread:  unread,
		logger:  logger,
		clock:   SystemClock,
		baseCtx: ctx,
		stop:    cancel,
	}
}

// OnChange registers a handler receiving the ordered list after each change.
func (l *ConversationList) OnChange(h func([]Conversation)) { l.onChange.add(h) }

// Conversations returns a copy of the ordered list.
func (l *ConversationList) Conversations() []Conversation {
	l.mu.Lock()
	defer l.mu.Unlock()
	return cloneConversations(l.items)
}

// Get returns one conversation.
func (l *ConversationList) Get(id ID) (Conversation, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i := l.indexLocked(id); i >= 0 {
		return cloneConversations(l.items[i : i+1])[0], true
	}
	return Conversation{}, false
}

// Load replaces the list with the server's.
func (l *ConversationList) Load(ctx context.Context) error {
	convs, err := l.api.List(ctx)
	if err != nil {
		return err
	}
	slices.SortStableFunc(convs, func(a, b Conversation) int {
		return b.UpdatedAt.Compare(a.UpdatedAt)
	})
	for i := range convs {
		convs[i].UnreadCount = max(convs[i].UnreadCount, 0)
	}
	l.mu.Lock()
	l.items = convs
	l.mu.Unlock()
	l.changed()
	return nil
}

// Attach subscribes the list to router. Cancel the returned subscription, or
// call Detach, to stop.
func (l *ConversationList) Attach(router *Router) *Subscription {
	sub := router.Subscribe(Handlers{
		ChatMessage:         l.handleChatMessage,
		MessagesRead:        l.handleMessagesRead,
		ConversationUpdated: l.handleConversationUpdated,
	})
	l.mu.Lock()
	l.sub = sub
	l.mu.Unlock()
	return sub
}

// Detach cancels the router subscription and waits for any refetch in
// flight. Background refetches stay disabled afterwards.
func (l *ConversationList) Detach() {
	l.mu.Lock()
	sub := l.sub
	l.sub = nil
	l.stop()
	l.mu.Unlock()
	sub.Cancel()
	l.wg.Wait()
}

// Reset empties the list, which zeroes the message unread count.
func (l *ConversationList) Reset() {
	l.mu.Lock()
	l.items = nil
	l.mu.Unlock()
	l.changed()
}

// Delete removes the conversation on the server and locally.
func (l *ConversationList) Delete(ctx context.Context, id ID) error {
	if err := l.api.Delete(ctx, id); err != nil {
		return err
	}
	l.mu.Lock()
	i := l.indexLocked(id)
	if i >= 0 {
		l.items = slices.Delete(l.items, i, i+1)
	}
	l.mu.Unlock()
	if i >= 0 {
		l.changed()
	}
	return nil
}

// MarkRead marks the conversation read on the server and zeroes its count.
func (l *ConversationList) MarkRead(ctx context.Context, id ID) error {
	if err := l.api.MarkRead(ctx, id); err != nil {
		return err
	}
	l.zero(id)
	return nil
}

func (l *ConversationList) handleChatMessage(c ChatContext) {
	msg := c.Message
	self := l.tokens.Claims().UserID
	if self != "" && msg.Sender.ID == self {
		return
	}

	l.mu.Lock()
	i := l.indexLocked(msg.ConversationID)
	if i < 0 {
		l.mu.Unlock()
		l.refetch()
		return
	}
	conv := l.items[i]
	conv.LastMessage = &msg
	conv.UpdatedAt = msg.CreatedAt
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = l.clock.Now()
	}
	if c.Source == UserSocket && !c.IsActive() {
		conv.UnreadCount++
	}
	l.items = slices.Delete(l.items, i, i+1)
	l.items = slices.Insert(l.items, 0, conv)
	l.mu.Unlock()
	l.changed()
}

func (l *ConversationList) handleMessagesRead(r MessagesRead) {
	self := l.tokens.Claims().UserID
	if r.Reader.ID != "" && self != "" && r.Reader.ID != self {
		return
	}
	l.zero(r.ConversationID)
}

func (l *ConversationList) handleConversationUpdated(c Conversation) {
	c.UnreadCount = max(c.UnreadCount, 0)
	l.mu.Lock()
	if i := l.indexLocked(c.ID); i >= 0 {
		l.items[i] = c
	} else {
		l.items = slices.Insert(l.items, 0, c)
	}
	l.mu.Unlock()
	l.changed()
}

func (l *ConversationList) zero(id ID) {
	l.mu.Lock()
	i := l.indexLocked(id)
	if i < 0 || l.items[i].UnreadCount == 0 {
		l.mu.Unlock()
		return
	}
	l.items[i].UnreadCount = 0
	l.mu.Unlock()
	l.changed()
}

// refetch reloads the list in the background. Calls made while a reload is
// running coalesce into one more reload.
func (l *ConversationList) refetch() {
	l.mu.Lock()
	if l.baseCtx.Err() != nil {
		l.mu.Unlock()
		return
	}
	if l.refetching {
		l.again = true
		l.mu.Unlock()
		return
	}
	l.refetching = true
	l.wg.Add(1)
	l.mu.Unlock()

	go func() {
		defer l.wg.Done()
		for {
			ctx, cancel := context.WithTimeout(l.baseCtx, refetchTimeout)
			if err := l.Load(ctx); err != nil {
				l.logger.Warn("conversations_refetch_failed", "error", err)
			}
			cancel()

			l.mu.Lock()
			if !l.again || l.baseCtx.Err() != nil {
				l.refetching = false
				l.again = false
				l.mu.Unlock()
				return
			}
			l.again = false
			l.mu.Unlock()
		}
	}()
}

func (l *ConversationList) indexLocked(id ID) int {
	return slices.IndexFunc(l.items, func(c Conversation) bool { return c.ID == id })
}

// changed pushes the unread sum and notifies observers.
func (l *ConversationList) changed() {
	l.mu.Lock()
	total := 0
	for _, c := range l.items {
		total += c.UnreadCount
	}
	snapshot := cloneConversations(l.items)
	l.mu.Unlock()
	if l.unread != nil {
		l.unread.SetMessages(total)
	}
	l.onChange.emit(snapshot)
}

func cloneConversations(in []Conversation) []Conversation {
	out := make([]Conversation, len(in))
	for i, c := range in {
		if c.LastMessage != nil {
			m := *c.LastMessage
			c.LastMessage = &m
		}
		c.Participants = slices.Clone(c.Participants)
		out[i] = c
	}
	return out
}
