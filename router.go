package taskmarket

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// ============================================================================
// Handlers
// ============================================================================

// ChatContext is what chat handlers receive for one routed message.
type ChatContext struct {
	Message Message
	// Conversation is the snapshot the user socket sends alongside a new
	// message; nil for conversation socket frames.
	Conversation         *Conversation
	Source               Role
	InMessageCenter      bool
	ActiveConversationID ID
}

// IsActive reports whether the message belongs to the conversation on screen.
func (c ChatContext) IsActive() bool {
	return c.ActiveConversationID != "" && c.Message.ConversationID == c.ActiveConversationID
}

// Handlers is one subscriber's set of callbacks. Nil fields are skipped.
type Handlers struct {
	ChatMessage         func(ChatContext)
	MessagesRead        func(MessagesRead)
	ConversationUpdated func(Conversation)
	SystemMessage       func(Message)
	Notification        func(Notification)
}

// Subscription is a registered Handlers set.
type Subscription struct {
	id     string
	router *Router
	h      Handlers
}

// ID returns the subscription's unique id.
func (s *Subscription) ID() string { return s.id }

// Cancel deregisters the handlers. It is safe to call more than once.
func (s *Subscription) Cancel() {
	if s == nil || s.router == nil {
		return
	}
	s.router.remove(s)
}

// ============================================================================
// Router
// ============================================================================

const routerQueueSize = 256

// Router is the session's single publish point. Connections publish
// normalized frames; Run consumes them one at a time so the dedup ledger
// is only ever touched by the dispatch goroutine.
type Router struct {
	page    *PageContext
	logger  *slog.Logger
	metrics *Metrics

	frames  chan Frame
	stopped chan struct{}
	once    sync.Once

	mu   sync.Mutex
	subs []*Subscription

	seen *ledger
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithRouterLogger sets the router's logger.
func WithRouterLogger(l *slog.Logger) RouterOption {
	return func(r *Router) { r.logger = l }
}

// WithRouterMetrics sets the router's metrics.
func WithRouterMetrics(m *Metrics) RouterOption {
	return func(r *Router) { r.metrics = m }
}

// WithLedgerCapacity overrides the dedup ledger capacity.
func WithLedgerCapacity(n int) RouterOption {
	return func(r *Router) { r.seen = newLedger(n) }
}

// NewRouter creates a router reading route state from page.
func NewRouter(page *PageContext, opts ...RouterOption) *Router {
	if page == nil {
		page = NewPageContext()
	}
	r := &Router{
		page:    page,
		logger:  slog.Default(),
		frames:  make(chan Frame, routerQueueSize),
		stopped: make(chan struct{}),
		seen:    newLedger(DefaultLedgerCapacity),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Page returns the route state the router consults.
func (r *Router) Page() *PageContext { return r.page }

// Subscribe registers h. Handlers run in subscription order.
func (r *Router) Subscribe(h Handlers) *Subscription {
	s := &Subscription{id: uuid.NewString(), router: r, h: h}
	r.mu.Lock()
	r.subs = append(r.subs, s)
	r.mu.Unlock()
	return s
}

func (r *Router) remove(s *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, cur := range r.subs {
		if cur == s {
			r.subs = append(r.subs[:i:i], r.subs[i+1:]...)
			return
		}
	}
}

func (r *Router) snapshot() []*Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Subscription(nil), r.subs...)
}

// Publish enqueues a frame for dispatch. It blocks while the queue is full
// and returns false once the router has stopped.
func (r *Router) Publish(f Frame) bool {
	select {
	case <-r.stopped:
		return false
	default:
	}
	select {
	case r.frames <- f:
		return true
	case <-r.stopped:
		return false
	}
}

// Run dispatches published frames in arrival order until ctx is done.
func (r *Router) Run(ctx context.Context) error {
	defer r.once.Do(func() { close(r.stopped) })
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f := <-r.frames:
			r.dispatch(f)
		}
	}
}

func (r *Router) dispatch(f Frame) {
	r.metrics.frameReceived(f)
	subs := r.snapshot()

	switch f.Kind {
	case KindChatMessage:
		if !hasHandler(subs, func(h Handlers) bool { return h.ChatMessage != nil }) {
			r.metrics.frameDropped(dropNoHandler)
			return
		}
		if f.Message == nil {
			return
		}
		if f.Message.ID != "" && !r.seen.observe(dedupKey(f.Message.ID, f.Source)) {
			r.metrics.frameDropped(dropDuplicate)
			return
		}
		inCenter, active := r.page.snapshot()
		if f.Source == UserSocket && active != "" && f.Message.ConversationID == active {
			r.metrics.frameDropped(dropSuppressed)
			return
		}
		ctx := ChatContext{
			Message:              *f.Message,
			Conversation:         f.Conversation,
			Source:               f.Source,
			InMessageCenter:      inCenter,
			ActiveConversationID: active,
		}
		for _, s := range subs {
			if s.h.ChatMessage != nil {
				r.invoke(s, f.Kind, func() { s.h.ChatMessage(ctx) })
			}
		}

	case KindMessagesRead:
		r.fanout(subs, f, func(h Handlers) func() {
			if h.MessagesRead == nil || f.Read == nil {
				return nil
			}
			return func() { h.MessagesRead(*f.Read) }
		})

	case KindConversationUpdated:
		r.fanout(subs, f, func(h Handlers) func() {
			if h.ConversationUpdated == nil || f.Conversation == nil {
				return nil
			}
			return func() { h.ConversationUpdated(*f.Conversation) }
		})

	case KindSystemMessage:
		r.fanout(subs, f, func(h Handlers) func() {
			if h.SystemMessage == nil || f.Message == nil {
				return nil
			}
			return func() { h.SystemMessage(*f.Message) }
		})

	case KindNotification:
		r.fanout(subs, f, func(h Handlers) func() {
			if h.Notification == nil || f.Notification == nil {
				return nil
			}
			return func() { h.Notification(*f.Notification) }
		})

	default:
		r.metrics.frameDropped(dropUnknown)
	}
}

func (r *Router) fanout(subs []*Subscription, f Frame, pick func(Handlers) func()) {
	delivered := false
	for _, s := range subs {
		if call := pick(s.h); call != nil {
			delivered = true
			r.invoke(s, f.Kind, call)
		}
	}
	if !delivered {
		r.metrics.frameDropped(dropNoHandler)
	}
}

func (r *Router) invoke(s *Subscription, kind FrameKind, call func()) {
	defer func() {
		if v := recover(); v != nil {
			r.logger.Error("handler_panic",
				"subscription", s.id,
				"kind", string(kind),
				"panic", fmt.Sprint(v))
		}
	}()
	call()
}

func hasHandler(subs []*Subscription, ok func(Handlers) bool) bool {
	for _, s := range subs {
		if ok(s.h) {
			return true
		}
	}
	return false
}
