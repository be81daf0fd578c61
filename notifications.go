package taskmarket

import (
	"context"
	"slices"
	"sync"
)

// NotificationAPI is the REST surface the feed needs.
// *NotificationsClient implements it.
type NotificationAPI interface {
	List(ctx context.Context) ([]Notification, error)
	MarkRead(ctx context.Context, id ID) error
	MarkAllRead(ctx context.Context) error
}

// NotificationFeed is the newest-first notification list. Its unread count
// feeds the UnreadCounter.
type NotificationFeed struct {
	api    NotificationAPI
	unread *UnreadCounter

	mu    sync.Mutex
	items []Notification
	sub   *Subscription

	onChange listeners[[]Notification]
}

func NewNotificationFeed(api NotificationAPI, unread *UnreadCounter) *NotificationFeed {
	return &NotificationFeed{api: api, unread: unread}
}

func (f *NotificationFeed) OnChange(h func([]Notification)) { f.onChange.add(h) }

// Notifications returns a copy of the list.
func (f *NotificationFeed) Notifications() []Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.items)
}

// Load replaces the list with the server's.
func (f *NotificationFeed) Load(ctx context.Context) error {
	items, err := f.api.List(ctx)
	if err != nil {
		return err
	}
	slices.SortStableFunc(items, func(a, b Notification) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	f.mu.Lock()
	f.items = items
	f.mu.Unlock()
	f.changed()
	return nil
}

// Attach subscribes the feed to router's notification frames.
func (f *NotificationFeed) Attach(router *Router) *Subscription {
	sub := router.Subscribe(Handlers{Notification: f.handleNotification})
	f.mu.Lock()
	f.sub = sub
	f.mu.Unlock()
	return sub
}

// Detach cancels the router subscription.
func (f *NotificationFeed) Detach() {
	f.mu.Lock()
	sub := f.sub
	f.sub = nil
	f.mu.Unlock()
	sub.Cancel()
}

func (f *NotificationFeed) handleNotification(n Notification) {
	f.mu.Lock()
	if n.ID != "" && f.indexLocked(n.ID) >= 0 {
		f.mu.Unlock()
		return
	}
	f.items = slices.Insert(f.items, 0, n)
	f.mu.Unlock()
	f.changed()
}

// Reset empties the feed.
func (f *NotificationFeed) Reset() {
	f.mu.Lock()
	f.items = nil
	f.mu.Unlock()
	f.changed()
}

// MarkRead marks one notification read on the server and locally.
func (f *NotificationFeed) MarkRead(ctx context.Context, id ID) error {
	if err := f.api.MarkRead(ctx, id); err != nil {
		return err
	}
	f.mu.Lock()
	i := f.indexLocked(id)
	changed := i >= 0 && !f.items[i].IsRead
	if changed {
		f.items[i].IsRead = true
	}
	f.mu.Unlock()
	if changed {
		f.changed()
	}
	return nil
}

// MarkAllRead marks every notification read on the server and locally.
func (f *NotificationFeed) MarkAllRead(ctx context.Context) error {
	if err := f.api.MarkAllRead(ctx); err != nil {
		return err
	}
	f.mu.Lock()
	for i := range f.items {
		f.items[i].IsRead = true
	}
	f.mu.Unlock()
	f.changed()
	return nil
}

func (f *NotificationFeed) indexLocked(id ID) int {
	return slices.IndexFunc(f.items, func(n Notification) bool { return n.ID == id })
}

func (f *NotificationFeed) changed() {
	f.mu.Lock()
	unread := 0
	for _, n := range f.items {
		if !n.IsRead {
			unread++
		}
	}
	snapshot := slices.Clone(f.items)
	f.mu.Unlock()
	if f.unread != nil {
		f.unread.SetNotifications(unread)
	}
	f.onChange.emit(snapshot)
}
