package taskmarket

import "sync"

// UnreadCounts is a snapshot of the unread badges.
type UnreadCounts struct {
	Messages      int
	Notifications int
	Total         int
}

// UnreadCounter is the shared unread state. Counters never go below zero.
type UnreadCounter struct {
	mu            sync.Mutex
	messages      int
	notifications int
	metrics       *Metrics
	onChange      listeners[UnreadCounts]
}

// NewUnreadCounter returns a zeroed counter. metrics may be nil.
func NewUnreadCounter(metrics *Metrics) *UnreadCounter {
	return &UnreadCounter{metrics: metrics}
}

// OnChange registers a handler called after every change.
func (u *UnreadCounter) OnChange(h func(UnreadCounts)) { u.onChange.add(h) }

// Counts returns the current counts.
func (u *UnreadCounter) Counts() UnreadCounts {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.countsLocked()
}

func (u *UnreadCounter) countsLocked() UnreadCounts {
	return UnreadCounts{
		Messages:      u.messages,
		Notifications: u.notifications,
		Total:         u.messages + u.notifications,
	}
}

func (u *UnreadCounter) SetMessages(n int) { u.update(func() { u.messages = max(n, 0) }) }

func (u *UnreadCounter) IncrementMessages(n int) { u.update(func() { u.messages = max(u.messages+n, 0) }) }

func (u *UnreadCounter) DecrementMessages(n int) { u.update(func() { u.messages = max(u.messages-n, 0) }) }

func (u *UnreadCounter) SetNotifications(n int) { u.update(func() { u.notifications = max(n, 0) }) }

func (u *UnreadCounter) IncrementNotifications(n int) {
	u.update(func() { u.notifications = max(u.notifications+n, 0) })
}

func (u *UnreadCounter) DecrementNotifications(n int) {
	u.update(func() { u.notifications = max(u.notifications-n, 0) })
}

// Reset zeroes both counters.
func (u *UnreadCounter) Reset() {
	u.update(func() { u.messages, u.notifications = 0, 0 })
}

func (u *UnreadCounter) update(mutate func()) {
	u.mu.Lock()
	before := u.countsLocked()
	mutate()
	after := u.countsLocked()
	u.mu.Unlock()
	if after == before {
		return
	}
	u.metrics.unreadChanged(after)
	u.onChange.emit(after)
}
