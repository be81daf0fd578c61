package taskmarket

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testTokens(t *testing.T, userID ID) *TokenSource {
	t.Helper()
	ts, err := NewTokenSource("opaque-test-token", userID, nil)
	if err != nil {
		t.Fatalf("NewTokenSource: %v", err)
	}
	return ts
}

func chatFrame(id, conv ID, sender ID, content string, source Role) Frame {
	return Frame{
		Kind:   KindChatMessage,
		Source: source,
		Message: &Message{
			ID:             id,
			ConversationID: conv,
			Sender:         User{ID: sender, Username: "user-" + string(sender)},
			Content:        content,
			CreatedAt:      testEpoch,
			Status:         StatusSent,
		},
	}
}

// ── fake clock ──────────────────────────────────────────────

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock { return &fakeClock{now: testEpoch} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// Advance moves time forward, firing due timers in order on the caller's
// goroutine.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	for {
		var next *fakeTimer
		for _, t := range c.timers {
			if t.stopped || t.fired || t.at.After(target) {
				continue
			}
			if next == nil || t.at.Before(next.at) {
				next = t
			}
		}
		if next == nil {
			break
		}
		next.fired = true
		c.now = next.at
		c.mu.Unlock()
		next.f()
		c.mu.Lock()
	}
	c.now = target
	c.mu.Unlock()
}

// Pending returns the delays of active timers relative to now.
func (c *fakeClock) Pending() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []time.Duration
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			out = append(out, t.at.Sub(c.now))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ── fake sockets ────────────────────────────────────────────

var errLocalClose = errors.New("use of closed connection")

type fakeSocket struct {
	url  string
	in   chan []byte
	done chan struct{}
	once sync.Once
	err  error

	mu        sync.Mutex
	written   [][]byte
	closeCode int
	writeErr  error
}

func newFakeSocket(url string) *fakeSocket {
	return &fakeSocket{url: url, in: make(chan []byte, 16), done: make(chan struct{})}
}

func (s *fakeSocket) terminate(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
	})
}

func (s *fakeSocket) Read(ctx context.Context) ([]byte, error) {
	select {
	case d := <-s.in:
		return d, nil
	case <-s.done:
		return nil, s.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *fakeSocket) Write(_ context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	select {
	case <-s.done:
		return errLocalClose
	default:
	}
	s.written = append(s.written, append([]byte(nil), data...))
	return nil
}

func (s *fakeSocket) Close(code int, _ string) error {
	s.mu.Lock()
	s.closeCode = code
	s.mu.Unlock()
	s.terminate(errLocalClose)
	return nil
}

func (s *fakeSocket) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *fakeSocket) Written() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.written...)
}

type fakeDialer struct {
	mu      sync.Mutex
	urls    []string
	sockets []*fakeSocket
	fail    int
}

func (d *fakeDialer) Dial(_ context.Context, url string) (Socket, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, url)
	if d.fail > 0 {
		d.fail--
		return nil, errors.New("dial refused")
	}
	s := newFakeSocket(url)
	d.sockets = append(d.sockets, s)
	return s, nil
}

func (d *fakeDialer) failNext(n int) {
	d.mu.Lock()
	d.fail = n
	d.mu.Unlock()
}

func (d *fakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

func (d *fakeDialer) Last() *fakeSocket {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sockets) == 0 {
		return nil
	}
	return d.sockets[len(d.sockets)-1]
}

// ── fake REST collaborators ─────────────────────────────────

type fakeConversationAPI struct {
	mu        sync.Mutex
	convs     []Conversation
	listCalls int
	listErr   error
	deleted   []ID
	marked    []ID
}

func (f *fakeConversationAPI) List(context.Context) ([]Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	return cloneConversations(f.convs), nil
}

func (f *fakeConversationAPI) Delete(_ context.Context, id ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeConversationAPI) MarkRead(_ context.Context, id ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked = append(f.marked, id)
	return nil
}

func (f *fakeConversationAPI) set(convs ...Conversation) {
	f.mu.Lock()
	f.convs = convs
	f.mu.Unlock()
}

func (f *fakeConversationAPI) ListCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

type fakeMessageAPI struct {
	mu      sync.Mutex
	pages   map[int]*Page[Message]
	sent    []string
	sendErr error
	listErr error
	nextID  int
	now     func() time.Time
}

func (f *fakeMessageAPI) List(_ context.Context, _ ID, page int) (*Page[Message], error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	if p, ok := f.pages[page]; ok {
		return p, nil
	}
	return &Page[Message]{}, nil
}

func (f *fakeMessageAPI) Send(_ context.Context, conv ID, content string) (*Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, content)
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.nextID++
	created := testEpoch
	if f.now != nil {
		created = f.now()
	}
	return &Message{
		ID:             ID(strconv.Itoa(1000 + f.nextID)),
		ConversationID: conv,
		Sender:         User{ID: "me", Username: "me"},
		Content:        content,
		CreatedAt:      created,
		Status:         StatusSent,
	}, nil
}

type fakeConns struct {
	mu          sync.Mutex
	connected   []ConnKey
	disconnects []ConnKey
	cancels     int
	sendErr     error
	sent        []OutboundFrame
}

func (f *fakeConns) Connect(_ context.Context, key ConnKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = append(f.connected, key)
	return nil
}

func (f *fakeConns) Send(_ context.Context, _ ConnKey, frame OutboundFrame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, frame)
	return nil
}

func (f *fakeConns) Disconnect(key ConnKey) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects = append(f.disconnects, key)
}

func (f *fakeConns) CancelDisconnect(ConnKey) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels++
	return false
}
