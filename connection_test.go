package taskmarket

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type managerFixture struct {
	mgr    *ConnectionManager
	dialer *fakeDialer
	clock  *fakeClock
	tokens *TokenSource
	router *Router
	reg    *prometheus.Registry

	mu        sync.Mutex
	reconnect []ReconnectEvent
	failed    []FailedEvent
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()
	f := &managerFixture{
		dialer: &fakeDialer{},
		clock:  newFakeClock(),
		tokens: testTokens(t, "u1"),
		router: NewRouter(nil),
		reg:    prometheus.NewRegistry(),
	}
	f.mgr = NewConnectionManager(
		Config{WSBaseURL: "ws://example.test"},
		f.tokens,
		f.router,
		WithDialer(f.dialer),
		WithClock(f.clock),
		WithManagerMetrics(NewMetrics(f.reg)),
	)
	f.mgr.OnReconnecting(func(e ReconnectEvent) {
		f.mu.Lock()
		f.reconnect = append(f.reconnect, e)
		f.mu.Unlock()
	})
	f.mgr.OnFailed(func(e FailedEvent) {
		f.mu.Lock()
		f.failed = append(f.failed, e)
		f.mu.Unlock()
	})
	t.Cleanup(f.mgr.CloseAll)
	return f
}

func (f *managerFixture) waitState(t *testing.T, key ConnKey, want ConnState) {
	t.Helper()
	waitFor(t, string(want), func() bool { return f.mgr.State(key) == want })
}

func (f *managerFixture) reconnects() []ReconnectEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ReconnectEvent(nil), f.reconnect...)
}

func (f *managerFixture) failures() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.failed)
}

func TestConnectionManagerSocketURL(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()
	if err := f.mgr.Connect(ctx, UserConn("u1")); err != nil {
		t.Fatal(err)
	}
	if err := f.mgr.Connect(ctx, ConversationConn("42")); err != nil {
		t.Fatal(err)
	}
	if got, want := f.dialer.urls[0], "ws://example.test/ws/user/u1/?token=opaque-test-token"; got != want {
		t.Errorf("user url = %q, want %q", got, want)
	}
	if got, want := f.dialer.urls[1], "ws://example.test/ws/chat/42/?token=opaque-test-token"; got != want {
		t.Errorf("chat url = %q, want %q", got, want)
	}
}

func TestConnectionManagerConnectIsIdempotent(t *testing.T) {
	f := newManagerFixture(t)
	key := ConversationConn("42")
	for i := 0; i < 3; i++ {
		if err := f.mgr.Connect(context.Background(), key); err != nil {
			t.Fatal(err)
		}
	}
	if f.dialer.Dials() != 1 {
		t.Errorf("dials = %d, want 1", f.dialer.Dials())
	}
	if f.mgr.State(key) != StateOpen {
		t.Errorf("state = %s", f.mgr.State(key))
	}
	if got := metricValue(t, f.reg, "taskmarket_realtime_connections_open", string(ConversationSocket)); got != 1 {
		t.Errorf("open gauge = %v", got)
	}
}

func TestConnectionManagerRequiresAuth(t *testing.T) {
	f := newManagerFixture(t)
	f.tokens.Clear()
	if err := f.mgr.Connect(context.Background(), UserConn("u1")); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("err = %v", err)
	}
	if f.dialer.Dials() != 0 {
		t.Error("dialed without a token")
	}
}

func TestConnectionManagerSend(t *testing.T) {
	f := newManagerFixture(t)
	key := ConversationConn("42")
	ctx := context.Background()

	if err := f.mgr.Send(ctx, key, ComposeFrame("hi")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("send before connect: %v", err)
	}
	if err := f.mgr.Connect(ctx, key); err != nil {
		t.Fatal(err)
	}
	if err := f.mgr.Send(ctx, key, ComposeFrame("hi")); err != nil {
		t.Fatalf("send: %v", err)
	}
	written := f.dialer.Last().Written()
	if len(written) != 1 || string(written[0]) != `{"type":"chat_message","message":"hi"}` {
		t.Errorf("written = %q", written)
	}

	sock := f.dialer.Last()
	sock.mu.Lock()
	sock.writeErr = errors.New("broken pipe")
	sock.mu.Unlock()
	if err := f.mgr.Send(ctx, key, ComposeFrame("again")); !errors.Is(err, ErrNotConnected) {
		t.Errorf("write failure err = %v", err)
	}
}

func TestConnectionManagerPublishesFrames(t *testing.T) {
	f := newManagerFixture(t)
	got := make(chan ChatContext, 1)
	f.router.Subscribe(Handlers{ChatMessage: func(c ChatContext) { got <- c }})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.router.Run(ctx)

	if err := f.mgr.Connect(ctx, ConversationConn("42")); err != nil {
		t.Fatal(err)
	}
	sock := f.dialer.Last()
	sock.in <- []byte(`not json`)
	sock.in <- []byte(`{"type":"typing"}`)
	sock.in <- []byte(`{"type":"chat_message","message":{"id":7,"sender":{"id":"u2"},"content":"hi"}}`)

	select {
	case c := <-got:
		if c.Source != ConversationSocket || c.Message.ConversationID != "42" || c.Message.ID != "7" {
			t.Errorf("context = %+v", c)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("frame not delivered")
	}
	if n := metricValue(t, f.reg, "taskmarket_realtime_frames_dropped_total", dropMalformed); n != 1 {
		t.Errorf("malformed drops = %v", n)
	}
	if n := metricValue(t, f.reg, "taskmarket_realtime_frames_dropped_total", dropUnknown); n != 1 {
		t.Errorf("unknown drops = %v", n)
	}
}

func TestConnectionManagerReconnectsThenFails(t *testing.T) {
	f := newManagerFixture(t)
	key := UserConn("u1")
	if err := f.mgr.Connect(context.Background(), key); err != nil {
		t.Fatal(err)
	}

	f.dialer.failNext(3)
	f.dialer.Last().terminate(errors.New("connection reset"))
	f.waitState(t, key, StateReconnecting)
	if p := f.clock.Pending(); len(p) != 1 || p[0] != 3*time.Second {
		t.Fatalf("pending timers = %v, want one 3s retry", p)
	}

	for attempt := 1; attempt <= 3; attempt++ {
		f.clock.Advance(2 * time.Second)
		if f.dialer.Dials() != attempt {
			t.Fatalf("attempt %d: retried before the delay elapsed", attempt)
		}
		f.clock.Advance(time.Second)
		if f.dialer.Dials() != attempt+1 {
			t.Fatalf("attempt %d: dials = %d", attempt, f.dialer.Dials())
		}
	}

	if f.mgr.State(key) != StateFailed {
		t.Fatalf("state = %s, want failed", f.mgr.State(key))
	}
	events := f.reconnects()
	if len(events) != 3 {
		t.Fatalf("reconnect events = %+v", events)
	}
	for i, e := range events {
		if e.Attempt != i+1 || e.Delay != 3*time.Second {
			t.Errorf("event %d = %+v", i, e)
		}
	}
	if f.failures() != 1 {
		t.Errorf("failed events = %d", f.failures())
	}

	f.clock.Advance(time.Minute)
	if f.dialer.Dials() != 4 {
		t.Errorf("dials after failure = %d, want 4", f.dialer.Dials())
	}
	if got := metricValue(t, f.reg, "taskmarket_realtime_reconnect_attempts_total", string(UserSocket)); got != 3 {
		t.Errorf("reconnect metric = %v", got)
	}
}

func TestConnectionManagerReconnectResetsAttempts(t *testing.T) {
	f := newManagerFixture(t)
	key := ConversationConn("42")
	if err := f.mgr.Connect(context.Background(), key); err != nil {
		t.Fatal(err)
	}

	for round := 0; round < 5; round++ {
		f.dialer.Last().terminate(errors.New("connection reset"))
		f.waitState(t, key, StateReconnecting)
		f.clock.Advance(3 * time.Second)
		if f.mgr.State(key) != StateOpen {
			t.Fatalf("round %d: state = %s", round, f.mgr.State(key))
		}
	}
	for _, e := range f.reconnects() {
		if e.Attempt != 1 {
			t.Errorf("attempt = %d, want the count reset after each open", e.Attempt)
		}
	}
	if f.failures() != 0 {
		t.Error("unexpected failure")
	}
}

func TestConnectionManagerCleanCloseNotRetried(t *testing.T) {
	f := newManagerFixture(t)
	key := UserConn("u1")
	if err := f.mgr.Connect(context.Background(), key); err != nil {
		t.Fatal(err)
	}
	f.dialer.Last().terminate(&CloseError{Code: StatusNormalClosure, Reason: "bye"})
	f.waitState(t, key, StateClosed)

	f.clock.Advance(time.Minute)
	if f.dialer.Dials() != 1 || len(f.reconnects()) != 0 {
		t.Errorf("dials = %d, reconnects = %d", f.dialer.Dials(), len(f.reconnects()))
	}
}

func TestConnectionManagerDialFailureRetries(t *testing.T) {
	f := newManagerFixture(t)
	key := ConversationConn("42")
	f.dialer.failNext(1)
	if err := f.mgr.Connect(context.Background(), key); err == nil {
		t.Fatal("expected dial error")
	}
	if f.mgr.State(key) != StateReconnecting {
		t.Fatalf("state = %s", f.mgr.State(key))
	}
	f.clock.Advance(3 * time.Second)
	if f.mgr.State(key) != StateOpen {
		t.Errorf("state = %s, want open after retry", f.mgr.State(key))
	}
}

func TestConnectionManagerGracePeriod(t *testing.T) {
	f := newManagerFixture(t)
	key := ConversationConn("42")
	ctx := context.Background()
	if err := f.mgr.Connect(ctx, key); err != nil {
		t.Fatal(err)
	}
	sock := f.dialer.Last()

	f.mgr.Disconnect(key)
	f.clock.Advance(9 * time.Second)
	if sock.isClosed() {
		t.Fatal("closed before the grace period")
	}
	if !f.mgr.CancelDisconnect(key) {
		t.Fatal("CancelDisconnect reported nothing pending")
	}
	f.clock.Advance(time.Minute)
	if sock.isClosed() || f.mgr.State(key) != StateOpen {
		t.Fatal("remount within grace period should keep the socket")
	}

	// Connect also takes back a pending Disconnect.
	f.mgr.Disconnect(key)
	if err := f.mgr.Connect(ctx, key); err != nil {
		t.Fatal(err)
	}
	f.clock.Advance(time.Minute)
	if sock.isClosed() || f.dialer.Dials() != 1 {
		t.Fatal("Connect during grace should reuse the socket")
	}

	f.mgr.Disconnect(key)
	f.clock.Advance(10 * time.Second)
	if !sock.isClosed() {
		t.Fatal("socket still open after the grace period")
	}
	if sock.closeCode != StatusNormalClosure {
		t.Errorf("close code = %d", sock.closeCode)
	}
	f.waitState(t, key, StateClosed)
	f.clock.Advance(time.Minute)
	if f.dialer.Dials() != 1 || len(f.reconnects()) != 0 {
		t.Error("intentional close was retried")
	}
	if f.mgr.CancelDisconnect(key) {
		t.Error("CancelDisconnect after close should report false")
	}
}

func TestConnectionManagerCloseAll(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()
	if err := f.mgr.Connect(ctx, UserConn("u1")); err != nil {
		t.Fatal(err)
	}
	user := f.dialer.Last()
	if err := f.mgr.Connect(ctx, ConversationConn("42")); err != nil {
		t.Fatal(err)
	}
	chat := f.dialer.Last()

	// One connection waiting to retry, one in its grace period.
	f.dialer.failNext(5)
	user.terminate(errors.New("connection reset"))
	f.waitState(t, UserConn("u1"), StateReconnecting)
	f.mgr.Disconnect(ConversationConn("42"))

	f.tokens.Clear()
	f.mgr.CloseAll()

	if !chat.isClosed() {
		t.Error("chat socket left open")
	}
	f.clock.Advance(time.Minute)
	if f.dialer.Dials() != 2 {
		t.Errorf("dials after CloseAll = %d", f.dialer.Dials())
	}
	for _, key := range []ConnKey{UserConn("u1"), ConversationConn("42")} {
		if s := f.mgr.State(key); s != StateClosed {
			t.Errorf("%s state = %s", key, s)
		}
	}
	if len(f.clock.Pending()) != 0 {
		t.Errorf("timers left: %v", f.clock.Pending())
	}
}

func TestConnectionManagerStopsRetryOnAuthLoss(t *testing.T) {
	f := newManagerFixture(t)
	key := UserConn("u1")
	if err := f.mgr.Connect(context.Background(), key); err != nil {
		t.Fatal(err)
	}
	f.dialer.Last().terminate(errors.New("connection reset"))
	f.waitState(t, key, StateReconnecting)

	f.tokens.Clear()
	f.clock.Advance(3 * time.Second)
	if f.dialer.Dials() != 1 {
		t.Errorf("redialed after logout")
	}
	if f.mgr.State(key) != StateClosed {
		t.Errorf("state = %s", f.mgr.State(key))
	}
}
