package taskmarket

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// ============================================================================
// Fake Backend
// ============================================================================

const backendToken = "secret"

// fakeBackend serves the REST and socket endpoints over httptest. Routes are
// registered with gorilla/mux and sockets are upgraded with gorilla/websocket.
type fakeBackend struct {
	t   *testing.T
	srv *httptest.Server

	mu            sync.Mutex
	users         map[ID]User
	conversations []Conversation
	messages      map[ID][]Message
	notifications []Notification
	marked        []ID
	deleted       []ID
	nextID        int
	pageSize      int
	messageLists  int
	messagesGate  chan struct{}

	wsMu        sync.Mutex
	userSockets map[ID][]*websocket.Conn
	chatSockets map[ID][]*websocket.Conn
	received    chan string
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	b := &fakeBackend{
		t:           t,
		users:       map[ID]User{"u1": {ID: "u1", Username: "alice"}, "u2": {ID: "u2", Username: "bob"}},
		messages:    make(map[ID][]Message),
		nextID:      100,
		pageSize:    20,
		userSockets: make(map[ID][]*websocket.Conn),
		chatSockets: make(map[ID][]*websocket.Conn),
		received:    make(chan string, 16),
	}

	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()
	api.Use(b.requireAuth)
	api.HandleFunc("/chat/conversations/", b.listConversations).Methods(http.MethodGet)
	api.HandleFunc("/chat/conversations/{id}/", b.getConversation).Methods(http.MethodGet)
	api.HandleFunc("/chat/conversations/{id}/", b.deleteConversation).Methods(http.MethodDelete)
	api.HandleFunc("/chat/conversations/{id}/mark_read/", b.markConversationRead).Methods(http.MethodPost)
	api.HandleFunc("/chat/conversations/{id}/messages/", b.listMessages).Methods(http.MethodGet)
	api.HandleFunc("/chat/conversations/{id}/messages/", b.postMessage).Methods(http.MethodPost)
	api.HandleFunc("/notifications/", b.listNotifications).Methods(http.MethodGet)
	api.HandleFunc("/notifications/unread_count/", b.unreadCount).Methods(http.MethodGet)
	api.HandleFunc("/notifications/mark_all_read/", b.markAllNotifications).Methods(http.MethodPost)
	api.HandleFunc("/notifications/{id}/mark_read/", b.markNotification).Methods(http.MethodPost)
	r.HandleFunc("/ws/user/{id}/", b.userSocket)
	r.HandleFunc("/ws/chat/{id}/", b.chatSocket)

	b.srv = httptest.NewServer(r)
	t.Cleanup(b.close)
	return b
}

func (b *fakeBackend) close() {
	b.wsMu.Lock()
	for _, conns := range []map[ID][]*websocket.Conn{b.userSockets, b.chatSockets} {
		for _, cs := range conns {
			for _, c := range cs {
				c.Close()
			}
		}
	}
	b.wsMu.Unlock()
	b.srv.Close()
}

func (b *fakeBackend) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+backendToken {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Authentication credentials were not provided."})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func pageNumber(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("page"))
	if err != nil || n < 1 {
		return 1
	}
	return n
}

// paginate returns the envelope for page of items using pageSize.
func paginate[T any](r *http.Request, items []T, size int) Page[T] {
	page := pageNumber(r)
	start := min((page-1)*size, len(items))
	end := min(start+size, len(items))
	p := Page[T]{Count: len(items), Results: append([]T{}, items[start:end]...)}
	if end < len(items) {
		next := r.URL.Path + "?page=" + strconv.Itoa(page+1)
		p.Next = &next
	}
	return p
}

// ── fixtures ────────────────────────────────────────────────

func (b *fakeBackend) addConversation(c Conversation) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conversations = append(b.conversations, c)
}

func (b *fakeBackend) addNotification(n Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.notifications = append(b.notifications, n)
}

func (b *fakeBackend) conversationLocked(id ID) int {
	for i, c := range b.conversations {
		if c.ID == id {
			return i
		}
	}
	return -1
}

// ── REST handlers ───────────────────────────────────────────

func (b *fakeBackend) listConversations(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	writeJSON(w, http.StatusOK, paginate(r, b.conversations, b.pageSize))
}

func (b *fakeBackend) getConversation(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	i := b.conversationLocked(ID(mux.Vars(r)["id"]))
	if i < 0 {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Not found."})
		return
	}
	writeJSON(w, http.StatusOK, b.conversations[i])
}

func (b *fakeBackend) deleteConversation(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := ID(mux.Vars(r)["id"])
	if i := b.conversationLocked(id); i >= 0 {
		b.conversations = append(b.conversations[:i], b.conversations[i+1:]...)
	}
	b.deleted = append(b.deleted, id)
	w.WriteHeader(http.StatusNoContent)
}

func (b *fakeBackend) markConversationRead(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := ID(mux.Vars(r)["id"])
	if i := b.conversationLocked(id); i >= 0 {
		b.conversations[i].UnreadCount = 0
	}
	b.marked = append(b.marked, id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// holdMessages blocks message history requests until gate is closed.
func (b *fakeBackend) holdMessages(gate chan struct{}) {
	b.mu.Lock()
	b.messagesGate = gate
	b.mu.Unlock()
}

func (b *fakeBackend) messageListCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.messageLists
}

func (b *fakeBackend) listMessages(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	b.messageLists++
	gate := b.messagesGate
	b.mu.Unlock()
	if gate != nil {
		<-gate
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	msgs := b.messages[ID(mux.Vars(r)["id"])]
	// Newest page first.
	reversed := make([]Message, len(msgs))
	for i, m := range msgs {
		reversed[len(msgs)-1-i] = m
	}
	writeJSON(w, http.StatusOK, paginate(r, reversed, b.pageSize))
}

func (b *fakeBackend) postMessage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Content == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "content is required"})
		return
	}
	msg := b.store(ID(mux.Vars(r)["id"]), "u2", body.Content)
	writeJSON(w, http.StatusCreated, msg)
}

func (b *fakeBackend) listNotifications(w http.ResponseWriter, _ *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	writeJSON(w, http.StatusOK, b.notifications)
}

func (b *fakeBackend) unreadCount(w http.ResponseWriter, _ *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, x := range b.notifications {
		if !x.IsRead {
			n++
		}
	}
	writeJSON(w, http.StatusOK, map[string]int{"unread_count": n})
}

func (b *fakeBackend) markAllNotifications(w http.ResponseWriter, _ *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.notifications {
		b.notifications[i].IsRead = true
	}
	w.WriteHeader(http.StatusNoContent)
}

func (b *fakeBackend) markNotification(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := ID(mux.Vars(r)["id"])
	for i := range b.notifications {
		if b.notifications[i].ID == id {
			b.notifications[i].IsRead = true
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// store persists a message from sender and broadcasts it the way the server
// does: to the conversation sockets, and wrapped to every participant's user
// socket.
func (b *fakeBackend) store(conv ID, sender ID, content string) Message {
	b.mu.Lock()
	b.nextID++
	msg := Message{
		ID:             ID(strconv.Itoa(b.nextID)),
		ConversationID: conv,
		Sender:         b.users[sender],
		Content:        content,
		CreatedAt:      time.Now().UTC(),
		Status:         StatusSent,
	}
	b.messages[conv] = append(b.messages[conv], msg)
	var snapshot Conversation
	if i := b.conversationLocked(conv); i >= 0 {
		b.conversations[i].LastMessage = &msg
		b.conversations[i].UpdatedAt = msg.CreatedAt
		snapshot = b.conversations[i]
	}
	b.mu.Unlock()

	b.broadcastChat(conv, map[string]any{"type": "chat_message", "message": msg})
	for _, p := range snapshot.Participants {
		b.sendUser(p.ID, map[string]any{
			"type": "chat_message",
			"message": map[string]any{
				"type":         "new_message",
				"message":      msg,
				"conversation": snapshot,
			},
		})
	}
	return msg
}

// ── sockets ─────────────────────────────────────────────────

var testUpgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func (b *fakeBackend) upgrade(w http.ResponseWriter, r *http.Request) *websocket.Conn {
	if r.URL.Query().Get("token") != backendToken {
		http.Error(w, "forbidden", http.StatusForbidden)
		return nil
	}
	conn, err := testUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil
	}
	return conn
}

func (b *fakeBackend) userSocket(w http.ResponseWriter, r *http.Request) {
	conn := b.upgrade(w, r)
	if conn == nil {
		return
	}
	id := ID(mux.Vars(r)["id"])
	b.wsMu.Lock()
	b.userSockets[id] = append(b.userSockets[id], conn)
	b.wsMu.Unlock()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (b *fakeBackend) chatSocket(w http.ResponseWriter, r *http.Request) {
	conn := b.upgrade(w, r)
	if conn == nil {
		return
	}
	conv := ID(mux.Vars(r)["id"])
	b.wsMu.Lock()
	b.chatSockets[conv] = append(b.chatSockets[conv], conn)
	b.wsMu.Unlock()
	for {
		var in OutboundFrame
		if err := conn.ReadJSON(&in); err != nil {
			return
		}
		b.received <- in.Message
		b.store(conv, "u2", in.Message)
	}
}

func (b *fakeBackend) broadcastChat(conv ID, v any) {
	b.wsMu.Lock()
	defer b.wsMu.Unlock()
	for _, c := range b.chatSockets[conv] {
		c.WriteJSON(v)
	}
}

func (b *fakeBackend) sendUser(user ID, v any) {
	b.wsMu.Lock()
	defer b.wsMu.Unlock()
	for _, c := range b.userSockets[user] {
		c.WriteJSON(v)
	}
}

// pushNotification sends a notification frame to user's socket.
func (b *fakeBackend) pushNotification(user ID, n Notification) {
	b.addNotification(n)
	b.sendUser(user, map[string]any{"type": "notification", "notification": n})
}

// dropUserSockets closes user's sockets without a close frame.
func (b *fakeBackend) dropUserSockets(user ID) {
	b.wsMu.Lock()
	defer b.wsMu.Unlock()
	for _, c := range b.userSockets[user] {
		c.UnderlyingConn().Close()
	}
	b.userSockets[user] = nil
}

func (b *fakeBackend) userSocketCount(user ID) int {
	b.wsMu.Lock()
	defer b.wsMu.Unlock()
	return len(b.userSockets[user])
}

func (b *fakeBackend) chatSocketCount(conv ID) int {
	b.wsMu.Lock()
	defer b.wsMu.Unlock()
	return len(b.chatSockets[conv])
}
