package taskmarket

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// ID is an opaque resource identifier. The backend emits numeric ids for
// persisted records while the client synthesizes string ids for optimistic
// messages, so both JSON forms decode into the same type.
type ID string

// UnmarshalJSON accepts a JSON string, number, or null.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*id = ID(n.String())
	return nil
}

// MarshalJSON emits numeric ids as numbers and everything else as strings.
func (id ID) MarshalJSON() ([]byte, error) {
	if id == "" {
		return []byte("null"), nil
	}
	if _, err := strconv.ParseInt(string(id), 10, 64); err == nil {
		return []byte(id), nil
	}
	return json.Marshal(string(id))
}

func (id ID) String() string { return string(id) }

// APIError is returned for non-2xx REST responses.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"detail"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error %d: %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
}

// ============================================================================
// Messaging Types
// ============================================================================

// User is the snapshot of a participant embedded in messages and conversations.
type User struct {
	ID       ID     `json:"id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar,omitempty"`
}

// MessageStatus is the delivery state of a message.
type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
)

// Message is one chat message.
type Message struct {
	ID             ID            `json:"id"`
	ConversationID ID            `json:"conversation"`
	Sender         User          `json:"sender"`
	Content        string        `json:"content"`
	CreatedAt      time.Time     `json:"created_at"`
	Status         MessageStatus `json:"status,omitempty"`
	ReadAt         *time.Time    `json:"read_at,omitempty"`
	IsSystem       bool          `json:"is_system,omitempty"`

	// Pending marks a client-synthesized message awaiting server confirmation.
	Pending bool `json:"-"`
}

// Conversation is one chat thread as seen by the local user.
type Conversation struct {
	ID           ID        `json:"id"`
	Participants []User    `json:"participants"`
	LastMessage  *Message  `json:"last_message"`
	UnreadCount  int       `json:"unread_count"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// HasParticipant reports whether userID takes part in the conversation.
func (c Conversation) HasParticipant(userID ID) bool {
	for _, p := range c.Participants {
		if p.ID == userID {
			return true
		}
	}
	return false
}

// Notification is one entry of the notification pane.
type Notification struct {
	ID        ID        `json:"id"`
	Kind      string    `json:"notification_type"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Link      string    `json:"link,omitempty"`
	IsRead    bool      `json:"is_read"`
	CreatedAt time.Time `json:"created_at"`
}

// MessagesRead reports that a reader has caught up on a conversation.
type MessagesRead struct {
	ConversationID ID   `json:"conversation_id"`
	Reader         User `json:"reader"`
	UnreadCount    int  `json:"unread_count"`
}

// Page is one page of a paginated REST listing.
type Page[T any] struct {
	Count    int     `json:"count"`
	Next     *string `json:"next"`
	Previous *string `json:"previous"`
	Results  []T     `json:"results"`
}

// HasNext reports whether another page follows.
func (p *Page[T]) HasNext() bool {
	return p != nil && p.Next != nil && *p.Next != ""
}
