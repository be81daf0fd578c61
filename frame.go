package taskmarket

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ============================================================================
// Frame Types
// ============================================================================

// Role names which of the two socket kinds a connection plays. It doubles as
// the provenance tag of every frame the connection delivers. For the active
// conversation the ConversationSocket is authoritative and UserSocket copies
// are suppressed by the Router.
type Role string

const (
	UserSocket         Role = "user-socket"
	ConversationSocket Role = "conversation-socket"
)

// FrameKind tags the normalized frame union.
type FrameKind string

const (
	KindChatMessage         FrameKind = "chat_message"
	KindMessagesRead        FrameKind = "messages_read"
	KindConversationUpdated FrameKind = "conversation_updated"
	KindSystemMessage       FrameKind = "system_message"
	KindNotification        FrameKind = "notification"
)

// Frame is one normalized inbound payload. Exactly one of the payload
// pointers is set for each kind, except chat frames from the user socket
// which may also carry the Conversation snapshot sent alongside.
type Frame struct {
	Kind       FrameKind
	Source     Role
	SourceID   ID
	ReceivedAt time.Time

	Message      *Message
	Conversation *Conversation
	Read         *MessagesRead
	Notification *Notification
}

// OutboundFrame is the compose frame written to a socket.
type OutboundFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ComposeFrame builds the frame that sends text to the socket's conversation.
func ComposeFrame(text string) OutboundFrame {
	return OutboundFrame{Type: string(KindChatMessage), Message: text}
}

var (
	// ErrMalformedFrame is returned for payloads that cannot be decoded.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrUnknownFrame is returned for well-formed frames of a type this layer ignores.
	ErrUnknownFrame = errors.New("unknown frame type")
)

// ============================================================================
// Normalizer
// ============================================================================

type wireFrame struct {
	Type           string          `json:"type"`
	Message        json.RawMessage `json:"message"`
	Conversation   *Conversation   `json:"conversation"`
	Notification   *Notification   `json:"notification"`
	ConversationID ID              `json:"conversation_id"`
	Reader         json.RawMessage `json:"reader"`
	UnreadCount    int             `json:"unread_count"`
}

// NormalizeFrame converts one raw socket payload into a Frame tagged with the
// delivering connection. The user socket wraps chat payloads one level deeper
// than the conversation socket; both shapes produce the same Frame.
func NormalizeFrame(data []byte, from ConnKey, receivedAt time.Time) (Frame, error) {
	var w wireFrame
	if err := json.Unmarshal(data, &w); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	f := Frame{Source: from.Role, SourceID: from.ID, ReceivedAt: receivedAt}
	if err := f.fill(&w, from, true); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// wrappedKinds are the sub-types the user socket nests inside chat_message.
var wrappedKinds = map[string]bool{
	"new_message":                   true,
	string(KindChatMessage):         true,
	string(KindMessagesRead):        true,
	string(KindConversationUpdated): true,
	string(KindSystemMessage):       true,
	string(KindNotification):        true,
}

func (f *Frame) fill(w *wireFrame, from ConnKey, unwrap bool) error {
	switch FrameKind(w.Type) {
	case KindChatMessage, "new_message":
		raw := bytes.TrimSpace(w.Message)
		if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
			return fmt.Errorf("%w: chat_message without message", ErrMalformedFrame)
		}
		if unwrap && raw[0] == '{' {
			var probe struct {
				Type string `json:"type"`
			}
			if err := json.Unmarshal(raw, &probe); err != nil {
				return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
			}
			if wrappedKinds[probe.Type] {
				var inner wireFrame
				if err := json.Unmarshal(raw, &inner); err != nil {
					return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
				}
				if inner.Conversation == nil {
					inner.Conversation = w.Conversation
				}
				return f.fill(&inner, from, false)
			}
		}
		msg, err := decodeMessage(raw)
		if err != nil {
			return err
		}
		f.Kind = KindChatMessage
		f.Message = msg
		f.Conversation = w.Conversation
		f.defaultConversation(from, w.ConversationID)
		if f.Message.ID == "" {
			return fmt.Errorf("%w: chat_message without id", ErrMalformedFrame)
		}
		return nil

	case KindMessagesRead:
		reader, err := decodeUser(w.Reader)
		if err != nil {
			return err
		}
		read := &MessagesRead{
			ConversationID: w.ConversationID,
			Reader:         reader,
			UnreadCount:    max(w.UnreadCount, 0),
		}
		if read.ConversationID == "" && from.Role == ConversationSocket {
			read.ConversationID = from.ID
		}
		if read.ConversationID == "" {
			return fmt.Errorf("%w: messages_read without conversation_id", ErrMalformedFrame)
		}
		f.Kind = KindMessagesRead
		f.Read = read
		return nil

	case KindConversationUpdated:
		if w.Conversation == nil || w.Conversation.ID == "" {
			return fmt.Errorf("%w: conversation_updated without conversation", ErrMalformedFrame)
		}
		f.Kind = KindConversationUpdated
		f.Conversation = w.Conversation
		return nil

	case KindSystemMessage:
		raw := bytes.TrimSpace(w.Message)
		if len(raw) == 0 {
			return fmt.Errorf("%w: system_message without message", ErrMalformedFrame)
		}
		var msg *Message
		if raw[0] == '"' {
			var text string
			if err := json.Unmarshal(raw, &text); err != nil {
				return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
			}
			msg = &Message{Content: text, CreatedAt: f.ReceivedAt}
		} else {
			var err error
			if msg, err = decodeMessage(raw); err != nil {
				return err
			}
		}
		msg.IsSystem = true
		f.Kind = KindSystemMessage
		f.Message = msg
		f.defaultConversation(from, w.ConversationID)
		return nil

	case KindNotification:
		if w.Notification == nil {
			return fmt.Errorf("%w: notification without payload", ErrMalformedFrame)
		}
		f.Kind = KindNotification
		f.Notification = w.Notification
		return nil

	case "":
		return fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	return fmt.Errorf("%w: %q", ErrUnknownFrame, w.Type)
}

func (f *Frame) defaultConversation(from ConnKey, fallback ID) {
	if f.Message.ConversationID != "" {
		return
	}
	switch {
	case fallback != "":
		f.Message.ConversationID = fallback
	case f.Conversation != nil && f.Conversation.ID != "":
		f.Message.ConversationID = f.Conversation.ID
	case from.Role == ConversationSocket:
		f.Message.ConversationID = from.ID
	}
}

func decodeMessage(raw json.RawMessage) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("%w: message: %v", ErrMalformedFrame, err)
	}
	if msg.Status == "" {
		msg.Status = StatusSent
	}
	return &msg, nil
}

// decodeUser accepts either a user object or a bare user id.
func decodeUser(raw json.RawMessage) (User, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return User{}, nil
	}
	if raw[0] == '{' {
		var u User
		if err := json.Unmarshal(raw, &u); err != nil {
			return User{}, fmt.Errorf("%w: reader: %v", ErrMalformedFrame, err)
		}
		return u, nil
	}
	var id ID
	if err := json.Unmarshal(raw, &id); err != nil {
		return User{}, fmt.Errorf("%w: reader: %v", ErrMalformedFrame, err)
	}
	return User{ID: id}, nil
}
