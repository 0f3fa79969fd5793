package chat

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// MessageType is the content kind of a message.
type MessageType string

const (
	MessageTypeText  MessageType = "text"
	MessageTypeImage MessageType = "image"
	MessageTypeVoice MessageType = "voice"
)

func (t MessageType) valid() bool {
	return t == MessageTypeText || t == MessageTypeImage || t == MessageTypeVoice
}

// Message is one entry of a chat history.
type Message struct {
	ID             string      `json:"id"`
	ChatID         string      `json:"chatId"`
	SenderUsername string      `json:"senderUsername"`
	SenderName     string      `json:"senderName"`
	SenderAvatar   *string     `json:"senderAvatar,omitempty"`
	Content        string      `json:"content"`
	Type           MessageType `json:"type"`
	Duration       *int        `json:"duration,omitempty"` // seconds, voice only
	Timestamp      time.Time   `json:"timestamp"`
	ReadBy         []string    `json:"readBy"`
	ListenedBy     []string    `json:"listenedBy"`
	Deleted        bool        `json:"deleted,omitempty"`
	DeletedFor     []string    `json:"deletedFor,omitempty"`
}

// NewMessageInput is what a sender supplies; the store fills in the rest.
type NewMessageInput struct {
	Content  string
	Type     MessageType
	Duration *int
}

func newMessage(chatID string, sender *User, in NewMessageInput, now time.Time) *Message {
	return &Message{
		ID:             uuid.NewString(),
		ChatID:         chatID,
		SenderUsername: sender.Username,
		SenderName:     sender.displayName(),
		SenderAvatar:   cloneString(sender.Avatar),
		Content:        in.Content,
		Type:           in.Type,
		Duration:       cloneInt(in.Duration),
		Timestamp:      now,
		ReadBy:         []string{},
		ListenedBy:     []string{},
	}
}

// Clone returns a deep copy safe to hand outside the store.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	cp := *m
	cp.SenderAvatar = cloneString(m.SenderAvatar)
	cp.Duration = cloneInt(m.Duration)
	cp.ReadBy = append([]string{}, m.ReadBy...)
	cp.ListenedBy = append([]string{}, m.ListenedBy...)
	if m.DeletedFor != nil {
		cp.DeletedFor = append([]string{}, m.DeletedFor...)
	}
	return &cp
}

// hiddenFor reports whether username deleted this message for themselves.
func (m *Message) hiddenFor(username string) bool {
	return slices.Contains(m.DeletedFor, username)
}

// unreadFor reports whether the message counts as unread for username.
func (m *Message) unreadFor(username string) bool {
	return m.SenderUsername != username && !slices.Contains(m.ReadBy, username)
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneInt(i *int) *int {
	if i == nil {
		return nil
	}
	v := *i
	return &v
}
