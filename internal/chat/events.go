package chat

// Payloads of the events the store emits.

type MessageNewPayload struct {
	ChatID  string   `json:"chatId"`
	Message *Message `json:"message"`
}

type UnreadChangedPayload struct {
	ChatID      string   `json:"chatId"`
	LastMessage *Message `json:"lastMessage,omitempty"`
	UnreadCount int      `json:"unreadCount"`
}

// ReadUpdatedPayload carries the messages whose readBy changed, as they are
// after the change.
type ReadUpdatedPayload struct {
	ChatID     string     `json:"chatId"`
	Reader     string     `json:"reader"`
	MessageIDs []string   `json:"messageIds"`
	Messages   []*Message `json:"messages"`
}

type ListenUpdatedPayload struct {
	ChatID     string   `json:"chatId"`
	MessageID  string   `json:"messageId"`
	ListenedBy []string `json:"listenedBy"`
}

type MessageDeletedPayload struct {
	ChatID      string   `json:"chatId"`
	MessageID   string   `json:"messageId"`
	ForEveryone bool     `json:"forEveryone"`
	DeletedFor  []string `json:"deletedFor,omitempty"`
}

type DraftSyncPayload struct {
	ChatID string `json:"chatId"`
	Text   string `json:"text"`
}

type TypingPayload struct {
	ChatID   string `json:"chatId"`
	Username string `json:"username"`
	Typing   bool   `json:"typing"`
}
