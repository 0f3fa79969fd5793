package chat

import (
	"slices"
	"strings"

	"github.com/petervdpas/parley/internal/mq"
)

type unreadNotice struct {
	username string
	payload  UnreadChangedPayload
}

// AppendMessage stores a new message from sender and fans it out: the chat
// room gets message.new, every participant gets its own unread count.
func (m *Manager) AppendMessage(chatID, sender string, in NewMessageInput) (*Message, error) {
	if in.Type == "" {
		in.Type = MessageTypeText
	}
	if !in.Type.valid() {
		return nil, ErrInvalidMessageType
	}
	if strings.TrimSpace(in.Content) == "" {
		return nil, ErrEmptyMessage
	}
	if in.Duration != nil && (in.Type != MessageTypeVoice || *in.Duration < 0) {
		return nil, ErrInvalidDuration
	}

	m.mu.Lock()
	c, err := m.participantLocked(chatID, sender)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	from, ok := m.users[sender]
	if !ok {
		m.mu.Unlock()
		return nil, ErrUserNotFound
	}
	msg := newMessage(chatID, from, in, m.now())
	m.messages[chatID] = append(m.messages[chatID], msg)
	m.dirty = true

	notices := make([]unreadNotice, 0, len(c.Participants))
	for _, p := range c.Participants {
		notices = append(notices, unreadNotice{p, UnreadChangedPayload{
			ChatID:      chatID,
			LastMessage: msg.Clone(),
			UnreadCount: m.unreadLocked(chatID, p),
		}})
	}
	out := msg.Clone()
	m.mu.Unlock()

	m.out.ToRoom(chatID, mq.TopicMessageNew, MessageNewPayload{ChatID: chatID, Message: out}, "")
	for _, n := range notices {
		m.out.ToUser(n.username, mq.TopicUnreadChanged, n.payload, "")
	}
	return out.Clone(), nil
}

// MarkRead adds reader to readBy of every message they did not send. It
// returns how many messages changed; events are only emitted when some did.
// An unknown chat is a no-op.
func (m *Manager) MarkRead(chatID, reader string) (int, error) {
	m.mu.Lock()
	if _, ok := m.chats[chatID]; !ok {
		m.mu.Unlock()
		return 0, nil
	}
	if _, err := m.participantLocked(chatID, reader); err != nil {
		m.mu.Unlock()
		return 0, err
	}
	var changed []string
	var updated []*Message
	for _, msg := range m.messages[chatID] {
		if msg.unreadFor(reader) {
			msg.ReadBy = append(msg.ReadBy, reader)
			changed = append(changed, msg.ID)
			updated = append(updated, msg.Clone())
		}
	}
	if len(changed) == 0 {
		m.mu.Unlock()
		return 0, nil
	}
	m.dirty = true
	last := m.lastVisibleLocked(chatID, reader)
	m.mu.Unlock()

	m.out.ToRoom(chatID, mq.TopicReadUpdated, ReadUpdatedPayload{ChatID: chatID, Reader: reader, MessageIDs: changed, Messages: updated}, "")
	m.out.ToUser(reader, mq.TopicUnreadChanged, UnreadChangedPayload{ChatID: chatID, LastMessage: last, UnreadCount: 0}, "")
	return len(changed), nil
}

// MarkListened records that listener played a voice message. Unknown chats
// and messages are no-ops.
func (m *Manager) MarkListened(chatID, messageID, listener string) (bool, error) {
	m.mu.Lock()
	if _, ok := m.chats[chatID]; !ok {
		m.mu.Unlock()
		return false, nil
	}
	if _, err := m.participantLocked(chatID, listener); err != nil {
		m.mu.Unlock()
		return false, err
	}
	msg := m.findMessageLocked(chatID, messageID)
	if msg == nil {
		m.mu.Unlock()
		return false, nil
	}
	if msg.Type != MessageTypeVoice {
		m.mu.Unlock()
		return false, ErrNotVoice
	}
	if slices.Contains(msg.ListenedBy, listener) {
		m.mu.Unlock()
		return false, nil
	}
	msg.ListenedBy = append(msg.ListenedBy, listener)
	m.dirty = true
	payload := ListenUpdatedPayload{
		ChatID:     chatID,
		MessageID:  messageID,
		ListenedBy: append([]string{}, msg.ListenedBy...),
	}
	m.mu.Unlock()

	m.out.ToRoom(chatID, mq.TopicListenUpdated, payload, "")
	return true, nil
}

// DeleteMessage removes a message for everyone (tombstone, content cleared)
// or only for requester. The sender may always delete; other participants
// only while the message is younger than the delete window. Unknown chats
// and messages, and repeated deletes, are no-ops.
func (m *Manager) DeleteMessage(chatID, messageID, requester string, forEveryone bool) (bool, error) {
	m.mu.Lock()
	if _, ok := m.chats[chatID]; !ok {
		m.mu.Unlock()
		return false, nil
	}
	if _, err := m.participantLocked(chatID, requester); err != nil {
		m.mu.Unlock()
		return false, err
	}
	msg := m.findMessageLocked(chatID, messageID)
	if msg == nil {
		m.mu.Unlock()
		return false, nil
	}
	if msg.SenderUsername != requester && m.now().Sub(msg.Timestamp) >= m.deleteWindow {
		m.mu.Unlock()
		log.Infof("refused delete of %s in %s by %s: outside window", messageID, chatID, requester)
		return false, ErrDeleteNotAllowed
	}

	if forEveryone {
		if msg.Deleted {
			m.mu.Unlock()
			return false, nil
		}
		msg.Deleted = true
		msg.Content = ""
		msg.Duration = nil
		m.dirty = true
		m.mu.Unlock()

		m.out.ToRoom(chatID, mq.TopicMessageDeleted, MessageDeletedPayload{
			ChatID:      chatID,
			MessageID:   messageID,
			ForEveryone: true,
		}, "")
		return true, nil
	}

	if msg.hiddenFor(requester) {
		m.mu.Unlock()
		return false, nil
	}
	msg.DeletedFor = append(msg.DeletedFor, requester)
	m.dirty = true
	payload := MessageDeletedPayload{
		ChatID:     chatID,
		MessageID:  messageID,
		DeletedFor: append([]string{}, msg.DeletedFor...),
	}
	m.mu.Unlock()

	m.out.ToUser(requester, mq.TopicMessageDeleted, payload, "")
	return true, nil
}

func (m *Manager) findMessageLocked(chatID, messageID string) *Message {
	for _, msg := range m.messages[chatID] {
		if msg.ID == messageID {
			return msg
		}
	}
	return nil
}
