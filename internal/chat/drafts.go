package chat

import (
	"strings"

	"github.com/petervdpas/parley/internal/mq"
)

// SaveDraft stores username's draft for chatID (last write wins) and syncs it
// to the user's other connections. Blank text deletes the draft.
func (m *Manager) SaveDraft(username, chatID, text, originConn string) error {
	m.mu.Lock()
	if _, err := m.participantLocked(chatID, username); err != nil {
		m.mu.Unlock()
		return err
	}
	if strings.TrimSpace(text) == "" {
		text = ""
		if d := m.drafts[username]; d != nil {
			delete(d, chatID)
			if len(d) == 0 {
				delete(m.drafts, username)
			}
		}
	} else {
		if m.drafts[username] == nil {
			m.drafts[username] = map[string]string{}
		}
		m.drafts[username][chatID] = text
	}
	m.mu.Unlock()

	m.out.ToUser(username, mq.TopicDraftSync, DraftSyncPayload{ChatID: chatID, Text: text}, originConn)
	return nil
}

// Drafts returns a copy of username's drafts keyed by chat id.
func (m *Manager) Drafts(username string) map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.drafts[username]))
	for k, v := range m.drafts[username] {
		out[k] = v
	}
	return out
}

// Typing relays a typing indicator to the chat room, skipping the
// connection it came from.
func (m *Manager) Typing(chatID, username string, typing bool, originConn string) error {
	m.mu.RLock()
	_, err := m.participantLocked(chatID, username)
	m.mu.RUnlock()
	if err != nil {
		return err
	}
	m.out.ToRoom(chatID, mq.TopicTypingChanged, TypingPayload{ChatID: chatID, Username: username, Typing: typing}, originConn)
	return nil
}
