package chat

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/petervdpas/parley/internal/apperr"
	"github.com/petervdpas/parley/internal/mq"
)

// GetOrCreateChat returns the chat between creator and participants,
// creating it when no equivalent chat exists. A DM is keyed by its sorted
// pair; a group matches an existing group with the same name and the same
// participant set. created reports whether a new chat was made.
func (m *Manager) GetOrCreateChat(creator string, participants []string, isGroup bool, name string) (ChatView, bool, error) {
	set := normalizeParticipants(creator, participants)
	name = strings.TrimSpace(name)

	if !isGroup && len(set) != 2 {
		return ChatView{}, false, ErrInvalidParticipants
	}
	if isGroup {
		if name == "" {
			return ChatView{}, false, ErrGroupNameRequired
		}
		if len(set) < 2 {
			return ChatView{}, false, apperr.InvalidArg("group chats need at least two participants")
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, u := range set {
		if _, ok := m.users[u]; !ok {
			return ChatView{}, false, apperr.InvalidArg(fmt.Sprintf("unknown user %q", u))
		}
	}

	c, err := m.findChatLocked(set, isGroup, name)
	if err != nil {
		return ChatView{}, false, err
	}
	if c != nil {
		return m.viewLocked(c, creator), false, nil
	}

	c = &Chat{
		Participants: set,
		IsGroup:      isGroup,
		CreatedAt:    m.now(),
	}
	if isGroup {
		c.ID = "group_" + uuid.NewString()
		c.Name = name
	} else {
		c.ID = DirectChatID(set[0], set[1])
	}
	m.chats[c.ID] = c
	m.messages[c.ID] = nil
	m.dirty = true
	log.Infof("created chat %s (%d participants)", c.ID, len(set))
	return m.viewLocked(c, creator), true, nil
}

// findChatLocked looks up an equivalent chat. A DM id held by a different
// pair (possible for accounts stored before '_' was reserved) is a conflict,
// never a match.
func (m *Manager) findChatLocked(set []string, isGroup bool, name string) (*Chat, error) {
	if !isGroup {
		c, ok := m.chats[DirectChatID(set[0], set[1])]
		if !ok {
			return nil, nil
		}
		if c.IsGroup || !slices.Equal(c.Participants, set) {
			log.Warnf("direct chat id %s is held by %v, refusing %v", c.ID, c.Participants, set)
			return nil, ErrChatIDConflict
		}
		return c, nil
	}
	for _, c := range m.chats {
		if c.IsGroup && c.Name == name && slices.Equal(c.Participants, set) {
			return c, nil
		}
	}
	return nil, nil
}

func (m *Manager) viewLocked(c *Chat, viewer string) ChatView {
	msgs := make([]*Message, 0, len(m.messages[c.ID]))
	for _, msg := range m.messages[c.ID] {
		if !msg.hiddenFor(viewer) {
			msgs = append(msgs, msg.Clone())
		}
	}
	return ChatView{Chat: c.clone(), Messages: msgs}
}

// Chat returns a chat by id.
func (m *Manager) Chat(chatID string) (Chat, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.chats[chatID]
	if !ok {
		return Chat{}, false
	}
	return c.clone(), true
}

// IsParticipant reports whether username belongs to chatID.
func (m *Manager) IsParticipant(chatID, username string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.chats[chatID]
	return ok && c.has(username)
}

// View returns chatID as seen by username.
func (m *Manager) View(chatID, username string) (ChatView, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.chats[chatID]
	if !ok {
		return ChatView{}, ErrChatNotFound
	}
	if !c.has(username) {
		return ChatView{}, ErrNotParticipant
	}
	return m.viewLocked(c, username), nil
}

// ListChatsFor returns every chat username participates in, most recently
// active first.
func (m *Manager) ListChatsFor(username string) []ChatSummary {
	m.mu.RLock()
	out := make([]ChatSummary, 0)
	for _, c := range m.chats {
		if !c.has(username) {
			continue
		}
		s := ChatSummary{
			Chat:              c.clone(),
			UnreadCount:       m.unreadLocked(c.ID, username),
			LastMessage:       m.lastVisibleLocked(c.ID, username),
			OtherParticipants: make([]mq.PublicUser, 0, len(c.Participants)-1),
		}
		for _, p := range c.Participants {
			if p != username {
				s.OtherParticipants = append(s.OtherParticipants, m.publicLocked(p))
			}
		}
		out = append(out, s)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		ai, aj := out[i].activity(), out[j].activity()
		if !ai.Equal(aj) {
			return ai.After(aj)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// unreadLocked skips messages username deleted for themselves; they cannot
// be opened, so they must not hold a badge.
func (m *Manager) unreadLocked(chatID, username string) int {
	n := 0
	for _, msg := range m.messages[chatID] {
		if msg.unreadFor(username) && !msg.hiddenFor(username) {
			n++
		}
	}
	return n
}

func (m *Manager) lastVisibleLocked(chatID, username string) *Message {
	msgs := m.messages[chatID]
	for i := len(msgs) - 1; i >= 0; i-- {
		if !msgs[i].hiddenFor(username) {
			return msgs[i].Clone()
		}
	}
	return nil
}

func (m *Manager) participantLocked(chatID, username string) (*Chat, error) {
	c, ok := m.chats[chatID]
	if !ok {
		return nil, ErrChatNotFound
	}
	if !c.has(username) {
		return nil, ErrNotParticipant
	}
	return c, nil
}

func normalizeParticipants(creator string, participants []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(participants)+1)
	for _, p := range append([]string{creator}, participants...) {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
