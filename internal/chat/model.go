package chat

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/petervdpas/parley/internal/mq"
)

// User is a registered identity. PasswordHash never leaves the server; use
// Public for anything sent to a client.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	DisplayName  string    `json:"displayName"`
	Avatar       *string   `json:"avatar,omitempty"`
	Bio          string    `json:"bio"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"createdAt"`
	PasswordHash string    `json:"passwordHash,omitempty"`
}

func (u *User) displayName() string {
	if strings.TrimSpace(u.DisplayName) != "" {
		return u.DisplayName
	}
	return u.Username
}

// Public is the client-visible projection. Invisible is reported as offline.
func (u *User) Public() mq.PublicUser {
	status := u.Status
	if status == "invisible" || status == "" {
		status = "offline"
	}
	return mq.PublicUser{
		ID:          u.ID,
		Username:    u.Username,
		DisplayName: u.displayName(),
		Avatar:      cloneString(u.Avatar),
		Bio:         u.Bio,
		Status:      status,
	}
}

// Self is the projection sent to the user themselves: the stored status is
// kept as is.
func (u *User) Self() mq.PublicUser {
	p := u.Public()
	p.Status = u.Status
	return p
}

// ProfileUpdate carries the editable profile fields. Nil means unchanged;
// an empty Avatar clears it.
type ProfileUpdate struct {
	DisplayName *string `json:"displayName,omitempty"`
	Email       *string `json:"email,omitempty"`
	Avatar      *string `json:"avatar,omitempty"`
	Bio         *string `json:"bio,omitempty"`
}

// Chat is a DM or group conversation. Participants are sorted and unique.
type Chat struct {
	ID           string    `json:"id"`
	Participants []string  `json:"participants"`
	IsGroup      bool      `json:"isGroup"`
	Name         string    `json:"name,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

func (c *Chat) clone() Chat {
	cp := *c
	cp.Participants = append([]string(nil), c.Participants...)
	return cp
}

func (c *Chat) has(username string) bool {
	_, ok := slices.BinarySearch(c.Participants, username)
	return ok
}

// DirectChatID returns the deterministic id of the DM between a and b.
func DirectChatID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return fmt.Sprintf("dm_%s_%s", a, b)
}

// ChatView is a chat with the history visible to one user.
type ChatView struct {
	Chat     Chat       `json:"chat"`
	Messages []*Message `json:"messages"`
}

// ChatSummary is one row of a user's chat list.
type ChatSummary struct {
	Chat
	LastMessage       *Message        `json:"lastMessage,omitempty"`
	UnreadCount       int             `json:"unreadCount"`
	OtherParticipants []mq.PublicUser `json:"otherParticipants"`
}

func (s *ChatSummary) activity() time.Time {
	if s.LastMessage != nil {
		return s.LastMessage.Timestamp
	}
	return s.CreatedAt
}

// Snapshot is the persisted part of the store. Drafts are never included.
type Snapshot struct {
	Users    []User    `json:"users"`
	Chats    []Chat    `json:"chats"`
	Messages []Message `json:"messages"`
}
