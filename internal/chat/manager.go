// Package chat owns users, chats, messages and drafts, and emits the events
// that follow from changing them.
package chat

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/parley/internal/mq"
)

var log = logging.Logger("chat")

// DefaultDeleteWindow is how long any participant may delete a message.
// After it only the sender may.
const DefaultDeleteWindow = 48 * time.Hour

const searchLimit = 20

// Notifier delivers store events. exceptConn, when set, skips that one
// connection.
type Notifier interface {
	ToRoom(chatID, topic string, payload any, exceptConn string)
	ToUser(username, topic string, payload any, exceptConn string)
	ToAll(topic string, payload any)
}

type Options struct {
	Notifier     Notifier
	Store        Persister
	DeleteWindow time.Duration
	Now          func() time.Time
}

// Manager is the in-memory chat store.
type Manager struct {
	mu       sync.RWMutex
	users    map[string]*User
	chats    map[string]*Chat
	messages map[string][]*Message       // chatID → history, oldest first
	drafts   map[string]map[string]string // username → chatID → text
	dirty    bool

	flushMu sync.Mutex
	store   Persister

	out          Notifier
	deleteWindow time.Duration
	now          func() time.Time
}

func New(opt Options) *Manager {
	if opt.DeleteWindow <= 0 {
		opt.DeleteWindow = DefaultDeleteWindow
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	if opt.Notifier == nil {
		opt.Notifier = nopNotifier{}
	}
	return &Manager{
		users:        map[string]*User{},
		chats:        map[string]*Chat{},
		messages:     map[string][]*Message{},
		drafts:       map[string]map[string]string{},
		store:        opt.Store,
		out:          opt.Notifier,
		deleteWindow: opt.DeleteWindow,
		now:          opt.Now,
	}
}

// ── Users ────────────────────────────────────────────────────────────────────

// CreateUser adds a user. ID, CreatedAt and Status are filled in when empty.
func (m *Manager) CreateUser(u User) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.users[u.Username]; exists {
		return User{}, ErrUsernameTaken
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = m.now()
	}
	if u.Status == "" {
		u.Status = "offline"
	}
	if strings.TrimSpace(u.DisplayName) == "" {
		u.DisplayName = u.Username
	}
	stored := u
	m.users[u.Username] = &stored
	m.dirty = true
	log.Infof("user %s registered", u.Username)
	return stored, nil
}

func (m *Manager) User(username string) (User, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[username]
	if !ok {
		return User{}, false
	}
	return *u, true
}

func (m *Manager) UserExists(username string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.users[username]
	return ok
}

// PublicUser returns the public profile of username, degrading to a bare
// username/displayName pair for unknown users.
func (m *Manager) PublicUser(username string) mq.PublicUser {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.publicLocked(username)
}

func (m *Manager) publicLocked(username string) mq.PublicUser {
	if u, ok := m.users[username]; ok {
		return u.Public()
	}
	return mq.PublicUser{Username: username, DisplayName: username}
}

// SearchUsers matches query against usernames and display names,
// case-insensitively, excluding the searcher.
func (m *Manager) SearchUsers(query, searcher string) []mq.PublicUser {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return []mq.PublicUser{}
	}
	m.mu.RLock()
	out := make([]mq.PublicUser, 0)
	for name, u := range m.users {
		if name == searcher {
			continue
		}
		if strings.Contains(name, q) || strings.Contains(strings.ToLower(u.DisplayName), q) {
			out = append(out, u.Public())
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	if len(out) > searchLimit {
		out = out[:searchLimit]
	}
	return out
}

// UpdateProfile applies upd to username's profile. Only the user may edit
// their own profile.
func (m *Manager) UpdateProfile(actor, username string, upd ProfileUpdate) (User, error) {
	if actor != username {
		return User{}, ErrProfileForbidden
	}
	m.mu.Lock()
	u, ok := m.users[username]
	if !ok {
		m.mu.Unlock()
		return User{}, ErrUserNotFound
	}
	if upd.DisplayName != nil {
		if v := strings.TrimSpace(*upd.DisplayName); v != "" {
			u.DisplayName = v
		}
	}
	if upd.Email != nil {
		u.Email = strings.TrimSpace(*upd.Email)
	}
	if upd.Bio != nil {
		u.Bio = *upd.Bio
	}
	if upd.Avatar != nil {
		if *upd.Avatar == "" {
			u.Avatar = nil
		} else {
			u.Avatar = cloneString(upd.Avatar)
		}
	}
	m.dirty = true
	updated := *u
	m.mu.Unlock()

	m.out.ToAll(mq.TopicUserUpdated, updated.Public())
	return updated, nil
}

// PasswordHash returns the stored hash of username.
func (m *Manager) PasswordHash(username string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[username]
	if !ok {
		return "", false
	}
	return u.PasswordHash, true
}

func (m *Manager) SetPasswordHash(username, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[username]
	if !ok {
		return ErrUserNotFound
	}
	u.PasswordHash = hash
	m.dirty = true
	return nil
}

// Status returns the stored status of username.
func (m *Manager) Status(username string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[username]
	if !ok {
		return "", false
	}
	return u.Status, true
}

// SetStatus stores a status. Publishing presence is the registry's job.
func (m *Manager) SetStatus(username, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[username]
	if !ok {
		return ErrUserNotFound
	}
	if u.Status != status {
		u.Status = status
		m.dirty = true
	}
	return nil
}

type nopNotifier struct{}

func (nopNotifier) ToRoom(string, string, any, string) {}
func (nopNotifier) ToUser(string, string, any, string) {}
func (nopNotifier) ToAll(string, any)                  {}
