// Package state tracks which identities are connected, through which
// connections, and what presence the rest of the system may observe.
package state

import (
	"sort"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/parley/internal/apperr"
	"github.com/petervdpas/parley/internal/mq"
)

var log = logging.Logger("state")

const (
	StatusOnline    = "online"
	StatusOffline   = "offline"
	StatusAway      = "away"
	StatusDND       = "dnd"
	StatusInvisible = "invisible"
)

var ErrInvalidStatus = apperr.InvalidArg("status must be online, offline, away, dnd or invisible")

// ValidStatus reports whether s is a status a user may hold.
func ValidStatus(s string) bool {
	switch s {
	case StatusOnline, StatusOffline, StatusAway, StatusDND, StatusInvisible:
		return true
	}
	return false
}

// Observable is the status other users see. Invisible looks offline.
func Observable(status string) string {
	if status == StatusInvisible || status == "" {
		return StatusOffline
	}
	return status
}

// Broadcaster delivers an event to every connection.
type Broadcaster interface {
	Broadcast(topic string, payload any)
}

// StatusStore persists the stored (not observable) status of a user.
type StatusStore interface {
	Status(username string) (string, bool)
	SetStatus(username, status string) error
}

// Registry maps connections to identities. One identity may hold several
// connections; the most recently registered one is the signaling target.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]string   // connID → username
	byUser map[string][]string // username → connIDs, oldest first

	statuses StatusStore
	out      Broadcaster
}

func NewRegistry(statuses StatusStore, out Broadcaster) *Registry {
	return &Registry{
		conns:    map[string]string{},
		byUser:   map[string][]string{},
		statuses: statuses,
		out:      out,
	}
}

// Register records connID for username and publishes presence. It returns
// true when this is the identity's first live connection.
func (r *Registry) Register(username, connID string) bool {
	r.mu.Lock()
	if _, dup := r.conns[connID]; dup {
		r.mu.Unlock()
		return false
	}
	r.conns[connID] = username
	r.byUser[username] = append(r.byUser[username], connID)
	first := len(r.byUser[username]) == 1
	r.mu.Unlock()

	status, _ := r.statuses.Status(username)
	switch status {
	case "", StatusOffline:
		if err := r.statuses.SetStatus(username, StatusOnline); err != nil {
			log.Warnf("set %s online: %v", username, err)
		}
		r.publishStatus(username, StatusOnline)
	case StatusInvisible:
	default:
		r.publishStatus(username, status)
	}
	r.publishRoster()

	log.Debugf("registered %s conn=%s first=%v", username, connID, first)
	return first
}

// Unregister forgets connID. last is true when the identity has no
// connections left, in which case it is published as offline. An invisible
// user keeps the invisible preference for the next login.
func (r *Registry) Unregister(connID string) (username string, last bool) {
	r.mu.Lock()
	username, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return "", false
	}
	delete(r.conns, connID)
	ids := r.byUser[username]
	for i, id := range ids {
		if id == connID {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(r.byUser, username)
		last = true
	} else {
		r.byUser[username] = ids
	}
	r.mu.Unlock()

	if !last {
		return username, false
	}
	status, _ := r.statuses.Status(username)
	if status != StatusInvisible {
		if err := r.statuses.SetStatus(username, StatusOffline); err != nil {
			log.Warnf("set %s offline: %v", username, err)
		}
		r.publishStatus(username, StatusOffline)
	}
	r.publishRoster()
	log.Debugf("unregistered %s conn=%s (last)", username, connID)
	return username, true
}

// SetStatus stores a new status and publishes what others may observe.
// Presence is only published while the identity is connected.
func (r *Registry) SetStatus(username, status string) error {
	if !ValidStatus(status) {
		return ErrInvalidStatus
	}
	if err := r.statuses.SetStatus(username, status); err != nil {
		return err
	}
	if !r.Reachable(username) {
		return nil
	}
	r.publishStatus(username, Observable(status))
	r.publishRoster()
	return nil
}

// Resolve returns the most recent live connection of username.
func (r *Registry) Resolve(username string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.byUser[username]
	if len(ids) == 0 {
		return "", false
	}
	return ids[len(ids)-1], true
}

// Username returns the identity owning connID.
func (r *Registry) Username(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.conns[connID]
	return u, ok
}

// Connections returns the live connections of username, oldest first.
func (r *Registry) Connections(username string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.byUser[username]...)
}

// Reachable reports whether username has at least one live connection,
// regardless of the status it shows.
func (r *Registry) Reachable(username string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[username]) > 0
}

// IsOnline reports whether others should see username as online.
func (r *Registry) IsOnline(username string) bool {
	if !r.Reachable(username) {
		return false
	}
	status, _ := r.statuses.Status(username)
	return Observable(status) != StatusOffline
}

// Online returns the sorted visible roster.
func (r *Registry) Online() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.byUser))
	for u := range r.byUser {
		names = append(names, u)
	}
	r.mu.RUnlock()

	out := names[:0]
	for _, u := range names {
		status, _ := r.statuses.Status(u)
		if Observable(status) != StatusOffline {
			out = append(out, u)
		}
	}
	sort.Strings(out)
	return out
}

// ConnCount returns the number of live connections.
func (r *Registry) ConnCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func (r *Registry) publishStatus(username, status string) {
	r.out.Broadcast(mq.TopicPresenceChanged, mq.PresenceChangedPayload{Username: username, Status: status})
}

func (r *Registry) publishRoster() {
	r.out.Broadcast(mq.TopicPresenceRoster, mq.PresenceRosterPayload{Online: r.Online()})
}
