package chat

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// Persister stores and loads store snapshots.
type Persister interface {
	Load(ctx context.Context) (Snapshot, error)
	Save(ctx context.Context, s Snapshot) error
}

// Restore replaces the store's contents with s. Users that were online when
// the snapshot was taken come back offline, since nobody is connected yet.
func (m *Manager) Restore(s Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.users = make(map[string]*User, len(s.Users))
	for i := range s.Users {
		u := s.Users[i]
		if u.Status != "invisible" {
			u.Status = "offline"
		}
		m.users[u.Username] = &u
	}

	m.chats = make(map[string]*Chat, len(s.Chats))
	m.messages = make(map[string][]*Message, len(s.Chats))
	for i := range s.Chats {
		c := s.Chats[i].clone()
		sort.Strings(c.Participants)
		m.chats[c.ID] = &c
		m.messages[c.ID] = nil
	}

	dropped := 0
	for i := range s.Messages {
		msg := s.Messages[i].Clone()
		if _, ok := m.chats[msg.ChatID]; !ok {
			dropped++
			continue
		}
		m.messages[msg.ChatID] = append(m.messages[msg.ChatID], msg)
	}
	for id := range m.messages {
		msgs := m.messages[id]
		sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Timestamp.Before(msgs[j].Timestamp) })
	}
	if dropped > 0 {
		log.Warnf("restore: dropped %d messages of unknown chats", dropped)
	}

	m.drafts = map[string]map[string]string{}
	m.dirty = false
	log.Infof("restored %d users, %d chats, %d messages", len(m.users), len(m.chats), len(s.Messages)-dropped)
}

// Snapshot returns a deep copy of the persisted state in a stable order.
func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() Snapshot {
	s := Snapshot{
		Users:    make([]User, 0, len(m.users)),
		Chats:    make([]Chat, 0, len(m.chats)),
		Messages: make([]Message, 0),
	}
	for _, u := range m.users {
		cp := *u
		cp.Avatar = cloneString(u.Avatar)
		s.Users = append(s.Users, cp)
	}
	sort.Slice(s.Users, func(i, j int) bool { return s.Users[i].Username < s.Users[j].Username })

	for _, c := range m.chats {
		s.Chats = append(s.Chats, c.clone())
	}
	sort.Slice(s.Chats, func(i, j int) bool { return s.Chats[i].ID < s.Chats[j].ID })

	for _, c := range s.Chats {
		for _, msg := range m.messages[c.ID] {
			s.Messages = append(s.Messages, *msg.Clone())
		}
	}
	return s
}

// Dirty reports whether there are changes not yet flushed.
func (m *Manager) Dirty() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dirty
}

// Load restores the store from its persister.
func (m *Manager) Load(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	s, err := m.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	m.Restore(s)
	return nil
}

// Flush saves a snapshot if anything changed since the last flush. On
// failure the store stays dirty so the next flush retries.
func (m *Manager) Flush(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	m.flushMu.Lock()
	defer m.flushMu.Unlock()

	m.mu.Lock()
	if !m.dirty {
		m.mu.Unlock()
		return nil
	}
	s := m.snapshotLocked()
	m.dirty = false
	m.mu.Unlock()

	if err := m.store.Save(ctx, s); err != nil {
		m.mu.Lock()
		m.dirty = true
		m.mu.Unlock()
		return fmt.Errorf("save snapshot: %w", err)
	}
	log.Debugf("flushed %d users, %d chats, %d messages", len(s.Users), len(s.Chats), len(s.Messages))
	return nil
}

// RunFlusher flushes every interval until ctx is done. The final flush on
// shutdown is the caller's, after traffic has stopped.
func (m *Manager) RunFlusher(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := m.Flush(ctx); err != nil {
				log.Errorf("periodic flush: %v", err)
			}
		}
	}
}
