// Package group coordinates group call rosters. Media flows through an
// external conferencing bridge; this package only tracks who is in which
// room and tells the others.
package group

import (
	"sort"
	"sync"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/parley/internal/mq"
)

var log = logging.Logger("group")

// Signaler delivers roster events to identities.
type Signaler interface {
	Resolve(username string) (connID string, ok bool)
	Send(connID, topic string, payload any) bool
}

// Manager owns every live group call room.
type Manager struct {
	sig Signaler

	mu    sync.RWMutex
	rooms map[string]*room
}

type room struct {
	info    RoomInfo
	members map[string]int64 // username → joinedAt (unix ms)
}

func New(sig Signaler) *Manager {
	return &Manager{
		sig:   sig,
		rooms: make(map[string]*room),
	}
}

// InitiateRequest describes a new group call.
type InitiateRequest struct {
	ChatID   string
	ChatName string
	RoomID   string // generated when empty
	Media    string
	Invitees []string
}

// Initiate creates a room holding only the initiator and invites every other
// reachable invitee. It returns the room id.
func (m *Manager) Initiate(from mq.PublicUser, req InitiateRequest) (string, error) {
	if req.ChatID == "" {
		return "", ErrChatRequired
	}
	if !mq.ValidMedia(req.Media) {
		return "", ErrInvalidMedia
	}
	if req.RoomID == "" {
		req.RoomID = "room_" + uuid.NewString()
	}

	now := nowMillis()
	m.mu.Lock()
	if _, exists := m.rooms[req.RoomID]; exists {
		m.mu.Unlock()
		return "", ErrRoomExists
	}
	r := &room{
		info: RoomInfo{
			RoomID:    req.RoomID,
			ChatID:    req.ChatID,
			ChatName:  req.ChatName,
			Initiator: from.Username,
			Media:     req.Media,
			CreatedAt: now,
		},
		members: map[string]int64{from.Username: now},
	}
	m.rooms[req.RoomID] = r
	m.mu.Unlock()

	invited := append([]string(nil), req.Invitees...)
	sort.Strings(invited)
	payload := mq.GroupCallIncomingPayload{
		ChatID:       req.ChatID,
		ChatName:     req.ChatName,
		RoomID:       req.RoomID,
		Type:         req.Media,
		From:         from,
		Participants: invited,
	}
	reached := 0
	for _, u := range invited {
		if u == from.Username {
			continue
		}
		if m.sendTo(u, mq.TopicGroupCallIncoming, payload) {
			reached++
		}
	}
	log.Infof("%s started %s call %s in %s, %d/%d invitees reachable",
		from.Username, req.Media, req.RoomID, req.ChatID, reached, len(invited)-1)
	return req.RoomID, nil
}

// Join adds username to a room and tells the members already there.
// Joining twice is a no-op.
func (m *Manager) Join(username, roomID string) (RoomInfo, error) {
	m.mu.Lock()
	r, ok := m.rooms[roomID]
	if !ok {
		m.mu.Unlock()
		return RoomInfo{}, ErrRoomNotFound
	}
	if _, already := r.members[username]; already {
		info := r.snapshot()
		m.mu.Unlock()
		return info, nil
	}
	others := r.memberNames(username)
	r.members[username] = nowMillis()
	info := r.snapshot()
	m.mu.Unlock()

	payload := mq.GroupCallMemberPayload{RoomID: roomID, Username: username, Participants: memberUsernames(info.Members)}
	for _, u := range others {
		m.sendTo(u, mq.TopicGroupCallUserJoined, payload)
	}
	log.Infof("%s joined %s (%d members)", username, roomID, len(info.Members))
	return info, nil
}

// Leave removes username from a room, tells the rest, and destroys the room
// once it is empty. destroyed reports the latter.
func (m *Manager) Leave(username, roomID string) (destroyed bool, err error) {
	m.mu.Lock()
	r, ok := m.rooms[roomID]
	if !ok {
		m.mu.Unlock()
		return false, ErrRoomNotFound
	}
	if _, in := r.members[username]; !in {
		m.mu.Unlock()
		return false, ErrNotInRoom
	}
	delete(r.members, username)
	remaining := r.memberNames("")
	if len(remaining) == 0 {
		delete(m.rooms, roomID)
		destroyed = true
	}
	m.mu.Unlock()

	payload := mq.GroupCallMemberPayload{RoomID: roomID, Username: username, Participants: remaining}
	for _, u := range remaining {
		m.sendTo(u, mq.TopicGroupCallUserLeft, payload)
	}
	if destroyed {
		log.Infof("%s left %s, room closed", username, roomID)
	} else {
		log.Infof("%s left %s (%d remaining)", username, roomID, len(remaining))
	}
	return destroyed, nil
}

// Reject declines an invitation. The roster does not change; the initiator
// is told if they are still in the room.
func (m *Manager) Reject(username, roomID string) error {
	m.mu.RLock()
	r, ok := m.rooms[roomID]
	if !ok {
		m.mu.RUnlock()
		return ErrRoomNotFound
	}
	initiator := r.info.Initiator
	_, present := r.members[initiator]
	m.mu.RUnlock()

	log.Infof("%s declined %s", username, roomID)
	if present && initiator != username {
		m.sendTo(initiator, mq.TopicGroupCallRejected, mq.GroupCallMemberPayload{RoomID: roomID, Username: username})
	}
	return nil
}

// RelaySignal forwards a legacy mesh offer, answer or candidate to one peer.
// Both must be in the same room (of req.ChatID when set); anything else, and
// unreachable peers, are dropped silently.
func (m *Manager) RelaySignal(topic, from, to string, req mq.GroupCallSignalRequest) (bool, error) {
	switch topic {
	case mq.TopicGroupCallOffer, mq.TopicGroupCallAnswer, mq.TopicGroupCallICE:
	default:
		return false, ErrInvalidSignal
	}
	if !m.shareRoom(from, to, req.ChatID) {
		log.Debugf("dropping %s from %s to %s: no shared room", topic, from, to)
		return false, nil
	}
	return m.sendTo(to, topic, mq.GroupCallSignalPayload{
		From:      from,
		ChatID:    req.ChatID,
		Offer:     req.Offer,
		Answer:    req.Answer,
		Candidate: req.Candidate,
	}), nil
}

func (m *Manager) shareRoom(a, b, chatID string) bool {
	if a == b {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.rooms {
		if chatID != "" && r.info.ChatID != chatID {
			continue
		}
		_, okA := r.members[a]
		_, okB := r.members[b]
		if okA && okB {
			return true
		}
	}
	return false
}

// Disconnect removes username from every room it is in. Called when the
// identity's last connection goes away.
func (m *Manager) Disconnect(username string) {
	m.mu.RLock()
	var in []string
	for id, r := range m.rooms {
		if _, ok := r.members[username]; ok {
			in = append(in, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range in {
		if _, err := m.Leave(username, id); err != nil {
			log.Debugf("disconnect %s from %s: %v", username, id, err)
		}
	}
}

// Room returns a room snapshot.
func (m *Manager) Room(roomID string) (RoomInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[roomID]
	if !ok {
		return RoomInfo{}, false
	}
	return r.snapshot(), true
}

// Rooms returns every live room, sorted by id.
func (m *Manager) Rooms() []RoomInfo {
	m.mu.RLock()
	out := make([]RoomInfo, 0, len(m.rooms))
	for _, r := range m.rooms {
		out = append(out, r.snapshot())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].RoomID < out[j].RoomID })
	return out
}

func (m *Manager) sendTo(username, topic string, payload any) bool {
	conn, ok := m.sig.Resolve(username)
	if !ok {
		return false
	}
	return m.sig.Send(conn, topic, payload)
}

// memberNames returns members sorted by name, without exclude.
func (r *room) memberNames(exclude string) []string {
	out := make([]string, 0, len(r.members))
	for u := range r.members {
		if u != exclude {
			out = append(out, u)
		}
	}
	sort.Strings(out)
	return out
}

func (r *room) snapshot() RoomInfo {
	info := r.info
	info.Members = make([]MemberInfo, 0, len(r.members))
	for u, at := range r.members {
		info.Members = append(info.Members, MemberInfo{Username: u, JoinedAt: at})
	}
	sort.Slice(info.Members, func(i, j int) bool {
		if info.Members[i].JoinedAt != info.Members[j].JoinedAt {
			return info.Members[i].JoinedAt < info.Members[j].JoinedAt
		}
		return info.Members[i].Username < info.Members[j].Username
	})
	return info
}

func memberUsernames(members []MemberInfo) []string {
	out := make([]string, len(members))
	for i, mi := range members {
		out[i] = mi.Username
	}
	return out
}
