package group

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/parley/internal/mq"
)

type delivery struct {
	to      string
	topic   string
	payload any
}

type fakeSignaler struct {
	mu     sync.Mutex
	online map[string]bool
	sent   []delivery
}

func (f *fakeSignaler) Resolve(u string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.online[u] {
		return "", false
	}
	return "conn-" + u, true
}

func (f *fakeSignaler) Send(conn, topic string, payload any) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, delivery{conn[len("conn-"):], topic, payload})
	return true
}

func (f *fakeSignaler) received(u, topic string) []delivery {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []delivery
	for _, d := range f.sent {
		if d.to == u && d.topic == topic {
			out = append(out, d)
		}
	}
	return out
}

func newTestManager(online ...string) (*Manager, *fakeSignaler) {
	sig := &fakeSignaler{online: map[string]bool{}}
	for _, u := range online {
		sig.online[u] = true
	}
	return New(sig), sig
}

func user(name string) mq.PublicUser {
	return mq.PublicUser{Username: name, DisplayName: name}
}

func TestInitiateInvitesReachableMembers(t *testing.T) {
	m, sig := newTestManager("alice", "bob", "carol")

	roomID, err := m.Initiate(user("alice"), InitiateRequest{
		ChatID:   "group_1",
		ChatName: "Team",
		Media:    mq.MediaVideo,
		Invitees: []string{"alice", "bob", "carol", "dave"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, roomID)

	info, ok := m.Room(roomID)
	require.True(t, ok)
	require.Len(t, info.Members, 1)
	assert.Equal(t, "alice", info.Members[0].Username)

	assert.Len(t, sig.received("bob", mq.TopicGroupCallIncoming), 1)
	assert.Len(t, sig.received("carol", mq.TopicGroupCallIncoming), 1)
	assert.Empty(t, sig.received("alice", mq.TopicGroupCallIncoming))
	assert.Empty(t, sig.received("dave", mq.TopicGroupCallIncoming))

	_, err = m.Initiate(user("bob"), InitiateRequest{ChatID: "group_1", RoomID: roomID, Media: mq.MediaAudio})
	assert.ErrorIs(t, err, ErrRoomExists)
}

func TestJoinsGrowRosterAndNotifyOthers(t *testing.T) {
	m, sig := newTestManager("alice", "bob", "carol", "dave")
	roomID, err := m.Initiate(user("alice"), InitiateRequest{ChatID: "g", Media: mq.MediaAudio, Invitees: []string{"bob", "carol", "dave"}})
	require.NoError(t, err)

	for _, u := range []string{"bob", "carol", "dave"} {
		_, err := m.Join(u, roomID)
		require.NoError(t, err)
	}
	info, _ := m.Room(roomID)
	assert.Len(t, info.Members, 4)

	assert.Len(t, sig.received("alice", mq.TopicGroupCallUserJoined), 3)
	assert.Len(t, sig.received("bob", mq.TopicGroupCallUserJoined), 2)
	assert.Empty(t, sig.received("dave", mq.TopicGroupCallUserJoined))

	_, err = m.Join("bob", roomID)
	require.NoError(t, err)
	assert.Len(t, sig.received("alice", mq.TopicGroupCallUserJoined), 3, "rejoin is a no-op")

	_, err = m.Join("bob", "room_missing")
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestRoomDestroyedWhenLastLeaves(t *testing.T) {
	m, sig := newTestManager("alice", "bob")
	roomID, err := m.Initiate(user("alice"), InitiateRequest{ChatID: "g", Media: mq.MediaAudio, Invitees: []string{"bob"}})
	require.NoError(t, err)
	_, err = m.Join("bob", roomID)
	require.NoError(t, err)

	destroyed, err := m.Leave("alice", roomID)
	require.NoError(t, err)
	assert.False(t, destroyed)
	left := sig.received("bob", mq.TopicGroupCallUserLeft)
	require.Len(t, left, 1)
	assert.Equal(t, "alice", left[0].payload.(mq.GroupCallMemberPayload).Username)

	destroyed, err = m.Leave("bob", roomID)
	require.NoError(t, err)
	assert.True(t, destroyed)
	_, ok := m.Room(roomID)
	assert.False(t, ok)
	assert.Empty(t, m.Rooms())

	_, err = m.Leave("bob", roomID)
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestRejectTellsInitiatorOnly(t *testing.T) {
	m, sig := newTestManager("alice", "bob", "carol")
	roomID, err := m.Initiate(user("alice"), InitiateRequest{ChatID: "g", Media: mq.MediaAudio, Invitees: []string{"bob", "carol"}})
	require.NoError(t, err)

	require.NoError(t, m.Reject("bob", roomID))
	info, _ := m.Room(roomID)
	assert.Len(t, info.Members, 1, "roster unchanged")
	assert.Len(t, sig.received("alice", mq.TopicGroupCallRejected), 1)
	assert.Empty(t, sig.received("carol", mq.TopicGroupCallRejected))

	assert.ErrorIs(t, m.Reject("bob", "nope"), ErrRoomNotFound)
}

func TestDisconnectLeavesAllRooms(t *testing.T) {
	m, _ := newTestManager("alice", "bob")
	r1, _ := m.Initiate(user("alice"), InitiateRequest{ChatID: "g1", Media: mq.MediaAudio, Invitees: []string{"bob"}})
	r2, _ := m.Initiate(user("bob"), InitiateRequest{ChatID: "g2", Media: mq.MediaAudio, Invitees: []string{"alice"}})
	_, err := m.Join("alice", r2)
	require.NoError(t, err)

	m.Disconnect("alice")

	_, ok := m.Room(r1)
	assert.False(t, ok, "alice was alone in r1")
	info, ok := m.Room(r2)
	require.True(t, ok)
	require.Len(t, info.Members, 1)
	assert.Equal(t, "bob", info.Members[0].Username)
}

func TestRelaySignal(t *testing.T) {
	m, sig := newTestManager("alice", "bob", "mallory")
	roomID, err := m.Initiate(user("alice"), InitiateRequest{
		ChatID:   "g",
		Media:    mq.MediaAudio,
		Invitees: []string{"alice", "bob"},
	})
	require.NoError(t, err)

	// Not yet joined: nothing is relayed.
	ok, err := m.RelaySignal(mq.TopicGroupCallOffer, "alice", "bob", mq.GroupCallSignalRequest{ChatID: "g"})
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = m.Join("bob", roomID)
	require.NoError(t, err)

	ok, err = m.RelaySignal(mq.TopicGroupCallOffer, "alice", "bob", mq.GroupCallSignalRequest{ChatID: "g"})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Len(t, sig.received("bob", mq.TopicGroupCallOffer), 1)

	ok, err = m.RelaySignal(mq.TopicGroupCallAnswer, "bob", "alice", mq.GroupCallSignalRequest{})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.RelaySignal(mq.TopicGroupCallOffer, "alice", "bob", mq.GroupCallSignalRequest{ChatID: "other"})
	require.NoError(t, err)
	assert.False(t, ok, "room of a different chat")

	ok, err = m.RelaySignal(mq.TopicGroupCallICE, "mallory", "bob", mq.GroupCallSignalRequest{ChatID: "g"})
	require.NoError(t, err)
	assert.False(t, ok, "sender outside the room")
	assert.Empty(t, sig.received("bob", mq.TopicGroupCallICE))

	_, err = m.RelaySignal("groupCall.bogus", "alice", "bob", mq.GroupCallSignalRequest{})
	assert.ErrorIs(t, err, ErrInvalidSignal)
}
