package call

import (
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/parley/internal/mq"
)

type delivery struct {
	conn    string
	topic   string
	payload any
}

type fakeSignaler struct {
	mu     sync.Mutex
	online map[string]string // username → conn
	closed map[string]bool
	sent   []delivery
}

func newFakeSignaler(online map[string]string) *fakeSignaler {
	return &fakeSignaler{online: online, closed: map[string]bool{}}
}

func (f *fakeSignaler) Resolve(username string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.online[username]
	return c, ok
}

func (f *fakeSignaler) Send(conn, topic string, payload any) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed[conn] {
		return false
	}
	f.sent = append(f.sent, delivery{conn, topic, payload})
	return true
}

func (f *fakeSignaler) to(conn string) []delivery {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []delivery
	for _, d := range f.sent {
		if d.conn == conn {
			out = append(out, d)
		}
	}
	return out
}

type fakeProfiles struct{}

func (fakeProfiles) PublicUser(u string) mq.PublicUser {
	return mq.PublicUser{Username: u, DisplayName: u}
}

var (
	offer  = webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}
	answer = webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}
)

func candidate(s string) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{Candidate: s}
}

func setup(online map[string]string) (*Manager, *fakeSignaler) {
	sig := newFakeSignaler(online)
	return New(sig, fakeProfiles{}, 4), sig
}

func TestInitiateToOfflineCreatesNoState(t *testing.T) {
	m, sig := setup(map[string]string{"alice": "a1"})

	err := m.Initiate("alice", "a1", "bob", mq.MediaVideo, offer)
	assert.ErrorIs(t, err, ErrPeerOffline)

	assert.Equal(t, PhaseIdle, m.State("alice").Phase)
	assert.Equal(t, PhaseIdle, m.State("bob").Phase)

	got := sig.to("a1")
	require.Len(t, got, 1)
	assert.Equal(t, mq.TopicCallError, got[0].topic)
	assert.Equal(t, mq.ReasonOffline, got[0].payload.(mq.CallReasonPayload).Reason)
}

func TestInitiateThenReject(t *testing.T) {
	m, sig := setup(map[string]string{"alice": "a1", "bob": "b1"})

	require.NoError(t, m.Initiate("alice", "a1", "bob", mq.MediaAudio, offer))
	assert.Equal(t, PhaseCalling, m.State("alice").Phase)
	assert.Equal(t, PhaseRinging, m.State("bob").Phase)

	incoming := sig.to("b1")
	require.Len(t, incoming, 1)
	assert.Equal(t, mq.TopicCallIncoming, incoming[0].topic)
	p := incoming[0].payload.(mq.CallIncomingPayload)
	assert.Equal(t, "alice", p.From.Username)
	assert.Equal(t, offer.SDP, p.Offer.SDP)

	require.NoError(t, m.Reject("bob", "alice"))
	assert.Equal(t, PhaseIdle, m.State("alice").Phase)
	assert.Equal(t, PhaseIdle, m.State("bob").Phase)

	back := sig.to("a1")
	require.Len(t, back, 1)
	assert.Equal(t, mq.TopicCallRejected, back[0].topic)
}

func TestAcceptFlushesQueuedCandidates(t *testing.T) {
	m, sig := setup(map[string]string{"alice": "a1", "bob": "b1"})
	require.NoError(t, m.Initiate("alice", "a1", "bob", mq.MediaVideo, offer))

	assert.True(t, m.RelayICE("alice", "bob", candidate("c1")))
	assert.True(t, m.RelayICE("alice", "bob", candidate("c2")))
	assert.Len(t, sig.to("b2"), 0)

	require.NoError(t, m.Accept("bob", "b2", "alice", answer))
	assert.Equal(t, PhaseActive, m.State("alice").Phase)
	assert.Equal(t, PhaseActive, m.State("bob").Phase)

	accepted := sig.to("a1")
	require.Len(t, accepted, 1)
	assert.Equal(t, mq.TopicCallAccepted, accepted[0].topic)
	assert.Equal(t, answer.SDP, accepted[0].payload.(mq.CallAcceptedPayload).Answer.SDP)

	flushed := sig.to("b2")
	require.Len(t, flushed, 2, "queued candidates go to the accepting connection")
	assert.Equal(t, "c1", flushed[0].payload.(mq.CallICEPayload).Candidate.Candidate)

	assert.True(t, m.RelayICE("bob", "alice", candidate("c3")))
	assert.Len(t, sig.to("a1"), 2)
}

func TestPendingICEIsBounded(t *testing.T) {
	m, _ := setup(map[string]string{"alice": "a1", "bob": "b1"})
	require.NoError(t, m.Initiate("alice", "a1", "bob", mq.MediaVideo, offer))
	for i := 0; i < 4; i++ {
		assert.True(t, m.RelayICE("alice", "bob", candidate("c")))
	}
	assert.False(t, m.RelayICE("alice", "bob", candidate("overflow")))
}

func TestRelayICEDropsStrays(t *testing.T) {
	m, sig := setup(map[string]string{"alice": "a1", "bob": "b1", "carol": "c1"})
	assert.False(t, m.RelayICE("alice", "bob", candidate("x")), "no call")

	require.NoError(t, m.Initiate("alice", "a1", "bob", mq.MediaAudio, offer))
	require.NoError(t, m.Accept("bob", "b1", "alice", answer))
	assert.False(t, m.RelayICE("carol", "bob", candidate("x")))
	assert.False(t, m.RelayICE("alice", "carol", candidate("x")))

	sig.mu.Lock()
	sig.closed["b1"] = true
	sig.mu.Unlock()
	assert.False(t, m.RelayICE("alice", "bob", candidate("x")), "target connection gone")
}

func TestSecondInviteIsBusy(t *testing.T) {
	m, sig := setup(map[string]string{"alice": "a1", "bob": "b1", "carol": "c1"})
	require.NoError(t, m.Initiate("alice", "a1", "bob", mq.MediaAudio, offer))

	err := m.Initiate("carol", "c1", "bob", mq.MediaAudio, offer)
	assert.ErrorIs(t, err, ErrPeerBusy)
	assert.Equal(t, PhaseIdle, m.State("carol").Phase)
	got := sig.to("c1")
	require.Len(t, got, 1)
	assert.Equal(t, mq.ReasonBusy, got[0].payload.(mq.CallReasonPayload).Reason)

	assert.ErrorIs(t, m.Initiate("alice", "a1", "carol", mq.MediaAudio, offer), ErrAlreadyInCall)
	assert.Equal(t, "bob", m.State("alice").Peer, "first call untouched")
}

func TestGlareResolvedByArrivalOrder(t *testing.T) {
	m, _ := setup(map[string]string{"alice": "a1", "bob": "b1"})
	require.NoError(t, m.Initiate("alice", "a1", "bob", mq.MediaAudio, offer))
	assert.ErrorIs(t, m.Initiate("bob", "b1", "alice", mq.MediaAudio, offer), ErrAlreadyInCall)
	assert.Equal(t, PhaseRinging, m.State("bob").Phase)
}

func TestCancelAndEnd(t *testing.T) {
	m, sig := setup(map[string]string{"alice": "a1", "bob": "b1"})

	require.NoError(t, m.Initiate("alice", "a1", "bob", mq.MediaAudio, offer))
	require.NoError(t, m.Cancel("alice"))
	assert.Empty(t, m.Sessions())
	last := sig.to("b1")
	assert.Equal(t, mq.TopicCallEnded, last[len(last)-1].topic)
	assert.Equal(t, mq.ReasonCancelled, last[len(last)-1].payload.(mq.CallReasonPayload).Reason)

	assert.ErrorIs(t, m.End("alice"), ErrNotInCall)

	require.NoError(t, m.Initiate("alice", "a1", "bob", mq.MediaAudio, offer))
	require.NoError(t, m.Accept("bob", "b1", "alice", answer))
	require.NoError(t, m.End("bob"))
	assert.Empty(t, m.Sessions())
	toAlice := sig.to("a1")
	assert.Equal(t, mq.TopicCallEnded, toAlice[len(toAlice)-1].topic)
}

func TestHangupDispatchesByPhase(t *testing.T) {
	m, sig := setup(map[string]string{"alice": "a1", "bob": "b1"})

	require.NoError(t, m.Initiate("alice", "a1", "bob", mq.MediaAudio, offer))
	require.NoError(t, m.Hangup("bob", "alice"))
	toAlice := sig.to("a1")
	assert.Equal(t, mq.TopicCallRejected, toAlice[len(toAlice)-1].topic)

	assert.ErrorIs(t, m.Hangup("bob", ""), ErrNotInCall)

	require.NoError(t, m.Initiate("alice", "a1", "bob", mq.MediaAudio, offer))
	assert.ErrorIs(t, m.Hangup("alice", "carol"), ErrNotInCall)
	require.NoError(t, m.Hangup("alice", "bob"))
	assert.Empty(t, m.Sessions())
}

func TestAcceptRequiresPendingInvite(t *testing.T) {
	m, _ := setup(map[string]string{"alice": "a1", "bob": "b1"})
	assert.ErrorIs(t, m.Accept("bob", "b1", "alice", answer), ErrNoPendingCall)

	require.NoError(t, m.Initiate("alice", "a1", "bob", mq.MediaAudio, offer))
	assert.ErrorIs(t, m.Accept("alice", "a1", "bob", answer), ErrNoPendingCall, "caller cannot accept its own invite")
	assert.ErrorIs(t, m.Accept("bob", "b1", "alice", offer), ErrInvalidAnswer)
}

func TestDisconnectForcesBothIdle(t *testing.T) {
	m, sig := setup(map[string]string{"alice": "a1", "bob": "b1"})
	require.NoError(t, m.Initiate("alice", "a1", "bob", mq.MediaVideo, offer))
	require.NoError(t, m.Accept("bob", "b1", "alice", answer))

	m.Disconnect("bob", "b-other", false)
	assert.Equal(t, PhaseActive, m.State("alice").Phase, "unrelated connection of bob")

	m.Disconnect("bob", "b1", true)
	assert.Equal(t, PhaseIdle, m.State("alice").Phase)
	assert.Equal(t, PhaseIdle, m.State("bob").Phase)

	toAlice := sig.to("a1")
	p := toAlice[len(toAlice)-1].payload.(mq.CallReasonPayload)
	assert.Equal(t, mq.ReasonDisconnected, p.Reason)
	assert.Equal(t, "bob", p.From)
}

func TestInitiateValidation(t *testing.T) {
	m, _ := setup(map[string]string{"alice": "a1", "bob": "b1"})
	assert.ErrorIs(t, m.Initiate("alice", "a1", "alice", mq.MediaAudio, offer), ErrSelfCall)
	assert.ErrorIs(t, m.Initiate("alice", "a1", "bob", "hologram", offer), ErrInvalidMedia)
	assert.ErrorIs(t, m.Initiate("alice", "a1", "bob", mq.MediaAudio, answer), ErrInvalidOffer)
	assert.Empty(t, m.Sessions())
}
