// Package call is the server side of 1:1 WebRTC call signaling. It tracks a
// call slot per identity and relays SDP and ICE between the two parties
// without looking inside them.
package call

import (
	"sort"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/parley/internal/mq"
)

var log = logging.Logger("call")

// DefaultMaxPendingICE bounds the candidates held for a ringing callee.
const DefaultMaxPendingICE = 64

// Manager owns every identity's call slot.
type Manager struct {
	sig        Signaler
	profiles   Profiles
	maxPending int
	now        func() time.Time

	mu    sync.Mutex
	slots map[string]*slot
}

func New(sig Signaler, profiles Profiles, maxPending int) *Manager {
	if maxPending <= 0 {
		maxPending = DefaultMaxPendingICE
	}
	return &Manager{
		sig:        sig,
		profiles:   profiles,
		maxPending: maxPending,
		now:        time.Now,
		slots:      map[string]*slot{},
	}
}

// Initiate invites callee on behalf of caller. An unreachable callee gets the
// caller a call.error and a busy callee a call.rejected; neither creates
// state.
func (m *Manager) Initiate(caller, callerConn, callee, media string, offer webrtc.SessionDescription) error {
	if caller == callee {
		return ErrSelfCall
	}
	if !mq.ValidMedia(media) {
		return ErrInvalidMedia
	}
	if offer.Type != webrtc.SDPTypeOffer || offer.SDP == "" {
		return ErrInvalidOffer
	}

	m.mu.Lock()
	if _, busy := m.slots[caller]; busy {
		m.mu.Unlock()
		return ErrAlreadyInCall
	}
	calleeConn, ok := m.sig.Resolve(callee)
	if !ok {
		m.mu.Unlock()
		log.Infof("%s → %s: target offline", caller, callee)
		m.deliver([]outbound{{callerConn, mq.TopicCallError, mq.CallReasonPayload{From: callee, Reason: mq.ReasonOffline}}})
		return ErrPeerOffline
	}
	if _, busy := m.slots[callee]; busy {
		m.mu.Unlock()
		log.Infof("%s → %s: target busy", caller, callee)
		m.deliver([]outbound{{callerConn, mq.TopicCallRejected, mq.CallReasonPayload{From: callee, Reason: mq.ReasonBusy}}})
		return ErrPeerBusy
	}
	now := m.now()
	m.slots[caller] = &slot{phase: PhaseCalling, peer: callee, media: media, conn: callerConn, since: now}
	m.slots[callee] = &slot{phase: PhaseRinging, peer: caller, media: media, conn: calleeConn, since: now, offer: offer}
	m.mu.Unlock()

	log.Infof("%s → %s: ringing (%s)", caller, callee, media)
	m.deliver([]outbound{{calleeConn, mq.TopicCallIncoming, mq.CallIncomingPayload{
		From:  m.profiles.PublicUser(caller),
		Type:  media,
		Offer: offer,
	}}})
	return nil
}

// Accept answers a ringing call. The callee side binds to calleeConn and
// receives any candidates the caller sent while it was ringing.
func (m *Manager) Accept(callee, calleeConn, caller string, answer webrtc.SessionDescription) error {
	if answer.Type != webrtc.SDPTypeAnswer || answer.SDP == "" {
		return ErrInvalidAnswer
	}

	m.mu.Lock()
	cs, ks, ok := m.pairLocked(callee, caller)
	if !ok || cs.phase != PhaseRinging || ks.phase != PhaseCalling {
		m.mu.Unlock()
		return ErrNoPendingCall
	}
	now := m.now()
	cs.phase, ks.phase = PhaseActive, PhaseActive
	cs.since, ks.since = now, now
	cs.conn = calleeConn
	pending := cs.pendingICE
	cs.pendingICE = nil
	cs.offer = webrtc.SessionDescription{}

	out := make([]outbound, 0, 1+len(pending))
	out = append(out, outbound{ks.conn, mq.TopicCallAccepted, mq.CallAcceptedPayload{From: callee, Answer: answer}})
	for _, c := range pending {
		out = append(out, outbound{calleeConn, mq.TopicCallICE, mq.CallICEPayload{From: caller, Candidate: c}})
	}
	m.mu.Unlock()

	log.Infof("%s ↔ %s: active (%d queued candidates)", caller, callee, len(pending))
	m.deliver(out)
	return nil
}

// Reject declines a ringing call from caller.
func (m *Manager) Reject(callee, caller string) error {
	m.mu.Lock()
	cs, ks, ok := m.pairLocked(callee, caller)
	if !ok || cs.phase != PhaseRinging {
		m.mu.Unlock()
		return ErrNoPendingCall
	}
	conn := ks.conn
	m.clearLocked(callee, caller)
	m.mu.Unlock()

	log.Infof("%s rejected %s", callee, caller)
	m.deliver([]outbound{{conn, mq.TopicCallRejected, mq.CallReasonPayload{From: callee, Reason: mq.ReasonDeclined}}})
	return nil
}

// Cancel withdraws caller's unanswered invite.
func (m *Manager) Cancel(caller string) error {
	m.mu.Lock()
	ks, ok := m.slots[caller]
	if !ok || ks.phase != PhaseCalling {
		m.mu.Unlock()
		return ErrNoPendingCall
	}
	callee := ks.peer
	var conn string
	if cs, ok := m.slots[callee]; ok && cs.peer == caller {
		conn = cs.conn
	}
	m.clearLocked(caller, callee)
	m.mu.Unlock()

	log.Infof("%s cancelled call to %s", caller, callee)
	m.deliver([]outbound{{conn, mq.TopicCallEnded, mq.CallReasonPayload{From: caller, Reason: mq.ReasonCancelled}}})
	return nil
}

// End hangs up an active call.
func (m *Manager) End(party string) error {
	m.mu.Lock()
	s, ok := m.slots[party]
	if !ok || s.phase != PhaseActive {
		m.mu.Unlock()
		return ErrNotInCall
	}
	peer := s.peer
	var conn string
	if ps, ok := m.slots[peer]; ok && ps.peer == party {
		conn = ps.conn
	}
	m.clearLocked(party, peer)
	m.mu.Unlock()

	log.Infof("%s ended call with %s", party, peer)
	m.deliver([]outbound{{conn, mq.TopicCallEnded, mq.CallReasonPayload{From: party, Reason: mq.ReasonHangup}}})
	return nil
}

// Hangup is what a client's "end call" button means in any phase: cancel an
// outgoing invite, decline an incoming one, or end an active call. When peer
// is set it must match the current counterpart.
func (m *Manager) Hangup(party, peer string) error {
	m.mu.Lock()
	s, ok := m.slots[party]
	var phase Phase
	var counterpart string
	if ok {
		phase, counterpart = s.phase, s.peer
	}
	m.mu.Unlock()

	if !ok || (peer != "" && peer != counterpart) {
		return ErrNotInCall
	}
	switch phase {
	case PhaseCalling:
		return m.Cancel(party)
	case PhaseRinging:
		return m.Reject(party, counterpart)
	default:
		return m.End(party)
	}
}

// RelayICE forwards a trickle candidate between the two parties of a call.
// Candidates for a callee that has not answered yet are held and delivered
// on accept. Anything not addressed to the current counterpart is dropped.
func (m *Manager) RelayICE(from, to string, candidate webrtc.ICECandidateInit) bool {
	m.mu.Lock()
	_, target, ok := m.pairLocked(from, to)
	if !ok {
		m.mu.Unlock()
		return false
	}
	if target.phase == PhaseRinging {
		if len(target.pendingICE) >= m.maxPending {
			m.mu.Unlock()
			log.Debugf("pending ICE for %s full, dropping", to)
			return false
		}
		target.pendingICE = append(target.pendingICE, candidate)
		m.mu.Unlock()
		return true
	}
	conn := target.conn
	m.mu.Unlock()

	return m.sig.Send(conn, mq.TopicCallICE, mq.CallICEPayload{From: from, Candidate: candidate})
}

// Disconnect reacts to connID of username going away. The call is torn down
// when that was the connection the call is bound to, or the identity's last
// one; the counterpart is told the call ended.
func (m *Manager) Disconnect(username, connID string, last bool) {
	m.mu.Lock()
	s, ok := m.slots[username]
	if !ok || (!last && s.conn != connID) {
		m.mu.Unlock()
		return
	}
	peer := s.peer
	var conn string
	if ps, ok := m.slots[peer]; ok && ps.peer == username {
		conn = ps.conn
	}
	m.clearLocked(username, peer)
	m.mu.Unlock()

	log.Infof("%s disconnected during %s call with %s", username, s.phase, peer)
	m.deliver([]outbound{{conn, mq.TopicCallEnded, mq.CallReasonPayload{From: username, Reason: mq.ReasonDisconnected}}})
}

// State returns username's call slot; idle identities report PhaseIdle.
func (m *Manager) State(username string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.slots[username]; ok {
		return s.state(username)
	}
	return State{Username: username, Phase: PhaseIdle}
}

// Sessions returns every non-idle slot, sorted by username.
func (m *Manager) Sessions() []State {
	m.mu.Lock()
	out := make([]State, 0, len(m.slots))
	for u, s := range m.slots {
		out = append(out, s.state(u))
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

// Close drops every call without notifying anyone; used on shutdown after
// connections are gone.
func (m *Manager) Close() {
	m.mu.Lock()
	m.slots = map[string]*slot{}
	m.mu.Unlock()
}
