package call

import (
	"time"

	"github.com/pion/webrtc/v4"
)

// slot is one identity's side of a call. Idle identities have no slot.
type slot struct {
	phase Phase
	peer  string
	media string
	conn  string // connection this side is bound to
	since time.Time

	offer      webrtc.SessionDescription // ringing side only
	pendingICE []webrtc.ICECandidateInit // caller candidates held while ringing
}

func (s *slot) state(username string) State {
	return State{
		Username: username,
		Phase:    s.phase,
		Peer:     s.peer,
		Media:    s.media,
		Since:    s.since,
	}
}

// outbound is an event queued under the lock and sent after it is released.
type outbound struct {
	conn    string
	topic   string
	payload any
}

func (m *Manager) deliver(out []outbound) {
	for _, o := range out {
		if o.conn == "" {
			continue
		}
		if !m.sig.Send(o.conn, o.topic, o.payload) {
			log.Debugf("dropped %s for closed conn %s", o.topic, o.conn)
		}
	}
}

// pairLocked returns both slots of a call if a and b point at each other.
func (m *Manager) pairLocked(a, b string) (*slot, *slot, bool) {
	sa, ok := m.slots[a]
	if !ok || sa.peer != b {
		return nil, nil, false
	}
	sb, ok := m.slots[b]
	if !ok || sb.peer != a {
		return nil, nil, false
	}
	return sa, sb, true
}

func (m *Manager) clearLocked(a, b string) {
	delete(m.slots, a)
	delete(m.slots, b)
}
