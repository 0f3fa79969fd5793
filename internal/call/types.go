package call

import (
	"time"

	"github.com/petervdpas/parley/internal/apperr"
	"github.com/petervdpas/parley/internal/mq"
)

// Signaler is the only surface the call package needs from the realtime
// layer. The app wires it to the session registry and the hub.
type Signaler interface {
	// Resolve returns the connection that should ring for username.
	Resolve(username string) (connID string, ok bool)
	// Send delivers one event to one connection. False means it is gone.
	Send(connID, topic string, payload any) bool
}

// Profiles resolves the caller profile shown on the callee's ringing screen.
type Profiles interface {
	PublicUser(username string) mq.PublicUser
}

// Phase is where one identity stands in a 1:1 call.
type Phase string

const (
	PhaseIdle    Phase = "idle"
	PhaseCalling Phase = "calling" // invite sent, waiting for the callee
	PhaseRinging Phase = "ringing" // invite received, not answered yet
	PhaseActive  Phase = "active"
)

// State is a read-only view of one identity's call slot.
type State struct {
	Username string    `json:"username"`
	Phase    Phase     `json:"phase"`
	Peer     string    `json:"peer,omitempty"`
	Media    string    `json:"media,omitempty"`
	Since    time.Time `json:"since,omitempty"`
}

var (
	ErrSelfCall      = apperr.InvalidArg("cannot call yourself")
	ErrInvalidMedia  = apperr.InvalidArg("call type must be audio or video")
	ErrInvalidOffer  = apperr.InvalidArg("an sdp offer is required")
	ErrInvalidAnswer = apperr.InvalidArg("an sdp answer is required")
	ErrAlreadyInCall = apperr.FailedPrecondition("already in a call")
	ErrPeerOffline   = apperr.Unavailable("user offline")
	ErrPeerBusy      = apperr.FailedPrecondition("user busy")
	ErrNoPendingCall = apperr.FailedPrecondition("no pending call with that user")
	ErrNotInCall     = apperr.FailedPrecondition("not in a call with that user")
)
