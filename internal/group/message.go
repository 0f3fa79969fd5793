package group

import (
	"time"

	"github.com/petervdpas/parley/internal/apperr"
)

// MemberInfo describes a room participant.
type MemberInfo struct {
	Username string `json:"username"`
	JoinedAt int64  `json:"joinedAt"`
}

// RoomInfo is a read-only view of a group call room.
type RoomInfo struct {
	RoomID    string       `json:"roomId"`
	ChatID    string       `json:"chatId"`
	ChatName  string       `json:"chatName"`
	Initiator string       `json:"initiator"`
	Media     string       `json:"type"`
	CreatedAt int64        `json:"createdAt"`
	Members   []MemberInfo `json:"members"`
}

var (
	ErrRoomNotFound  = apperr.NotFound("group call not found")
	ErrRoomExists    = apperr.AlreadyExists("group call room already exists")
	ErrInvalidMedia  = apperr.InvalidArg("call type must be audio or video")
	ErrChatRequired  = apperr.InvalidArg("chatId is required")
	ErrNotInRoom     = apperr.FailedPrecondition("not in this group call")
	ErrInvalidSignal = apperr.InvalidArg("unknown group call signal")
)

func nowMillis() int64 { return time.Now().UnixMilli() }
