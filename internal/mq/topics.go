package mq

import (
	"strings"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/parley/internal/util"
)

// ── Command topics (client → server) ─────────────────────────────────────────
const (
	CmdSetStatus = "presence.setStatus"

	CmdChatGetOrCreate = "chat.getOrCreate"
	CmdChatList        = "chat.list"
	CmdChatJoin        = "chat.join"
	CmdChatLeave       = "chat.leave"

	CmdMessageSend         = "message.send"
	CmdMessageMarkRead     = "message.markRead"
	CmdMessageMarkListened = "message.markListened"
	CmdMessageDelete       = "message.delete"

	CmdDraftSave   = "draft.save"
	CmdDraftGetAll = "draft.getAll"

	CmdTypingStart = "typing.start"
	CmdTypingStop  = "typing.stop"

	CmdCallInitiate = "call.initiate"
	CmdCallAccept   = "call.accept"
	CmdCallReject   = "call.reject"
	CmdCallEnd      = "call.end"
	CmdCallICE      = "call.iceCandidate"

	CmdGroupCallInitiate = "groupCall.initiate"
	CmdGroupCallJoin     = "groupCall.join"
	CmdGroupCallLeave    = "groupCall.leave"
	CmdGroupCallReject   = "groupCall.reject"
	CmdGroupCallOffer    = "groupCall.offer"
	CmdGroupCallAnswer   = "groupCall.answer"
	CmdGroupCallICE      = "groupCall.iceCandidate"
)

// ── Event topics (server → client) ───────────────────────────────────────────
const (
	TopicSessionReady = "session.ready"

	TopicPresenceRoster  = "presence.roster"
	TopicPresenceChanged = "presence.changed"
	TopicUserUpdated     = "user.updated"

	TopicMessageNew     = "message.new"
	TopicUnreadChanged  = "chat.unreadChanged"
	TopicReadUpdated    = "message.readUpdated"
	TopicListenUpdated  = "voice.listenUpdated"
	TopicMessageDeleted = "message.deleted"
	TopicDraftSync      = "draft.sync"
	TopicTypingChanged  = "typing.changed"

	TopicCallIncoming = "call.incoming"
	TopicCallAccepted = "call.accepted"
	TopicCallRejected = "call.rejected"
	TopicCallEnded    = "call.ended"
	TopicCallICE      = "call.iceCandidate"
	TopicCallError    = "call.error"

	TopicGroupCallIncoming   = "groupCall.incoming"
	TopicGroupCallUserJoined = "groupCall.userJoined"
	TopicGroupCallUserLeft   = "groupCall.userLeft"
	TopicGroupCallRejected   = "groupCall.rejected"
	TopicGroupCallOffer      = "groupCall.offer"
	TopicGroupCallAnswer     = "groupCall.answer"
	TopicGroupCallICE        = "groupCall.iceCandidate"
)

// ChatTopicPrefix scopes hub topics that carry a chat's room traffic.
const ChatTopicPrefix = "chat:"

// ChatTopic returns the hub topic for a chat id.
func ChatTopic(chatID string) string { return ChatTopicPrefix + chatID }

// ChatIDFromTopic is the inverse of ChatTopic.
func ChatIDFromTopic(topic string) (string, bool) {
	return strings.CutPrefix(topic, ChatTopicPrefix)
}

// Reasons carried in call.error / call.rejected / call.ended payloads.
const (
	ReasonOffline      = "offline"
	ReasonBusy         = "busy"
	ReasonDeclined     = "declined"
	ReasonCancelled    = "cancelled"
	ReasonHangup       = "hangup"
	ReasonDisconnected = "disconnected"
)

// Media kinds of a call.
const (
	MediaAudio = "audio"
	MediaVideo = "video"
)

// ValidMedia reports whether kind is a known media kind.
func ValidMedia(kind string) bool {
	return kind == MediaAudio || kind == MediaVideo
}

// ── Shared payloads ──────────────────────────────────────────────────────────

// PublicUser is the profile projection every client may see.
type PublicUser struct {
	ID          string  `json:"id,omitempty"`
	Username    string  `json:"username"`
	DisplayName string  `json:"displayName"`
	Avatar      *string `json:"avatar,omitempty"`
	Bio         string  `json:"bio,omitempty"`
	Status      string  `json:"status,omitempty"`
}

// SessionReadyPayload is sent once after a connection is registered.
type SessionReadyPayload struct {
	ConnID string     `json:"connId"`
	User   PublicUser `json:"user"`
	Online []string   `json:"online"`
}

// ── Chat requests ────────────────────────────────────────────────────────────

type ChatGetOrCreateRequest struct {
	Participants []string `json:"participants"`
	IsGroup      bool     `json:"isGroup"`
	Name         string   `json:"name,omitempty"`
}

// ChatRequest addresses a chat (join, leave, markRead, typing, ...).
type ChatRequest struct {
	ChatID string `json:"chatId"`
}

type MessageSendRequest struct {
	ChatID   string `json:"chatId"`
	Content  string `json:"content"`
	Type     string `json:"type"`
	Duration *int   `json:"duration,omitempty"`
}

type MessageRefRequest struct {
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
}

type MessageDeleteRequest struct {
	ChatID      string `json:"chatId"`
	MessageID   string `json:"messageId"`
	ForEveryone bool   `json:"forEveryone"`
}

type DraftSaveRequest struct {
	ChatID string `json:"chatId"`
	Text   string `json:"text"`
}

type PresenceRosterPayload struct {
	Online []string `json:"online"`
}

type PresenceChangedPayload struct {
	Username string `json:"username"`
	Status   string `json:"status"`
}

type SetStatusRequest struct {
	Status string `json:"status"`
}

// ── Call payloads ────────────────────────────────────────────────────────────
//
// Signaling sequence:
//
//   caller                          server                          callee
//   ─────────────────────────────────────────────────────────────────────────
//   call.initiate{offer} ─────────►  calling / ringing  ──────────► call.incoming
//                        ◄──────────  call.accepted     ◄────────── call.accept{answer}
//   call.iceCandidate    ◄────────────────────────────────────────► call.iceCandidate
//   call.end             ─────────►  idle / idle        ──────────► call.ended

type CallInitiateRequest struct {
	To    string                    `json:"to"`
	Type  string                    `json:"type"` // MediaAudio | MediaVideo
	Offer webrtc.SessionDescription `json:"offer"`
}

type CallAcceptRequest struct {
	To     string                    `json:"to"`
	Answer webrtc.SessionDescription `json:"answer"`
}

// CallPeerRequest addresses the counterpart of a reject/end.
type CallPeerRequest struct {
	To string `json:"to"`
}

type CallICERequest struct {
	To        string                  `json:"to"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

type CallIncomingPayload struct {
	From  PublicUser                `json:"from"`
	Type  string                    `json:"type"`
	Offer webrtc.SessionDescription `json:"offer"`
}

type CallAcceptedPayload struct {
	From   string                    `json:"from"`
	Answer webrtc.SessionDescription `json:"answer"`
}

// CallReasonPayload is used by call.rejected, call.ended and call.error.
type CallReasonPayload struct {
	From   string `json:"from,omitempty"`
	Reason string `json:"reason"`
}

type CallICEPayload struct {
	From      string                  `json:"from"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

// ── Group call payloads ──────────────────────────────────────────────────────

type GroupCallInitiateRequest struct {
	ChatID       string   `json:"chatId"`
	ChatName     string   `json:"chatName"`
	RoomID       string   `json:"roomId,omitempty"`
	Participants []string `json:"participants"`
	Type         string   `json:"type"`
}

type GroupCallRoomRequest struct {
	RoomID string `json:"roomId"`
}

type GroupCallIncomingPayload struct {
	ChatID       string     `json:"chatId"`
	ChatName     string     `json:"chatName"`
	RoomID       string     `json:"roomId"`
	Type         string     `json:"type"`
	From         PublicUser `json:"from"`
	Participants []string   `json:"participants"`
}

// GroupCallMemberPayload is used by userJoined, userLeft and rejected.
type GroupCallMemberPayload struct {
	RoomID       string   `json:"roomId"`
	Username     string   `json:"username"`
	Participants []string `json:"participants,omitempty"`
}

// GroupCallSignalRequest is the legacy mesh pass-through. Exactly one of
// Offer, Answer or Candidate is set depending on the topic.
type GroupCallSignalRequest struct {
	To        string                     `json:"to"`
	ChatID    string                     `json:"chatId"`
	Offer     *webrtc.SessionDescription `json:"offer,omitempty"`
	Answer    *webrtc.SessionDescription `json:"answer,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}

type GroupCallSignalPayload struct {
	From      string                     `json:"from"`
	ChatID    string                     `json:"chatId"`
	Offer     *webrtc.SessionDescription `json:"offer,omitempty"`
	Answer    *webrtc.SessionDescription `json:"answer,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}

// ── Username normalization ───────────────────────────────────────────────────
//
// Requests that name other users implement Normalize; the gateway calls it
// right after decoding so components only ever see lowercase usernames.

func normalizeAll(names []string) {
	for i, n := range names {
		names[i] = util.NormalizeUsername(n)
	}
}

func (r *ChatGetOrCreateRequest) Normalize()   { normalizeAll(r.Participants) }
func (r *CallInitiateRequest) Normalize()      { r.To = util.NormalizeUsername(r.To) }
func (r *CallAcceptRequest) Normalize()        { r.To = util.NormalizeUsername(r.To) }
func (r *CallPeerRequest) Normalize()          { r.To = util.NormalizeUsername(r.To) }
func (r *CallICERequest) Normalize()           { r.To = util.NormalizeUsername(r.To) }
func (r *GroupCallInitiateRequest) Normalize() { normalizeAll(r.Participants) }
func (r *GroupCallSignalRequest) Normalize()   { r.To = util.NormalizeUsername(r.To) }
