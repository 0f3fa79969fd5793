package gateway

import (
	"encoding/json"
	"errors"

	"github.com/petervdpas/parley/internal/apperr"
	"github.com/petervdpas/parley/internal/call"
	"github.com/petervdpas/parley/internal/chat"
	"github.com/petervdpas/parley/internal/group"
	"github.com/petervdpas/parley/internal/mq"
)

// handlerFunc serves one command topic. The returned value becomes the ack
// payload.
type handlerFunc func(s *session, payload json.RawMessage) (any, error)

func (g *Gateway) routes() map[string]handlerFunc {
	return map[string]handlerFunc{
		mq.CmdSetStatus: g.setStatus,

		mq.CmdChatGetOrCreate: g.chatGetOrCreate,
		mq.CmdChatList:        g.chatList,
		mq.CmdChatJoin:        g.chatJoin,
		mq.CmdChatLeave:       g.chatLeave,

		mq.CmdMessageSend:         g.messageSend,
		mq.CmdMessageMarkRead:     g.messageMarkRead,
		mq.CmdMessageMarkListened: g.messageMarkListened,
		mq.CmdMessageDelete:       g.messageDelete,

		mq.CmdDraftSave:   g.draftSave,
		mq.CmdDraftGetAll: g.draftGetAll,
		mq.CmdTypingStart: g.typing(true),
		mq.CmdTypingStop:  g.typing(false),

		mq.CmdCallInitiate: g.callInitiate,
		mq.CmdCallAccept:   g.callAccept,
		mq.CmdCallReject:   g.callReject,
		mq.CmdCallEnd:      g.callEnd,
		mq.CmdCallICE:      g.callICE,

		mq.CmdGroupCallInitiate: g.groupInitiate,
		mq.CmdGroupCallJoin:     g.groupJoin,
		mq.CmdGroupCallLeave:    g.groupLeave,
		mq.CmdGroupCallReject:   g.groupReject,
		mq.CmdGroupCallOffer:    g.groupSignal(mq.TopicGroupCallOffer),
		mq.CmdGroupCallAnswer:   g.groupSignal(mq.TopicGroupCallAnswer),
		mq.CmdGroupCallICE:      g.groupSignal(mq.TopicGroupCallICE),
	}
}

func decode[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 || string(raw) == "null" {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, apperr.Wrap(apperr.CodeInvalidArgument, "malformed payload", err)
	}
	if n, ok := any(&v).(interface{ Normalize() }); ok {
		n.Normalize()
	}
	return v, nil
}

func requireField(v, name string) error {
	if v == "" {
		return apperr.InvalidArg(name + " is required")
	}
	return nil
}

// ── Presence ─────────────────────────────────────────────────────────────────

func (g *Gateway) setStatus(s *session, raw json.RawMessage) (any, error) {
	req, err := decode[mq.SetStatusRequest](raw)
	if err != nil {
		return nil, err
	}
	if err := g.registry.SetStatus(s.username, req.Status); err != nil {
		return nil, err
	}
	return map[string]string{"status": req.Status}, nil
}

// ── Chats ────────────────────────────────────────────────────────────────────

func (g *Gateway) chatGetOrCreate(s *session, raw json.RawMessage) (any, error) {
	req, err := decode[mq.ChatGetOrCreateRequest](raw)
	if err != nil {
		return nil, err
	}
	view, created, err := g.chats.GetOrCreateChat(s.username, req.Participants, req.IsGroup, req.Name)
	if err != nil {
		return nil, err
	}
	g.hub.Join(s.conn.ID, mq.ChatTopic(view.Chat.ID))
	return map[string]any{"chat": view.Chat, "messages": view.Messages, "created": created}, nil
}

func (g *Gateway) chatList(s *session, _ json.RawMessage) (any, error) {
	return map[string]any{"chats": g.chats.ListChatsFor(s.username)}, nil
}

func (g *Gateway) chatJoin(s *session, raw json.RawMessage) (any, error) {
	req, err := decode[mq.ChatRequest](raw)
	if err != nil {
		return nil, err
	}
	view, err := g.chats.View(req.ChatID, s.username)
	if err != nil {
		return nil, err
	}
	g.hub.Join(s.conn.ID, mq.ChatTopic(req.ChatID))
	return view, nil
}

func (g *Gateway) chatLeave(s *session, raw json.RawMessage) (any, error) {
	req, err := decode[mq.ChatRequest](raw)
	if err != nil {
		return nil, err
	}
	g.hub.Leave(s.conn.ID, mq.ChatTopic(req.ChatID))
	return nil, nil
}

// ── Messages ─────────────────────────────────────────────────────────────────

func (g *Gateway) messageSend(s *session, raw json.RawMessage) (any, error) {
	req, err := decode[mq.MessageSendRequest](raw)
	if err != nil {
		return nil, err
	}
	msg, err := g.chats.AppendMessage(req.ChatID, s.username, chat.NewMessageInput{
		Content:  req.Content,
		Type:     chat.MessageType(req.Type),
		Duration: req.Duration,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"message": msg}, nil
}

func (g *Gateway) messageMarkRead(s *session, raw json.RawMessage) (any, error) {
	req, err := decode[mq.ChatRequest](raw)
	if err != nil {
		return nil, err
	}
	n, err := g.chats.MarkRead(req.ChatID, s.username)
	if err != nil {
		return nil, err
	}
	return map[string]int{"updated": n}, nil
}

func (g *Gateway) messageMarkListened(s *session, raw json.RawMessage) (any, error) {
	req, err := decode[mq.MessageRefRequest](raw)
	if err != nil {
		return nil, err
	}
	changed, err := g.chats.MarkListened(req.ChatID, req.MessageID, s.username)
	if err != nil {
		return nil, err
	}
	return map[string]bool{"changed": changed}, nil
}

func (g *Gateway) messageDelete(s *session, raw json.RawMessage) (any, error) {
	req, err := decode[mq.MessageDeleteRequest](raw)
	if err != nil {
		return nil, err
	}
	changed, err := g.chats.DeleteMessage(req.ChatID, req.MessageID, s.username, req.ForEveryone)
	if err != nil {
		return nil, err
	}
	return map[string]bool{"changed": changed}, nil
}

// ── Drafts and typing ────────────────────────────────────────────────────────

func (g *Gateway) draftSave(s *session, raw json.RawMessage) (any, error) {
	req, err := decode[mq.DraftSaveRequest](raw)
	if err != nil {
		return nil, err
	}
	return nil, g.chats.SaveDraft(s.username, req.ChatID, req.Text, s.conn.ID)
}

func (g *Gateway) draftGetAll(s *session, _ json.RawMessage) (any, error) {
	return map[string]any{"drafts": g.chats.Drafts(s.username)}, nil
}

func (g *Gateway) typing(on bool) handlerFunc {
	return func(s *session, raw json.RawMessage) (any, error) {
		req, err := decode[mq.ChatRequest](raw)
		if err != nil {
			return nil, err
		}
		return nil, g.chats.Typing(req.ChatID, s.username, on, s.conn.ID)
	}
}

// ── 1:1 calls ────────────────────────────────────────────────────────────────

func (g *Gateway) callInitiate(s *session, raw json.RawMessage) (any, error) {
	req, err := decode[mq.CallInitiateRequest](raw)
	if err != nil {
		return nil, err
	}
	if err := requireField(req.To, "to"); err != nil {
		return nil, err
	}
	return nil, g.calls.Initiate(s.username, s.conn.ID, req.To, req.Type, req.Offer)
}

func (g *Gateway) callAccept(s *session, raw json.RawMessage) (any, error) {
	req, err := decode[mq.CallAcceptRequest](raw)
	if err != nil {
		return nil, err
	}
	if err := requireField(req.To, "to"); err != nil {
		return nil, err
	}
	return nil, g.calls.Accept(s.username, s.conn.ID, req.To, req.Answer)
}

// callReject and callEnd are idempotent: rejecting a call that already went
// away is not an error for the client.
func (g *Gateway) callReject(s *session, raw json.RawMessage) (any, error) {
	req, err := decode[mq.CallPeerRequest](raw)
	if err != nil {
		return nil, err
	}
	if err := g.calls.Reject(s.username, req.To); err != nil && !errors.Is(err, call.ErrNoPendingCall) {
		return nil, err
	}
	return nil, nil
}

func (g *Gateway) callEnd(s *session, raw json.RawMessage) (any, error) {
	req, err := decode[mq.CallPeerRequest](raw)
	if err != nil {
		return nil, err
	}
	err = g.calls.Hangup(s.username, req.To)
	if err != nil && !errors.Is(err, call.ErrNotInCall) && !errors.Is(err, call.ErrNoPendingCall) {
		return nil, err
	}
	return nil, nil
}

func (g *Gateway) callICE(s *session, raw json.RawMessage) (any, error) {
	req, err := decode[mq.CallICERequest](raw)
	if err != nil {
		return nil, err
	}
	if err := requireField(req.To, "to"); err != nil {
		return nil, err
	}
	return map[string]bool{"delivered": g.calls.RelayICE(s.username, req.To, req.Candidate)}, nil
}

// ── Group calls ──────────────────────────────────────────────────────────────

// groupInitiate rings every participant of the chat. The client's
// participant list is ignored; the chat is the source of truth.
func (g *Gateway) groupInitiate(s *session, raw json.RawMessage) (any, error) {
	req, err := decode[mq.GroupCallInitiateRequest](raw)
	if err != nil {
		return nil, err
	}
	if err := requireField(req.ChatID, "chatId"); err != nil {
		return nil, err
	}
	c, ok := g.chats.Chat(req.ChatID)
	if !ok {
		return nil, chat.ErrChatNotFound
	}
	if !g.chats.IsParticipant(req.ChatID, s.username) {
		return nil, chat.ErrNotParticipant
	}
	name := c.Name
	if name == "" {
		name = req.ChatName
	}
	roomID, err := g.groups.Initiate(g.chats.PublicUser(s.username), group.InitiateRequest{
		ChatID:   c.ID,
		ChatName: name,
		RoomID:   req.RoomID,
		Media:    req.Type,
		Invitees: c.Participants,
	})
	if err != nil {
		return nil, err
	}
	return map[string]string{"roomId": roomID}, nil
}

func (g *Gateway) groupJoin(s *session, raw json.RawMessage) (any, error) {
	req, err := decode[mq.GroupCallRoomRequest](raw)
	if err != nil {
		return nil, err
	}
	info, ok := g.groups.Room(req.RoomID)
	if !ok {
		return nil, group.ErrRoomNotFound
	}
	if !g.chats.IsParticipant(info.ChatID, s.username) {
		return nil, chat.ErrNotParticipant
	}
	return g.groups.Join(s.username, req.RoomID)
}

func (g *Gateway) groupLeave(s *session, raw json.RawMessage) (any, error) {
	req, err := decode[mq.GroupCallRoomRequest](raw)
	if err != nil {
		return nil, err
	}
	destroyed, err := g.groups.Leave(s.username, req.RoomID)
	if err != nil && !errors.Is(err, group.ErrRoomNotFound) && !errors.Is(err, group.ErrNotInRoom) {
		return nil, err
	}
	return map[string]bool{"destroyed": destroyed}, nil
}

func (g *Gateway) groupReject(s *session, raw json.RawMessage) (any, error) {
	req, err := decode[mq.GroupCallRoomRequest](raw)
	if err != nil {
		return nil, err
	}
	if err := g.groups.Reject(s.username, req.RoomID); err != nil && !errors.Is(err, group.ErrRoomNotFound) {
		return nil, err
	}
	return nil, nil
}

func (g *Gateway) groupSignal(topic string) handlerFunc {
	return func(s *session, raw json.RawMessage) (any, error) {
		req, err := decode[mq.GroupCallSignalRequest](raw)
		if err != nil {
			return nil, err
		}
		if err := requireField(req.To, "to"); err != nil {
			return nil, err
		}
		delivered, err := g.groups.RelaySignal(topic, s.username, req.To, req)
		if err != nil {
			return nil, err
		}
		return map[string]bool{"delivered": delivered}, nil
	}
}
