package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/petervdpas/parley/internal/auth"
	"github.com/petervdpas/parley/internal/call"
	"github.com/petervdpas/parley/internal/chat"
	"github.com/petervdpas/parley/internal/group"
	"github.com/petervdpas/parley/internal/mq"
	"github.com/petervdpas/parley/internal/realtime"
	"github.com/petervdpas/parley/internal/state"
)

type harness struct {
	t     *testing.T
	srv   *httptest.Server
	auth  *auth.Service
	chats *chat.Manager
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	hub := realtime.NewHub()
	notifier := HubNotifier{Hub: hub}
	chats := chat.New(chat.Options{Notifier: notifier})
	registry := state.NewRegistry(chats, notifier)
	sig := Signaler{Registry: registry, Hub: hub}
	authSvc := auth.New(chats, auth.Options{Secret: "gateway-test", BcryptCost: bcrypt.MinCost})

	opt := Options{
		Hub:      hub,
		Registry: registry,
		Chats:    chats,
		Calls:    call.New(sig, chats, 0),
		Groups:   group.New(sig),
		Auth:     authSvc,
	}
	if mutate != nil {
		mutate(&opt)
	}
	srv := httptest.NewServer(http.HandlerFunc(New(opt).ServeWS))
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return &harness{t: t, srv: srv, auth: authSvc, chats: chats}
}

func (h *harness) register(username string) string {
	h.t.Helper()
	_, token, err := h.auth.Register(auth.RegisterRequest{Username: username, Password: "password1"})
	require.NoError(h.t, err)
	return token
}

func (h *harness) wsURL(token string) string {
	return "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws?token=" + url.QueryEscape(token)
}

// frame is the union of event and ack frames as a client sees them.
type frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Seq     int64           `json:"seq"`
	Topic   string          `json:"topic"`
	OK      bool            `json:"ok"`
	Payload json.RawMessage `json:"payload"`
	Error   *mq.ErrorBody   `json:"error"`
}

type client struct {
	t       *testing.T
	ws      *websocket.Conn
	in      chan frame
	pending []frame
	nextID  int
}

func (h *harness) connect(username string) *client {
	h.t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(h.wsURL(h.register(username)), nil)
	require.NoError(h.t, err)
	c := &client{t: h.t, ws: ws, in: make(chan frame, 256)}
	go func() {
		defer close(c.in)
		for {
			var f frame
			if err := ws.ReadJSON(&f); err != nil {
				return
			}
			c.in <- f
		}
	}()
	h.t.Cleanup(func() { ws.Close() })
	c.expect(mq.TopicSessionReady, nil)
	return c
}

func (c *client) next() frame {
	c.t.Helper()
	select {
	case f, ok := <-c.in:
		require.True(c.t, ok, "connection closed")
		return f
	case <-time.After(3 * time.Second):
		c.t.Fatal("timed out waiting for a frame")
		return frame{}
	}
}

// send issues a command and returns its ack; events seen meanwhile are kept.
func (c *client) send(topic string, payload any) frame {
	c.t.Helper()
	c.nextID++
	id := strconv.Itoa(c.nextID)
	raw, err := json.Marshal(payload)
	require.NoError(c.t, err)
	require.NoError(c.t, c.ws.WriteJSON(mq.Command{ID: id, Topic: topic, Payload: raw}))
	for {
		f := c.next()
		if f.Type == mq.FrameAck && f.ID == id {
			return f
		}
		c.pending = append(c.pending, f)
	}
}

// expect returns the first event on topic that satisfies match.
func (c *client) expect(topic string, match func(frame) bool) frame {
	c.t.Helper()
	for i, f := range c.pending {
		if f.Topic == topic && (match == nil || match(f)) {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return f
		}
	}
	for {
		f := c.next()
		if f.Type == mq.FrameEvent && f.Topic == topic && (match == nil || match(f)) {
			return f
		}
		c.pending = append(c.pending, f)
	}
}

func decodeTo[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

func TestRejectsBadToken(t *testing.T) {
	h := newHarness(t, nil)
	_, resp, err := websocket.DefaultDialer.Dial(h.wsURL("garbage"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestDirectMessageFlow(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.connect("alice")
	bob := h.connect("bob")

	ack := alice.send(mq.CmdChatGetOrCreate, mq.ChatGetOrCreateRequest{Participants: []string{"bob"}})
	require.True(t, ack.OK, "%+v", ack.Error)
	created := decodeTo[struct {
		Chat    chat.Chat `json:"chat"`
		Created bool      `json:"created"`
	}](t, ack.Payload)
	assert.True(t, created.Created)
	assert.Equal(t, "dm_alice_bob", created.Chat.ID)

	ack = bob.send(mq.CmdChatJoin, mq.ChatRequest{ChatID: "dm_alice_bob"})
	require.True(t, ack.OK)

	ack = alice.send(mq.CmdMessageSend, mq.MessageSendRequest{ChatID: "dm_alice_bob", Content: "hi bob"})
	require.True(t, ack.OK, "%+v", ack.Error)

	evt := bob.expect(mq.TopicMessageNew, nil)
	got := decodeTo[chat.MessageNewPayload](t, evt.Payload)
	assert.Equal(t, "hi bob", got.Message.Content)
	assert.Equal(t, "alice", got.Message.SenderUsername)

	evt = bob.expect(mq.TopicUnreadChanged, nil)
	unread := decodeTo[chat.UnreadChangedPayload](t, evt.Payload)
	assert.Equal(t, 1, unread.UnreadCount)

	ack = bob.send(mq.CmdMessageMarkRead, mq.ChatRequest{ChatID: "dm_alice_bob"})
	require.True(t, ack.OK)
	assert.JSONEq(t, `{"updated":1}`, string(ack.Payload))

	evt = alice.expect(mq.TopicReadUpdated, nil)
	read := decodeTo[chat.ReadUpdatedPayload](t, evt.Payload)
	assert.Equal(t, "bob", read.Reader)
	assert.Len(t, read.MessageIDs, 1)
	require.Len(t, read.Messages, 1)
	assert.Equal(t, []string{"bob"}, read.Messages[0].ReadBy)

	// Mutations on a vanished chat are silent successes.
	ack = bob.send(mq.CmdMessageMarkRead, mq.ChatRequest{ChatID: "nope"})
	assert.True(t, ack.OK)
}

func TestCallInitiateReject(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.connect("alice")
	bob := h.connect("bob")

	ack := alice.send(mq.CmdCallInitiate, map[string]any{
		"to":    "bob",
		"type":  "video",
		"offer": map[string]string{"type": "offer", "sdp": "v=0"},
	})
	require.True(t, ack.OK, "%+v", ack.Error)

	evt := bob.expect(mq.TopicCallIncoming, nil)
	incoming := decodeTo[struct {
		From mq.PublicUser `json:"from"`
		Type string        `json:"type"`
	}](t, evt.Payload)
	assert.Equal(t, "alice", incoming.From.Username)
	assert.Equal(t, "video", incoming.Type)

	ack = bob.send(mq.CmdCallReject, mq.CallPeerRequest{To: "alice"})
	require.True(t, ack.OK)

	evt = alice.expect(mq.TopicCallRejected, nil)
	reason := decodeTo[mq.CallReasonPayload](t, evt.Payload)
	assert.Equal(t, "bob", reason.From)
	assert.Equal(t, mq.ReasonDeclined, reason.Reason)

	// A second reject of the same call is harmless.
	ack = bob.send(mq.CmdCallReject, mq.CallPeerRequest{To: "alice"})
	assert.True(t, ack.OK)
}

func TestCallTargetsAreCaseInsensitive(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.connect("alice")
	bob := h.connect("bob")

	ack := alice.send(mq.CmdCallInitiate, map[string]any{
		"to":    " Bob ",
		"type":  "audio",
		"offer": map[string]string{"type": "offer", "sdp": "v=0"},
	})
	require.True(t, ack.OK, "%+v", ack.Error)
	bob.expect(mq.TopicCallIncoming, nil)

	ack = bob.send(mq.CmdCallAccept, map[string]any{
		"to":     "ALICE",
		"answer": map[string]string{"type": "answer", "sdp": "v=0"},
	})
	require.True(t, ack.OK, "%+v", ack.Error)
	alice.expect(mq.TopicCallAccepted, nil)

	ack = alice.send(mq.CmdCallICE, map[string]any{
		"to":        "Bob",
		"candidate": map[string]string{"candidate": "candidate:1 1 udp 1 10.0.0.1 5000 typ host"},
	})
	require.True(t, ack.OK)
	assert.JSONEq(t, `{"delivered":true}`, string(ack.Payload))
	bob.expect(mq.TopicCallICE, nil)

	ack = alice.send(mq.CmdCallEnd, mq.CallPeerRequest{To: "BOB"})
	require.True(t, ack.OK)
	evt := bob.expect(mq.TopicCallEnded, nil)
	assert.Equal(t, mq.ReasonHangup, decodeTo[mq.CallReasonPayload](t, evt.Payload).Reason)
}

func TestCallToOfflineUser(t *testing.T) {
	h := newHarness(t, nil)
	h.register("carol")
	alice := h.connect("alice")

	ack := alice.send(mq.CmdCallInitiate, map[string]any{
		"to":    "carol",
		"type":  "audio",
		"offer": map[string]string{"type": "offer", "sdp": "v=0"},
	})
	require.False(t, ack.OK)
	assert.Equal(t, "unavailable", ack.Error.Code)

	evt := alice.expect(mq.TopicCallError, nil)
	reason := decodeTo[mq.CallReasonPayload](t, evt.Payload)
	assert.Equal(t, mq.ReasonOffline, reason.Reason)
}

func TestBadCommands(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.connect("alice")

	ack := alice.send("no.such.command", nil)
	assert.False(t, ack.OK)
	assert.Equal(t, "invalid_argument", ack.Error.Code)

	ack = alice.send(mq.CmdSetStatus, mq.SetStatusRequest{Status: "sleepy"})
	assert.False(t, ack.OK)
	assert.Equal(t, "invalid_argument", ack.Error.Code)

	ack = alice.send(mq.CmdChatJoin, mq.ChatRequest{ChatID: "missing"})
	assert.False(t, ack.OK)
	assert.Equal(t, "not_found", ack.Error.Code)

	require.NoError(t, alice.ws.WriteMessage(websocket.TextMessage, []byte("{oops")))
	f := alice.next()
	for f.Type != mq.FrameAck {
		f = alice.next()
	}
	assert.False(t, f.OK)
	assert.Equal(t, "invalid_argument", f.Error.Code)
}

func TestDisconnectPublishesOffline(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.connect("alice")
	bob := h.connect("bob")

	require.NoError(t, bob.ws.Close())

	evt := alice.expect(mq.TopicPresenceChanged, func(f frame) bool {
		p := decodeTo[mq.PresenceChangedPayload](t, f.Payload)
		return p.Username == "bob" && p.Status == state.StatusOffline
	})
	assert.NotEmpty(t, evt.ID)
}

func TestGroupCallRoster(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.connect("alice")
	bob := h.connect("bob")
	h.register("carol")

	ack := alice.send(mq.CmdChatGetOrCreate, mq.ChatGetOrCreateRequest{
		Participants: []string{"bob", "carol"}, IsGroup: true, Name: "team",
	})
	require.True(t, ack.OK, "%+v", ack.Error)
	view := decodeTo[struct {
		Chat chat.Chat `json:"chat"`
	}](t, ack.Payload)

	ack = alice.send(mq.CmdGroupCallInitiate, mq.GroupCallInitiateRequest{ChatID: view.Chat.ID, Type: "audio"})
	require.True(t, ack.OK, "%+v", ack.Error)
	room := decodeTo[struct {
		RoomID string `json:"roomId"`
	}](t, ack.Payload)

	evt := bob.expect(mq.TopicGroupCallIncoming, nil)
	inv := decodeTo[mq.GroupCallIncomingPayload](t, evt.Payload)
	assert.Equal(t, room.RoomID, inv.RoomID)
	assert.Equal(t, "team", inv.ChatName)

	ack = bob.send(mq.CmdGroupCallJoin, mq.GroupCallRoomRequest{RoomID: room.RoomID})
	require.True(t, ack.OK, "%+v", ack.Error)
	evt = alice.expect(mq.TopicGroupCallUserJoined, nil)
	joined := decodeTo[mq.GroupCallMemberPayload](t, evt.Payload)
	assert.Equal(t, "bob", joined.Username)
	assert.ElementsMatch(t, []string{"alice", "bob"}, joined.Participants)

	ack = bob.send(mq.CmdGroupCallLeave, mq.GroupCallRoomRequest{RoomID: room.RoomID})
	require.True(t, ack.OK)
	alice.expect(mq.TopicGroupCallUserLeft, nil)
}

func TestRateLimit(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.RateLimitConn = 2 })
	alice := h.connect("alice")

	assert.True(t, alice.send(mq.CmdChatList, nil).OK)
	assert.True(t, alice.send(mq.CmdChatList, nil).OK)
	ack := alice.send(mq.CmdChatList, nil)
	assert.False(t, ack.OK)
	assert.Equal(t, "rate_limited", ack.Error.Code)
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://chat.example.org/"})
	r := httptest.NewRequest("GET", "/ws", nil)
	assert.True(t, check(r), "no origin header")

	r.Header.Set("Origin", "https://chat.example.org")
	assert.True(t, check(r))
	r.Header.Set("Origin", "https://evil.example.org")
	assert.False(t, check(r))

	assert.True(t, originChecker(nil)(r))
}

func TestRateLimiterWindow(t *testing.T) {
	rl := newRateLimiter(1, 0)
	now := time.Now()
	rl.now = func() time.Time { return now }
	assert.True(t, rl.Allow("c1"))
	assert.False(t, rl.Allow("c1"))
	assert.True(t, rl.Allow("c2"))

	now = now.Add(61 * time.Second)
	assert.True(t, rl.Allow("c1"))

	rl.Forget("c1")
	assert.True(t, rl.Allow("c1"))
}
