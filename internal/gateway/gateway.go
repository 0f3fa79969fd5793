// Package gateway is the websocket front door: it authenticates the
// upgrade, registers the connection, turns command frames into component
// calls and answers each one with an ack.
package gateway

import (
	"encoding/json"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/parley/internal/apperr"
	"github.com/petervdpas/parley/internal/auth"
	"github.com/petervdpas/parley/internal/call"
	"github.com/petervdpas/parley/internal/chat"
	"github.com/petervdpas/parley/internal/group"
	"github.com/petervdpas/parley/internal/mq"
	"github.com/petervdpas/parley/internal/realtime"
	"github.com/petervdpas/parley/internal/state"
)

var log = logging.Logger("gateway")

// Verifier turns a bearer token into a username.
type Verifier interface {
	Verify(token string) (string, error)
}

type Options struct {
	Hub      *realtime.Hub
	Registry *state.Registry
	Chats    *chat.Manager
	Calls    *call.Manager
	Groups   *group.Manager
	Auth     Verifier

	AllowedOrigins []string
	SendBuffer     int
	MaxFrameBytes  int64
	RateLimitConn  int
	RateLimitTotal int
}

type Gateway struct {
	hub      *realtime.Hub
	registry *state.Registry
	chats    *chat.Manager
	calls    *call.Manager
	groups   *group.Manager
	auth     Verifier

	upgrader   websocket.Upgrader
	sendBuffer int
	maxFrame   int64
	limiter    *rateLimiter
	handlers   map[string]handlerFunc
}

// session is what a handler knows about the connection a command came on.
type session struct {
	conn     *realtime.Conn
	username string
}

func New(opt Options) *Gateway {
	if opt.MaxFrameBytes <= 0 {
		opt.MaxFrameBytes = 1 << 20
	}
	g := &Gateway{
		hub:        opt.Hub,
		registry:   opt.Registry,
		chats:      opt.Chats,
		calls:      opt.Calls,
		groups:     opt.Groups,
		auth:       opt.Auth,
		sendBuffer: opt.SendBuffer,
		maxFrame:   opt.MaxFrameBytes,
		limiter:    newRateLimiter(opt.RateLimitConn, opt.RateLimitTotal),
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(opt.AllowedOrigins),
	}
	g.handlers = g.routes()
	return g
}

// originChecker allows any origin when the list is empty or holds "*".
// Otherwise the Origin header must match an entry exactly (scheme://host).
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 || slices.Contains(allowed, "*") {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[strings.TrimRight(strings.ToLower(o), "/")] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return set[strings.ToLower(u.Scheme+"://"+u.Host)]
	}
}

// ServeWS handles GET /ws. The token is checked before upgrading so a bad
// one gets a plain 401.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	username, err := g.auth.Verify(auth.TokenFromRequest(r))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if !g.chats.UserExists(username) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("upgrade for %s failed: %v", username, err)
		return
	}

	c := realtime.NewConn(username, ws, g.sendBuffer)
	c.Start()
	g.hub.Attach(c)
	first := g.registry.Register(username, c.ID)
	log.Infof("%s connected conn=%s first=%v", username, c.ID, first)

	self, _ := g.chats.User(username)
	c.SendEvent(realtime.NewEvent(mq.TopicSessionReady, mq.SessionReadyPayload{
		ConnID: c.ID,
		User:   self.Self(),
		Online: g.registry.Online(),
	}))

	s := &session{conn: c, username: username}
	if err := c.ReadLoop(g.maxFrame, func(b []byte) { g.handle(s, b) }); err != nil {
		log.Debugf("conn %s read: %v", c.ID, err)
	}
	c.Close(websocket.CloseNormalClosure, "")
	g.disconnect(c)
}

// disconnect unwinds a closed connection: it stops receiving, its presence
// goes, and calls bound to it end.
func (g *Gateway) disconnect(c *realtime.Conn) {
	g.hub.Detach(c.ID)
	g.limiter.Forget(c.ID)
	username, last := g.registry.Unregister(c.ID)
	if username == "" {
		return
	}
	g.calls.Disconnect(username, c.ID, last)
	if last {
		g.groups.Disconnect(username)
	}
	log.Infof("%s disconnected conn=%s last=%v", username, c.ID, last)
}

func (g *Gateway) handle(s *session, raw []byte) {
	var cmd mq.Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		s.conn.SendAck(errorAck("", apperr.InvalidArg("malformed frame")))
		return
	}
	if !g.limiter.Allow(s.conn.ID) {
		log.Warnf("rate limited %s conn=%s topic=%s", s.username, s.conn.ID, cmd.Topic)
		s.conn.SendAck(errorAck(cmd.ID, apperr.New(apperr.CodeRateLimited, "too many commands")))
		return
	}
	h, ok := g.handlers[cmd.Topic]
	if !ok {
		s.conn.SendAck(errorAck(cmd.ID, apperr.InvalidArg("unknown command "+cmd.Topic)))
		return
	}

	result, err := h(s, cmd.Payload)
	if err != nil {
		if apperr.CodeOf(err) == apperr.CodeInternal {
			log.Errorf("%s from %s: %v", cmd.Topic, s.username, err)
		} else {
			log.Debugf("%s from %s refused: %v", cmd.Topic, s.username, err)
		}
		s.conn.SendAck(errorAck(cmd.ID, err))
		return
	}
	s.conn.SendAck(mq.Ack{Type: mq.FrameAck, ID: cmd.ID, OK: true, Payload: result})
}

func errorAck(id string, err error) mq.Ack {
	pe := apperr.Public(err)
	return mq.Ack{
		Type:  mq.FrameAck,
		ID:    id,
		Error: &mq.ErrorBody{Code: string(pe.Code), Message: pe.Message},
	}
}
