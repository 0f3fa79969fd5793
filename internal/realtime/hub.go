// Package realtime is the websocket delivery layer: live connections, the
// chat rooms they sit in, and fan-out of events to rooms, users and single
// connections.
package realtime

import (
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/parley/internal/mq"
)

var log = logging.Logger("realtime")

// Hub indexes live connections by id, by user and by topic.
type Hub struct {
	mu         sync.RWMutex
	conns      map[string]*Conn
	users      map[string]map[string]*Conn   // username → connID → conn
	topics     map[string]map[string]*Conn   // topic → connID → conn
	connTopics map[string]map[string]struct{} // connID → topics

	// Taps see every event once, regardless of recipients.
	listenerMu sync.RWMutex
	listeners  map[chan mq.Event]struct{}
}

func NewHub() *Hub {
	return &Hub{
		conns:      make(map[string]*Conn),
		users:      make(map[string]map[string]*Conn),
		topics:     make(map[string]map[string]*Conn),
		connTopics: make(map[string]map[string]struct{}),
		listeners:  make(map[chan mq.Event]struct{}),
	}
}

// NewEvent builds an event frame with a fresh id.
func NewEvent(topic string, payload any) mq.Event {
	return mq.Event{Type: mq.FrameEvent, ID: uuid.NewString(), Topic: topic, Payload: payload}
}

// Attach makes c addressable.
func (h *Hub) Attach(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c.ID] = c
	if h.users[c.Username] == nil {
		h.users[c.Username] = make(map[string]*Conn)
	}
	h.users[c.Username][c.ID] = c
}

// Detach removes a connection from every index.
func (h *Hub) Detach(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[connID]
	if !ok {
		return
	}
	for topic := range h.connTopics[connID] {
		h.leaveLocked(connID, topic)
	}
	delete(h.connTopics, connID)
	delete(h.conns, connID)
	if set := h.users[c.Username]; set != nil {
		delete(set, connID)
		if len(set) == 0 {
			delete(h.users, c.Username)
		}
	}
}

// Join subscribes a connection to a topic.
func (h *Hub) Join(connID, topic string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[connID]
	if !ok {
		return false
	}
	if h.topics[topic] == nil {
		h.topics[topic] = make(map[string]*Conn)
	}
	h.topics[topic][connID] = c
	if h.connTopics[connID] == nil {
		h.connTopics[connID] = make(map[string]struct{})
	}
	h.connTopics[connID][topic] = struct{}{}
	return true
}

// Leave unsubscribes a connection from a topic.
func (h *Hub) Leave(connID, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(connID, topic)
}

func (h *Hub) leaveLocked(connID, topic string) {
	if set := h.topics[topic]; set != nil {
		delete(set, connID)
		if len(set) == 0 {
			delete(h.topics, topic)
		}
	}
	if set := h.connTopics[connID]; set != nil {
		delete(set, topic)
	}
}

// InTopic reports whether connID is subscribed to topic.
func (h *Hub) InTopic(connID, topic string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.topics[topic][connID]
	return ok
}

// Publish sends an event to every connection on topic except exceptConn.
// It returns the number of connections that accepted it.
func (h *Hub) Publish(topic, evtTopic string, payload any, exceptConn string) int {
	evt := NewEvent(evtTopic, payload)
	h.tap(evt)
	return deliver(h.collect(h.topics, topic, exceptConn), evt)
}

// SendUser sends an event to every connection of username except exceptConn.
func (h *Hub) SendUser(username, evtTopic string, payload any, exceptConn string) int {
	evt := NewEvent(evtTopic, payload)
	h.tap(evt)
	return deliver(h.collect(h.users, username, exceptConn), evt)
}

// SendConn sends an event to one connection.
func (h *Hub) SendConn(connID, evtTopic string, payload any) bool {
	h.mu.RLock()
	c, ok := h.conns[connID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	evt := NewEvent(evtTopic, payload)
	h.tap(evt)
	return c.SendEvent(evt)
}

// Broadcast sends an event to every connection.
func (h *Hub) Broadcast(evtTopic string, payload any) int {
	evt := NewEvent(evtTopic, payload)
	h.tap(evt)
	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	return deliver(targets, evt)
}

// ConnCount returns the number of attached connections.
func (h *Hub) ConnCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Close closes every connection.
func (h *Hub) Close() {
	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	for _, c := range targets {
		c.Close(websocket.CloseGoingAway, "server shutting down")
	}
}

// Subscribe returns a tap that receives a copy of every event. Slow taps
// miss events rather than block delivery.
func (h *Hub) Subscribe() (ch chan mq.Event, cancel func()) {
	ch = make(chan mq.Event, 64)
	h.listenerMu.Lock()
	h.listeners[ch] = struct{}{}
	h.listenerMu.Unlock()

	cancel = func() {
		h.listenerMu.Lock()
		if _, ok := h.listeners[ch]; ok {
			delete(h.listeners, ch)
			close(ch)
		}
		h.listenerMu.Unlock()
	}
	return ch, cancel
}

func (h *Hub) tap(evt mq.Event) {
	h.listenerMu.RLock()
	defer h.listenerMu.RUnlock()
	for ch := range h.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}

func (h *Hub) collect(index map[string]map[string]*Conn, key, exceptConn string) []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	set := index[key]
	out := make([]*Conn, 0, len(set))
	for id, c := range set {
		if id != exceptConn {
			out = append(out, c)
		}
	}
	return out
}

func deliver(targets []*Conn, evt mq.Event) int {
	n := 0
	for _, c := range targets {
		if c.SendEvent(evt) {
			n++
		}
	}
	return n
}
