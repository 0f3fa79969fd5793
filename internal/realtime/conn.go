package realtime

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/petervdpas/parley/internal/mq"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	DefaultSendBuffer = 128
)

var ErrConnClosed = errors.New("connection closed")

// outFrame is one queued frame; exactly one field is set.
type outFrame struct {
	event *mq.Event
	ack   *mq.Ack
}

// Conn is one authenticated websocket. Writes go through a bounded queue
// drained by a single writer goroutine; a client that lets the queue fill up
// is disconnected instead of stalling its senders.
type Conn struct {
	ID       string
	Username string

	ws   *websocket.Conn
	send chan outFrame
	done chan struct{}
	once sync.Once
}

func NewConn(username string, ws *websocket.Conn, buffer int) *Conn {
	if buffer <= 0 {
		buffer = DefaultSendBuffer
	}
	return &Conn{
		ID:       uuid.NewString(),
		Username: username,
		ws:       ws,
		send:     make(chan outFrame, buffer),
		done:     make(chan struct{}),
	}
}

// Start launches the write loop. Call it exactly once.
func (c *Conn) Start() {
	go c.writeLoop()
}

// Done is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// SendEvent queues an event. It reports false if the connection is closed or
// was just closed for being too slow.
func (c *Conn) SendEvent(evt mq.Event) bool {
	return c.enqueue(outFrame{event: &evt}) == nil
}

// SendAck queues the response to a command.
func (c *Conn) SendAck(ack mq.Ack) bool {
	return c.enqueue(outFrame{ack: &ack}) == nil
}

func (c *Conn) enqueue(f outFrame) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case <-c.done:
		return ErrConnClosed
	case c.send <- f:
		return nil
	default:
		log.Warnf("conn %s (%s): send buffer full, closing", c.ID, c.Username)
		c.Close(websocket.CloseTryAgainLater, "send buffer full")
		return ErrConnClosed
	}
}

// Close sends a close frame and tears the socket down. Safe to call more
// than once and from any goroutine.
func (c *Conn) Close(code int, reason string) {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		_ = c.ws.Close()
	})
}

// ReadLoop reads text frames until the socket fails or is closed, passing
// each to handle in arrival order. Pongs extend the read deadline.
func (c *Conn) ReadLoop(maxFrame int64, handle func([]byte)) error {
	c.ws.SetReadLimit(maxFrame)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				return err
			}
			return nil
		}
		if kind != websocket.TextMessage {
			continue
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		handle(data)
	}
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	var seq int64
	for {
		select {
		case <-c.done:
			return
		case f := <-c.send:
			seq++
			var b []byte
			var err error
			if f.event != nil {
				f.event.Seq = seq
				b, err = json.Marshal(f.event)
			} else {
				f.ack.Seq = seq
				b, err = json.Marshal(f.ack)
			}
			if err != nil {
				log.Errorf("conn %s: encode frame: %v", c.ID, err)
				continue
			}
			if err := c.write(websocket.TextMessage, b); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		}
	}
}

func (c *Conn) write(kind int, b []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(kind, b)
}
