// Package mq defines the websocket wire protocol spoken between clients and
// the gateway: frame envelopes, topic names and the payloads carried on them.
// Wire format: one JSON object per websocket text message.
package mq

import "encoding/json"

// Frame type constants.
const (
	FrameCommand = "cmd"   // client → server
	FrameEvent   = "event" // server → client, unsolicited
	FrameAck     = "ack"   // server → client, answers exactly one command
)

// Command is an inbound request. ID is chosen by the client and echoed in the
// matching Ack; an empty ID still gets an ack.
type Command struct {
	Type    string          `json:"type,omitempty"` // FrameCommand (optional)
	ID      string          `json:"id"`
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Event is an outbound notification.
type Event struct {
	Type    string `json:"type"`    // FrameEvent
	ID      string `json:"id"`      // uuid4
	Seq     int64  `json:"seq"`     // monotonic per connection, set on write
	Topic   string `json:"topic"`   // e.g. "message.new"
	Payload any    `json:"payload"` // topic-specific
}

// Ack is the typed response to a Command.
type Ack struct {
	Type    string     `json:"type"` // FrameAck
	ID      string     `json:"id"`   // matches Command.ID
	Seq     int64      `json:"seq"`
	OK      bool       `json:"ok"`
	Payload any        `json:"payload,omitempty"`
	Error   *ErrorBody `json:"error,omitempty"`
}

// ErrorBody is the machine-readable failure reason of an Ack.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
