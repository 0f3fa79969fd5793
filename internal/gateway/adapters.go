package gateway

import (
	"github.com/petervdpas/parley/internal/mq"
	"github.com/petervdpas/parley/internal/realtime"
	"github.com/petervdpas/parley/internal/state"
)

// HubNotifier routes component events through the hub. It satisfies
// chat.Notifier and state.Broadcaster.
type HubNotifier struct {
	Hub *realtime.Hub
}

func (n HubNotifier) ToRoom(chatID, topic string, payload any, exceptConn string) {
	n.Hub.Publish(mq.ChatTopic(chatID), topic, payload, exceptConn)
}

func (n HubNotifier) ToUser(username, topic string, payload any, exceptConn string) {
	n.Hub.SendUser(username, topic, payload, exceptConn)
}

func (n HubNotifier) ToAll(topic string, payload any) {
	n.Hub.Broadcast(topic, payload)
}

func (n HubNotifier) Broadcast(topic string, payload any) {
	n.Hub.Broadcast(topic, payload)
}

// Signaler addresses one identity's signaling connection. It satisfies
// call.Signaler and group.Signaler.
type Signaler struct {
	Registry *state.Registry
	Hub      *realtime.Hub
}

func (s Signaler) Resolve(username string) (string, bool) {
	return s.Registry.Resolve(username)
}

func (s Signaler) Send(connID, topic string, payload any) bool {
	return s.Hub.SendConn(connID, topic, payload)
}
