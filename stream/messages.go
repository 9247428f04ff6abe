package stream

import (
	"slices"
	"time"

	"github.com/bytedance/sonic"

	"prism-board/domain"
)

// Control and acknowledgement message types.
const (
	MsgSubscribe   = "subscribe"
	MsgUnsubscribe = "unsubscribe"
	MsgPing        = "ping"
	MsgPong        = "pong"

	MsgConnectionEstablished = "connection:established"
	MsgSubscribed            = "subscribed"
	MsgUnsubscribed          = "unsubscribed"
	MsgError                 = "error"
)

// controlMessage is a frame sent by a client.
type controlMessage struct {
	Type  string `json:"type"`
	Event string `json:"event,omitempty"`
}

// serverMessage is a non-event frame sent to a client.
type serverMessage struct {
	Type     string `json:"type"`
	ClientID string `json:"clientId,omitempty"`
	Event    string `json:"event,omitempty"`
	Message  string `json:"message,omitempty"`
}

// eventFrame is a board mutation as delivered to subscribers.
type eventFrame struct {
	Type      string    `json:"type"`
	Data      any       `json:"data"`
	BoardID   string    `json:"boardId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func encodeEvent(ev domain.Event) ([]byte, error) {
	return sonic.Marshal(eventFrame{Type: ev.Type, Data: ev.Data, BoardID: ev.BoardID, Timestamp: ev.Timestamp})
}

func encodeServer(m serverMessage) []byte {
	// serverMessage holds only strings and cannot fail to encode.
	data, _ := sonic.Marshal(m)
	return data
}

func decodeControl(data []byte) (controlMessage, error) {
	var m controlMessage
	err := sonic.Unmarshal(data, &m)
	return m, err
}

// knownEvent reports whether name can be subscribed to.
func knownEvent(name string) bool {
	return name == domain.AllEvents || slices.Contains(domain.EventTypes(), name)
}
