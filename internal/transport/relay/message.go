// Package relay mirrors registry writes between the server process and
// browser or client-role viewers over websockets.
package relay

import (
	"time"

	"curses/internal/slots"
)

// Message types on the wire.
const (
	TypeText   = "text"
	TypeToast  = "toast"
	TypeStatus = "status"
	TypeHello  = "hello"
)

// Message is the single JSON frame shape. Fields unused by a type are omitted.
type Message struct {
	Type string `json:"type"`

	// text
	Key   string `json:"key,omitempty"`
	Value string `json:"value,omitempty"`
	Kind  string `json:"kind,omitempty"`
	Seq   uint64 `json:"seq,omitempty"`

	// toast
	Level  string `json:"level,omitempty"`
	Source string `json:"source,omitempty"`
	Text   string `json:"text,omitempty"`

	// status
	Service string `json:"service,omitempty"`
	State   string `json:"state,omitempty"`

	// hello
	Session string `json:"session,omitempty"`

	At time.Time `json:"at"`
}

func textMessage(k slots.Key, ev slots.TextEvent) Message {
	return Message{Type: TypeText, Key: string(k), Value: ev.Value, Kind: ev.Kind.String(), Seq: ev.Seq, At: ev.At}
}

// event converts a text frame back into a registry event.
func (m Message) event() (slots.Key, slots.TextEvent, error) {
	kind, err := slots.ParseKind(m.Kind)
	if err != nil {
		return "", slots.TextEvent{}, err
	}
	return slots.Key(m.Key), slots.TextEvent{Value: m.Value, Kind: kind}, nil
}
