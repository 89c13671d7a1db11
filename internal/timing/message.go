package timing

import (
	"fmt"
	"strings"
)

// MessageType identifies the feed a TimingMessage originated from and selects
// the decoder that consumes it.
type MessageType string

const (
	TypeRMonitor       MessageType = "rmonitor"
	TypeMultiloop      MessageType = "multiloop"
	TypeX2Pass         MessageType = "x2pass"
	TypeX2Loop         MessageType = "x2loop"
	TypeFlags          MessageType = "flags"
	TypeSessionChanged MessageType = "evtsessionchanged"
	TypeConfChanged    MessageType = "evtconfchanged"
	TypeDriverEvent    MessageType = "drevt"
	TypeDriverTrans    MessageType = "drtrans"
	TypeVideo          MessageType = "video"
	TypeLaps           MessageType = "laps"
	TypeRelayHeartbeat MessageType = "relayhb"
)

// SessionScopeNone is the session token used for fields that are not scoped to
// a particular session.
const SessionScopeNone = "999999"

// Message is one immutable entry read from the event input stream.
type Message struct {
	Type      MessageType
	Data      []byte
	EventID   string
	SessionID string
}

// Validate reports whether the message type is one the pipeline understands.
func (t MessageType) Validate() error {
	switch t {
	case TypeRMonitor, TypeMultiloop, TypeX2Pass, TypeX2Loop, TypeFlags,
		TypeSessionChanged, TypeConfChanged, TypeDriverEvent, TypeDriverTrans,
		TypeVideo, TypeLaps, TypeRelayHeartbeat:
		return nil
	default:
		return fmt.Errorf("unsupported message type %q", string(t))
	}
}

// ParseFieldName splits a stream field name of the form
// <type>-<eventId>-<sessionId> into a typed message header.
func ParseFieldName(name string) (MessageType, string, string, error) {
	tokens := strings.Split(name, "-")
	if len(tokens) < 3 {
		return "", "", "", fmt.Errorf("malformed field name %q: expected <type>-<eventId>-<sessionId>", name)
	}
	mt := MessageType(tokens[0])
	if err := mt.Validate(); err != nil {
		return "", "", "", err
	}
	return mt, tokens[1], tokens[2], nil
}
