// Package agent implements the local-socket bridge that lets an external
// agent join rooms as a participant. The wire format is line-delimited
// JSON with a protocol version negotiated in the first message.
package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
)

// ProtocolVersion is the only version this build speaks.
const ProtocolVersion = 1

// Agent errors.
var (
	// ErrAlreadyConnected rejects a second concurrent agent connection.
	ErrAlreadyConnected = errors.New("agent: already connected")

	// ErrConnectionClosed reports the agent went away.
	ErrConnectionClosed = errors.New("agent: connection closed")
)

// InvalidAgentIDError rejects empty or malformed agent identifiers.
type InvalidAgentIDError struct {
	ID string
}

func (e *InvalidAgentIDError) Error() string {
	return fmt.Sprintf("agent: invalid agent id: %q", e.ID)
}

// ProtocolError reports a message violating the bridge protocol.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return "agent: protocol error: " + e.Reason }

// Kind tags a bridge message.
type Kind string

const (
	KindHello     Kind = "hello"
	KindJoinRoom  Kind = "join_room"
	KindSend      Kind = "send"
	KindRoomEvent Kind = "room_event"
	KindBye       Kind = "bye"
)

// Message is one line on the bridge socket. Fields are populated per kind:
// Hello carries AgentID and Version; JoinRoom and Send carry RoomID (and
// Body); RoomEvent carries RoomID, PeerID, Body, and Timestamp.
type Message struct {
	Kind      Kind   `json:"type"`
	Version   int    `json:"version,omitempty"`
	AgentID   string `json:"agent_id,omitempty"`
	RoomID    string `json:"room_id,omitempty"`
	PeerID    string `json:"peer_id,omitempty"`
	Body      string `json:"body,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// EncodeLine serializes a message as one JSON line.
func EncodeLine(msg Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// DecodeLine parses one JSON line into a message.
func DecodeLine(line []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return Message{}, &ProtocolError{Reason: "malformed json: " + err.Error()}
	}
	if msg.Kind == "" {
		return Message{}, &ProtocolError{Reason: "missing message type"}
	}
	return msg, nil
}

var agentIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// ValidateAgentID checks the agent identifier shape.
func ValidateAgentID(id string) error {
	if !agentIDPattern.MatchString(id) {
		return &InvalidAgentIDError{ID: id}
	}
	return nil
}

// ValidateHello checks the opening message of a bridge session.
func ValidateHello(msg Message) error {
	if msg.Kind != KindHello {
		return &ProtocolError{Reason: fmt.Sprintf("expected hello, got %q", msg.Kind)}
	}
	if msg.Version != ProtocolVersion {
		return &ProtocolError{Reason: fmt.Sprintf("unsupported protocol version %d", msg.Version)}
	}
	return ValidateAgentID(msg.AgentID)
}
