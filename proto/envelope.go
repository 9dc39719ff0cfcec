// Package proto defines the TermChat wire types and their binary codec.
//
// Every payload exchanged between peers is an Envelope serialized with
// Encode/Decode. The relay control plane uses a separate, parallel frame
// set (see relay.go) so that the relay can route traffic without ever
// understanding envelope contents.
package proto

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// MessageID uniquely identifies an outbound message. It is preserved
// through the delivery acknowledgment so the sender can correlate acks
// with pending messages.
type MessageID string

// NewMessageID allocates a fresh globally unique message identifier.
func NewMessageID() MessageID {
	return MessageID(uuid.NewString())
}

func (id MessageID) String() string { return string(id) }

// SenderID identifies a sender inside envelopes. It is independent of any
// transport address so that multi-device senders can share identity later.
type SenderID []byte

// NewSenderID copies b into a SenderID.
func NewSenderID(b []byte) SenderID {
	out := make(SenderID, len(b))
	copy(out, b)
	return out
}

// ConversationID identifies either a direct pair of peers or a named room.
type ConversationID string

// DirectConversation builds the canonical conversation ID for a pair of
// peers. The pair is unordered: both sides derive the same ID.
func DirectConversation(a, b string) ConversationID {
	if a > b {
		a, b = b, a
	}
	return ConversationID("dm:" + a + ":" + b)
}

// RoomConversation builds the conversation ID for a named room.
func RoomConversation(room string) ConversationID {
	return ConversationID("room:" + room)
}

// IsRoom reports whether the conversation refers to a named room.
func (c ConversationID) IsRoom() bool {
	return strings.HasPrefix(string(c), "room:")
}

// MessageStatus is the delivery lifecycle of an outbound message.
//
// The lifecycle is monotone: Pending -> Sent -> Delivered, with Failed as
// the terminal error state. A status never regresses.
type MessageStatus uint8

const (
	StatusPending MessageStatus = iota
	StatusSent
	StatusDelivered
	StatusFailed
)

func (s MessageStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSent:
		return "sent"
	case StatusDelivered:
		return "delivered"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// PresenceStatus is a peer's advertised availability.
type PresenceStatus uint8

const (
	PresenceOnline PresenceStatus = iota
	PresenceAway
	PresenceOffline
)

func (p PresenceStatus) String() string {
	switch p {
	case PresenceOnline:
		return "online"
	case PresenceAway:
		return "away"
	case PresenceOffline:
		return "offline"
	default:
		return fmt.Sprintf("presence(%d)", uint8(p))
	}
}

// EnvelopeKind is the variant tag of an Envelope on the wire.
type EnvelopeKind uint8

const (
	KindMessage EnvelopeKind = iota + 1
	KindAck
	KindPresence
	KindTyping
	KindTaskSync
	KindRoomEvent
)

func (k EnvelopeKind) String() string {
	switch k {
	case KindMessage:
		return "message"
	case KindAck:
		return "ack"
	case KindPresence:
		return "presence"
	case KindTyping:
		return "typing"
	case KindTaskSync:
		return "task_sync"
	case KindRoomEvent:
		return "room_event"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Envelope is the top-level tagged record serialized on the wire.
type Envelope interface {
	Kind() EnvelopeKind
}

// Message carries chat text within a conversation.
type Message struct {
	ID           MessageID
	Conversation ConversationID
	Sender       SenderID
	Content      string
	Timestamp    int64 // UTC milliseconds
}

func (*Message) Kind() EnvelopeKind { return KindMessage }

// Ack acknowledges delivery of a specific message.
type Ack struct {
	MessageID MessageID
}

func (*Ack) Kind() EnvelopeKind { return KindAck }

// Presence announces a peer's availability. Fire-and-forget: presence is
// never persisted and never replayed on reconnect.
type Presence struct {
	PeerID    string
	Status    PresenceStatus
	Timestamp uint64 // UTC milliseconds
}

func (*Presence) Kind() EnvelopeKind { return KindPresence }

// Typing signals that a peer started or stopped typing in a room.
type Typing struct {
	PeerID   string
	RoomID   string
	IsTyping bool
}

func (*Typing) Kind() EnvelopeKind { return KindTyping }

// RoomEventKind distinguishes room-level events.
type RoomEventKind uint8

const (
	RoomJoined RoomEventKind = iota + 1
	RoomLeft
	RoomText
)

// RoomEvent carries membership changes and room-scoped text.
type RoomEvent struct {
	RoomID    string
	Event     RoomEventKind
	PeerID    string
	Body      string
	Timestamp int64
}

func (*RoomEvent) Kind() EnvelopeKind { return KindRoomEvent }
