package chat

import "github.com/termchat-project/termchat/proto"

// Event is delivered on the manager's event channel for the UI to render.
// The core prescribes event semantics only; rendering is the UI's business.
type Event interface {
	chatEvent()
}

// MessageSent reports a message handed to the transport and stored locally.
type MessageSent struct {
	ID           proto.MessageID
	Conversation proto.ConversationID
}

// MessageReceived reports an inbound chat message appended to history.
type MessageReceived struct {
	Message proto.Message
}

// AckReceived reports a delivery confirmation for an outbound message.
type AckReceived struct {
	ID proto.MessageID
}

// DeliveryFailed reports that a send exhausted its retry budget.
type DeliveryFailed struct {
	ID     proto.MessageID
	Reason string
}

// ConnectionStateChanged reports transport availability flips.
type ConnectionStateChanged struct {
	Connected bool
}

// DecryptError reports an envelope that failed AEAD authentication. The
// receive loop continues: one poisoned envelope cannot stall a conversation.
type DecryptError struct {
	Err error
}

// DecodeError reports a malformed envelope after successful decryption.
type DecodeError struct {
	Err error
}

// PresenceUpdated reports a peer's availability change.
type PresenceUpdated struct {
	Presence proto.Presence
}

// TypingUpdated reports a typing indicator change.
type TypingUpdated struct {
	Typing proto.Typing
}

// TaskListUpdated reports that a remote task sync changed a room's tasks.
type TaskListUpdated struct {
	RoomID string
}

// RoomEventReceived reports a room membership or text event.
type RoomEventReceived struct {
	RoomEvent proto.RoomEvent
}

func (MessageSent) chatEvent()            {}
func (MessageReceived) chatEvent()        {}
func (AckReceived) chatEvent()            {}
func (DeliveryFailed) chatEvent()         {}
func (ConnectionStateChanged) chatEvent() {}
func (DecryptError) chatEvent()           {}
func (DecodeError) chatEvent()            {}
func (PresenceUpdated) chatEvent()        {}
func (TypingUpdated) chatEvent()          {}
func (TaskListUpdated) chatEvent()        {}
func (RoomEventReceived) chatEvent()      {}

// HistoryWarning is delivered on the warnings channel when the history
// store does something the UI should know about.
type HistoryWarning interface {
	historyWarning()
}

// DuplicateWarning reports an inbound message whose ID was already stored;
// the duplicate was skipped.
type DuplicateWarning struct {
	ID proto.MessageID
}

// EvictedWarning reports that a bounded conversation dropped its oldest
// message; the UI should refresh from the store.
type EvictedWarning struct {
	Conversation proto.ConversationID
	ID           proto.MessageID
}

func (DuplicateWarning) historyWarning() {}
func (EvictedWarning) historyWarning()   {}
