package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// codecVersion is the current wire version. Bumped only for incompatible
// layout changes; unknown versions are rejected, never silently skipped.
const codecVersion = 1

// ErrTruncated reports an input that ended before a complete value.
var ErrTruncated = errors.New("proto: truncated input")

// UnknownVariantError reports a variant tag this build does not know.
type UnknownVariantError struct {
	Tag uint8
}

func (e *UnknownVariantError) Error() string {
	return fmt.Sprintf("proto: unknown variant tag %d", e.Tag)
}

// InvalidFieldError reports a structurally valid but semantically bad field.
type InvalidFieldError struct {
	Field  string
	Reason string
}

func (e *InvalidFieldError) Error() string {
	return fmt.Sprintf("proto: invalid field %s: %s", e.Field, e.Reason)
}

// Encode serializes an envelope to its compact binary form. Length framing
// is left to stream transports; the encoding itself is self-delimiting.
func Encode(env Envelope) ([]byte, error) {
	if env == nil {
		return nil, &InvalidFieldError{Field: "envelope", Reason: "nil"}
	}
	buf := []byte{codecVersion, byte(env.Kind())}
	switch v := env.(type) {
	case *Message:
		buf = appendString(buf, string(v.ID))
		buf = appendString(buf, string(v.Conversation))
		buf = appendBytes(buf, v.Sender)
		buf = appendString(buf, v.Content)
		buf = appendVarint(buf, v.Timestamp)
	case *Ack:
		buf = appendString(buf, string(v.MessageID))
	case *Presence:
		buf = appendString(buf, v.PeerID)
		buf = append(buf, byte(v.Status))
		buf = appendUvarint(buf, v.Timestamp)
	case *Typing:
		buf = appendString(buf, v.PeerID)
		buf = appendString(buf, v.RoomID)
		buf = appendBool(buf, v.IsTyping)
	case *TaskSync:
		buf = appendString(buf, v.RoomID)
		buf = appendTask(buf, &v.Task)
	case *RoomEvent:
		buf = appendString(buf, v.RoomID)
		buf = append(buf, byte(v.Event))
		buf = appendString(buf, v.PeerID)
		buf = appendString(buf, v.Body)
		buf = appendVarint(buf, v.Timestamp)
	default:
		return nil, &UnknownVariantError{Tag: byte(env.Kind())}
	}
	return buf, nil
}

// Decode parses a binary envelope. Unknown variant tags yield
// UnknownVariantError so callers can surface (not drop) foreign traffic.
func Decode(data []byte) (Envelope, error) {
	r := &reader{buf: data}
	version, err := r.byte()
	if err != nil {
		return nil, err
	}
	if version != codecVersion {
		return nil, &InvalidFieldError{Field: "version", Reason: fmt.Sprintf("unsupported version %d", version)}
	}
	tag, err := r.byte()
	if err != nil {
		return nil, err
	}

	var env Envelope
	switch EnvelopeKind(tag) {
	case KindMessage:
		env, err = r.message()
	case KindAck:
		env, err = r.ack()
	case KindPresence:
		env, err = r.presence()
	case KindTyping:
		env, err = r.typing()
	case KindTaskSync:
		env, err = r.taskSync()
	case KindRoomEvent:
		env, err = r.roomEvent()
	default:
		return nil, &UnknownVariantError{Tag: tag}
	}
	if err != nil {
		return nil, err
	}
	if !r.done() {
		return nil, &InvalidFieldError{Field: "envelope", Reason: "trailing bytes"}
	}
	return env, nil
}

func (r *reader) message() (*Message, error) {
	id, err := r.str()
	if err != nil {
		return nil, err
	}
	conv, err := r.str()
	if err != nil {
		return nil, err
	}
	sender, err := r.bytes()
	if err != nil {
		return nil, err
	}
	content, err := r.str()
	if err != nil {
		return nil, err
	}
	ts, err := r.varint()
	if err != nil {
		return nil, err
	}
	return &Message{
		ID:           MessageID(id),
		Conversation: ConversationID(conv),
		Sender:       sender,
		Content:      content,
		Timestamp:    ts,
	}, nil
}

func (r *reader) ack() (*Ack, error) {
	id, err := r.str()
	if err != nil {
		return nil, err
	}
	return &Ack{MessageID: MessageID(id)}, nil
}

func (r *reader) presence() (*Presence, error) {
	peer, err := r.str()
	if err != nil {
		return nil, err
	}
	status, err := r.byte()
	if err != nil {
		return nil, err
	}
	if status > byte(PresenceOffline) {
		return nil, &InvalidFieldError{Field: "presence.status", Reason: fmt.Sprintf("unknown status %d", status)}
	}
	ts, err := r.uvarint()
	if err != nil {
		return nil, err
	}
	return &Presence{PeerID: peer, Status: PresenceStatus(status), Timestamp: ts}, nil
}

func (r *reader) typing() (*Typing, error) {
	peer, err := r.str()
	if err != nil {
		return nil, err
	}
	room, err := r.str()
	if err != nil {
		return nil, err
	}
	isTyping, err := r.bool()
	if err != nil {
		return nil, err
	}
	return &Typing{PeerID: peer, RoomID: room, IsTyping: isTyping}, nil
}

func (r *reader) taskSync() (*TaskSync, error) {
	room, err := r.str()
	if err != nil {
		return nil, err
	}
	task, err := r.task()
	if err != nil {
		return nil, err
	}
	return &TaskSync{RoomID: room, Task: task}, nil
}

func (r *reader) roomEvent() (*RoomEvent, error) {
	room, err := r.str()
	if err != nil {
		return nil, err
	}
	event, err := r.byte()
	if err != nil {
		return nil, err
	}
	if event < byte(RoomJoined) || event > byte(RoomText) {
		return nil, &InvalidFieldError{Field: "room_event.event", Reason: fmt.Sprintf("unknown event %d", event)}
	}
	peer, err := r.str()
	if err != nil {
		return nil, err
	}
	body, err := r.str()
	if err != nil {
		return nil, err
	}
	ts, err := r.varint()
	if err != nil {
		return nil, err
	}
	return &RoomEvent{RoomID: room, Event: RoomEventKind(event), PeerID: peer, Body: body, Timestamp: ts}, nil
}

func appendTask(buf []byte, t *Task) []byte {
	buf = appendString(buf, string(t.ID))
	buf = appendString(buf, t.RoomID)
	buf = appendStringRegister(buf, t.Title)
	buf = appendStatusRegister(buf, t.Status)
	buf = appendStringRegister(buf, t.Assignee)
	buf = appendUvarint(buf, t.CreatedAt)
	buf = appendString(buf, t.CreatedBy)
	return buf
}

func (r *reader) task() (Task, error) {
	var t Task
	id, err := r.str()
	if err != nil {
		return t, err
	}
	room, err := r.str()
	if err != nil {
		return t, err
	}
	title, err := r.stringRegister()
	if err != nil {
		return t, err
	}
	status, err := r.statusRegister()
	if err != nil {
		return t, err
	}
	assignee, err := r.stringRegister()
	if err != nil {
		return t, err
	}
	createdAt, err := r.uvarint()
	if err != nil {
		return t, err
	}
	createdBy, err := r.str()
	if err != nil {
		return t, err
	}
	return Task{
		ID:        TaskID(id),
		RoomID:    room,
		Title:     title,
		Status:    status,
		Assignee:  assignee,
		CreatedAt: createdAt,
		CreatedBy: createdBy,
	}, nil
}

func appendStringRegister(buf []byte, reg LWWRegister[string]) []byte {
	buf = appendString(buf, reg.Value)
	buf = appendUvarint(buf, reg.Timestamp)
	buf = appendString(buf, reg.Author)
	return buf
}

func (r *reader) stringRegister() (LWWRegister[string], error) {
	var reg LWWRegister[string]
	value, err := r.str()
	if err != nil {
		return reg, err
	}
	ts, err := r.uvarint()
	if err != nil {
		return reg, err
	}
	author, err := r.str()
	if err != nil {
		return reg, err
	}
	return LWWRegister[string]{Value: value, Timestamp: ts, Author: author}, nil
}

func appendStatusRegister(buf []byte, reg LWWRegister[TaskStatus]) []byte {
	buf = append(buf, byte(reg.Value))
	buf = appendUvarint(buf, reg.Timestamp)
	buf = appendString(buf, reg.Author)
	return buf
}

func (r *reader) statusRegister() (LWWRegister[TaskStatus], error) {
	var reg LWWRegister[TaskStatus]
	value, err := r.byte()
	if err != nil {
		return reg, err
	}
	if value > byte(TaskDeleted) {
		return reg, &InvalidFieldError{Field: "task.status", Reason: fmt.Sprintf("unknown status %d", value)}
	}
	ts, err := r.uvarint()
	if err != nil {
		return reg, err
	}
	author, err := r.str()
	if err != nil {
		return reg, err
	}
	return LWWRegister[TaskStatus]{Value: TaskStatus(value), Timestamp: ts, Author: author}, nil
}

// ---- primitive encoding -------------------------------------------------

func appendUvarint(buf []byte, v uint64) []byte {
	return binary.AppendUvarint(buf, v)
}

func appendVarint(buf []byte, v int64) []byte {
	return binary.AppendVarint(buf, v)
}

func appendBytes(buf, b []byte) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(b)))
	return append(buf, b...)
}

func appendString(buf []byte, s string) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(s)))
	return append(buf, s...)
}

func appendBool(buf []byte, v bool) []byte {
	if v {
		return append(buf, 1)
	}
	return append(buf, 0)
}

type reader struct {
	buf []byte
	off int
}

func (r *reader) done() bool { return r.off == len(r.buf) }

func (r *reader) byte() (byte, error) {
	if r.off >= len(r.buf) {
		return 0, ErrTruncated
	}
	b := r.buf[r.off]
	r.off++
	return b, nil
}

func (r *reader) bool() (bool, error) {
	b, err := r.byte()
	if err != nil {
		return false, err
	}
	switch b {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, &InvalidFieldError{Field: "bool", Reason: fmt.Sprintf("invalid value %d", b)}
	}
}

func (r *reader) uvarint() (uint64, error) {
	v, n := binary.Uvarint(r.buf[r.off:])
	if n <= 0 {
		return 0, ErrTruncated
	}
	r.off += n
	return v, nil
}

func (r *reader) varint() (int64, error) {
	v, n := binary.Varint(r.buf[r.off:])
	if n <= 0 {
		return 0, ErrTruncated
	}
	r.off += n
	return v, nil
}

func (r *reader) bytes() ([]byte, error) {
	n, err := r.uvarint()
	if err != nil {
		return nil, err
	}
	if uint64(len(r.buf)-r.off) < n {
		return nil, ErrTruncated
	}
	if n == 0 {
		return nil, nil
	}
	out := make([]byte, n)
	copy(out, r.buf[r.off:r.off+int(n)])
	r.off += int(n)
	return out, nil
}

func (r *reader) str() (string, error) {
	b, err := r.bytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}
