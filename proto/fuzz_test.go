package proto

import (
	"testing"
)

// FuzzDecode checks that arbitrary input never panics the envelope decoder
// and that every successfully decoded envelope re-encodes.
func FuzzDecode(f *testing.F) {
	seed, _ := Encode(&Message{
		ID:           "m1",
		Conversation: DirectConversation("alice", "bob"),
		Sender:       NewSenderID([]byte{0x01}),
		Content:      "seed",
		Timestamp:    1,
	})
	f.Add(seed)
	ack, _ := Encode(&Ack{MessageID: "m2"})
	f.Add(ack)
	f.Add([]byte{})
	f.Add([]byte{1})
	f.Add([]byte{1, 0xFF})

	f.Fuzz(func(t *testing.T, data []byte) {
		env, err := Decode(data)
		if err != nil {
			return
		}
		if _, err := Encode(env); err != nil {
			t.Fatalf("decoded envelope failed to re-encode: %v", err)
		}
	})
}

// FuzzDecodeRelayFrame does the same for relay control frames.
func FuzzDecodeRelayFrame(f *testing.F) {
	route, _ := EncodeRelayFrame(&Route{To: "bob", From: "alice", Payload: []byte{1, 2}})
	f.Add(route)
	f.Add([]byte{})
	f.Add([]byte{1, 0x7F})

	f.Fuzz(func(t *testing.T, data []byte) {
		frame, err := DecodeRelayFrame(data)
		if err != nil {
			return
		}
		if _, err := EncodeRelayFrame(frame); err != nil {
			t.Fatalf("decoded frame failed to re-encode: %v", err)
		}
	})
}
