package chat

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/termchat-project/termchat/proto"
	"github.com/termchat-project/termchat/session"
	"github.com/termchat-project/termchat/transport"
)

// newPair wires two managers over a loopback transport with stub crypto.
func newPair(t *testing.T) (alice, bob *Manager, aliceEvents, bobEvents <-chan Event, bobWarnings <-chan HistoryWarning) {
	t.Helper()

	trA, trB := transport.NewLoopbackPair("alice", "bob", 64)

	alice, aliceEvents, _ = New(Config{
		Session:   session.NewStub(true),
		Transport: trA,
		Sender:    proto.NewSenderID([]byte("alice")),
		Remote:    "bob",
	})
	bob, bobEvents, bobWarnings = New(Config{
		Session:   session.NewStub(true),
		Transport: trB,
		Sender:    proto.NewSenderID([]byte("bob")),
		Remote:    "alice",
	})
	return alice, bob, aliceEvents, bobEvents, bobWarnings
}

func waitEvent[T Event](t *testing.T, events <-chan Event, timeout time.Duration) T {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-events:
			if typed, ok := ev.(T); ok {
				return typed
			}
		case <-deadline:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}

func TestLoopbackRoundTripWithAck(t *testing.T) {
	alice, bob, aliceEvents, bobEvents, _ := newPair(t)
	ctx := context.Background()

	id, status, err := alice.SendText(ctx, "hello")
	require.NoError(t, err)
	require.Equal(t, proto.StatusSent, status)

	// Bob's receive loop handles the message and auto-acks.
	go func() {
		recvCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		_, _ = bob.ReceiveOne(recvCtx)
	}()

	received := waitEvent[MessageReceived](t, bobEvents, time.Second)
	require.Equal(t, "hello", received.Message.Content)
	require.Equal(t, id, received.Message.ID)

	// Alice pumps until the ack lands.
	final := alice.AwaitAck(ctx, id, RetryConfig{AckTimeout: time.Second, AckRetries: 0})
	require.Equal(t, proto.StatusDelivered, final)

	acked := waitEvent[AckReceived](t, aliceEvents, time.Second)
	require.Equal(t, id, acked.ID)

	// History reflects the delivered status.
	stored, err := alice.History().Get(ctx, alice.Conversation(), 0)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	require.Equal(t, proto.StatusDelivered, stored[0].Status)
}

func TestPerConversationOrderingPreserved(t *testing.T) {
	alice, bob, _, _, _ := newPair(t)
	ctx := context.Background()

	contents := []string{"first", "second", "third"}
	for _, content := range contents {
		_, _, err := alice.SendText(ctx, content)
		require.NoError(t, err)
	}

	for range contents {
		recvCtx, cancel := context.WithTimeout(ctx, time.Second)
		_, err := bob.ReceiveOne(recvCtx)
		cancel()
		require.NoError(t, err)
	}

	stored, err := bob.History().Get(ctx, bob.Conversation(), 0)
	require.NoError(t, err)
	require.Len(t, stored, 3)
	for i, content := range contents {
		require.Equal(t, content, stored[i].Message.Content, "receive order must equal send order")
	}
}

func TestCryptoNotReadyFailsSend(t *testing.T) {
	trA, _ := transport.NewLoopbackPair("alice", "bob", 4)
	manager, _, _ := New(Config{
		Session:   session.NewStub(false),
		Transport: trA,
		Sender:    proto.NewSenderID([]byte("alice")),
		Remote:    "bob",
	})

	_, status, err := manager.SendText(context.Background(), "too early")
	require.ErrorIs(t, err, ErrCryptoNotReady)
	require.Equal(t, proto.StatusFailed, status)
}

func TestSendRetriesExhaustedSurfaceTransportError(t *testing.T) {
	trA, _ := transport.NewLoopbackPair("alice", "bob", 4)
	require.NoError(t, trA.Close())

	manager, events, _ := New(Config{
		Session:   session.NewStub(true),
		Transport: trA,
		Sender:    proto.NewSenderID([]byte("alice")),
		Remote:    "bob",
		Retry:     RetryConfig{SendRetries: 2, AckTimeout: time.Second},
	})

	start := time.Now()
	_, status, err := manager.SendText(context.Background(), "doomed")
	require.Equal(t, proto.StatusFailed, status)

	var gaveUp *TransportGaveUpError
	require.ErrorAs(t, err, &gaveUp)
	require.ErrorIs(t, gaveUp.Err, transport.ErrConnectionClosed)

	// Two retries with 100ms then 200ms backoff.
	require.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)

	failed := waitEvent[DeliveryFailed](t, events, time.Second)
	require.NotEmpty(t, failed.Reason)
}

func TestDuplicateInboundSkippedWithWarning(t *testing.T) {
	trA, trB := transport.NewLoopbackPair("alice", "bob", 8)
	bob, bobEvents, bobWarnings := New(Config{
		Session:   session.NewStub(true),
		Transport: trB,
		Sender:    proto.NewSenderID([]byte("bob")),
		Remote:    "alice",
	})

	ctx := context.Background()
	env := &proto.Message{
		ID:           "fixed-id",
		Conversation: proto.DirectConversation("alice", "bob"),
		Sender:       proto.NewSenderID([]byte("alice")),
		Content:      "same message twice",
		Timestamp:    1,
	}
	data, err := proto.Encode(env)
	require.NoError(t, err)

	require.NoError(t, trA.Send(ctx, "bob", data))
	require.NoError(t, trA.Send(ctx, "bob", data))

	for i := 0; i < 2; i++ {
		recvCtx, cancel := context.WithTimeout(ctx, time.Second)
		_, err := bob.ReceiveOne(recvCtx)
		cancel()
		require.NoError(t, err)
	}

	waitEvent[MessageReceived](t, bobEvents, time.Second)

	select {
	case warning := <-bobWarnings:
		dup, ok := warning.(DuplicateWarning)
		require.True(t, ok)
		require.Equal(t, proto.MessageID("fixed-id"), dup.ID)
	case <-time.After(time.Second):
		t.Fatal("expected a duplicate warning")
	}

	stored, err := bob.History().Get(ctx, bob.Conversation(), 0)
	require.NoError(t, err)
	require.Len(t, stored, 1, "duplicate must not be appended")
}

func TestForeignPeerTrafficDropped(t *testing.T) {
	trA, trB := transport.NewLoopbackPair("alice", "bob", 4)

	// Bob's manager expects carol; alice's traffic must be ignored.
	bob, _, _ := New(Config{
		Session:   session.NewStub(true),
		Transport: trB,
		Sender:    proto.NewSenderID([]byte("bob")),
		Remote:    "carol",
	})

	data, err := proto.Encode(&proto.Ack{MessageID: "x"})
	require.NoError(t, err)
	require.NoError(t, trA.Send(context.Background(), "bob", data))

	recvCtx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err = bob.ReceiveOne(recvCtx)
	require.ErrorIs(t, err, transport.ErrTimeout)
}

func TestUnknownAckIgnored(t *testing.T) {
	trA, trB := transport.NewLoopbackPair("alice", "bob", 4)
	bob, bobEvents, _ := New(Config{
		Session:   session.NewStub(true),
		Transport: trB,
		Sender:    proto.NewSenderID([]byte("bob")),
		Remote:    "alice",
	})

	data, err := proto.Encode(&proto.Ack{MessageID: "never-sent"})
	require.NoError(t, err)
	require.NoError(t, trA.Send(context.Background(), "bob", data))

	recvCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	env, err := bob.ReceiveOne(recvCtx)
	require.NoError(t, err)
	require.IsType(t, &proto.Ack{}, env)

	select {
	case ev := <-bobEvents:
		t.Fatalf("unexpected event for unknown ack: %T", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMalformedEnvelopeEmitsEventAndLoopContinues(t *testing.T) {
	trA, trB := transport.NewLoopbackPair("alice", "bob", 4)
	bob, bobEvents, _ := New(Config{
		Session:   session.NewStub(true),
		Transport: trB,
		Sender:    proto.NewSenderID([]byte("bob")),
		Remote:    "alice",
	})
	ctx := context.Background()

	require.NoError(t, trA.Send(ctx, "bob", []byte{0xDE, 0xAD}))
	valid, err := proto.Encode(&proto.Typing{PeerID: "alice", RoomID: "dev", IsTyping: true})
	require.NoError(t, err)
	require.NoError(t, trA.Send(ctx, "bob", valid))

	recvCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	env, err := bob.ReceiveOne(recvCtx)
	require.NoError(t, err, "one poisoned envelope must not stall the loop")
	require.IsType(t, &proto.Typing{}, env)

	waitEvent[DecodeError](t, bobEvents, time.Second)
}

// captureTransport records every payload handed to the carrier so tests
// can assert on what actually crosses the transport boundary.
type captureTransport struct {
	transport.Transport

	mu       sync.Mutex
	payloads [][]byte
}

func (c *captureTransport) Send(ctx context.Context, peer transport.PeerID, payload []byte) error {
	c.mu.Lock()
	c.payloads = append(c.payloads, append([]byte(nil), payload...))
	c.mu.Unlock()
	return c.Transport.Send(ctx, peer, payload)
}

func TestPlaintextNeverCrossesTransport(t *testing.T) {
	trA, trB := transport.NewLoopbackPair("alice", "bob", 8)

	// Real Noise sessions: run the handshake out of band.
	aliceStatic, err := session.GenerateStaticKey()
	require.NoError(t, err)
	bobStatic, err := session.GenerateStaticKey()
	require.NoError(t, err)
	initiator := session.NewInitiator(aliceStatic)
	responder := session.NewResponder(bobStatic)

	msg1, err := initiator.HandshakeStep(nil)
	require.NoError(t, err)
	msg2, err := responder.HandshakeStep(msg1)
	require.NoError(t, err)
	msg3, err := initiator.HandshakeStep(msg2)
	require.NoError(t, err)
	_, err = responder.HandshakeStep(msg3)
	require.NoError(t, err)

	capture := &captureTransport{Transport: trA}
	alice, _, _ := New(Config{
		Session:   initiator,
		Transport: capture,
		Sender:    proto.NewSenderID([]byte("alice")),
		Remote:    "bob",
	})
	bob, bobEvents, _ := New(Config{
		Session:   responder,
		Transport: trB,
		Sender:    proto.NewSenderID([]byte("bob")),
		Remote:    "alice",
	})

	// A distinctive pattern that would be easy to spot in a buffer.
	const marker = "TOP-SECRET-7f3a9c-PLAINTEXT"
	ctx := context.Background()
	_, _, err = alice.SendText(ctx, marker)
	require.NoError(t, err)

	capture.mu.Lock()
	require.NotEmpty(t, capture.payloads)
	for _, payload := range capture.payloads {
		require.False(t, bytes.Contains(payload, []byte(marker)),
			"plaintext leaked into a transport buffer")
	}
	capture.mu.Unlock()

	// And the ciphertext still decrypts on the other side.
	recvCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	_, err = bob.ReceiveOne(recvCtx)
	require.NoError(t, err)
	received := waitEvent[MessageReceived](t, bobEvents, time.Second)
	require.Equal(t, marker, received.Message.Content)
}
