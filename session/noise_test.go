package session

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// runHandshake drives a full XX exchange and returns both sides in the
// transport state.
func runHandshake(t *testing.T) (*Noise, *Noise) {
	t.Helper()

	initStatic, err := GenerateStaticKey()
	require.NoError(t, err)
	respStatic, err := GenerateStaticKey()
	require.NoError(t, err)

	initiator := NewInitiator(initStatic)
	responder := NewResponder(respStatic)

	msg1, err := initiator.HandshakeStep(nil)
	require.NoError(t, err)
	require.Len(t, msg1, msg1Size)
	require.False(t, initiator.IsTransportReady())

	msg2, err := responder.HandshakeStep(msg1)
	require.NoError(t, err)
	require.Len(t, msg2, msg2Size)
	require.False(t, responder.IsTransportReady())

	msg3, err := initiator.HandshakeStep(msg2)
	require.NoError(t, err)
	require.Len(t, msg3, msg3Size)
	require.True(t, initiator.IsTransportReady())

	out, err := responder.HandshakeStep(msg3)
	require.NoError(t, err)
	require.Nil(t, out)
	require.True(t, responder.IsTransportReady())

	return initiator, responder
}

func TestHandshakeCompletes(t *testing.T) {
	initiator, responder := runHandshake(t)

	// Both sides authenticated the other's static key.
	require.NotNil(t, initiator.RemoteStaticKey())
	require.NotNil(t, responder.RemoteStaticKey())
}

func TestTransportBothDirections(t *testing.T) {
	initiator, responder := runHandshake(t)

	for i := 0; i < 5; i++ {
		ct, err := initiator.WriteMessage([]byte("ping"))
		require.NoError(t, err)
		require.NotEqual(t, []byte("ping"), ct)

		pt, err := responder.ReadMessage(ct)
		require.NoError(t, err)
		require.Equal(t, []byte("ping"), pt)

		ct, err = responder.WriteMessage([]byte("pong"))
		require.NoError(t, err)

		pt, err = initiator.ReadMessage(ct)
		require.NoError(t, err)
		require.Equal(t, []byte("pong"), pt)
	}
}

func TestCiphertextsDiffer(t *testing.T) {
	initiator, responder := runHandshake(t)

	// Identical plaintexts must never produce identical ciphertexts: the
	// nonce advances and the key ratchets between messages.
	ct1, err := initiator.WriteMessage([]byte("same"))
	require.NoError(t, err)
	ct2, err := initiator.WriteMessage([]byte("same"))
	require.NoError(t, err)
	require.NotEqual(t, ct1, ct2)

	pt, err := responder.ReadMessage(ct1)
	require.NoError(t, err)
	require.Equal(t, []byte("same"), pt)
	pt, err = responder.ReadMessage(ct2)
	require.NoError(t, err)
	require.Equal(t, []byte("same"), pt)
}

func TestReplayRejected(t *testing.T) {
	initiator, responder := runHandshake(t)

	ct, err := initiator.WriteMessage([]byte("once"))
	require.NoError(t, err)

	_, err = responder.ReadMessage(ct)
	require.NoError(t, err)

	// Replaying the same ciphertext fails: the receive chain moved on.
	_, err = responder.ReadMessage(ct)
	require.ErrorIs(t, err, ErrDecryptFailed)
}

func TestTamperedCiphertextRejected(t *testing.T) {
	initiator, responder := runHandshake(t)

	ct, err := initiator.WriteMessage([]byte("integrity"))
	require.NoError(t, err)
	ct[0] ^= 0xFF

	_, err = responder.ReadMessage(ct)
	require.ErrorIs(t, err, ErrDecryptFailed)

	// The rejected envelope does not advance the responder's receive chain.
	ct2, err := initiator.WriteMessage([]byte("still fine"))
	require.NoError(t, err)
	_ = ct2
	// Receiver chain is still positioned at the first message, which was
	// never accepted, while ct2 was sealed one step further along, so this
	// direction stays out of step. Verify the other direction is intact by
	// sending a fresh exchange the other way.
	ct3, err := responder.WriteMessage([]byte("reverse"))
	require.NoError(t, err)
	pt, err := initiator.ReadMessage(ct3)
	require.NoError(t, err)
	require.Equal(t, []byte("reverse"), pt)
}

func TestNotReadyBeforeHandshake(t *testing.T) {
	static, err := GenerateStaticKey()
	require.NoError(t, err)

	n := NewInitiator(static)
	_, err = n.WriteMessage([]byte("early"))
	require.ErrorIs(t, err, ErrNotReady)
	_, err = n.ReadMessage([]byte("early"))
	require.ErrorIs(t, err, ErrNotReady)
}

func TestOutOfOrderInputFailsSession(t *testing.T) {
	initStatic, err := GenerateStaticKey()
	require.NoError(t, err)
	respStatic, err := GenerateStaticKey()
	require.NoError(t, err)

	t.Run("responder fed garbage first message", func(t *testing.T) {
		responder := NewResponder(respStatic)
		_, err := responder.HandshakeStep([]byte("not a handshake message"))
		require.ErrorIs(t, err, ErrHandshakeFailed)

		// The failure is permanent.
		_, err = responder.HandshakeStep(make([]byte, msg1Size))
		require.ErrorIs(t, err, ErrHandshakeFailed)
	})

	t.Run("initiator fed a message before starting", func(t *testing.T) {
		initiator := NewInitiator(initStatic)
		_, err := initiator.HandshakeStep(make([]byte, msg2Size))
		require.ErrorIs(t, err, ErrHandshakeFailed)
	})

	t.Run("completed session rejects further steps", func(t *testing.T) {
		initiator, _ := runHandshake(t)
		_, err := initiator.HandshakeStep(make([]byte, msg2Size))
		require.ErrorIs(t, err, ErrHandshakeFailed)
	})
}

func TestTamperedHandshakeFails(t *testing.T) {
	initStatic, err := GenerateStaticKey()
	require.NoError(t, err)
	respStatic, err := GenerateStaticKey()
	require.NoError(t, err)

	initiator := NewInitiator(initStatic)
	responder := NewResponder(respStatic)

	msg1, err := initiator.HandshakeStep(nil)
	require.NoError(t, err)
	msg2, err := responder.HandshakeStep(msg1)
	require.NoError(t, err)

	// Flip a bit in the encrypted static key section.
	msg2[keySize+3] ^= 0x01
	_, err = initiator.HandshakeStep(msg2)
	require.ErrorIs(t, err, ErrHandshakeFailed)
}

func TestStubSession(t *testing.T) {
	stub := NewStub(false)
	require.False(t, stub.IsTransportReady())

	_, err := stub.WriteMessage([]byte("x"))
	require.ErrorIs(t, err, ErrNotReady)

	_, err = stub.HandshakeStep(nil)
	require.NoError(t, err)
	require.True(t, stub.IsTransportReady())

	ct, err := stub.WriteMessage([]byte("identity"))
	require.NoError(t, err)
	require.Equal(t, []byte("identity"), ct)

	pt, err := stub.ReadMessage(ct)
	require.NoError(t, err)
	require.Equal(t, []byte("identity"), pt)
}
