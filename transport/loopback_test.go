package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoopbackRoundTrip(t *testing.T) {
	alice, bob := NewLoopbackPair("alice", "bob", 4)
	ctx := context.Background()

	require.NoError(t, alice.Send(ctx, "bob", []byte("one")))
	require.NoError(t, alice.Send(ctx, "bob", []byte("two")))

	from, payload, err := bob.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, PeerID("alice"), from)
	require.Equal(t, []byte("one"), payload)

	_, payload, err = bob.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("two"), payload, "per-pair delivery must stay FIFO")
}

func TestLoopbackUnknownPeer(t *testing.T) {
	alice, _ := NewLoopbackPair("alice", "bob", 1)

	err := alice.Send(context.Background(), "carol", []byte("x"))
	var unreachable *UnreachableError
	require.ErrorAs(t, err, &unreachable)
	require.Equal(t, PeerID("carol"), unreachable.Peer)
}

func TestLoopbackCapacityBlocks(t *testing.T) {
	alice, bob := NewLoopbackPair("alice", "bob", 1)
	ctx := context.Background()

	require.NoError(t, alice.Send(ctx, "bob", []byte("fill")))

	blocked := make(chan error, 1)
	go func() {
		sendCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		defer cancel()
		blocked <- alice.Send(sendCtx, "bob", []byte("overflow"))
	}()

	select {
	case err := <-blocked:
		require.ErrorIs(t, err, ErrTimeout, "send on a full channel must block until timeout")
	case <-time.After(time.Second):
		t.Fatal("blocked send never returned")
	}

	// Draining one packet unblocks the next send.
	_, _, err := bob.Recv(ctx)
	require.NoError(t, err)
	require.NoError(t, alice.Send(ctx, "bob", []byte("fits now")))
}

func TestLoopbackClose(t *testing.T) {
	alice, bob := NewLoopbackPair("alice", "bob", 1)

	require.True(t, alice.IsConnected("bob"))
	require.False(t, alice.IsConnected("carol"))

	require.NoError(t, alice.Close())
	require.False(t, alice.IsConnected("bob"))
	require.ErrorIs(t, alice.Send(context.Background(), "bob", []byte("x")), ErrConnectionClosed)

	_ = bob
}

func TestPeerIDFromStaticKey(t *testing.T) {
	key := []byte{0x01, 0x02, 0x03, 0x04}

	id := PeerIDFromStaticKey(key)
	require.NotEmpty(t, id)
	require.Equal(t, id, PeerIDFromStaticKey(key), "derivation must be deterministic")
	require.NotEqual(t, id, PeerIDFromStaticKey([]byte{0x05}))
}

func TestTypeString(t *testing.T) {
	require.Equal(t, "p2p", TypeP2P.String())
	require.Equal(t, "relay", TypeRelay.String())
	require.Equal(t, "loopback", TypeLoopback.String())
}
