package transport

import (
	"context"
	"sync"
)

type loopbackPacket struct {
	from    PeerID
	payload []byte
}

// loopbackShared is the connection state both ends observe: closing either
// end tears the pair down, like a real connection.
type loopbackShared struct {
	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// Loopback is an in-process transport. Two ends are created as a pair; a
// send on one end arrives at the other end's Recv in FIFO order. A full
// channel blocks the sender, giving tests real backpressure.
type Loopback struct {
	self PeerID
	peer PeerID

	out chan<- loopbackPacket
	in  <-chan loopbackPacket

	shared *loopbackShared
}

// NewLoopbackPair creates two connected loopback transports with the given
// per-direction channel capacity.
func NewLoopbackPair(a, b PeerID, capacity int) (*Loopback, *Loopback) {
	aToB := make(chan loopbackPacket, capacity)
	bToA := make(chan loopbackPacket, capacity)
	shared := &loopbackShared{done: make(chan struct{})}

	left := &Loopback{self: a, peer: b, out: aToB, in: bToA, shared: shared}
	right := &Loopback{self: b, peer: a, out: bToA, in: aToB, shared: shared}
	return left, right
}

// Send enqueues payload for the paired end. Blocks while the channel is at
// capacity.
func (l *Loopback) Send(ctx context.Context, peer PeerID, payload []byte) error {
	if peer != l.peer {
		return &UnreachableError{Peer: peer}
	}
	if l.isClosed() {
		return ErrConnectionClosed
	}

	buf := make([]byte, len(payload))
	copy(buf, payload)

	select {
	case l.out <- loopbackPacket{from: l.self, payload: buf}:
		return nil
	case <-l.shared.done:
		return ErrConnectionClosed
	case <-ctx.Done():
		return ErrTimeout
	}
}

// Recv returns the next payload sent by the paired end.
func (l *Loopback) Recv(ctx context.Context) (PeerID, []byte, error) {
	select {
	case pkt := <-l.in:
		return pkt.from, pkt.payload, nil
	case <-l.shared.done:
		return "", nil, ErrConnectionClosed
	case <-ctx.Done():
		return "", nil, ErrTimeout
	}
}

// IsConnected reports whether the pair is still open and peer is the
// paired end.
func (l *Loopback) IsConnected(peer PeerID) bool {
	return peer == l.peer && !l.isClosed()
}

// Type returns TypeLoopback.
func (l *Loopback) Type() Type { return TypeLoopback }

// Close tears down the pair. Pending and future operations on either end
// fail with ErrConnectionClosed.
func (l *Loopback) Close() error {
	l.shared.mu.Lock()
	defer l.shared.mu.Unlock()
	if !l.shared.closed {
		l.shared.closed = true
		close(l.shared.done)
	}
	return nil
}

func (l *Loopback) isClosed() bool {
	l.shared.mu.Lock()
	defer l.shared.mu.Unlock()
	return l.shared.closed
}
