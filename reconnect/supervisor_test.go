package reconnect

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/termchat-project/termchat/transport"
)

// flakyDialer scripts the dial results: failures until healed, then fresh
// loopback ends whose far sides the test holds.
type flakyDialer struct {
	mu       sync.Mutex
	healthy  bool
	farSides chan *transport.Loopback
	dials    int
}

func newFlakyDialer() *flakyDialer {
	return &flakyDialer{farSides: make(chan *transport.Loopback, 8)}
}

func (d *flakyDialer) setHealthy(healthy bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.healthy = healthy
}

func (d *flakyDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *flakyDialer) dial(ctx context.Context) (transport.Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if !d.healthy {
		return nil, errors.New("relay unreachable")
	}
	near, far := transport.NewLoopbackPair("self", "relay", 64)
	d.farSides <- far
	return near, nil
}

func fastConfig() Config {
	return Config{
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     80 * time.Millisecond,
		QueueSize:      8,
	}
}

func waitReconnectEvent[T Event](t *testing.T, events <-chan Event, timeout time.Duration) T {
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

func TestQueuedSendsDrainInOrderAfterReconnect(t *testing.T) {
	dialer := newFlakyDialer()
	sup, events := New(dialer.dial, fastConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = sup.Run(ctx) }()

	// Relay is down: five sends queue locally.
	for i := 0; i < 5; i++ {
		require.NoError(t, sup.Send(ctx, "relay", []byte(fmt.Sprintf("queued %d", i))))
	}
	waitReconnectEvent[BackingOff](t, events, time.Second)
	require.Equal(t, 5, sup.PendingLen())

	// Relay comes back.
	dialer.setHealthy(true)
	waitReconnectEvent[Connected](t, events, 2*time.Second)
	far := <-dialer.farSides

	for i := 0; i < 5; i++ {
		recvCtx, recvCancel := context.WithTimeout(ctx, time.Second)
		_, payload, err := far.Recv(recvCtx)
		recvCancel()
		require.NoError(t, err)
		require.Equal(t, fmt.Sprintf("queued %d", i), string(payload), "drain must be FIFO")
	}
}

func TestBackoffDoublesUntilCap(t *testing.T) {
	dialer := newFlakyDialer()
	sup, events := New(dialer.dial, fastConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = sup.Run(ctx) }()

	var delays []time.Duration
	for len(delays) < 5 {
		ev := waitReconnectEvent[BackingOff](t, events, 2*time.Second)
		delays = append(delays, ev.Delay)
	}

	require.Equal(t, 10*time.Millisecond, delays[0])
	require.Equal(t, 20*time.Millisecond, delays[1])
	require.Equal(t, 40*time.Millisecond, delays[2])
	require.Equal(t, 80*time.Millisecond, delays[3])
	require.Equal(t, 80*time.Millisecond, delays[4], "backoff stays at the cap")
}

func TestBackoffResetsAfterSuccessfulConnect(t *testing.T) {
	dialer := newFlakyDialer()
	sup, events := New(dialer.dial, fastConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = sup.Run(ctx) }()

	// Let the backoff grow.
	for i := 0; i < 3; i++ {
		waitReconnectEvent[BackingOff](t, events, time.Second)
	}

	dialer.setHealthy(true)
	waitReconnectEvent[Connected](t, events, 2*time.Second)
	far := <-dialer.farSides

	// Kill the link; the next backoff starts from the initial delay again.
	dialer.setHealthy(false)
	require.NoError(t, far.Close())
	waitReconnectEvent[Disconnected](t, events, 2*time.Second)

	ev := waitReconnectEvent[BackingOff](t, events, 2*time.Second)
	require.Equal(t, 10*time.Millisecond, ev.Delay)
}

func TestQueueOverflowDropsOldest(t *testing.T) {
	dialer := newFlakyDialer()
	cfg := fastConfig()
	cfg.QueueSize = 3
	sup, events := New(dialer.dial, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = sup.Run(ctx) }()

	for i := 0; i < 5; i++ {
		require.NoError(t, sup.Send(ctx, "relay", []byte(fmt.Sprintf("m%d", i))))
	}
	require.Equal(t, 3, sup.PendingLen())

	waitReconnectEvent[QueueOverflow](t, events, time.Second)

	dialer.setHealthy(true)
	far := <-dialer.farSides

	// Only the newest three survive, in order.
	for i := 2; i < 5; i++ {
		recvCtx, recvCancel := context.WithTimeout(ctx, time.Second)
		_, payload, err := far.Recv(recvCtx)
		recvCancel()
		require.NoError(t, err)
		require.Equal(t, fmt.Sprintf("m%d", i), string(payload))
	}
}

func TestShutdownAbortsBackoff(t *testing.T) {
	dialer := newFlakyDialer()
	cfg := fastConfig()
	cfg.InitialBackoff = 10 * time.Second // would block a long time
	cfg.MaxBackoff = 10 * time.Second
	sup, events := New(dialer.dial, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- sup.Run(ctx) }()

	waitReconnectEvent[BackingOff](t, events, time.Second)

	start := time.Now()
	cancel()
	select {
	case err := <-runDone:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not abort the in-flight backoff")
	}
	require.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestReceivesForwardedFromSupervisedLink(t *testing.T) {
	dialer := newFlakyDialer()
	dialer.setHealthy(true)
	sup, events := New(dialer.dial, fastConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = sup.Run(ctx) }()

	waitReconnectEvent[Connected](t, events, time.Second)
	far := <-dialer.farSides

	require.NoError(t, far.Send(ctx, "self", []byte("inbound")))

	recvCtx, recvCancel := context.WithTimeout(ctx, time.Second)
	defer recvCancel()
	from, payload, err := sup.Recv(recvCtx)
	require.NoError(t, err)
	require.Equal(t, transport.PeerID("relay"), from)
	require.Equal(t, "inbound", string(payload))
}
