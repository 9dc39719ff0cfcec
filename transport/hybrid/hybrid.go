// Package hybrid composes a direct transport and a relay transport into
// one carrier that prefers direct delivery and falls back to the relay
// per peer.
package hybrid

import (
	"context"
	"errors"
	"sync"

	"github.com/termchat-project/termchat/transport"
)

// Mode is the delivery path last known to work for a peer.
type Mode uint8

const (
	ModeUnknown Mode = iota
	ModeDirect
	ModeRelayed
)

func (m Mode) String() string {
	switch m {
	case ModeDirect:
		return "direct"
	case ModeRelayed:
		return "relayed"
	default:
		return "unknown"
	}
}

type incoming struct {
	from    transport.PeerID
	payload []byte
	err     error
}

// Transport prefers the direct carrier and falls back to the relay on
// Unreachable/Timeout/ConnectionClosed, remembering which path worked per peer. Mode reads
// may be stale; the next send outcome corrects them.
type Transport struct {
	direct transport.Transport
	relay  transport.Transport

	mu    sync.Mutex
	modes map[transport.PeerID]Mode

	merged chan incoming

	ctx    context.Context
	cancel context.CancelFunc
}

// New wires a direct and a relay transport together and starts the
// receive-merging pumps.
func New(direct, relay transport.Transport) *Transport {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		direct: direct,
		relay:  relay,
		modes:  make(map[transport.PeerID]Mode),
		merged: make(chan incoming, 64),
		ctx:    ctx,
		cancel: cancel,
	}
	go t.pump(direct)
	go t.pump(relay)
	return t
}

// Send tries the direct path first unless the peer is already known to be
// relayed, and records whichever path succeeds.
func (t *Transport) Send(ctx context.Context, peer transport.PeerID, payload []byte) error {
	if t.ModeFor(peer) == ModeRelayed {
		// Direct is tried first only while the direct transport reports
		// the peer connected (e.g. after an inbound direct connection); a
		// direct success promotes the peer back to direct. Otherwise the
		// relay carries the payload and its error is returned as is.
		if t.direct.IsConnected(peer) {
			if err := t.direct.Send(ctx, peer, payload); err == nil {
				t.setMode(peer, ModeDirect)
				return nil
			}
		}
		return t.relay.Send(ctx, peer, payload)
	}

	err := t.direct.Send(ctx, peer, payload)
	if err == nil {
		t.setMode(peer, ModeDirect)
		return nil
	}
	if !fallbackWorthy(err) {
		return err
	}

	if relayErr := t.relay.Send(ctx, peer, payload); relayErr != nil {
		return relayErr
	}
	t.setMode(peer, ModeRelayed)
	return nil
}

// Recv merges both carriers' receive streams.
func (t *Transport) Recv(ctx context.Context) (transport.PeerID, []byte, error) {
	select {
	case in := <-t.merged:
		if in.err != nil {
			return "", nil, in.err
		}
		return in.from, in.payload, nil
	case <-t.ctx.Done():
		return "", nil, transport.ErrConnectionClosed
	case <-ctx.Done():
		return "", nil, transport.ErrTimeout
	}
}

// IsConnected reports reachability on either path.
func (t *Transport) IsConnected(peer transport.PeerID) bool {
	return t.direct.IsConnected(peer) || t.relay.IsConnected(peer)
}

// Type reports the carrier kind for the overall transport. The per-peer
// path is exposed by ModeFor.
func (t *Transport) Type() transport.Type { return transport.TypeP2P }

// ModeFor returns the last known delivery path for peer.
func (t *Transport) ModeFor(peer transport.PeerID) Mode {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.modes[peer]
}

// Close stops the merge pumps. The underlying transports are owned by the
// caller and closed separately.
func (t *Transport) Close() error {
	t.cancel()
	return nil
}

func (t *Transport) setMode(peer transport.PeerID, mode Mode) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.modes[peer] = mode
}

// pump forwards one carrier's receives into the merged queue. A dead
// carrier stops its pump; the other keeps the hybrid alive.
func (t *Transport) pump(tr transport.Transport) {
	for {
		from, payload, err := tr.Recv(t.ctx)
		if err != nil {
			if errors.Is(err, transport.ErrConnectionClosed) {
				// Direct connection loss downgrades affected peers lazily:
				// their next send hits the direct failure path and falls
				// back to the relay.
				return
			}
			if t.ctx.Err() != nil {
				return
			}
			continue
		}
		if tr == t.direct {
			t.setMode(from, ModeDirect)
		}
		select {
		case t.merged <- incoming{from: from, payload: payload}:
		case <-t.ctx.Done():
			return
		}
	}
}

// fallbackWorthy reports whether a direct-path failure should trigger the
// relay fallback.
func fallbackWorthy(err error) bool {
	var unreachable *transport.UnreachableError
	return errors.As(err, &unreachable) ||
		errors.Is(err, transport.ErrTimeout) ||
		errors.Is(err, transport.ErrConnectionClosed)
}
