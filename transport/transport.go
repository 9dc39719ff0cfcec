// Package transport defines the carrier abstraction for encrypted payloads.
//
// Implementations move opaque byte slices between peers. Payloads handed to
// a Transport MUST already be encrypted; a transport that inspects payload
// bytes is broken by contract.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/blake2s"
)

// PeerID is a stable opaque identifier for a peer, derived from the
// fingerprint of its static public key. Equality is byte equality.
type PeerID string

func (p PeerID) String() string { return string(p) }

// PeerIDFromStaticKey derives the canonical peer identifier from a static
// public key: base58 of the truncated BLAKE2s digest.
func PeerIDFromStaticKey(publicKey []byte) PeerID {
	digest := blake2s.Sum256(publicKey)
	return PeerID(base58.Encode(digest[:16]))
}

// Type identifies the kind of carrier in use.
type Type uint8

const (
	TypeP2P Type = iota + 1
	TypeRelay
	TypeLoopback
)

func (t Type) String() string {
	switch t {
	case TypeP2P:
		return "p2p"
	case TypeRelay:
		return "relay"
	case TypeLoopback:
		return "loopback"
	default:
		return fmt.Sprintf("transport(%d)", uint8(t))
	}
}

// Transport errors.
var (
	// ErrConnectionClosed reports that the connection to the peer is gone.
	ErrConnectionClosed = errors.New("transport: connection closed")

	// ErrTimeout reports that the operation did not complete in time.
	ErrTimeout = errors.New("transport: operation timed out")
)

// UnreachableError reports that a peer cannot be reached on this transport.
type UnreachableError struct {
	Peer PeerID
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("transport: peer %s is unreachable", e.Peer)
}

// IoError wraps an underlying I/O failure.
type IoError struct {
	Err error
}

func (e *IoError) Error() string { return fmt.Sprintf("transport: i/o error: %v", e.Err) }
func (e *IoError) Unwrap() error { return e.Err }

// Transport carries encrypted payloads between peers.
//
// Send success means the payload was handed to the carrier, not that it was
// delivered; delivery is confirmed by an application-level ack.
type Transport interface {
	// Send hands an encrypted payload to the carrier for the given peer.
	Send(ctx context.Context, peer PeerID, payload []byte) error

	// Recv blocks until the next payload arrives from any connected peer.
	Recv(ctx context.Context) (PeerID, []byte, error)

	// IsConnected reports whether this transport currently reaches the peer.
	IsConnected(peer PeerID) bool

	// Type returns the kind of this transport.
	Type() Type
}
