// Package session implements the end-to-end crypto capability: a
// three-message mutually authenticating handshake (Noise-XX pattern over
// X25519) followed by a symmetric AEAD transport phase with per-direction
// monotonic nonces and forward-secure key chaining.
package session

import "errors"

// Crypto errors.
var (
	// ErrNotReady reports that the handshake has not completed yet.
	ErrNotReady = errors.New("session: handshake not complete")

	// ErrHandshakeFailed reports a fatal handshake failure. The session is
	// unusable; recovery requires a fresh session and a new handshake.
	ErrHandshakeFailed = errors.New("session: handshake failed")

	// ErrDecryptFailed reports an AEAD authentication failure.
	ErrDecryptFailed = errors.New("session: decrypt failed")

	// ErrNonceExhausted reports that a direction ran out of nonces. The
	// session must be re-established.
	ErrNonceExhausted = errors.New("session: nonce space exhausted")
)

// Session is the crypto capability consumed by the chat manager. Higher
// layers stay monomorphic: the real Noise session and the test stub both
// satisfy it.
type Session interface {
	// WriteMessage encrypts plaintext for the peer. Fails with ErrNotReady
	// before the handshake completes.
	WriteMessage(plaintext []byte) ([]byte, error)

	// ReadMessage decrypts a ciphertext from the peer.
	ReadMessage(ciphertext []byte) ([]byte, error)

	// IsTransportReady reports whether the handshake has completed and the
	// session can carry traffic.
	IsTransportReady() bool

	// HandshakeStep advances the handshake state machine with the peer's
	// input (nil for the initiator's first step) and returns the bytes to
	// send, if any. Out-of-order input fails the session permanently.
	HandshakeStep(input []byte) ([]byte, error)
}
