package session

import (
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// protocolLabel seeds the handshake hash chain. Both peers must use the
// identical label or the handshake tags will not verify.
const protocolLabel = "termchat/noise-xx/chacha20poly1305/v1"

const (
	keySize = 32
	tagSize = 16

	// msg1: e
	msg1Size = keySize
	// msg2: e, enc(s), tag over empty payload
	msg2Size = keySize + keySize + tagSize + tagSize
	// msg3: enc(s), tag over empty payload
	msg3Size = keySize + tagSize + tagSize
)

// handshakeState tracks the XX message sequence.
//
//	initiator: start -> awaitResponse -> transport
//	responder: awaitInitiate -> awaitFinal -> transport
type handshakeState uint8

const (
	stateStart handshakeState = iota
	stateAwaitInitiate
	stateAwaitResponse
	stateAwaitFinal
	stateTransport
	stateFailed
)

// GenerateStaticKey creates a long-term X25519 identity key.
func GenerateStaticKey() (*ecdh.PrivateKey, error) {
	return ecdh.X25519().GenerateKey(rand.Reader)
}

// Noise is a concrete Session: Noise-XX handshake, then a ratcheting
// ChaCha20-Poly1305 transport phase.
type Noise struct {
	initiator bool
	state     handshakeState

	static       *ecdh.PrivateKey
	ephemeral    *ecdh.PrivateKey
	remoteStatic *ecdh.PublicKey

	// Handshake symmetric state. pendingKey is the key produced by the
	// most recent mixKey; hsNonce counts AEAD operations under it.
	chainingKey []byte
	hash        []byte
	pendingKey  []byte
	hsNonce     uint64

	send *cipherState
	recv *cipherState
}

// NewInitiator creates the initiating side of a session with the given
// static identity key.
func NewInitiator(static *ecdh.PrivateKey) *Noise {
	n := &Noise{initiator: true, state: stateStart, static: static}
	n.initSymmetric()
	return n
}

// NewResponder creates the responding side of a session.
func NewResponder(static *ecdh.PrivateKey) *Noise {
	n := &Noise{initiator: false, state: stateAwaitInitiate, static: static}
	n.initSymmetric()
	return n
}

// RemoteStaticKey returns the peer's authenticated static public key, or
// nil before the handshake learns it. Callers bind it to the expected
// PeerID fingerprint.
func (n *Noise) RemoteStaticKey() []byte {
	if n.remoteStatic == nil {
		return nil
	}
	return n.remoteStatic.Bytes()
}

// IsTransportReady implements Session.
func (n *Noise) IsTransportReady() bool {
	return n.state == stateTransport
}

// HandshakeStep implements Session.
func (n *Noise) HandshakeStep(input []byte) ([]byte, error) {
	switch n.state {
	case stateStart:
		if input != nil {
			return nil, n.fail()
		}
		return n.writeMessage1()
	case stateAwaitInitiate:
		return n.readMessage1(input)
	case stateAwaitResponse:
		return n.readMessage2(input)
	case stateAwaitFinal:
		return nil, n.readMessage3(input)
	case stateTransport:
		return nil, n.fail()
	default:
		return nil, ErrHandshakeFailed
	}
}

// WriteMessage implements Session.
func (n *Noise) WriteMessage(plaintext []byte) ([]byte, error) {
	if n.state != stateTransport {
		return nil, ErrNotReady
	}
	return n.send.encrypt(plaintext)
}

// ReadMessage implements Session.
func (n *Noise) ReadMessage(ciphertext []byte) ([]byte, error) {
	if n.state != stateTransport {
		return nil, ErrNotReady
	}
	return n.recv.decrypt(ciphertext)
}

// ---- handshake messages -------------------------------------------------

// writeMessage1: -> e
func (n *Noise) writeMessage1() ([]byte, error) {
	var err error
	n.ephemeral, err = ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, n.fail()
	}
	eph := n.ephemeral.PublicKey().Bytes()
	n.mixHash(eph)

	n.state = stateAwaitResponse
	return eph, nil
}

// readMessage1 consumes e and produces message 2: <- e, ee, s, es
func (n *Noise) readMessage1(input []byte) ([]byte, error) {
	if len(input) != msg1Size {
		return nil, n.fail()
	}
	remoteEph, err := ecdh.X25519().NewPublicKey(input)
	if err != nil {
		return nil, n.fail()
	}
	n.mixHash(input)

	n.ephemeral, err = ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, n.fail()
	}
	eph := n.ephemeral.PublicKey().Bytes()
	n.mixHash(eph)

	// ee
	ee, err := n.ephemeral.ECDH(remoteEph)
	if err != nil {
		return nil, n.fail()
	}
	k := n.mixKey(ee)

	// s (encrypted under the ee-derived key)
	encStatic, err := n.sealHandshake(k, n.static.PublicKey().Bytes())
	if err != nil {
		return nil, n.fail()
	}

	// es
	es, err := n.static.ECDH(remoteEph)
	if err != nil {
		return nil, n.fail()
	}
	k = n.mixKey(es)

	tag, err := n.sealHandshake(k, nil)
	if err != nil {
		return nil, n.fail()
	}

	out := make([]byte, 0, msg2Size)
	out = append(out, eph...)
	out = append(out, encStatic...)
	out = append(out, tag...)

	n.state = stateAwaitFinal
	return out, nil
}

// readMessage2 consumes e, ee, s, es and produces message 3: -> s, se
func (n *Noise) readMessage2(input []byte) ([]byte, error) {
	if len(input) != msg2Size {
		return nil, n.fail()
	}
	remoteEph, err := ecdh.X25519().NewPublicKey(input[:keySize])
	if err != nil {
		return nil, n.fail()
	}
	n.mixHash(input[:keySize])

	// ee
	ee, err := n.ephemeral.ECDH(remoteEph)
	if err != nil {
		return nil, n.fail()
	}
	k := n.mixKey(ee)

	// s
	staticBytes, err := n.openHandshake(k, input[keySize:keySize+keySize+tagSize])
	if err != nil {
		return nil, n.fail()
	}
	n.remoteStatic, err = ecdh.X25519().NewPublicKey(staticBytes)
	if err != nil {
		return nil, n.fail()
	}

	// es (initiator side: our ephemeral with their static)
	es, err := n.ephemeral.ECDH(n.remoteStatic)
	if err != nil {
		return nil, n.fail()
	}
	k = n.mixKey(es)

	if _, err := n.openHandshake(k, input[keySize+keySize+tagSize:]); err != nil {
		return nil, n.fail()
	}

	// Message 3: s encrypted, then se.
	encStatic, err := n.sealHandshake(k, n.static.PublicKey().Bytes())
	if err != nil {
		return nil, n.fail()
	}

	se, err := n.static.ECDH(remoteEph)
	if err != nil {
		return nil, n.fail()
	}
	k = n.mixKey(se)

	tag, err := n.sealHandshake(k, nil)
	if err != nil {
		return nil, n.fail()
	}

	out := make([]byte, 0, msg3Size)
	out = append(out, encStatic...)
	out = append(out, tag...)

	n.split()
	n.state = stateTransport
	return out, nil
}

// readMessage3 consumes s, se and completes the responder side.
func (n *Noise) readMessage3(input []byte) error {
	if len(input) != msg3Size {
		return n.fail()
	}

	// The initiator encrypted s under the es key, the responder's most
	// recent mixKey output; the shared op counter keeps nonces aligned.
	staticBytes, err := n.openHandshake(n.pendingKey, input[:keySize+tagSize])
	if err != nil {
		return n.fail()
	}
	remoteStatic, err := ecdh.X25519().NewPublicKey(staticBytes)
	if err != nil {
		return n.fail()
	}
	n.remoteStatic = remoteStatic

	// se (responder side: our ephemeral with their static)
	se, err := n.ephemeral.ECDH(remoteStatic)
	if err != nil {
		return n.fail()
	}
	k := n.mixKey(se)

	if _, err := n.openHandshake(k, input[keySize+tagSize:]); err != nil {
		return n.fail()
	}

	n.split()
	n.state = stateTransport
	return nil
}

// ---- symmetric state ----------------------------------------------------

func (n *Noise) initSymmetric() {
	sum := sha256.Sum256([]byte(protocolLabel))
	n.chainingKey = sum[:]
	n.hash = append([]byte(nil), sum[:]...)
}

func (n *Noise) mixHash(data []byte) {
	h := sha256.New()
	h.Write(n.hash)
	h.Write(data)
	n.hash = h.Sum(nil)
}

// mixKey folds DH output into the chaining key and returns a fresh
// handshake encryption key via HKDF-SHA256.
func (n *Noise) mixKey(ikm []byte) []byte {
	out := make([]byte, 2*keySize)
	kdf := hkdf.New(sha256.New, ikm, n.chainingKey, []byte("handshake"))
	if _, err := io.ReadFull(kdf, out); err != nil {
		// SHA256-HKDF cannot fail to produce 64 bytes.
		panic("session: hkdf failure: " + err.Error())
	}
	n.chainingKey = out[:keySize]
	key := out[keySize:]
	n.pendingKey = key
	n.hsNonce = 0
	return key
}

func (n *Noise) handshakeNonce() []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	for i := 0; i < 8; i++ {
		nonce[4+i] = byte(n.hsNonce >> (8 * i))
	}
	return nonce
}

func (n *Noise) sealHandshake(key, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	out := aead.Seal(nil, n.handshakeNonce(), plaintext, n.hash)
	n.hsNonce++
	n.mixHash(out)
	return out, nil
}

func (n *Noise) openHandshake(key, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, n.handshakeNonce(), ciphertext, n.hash)
	if err != nil {
		return nil, err
	}
	n.hsNonce++
	n.mixHash(ciphertext)
	return plaintext, nil
}

// split derives the two directional transport keys from the final chain.
func (n *Noise) split() {
	out := make([]byte, 2*keySize)
	kdf := hkdf.New(sha256.New, nil, n.chainingKey, []byte("transport"))
	if _, err := io.ReadFull(kdf, out); err != nil {
		panic("session: hkdf failure: " + err.Error())
	}
	k1, k2 := out[:keySize], out[keySize:]
	if n.initiator {
		n.send = newCipherState(k1)
		n.recv = newCipherState(k2)
	} else {
		n.send = newCipherState(k2)
		n.recv = newCipherState(k1)
	}

	// Handshake secrets are no longer needed.
	zero(n.chainingKey)
	n.pendingKey = nil
	n.ephemeral = nil
}

// fail poisons the session; every later operation returns ErrHandshakeFailed.
func (n *Noise) fail() error {
	n.state = stateFailed
	zero(n.chainingKey)
	n.pendingKey = nil
	return ErrHandshakeFailed
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// ---- transport phase ----------------------------------------------------

// cipherState protects one direction. The nonce is a monotonic counter, and
// the key is ratcheted forward after every message so a captured key cannot
// decrypt earlier traffic.
type cipherState struct {
	key     []byte
	aead    cipher.AEAD
	counter uint64
}

func newCipherState(key []byte) *cipherState {
	cs := &cipherState{key: append([]byte(nil), key...)}
	cs.rebuild()
	return cs
}

func (cs *cipherState) rebuild() {
	aead, err := chacha20poly1305.New(cs.key)
	if err != nil {
		panic("session: invalid cipher key: " + err.Error())
	}
	cs.aead = aead
}

func (cs *cipherState) nonce() []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	for i := 0; i < 8; i++ {
		nonce[4+i] = byte(cs.counter >> (8 * i))
	}
	return nonce
}

func (cs *cipherState) encrypt(plaintext []byte) ([]byte, error) {
	if cs.counter == ^uint64(0) {
		return nil, ErrNonceExhausted
	}
	out := cs.aead.Seal(nil, cs.nonce(), plaintext, nil)
	cs.advance()
	return out, nil
}

func (cs *cipherState) decrypt(ciphertext []byte) ([]byte, error) {
	if cs.counter == ^uint64(0) {
		return nil, ErrNonceExhausted
	}
	plaintext, err := cs.aead.Open(nil, cs.nonce(), ciphertext, nil)
	if err != nil {
		// The ratchet does not advance: a poisoned envelope must not
		// desynchronize the direction.
		return nil, ErrDecryptFailed
	}
	cs.advance()
	return plaintext, nil
}

// advance increments the nonce and ratchets the key chain forward.
func (cs *cipherState) advance() {
	cs.counter++
	next := make([]byte, keySize)
	kdf := hkdf.New(sha256.New, cs.key, nil, []byte("ratchet"))
	if _, err := io.ReadFull(kdf, next); err != nil {
		panic("session: hkdf failure: " + err.Error())
	}
	zero(cs.key)
	cs.key = next
	cs.rebuild()
}
