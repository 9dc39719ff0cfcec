package session

// Stub is an identity-transform Session for tests. It satisfies the same
// capability as Noise so higher layers need no branching.
type Stub struct {
	ready bool
}

// NewStub returns a stub session, ready or not.
func NewStub(ready bool) *Stub {
	return &Stub{ready: ready}
}

// SetReady flips the transport-ready flag.
func (s *Stub) SetReady(ready bool) { s.ready = ready }

// WriteMessage returns a copy of the plaintext.
func (s *Stub) WriteMessage(plaintext []byte) ([]byte, error) {
	if !s.ready {
		return nil, ErrNotReady
	}
	return append([]byte(nil), plaintext...), nil
}

// ReadMessage returns a copy of the ciphertext.
func (s *Stub) ReadMessage(ciphertext []byte) ([]byte, error) {
	if !s.ready {
		return nil, ErrNotReady
	}
	return append([]byte(nil), ciphertext...), nil
}

// IsTransportReady reports the configured flag.
func (s *Stub) IsTransportReady() bool { return s.ready }

// HandshakeStep marks the stub ready on the first call.
func (s *Stub) HandshakeStep(input []byte) ([]byte, error) {
	s.ready = true
	return nil, nil
}
