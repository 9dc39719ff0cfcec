// Package quic implements the direct peer-to-peer Transport over QUIC.
//
// Each peer pair shares one QUIC connection carrying a single bidirectional
// stream with length-prefixed frames. The first frame on a stream announces
// the sender's peer ID; everything after is opaque ciphertext. Receives
// from all streams multiplex into one queue.
package quic

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/termchat-project/termchat/transport"
)

const (
	// alpnProtocol isolates termchat traffic from other QUIC endpoints.
	alpnProtocol = "termchat"

	// maxFrameSize bounds a single length-prefixed frame.
	maxFrameSize = 1 << 24

	dialTimeout = 5 * time.Second
)

// Config configures a QUIC transport.
type Config struct {
	// AddrBook maps peer IDs to dialable addresses. Peers not listed are
	// unreachable until they dial us.
	AddrBook map[transport.PeerID]string

	// ListenAddr, when non-empty, accepts inbound peer connections.
	ListenAddr string

	// TLS overrides the default self-signed configuration.
	TLS *tls.Config
}

type incoming struct {
	from    transport.PeerID
	payload []byte
}

// peerLink is one live bidirectional stream to a peer.
type peerLink struct {
	conn    *quic.Conn
	stream  *quic.Stream
	writeMu sync.Mutex
}

// Transport is a QUIC-backed Transport.
type Transport struct {
	self transport.PeerID
	cfg  Config

	listener *quic.Listener

	mu    sync.Mutex
	links map[transport.PeerID]*peerLink

	recvCh chan incoming

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a QUIC transport for self. With a ListenAddr it also accepts
// inbound connections.
func New(self transport.PeerID, cfg Config) (*Transport, error) {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		self:   self,
		cfg:    cfg,
		links:  make(map[transport.PeerID]*peerLink),
		recvCh: make(chan incoming, 64),
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.ListenAddr != "" {
		tlsConf := cfg.TLS
		if tlsConf == nil {
			var err error
			tlsConf, err = selfSignedTLS()
			if err != nil {
				cancel()
				return nil, &transport.IoError{Err: err}
			}
		}
		listener, err := quic.ListenAddr(cfg.ListenAddr, tlsConf, nil)
		if err != nil {
			cancel()
			return nil, &transport.IoError{Err: fmt.Errorf("quic listen: %w", err)}
		}
		t.listener = listener
		go t.acceptLoop()
	}

	return t, nil
}

// Send delivers payload on the peer's stream, dialing if necessary.
func (t *Transport) Send(ctx context.Context, peer transport.PeerID, payload []byte) error {
	link, err := t.linkFor(ctx, peer)
	if err != nil {
		return err
	}

	link.writeMu.Lock()
	defer link.writeMu.Unlock()
	if err := writeFrame(link.stream, payload); err != nil {
		t.dropLink(peer)
		return transport.ErrConnectionClosed
	}
	return nil
}

// Recv returns the next payload from any connected peer.
func (t *Transport) Recv(ctx context.Context) (transport.PeerID, []byte, error) {
	select {
	case in := <-t.recvCh:
		return in.from, in.payload, nil
	case <-t.ctx.Done():
		return "", nil, transport.ErrConnectionClosed
	case <-ctx.Done():
		return "", nil, transport.ErrTimeout
	}
}

// IsConnected reports whether a live link to peer exists.
func (t *Transport) IsConnected(peer transport.PeerID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.links[peer]
	return ok
}

// Type returns TypeP2P.
func (t *Transport) Type() transport.Type { return transport.TypeP2P }

// Close tears down the listener and every link.
func (t *Transport) Close() error {
	t.cancel()
	if t.listener != nil {
		_ = t.listener.Close()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for peer, link := range t.links {
		_ = link.conn.CloseWithError(0, "shutdown")
		delete(t.links, peer)
	}
	return nil
}

func (t *Transport) linkFor(ctx context.Context, peer transport.PeerID) (*peerLink, error) {
	t.mu.Lock()
	if link, ok := t.links[peer]; ok {
		t.mu.Unlock()
		return link, nil
	}
	addr, ok := t.cfg.AddrBook[peer]
	t.mu.Unlock()
	if !ok {
		return nil, &transport.UnreachableError{Peer: peer}
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	tlsConf := &tls.Config{
		InsecureSkipVerify: true, // peer authentication happens in the Noise layer
		NextProtos:         []string{alpnProtocol},
	}
	conn, err := quic.DialAddr(dialCtx, addr, tlsConf, nil)
	if err != nil {
		return nil, &transport.UnreachableError{Peer: peer}
	}
	stream, err := conn.OpenStreamSync(dialCtx)
	if err != nil {
		_ = conn.CloseWithError(0, "no stream")
		return nil, &transport.UnreachableError{Peer: peer}
	}

	link := &peerLink{conn: conn, stream: stream}

	// First frame announces who we are.
	link.writeMu.Lock()
	err = writeFrame(stream, []byte(t.self))
	link.writeMu.Unlock()
	if err != nil {
		_ = conn.CloseWithError(0, "hello failed")
		return nil, &transport.UnreachableError{Peer: peer}
	}

	t.mu.Lock()
	if existing, ok := t.links[peer]; ok {
		// Lost the dial race; keep the established link.
		t.mu.Unlock()
		_ = conn.CloseWithError(0, "duplicate")
		return existing, nil
	}
	t.links[peer] = link
	t.mu.Unlock()

	go t.readLoop(peer, link)
	return link, nil
}

func (t *Transport) acceptLoop() {
	for {
		conn, err := t.listener.Accept(t.ctx)
		if err != nil {
			return
		}
		go t.handleInbound(conn)
	}
}

func (t *Transport) handleInbound(conn *quic.Conn) {
	stream, err := conn.AcceptStream(t.ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "no stream")
		return
	}

	hello, err := readFrame(stream)
	if err != nil || len(hello) == 0 {
		_ = conn.CloseWithError(0, "bad hello")
		return
	}
	peer := transport.PeerID(hello)

	link := &peerLink{conn: conn, stream: stream}
	t.mu.Lock()
	if existing, ok := t.links[peer]; ok {
		_ = existing.conn.CloseWithError(0, "replaced")
	}
	t.links[peer] = link
	t.mu.Unlock()

	t.readLoop(peer, link)
}

func (t *Transport) readLoop(peer transport.PeerID, link *peerLink) {
	defer t.dropLink(peer)

	for {
		payload, err := readFrame(link.stream)
		if err != nil {
			return
		}
		select {
		case t.recvCh <- incoming{from: peer, payload: payload}:
		case <-t.ctx.Done():
			return
		}
	}
}

func (t *Transport) dropLink(peer transport.PeerID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if link, ok := t.links[peer]; ok {
		_ = link.conn.CloseWithError(0, "closed")
		delete(t.links, peer)
	}
}

// ---- framing ------------------------------------------------------------

func writeFrame(w io.Writer, payload []byte) error {
	if len(payload) > maxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", len(payload))
	}
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(payload)))
	if _, err := w.Write(length[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var length [4]byte
	if _, err := io.ReadFull(r, length[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(length[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("frame too large: %d bytes", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// selfSignedTLS builds a throwaway certificate for the listener. Transport
// TLS is only an envelope here; peers authenticate each other with Noise
// static keys.
func selfSignedTLS() (*tls.Config, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpnProtocol},
	}, nil
}
