// Package relay implements the store-and-forward relay server: a WebSocket
// hub that registers peers by identifier, routes opaque ciphertext between
// them, and queues frames for offline recipients. The relay never parses
// payload bytes and never holds key material.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/termchat-project/termchat/internal/logger"
	"github.com/termchat-project/termchat/internal/metrics"
	"github.com/termchat-project/termchat/proto"
)

const (
	// DefaultMaxPayloadSize bounds a single routed payload.
	DefaultMaxPayloadSize = 1 << 20

	// DefaultMaxQueueSize bounds each offline peer's pending queue.
	DefaultMaxQueueSize = 100

	registerDeadline = 10 * time.Second
	writeTimeout     = 10 * time.Second
	readTimeout      = 90 * time.Second
	drainDeadline    = 5 * time.Second

	outboundQueueSize = 64
)

// ErrBind reports a failure to bind the listen address.
var ErrBind = errors.New("relay: bind failed")

// Config configures the relay server.
type Config struct {
	BindAddr       string
	MaxPayloadSize int
	MaxQueueSize   int
	Logger         logger.Logger
}

func (c Config) withDefaults() Config {
	if c.BindAddr == "" {
		c.BindAddr = "0.0.0.0:9000"
	}
	if c.MaxPayloadSize <= 0 {
		c.MaxPayloadSize = DefaultMaxPayloadSize
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = DefaultMaxQueueSize
	}
	if c.Logger == nil {
		c.Logger = logger.Nop()
	}
	return c
}

// peerConn is one registered WebSocket connection with its bounded
// outbound queue.
type peerConn struct {
	peerID string
	ws     *websocket.Conn

	outbound chan []byte
	done     chan struct{}
	stopOnce sync.Once
}

func (pc *peerConn) stop() {
	pc.stopOnce.Do(func() { close(pc.done) })
}

// Server is the relay hub.
type Server struct {
	cfg      Config
	log      logger.Logger
	upgrader websocket.Upgrader
	store    *MessageStore

	mu    sync.Mutex
	conns map[string]*peerConn

	listener net.Listener
	http     *http.Server
}

// New creates a relay server.
func New(cfg Config) *Server {
	cfg = cfg.withDefaults()
	return &Server{
		cfg: cfg,
		log: cfg.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		store: NewMessageStore(cfg.MaxQueueSize),
		conns: make(map[string]*peerConn),
	}
}

// ListenAndServe binds the configured address and serves until ctx is
// cancelled. A bind failure is reported as ErrBind so the binary can exit
// with the right code.
func (s *Server) ListenAndServe(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.BindAddr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBind, err)
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	s.http = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.log.Info("relay server listening", logger.String("addr", listener.Addr().String()))

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := s.http.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		s.shutdown()
		return nil
	})
	return group.Wait()
}

// Addr returns the bound address, useful with a ":0" bind in tests.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.BindAddr
	}
	return s.listener.Addr().String()
}

// shutdown refuses new connections, gives in-flight writes a bounded
// window, then closes every socket.
func (s *Server) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainDeadline)
	defer cancel()
	_ = s.http.Shutdown(shutdownCtx)

	s.mu.Lock()
	conns := make([]*peerConn, 0, len(s.conns))
	for _, pc := range s.conns {
		conns = append(conns, pc)
	}
	s.mu.Unlock()

	for _, pc := range conns {
		s.closeConn(pc, websocket.CloseNormalClosure, "server shutting down")
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", logger.Error(err))
		return
	}

	pc, ok := s.register(ws)
	if !ok {
		return
	}

	s.log.Info("peer registered", logger.String("peer", pc.peerID))
	metrics.ConnectedPeers.Inc()
	defer func() {
		s.unregister(pc)
		metrics.ConnectedPeers.Dec()
		s.log.Info("peer disconnected", logger.String("peer", pc.peerID))
	}()

	go s.writeLoop(pc)
	s.readLoop(pc)
}

// register expects a Register frame as the first message, takes over the
// peer ID (closing any prior holder), and drains the pending queue ahead
// of new arrivals.
func (s *Server) register(ws *websocket.Conn) (*peerConn, bool) {
	_ = ws.SetReadDeadline(time.Now().Add(registerDeadline))
	_, data, err := ws.ReadMessage()
	if err != nil {
		_ = ws.Close()
		return nil, false
	}

	frame, err := proto.DecodeRelayFrame(data)
	if err != nil {
		s.closeRaw(ws, websocket.ClosePolicyViolation, "malformed frame")
		return nil, false
	}
	reg, ok := frame.(*proto.Register)
	if !ok || reg.PeerID == "" {
		s.closeRaw(ws, websocket.ClosePolicyViolation, "register expected")
		return nil, false
	}

	pc := &peerConn{
		peerID:   reg.PeerID,
		ws:       ws,
		outbound: make(chan []byte, outboundQueueSize),
		done:     make(chan struct{}),
	}

	s.mu.Lock()
	if prior, exists := s.conns[reg.PeerID]; exists {
		// Exclusive registration: the newcomer wins, the prior socket goes.
		go s.closeConn(prior, websocket.ClosePolicyViolation, "superseded by new registration")
	}
	// Queue the backlog while still holding the lock, before the peer is
	// visible to the router, so drained frames precede anything the router
	// adds.
	for _, frame := range s.store.Drain(reg.PeerID) {
		deliver, err := proto.EncodeRelayFrame(&proto.Deliver{From: frame.From, Payload: frame.Payload})
		if err != nil {
			continue
		}
		select {
		case pc.outbound <- deliver:
		default:
			metrics.FramesDropped.WithLabelValues("outbound_full").Inc()
		}
	}
	s.conns[reg.PeerID] = pc
	s.mu.Unlock()

	return pc, true
}

func (s *Server) unregister(pc *peerConn) {
	s.mu.Lock()
	if current, ok := s.conns[pc.peerID]; ok && current == pc {
		delete(s.conns, pc.peerID)
	}
	s.mu.Unlock()
	pc.stop()
	_ = pc.ws.Close()
}

func (s *Server) readLoop(pc *peerConn) {
	for {
		_ = pc.ws.SetReadDeadline(time.Now().Add(readTimeout))
		_, data, err := pc.ws.ReadMessage()
		if err != nil {
			return
		}

		frame, err := proto.DecodeRelayFrame(data)
		if err != nil {
			// A client speaking garbage gets cut off.
			s.closeConn(pc, websocket.ClosePolicyViolation, "malformed frame")
			return
		}

		switch f := frame.(type) {
		case *proto.Route:
			if len(f.Payload) > s.cfg.MaxPayloadSize {
				s.closeConn(pc, websocket.ClosePolicyViolation, "payload too large")
				return
			}
			s.route(pc.peerID, f)
		case *proto.Heartbeat:
			ack, _ := proto.EncodeRelayFrame(&proto.HeartbeatAck{})
			s.enqueue(pc, ack)
		case *proto.Register:
			s.closeConn(pc, websocket.ClosePolicyViolation, "already registered")
			return
		default:
			// Deliver/HeartbeatAck are server->client only; ignore.
		}
	}
}

// route forwards a payload to its recipient or stores it for later. The
// sender identity on the Deliver frame is the registered peer ID of the
// originating socket, not whatever the frame claimed.
func (s *Server) route(from string, f *proto.Route) {
	metrics.PayloadBytes.Observe(float64(len(f.Payload)))

	deliver, err := proto.EncodeRelayFrame(&proto.Deliver{From: from, Payload: f.Payload})
	if err != nil {
		return
	}

	s.mu.Lock()
	target, connected := s.conns[f.To]
	if !connected {
		if s.store.Push(f.To, from, f.Payload) {
			metrics.FramesDropped.WithLabelValues("queue_full").Inc()
			s.log.Warn("offline queue full, dropped oldest",
				logger.String("peer", f.To))
		}
		metrics.FramesStored.Inc()
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	select {
	case target.outbound <- deliver:
		metrics.FramesRouted.Inc()
	default:
		// Slow consumer: dropping beats unbounded buffering.
		metrics.FramesDropped.WithLabelValues("outbound_full").Inc()
		s.log.Warn("outbound queue full, dropped frame",
			logger.String("peer", f.To))
	}
}

func (s *Server) enqueue(pc *peerConn, data []byte) {
	select {
	case pc.outbound <- data:
	default:
		metrics.FramesDropped.WithLabelValues("outbound_full").Inc()
	}
}

func (s *Server) writeLoop(pc *peerConn) {
	for {
		select {
		case data := <-pc.outbound:
			_ = pc.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := pc.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
				pc.stop()
				return
			}
		case <-pc.done:
			return
		}
	}
}

func (s *Server) closeConn(pc *peerConn, code int, reason string) {
	s.closeRaw(pc.ws, code, reason)
	pc.stop()
}

func (s *Server) closeRaw(ws *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(writeTimeout)
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = ws.Close()
}
