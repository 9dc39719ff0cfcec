// Package reconnect wraps a transport with automatic reconnection:
// exponential backoff, a bounded pending queue while disconnected, and a
// FIFO drain once the link is back.
package reconnect

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/termchat-project/termchat/internal/logger"
	"github.com/termchat-project/termchat/transport"
)

// DialFunc establishes a fresh transport, typically a relay client.
type DialFunc func(ctx context.Context) (transport.Transport, error)

// Config tunes the supervisor.
type Config struct {
	// InitialBackoff is the first reconnect delay (default 500ms).
	InitialBackoff time.Duration

	// MaxBackoff caps the delay (default 30s).
	MaxBackoff time.Duration

	// QueueSize bounds the pending queue while disconnected (default 32).
	// Overflow drops the oldest entry and emits QueueOverflow.
	QueueSize int

	// EventBuffer sizes the event channel (default 16).
	EventBuffer int

	Logger logger.Logger
}

func (c Config) withDefaults() Config {
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 32
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 16
	}
	if c.Logger == nil {
		c.Logger = logger.Nop()
	}
	return c
}

// Event reports supervisor state changes.
type Event interface {
	reconnectEvent()
}

// Connected reports a successful (re)connection.
type Connected struct {
	Attempts int
}

// Disconnected reports a lost link.
type Disconnected struct {
	Err error
}

// BackingOff reports a scheduled reconnect delay.
type BackingOff struct {
	Delay time.Duration
}

// QueueOverflow reports a pending entry dropped to make room.
type QueueOverflow struct {
	Peer transport.PeerID
}

func (Connected) reconnectEvent()     {}
func (Disconnected) reconnectEvent()  {}
func (BackingOff) reconnectEvent()    {}
func (QueueOverflow) reconnectEvent() {}

type pendingSend struct {
	peer    transport.PeerID
	payload []byte
}

type incoming struct {
	from    transport.PeerID
	payload []byte
}

// Supervisor keeps a dialed transport alive. It satisfies the Transport
// interface itself: sends enqueue while the link is down and drain in FIFO
// order once it returns.
type Supervisor struct {
	dial DialFunc
	cfg  Config
	log  logger.Logger

	events chan Event
	recvCh chan incoming

	mu      sync.Mutex
	current transport.Transport
	pending []pendingSend
	// notify wakes the drain loop when pending goes non-empty.
	notify chan struct{}
}

// New creates a supervisor; Run must be started for it to connect.
func New(dial DialFunc, cfg Config) (*Supervisor, <-chan Event) {
	cfg = cfg.withDefaults()
	s := &Supervisor{
		dial:   dial,
		cfg:    cfg,
		log:    cfg.Logger,
		events: make(chan Event, cfg.EventBuffer),
		recvCh: make(chan incoming, 64),
		notify: make(chan struct{}, 1),
	}
	return s, s.events
}

// Run drives the connect/drain/pump cycle until ctx is cancelled. A
// cancellation during backoff aborts the delay immediately.
func (s *Supervisor) Run(ctx context.Context) error {
	backoff := s.cfg.InitialBackoff
	attempts := 0

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		attempts++
		tr, err := s.dial(ctx)
		if err != nil {
			s.emit(BackingOff{Delay: backoff})
			s.log.Info("relay connect failed, backing off",
				logger.Duration("delay", backoff),
				logger.Error(err))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
			if backoff > s.cfg.MaxBackoff {
				backoff = s.cfg.MaxBackoff
			}
			continue
		}

		// Successful connect resets the backoff schedule.
		backoff = s.cfg.InitialBackoff
		s.setCurrent(tr)
		s.emit(Connected{Attempts: attempts})
		attempts = 0

		pumpErr := s.serve(ctx, tr)

		s.setCurrent(nil)
		s.closeTransport(tr)
		s.emit(Disconnected{Err: pumpErr})

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// serve drains the pending queue and pumps receives until the link dies.
func (s *Supervisor) serve(ctx context.Context, tr transport.Transport) error {
	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	drainErr := make(chan error, 1)
	go func() { drainErr <- s.drainLoop(serveCtx, tr) }()

	var err error
	for {
		from, payload, recvErr := tr.Recv(serveCtx)
		if recvErr != nil {
			err = recvErr
			break
		}
		select {
		case s.recvCh <- incoming{from: from, payload: payload}:
		case <-serveCtx.Done():
			err = serveCtx.Err()
			goto done
		}
	}

done:
	cancel()
	<-drainErr
	return err
}

// drainLoop forwards queued sends in FIFO order, then keeps forwarding new
// ones as they arrive.
func (s *Supervisor) drainLoop(ctx context.Context, tr transport.Transport) error {
	for {
		entry, ok := s.pop()
		if !ok {
			select {
			case <-s.notify:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := tr.Send(ctx, entry.peer, entry.payload); err != nil {
			// Put the entry back at the front; it drains after reconnect.
			s.pushFront(entry)
			return err
		}
	}
}

// Send enqueues the payload. With a live link the drain loop forwards it
// immediately; otherwise it waits for the next reconnect.
func (s *Supervisor) Send(ctx context.Context, peer transport.PeerID, payload []byte) error {
	buf := make([]byte, len(payload))
	copy(buf, payload)

	s.mu.Lock()
	if len(s.pending) >= s.cfg.QueueSize {
		dropped := s.pending[0]
		s.pending = s.pending[1:]
		s.mu.Unlock()
		s.emit(QueueOverflow{Peer: dropped.peer})
		s.log.Warn("pending queue full, dropped oldest send",
			logger.String("peer", dropped.peer.String()))
		s.mu.Lock()
	}
	s.pending = append(s.pending, pendingSend{peer: peer, payload: buf})
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return nil
}

// Recv returns the next payload received on the supervised link.
func (s *Supervisor) Recv(ctx context.Context) (transport.PeerID, []byte, error) {
	select {
	case in := <-s.recvCh:
		return in.from, in.payload, nil
	case <-ctx.Done():
		return "", nil, transport.ErrTimeout
	}
}

// IsConnected reports whether the supervised link is currently up.
func (s *Supervisor) IsConnected(peer transport.PeerID) bool {
	s.mu.Lock()
	tr := s.current
	s.mu.Unlock()
	return tr != nil && tr.IsConnected(peer)
}

// Type reports the supervised carrier kind.
func (s *Supervisor) Type() transport.Type { return transport.TypeRelay }

// PendingLen reports the number of queued sends.
func (s *Supervisor) PendingLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Supervisor) pop() (pendingSend, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return pendingSend{}, false
	}
	entry := s.pending[0]
	s.pending = s.pending[1:]
	return entry, true
}

func (s *Supervisor) pushFront(entry pendingSend) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append([]pendingSend{entry}, s.pending...)
}

func (s *Supervisor) setCurrent(tr transport.Transport) {
	s.mu.Lock()
	s.current = tr
	s.mu.Unlock()
}

func (s *Supervisor) closeTransport(tr transport.Transport) {
	if closer, ok := tr.(io.Closer); ok {
		_ = closer.Close()
	}
}

func (s *Supervisor) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
	}
}
