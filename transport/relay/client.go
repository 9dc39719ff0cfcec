// Package relay implements the Transport interface over a WebSocket
// connection to a TermChat relay server. Payloads are wrapped in Route
// frames on the way out and unwrapped from Deliver frames on the way in;
// the relay only ever sees ciphertext.
package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/termchat-project/termchat/proto"
	"github.com/termchat-project/termchat/transport"
)

const (
	defaultDialTimeout  = 10 * time.Second
	defaultWriteTimeout = 10 * time.Second

	// heartbeatInterval is how often the client probes the relay;
	// heartbeatDeadline is how stale the last ack may get before the
	// connection is declared dead.
	heartbeatInterval = 30 * time.Second
	heartbeatDeadline = 60 * time.Second
)

type incoming struct {
	from    transport.PeerID
	payload []byte
}

// Client is a relay-backed Transport.
type Client struct {
	url  string
	self transport.PeerID

	conn    *websocket.Conn
	writeMu sync.Mutex

	recvCh chan incoming

	mu        sync.Mutex
	connected bool
	lastAck   time.Time
	closeErr  error

	done     chan struct{}
	stopOnce sync.Once
}

// Dial connects to the relay at url, registers self, and starts the read
// and heartbeat loops.
func Dial(ctx context.Context, url string, self transport.PeerID) (*Client, error) {
	dialer := &websocket.Dialer{HandshakeTimeout: defaultDialTimeout}
	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, &transport.IoError{Err: fmt.Errorf("relay dial failed (HTTP %d): %w", resp.StatusCode, err)}
		}
		return nil, &transport.IoError{Err: fmt.Errorf("relay dial failed: %w", err)}
	}

	c := &Client{
		url:       url,
		self:      self,
		conn:      conn,
		recvCh:    make(chan incoming, 64),
		connected: true,
		lastAck:   time.Now(),
		done:      make(chan struct{}),
	}

	if err := c.writeFrame(&proto.Register{PeerID: string(self)}); err != nil {
		_ = conn.Close()
		return nil, err
	}

	go c.readLoop()
	go c.heartbeatLoop()

	return c, nil
}

// Send wraps the payload in a Route frame for the given peer.
func (c *Client) Send(ctx context.Context, peer transport.PeerID, payload []byte) error {
	if !c.IsConnected(peer) {
		return transport.ErrConnectionClosed
	}
	return c.writeFrame(&proto.Route{To: string(peer), From: string(c.self), Payload: payload})
}

// Recv returns the next payload delivered through the relay.
func (c *Client) Recv(ctx context.Context) (transport.PeerID, []byte, error) {
	select {
	case in, ok := <-c.recvCh:
		if !ok {
			return "", nil, c.closeReason()
		}
		return in.from, in.payload, nil
	case <-c.done:
		return "", nil, c.closeReason()
	case <-ctx.Done():
		return "", nil, transport.ErrTimeout
	}
}

// IsConnected reports whether the relay link is up. The relay reaches any
// registered peer, so the answer does not depend on the peer argument.
func (c *Client) IsConnected(peer transport.PeerID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Type returns TypeRelay.
func (c *Client) Type() transport.Type { return transport.TypeRelay }

// Close tears down the connection with a normal close frame.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteMessage(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
	)
	c.writeMu.Unlock()
	c.shutdown(transport.ErrConnectionClosed)
	return c.conn.Close()
}

func (c *Client) writeFrame(frame proto.RelayFrame) error {
	data, err := proto.EncodeRelayFrame(frame)
	if err != nil {
		return &transport.IoError{Err: err}
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout)); err != nil {
		return &transport.IoError{Err: err}
	}
	if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		c.shutdown(transport.ErrConnectionClosed)
		return transport.ErrConnectionClosed
	}
	return nil
}

func (c *Client) readLoop() {
	defer c.shutdown(transport.ErrConnectionClosed)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		frame, err := proto.DecodeRelayFrame(data)
		if err != nil {
			// A relay speaking a different dialect is a fatal condition.
			return
		}

		switch f := frame.(type) {
		case *proto.Deliver:
			select {
			case c.recvCh <- incoming{from: transport.PeerID(f.From), payload: f.Payload}:
			case <-c.done:
				return
			}
		case *proto.HeartbeatAck:
			c.mu.Lock()
			c.lastAck = time.Now()
			c.mu.Unlock()
		default:
			// Register/Route are client->server only; ignore.
		}
	}
}

func (c *Client) heartbeatLoop() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			stale := time.Since(c.lastAck) > heartbeatDeadline
			c.mu.Unlock()
			if stale {
				c.shutdown(transport.ErrConnectionClosed)
				_ = c.conn.Close()
				return
			}
			if err := c.writeFrame(&proto.Heartbeat{}); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Client) shutdown(reason error) {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		c.connected = false
		c.closeErr = reason
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *Client) closeReason() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeErr != nil {
		return c.closeErr
	}
	return transport.ErrConnectionClosed
}
