package agent

import (
	"bufio"
	"context"
	"net"
	"sync"
	"time"

	"github.com/termchat-project/termchat/internal/logger"
)

// Handler receives agent requests from the bridge.
type Handler interface {
	// JoinRoom is called when the agent asks to join a room.
	JoinRoom(agentID, roomID string) error

	// Send is called when the agent posts text into a room.
	Send(agentID, roomID, body string) error

	// Bye is called when the agent says goodbye or disconnects.
	Bye(agentID string)
}

// Bridge listens on a local socket and relays between one agent and the
// room layer. One agent at a time: a second connection is refused with
// ErrAlreadyConnected.
type Bridge struct {
	path    string
	handler Handler
	log     logger.Logger

	ln net.Listener

	mu      sync.Mutex
	conn    net.Conn
	agentID string
}

// NewBridge creates a bridge listening at the given socket path once
// Serve runs.
func NewBridge(path string, handler Handler, log logger.Logger) *Bridge {
	if log == nil {
		log = logger.Nop()
	}
	return &Bridge{path: path, handler: handler, log: log}
}

// Serve accepts agent connections until ctx is cancelled.
func (b *Bridge) Serve(ctx context.Context) error {
	ln, err := net.Listen("unix", b.path)
	if err != nil {
		return err
	}
	b.ln = ln

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		go b.handleConn(ctx, conn)
	}
}

// SendRoomEvent pushes a room event line to the connected agent, if any.
func (b *Bridge) SendRoomEvent(roomID, peerID, body string, timestamp time.Time) error {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return ErrConnectionClosed
	}

	line, err := EncodeLine(Message{
		Kind:      KindRoomEvent,
		RoomID:    roomID,
		PeerID:    peerID,
		Body:      body,
		Timestamp: timestamp.UnixMilli(),
	})
	if err != nil {
		return err
	}
	if _, err := conn.Write(line); err != nil {
		return ErrConnectionClosed
	}
	return nil
}

// ConnectedAgent returns the active agent's ID, or "".
func (b *Bridge) ConnectedAgent() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.agentID
}

func (b *Bridge) handleConn(ctx context.Context, conn net.Conn) {
	defer func() { _ = conn.Close() }()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)

	// The first line must be a valid hello.
	if !scanner.Scan() {
		return
	}
	hello, err := DecodeLine(scanner.Bytes())
	if err != nil {
		b.reject(conn, err)
		return
	}
	if err := ValidateHello(hello); err != nil {
		b.reject(conn, err)
		return
	}

	b.mu.Lock()
	if b.conn != nil {
		b.mu.Unlock()
		b.reject(conn, ErrAlreadyConnected)
		return
	}
	b.conn = conn
	b.agentID = hello.AgentID
	b.mu.Unlock()

	b.log.Info("agent connected", logger.String("agent_id", hello.AgentID))

	// Acknowledge with our own hello.
	if ack, err := EncodeLine(Message{Kind: KindHello, Version: ProtocolVersion}); err == nil {
		_, _ = conn.Write(ack)
	}

	defer func() {
		b.mu.Lock()
		if b.conn == conn {
			b.conn = nil
			b.agentID = ""
		}
		b.mu.Unlock()
		b.handler.Bye(hello.AgentID)
		b.log.Info("agent disconnected", logger.String("agent_id", hello.AgentID))
	}()

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		msg, err := DecodeLine(scanner.Bytes())
		if err != nil {
			b.log.Warn("dropping malformed agent message", logger.Error(err))
			continue
		}

		switch msg.Kind {
		case KindJoinRoom:
			if err := b.handler.JoinRoom(hello.AgentID, msg.RoomID); err != nil {
				b.log.Warn("join room failed", logger.String("room", msg.RoomID), logger.Error(err))
			}
		case KindSend:
			if err := b.handler.Send(hello.AgentID, msg.RoomID, msg.Body); err != nil {
				b.log.Warn("agent send failed", logger.String("room", msg.RoomID), logger.Error(err))
			}
		case KindBye:
			return
		default:
			b.log.Warn("unexpected agent message", logger.String("type", string(msg.Kind)))
		}
	}
}

// reject sends an error line and drops the connection.
func (b *Bridge) reject(conn net.Conn, cause error) {
	line, err := EncodeLine(Message{Kind: KindBye, Body: cause.Error()})
	if err == nil {
		_, _ = conn.Write(line)
	}
}
