// Package chat implements the conversation core: the encrypt/send pipeline
// with retry, the receive loop with event fan-out, delivery-ack tracking,
// and bounded per-conversation history.
package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/termchat-project/termchat/internal/logger"
	"github.com/termchat-project/termchat/proto"
	"github.com/termchat-project/termchat/session"
	"github.com/termchat-project/termchat/tasks"
	"github.com/termchat-project/termchat/transport"
)

// ErrCryptoNotReady reports a send attempted before the handshake finished.
var ErrCryptoNotReady = errors.New("chat: crypto session not ready")

// maxOutstanding bounds the ack-tracking map; delivered entries are pruned
// once the bound is exceeded.
const maxOutstanding = 1024

// SerializationError reports an envelope that could not be encoded.
type SerializationError struct {
	Err error
}

func (e *SerializationError) Error() string { return fmt.Sprintf("chat: serialization: %v", e.Err) }
func (e *SerializationError) Unwrap() error { return e.Err }

// TransportGaveUpError reports a send that exhausted its retry budget.
type TransportGaveUpError struct {
	Err error
}

func (e *TransportGaveUpError) Error() string {
	return fmt.Sprintf("chat: transport gave up: %v", e.Err)
}
func (e *TransportGaveUpError) Unwrap() error { return e.Err }

// Config assembles a Manager.
type Config struct {
	Session   session.Session
	Transport transport.Transport

	// Sender identifies us inside envelopes; Remote is the peer this
	// manager talks to (DM scope).
	Sender proto.SenderID
	Remote transport.PeerID

	// History defaults to a bounded in-memory store wired to the warnings
	// channel.
	History HistoryStore

	// HistoryLimit bounds the default in-memory store per conversation.
	HistoryLimit int

	// Tasks, when set, receives TaskSync envelopes.
	Tasks *tasks.Manager

	// EventBuffer sizes the event and warning channels (default 64).
	EventBuffer int

	Retry  RetryConfig
	Logger logger.Logger
}

// Manager owns one encrypted conversation with a remote peer.
type Manager struct {
	session session.Session
	tr      transport.Transport
	sender  proto.SenderID
	remote  transport.PeerID
	conv    proto.ConversationID

	history HistoryStore
	tasks   *tasks.Manager

	events   chan Event
	warnings chan HistoryWarning

	retry RetryConfig
	log   logger.Logger

	// recvMu serializes the receive path so history stays single-writer.
	recvMu sync.Mutex

	mu          sync.Mutex
	outstanding map[proto.MessageID]proto.MessageStatus
}

// New builds a Manager and returns its event and history-warning channels.
func New(cfg Config) (*Manager, <-chan Event, <-chan HistoryWarning) {
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop()
	}
	if cfg.Retry == (RetryConfig{}) {
		cfg.Retry = DefaultRetryConfig()
	} else {
		cfg.Retry = cfg.Retry.withDefaults()
	}

	m := &Manager{
		session:     cfg.Session,
		tr:          cfg.Transport,
		sender:      cfg.Sender,
		remote:      cfg.Remote,
		conv:        proto.DirectConversation(senderKey(cfg.Sender), string(cfg.Remote)),
		tasks:       cfg.Tasks,
		events:      make(chan Event, cfg.EventBuffer),
		warnings:    make(chan HistoryWarning, cfg.EventBuffer),
		retry:       cfg.Retry,
		log:         cfg.Logger,
		outstanding: make(map[proto.MessageID]proto.MessageStatus),
	}

	if cfg.History != nil {
		m.history = cfg.History
	} else {
		m.history = NewInMemoryStore(cfg.HistoryLimit, m.emitWarning)
	}

	return m, m.events, m.warnings
}

// Conversation returns the conversation this manager serves.
func (m *Manager) Conversation() proto.ConversationID { return m.conv }

// History exposes the underlying store for UI reads.
func (m *Manager) History() HistoryStore { return m.history }

// SendText encrypts and sends a chat message, retrying transport failures
// with exponential backoff. On success the message is stored as Sent.
func (m *Manager) SendText(ctx context.Context, content string) (proto.MessageID, proto.MessageStatus, error) {
	id := proto.NewMessageID()
	env := &proto.Message{
		ID:           id,
		Conversation: m.conv,
		Sender:       m.sender,
		Content:      content,
		Timestamp:    time.Now().UnixMilli(),
	}

	cipher, err := m.seal(env)
	if err != nil {
		return id, proto.StatusFailed, err
	}

	if err := m.sendWithRetry(ctx, cipher); err != nil {
		m.emit(DeliveryFailed{ID: id, Reason: err.Error()})
		return id, proto.StatusFailed, err
	}

	m.mu.Lock()
	m.outstanding[id] = proto.StatusSent
	if len(m.outstanding) > maxOutstanding {
		for old, status := range m.outstanding {
			if status == proto.StatusDelivered {
				delete(m.outstanding, old)
				if len(m.outstanding) <= maxOutstanding {
					break
				}
			}
		}
	}
	m.mu.Unlock()

	if err := m.history.Append(ctx, StoredMessage{Message: *env, Status: proto.StatusSent}); err != nil {
		m.log.Warn("history append failed", logger.String("message_id", id.String()), logger.Error(err))
	}
	m.emit(MessageSent{ID: id, Conversation: m.conv})
	return id, proto.StatusSent, nil
}

// SendPresence broadcasts a presence update. Best effort: no retry, no ack.
func (m *Manager) SendPresence(ctx context.Context, peerID string, status proto.PresenceStatus) error {
	return m.sendOnce(ctx, &proto.Presence{
		PeerID:    peerID,
		Status:    status,
		Timestamp: uint64(time.Now().UnixMilli()),
	})
}

// SendTyping signals a typing state change. Best effort.
func (m *Manager) SendTyping(ctx context.Context, peerID, roomID string, isTyping bool) error {
	return m.sendOnce(ctx, &proto.Typing{PeerID: peerID, RoomID: roomID, IsTyping: isTyping})
}

// SendTaskSync broadcasts a task state change produced by the task manager.
func (m *Manager) SendTaskSync(ctx context.Context, sync *proto.TaskSync) error {
	return m.sendOnce(ctx, sync)
}

// ReceiveOne pumps the transport until one envelope addressed to us is
// dispatched, and returns it. Decrypt and decode failures are surfaced as
// events, never as errors: the loop must survive poisoned envelopes.
func (m *Manager) ReceiveOne(ctx context.Context) (proto.Envelope, error) {
	m.recvMu.Lock()
	defer m.recvMu.Unlock()

	for {
		from, cipher, err := m.tr.Recv(ctx)
		if err != nil {
			return nil, err
		}
		if from != m.remote {
			// Not our peer; a DM manager ignores foreign traffic.
			m.log.Debug("dropping envelope from unexpected peer", logger.String("from", from.String()))
			continue
		}

		plain, err := m.session.ReadMessage(cipher)
		if err != nil {
			m.emit(DecryptError{Err: err})
			continue
		}

		env, err := proto.Decode(plain)
		if err != nil {
			m.emit(DecodeError{Err: err})
			continue
		}

		m.dispatch(ctx, env)
		return env, nil
	}
}

// Run drives the receive loop until the context is cancelled or the
// transport closes.
func (m *Manager) Run(ctx context.Context) error {
	for {
		if _, err := m.ReceiveOne(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, transport.ErrConnectionClosed) {
				m.emit(ConnectionStateChanged{Connected: false})
				return err
			}
			m.log.Warn("receive failed", logger.Error(err))
		}
	}
}

func (m *Manager) dispatch(ctx context.Context, env proto.Envelope) {
	switch v := env.(type) {
	case *proto.Message:
		// Inbound messages are by definition delivered to us.
		err := m.history.Append(ctx, StoredMessage{Message: *v, Status: proto.StatusDelivered})
		if errors.Is(err, ErrDuplicateID) {
			m.emitWarning(DuplicateWarning{ID: v.ID})
			return
		}
		if err != nil {
			m.log.Warn("history append failed", logger.Error(err))
		}
		m.emit(MessageReceived{Message: *v})
		m.sendAck(ctx, v.ID)

	case *proto.Ack:
		m.mu.Lock()
		_, known := m.outstanding[v.MessageID]
		if known {
			m.outstanding[v.MessageID] = proto.StatusDelivered
		}
		m.mu.Unlock()
		if !known {
			// Acks for ids we never sent are ignored.
			m.log.Debug("ignoring ack for unknown message", logger.String("message_id", v.MessageID.String()))
			return
		}
		if err := m.history.MarkDelivered(ctx, v.MessageID); err != nil && !errors.Is(err, ErrMessageNotFound) {
			m.log.Warn("mark delivered failed", logger.Error(err))
		}
		m.emit(AckReceived{ID: v.MessageID})

	case *proto.Presence:
		m.emit(PresenceUpdated{Presence: *v})

	case *proto.Typing:
		m.emit(TypingUpdated{Typing: *v})

	case *proto.TaskSync:
		if m.tasks == nil {
			return
		}
		if m.tasks.ApplyRemote(v) {
			m.emit(TaskListUpdated{RoomID: v.RoomID})
		}

	case *proto.RoomEvent:
		m.emit(RoomEventReceived{RoomEvent: *v})
	}
}

// sendAck acknowledges an inbound message. Best effort with no retry: a
// lost ack leaves the message at Sent on the sender's side.
func (m *Manager) sendAck(ctx context.Context, id proto.MessageID) {
	if err := m.sendOnce(ctx, &proto.Ack{MessageID: id}); err != nil {
		m.log.Debug("ack send failed", logger.String("message_id", id.String()), logger.Error(err))
	}
}

func (m *Manager) sendOnce(ctx context.Context, env proto.Envelope) error {
	cipher, err := m.seal(env)
	if err != nil {
		return err
	}
	return m.tr.Send(ctx, m.remote, cipher)
}

// seal encodes and encrypts an envelope. The plaintext never travels
// further than this function.
func (m *Manager) seal(env proto.Envelope) ([]byte, error) {
	if !m.session.IsTransportReady() {
		return nil, ErrCryptoNotReady
	}
	plain, err := proto.Encode(env)
	if err != nil {
		return nil, &SerializationError{Err: err}
	}
	cipher, err := m.session.WriteMessage(plain)
	if err != nil {
		if errors.Is(err, session.ErrNotReady) {
			return nil, ErrCryptoNotReady
		}
		return nil, fmt.Errorf("chat: encrypt: %w", err)
	}
	return cipher, nil
}

func (m *Manager) sendWithRetry(ctx context.Context, cipher []byte) error {
	backoff := m.retry.sendBackoffStart
	var lastErr error
	for attempt := 0; attempt <= m.retry.SendRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return &TransportGaveUpError{Err: lastErr}
			}
			backoff *= 2
			if backoff > m.retry.sendBackoffCap {
				backoff = m.retry.sendBackoffCap
			}
		}
		lastErr = m.tr.Send(ctx, m.remote, cipher)
		if lastErr == nil {
			return nil
		}
		m.log.Debug("send attempt failed",
			logger.Int("attempt", attempt),
			logger.Error(lastErr))
	}
	return &TransportGaveUpError{Err: lastErr}
}

// emit delivers an event without ever blocking the pipeline. A full
// channel means a slow consumer; the event is dropped and the UI catches
// up from history.
func (m *Manager) emit(ev Event) {
	select {
	case m.events <- ev:
	default:
		m.log.Debug("event channel full, dropping event")
	}
}

func (m *Manager) emitWarning(w HistoryWarning) {
	select {
	case m.warnings <- w:
	default:
		m.log.Debug("warning channel full, dropping warning")
	}
}

func senderKey(sender proto.SenderID) string {
	return string(sender)
}
