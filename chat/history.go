package chat

import (
	"context"
	"errors"
	"sync"

	"github.com/termchat-project/termchat/proto"
)

// ErrDuplicateID reports an append whose message ID is already stored.
var ErrDuplicateID = errors.New("chat: duplicate message id")

// ErrMessageNotFound reports an operation on an unknown message ID.
var ErrMessageNotFound = errors.New("chat: message not found")

// StoredMessage is a chat message plus its local delivery status.
type StoredMessage struct {
	Message proto.Message
	Status  proto.MessageStatus
}

// HistoryStore persists per-conversation message history. Ordering within a
// conversation equals append order. The in-memory store is the default;
// durable backends plug in behind the same interface.
type HistoryStore interface {
	// Append stores a message. Returns ErrDuplicateID when the ID exists.
	Append(ctx context.Context, msg StoredMessage) error

	// Get returns up to limit most recent messages of a conversation in
	// append order. limit <= 0 means no limit.
	Get(ctx context.Context, conversation proto.ConversationID, limit int) ([]StoredMessage, error)

	// MarkDelivered upgrades a message's status to Delivered. The status
	// lifecycle is monotone; a delivered message never regresses.
	MarkDelivered(ctx context.Context, id proto.MessageID) error

	// RecentPreview returns a short render of the newest message in a
	// conversation, or "" when empty.
	RecentPreview(ctx context.Context, conversation proto.ConversationID) (string, error)
}

// InMemoryStore is a bounded per-conversation history. When a conversation
// reaches its limit the oldest message is evicted and the warning callback
// fires so the UI can refresh.
type InMemoryStore struct {
	mu      sync.Mutex
	perConv int
	convs   map[proto.ConversationID][]StoredMessage
	index   map[proto.MessageID]proto.ConversationID
	onWarn  func(HistoryWarning)
}

// NewInMemoryStore creates a store keeping at most perConversation messages
// per conversation. onWarn may be nil.
func NewInMemoryStore(perConversation int, onWarn func(HistoryWarning)) *InMemoryStore {
	if perConversation <= 0 {
		perConversation = 256
	}
	if onWarn == nil {
		onWarn = func(HistoryWarning) {}
	}
	return &InMemoryStore{
		perConv: perConversation,
		convs:   make(map[proto.ConversationID][]StoredMessage),
		index:   make(map[proto.MessageID]proto.ConversationID),
		onWarn:  onWarn,
	}
}

// Append implements HistoryStore.
func (s *InMemoryStore) Append(ctx context.Context, msg StoredMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.index[msg.Message.ID]; exists {
		return ErrDuplicateID
	}

	conv := msg.Message.Conversation
	entries := s.convs[conv]
	if len(entries) >= s.perConv {
		evicted := entries[0]
		entries = entries[1:]
		delete(s.index, evicted.Message.ID)
		s.onWarn(EvictedWarning{Conversation: conv, ID: evicted.Message.ID})
	}
	s.convs[conv] = append(entries, msg)
	s.index[msg.Message.ID] = conv
	return nil
}

// Get implements HistoryStore.
func (s *InMemoryStore) Get(ctx context.Context, conversation proto.ConversationID, limit int) ([]StoredMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.convs[conversation]
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	out := make([]StoredMessage, len(entries))
	copy(out, entries)
	return out, nil
}

// MarkDelivered implements HistoryStore.
func (s *InMemoryStore) MarkDelivered(ctx context.Context, id proto.MessageID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.index[id]
	if !ok {
		return ErrMessageNotFound
	}
	entries := s.convs[conv]
	for i := range entries {
		if entries[i].Message.ID == id {
			if entries[i].Status < proto.StatusDelivered {
				entries[i].Status = proto.StatusDelivered
			}
			return nil
		}
	}
	return ErrMessageNotFound
}

// RecentPreview implements HistoryStore.
func (s *InMemoryStore) RecentPreview(ctx context.Context, conversation proto.ConversationID) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.convs[conversation]
	if len(entries) == 0 {
		return "", nil
	}
	content := entries[len(entries)-1].Message.Content
	const previewLen = 48
	if len(content) > previewLen {
		return content[:previewLen] + "...", nil
	}
	return content, nil
}
