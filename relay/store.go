package relay

import "sync"

// pendingFrame is one queued delivery for an offline peer.
type pendingFrame struct {
	From    string
	Payload []byte
}

// MessageStore holds bounded FIFO queues of pending frames for peers that
// are not currently connected. When a queue is full the oldest entry is
// dropped: store-and-forward is best effort.
type MessageStore struct {
	mu       sync.Mutex
	maxQueue int
	queues   map[string][]pendingFrame
}

// NewMessageStore creates a store with the given per-peer queue bound.
func NewMessageStore(maxQueue int) *MessageStore {
	if maxQueue <= 0 {
		maxQueue = 100
	}
	return &MessageStore{
		maxQueue: maxQueue,
		queues:   make(map[string][]pendingFrame),
	}
}

// Push queues a frame for peer. Returns true when the queue was full and
// the oldest entry was dropped to make room.
func (s *MessageStore) Push(peer, from string, payload []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	queue := s.queues[peer]
	dropped := false
	if len(queue) >= s.maxQueue {
		queue = queue[1:]
		dropped = true
	}
	s.queues[peer] = append(queue, pendingFrame{From: from, Payload: payload})
	return dropped
}

// Drain removes and returns peer's queue in FIFO order.
func (s *MessageStore) Drain(peer string) []pendingFrame {
	s.mu.Lock()
	defer s.mu.Unlock()

	queue := s.queues[peer]
	delete(s.queues, peer)
	return queue
}

// Len reports the number of frames queued for peer.
func (s *MessageStore) Len(peer string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues[peer])
}
