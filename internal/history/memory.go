package history

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps the most recent messages of each session in memory.
type MemoryStore struct {
	// capacity is the per-session message limit; 0 keeps everything.
	capacity int
	mu       sync.Mutex
	sessions map[string][]Message
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns a MemoryStore keeping at most capacity messages per
// session. capacity <= 0 keeps everything.
func NewMemoryStore(capacity int) *MemoryStore {
	return &MemoryStore{capacity: max(capacity, 0), sessions: make(map[string][]Message)}
}

// Append implements Store.
func (m *MemoryStore) Append(_ context.Context, session string, role Role, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msgs := append(m.sessions[session], Message{Role: role, Content: content, CreatedAt: time.Now()})
	if over := len(msgs) - m.capacity; m.capacity > 0 && over > 0 {
		msgs = append([]Message(nil), msgs[over:]...)
	}
	m.sessions[session] = msgs
	return nil
}

// Recent implements Store.
func (m *MemoryStore) Recent(_ context.Context, session string, n int) ([]Message, error) {
	if n <= 0 {
		return nil, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	msgs := m.sessions[session]
	if len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	return append([]Message(nil), msgs...), nil
}

// Close implements Store.
func (m *MemoryStore) Close() error { return nil }
