package thread

import (
	"context"
	"sync"
)

// MemoryStore is a process-local Store. Its contents do not survive a
// restart, so it is meant for tests and throwaway development servers.
type MemoryStore struct {
	mu      sync.RWMutex
	threads map[ID][]Message
	order   []ID
	closed  bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{threads: make(map[ID][]Message)}
}

// Append adds a message to the thread log.
func (s *MemoryStore) Append(_ context.Context, id ID, msg Message) error {
	if err := validateAppend(id, msg); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return unavailable("append", errStoreClosed)
	}
	if _, ok := s.threads[id]; !ok {
		s.order = append(s.order, id)
	}
	s.threads[id] = append(s.threads[id], msg)
	return nil
}

// Load returns a copy of the thread log.
func (s *MemoryStore) Load(_ context.Context, id ID) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, unavailable("load", errStoreClosed)
	}
	msgs := s.threads[id]
	result := make([]Message, len(msgs))
	copy(result, msgs)
	return result, nil
}

// ListThreadIDs returns thread ids in creation order.
func (s *MemoryStore) ListThreadIDs(_ context.Context) ([]ID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, unavailable("list", errStoreClosed)
	}
	return append([]ID{}, s.order...), nil
}

// Close marks the store closed; later calls fail with StoreUnavailableError.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
