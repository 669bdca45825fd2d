package docstore

import (
	"context"
	"sync"
)

// MemoryStore keeps documents in process memory. It is not durable; use it for
// local development (STATE_BACKEND=memory) and tests.
type MemoryStore struct {
	mu   sync.Mutex
	docs map[string][]byte
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string][]byte)}
}

// Load returns a copy of the document for key.
func (s *MemoryStore) Load(_ context.Context, key string) ([]byte, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.docs[key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), b...), nil
}

// Save stores a copy of data under key.
func (s *MemoryStore) Save(_ context.Context, key string, data []byte) error {
	if err := validKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[key] = append([]byte(nil), data...)
	return nil
}
