package flagstore

import (
	"context"
	"maps"
	"sync"
)

// MemoryStore keeps flags in process memory. Nothing survives a restart.
type MemoryStore struct {
	mu     sync.RWMutex
	flags  map[string]Flags
	closed bool
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{flags: make(map[string]Flags)}
}

func (s *MemoryStore) Get(_ context.Context, id string) (Flags, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Flags{}, false, ErrClosed
	}
	f, ok := s.flags[id]
	return f, ok, nil
}

func (s *MemoryStore) Put(_ context.Context, id string, flags Flags) error {
	if id == "" {
		return ErrEmptyID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.flags[id] = flags
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.flags, id)
	return nil
}

func (s *MemoryStore) List(_ context.Context) (map[string]Flags, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	return maps.Clone(s.flags), nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
