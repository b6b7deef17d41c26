package state

import (
	"context"
	"sync"

	"github.com/gambitlabs/gambit/internal/protocol"
)

// MemoryStore keeps state in process memory. Used for tests and one-shot
// CLI runs where persistence across processes is not wanted.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*protocol.SavedState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*protocol.SavedState)}
}

// Load implements Store.
func (s *MemoryStore) Load(_ context.Context, sessionID string) (*protocol.SavedState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	return st.Clone(), nil
}

// Save implements Store.
func (s *MemoryStore) Save(_ context.Context, sessionID string, st *protocol.SavedState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sessionID] = st.Clone()
	return nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}
