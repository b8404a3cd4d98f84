package identity

import "sync"

// MemoryStore keeps the identity in memory, for simulations and tests
type MemoryStore struct {
	mu sync.Mutex
	id *PeerIdentity
}

// Load returns a copy of the stored identity, or ErrNotFound
func (s *MemoryStore) Load() (*PeerIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.id == nil {
		return nil, ErrNotFound
	}
	id := *s.id
	return &id, nil
}

// Save replaces the stored identity
func (s *MemoryStore) Save(id *PeerIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *id
	s.id = &cp
	return nil
}

// Delete forgets the identity
func (s *MemoryStore) Delete() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = nil
	return nil
}
