package apiclient

import "sync"

// TokenStore holds the session token pair. Implementations must be safe for
// concurrent use; the client reads tokens from many goroutines.
type TokenStore interface {
	AccessToken() string
	RefreshToken() string
	SetTokens(access, refresh string)
	Clear()
}

// MemStore keeps the token pair in memory for the process lifetime.
type MemStore struct {
	mu      sync.RWMutex
	access  string
	refresh string
}

func NewMemStore() *MemStore {
	return &MemStore{}
}

func (s *MemStore) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.access
}

func (s *MemStore) RefreshToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refresh
}

func (s *MemStore) SetTokens(access, refresh string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.access = access
	s.refresh = refresh
}

func (s *MemStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.access = ""
	s.refresh = ""
}
