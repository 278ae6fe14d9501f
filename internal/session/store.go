package session

import "sync"

// Store maps users to sessions. Entries are created on first contact and
// live for the lifetime of the process.
type Store struct {
	mu       sync.RWMutex
	sessions map[UserID]*Session
}

func NewStore() *Store {
	return &Store{sessions: make(map[UserID]*Session)}
}

// GetOrCreate returns the session for id, creating an empty one if needed.
func (s *Store) GetOrCreate(id UserID) *Session {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if ok {
		return sess
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		return sess
	}
	sess = newSession(id)
	s.sessions[id] = sess
	return sess
}

func (s *Store) Lookup(id UserID) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
