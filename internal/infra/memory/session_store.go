package memory

import (
	"sync"
	"time"

	"majority-vote-service/internal/app"
)

// SessionStore is an in-memory implementation of app.SessionRepository.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*app.Session
}

func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions: make(map[string]*app.Session),
	}
}

func (s *SessionStore) GetOrCreate(roomID string) *app.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session, ok := s.sessions[roomID]; ok {
		return session
	}
	session := app.NewSession()
	s.sessions[roomID] = session
	return session
}

func (s *SessionStore) Get(roomID string) (*app.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[roomID]
	return session, ok
}

// DeleteIfIdle closes and forgets the session if it is idle. The session is
// closed before the lock is released so a replacement never overlaps it.
func (s *SessionStore) DeleteIfIdle(roomID string, cutoff time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[roomID]
	if !ok || !session.Idle(cutoff) {
		return false
	}
	session.Close()
	delete(s.sessions, roomID)
	return true
}

func (s *SessionStore) RoomIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	return ids
}

// CloseAll stops every session, used on shutdown.
func (s *SessionStore) CloseAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, session := range s.sessions {
		session.Close()
		delete(s.sessions, id)
	}
}
