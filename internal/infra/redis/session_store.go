package redis

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"majority-vote-service/internal/app"
)

// SessionStore is a Redis-aware implementation of app.SessionRepository.
// Sessions stay in a local map so the in-process coordinator keeps working;
// Redis holds a liveness marker per room that other instances can inspect.
// Cross-instance fan-out is handled by EventBus.
type SessionStore struct {
	client   *redis.Client
	ttl      time.Duration
	mu       sync.RWMutex
	sessions map[string]*app.Session
}

func NewSessionStore(client *redis.Client, ttl time.Duration) *SessionStore {
	return &SessionStore{
		client:   client,
		ttl:      ttl,
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
	// best-effort liveness marker
	_ = s.client.Set(context.Background(), s.key(roomID), "1", s.ttl).Err()
	return session
}

func (s *SessionStore) Get(roomID string) (*app.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[roomID]
	return session, ok
}

func (s *SessionStore) DeleteIfIdle(roomID string, cutoff time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[roomID]
	if !ok {
		return false
	}
	if !session.Idle(cutoff) {
		// still in use; keep the marker fresh
		_ = s.client.Expire(context.Background(), s.key(roomID), s.ttl).Err()
		return false
	}
	session.Close()
	delete(s.sessions, roomID)
	_ = s.client.Del(context.Background(), s.key(roomID)).Err()
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

func (s *SessionStore) CloseAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, session := range s.sessions {
		session.Close()
		delete(s.sessions, id)
		_ = s.client.Del(context.Background(), s.key(id)).Err()
	}
}

func (s *SessionStore) key(roomID string) string {
	return "room:session:" + roomID
}
