package server

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"local-qa-bot/internal/models"
)

const (
	DefaultMaxSessions = 1000
	DefaultSessionIdle = 30 * time.Minute
)

// session holds one caller's transcript. mu serialises questions within the
// session so no answer is lost between read and write-back.
type session struct {
	mu         sync.Mutex
	transcript models.Transcript
}

// sessionStore owns every transcript the server hands to the orchestrator.
// It keeps at most size sessions and drops those idle for longer than idle.
type sessionStore struct {
	mu       sync.Mutex
	sessions *expirable.LRU[string, *session]
}

func newSessionStore(size int, idle time.Duration) *sessionStore {
	if size <= 0 {
		size = DefaultMaxSessions
	}
	if idle <= 0 {
		idle = DefaultSessionIdle
	}
	return &sessionStore{sessions: expirable.NewLRU[string, *session](size, nil, idle)}
}

// get returns the session for id, creating it if needed, and resets its idle
// timer.
func (s *sessionStore) get(id string) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions.Get(id)
	if !ok {
		sess = &session{}
	}
	s.sessions.Add(id, sess)
	return sess
}

// lookup returns the session without creating it.
func (s *sessionStore) lookup(id string) (*session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions.Peek(id)
}
