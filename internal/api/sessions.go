package api

import (
	"sync"

	"github.com/kalambet/finq/internal/answer"
)

// sessionStore maps session identifiers to conversation histories. Requests
// without a session id get a fresh history that is never shared.
type sessionStore struct {
	mu       sync.Mutex
	sessions map[string]*answer.History
}

func newSessionStore() *sessionStore {
	return &sessionStore{sessions: make(map[string]*answer.History)}
}

func (s *sessionStore) History(sessionID string) *answer.History {
	if sessionID == "" {
		return answer.NewHistory()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.sessions[sessionID]
	if !ok {
		h = answer.NewHistory()
		s.sessions[sessionID] = h
	}
	return h
}
