package nodes

import (
	"fmt"
	"sync"
	"time"
)

// Session is a registered remote device. It lives for the duration of the
// device's connection.
type Session struct {
	ID               string
	Platform         string
	DeviceFamily     string
	DeclaredCommands []string
	ConnectedAt      time.Time
}

// Store tracks connected node sessions. It is owned by the service instance
// and injected where needed, so tests and multi-gateway processes get
// isolated state.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewStore() *Store {
	return &Store{sessions: make(map[string]*Session)}
}

// Register adds a node session. Re-registering an id replaces the previous
// session (a reconnecting device supersedes its stale entry).
func (s *Store) Register(sess *Session) error {
	if sess == nil || sess.ID == "" {
		return fmt.Errorf("node session requires an id")
	}
	if sess.ConnectedAt.IsZero() {
		sess.ConnectedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
	return nil
}

// Deregister removes a node session. Removing an unknown id is a no-op so
// teardown paths stay idempotent.
func (s *Store) Deregister(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

// Get returns the session for a node id.
func (s *Store) Get(id string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// List returns a snapshot of all connected sessions.
func (s *Store) List() []*Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

// Count returns the number of connected nodes.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
