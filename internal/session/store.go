// Package session manages time-bounded authorization sessions gating all
// calls against the remote platform.
package session

import (
	"sync"
	"time"

	"github.com/schemapilot/chatrelay/internal/common"
)

// Credentials is the upstream material a session carries.
type Credentials struct {
	Token       string `json:"token"`
	WorkspaceID string `json:"workspace_id"`
	BaseDomain  string `json:"base_domain"`
}

type Session struct {
	ID             string      `json:"session_id"`
	Credentials    Credentials `json:"-"`
	CreatedAt      time.Time   `json:"created_at"`
	LastAccessedAt time.Time   `json:"last_accessed_at"`
	ExpiresAt      time.Time   `json:"expires_at"`
}

const DefaultTimeout = 24 * time.Hour

// Store is the in-memory session registry. Safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*Session
	timeout  time.Duration
	now      func() time.Time
}

func NewStore(timeout time.Duration) *Store {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Store{
		sessions: make(map[string]*Session),
		timeout:  timeout,
		now:      time.Now,
	}
}

func (s *Store) Create(creds Credentials) (Session, error) {
	id, err := common.NewULID()
	if err != nil {
		return Session{}, err
	}

	now := s.now()
	sess := &Session{
		ID:             id,
		Credentials:    creds,
		CreatedAt:      now,
		LastAccessedAt: now,
		ExpiresAt:      now.Add(s.timeout),
	}

	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()

	return *sess, nil
}

// Get returns the session only while the current time is strictly before its
// expiration. An expired record is deleted on the spot. Get does not slide
// expiration; that is Touch's job.
func (s *Store) Get(id string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, false
	}
	if !s.now().Before(sess.ExpiresAt) {
		delete(s.sessions, id)
		return Session{}, false
	}
	return *sess, true
}

// Touch stamps last-accessed and slides expiration forward to now+timeout.
// Returns false for missing or expired sessions (expired ones are evicted).
func (s *Store) Touch(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return false
	}
	now := s.now()
	if !now.Before(sess.ExpiresAt) {
		delete(s.sessions, id)
		return false
	}
	sess.LastAccessedAt = now
	sess.ExpiresAt = now.Add(s.timeout)
	return true
}

// Delete removes a session and reports whether one existed.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[id]
	delete(s.sessions, id)
	return ok
}

// Sweep removes every expired session regardless of access patterns and
// returns the number removed. Scheduled hourly by the composition root.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for id, sess := range s.sessions {
		if !now.Before(sess.ExpiresAt) {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
