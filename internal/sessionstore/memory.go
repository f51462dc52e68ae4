package sessionstore

import (
	"context"
	"sync"
	"time"

	"github.com/kilupskalvis/scenesync/internal/models"
)

// MemoryStore is an in-process Store for single-node deployments and tests.
// TTL expiry is enforced lazily on Load.
type MemoryStore struct {
	mu       sync.Mutex
	ttl      time.Duration
	sessions map[string]*memoryEntry
	seqs     map[string]int64
	now      func() time.Time
}

type memoryEntry struct {
	session   *models.Session
	expiresAt time.Time
}

// NewMemoryStore creates a store with the given idle TTL. A zero ttl uses the
// standard 24 h session TTL. now may be nil for the wall clock.
func NewMemoryStore(ttl time.Duration, now func() time.Time) *MemoryStore {
	if ttl <= 0 {
		ttl = models.SessionTTL
	}
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		ttl:      ttl,
		sessions: make(map[string]*memoryEntry),
		seqs:     make(map[string]int64),
		now:      now,
	}
}

// Save stores the session and refreshes its TTL.
func (s *MemoryStore) Save(_ context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ProjectID] = &memoryEntry{
		session:   session,
		expiresAt: s.now().Add(s.ttl),
	}
	return nil
}

// Load returns the stored session, or nil if absent or expired.
func (s *MemoryStore) Load(_ context.Context, projectID string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.sessions[projectID]
	if !ok {
		return nil, nil
	}
	if s.now().After(entry.expiresAt) {
		delete(s.sessions, projectID)
		return nil, nil
	}
	return entry.session, nil
}

// Delete removes the session.
func (s *MemoryStore) Delete(_ context.Context, projectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, projectID)
	return nil
}

// NextSeq allocates the next operation sequence for the session.
func (s *MemoryStore) NextSeq(_ context.Context, projectID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seqs[projectID]++
	return s.seqs[projectID], nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }
