// Package oplog implements the client-side operation log: an append-only
// record of locally generated mutations tagged with a per-user Lamport clock.
// A bounded recent window is retained so the conflict resolver can compare
// incoming remote operations against what this client just did.
package oplog

import (
	"time"

	"github.com/kilupskalvis/scenesync/internal/models"
)

// Config tunes log retention. Zero values pick the defaults.
type Config struct {
	// RetentionWindow bounds how far back recent operations are kept. It must
	// cover at least the resolver's 1 s comparison window.
	RetentionWindow time.Duration
	// MaxRetained caps the recent slice regardless of age.
	MaxRetained int
	// Now is the clock; tests inject a fake.
	Now func() time.Time
}

const (
	defaultRetention   = 5 * time.Second
	defaultMaxRetained = 512
)

// Log generates and records operations for one (userId, sessionId) identity.
// Not safe for concurrent use; the session confines it to its event loop.
type Log struct {
	userID    string
	sessionID string

	nextID  int64
	lamport int64

	recent    []*models.Operation
	retention time.Duration
	max       int
	now       func() time.Time
}

// New creates a log for the given identity.
func New(userID, sessionID string, cfg Config) *Log {
	if cfg.RetentionWindow <= 0 {
		cfg.RetentionWindow = defaultRetention
	}
	if cfg.MaxRetained <= 0 {
		cfg.MaxRetained = defaultMaxRetained
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Log{
		userID:    userID,
		sessionID: sessionID,
		retention: cfg.RetentionWindow,
		max:       cfg.MaxRetained,
		now:       cfg.Now,
	}
}

// Append wraps a local mutation into a new Operation, advancing the per-user
// id and Lamport counters. The returned operation is never mutated afterwards.
func (l *Log) Append(typ models.OperationType, payload models.OperationPayload) *models.Operation {
	l.nextID++
	l.lamport++
	op := &models.Operation{
		ID:           l.nextID,
		Type:         typ,
		Payload:      payload,
		UserID:       l.userID,
		SessionID:    l.sessionID,
		Timestamp:    l.now().UnixMilli(),
		LamportClock: l.lamport,
	}
	l.recent = append(l.recent, op)
	l.prune()
	return op
}

// Observe merges a remote operation's Lamport clock into the local counter so
// later local operations are ordered after everything this client has seen.
func (l *Log) Observe(remote *models.Operation) {
	if remote.LamportClock > l.lamport {
		l.lamport = remote.LamportClock
	}
}

// Lamport returns the current Lamport counter value.
func (l *Log) Lamport() int64 { return l.lamport }

// LastID returns the id of the most recently generated operation.
func (l *Log) LastID() int64 { return l.nextID }

// Recent returns the retained window, oldest first. The slice is shared;
// callers must not modify it.
func (l *Log) Recent() []*models.Operation {
	l.prune()
	return l.recent
}

func (l *Log) prune() {
	cutoff := l.now().Add(-l.retention).UnixMilli()
	i := 0
	for i < len(l.recent) && l.recent[i].Timestamp < cutoff {
		i++
	}
	if over := len(l.recent) - i - l.max; over > 0 {
		i += over
	}
	if i > 0 {
		l.recent = append(l.recent[:0:0], l.recent[i:]...)
	}
}
