package models

import "time"

// DefaultLockTimeout is how long an advisory lock is held before it
// auto-expires without an explicit release.
const DefaultLockTimeout = 30 * time.Second

// Lock is an advisory per-target exclusion record. Key is either an entityId
// or "entityId:componentType". Exactly one owner per key at any instant.
// Locks are a UI hint only: the applier does not consult them.
type Lock struct {
	Key        string    `json:"lockKey"`
	OwnerID    string    `json:"userId"`
	AcquiredAt time.Time `json:"acquiredAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// Expired reports whether the lock has passed its expiry at the given time.
func (l *Lock) Expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}
