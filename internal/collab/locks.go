package collab

import (
	"time"

	"github.com/kilupskalvis/scenesync/internal/models"
)

// lockManager mirrors the coordinator's advisory lock state on the client.
// It answers RequestLock immediately from local knowledge; actual grants
// arrive asynchronously as lockAcquired messages. Loop-confined.
type lockManager struct {
	userID  string
	timeout time.Duration
	locks   map[string]*models.Lock
	timers  map[string]*time.Timer
	now     func() time.Time
}

func newLockManager(userID string, timeout time.Duration, now func() time.Time) *lockManager {
	return &lockManager{
		userID:  userID,
		timeout: timeout,
		locks:   make(map[string]*models.Lock),
		timers:  make(map[string]*time.Timer),
		now:     now,
	}
}

// Held reports whether key is locked by anyone right now, treating expired
// entries as free.
func (lm *lockManager) Held(key string) bool {
	l, ok := lm.locks[key]
	if !ok {
		return false
	}
	if l.Expired(lm.now()) {
		lm.remove(key)
		return false
	}
	return true
}

// Owner returns the current unexpired owner of key, or "".
func (lm *lockManager) Owner(key string) string {
	if !lm.Held(key) {
		return ""
	}
	return lm.locks[key].OwnerID
}

// OwnedByMe reports whether the local user holds key.
func (lm *lockManager) OwnedByMe(key string) bool {
	return lm.Owner(key) == lm.userID
}

// Grant records a coordinator-announced owner for key. When the local user is
// the owner, expire is scheduled to fire after the lock timeout unless the
// lock is released first.
func (lm *lockManager) Grant(key, ownerID string, expiresAt time.Time, expire func()) {
	lm.remove(key)
	lm.locks[key] = &models.Lock{
		Key:        key,
		OwnerID:    ownerID,
		AcquiredAt: lm.now(),
		ExpiresAt:  expiresAt,
	}
	if ownerID == lm.userID && expire != nil {
		lm.timers[key] = time.AfterFunc(lm.timeout, expire)
	}
}

// Release clears key and cancels any auto-release timer. Returns false if the
// named owner does not hold the lock.
func (lm *lockManager) Release(key, ownerID string) bool {
	l, ok := lm.locks[key]
	if !ok || l.OwnerID != ownerID {
		return false
	}
	lm.remove(key)
	return true
}

// ReleaseOwnedBy clears every lock held by ownerID, returning the freed keys.
// Used when a participant disconnects.
func (lm *lockManager) ReleaseOwnedBy(ownerID string) []string {
	var keys []string
	for key, l := range lm.locks {
		if l.OwnerID == ownerID {
			keys = append(keys, key)
		}
	}
	for _, key := range keys {
		lm.remove(key)
	}
	return keys
}

// Snapshot returns a copy of the current lock table.
func (lm *lockManager) Snapshot() []models.Lock {
	now := lm.now()
	out := make([]models.Lock, 0, len(lm.locks))
	for _, l := range lm.locks {
		if !l.Expired(now) {
			out = append(out, *l)
		}
	}
	return out
}

func (lm *lockManager) remove(key string) {
	if t, ok := lm.timers[key]; ok {
		t.Stop()
		delete(lm.timers, key)
	}
	delete(lm.locks, key)
}

// StopAll cancels every pending timer; called on session close.
func (lm *lockManager) StopAll() {
	for key, t := range lm.timers {
		t.Stop()
		delete(lm.timers, key)
	}
}
