// Package resolve implements client-side conflict resolution between an
// incoming remote operation and this client's recent local operations.
//
// The policy is last-writer-wins with a heuristic tie-break, exactly as the
// protocol contracts document it: a remote operation conflicts with the most
// recent local operation of the same type on the same entity whose timestamp
// is within one second of it. There is no causal-ordering guarantee and no
// field-level merge; the losing edit is discarded.
package resolve

import (
	"time"

	"github.com/kilupskalvis/scenesync/internal/models"
)

const (
	// ConflictWindow is how close two same-target timestamps must be for the
	// operations to be treated as concurrent.
	ConflictWindow = 1000 * time.Millisecond
	// TieWindow is the range in which timestamps are considered equal and the
	// lexicographic user-id tie-break applies.
	TieWindow = 100 * time.Millisecond
)

// Outcome says what to do with the remote operation.
type Outcome int

const (
	// NoConflict: no recent local operation matched; apply the remote directly.
	NoConflict Outcome = iota
	// RemoteWins: a conflict was found and the remote operation is applied.
	RemoteWins
	// LocalWins: a conflict was found and the remote operation is discarded;
	// the already-applied local operation stands.
	LocalWins
)

// Result is the resolver's decision. Local is the conflicting local operation,
// nil when Outcome is NoConflict.
type Result struct {
	Outcome Outcome
	Local   *models.Operation
}

// Conflicted reports whether a conflict notification should be raised.
func (r Result) Conflicted() bool { return r.Outcome != NoConflict }

// Resolve compares a remote operation against the recent local window (oldest
// first, as returned by the operation log) and decides which side wins.
func Resolve(remote *models.Operation, recent []*models.Operation) Result {
	local := findConflicting(remote, recent)
	if local == nil {
		return Result{Outcome: NoConflict}
	}

	if remote.Timestamp > local.Timestamp {
		return Result{Outcome: RemoteWins, Local: local}
	}

	delta := local.Timestamp - remote.Timestamp
	if delta < 0 {
		delta = -delta
	}
	if delta < TieWindow.Milliseconds() {
		// Near-simultaneous: the lexicographically smaller user id wins.
		if remote.UserID < local.UserID {
			return Result{Outcome: RemoteWins, Local: local}
		}
		return Result{Outcome: LocalWins, Local: local}
	}

	return Result{Outcome: LocalWins, Local: local}
}

// findConflicting scans backward for the most recent local operation with the
// same type and entity id within the conflict window of the remote timestamp.
func findConflicting(remote *models.Operation, recent []*models.Operation) *models.Operation {
	window := ConflictWindow.Milliseconds()
	for i := len(recent) - 1; i >= 0; i-- {
		op := recent[i]
		if op.Type != remote.Type || op.Payload.EntityID != remote.Payload.EntityID {
			continue
		}
		delta := remote.Timestamp - op.Timestamp
		if delta < 0 {
			delta = -delta
		}
		if delta <= window {
			return op
		}
	}
	return nil
}
