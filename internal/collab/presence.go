package collab

import (
	"time"

	"github.com/kilupskalvis/scenesync/internal/models"
	"github.com/kilupskalvis/scenesync/internal/protocol"
)

// presenceTracker keeps the last-known cursor, selection, viewport, and status
// per remote participant. Updates are last-write-wins by the sender's
// timestamp; there is no acknowledgement or retry. Loop-confined.
type presenceTracker struct {
	participants map[string]*models.Participant
	lastSeen     map[string]int64 // userId -> presence timestamp ms
}

func newPresenceTracker() *presenceTracker {
	return &presenceTracker{
		participants: make(map[string]*models.Participant),
		lastSeen:     make(map[string]int64),
	}
}

// Join registers a participant from a userJoined announcement or projectState
// roster.
func (pt *presenceTracker) Join(userID, name, color string, joinedAt time.Time) *models.Participant {
	p, ok := pt.participants[userID]
	if !ok {
		p = &models.Participant{
			UserID:   userID,
			Status:   models.StatusActive,
			JoinedAt: joinedAt,
		}
		pt.participants[userID] = p
	}
	if name != "" {
		p.Name = name
	}
	if color != "" {
		p.DisplayColor = color
	}
	return p
}

// Leave removes a participant; stale presence for the user is gone with it.
func (pt *presenceTracker) Leave(userID string) {
	delete(pt.participants, userID)
	delete(pt.lastSeen, userID)
}

// Apply folds one presence message into the tracked state. Messages older
// than the last applied update for the same user are ignored; nil is returned
// when the update was stale or the user is unknown.
func (pt *presenceTracker) Apply(msg *protocol.Presence) *models.Participant {
	p, ok := pt.participants[msg.UserID]
	if !ok {
		return nil
	}
	if last, ok := pt.lastSeen[msg.UserID]; ok && msg.Timestamp < last {
		return nil
	}
	pt.lastSeen[msg.UserID] = msg.Timestamp

	if msg.Cursor != nil {
		p.Cursor = *msg.Cursor
	}
	if msg.Selection != nil {
		p.Selection = msg.Selection
	}
	if msg.Viewport != nil {
		p.Viewport = *msg.Viewport
	}
	if msg.Status != "" {
		p.Status = msg.Status
	}
	return p
}

// Snapshot returns a copy of the current roster.
func (pt *presenceTracker) Snapshot() []models.Participant {
	out := make([]models.Participant, 0, len(pt.participants))
	for _, p := range pt.participants {
		out = append(out, *p)
	}
	return out
}

// Len returns the number of tracked remote participants.
func (pt *presenceTracker) Len() int { return len(pt.participants) }
