package models

import "time"

// SessionTTL is the idle lifetime of a session document. A session with no
// operation or presence activity for this long is garbage collected.
const SessionTTL = 24 * time.Hour

// Session is the coordinator-side record for one shared project: the
// participant roster plus every operation relayed so far. Operations are
// append-only; LastActivity advances on every operation or presence message.
type Session struct {
	ProjectID    string         `json:"projectId"`
	Participants []*Participant `json:"participants"`
	Operations   []*Operation   `json:"operations"`
	CreatedAt    time.Time      `json:"createdAt"`
	LastActivity time.Time      `json:"lastActivity"`
}

// IdleSince reports whether the session has been inactive longer than ttl.
func (s *Session) IdleSince(now time.Time, ttl time.Duration) bool {
	return now.Sub(s.LastActivity) > ttl
}
