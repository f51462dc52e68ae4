package models

import "time"

// ParticipantStatus is the activity state reported through presence updates.
type ParticipantStatus string

const (
	StatusActive ParticipantStatus = "active"
	StatusIdle   ParticipantStatus = "idle"
	StatusAway   ParticipantStatus = "away"
)

// Valid reports whether s is a known participant status.
func (s ParticipantStatus) Valid() bool {
	return s == StatusActive || s == StatusIdle || s == StatusAway
}

// Cursor is a participant's pointer position in scene coordinates.
type Cursor struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Viewport is the visible region of a participant's editor.
type Viewport struct {
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	Zoom float64 `json:"zoom"`
}

// Participant is one connected editor in a session. Cursor, Selection,
// Viewport, and Status are the only fields mutated in place; everything else
// is fixed at join time.
type Participant struct {
	UserID       string            `json:"userId"`
	Name         string            `json:"name"`
	ConnectionID string            `json:"connectionId"`
	DisplayColor string            `json:"displayColor"`
	Cursor       Cursor            `json:"cursor"`
	Selection    []string          `json:"selection,omitempty"`
	Viewport     Viewport          `json:"viewport"`
	Status       ParticipantStatus `json:"status"`
	JoinedAt     time.Time         `json:"joinedAt"`
}
