package collab

import (
	"time"

	"github.com/kilupskalvis/scenesync/internal/models"
)

// Event is a notification surfaced to the session owner (typically the editor
// UI). The set of variants is closed to this package; consumers switch over
// the concrete types.
type Event interface {
	event()
}

// ConnectedEvent fires after the authenticate handshake and resync complete.
// Resynced is the number of missed operations replayed from projectState.
type ConnectedEvent struct {
	Resynced int
}

// DisconnectedEvent fires when the connection drops or Disconnect is called.
type DisconnectedEvent struct {
	Reason string
}

// ReconnectingEvent fires when a reconnect attempt is scheduled.
type ReconnectingEvent struct {
	Attempt int
	Delay   time.Duration
}

// ReconnectFailedEvent fires when the attempt cap is exhausted.
type ReconnectFailedEvent struct {
	Attempts int
}

// ConflictEvent reports one resolved conflict: never fatal, raised whichever
// way the resolution went. RemoteApplied says whether the remote side won.
type ConflictEvent struct {
	Remote        models.Operation
	Local         models.Operation
	RemoteApplied bool
}

// ParticipantJoinedEvent fires when a remote participant enters the session.
type ParticipantJoinedEvent struct {
	UserID string
	Name   string
	Color  string
}

// ParticipantLeftEvent fires when a remote participant leaves; any locks the
// participant held are released before this event.
type ParticipantLeftEvent struct {
	UserID string
	Name   string
}

// PresenceEvent carries a remote participant's updated presence fields.
type PresenceEvent struct {
	Participant models.Participant
}

// LockEvent reports an advisory lock change. Mine is true when the local user
// is the owner involved.
type LockEvent struct {
	Key      string
	OwnerID  string
	Acquired bool
	Mine     bool
}

// ChatEvent carries a relayed chat message.
type ChatEvent struct {
	UserID    string
	Message   string
	Timestamp int64
}

func (ConnectedEvent) event()         {}
func (DisconnectedEvent) event()      {}
func (ReconnectingEvent) event()      {}
func (ReconnectFailedEvent) event()   {}
func (ConflictEvent) event()          {}
func (ParticipantJoinedEvent) event() {}
func (ParticipantLeftEvent) event()   {}
func (PresenceEvent) event()          {}
func (LockEvent) event()              {}
func (ChatEvent) event()              {}
