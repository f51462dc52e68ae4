// Package protocol defines the message envelope exchanged between clients and
// the session coordinator over one persistent duplex connection. The set of
// message types is closed: every message is a concrete struct implementing the
// unexported half of the Message interface, so consumers switch exhaustively
// over the variants instead of dispatching on free-form event names.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/kilupskalvis/scenesync/internal/models"
)

// MessageType is the wire discriminator carried in the "type" field.
type MessageType string

const (
	TypeAuthenticate    MessageType = "authenticate"
	TypeOperation       MessageType = "operation"
	TypeBatchOperations MessageType = "batchOperations"
	TypeAcknowledgement MessageType = "acknowledgement"
	TypeUserJoined      MessageType = "userJoined"
	TypeUserLeft        MessageType = "userLeft"
	TypePresence        MessageType = "presence"
	TypeRequestLock     MessageType = "requestLock"
	TypeLockAcquired    MessageType = "lockAcquired"
	TypeReleaseLock     MessageType = "releaseLock"
	TypeLockReleased    MessageType = "lockReleased"
	TypeProjectState    MessageType = "projectState"
	TypeChat            MessageType = "chat"
	TypeError           MessageType = "error"
)

// Message is one decoded protocol message. The fill method is unexported so
// the union stays closed to this package.
type Message interface {
	MessageType() MessageType
	fill()
}

// Authenticate opens a session: the first message a client sends after the
// connection is established. OperationIndex is the highest coordinator
// sequence the client has applied; the projectState reply only carries
// operations beyond it.
type Authenticate struct {
	Type           MessageType `json:"type"`
	UserID         string      `json:"userId"`
	SessionID      string      `json:"sessionId"`
	Name           string      `json:"name,omitempty"`
	Timestamp      int64       `json:"timestamp"`
	OperationIndex int64       `json:"operationIndex"`
}

func (m *Authenticate) MessageType() MessageType { return TypeAuthenticate }
func (m *Authenticate) fill()                    { m.Type = TypeAuthenticate }

// OperationMessage carries a single entity mutation in either direction.
type OperationMessage struct {
	Type MessageType `json:"type"`
	models.Operation
}

func (m *OperationMessage) MessageType() MessageType { return TypeOperation }
func (m *OperationMessage) fill()                    { m.Type = TypeOperation }

// BatchOperations carries 1–50 operations applied in order.
type BatchOperations struct {
	Type       MessageType        `json:"type"`
	Operations []models.Operation `json:"operations"`
	UserID     string             `json:"userId"`
	SessionID  string             `json:"sessionId"`
}

func (m *BatchOperations) MessageType() MessageType { return TypeBatchOperations }
func (m *BatchOperations) fill()                    { m.Type = TypeBatchOperations }

// Acknowledgement confirms the coordinator accepted an operation. Seq is the
// session sequence the coordinator assigned to it.
type Acknowledgement struct {
	Type        MessageType `json:"type"`
	OperationID int64       `json:"operationId"`
	Seq         int64       `json:"seq"`
	UserID      string      `json:"userId"`
}

func (m *Acknowledgement) MessageType() MessageType { return TypeAcknowledgement }
func (m *Acknowledgement) fill()                    { m.Type = TypeAcknowledgement }

// UserJoined announces a new participant to the rest of the session.
type UserJoined struct {
	Type   MessageType `json:"type"`
	UserID string      `json:"userId"`
	Name   string      `json:"name"`
	Color  string      `json:"color"`
}

func (m *UserJoined) MessageType() MessageType { return TypeUserJoined }
func (m *UserJoined) fill()                    { m.Type = TypeUserJoined }

// UserLeft announces a departed participant. All locks owned by the user are
// released before this message is relayed.
type UserLeft struct {
	Type   MessageType `json:"type"`
	UserID string      `json:"userId"`
	Name   string      `json:"name"`
	Color  string      `json:"color"`
}

func (m *UserLeft) MessageType() MessageType { return TypeUserLeft }
func (m *UserLeft) fill()                    { m.Type = TypeUserLeft }

// Presence is a fire-and-forget update of a participant's cursor, selection,
// viewport, tool, or status. Last write per userId wins; there is no
// acknowledgement and no retry.
type Presence struct {
	Type      MessageType              `json:"type"`
	UserID    string                   `json:"userId"`
	Cursor    *models.Cursor           `json:"cursor,omitempty"`
	Selection []string                 `json:"selection,omitempty"`
	Viewport  *models.Viewport         `json:"viewport,omitempty"`
	Status    models.ParticipantStatus `json:"status,omitempty"`
	Tool      string                   `json:"tool,omitempty"`
	Timestamp int64                    `json:"timestamp"`
}

func (m *Presence) MessageType() MessageType { return TypePresence }
func (m *Presence) fill()                    { m.Type = TypePresence }

// LockMessage is the shared shape of the four lock messages.
type LockMessage struct {
	Type          MessageType `json:"type"`
	LockKey       string      `json:"lockKey"`
	EntityID      string      `json:"entityId,omitempty"`
	ComponentType string      `json:"componentType,omitempty"`
	UserID        string      `json:"userId"`
	ExpiresAt     int64       `json:"expiresAt,omitempty"` // ms, set on lockAcquired
}

// RequestLock asks the coordinator for advisory ownership of a target key.
type RequestLock struct{ LockMessage }

func (m *RequestLock) MessageType() MessageType { return TypeRequestLock }
func (m *RequestLock) fill()                    { m.Type = TypeRequestLock }

// LockAcquired informs all participants of the new owner of a key.
type LockAcquired struct{ LockMessage }

func (m *LockAcquired) MessageType() MessageType { return TypeLockAcquired }
func (m *LockAcquired) fill()                    { m.Type = TypeLockAcquired }

// ReleaseLock gives up ownership; only effective from the current owner.
type ReleaseLock struct{ LockMessage }

func (m *ReleaseLock) MessageType() MessageType { return TypeReleaseLock }
func (m *ReleaseLock) fill()                    { m.Type = TypeReleaseLock }

// LockReleased informs all participants a key is free again.
type LockReleased struct{ LockMessage }

func (m *LockReleased) MessageType() MessageType { return TypeLockReleased }
func (m *LockReleased) fill()                    { m.Type = TypeLockReleased }

// ProjectState is the coordinator's resync reply to authenticate: the
// authoritative serialized document plus the operations the client missed.
type ProjectState struct {
	Type         MessageType           `json:"type"`
	State        json.RawMessage       `json:"state"`
	Operations   []models.Operation    `json:"operations"`
	Participants []*models.Participant `json:"participants,omitempty"`
}

func (m *ProjectState) MessageType() MessageType { return TypeProjectState }
func (m *ProjectState) fill()                    { m.Type = TypeProjectState }

// Chat is a session-scoped text message relayed to all other participants.
type Chat struct {
	Type      MessageType `json:"type"`
	Message   string      `json:"message"`
	UserID    string      `json:"userId"`
	Timestamp int64       `json:"timestamp"`
}

func (m *Chat) MessageType() MessageType { return TypeChat }
func (m *Chat) fill()                    { m.Type = TypeChat }

// ErrorMessage is sent back when an inbound message is rejected, so a sender
// never fails silently.
type ErrorMessage struct {
	Type    MessageType `json:"type"`
	Code    string      `json:"code"`
	Message string      `json:"message"`
}

func (m *ErrorMessage) MessageType() MessageType { return TypeError }
func (m *ErrorMessage) fill()                    { m.Type = TypeError }

// Encode validates m and marshals it with its discriminator filled in.
func Encode(m Message) ([]byte, error) {
	m.fill()
	if err := Validate(m); err != nil {
		return nil, err
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.MessageType(), err)
	}
	return data, nil
}

// Decode parses and validates one wire message. Schema-invalid messages are
// rejected here, before they can reach the resolver or applier.
func Decode(data []byte) (Message, error) {
	var head struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	var m Message
	switch head.Type {
	case TypeAuthenticate:
		m = &Authenticate{}
	case TypeOperation:
		m = &OperationMessage{}
	case TypeBatchOperations:
		m = &BatchOperations{}
	case TypeAcknowledgement:
		m = &Acknowledgement{}
	case TypeUserJoined:
		m = &UserJoined{}
	case TypeUserLeft:
		m = &UserLeft{}
	case TypePresence:
		m = &Presence{}
	case TypeRequestLock:
		m = &RequestLock{}
	case TypeLockAcquired:
		m = &LockAcquired{}
	case TypeReleaseLock:
		m = &ReleaseLock{}
	case TypeLockReleased:
		m = &LockReleased{}
	case TypeProjectState:
		m = &ProjectState{}
	case TypeChat:
		m = &Chat{}
	case TypeError:
		m = &ErrorMessage{}
	default:
		return nil, fmt.Errorf("unknown message type %q", head.Type)
	}

	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("decode %s: %w", head.Type, err)
	}
	m.fill()
	if err := Validate(m); err != nil {
		return nil, err
	}
	return m, nil
}
