package models

// OperationType names the entity-runtime mutation an operation performs.
type OperationType string

const (
	OpEntityCreated    OperationType = "entityCreated"
	OpEntityDestroyed  OperationType = "entityDestroyed"
	OpComponentAdded   OperationType = "componentAdded"
	OpComponentUpdated OperationType = "componentUpdated"
	OpComponentRemoved OperationType = "componentRemoved"
)

// Valid reports whether t is one of the known operation types.
func (t OperationType) Valid() bool {
	switch t {
	case OpEntityCreated, OpEntityDestroyed, OpComponentAdded, OpComponentUpdated, OpComponentRemoved:
		return true
	}
	return false
}

// OperationPayload is the target of a mutation. EntityID is always set;
// ComponentType only for component operations.
type OperationPayload struct {
	EntityID      string         `json:"entityId"`
	ComponentType string         `json:"componentType,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
}

// Operation is a single timestamped, user-attributed mutation record broadcast
// to all session participants.
//
// ID is monotonic per client and unique only within a (userId, sessionId)
// pair. Seq is the coordinator-assigned session sequence used for resync
// filtering; it is zero until the coordinator accepts the operation.
// LamportClock is strictly increasing for a given userId within a session.
type Operation struct {
	ID           int64            `json:"operationId"`
	Seq          int64            `json:"seq,omitempty"`
	Type         OperationType    `json:"operationType"`
	Payload      OperationPayload `json:"data"`
	UserID       string           `json:"userId"`
	SessionID    string           `json:"sessionId"`
	Timestamp    int64            `json:"timestamp"` // wall clock, milliseconds
	LamportClock int64            `json:"lamportClock"`
	Dependencies []string         `json:"dependencies,omitempty"`
	Priority     int              `json:"priority,omitempty"`
}

// TargetKey returns the lock key for the operation's target:
// "entityId" for entity operations, "entityId:componentType" for component
// operations.
func (o *Operation) TargetKey() string {
	if o.Payload.ComponentType == "" {
		return o.Payload.EntityID
	}
	return o.Payload.EntityID + ":" + o.Payload.ComponentType
}
