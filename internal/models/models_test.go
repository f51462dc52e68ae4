package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestOperationType_Valid(t *testing.T) {
	for _, typ := range []OperationType{OpEntityCreated, OpEntityDestroyed, OpComponentAdded, OpComponentUpdated, OpComponentRemoved} {
		assert.True(t, typ.Valid(), string(typ))
	}
	assert.False(t, OperationType("teleport").Valid())
	assert.False(t, OperationType("").Valid())
}

func TestOperation_TargetKey(t *testing.T) {
	entity := &Operation{Type: OpEntityDestroyed, Payload: OperationPayload{EntityID: "e42"}}
	assert.Equal(t, "e42", entity.TargetKey())

	component := &Operation{Type: OpComponentUpdated, Payload: OperationPayload{EntityID: "e42", ComponentType: "transform"}}
	assert.Equal(t, "e42:transform", component.TargetKey())
}

func TestLock_Expired(t *testing.T) {
	now := time.Now()
	l := &Lock{Key: "e1", OwnerID: "alice", AcquiredAt: now, ExpiresAt: now.Add(DefaultLockTimeout)}

	assert.False(t, l.Expired(now))
	assert.False(t, l.Expired(now.Add(DefaultLockTimeout)))
	assert.True(t, l.Expired(now.Add(DefaultLockTimeout+time.Millisecond)))
}

func TestSession_IdleSince(t *testing.T) {
	now := time.Now()
	s := &Session{ProjectID: "proj-1", LastActivity: now}

	assert.False(t, s.IdleSince(now.Add(23*time.Hour), SessionTTL))
	assert.True(t, s.IdleSince(now.Add(25*time.Hour), SessionTTL))
}
