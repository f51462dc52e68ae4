package scene

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilupskalvis/scenesync/internal/models"
)

func TestDocument_CreateEntityIdempotent(t *testing.T) {
	d := NewDocument()

	require.NoError(t, d.CreateEntity("e1", map[string]any{
		"transform": map[string]any{"x": 1.0},
	}))
	// Replaying the same create must not error and must not clobber state.
	require.NoError(t, d.CreateEntity("e1", map[string]any{
		"transform": map[string]any{"x": 99.0},
	}))

	require.Equal(t, 1, d.Len())
	e := d.Entity("e1")
	require.NotNil(t, e)
	assert.Equal(t, 1.0, e.Components["transform"]["x"])
}

func TestDocument_ComponentLifecycle(t *testing.T) {
	d := NewDocument()
	require.NoError(t, d.CreateEntity("e1", nil))

	require.NoError(t, d.AddComponent("e1", "transform", map[string]any{"x": 1.0, "y": 2.0}))
	require.NoError(t, d.UpdateComponent("e1", "transform", map[string]any{"x": 5.0}))

	e := d.Entity("e1")
	assert.Equal(t, 5.0, e.Components["transform"]["x"])
	assert.Equal(t, 2.0, e.Components["transform"]["y"])

	require.NoError(t, d.RemoveComponent("e1", "transform"))
	assert.NotContains(t, e.Components, "transform")
}

func TestDocument_ErrorsOnMissingTargets(t *testing.T) {
	d := NewDocument()
	require.NoError(t, d.CreateEntity("e1", nil))

	assert.Error(t, d.DestroyEntity("nope"))
	assert.Error(t, d.AddComponent("nope", "transform", nil))
	assert.Error(t, d.UpdateComponent("e1", "transform", nil))
	assert.Error(t, d.RemoveComponent("e1", "transform"))
	assert.Error(t, d.CreateEntity("", nil))
}

func TestApply_DispatchesByType(t *testing.T) {
	d := NewDocument()

	ops := []*models.Operation{
		{Type: models.OpEntityCreated, Payload: models.OperationPayload{EntityID: "e1"}},
		{Type: models.OpComponentAdded, Payload: models.OperationPayload{EntityID: "e1", ComponentType: "sprite", Data: map[string]any{"src": "hero.png"}}},
		{Type: models.OpComponentUpdated, Payload: models.OperationPayload{EntityID: "e1", ComponentType: "sprite", Data: map[string]any{"src": "hero2.png"}}},
		{Type: models.OpComponentRemoved, Payload: models.OperationPayload{EntityID: "e1", ComponentType: "sprite"}},
		{Type: models.OpEntityDestroyed, Payload: models.OperationPayload{EntityID: "e1"}},
	}
	for _, op := range ops {
		require.NoError(t, Apply(d, op), "op %s", op.Type)
	}
	assert.Equal(t, 0, d.Len())

	err := Apply(d, &models.Operation{Type: "teleport", Payload: models.OperationPayload{EntityID: "e1"}})
	assert.Error(t, err)
}

func TestDocument_MutationCallback(t *testing.T) {
	d := NewDocument()

	var got []models.OperationType
	d.SetOnMutate(func(typ models.OperationType, payload models.OperationPayload) {
		got = append(got, typ)
	})

	require.NoError(t, d.CreateEntity("e1", nil))
	require.NoError(t, d.AddComponent("e1", "transform", map[string]any{"x": 0.0}))
	require.NoError(t, d.DestroyEntity("e1"))

	assert.Equal(t, []models.OperationType{
		models.OpEntityCreated,
		models.OpComponentAdded,
		models.OpEntityDestroyed,
	}, got)

	// Failed mutations never fire the callback.
	got = nil
	assert.Error(t, d.DestroyEntity("e1"))
	assert.Empty(t, got)
}

func TestDocument_SerializeLoadRoundTrip(t *testing.T) {
	d := NewDocument()
	require.NoError(t, d.CreateEntity("e1", nil))
	require.NoError(t, d.AddComponent("e1", "transform", map[string]any{"x": 3.5}))

	state, err := d.Serialize()
	require.NoError(t, err)

	restored := NewDocument()
	fired := false
	restored.SetOnMutate(func(models.OperationType, models.OperationPayload) { fired = true })
	require.NoError(t, restored.Load(state))

	assert.False(t, fired, "loading authoritative state is not a local edit")
	require.Equal(t, 1, restored.Len())
	assert.Equal(t, 3.5, restored.Entity("e1").Components["transform"]["x"])
}

func TestDocument_LoadEmptyStateResets(t *testing.T) {
	d := NewDocument()
	require.NoError(t, d.CreateEntity("e1", nil))
	require.NoError(t, d.Load(nil))
	assert.Equal(t, 0, d.Len())
}
