package registry

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentplane/gap/pkg/contracts"
)

func TestBaselinePreRegistered(t *testing.T) {
	r := NewInMemoryRegistry()
	assert.Len(t, r.List(), 5)

	for _, id := range []string{"state-query", "outbound-message", "state-correction", "financial-operation", "human-handoff"} {
		at, err := r.Lookup(id)
		require.NoError(t, err, id)
		assert.True(t, at.RequiredLevel.Valid())
	}
}

func TestLookupUnregisteredFailsClosed(t *testing.T) {
	r := NewInMemoryRegistry()
	_, err := r.Lookup("bulk-delete")
	assert.ErrorIs(t, err, ErrUnregisteredType)
}

func TestRegisterDomainExtension(t *testing.T) {
	r := NewInMemoryRegistry()
	err := r.Register(&ActionType{
		ID:            "data-export",
		Category:      CategoryMutate,
		RequiredLevel: contracts.LevelL2,
		Boundaries:    []string{"no-pii-export"},
		PayloadSchema: json.RawMessage(`{"type":"object","properties":{"fields":{"type":"array","items":{"type":"string"}}},"required":["fields"]}`),
	})
	require.NoError(t, err)

	at, err := r.Lookup("data-export")
	require.NoError(t, err)
	assert.Equal(t, contracts.LevelL2, at.RequiredLevel)
}

func TestRegisterDuplicate(t *testing.T) {
	r := NewInMemoryRegistry()
	def := &ActionType{ID: "data-export", Category: CategoryMutate, RequiredLevel: contracts.LevelL2}
	require.NoError(t, r.Register(def))
	assert.ErrorIs(t, r.Register(def), ErrDuplicateType)
}

func TestRegisterBaselineRedefineRefused(t *testing.T) {
	r := NewInMemoryRegistry()
	err := r.Register(&ActionType{ID: "outbound-message", Category: CategoryCommunicate, RequiredLevel: contracts.LevelL0})
	assert.ErrorIs(t, err, ErrBaselineRedefine)
}

func TestRegisterInvalidSchema(t *testing.T) {
	r := NewInMemoryRegistry()
	err := r.Register(&ActionType{
		ID:            "broken",
		Category:      CategoryObserve,
		RequiredLevel: contracts.LevelL0,
		PayloadSchema: json.RawMessage(`{"type": 12}`),
	})
	assert.ErrorIs(t, err, ErrInvalidSchema)
}

func TestRegisterInvalidLevel(t *testing.T) {
	r := NewInMemoryRegistry()
	err := r.Register(&ActionType{ID: "x", Category: CategoryObserve, RequiredLevel: "L9"})
	assert.ErrorIs(t, err, ErrInvalidSchema)
}

func TestValidatePayload(t *testing.T) {
	r := NewInMemoryRegistry()

	err := r.ValidatePayload("outbound-message", map[string]any{"recipient": "lead-1", "channel": "email"})
	assert.NoError(t, err)

	err = r.ValidatePayload("outbound-message", map[string]any{"channel": "email"})
	assert.Error(t, err, "missing required recipient")

	err = r.ValidatePayload("missing-type", map[string]any{})
	assert.ErrorIs(t, err, ErrUnregisteredType)
}

func TestLookupReturnsCopy(t *testing.T) {
	r := NewInMemoryRegistry()
	at, err := r.Lookup("state-query")
	require.NoError(t, err)
	at.RequiredLevel = contracts.LevelL4

	again, err := r.Lookup("state-query")
	require.NoError(t, err)
	assert.Equal(t, contracts.LevelL0, again.RequiredLevel)
}
