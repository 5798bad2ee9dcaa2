package worldmodel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreUpsertAndSnapshot(t *testing.T) {
	s := NewStore()
	s.Upsert(Entity{Type: "service", ID: "svc-x", Properties: map[string]any{"replicas": 1}})

	snap := s.Snapshot()
	e, ok := snap.Entity("svc-x")
	require.True(t, ok)
	assert.Equal(t, 1, e.Properties["replicas"])
	assert.Equal(t, 1.0, e.Confidence)
}

func TestSnapshotIsolation(t *testing.T) {
	s := NewStore()
	s.Upsert(Entity{Type: "lead", ID: "lead-1", Properties: map[string]any{"geo": "DE"}})

	snap := s.Snapshot()
	snap.Entities["lead-1"].Properties["geo"] = "US"

	// Mutating the snapshot must not leak into the store.
	again := s.Snapshot()
	e, _ := again.Entity("lead-1")
	assert.Equal(t, "DE", e.Properties["geo"])
}

func TestRemove(t *testing.T) {
	s := NewStore()
	s.Upsert(Entity{Type: "ticket", ID: "t-9", Properties: map[string]any{}})
	s.Remove("t-9")

	_, ok := s.Snapshot().Entity("t-9")
	assert.False(t, ok)
}

func TestMarkReconciled(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s := NewStore().WithClock(func() time.Time { return now })

	require.True(t, s.LastReconciled().IsZero())
	s.MarkReconciled()
	assert.Equal(t, now, s.LastReconciled())
}
