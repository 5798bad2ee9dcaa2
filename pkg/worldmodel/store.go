// Package worldmodel holds the observed-state snapshot consumed by policy
// evaluation and the reconciler. The store is written by an external
// observation collaborator; governance code only ever sees the read-only
// Reader side, and snapshots are deep copies so no evaluation can reach
// back into live state.
package worldmodel

import (
	"maps"
	"sync"
	"time"
)

// Entity is one tracked object in the observed world.
type Entity struct {
	Type        string         `json:"type"`
	ID          string         `json:"id"`
	Properties  map[string]any `json:"properties"`
	Source      string         `json:"source,omitempty"`
	Confidence  float64        `json:"confidence"`
	Obligations []string       `json:"obligations,omitempty"`
	LastUpdated time.Time      `json:"last_updated"`
}

// Snapshot is an immutable view of the world at one observation point.
type Snapshot struct {
	Entities   map[string]Entity `json:"entities"`
	ObservedAt time.Time         `json:"observed_at"`
}

// Entity looks up an entity by id; the zero Entity and false when absent.
func (s Snapshot) Entity(id string) (Entity, bool) {
	e, ok := s.Entities[id]
	return e, ok
}

// Reader is the side of the store handed to governance components.
type Reader interface {
	Snapshot() Snapshot
}

// Store is the writable world model owned by the observation collaborator.
type Store struct {
	mu             sync.RWMutex
	entities       map[string]Entity
	lastObserved   time.Time
	lastReconciled time.Time
	clock          func() time.Time
}

// NewStore creates an empty world model store.
func NewStore() *Store {
	return &Store{
		entities: make(map[string]Entity),
		clock:    time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

// Upsert records the current state of an entity.
func (s *Store) Upsert(e Entity) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.LastUpdated.IsZero() {
		e.LastUpdated = s.clock()
	}
	if e.Confidence == 0 {
		e.Confidence = 1.0
	}
	e.Properties = maps.Clone(e.Properties)
	s.entities[e.ID] = e
	s.lastObserved = e.LastUpdated
}

// Remove drops an entity from the model.
func (s *Store) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entities, id)
}

// Snapshot returns a deep copy of the current world state.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]Entity, len(s.entities))
	for id, e := range s.entities {
		e.Properties = maps.Clone(e.Properties)
		e.Obligations = append([]string(nil), e.Obligations...)
		out[id] = e
	}
	return Snapshot{Entities: out, ObservedAt: s.clock()}
}

// MarkReconciled stamps the end of a reconciliation cycle.
func (s *Store) MarkReconciled() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastReconciled = s.clock()
}

// LastReconciled returns the timestamp of the most recent completed cycle.
func (s *Store) LastReconciled() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastReconciled
}
