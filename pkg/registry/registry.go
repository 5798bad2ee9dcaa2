// Package registry is the catalog of action types the kernel may evaluate.
// Anything not registered fails closed: lookup of an unknown type is a hard
// error and the kernel never substitutes a default-allow policy.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/agentplane/gap/pkg/contracts"
)

var (
	ErrDuplicateType    = errors.New("action type already registered")
	ErrInvalidSchema    = errors.New("invalid action type schema")
	ErrUnregisteredType = errors.New("unregistered action type")
	ErrBaselineRedefine = errors.New("baseline action type may not be redefined")
)

// Category groups action types by the kind of effect they have.
type Category string

// The five baseline categories. Domain registrations extend these;
// they never replace them.
const (
	CategoryObserve     Category = "observe"     // read-only queries
	CategoryCommunicate Category = "communicate" // outbound messages to people
	CategoryMutate      Category = "mutate"      // state changes in external systems
	CategoryTransact    Category = "transact"    // financial or contractual effects
	CategoryDelegate    Category = "delegate"    // handoff to humans or other agents
)

// RiskProfile describes the blast characteristics of an action type.
type RiskProfile struct {
	ImpactScope   string `json:"impact_scope" yaml:"impact_scope"`   // local | team | org | external
	Reversibility string `json:"reversibility" yaml:"reversibility"` // reversible | partial | irreversible
	BlastRadius   string `json:"blast_radius" yaml:"blast_radius"`   // narrow | moderate | wide
}

// ActionType is one registered action category. Immutable once registered.
type ActionType struct {
	ID            string                       `json:"id" yaml:"id"`
	Category      Category                     `json:"category" yaml:"category"`
	Description   string                       `json:"description,omitempty" yaml:"description,omitempty"`
	RequiredLevel contracts.AuthorizationLevel `json:"required_level" yaml:"required_level"`

	// Boundaries names the authority boundaries evaluated for this type.
	Boundaries []string `json:"boundaries,omitempty" yaml:"boundaries,omitempty"`

	// PayloadSchema is a JSON Schema the submitted payload must satisfy.
	PayloadSchema json.RawMessage `json:"payload_schema,omitempty" yaml:"-"`

	Risk         RiskProfile `json:"risk" yaml:"risk"`
	RegisteredBy string      `json:"registered_by,omitempty" yaml:"registered_by,omitempty"`
	RegisteredAt time.Time   `json:"registered_at,omitempty" yaml:"-"`
}

// Registry is the source of truth for which action types exist.
type Registry interface {
	Register(t *ActionType) error
	Lookup(typeID string) (*ActionType, error)
	List() []*ActionType
	ValidatePayload(typeID string, payload map[string]any) error
}

type entry struct {
	actionType *ActionType
	schema     *jsonschema.Schema
	baseline   bool
}

// InMemoryRegistry is a thread-safe in-memory Registry with the five
// baseline categories pre-registered.
type InMemoryRegistry struct {
	mu    sync.RWMutex
	types map[string]*entry
	clock func() time.Time
}

// NewInMemoryRegistry creates a registry seeded with the baseline types.
func NewInMemoryRegistry() *InMemoryRegistry {
	r := &InMemoryRegistry{
		types: make(map[string]*entry),
		clock: time.Now,
	}
	for _, t := range baselineTypes() {
		e, err := r.buildEntry(t)
		if err != nil {
			// Baseline schemas are compiled from literals; a failure here
			// is a programming error, not a runtime condition.
			panic(fmt.Sprintf("registry: baseline %s: %v", t.ID, err))
		}
		e.baseline = true
		r.types[t.ID] = e
	}
	return r
}

// WithClock overrides the registration timestamp source for tests.
func (r *InMemoryRegistry) WithClock(clock func() time.Time) *InMemoryRegistry {
	r.clock = clock
	return r
}

// Register installs a new action type. Baseline types cannot be
// redefined and duplicate ids are refused; registration is additive only.
func (r *InMemoryRegistry) Register(t *ActionType) error {
	if t == nil || strings.TrimSpace(t.ID) == "" {
		return fmt.Errorf("%w: missing type id", ErrInvalidSchema)
	}
	if !t.RequiredLevel.Valid() {
		return fmt.Errorf("%w: required level %q", ErrInvalidSchema, t.RequiredLevel)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.types[t.ID]; ok {
		if existing.baseline {
			return fmt.Errorf("%w: %s", ErrBaselineRedefine, t.ID)
		}
		return fmt.Errorf("%w: %s", ErrDuplicateType, t.ID)
	}

	e, err := r.buildEntry(t)
	if err != nil {
		return err
	}
	if e.actionType.RegisteredAt.IsZero() {
		e.actionType.RegisteredAt = r.clock()
	}
	r.types[t.ID] = e
	return nil
}

// Lookup returns the registered type or ErrUnregisteredType. There is no
// fallback: an unknown type is a hard failure by contract.
func (r *InMemoryRegistry) Lookup(typeID string) (*ActionType, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.types[typeID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnregisteredType, typeID)
	}
	cp := *e.actionType
	return &cp, nil
}

// List returns all registered types.
func (r *InMemoryRegistry) List() []*ActionType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*ActionType, 0, len(r.types))
	for _, e := range r.types {
		cp := *e.actionType
		out = append(out, &cp)
	}
	return out
}

// ValidatePayload checks a payload against the type's registered schema.
// Types without a schema accept any payload shape.
func (r *InMemoryRegistry) ValidatePayload(typeID string, payload map[string]any) error {
	r.mu.RLock()
	e, ok := r.types[typeID]
	r.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnregisteredType, typeID)
	}
	if e.schema == nil {
		return nil
	}

	// jsonschema validates generic values; round-trip through JSON so
	// typed payload values (ints, time.Time) normalize the same way
	// they would on the wire.
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("payload not serializable: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return fmt.Errorf("payload not serializable: %w", err)
	}
	if err := e.schema.Validate(generic); err != nil {
		return fmt.Errorf("payload rejected by schema for %s: %w", typeID, err)
	}
	return nil
}

func (r *InMemoryRegistry) buildEntry(t *ActionType) (*entry, error) {
	cp := *t
	e := &entry{actionType: &cp}

	if len(t.PayloadSchema) > 0 {
		compiled, err := jsonschema.CompileString(t.ID+".schema.json", string(t.PayloadSchema))
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidSchema, t.ID, err)
		}
		e.schema = compiled
	}
	return e, nil
}
