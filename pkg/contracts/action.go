// Package contracts defines the shared value types that cross the
// governance boundary: submitted actions, lifecycle phases, verdicts,
// rejection parameters, and decision records.
//
// Everything in this package is a plain value. Holding one of these
// gives a caller no reference into policy storage or the ledger.
package contracts

import "time"

// Action is a single operation an agent proposes to perform.
// The payload is validated against the schema registered for TypeID
// before any policy evaluation happens.
type Action struct {
	ID       string         `json:"id"`
	TypeID   string         `json:"type_id"`
	IntentID string         `json:"intent_id,omitempty"`
	Actor    string         `json:"actor"`
	Target   string         `json:"target,omitempty"`
	Payload  map[string]any `json:"payload"`

	// RiskScore is the proposer's declared risk (1 trivial .. 10 critical).
	// The kernel escalates when it exceeds the boundary's authority threshold.
	RiskScore int `json:"risk_score,omitempty"`

	SubmittedAt time.Time `json:"submitted_at,omitempty"`
}

// AuthorizationLevel is the graduated autonomy scale attached to an
// action type. It is a property of registration, never inferred at
// evaluation time.
type AuthorizationLevel string

const (
	LevelL0 AuthorizationLevel = "L0" // fully autonomous
	LevelL1 AuthorizationLevel = "L1" // execute, notify human after
	LevelL2 AuthorizationLevel = "L2" // propose, await human approval
	LevelL3 AuthorizationLevel = "L3" // joint human-machine decision
	LevelL4 AuthorizationLevel = "L4" // mandatory human gate
)

// Rank returns the numeric position of the level (0..4), or -1 for an
// unknown value so that malformed input never sorts as "more autonomous".
func (l AuthorizationLevel) Rank() int {
	switch l {
	case LevelL0:
		return 0
	case LevelL1:
		return 1
	case LevelL2:
		return 2
	case LevelL3:
		return 3
	case LevelL4:
		return 4
	}
	return -1
}

// Valid reports whether l is one of the five defined levels.
func (l AuthorizationLevel) Valid() bool { return l.Rank() >= 0 }
