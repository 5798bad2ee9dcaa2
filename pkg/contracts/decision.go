package contracts

import "time"

// Uncertainty documents what the evaluator did not know at decision time.
// Assumptions that later fail and watch conditions that later fire are
// the raw material for calibration.
type Uncertainty struct {
	Assumptions     []string `json:"assumptions,omitempty"`
	WatchConditions []string `json:"watch_conditions,omitempty"`
	KnownUnknowns   []string `json:"known_unknowns,omitempty"`
	Confidence      float64  `json:"confidence"`
}

// DecisionRecord is the audited unit of one authorization decision.
//
// Records are created once per phase per attempt and never mutated;
// a correction is a new record whose trace references the original.
// Sequence, PreviousHash, and Hash are assigned by the ledger on append
// and must be zero on a record submitted for appending.
type DecisionRecord struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`

	ActionID   string `json:"action_id"`
	ActionType string `json:"action_type"`
	Phase      Phase  `json:"phase"`

	// BoundaryVersion names each authority boundary evaluated, as
	// "name@version", so a later audit can recover the exact policy text.
	BoundaryVersion []string `json:"boundary_version,omitempty"`

	Verdict        VerdictKind          `json:"verdict"`
	Level          AuthorizationLevel   `json:"level,omitempty"`
	Rejection      *RejectionParameters `json:"rejection,omitempty"`
	ReasoningTrace []string             `json:"reasoning_trace,omitempty"`
	Uncertainty    Uncertainty          `json:"uncertainty"`

	// PolicySnapshot and TemporalContext capture the evaluation moment:
	// which constraints were active and when the evaluation ran.
	PolicySnapshot  map[string]any `json:"policy_snapshot,omitempty"`
	TemporalContext map[string]any `json:"temporal_context,omitempty"`

	Provenance *Provenance `json:"provenance,omitempty"`

	Sequence     uint64 `json:"sequence"`
	PreviousHash string `json:"previous_hash"`
	Hash         string `json:"hash"`
}
