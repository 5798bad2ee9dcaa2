package contracts

import "time"

// Provenance attaches durable-deliverable evidence to a decision record.
// The validating identity must differ from the producing identity;
// self-validation is rejected unconditionally.
type Provenance struct {
	// ArtifactHash is the content address of the deliverable,
	// "sha256:<hex>" (or the configured digest algorithm).
	ArtifactHash string `json:"artifact_hash"`

	ProducedBy  string    `json:"produced_by"`
	ValidatedBy string    `json:"validated_by"`
	ValidatedAt time.Time `json:"validated_at,omitempty"`

	// Evidence lists what the validator actually checked.
	Evidence []string `json:"evidence,omitempty"`

	// ResidualUncertainty lists the doubts the validator could not
	// resolve. Empty means the outcome validated cleanly.
	ResidualUncertainty []string `json:"residual_uncertainty,omitempty"`
}
