package contracts

// VerdictKind is the outcome class of one evaluation.
type VerdictKind string

const (
	VerdictAuthorized VerdictKind = "AUTHORIZED"
	VerdictRejected   VerdictKind = "REJECTED"
	VerdictEscalated  VerdictKind = "ESCALATED"
)

// Machine-readable reason codes carried on rejections and escalations.
const (
	ReasonUnregisteredActionType = "UNREGISTERED_ACTION_TYPE"
	ReasonMalformedPayload       = "MALFORMED_PAYLOAD"
	ReasonPolicyViolation        = "POLICY_VIOLATION"
	ReasonInvalidPhaseTransition = "INVALID_PHASE_TRANSITION"
	ReasonBackpressure           = "BACKPRESSURE"
	ReasonEvaluationUnavailable  = "EVALUATION_UNAVAILABLE"
	ReasonRiskExceedsAuthority   = "RISK_EXCEEDS_AUTHORITY"
	ReasonValidatorConflict      = "VALIDATOR_CONFLICT"
	ReasonUnverifiedDeliverable  = "UNVERIFIED_DELIVERABLE"
	ReasonLoopExhausted          = "LOOP_EXHAUSTED"
	ReasonLoopRepetition         = "LOOP_REPETITION"
	ReasonSpaceExhausted         = "SOLUTION_SPACE_EXHAUSTED"
	ReasonCollaboratorFailure    = "COLLABORATOR_FAILURE"
	ReasonCriticRejected         = "CRITIC_REJECTED"
)

// RejectionParameters is the structured output of a failed evaluation.
// It is consumed by the reroute loop, never by the agent directly: it
// names what was violated and what part of the solution space remains.
type RejectionParameters struct {
	ViolatedConstraints []string       `json:"violated_constraints"`
	AllowedSpace        map[string]any `json:"allowed_space,omitempty"`
	ReasonCode          string         `json:"reason_code"`
	Detail              string         `json:"detail,omitempty"`
}

// Verdict is the kernel's ruling on one (action, phase) evaluation.
// Exactly one of Rejection / Reason is populated for the non-authorized
// kinds. RecordID points at the decision record appended for this ruling.
type Verdict struct {
	Kind      VerdictKind          `json:"kind"`
	Level     AuthorizationLevel   `json:"level,omitempty"`
	Rejection *RejectionParameters `json:"rejection,omitempty"`
	Reason    string               `json:"reason,omitempty"`
	RecordID  string               `json:"record_id"`
	Soft      []string             `json:"soft_violations,omitempty"`
}

// Authorized reports whether the verdict permits the action to proceed
// (subject to its level's human gating).
func (v *Verdict) Authorized() bool { return v != nil && v.Kind == VerdictAuthorized }
