package contracts

// Phase is a stage in the authorization lifecycle of one action.
//
// The authorization path is strictly ordered:
//
//	Proposed → IntentAuthorized → ExecutionAuthorized → OutcomeValidated → Closed
//
// Rejected and Escalated are terminal for the attempt and reachable from
// any authorization phase. Authorizing one phase never pre-authorizes the
// next; each is re-evaluated against the boundary and world state current
// at that moment.
type Phase string

const (
	PhaseProposed            Phase = "PROPOSED"
	PhaseIntentAuthorized    Phase = "INTENT_AUTHORIZED"
	PhaseExecutionAuthorized Phase = "EXECUTION_AUTHORIZED"
	PhaseOutcomeValidated    Phase = "OUTCOME_VALIDATED"
	PhaseClosed              Phase = "CLOSED"
	PhaseRejected            Phase = "REJECTED"
	PhaseEscalated           Phase = "ESCALATED"
)

// authorizationOrder lists the gates in the order they must be passed.
var authorizationOrder = []Phase{
	PhaseProposed,
	PhaseIntentAuthorized,
	PhaseExecutionAuthorized,
	PhaseOutcomeValidated,
	PhaseClosed,
}

// IsAuthorizationPhase reports whether p is a gate on the ordered path
// (as opposed to the Rejected/Escalated terminals).
func (p Phase) IsAuthorizationPhase() bool {
	for _, q := range authorizationOrder {
		if p == q {
			return true
		}
	}
	return false
}

// CanFollow reports whether evaluating phase p is legal when the action's
// last authorized phase was prev. The first gate requires no predecessor;
// PhaseProposed is used as the zero predecessor for a fresh action.
func (p Phase) CanFollow(prev Phase) bool {
	for i, q := range authorizationOrder {
		if q != p {
			continue
		}
		if i == 0 {
			return prev == "" || prev == PhaseProposed
		}
		return prev == authorizationOrder[i-1]
	}
	return false
}
