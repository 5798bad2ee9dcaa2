// Package kernel implements the governance decision point. Every
// action an agent wants performed passes through Evaluate, phase by
// phase, and every ruling lands in the decision ledger before the
// caller sees it. Unknown action types, unknown boundaries, and
// evaluator failures all refuse authorization; nothing proceeds on a
// missing or broken policy.
package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/agentplane/gap/pkg/audit"
	"github.com/agentplane/gap/pkg/boundary"
	"github.com/agentplane/gap/pkg/contracts"
	"github.com/agentplane/gap/pkg/lineage"
	"github.com/agentplane/gap/pkg/provenance"
	"github.com/agentplane/gap/pkg/registry"
	"github.com/agentplane/gap/pkg/worldmodel"
)

// Submitter is the only kernel surface handed to agent code. An agent
// can propose; it cannot touch the registry, boundaries, or the ledger.
type Submitter interface {
	Submit(ctx context.Context, action contracts.Action) (*contracts.Verdict, error)
}

// Metrics receives evaluation counters. The zero implementation is a
// nil interface; every call site checks for it.
type Metrics interface {
	Evaluation(verdict string)
	Rejection(reasonCode string)
	Escalation()
	LedgerAppend()
	EvaluationDuration(d time.Duration, verdict string)
}

// EscalationHook receives every escalated ruling after it is recorded.
// The human review queue is wired through it in the composition root.
type EscalationHook func(ctx context.Context, action contracts.Action, phase contracts.Phase, v *contracts.Verdict)

// EvalContext carries per-evaluation context the proposer supplies
// alongside the action.
type EvalContext struct {
	Uncertainty contracts.Uncertainty
	Trace       []string
}

// Option configures a Kernel.
type Option func(*Kernel)

// WithWorld wires the world snapshot source for constraint evaluation.
func WithWorld(r worldmodel.Reader) Option {
	return func(k *Kernel) { k.world = r }
}

// WithLimiter wires submission backpressure.
func WithLimiter(store LimiterStore, policy SubmissionPolicy) Option {
	return func(k *Kernel) { k.limiter = store; k.limitPolicy = policy }
}

// WithAuditLogger wires the audit event sink.
func WithAuditLogger(l audit.Logger) Option {
	return func(k *Kernel) { k.audit = l }
}

// WithMetrics wires evaluation counters.
func WithMetrics(m Metrics) Option {
	return func(k *Kernel) { k.metrics = m }
}

// WithClock overrides the evaluation clock for testing.
func WithClock(clock func() time.Time) Option {
	return func(k *Kernel) { k.clock = clock }
}

// WithCeiling sets the highest authorization level the kernel grants
// autonomously. Anything above it escalates to a human queue.
func WithCeiling(level contracts.AuthorizationLevel) Option {
	return func(k *Kernel) { k.ceiling = level }
}

// WithEscalationHook wires the consumer of escalated verdicts.
func WithEscalationHook(h EscalationHook) Option {
	return func(k *Kernel) { k.onEscalated = h }
}

// WithDeliverables wires the content-addressed store holding validated
// artifacts. Outcome validation then refuses a provenance statement
// whose deliverable is absent or does not match its recorded hash.
func WithDeliverables(r provenance.Resolver) Option {
	return func(k *Kernel) { k.deliverables = r }
}

// Kernel evaluates actions against registered types and installed
// authority boundaries, and records every ruling.
type Kernel struct {
	registry     registry.Registry
	boundaries   *boundary.Set
	ledger       *lineage.Ledger
	world        worldmodel.Reader
	limiter      LimiterStore
	limitPolicy  SubmissionPolicy
	audit        audit.Logger
	metrics      Metrics
	clock        func() time.Time
	ceiling      contracts.AuthorizationLevel
	onEscalated  EscalationHook
	deliverables provenance.Resolver

	mu     sync.Mutex
	phases map[string]contracts.Phase // action id -> last authorized phase
}

// NewKernel wires a kernel. Registry, boundary set, and ledger are
// mandatory; evaluation without any of them would be unauditable.
func NewKernel(reg registry.Registry, bounds *boundary.Set, ledger *lineage.Ledger, opts ...Option) (*Kernel, error) {
	if reg == nil {
		return nil, ErrRegistryRequired
	}
	if ledger == nil {
		return nil, ErrLedgerRequired
	}
	if bounds == nil {
		return nil, fmt.Errorf("kernel: boundary set is required")
	}

	k := &Kernel{
		registry:   reg,
		boundaries: bounds,
		ledger:     ledger,
		clock:      func() time.Time { return time.Now().UTC() },
		ceiling:    contracts.LevelL3,
		phases:     make(map[string]contracts.Phase),
	}
	for _, opt := range opts {
		opt(k)
	}
	return k, nil
}

// Submit evaluates the action at its next lifecycle gate. A fresh
// action starts at the proposal gate; each authorized submission
// advances one gate. Outcome validation and closing have their own
// entry points and are not reachable from here.
func (k *Kernel) Submit(ctx context.Context, action contracts.Action) (*contracts.Verdict, error) {
	k.mu.Lock()
	last := k.phases[action.ID]
	k.mu.Unlock()

	var next contracts.Phase
	switch last {
	case "":
		next = contracts.PhaseProposed
	case contracts.PhaseProposed:
		next = contracts.PhaseIntentAuthorized
	case contracts.PhaseIntentAuthorized:
		next = contracts.PhaseExecutionAuthorized
	default:
		return nil, fmt.Errorf("%w: %s is past submission gates (%s)", ErrActionClosed, action.ID, last)
	}

	return k.Evaluate(ctx, action, next, nil)
}

// Evaluate runs the full decision pipeline for one (action, phase)
// pair and appends the ruling to the ledger. The verdict the caller
// receives always names the appended record.
func (k *Kernel) Evaluate(ctx context.Context, action contracts.Action, phase contracts.Phase, ec *EvalContext) (*contracts.Verdict, error) {
	started := time.Now()
	v, err := k.evaluate(ctx, action, phase, ec)
	if v != nil && k.metrics != nil {
		k.metrics.EvaluationDuration(time.Since(started), string(v.Kind))
	}
	return v, err
}

func (k *Kernel) evaluate(ctx context.Context, action contracts.Action, phase contracts.Phase, ec *EvalContext) (*contracts.Verdict, error) {
	now := k.clock()
	if ec == nil {
		ec = &EvalContext{}
	}

	rec := contracts.DecisionRecord{
		ActionID:       action.ID,
		ActionType:     action.TypeID,
		Phase:          phase,
		ReasoningTrace: ec.Trace,
		Uncertainty:    ec.Uncertainty,
		TemporalContext: map[string]any{
			"evaluated_at": now.Format(time.RFC3339Nano),
		},
	}

	// Backpressure precedes everything else; a flooding actor does not
	// get policy evaluation.
	if err := checkBackpressure(ctx, k.limiter, action.Actor, k.limitPolicy); err != nil {
		return k.reject(ctx, rec, &contracts.RejectionParameters{
			ReasonCode: contracts.ReasonBackpressure,
			Detail:     err.Error(),
		})
	}

	// Phase legality.
	k.mu.Lock()
	last := k.phases[action.ID]
	k.mu.Unlock()
	if !phase.CanFollow(last) {
		return k.reject(ctx, rec, &contracts.RejectionParameters{
			ReasonCode: contracts.ReasonInvalidPhaseTransition,
			Detail:     fmt.Sprintf("phase %s cannot follow %q", phase, last),
		})
	}

	// Fail-closed type lookup.
	atype, err := k.registry.Lookup(action.TypeID)
	if err != nil {
		return k.reject(ctx, rec, &contracts.RejectionParameters{
			ReasonCode: contracts.ReasonUnregisteredActionType,
			Detail:     fmt.Sprintf("action type %q is not registered", action.TypeID),
		})
	}

	// Payload shape.
	if err := k.registry.ValidatePayload(action.TypeID, action.Payload); err != nil {
		return k.reject(ctx, rec, &contracts.RejectionParameters{
			ReasonCode: contracts.ReasonMalformedPayload,
			Detail:     err.Error(),
		})
	}

	// Boundary constraints.
	outcome, err := k.evaluateBoundaries(action, atype, phase, now, &rec)
	if err != nil {
		return k.escalate(ctx, action, rec, contracts.ReasonEvaluationUnavailable, err.Error())
	}
	if len(outcome.hardViolations) > 0 {
		return k.reject(ctx, rec, &contracts.RejectionParameters{
			ViolatedConstraints: outcome.hardViolations,
			AllowedSpace:        outcome.allowedSpace,
			ReasonCode:          contracts.ReasonPolicyViolation,
			Detail:              fmt.Sprintf("%d constraint(s) violated", len(outcome.hardViolations)),
		})
	}

	// Graduated authority. Declared risk above any evaluated boundary's
	// threshold, or an effective level above the kernel ceiling, goes
	// to a human.
	if action.RiskScore > outcome.minThreshold {
		return k.escalate(ctx, action, rec, contracts.ReasonRiskExceedsAuthority,
			fmt.Sprintf("risk %d exceeds boundary authority threshold %d", action.RiskScore, outcome.minThreshold))
	}
	level := effectiveLevel(atype.RequiredLevel, action.RiskScore)
	if level.Rank() > k.ceiling.Rank() {
		return k.escalate(ctx, action, rec, contracts.ReasonRiskExceedsAuthority,
			fmt.Sprintf("level %s exceeds kernel ceiling %s", level, k.ceiling))
	}

	// Authorized.
	rec.Verdict = contracts.VerdictAuthorized
	rec.Level = level
	id, err := k.append(ctx, &rec)
	if err != nil {
		return k.unrecordedEscalation(rec, err)
	}

	k.mu.Lock()
	k.phases[action.ID] = phase
	k.mu.Unlock()

	verdict := &contracts.Verdict{
		Kind:     contracts.VerdictAuthorized,
		Level:    level,
		RecordID: id,
		Soft:     outcome.softViolations,
	}
	k.observe(ctx, action.Actor, &rec)
	return verdict, nil
}

type boundaryOutcome struct {
	hardViolations []string
	softViolations []string
	allowedSpace   map[string]any
	minThreshold   int
}

// evaluateBoundaries runs every active constraint of every boundary
// bound to the action type. Any evaluation failure aborts the whole
// pass; a half-evaluated policy never authorizes.
func (k *Kernel) evaluateBoundaries(action contracts.Action, atype *registry.ActionType, phase contracts.Phase, now time.Time, rec *contracts.DecisionRecord) (*boundaryOutcome, error) {
	out := &boundaryOutcome{minThreshold: boundary.DefaultAuthorityThreshold}

	actionMap, err := toMap(action)
	if err != nil {
		return nil, fmt.Errorf("encode action: %w", err)
	}
	var worldMap map[string]any
	if k.world != nil {
		worldMap, err = toMap(k.world.Snapshot())
		if err != nil {
			return nil, fmt.Errorf("encode world snapshot: %w", err)
		}
	}

	in := boundary.Input{
		Action:    actionMap,
		Payload:   action.Payload,
		World:     worldMap,
		Phase:     string(phase),
		Timestamp: now.Unix(),
	}

	eval := k.boundaries.Evaluator()
	var active []string

	for _, name := range atype.Boundaries {
		b, err := k.boundaries.Get(name)
		if err != nil {
			return nil, fmt.Errorf("boundary %q: %w", name, err)
		}
		rec.BoundaryVersion = append(rec.BoundaryVersion, b.Ref())
		if t := b.Threshold(); t < out.minThreshold {
			out.minThreshold = t
		}

		for _, c := range b.Constraints {
			if !c.Activation.Active(now) {
				continue
			}
			active = append(active, c.Name)

			ok, err := eval.Evaluate(c.Expr, in)
			if err != nil {
				return nil, fmt.Errorf("constraint %q: %w", c.Name, err)
			}
			if ok {
				continue
			}

			if c.Kind == boundary.KindSoft {
				out.softViolations = append(out.softViolations, c.Name)
				continue
			}
			out.hardViolations = append(out.hardViolations, c.Name)
			if c.AllowedHints != nil {
				if out.allowedSpace == nil {
					out.allowedSpace = make(map[string]any)
				}
				for hk, hv := range c.AllowedHints {
					out.allowedSpace[hk] = hv
				}
			}
		}
	}

	rec.PolicySnapshot = map[string]any{
		"boundaries":         rec.BoundaryVersion,
		"active_constraints": active,
		"ceiling":            string(k.ceiling),
	}
	return out, nil
}

// ValidateOutcome records the outcome validation gate. The provenance
// statement must name distinct producer and validator identities.
func (k *Kernel) ValidateOutcome(ctx context.Context, actionID string, prov *contracts.Provenance) (*contracts.Verdict, error) {
	k.mu.Lock()
	last, known := k.phases[actionID]
	k.mu.Unlock()
	if !known {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAction, actionID)
	}

	rec := contracts.DecisionRecord{
		ActionID: actionID,
		Phase:    contracts.PhaseOutcomeValidated,
		TemporalContext: map[string]any{
			"evaluated_at": k.clock().Format(time.RFC3339Nano),
		},
	}

	if !contracts.PhaseOutcomeValidated.CanFollow(last) {
		return k.reject(ctx, rec, &contracts.RejectionParameters{
			ReasonCode: contracts.ReasonInvalidPhaseTransition,
			Detail:     fmt.Sprintf("outcome validation cannot follow %q", last),
		})
	}

	if err := provenance.Check(prov); err != nil {
		reason := contracts.ReasonMalformedPayload
		if errors.Is(err, provenance.ErrValidatorConflict) {
			reason = contracts.ReasonValidatorConflict
		}
		return k.reject(ctx, rec, &contracts.RejectionParameters{
			ReasonCode: reason,
			Detail:     err.Error(),
		})
	}

	if k.deliverables != nil {
		if err := provenance.VerifyStored(ctx, k.deliverables, prov); err != nil {
			return k.reject(ctx, rec, &contracts.RejectionParameters{
				ReasonCode: contracts.ReasonUnverifiedDeliverable,
				Detail:     err.Error(),
			})
		}
	}

	rec.Verdict = contracts.VerdictAuthorized
	rec.Provenance = prov
	id, err := k.append(ctx, &rec)
	if err != nil {
		return k.unrecordedEscalation(rec, err)
	}

	k.mu.Lock()
	k.phases[actionID] = contracts.PhaseOutcomeValidated
	k.mu.Unlock()

	k.observe(ctx, prov.ValidatedBy, &rec)
	return &contracts.Verdict{Kind: contracts.VerdictAuthorized, RecordID: id}, nil
}

// CloseAction ends a validated action's lifecycle.
func (k *Kernel) CloseAction(ctx context.Context, actionID string) (*contracts.Verdict, error) {
	k.mu.Lock()
	last, known := k.phases[actionID]
	k.mu.Unlock()
	if !known {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAction, actionID)
	}

	rec := contracts.DecisionRecord{
		ActionID: actionID,
		Phase:    contracts.PhaseClosed,
		TemporalContext: map[string]any{
			"evaluated_at": k.clock().Format(time.RFC3339Nano),
		},
	}

	if !contracts.PhaseClosed.CanFollow(last) {
		return k.reject(ctx, rec, &contracts.RejectionParameters{
			ReasonCode: contracts.ReasonInvalidPhaseTransition,
			Detail:     fmt.Sprintf("close cannot follow %q", last),
		})
	}

	rec.Verdict = contracts.VerdictAuthorized
	id, err := k.append(ctx, &rec)
	if err != nil {
		return k.unrecordedEscalation(rec, err)
	}

	k.mu.Lock()
	delete(k.phases, actionID)
	k.mu.Unlock()

	k.observe(ctx, "", &rec)
	return &contracts.Verdict{Kind: contracts.VerdictAuthorized, RecordID: id}, nil
}

// RecordReroute audits one rejected candidate inside the reroute loop
// without touching phase state.
func (k *Kernel) RecordReroute(ctx context.Context, action contracts.Action, phase contracts.Phase, iteration int, detail string) (string, error) {
	rec := contracts.DecisionRecord{
		ActionID:   action.ID,
		ActionType: action.TypeID,
		Phase:      phase,
		Verdict:    contracts.VerdictRejected,
		Rejection: &contracts.RejectionParameters{
			ReasonCode: contracts.ReasonCriticRejected,
			Detail:     detail,
		},
		ReasoningTrace: []string{fmt.Sprintf("reroute iteration %d", iteration)},
	}
	return k.append(ctx, &rec)
}

// RecordEscalation audits a terminal escalation raised outside the
// evaluation pipeline, such as a reroute loop giving up.
func (k *Kernel) RecordEscalation(ctx context.Context, action contracts.Action, phase contracts.Phase, reasonCode, detail string) (string, error) {
	rec := contracts.DecisionRecord{
		ActionID:   action.ID,
		ActionType: action.TypeID,
		Phase:      phase,
		Verdict:    contracts.VerdictEscalated,
		Rejection: &contracts.RejectionParameters{
			ReasonCode: reasonCode,
			Detail:     detail,
		},
	}
	id, err := k.append(ctx, &rec)
	if err != nil {
		return "", err
	}
	if k.metrics != nil {
		k.metrics.Escalation()
	}
	k.observe(ctx, action.Actor, &rec)
	if k.onEscalated != nil {
		k.onEscalated(ctx, action, phase, &contracts.Verdict{
			Kind:      contracts.VerdictEscalated,
			Reason:    detail,
			Rejection: rec.Rejection,
			RecordID:  id,
		})
	}
	return id, nil
}

// RecordConfirmation audits a reconciliation cycle that found no drift.
func (k *Kernel) RecordConfirmation(ctx context.Context, intentID string, detail string) (string, error) {
	rec := contracts.DecisionRecord{
		ActionID:       intentID,
		ActionType:     "reconciliation-confirmation",
		Phase:          contracts.PhaseOutcomeValidated,
		Verdict:        contracts.VerdictAuthorized,
		ReasoningTrace: []string{detail},
	}
	return k.append(ctx, &rec)
}

// LastPhase returns the last authorized phase for an action id.
func (k *Kernel) LastPhase(actionID string) (contracts.Phase, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	p, ok := k.phases[actionID]
	return p, ok
}

func (k *Kernel) reject(ctx context.Context, rec contracts.DecisionRecord, rp *contracts.RejectionParameters) (*contracts.Verdict, error) {
	rec.Verdict = contracts.VerdictRejected
	rec.Rejection = rp
	id, err := k.append(ctx, &rec)
	if err != nil {
		return k.unrecordedEscalation(rec, err)
	}
	if k.metrics != nil {
		k.metrics.Rejection(rp.ReasonCode)
	}
	k.observe(ctx, "", &rec)
	return &contracts.Verdict{
		Kind:      contracts.VerdictRejected,
		Rejection: rp,
		RecordID:  id,
	}, nil
}

func (k *Kernel) escalate(ctx context.Context, action contracts.Action, rec contracts.DecisionRecord, reasonCode, detail string) (*contracts.Verdict, error) {
	rec.Verdict = contracts.VerdictEscalated
	rec.Rejection = &contracts.RejectionParameters{ReasonCode: reasonCode, Detail: detail}
	id, err := k.append(ctx, &rec)
	if err != nil {
		return k.unrecordedEscalation(rec, err)
	}
	if k.metrics != nil {
		k.metrics.Escalation()
	}
	k.observe(ctx, action.Actor, &rec)
	v := &contracts.Verdict{
		Kind:      contracts.VerdictEscalated,
		Reason:    detail,
		Rejection: rec.Rejection,
		RecordID:  id,
	}
	if k.onEscalated != nil {
		k.onEscalated(ctx, action, rec.Phase, v)
	}
	return v, nil
}

// unrecordedEscalation handles ledger append failure. With no audit
// trail possible the kernel refuses authorization outright and surfaces
// the storage error to the operator.
func (k *Kernel) unrecordedEscalation(rec contracts.DecisionRecord, err error) (*contracts.Verdict, error) {
	if k.metrics != nil {
		k.metrics.Escalation()
	}
	return &contracts.Verdict{
		Kind:   contracts.VerdictEscalated,
		Reason: "decision could not be recorded",
		Rejection: &contracts.RejectionParameters{
			ReasonCode: contracts.ReasonEvaluationUnavailable,
			Detail:     err.Error(),
		},
	}, fmt.Errorf("kernel: record decision for %s: %w", rec.ActionID, err)
}

func (k *Kernel) append(ctx context.Context, rec *contracts.DecisionRecord) (string, error) {
	pos, err := k.ledger.Append(*rec)
	if err != nil {
		return "", err
	}
	if k.metrics != nil {
		k.metrics.LedgerAppend()
	}
	stored, err := k.ledger.Get(pos)
	if err != nil {
		return "", err
	}
	*rec = stored
	return stored.ID, nil
}

func (k *Kernel) observe(ctx context.Context, actor string, rec *contracts.DecisionRecord) {
	if k.metrics != nil {
		k.metrics.Evaluation(string(rec.Verdict))
	}
	if k.audit == nil {
		return
	}
	meta := map[string]any{
		"verdict": string(rec.Verdict),
		"phase":   string(rec.Phase),
	}
	if rec.Rejection != nil {
		meta["reason_code"] = rec.Rejection.ReasonCode
	}
	_ = k.audit.Record(ctx, actor, audit.EventDecision, "evaluate", "action/"+rec.ActionID, meta)
}

// effectiveLevel combines the registered requirement with the declared
// risk, taking the stricter of the two.
func effectiveLevel(required contracts.AuthorizationLevel, risk int) contracts.AuthorizationLevel {
	byRisk := levelForRisk(risk)
	if byRisk.Rank() > required.Rank() {
		return byRisk
	}
	return required
}

func levelForRisk(risk int) contracts.AuthorizationLevel {
	switch {
	case risk <= 2:
		return contracts.LevelL0
	case risk <= 4:
		return contracts.LevelL1
	case risk <= 6:
		return contracts.LevelL2
	case risk <= 8:
		return contracts.LevelL3
	default:
		return contracts.LevelL4
	}
}

func toMap(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}
