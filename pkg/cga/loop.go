// Package cga implements the constraint-guided reroute loop. When the
// kernel rejects an action, the loop feeds the rejection parameters to
// a proposer, reviews the reformulated candidate, and resubmits it for
// the same phase. The loop always terminates: attempts are bounded,
// repeated candidates are refused, and an exhausted solution space
// escalates to a human instead of spinning.
package cga

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/time/rate"

	"github.com/agentplane/gap/pkg/canonicalize"
	"github.com/agentplane/gap/pkg/contracts"
	"github.com/agentplane/gap/pkg/kernel"
)

// Decider is the kernel surface the loop needs. *kernel.Kernel
// satisfies it.
type Decider interface {
	Evaluate(ctx context.Context, action contracts.Action, phase contracts.Phase, ec *kernel.EvalContext) (*contracts.Verdict, error)
	RecordReroute(ctx context.Context, action contracts.Action, phase contracts.Phase, iteration int, detail string) (string, error)
	RecordEscalation(ctx context.Context, action contracts.Action, phase contracts.Phase, reasonCode, detail string) (string, error)
}

// Constraint is one accumulated lesson from a rejection. Later
// proposals see every constraint gathered so far, so the proposer
// narrows instead of thrashing.
type Constraint struct {
	Source string   `json:"source"`
	Names  []string `json:"names,omitempty"`
	Detail string   `json:"detail,omitempty"`
}

// ProposalRequest is the input to one reformulation attempt.
type ProposalRequest struct {
	Original     contracts.Action
	Phase        contracts.Phase
	Attempt      int
	Constraints  []Constraint
	AllowedSpace map[string]any
}

// Proposer reformulates a rejected action within the remaining
// solution space.
type Proposer interface {
	Propose(ctx context.Context, req ProposalRequest) (contracts.Action, error)
}

// Critic reviews a candidate before it reaches the kernel. A non-nil
// error rejects the candidate locally; the rejection is still recorded.
type Critic interface {
	Review(ctx context.Context, candidate contracts.Action, constraints []Constraint) error
}

// Advisor supplies hints learned from earlier reroutes of the same
// constraints. The learning engine implements it. Advice only widens
// the proposal request; the policy-derived solution space stays
// authoritative for exhaustion detection.
type Advisor interface {
	HintsFor(constraints []string) map[string]any
}

// Metrics counts reroute iterations. Nil means no telemetry.
type Metrics interface {
	RerouteIteration(actionType string)
}

// Outcome is the result of one complete loop run.
type Outcome struct {
	Final       *contracts.Verdict
	Attempts    int
	Candidates  []contracts.Action
	Constraints []Constraint
	Escalated   bool
}

// DefaultMaxAttempts bounds the loop when no option overrides it.
const DefaultMaxAttempts = 3

// Option configures a Loop.
type Option func(*Loop)

// WithMaxAttempts overrides the attempt bound.
func WithMaxAttempts(n int) Option {
	return func(l *Loop) { l.max = n }
}

// WithCritic wires a local reviewer ahead of kernel evaluation.
func WithCritic(c Critic) Option {
	return func(l *Loop) { l.critic = c }
}

// WithPacing rate-limits proposer calls. Reformulation usually rides
// an expensive collaborator; the loop must not hammer it.
func WithPacing(limit rate.Limit, burst int) Option {
	return func(l *Loop) { l.pacer = rate.NewLimiter(limit, burst) }
}

// WithAdvisor consults learned heuristics when building proposal
// requests.
func WithAdvisor(a Advisor) Option {
	return func(l *Loop) { l.advisor = a }
}

// WithMetrics wires reroute telemetry.
func WithMetrics(m Metrics) Option {
	return func(l *Loop) { l.metrics = m }
}

// Loop drives reject-reformulate-resubmit for one action at one phase.
type Loop struct {
	decider  Decider
	proposer Proposer
	critic   Critic
	advisor  Advisor
	metrics  Metrics
	pacer    *rate.Limiter
	max      int
}

// NewLoop wires a loop around a decider and a proposer.
func NewLoop(d Decider, p Proposer, opts ...Option) (*Loop, error) {
	if d == nil {
		return nil, fmt.Errorf("cga: decider is required")
	}
	if p == nil {
		return nil, fmt.Errorf("cga: proposer is required")
	}
	l := &Loop{
		decider:  d,
		proposer: p,
		max:      DefaultMaxAttempts,
		pacer:    rate.NewLimiter(rate.Inf, 1),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.max < 1 {
		l.max = 1
	}
	return l, nil
}

// Run submits the action, rerouting on rejection until it is
// authorized, escalated, or out of attempts. Candidates keep the
// original action's id: each resubmission targets the same phase gate.
func (l *Loop) Run(ctx context.Context, action contracts.Action, phase contracts.Phase) (*Outcome, error) {
	out := &Outcome{}
	visited := make(map[string]bool)
	var allowedSpace map[string]any
	var advice map[string]any

	candidate := action

	for attempt := 1; attempt <= l.max; attempt++ {
		out.Attempts = attempt

		if attempt > 1 {
			if l.metrics != nil {
				l.metrics.RerouteIteration(action.TypeID)
			}
			if err := l.pacer.Wait(ctx); err != nil {
				return l.escalate(ctx, out, action, phase, contracts.ReasonLoopExhausted,
					fmt.Sprintf("reroute deadline expired on attempt %d", attempt))
			}

			next, err := l.proposer.Propose(ctx, ProposalRequest{
				Original:     action,
				Phase:        phase,
				Attempt:      attempt,
				Constraints:  out.Constraints,
				AllowedSpace: mergeSpace(allowedSpace, advice),
			})
			if err != nil {
				return l.escalate(ctx, out, action, phase, contracts.ReasonCollaboratorFailure,
					fmt.Sprintf("proposer failed on attempt %d: %v", attempt, err))
			}
			next.ID = action.ID
			next.Actor = action.Actor
			candidate = next
		}

		fp, err := fingerprint(candidate)
		if err != nil {
			return nil, fmt.Errorf("cga: fingerprint candidate: %w", err)
		}
		if visited[fp] {
			return l.escalate(ctx, out, action, phase, contracts.ReasonLoopRepetition,
				fmt.Sprintf("attempt %d repeated an already-rejected candidate", attempt))
		}
		visited[fp] = true
		out.Candidates = append(out.Candidates, candidate)

		if l.critic != nil {
			if cerr := l.critic.Review(ctx, candidate, out.Constraints); cerr != nil {
				if _, rerr := l.decider.RecordReroute(ctx, candidate, phase, attempt, cerr.Error()); rerr != nil {
					return nil, fmt.Errorf("cga: record critic rejection: %w", rerr)
				}
				out.Constraints = append(out.Constraints, Constraint{
					Source: fmt.Sprintf("critic attempt %d", attempt),
					Detail: cerr.Error(),
				})
				continue
			}
		}

		verdict, err := l.decider.Evaluate(ctx, candidate, phase, &kernel.EvalContext{
			Trace: []string{fmt.Sprintf("reroute attempt %d of %d", attempt, l.max)},
		})
		if err != nil {
			return nil, fmt.Errorf("cga: evaluate attempt %d: %w", attempt, err)
		}

		switch verdict.Kind {
		case contracts.VerdictAuthorized:
			out.Final = verdict
			return out, nil

		case contracts.VerdictEscalated:
			out.Final = verdict
			out.Escalated = true
			return out, nil

		default:
			out.Constraints = append(out.Constraints, Constraint{
				Source: fmt.Sprintf("rejection attempt %d", attempt),
				Names:  verdict.Rejection.ViolatedConstraints,
				Detail: verdict.Rejection.Detail,
			})
			if verdict.Rejection.AllowedSpace != nil {
				if allowedSpace == nil {
					allowedSpace = make(map[string]any)
				}
				for hk, hv := range verdict.Rejection.AllowedSpace {
					allowedSpace[hk] = hv
				}
			}
			// A non-nil empty space means the rejection named no
			// remaining options at all.
			if allowedSpace != nil && len(allowedSpace) == 0 {
				return l.escalate(ctx, out, action, phase, contracts.ReasonSpaceExhausted,
					"rejection left no remaining solution space")
			}
			if l.advisor != nil && len(verdict.Rejection.ViolatedConstraints) > 0 {
				for hk, hv := range l.advisor.HintsFor(verdict.Rejection.ViolatedConstraints) {
					if advice == nil {
						advice = make(map[string]any)
					}
					advice[hk] = hv
				}
			}
		}
	}

	return l.escalate(ctx, out, action, phase, contracts.ReasonLoopExhausted,
		fmt.Sprintf("no compliant candidate within %d attempts; constraints: %s",
			l.max, summarize(out.Constraints)))
}

// escalate records the terminal escalation and returns it as the
// loop's final outcome. The full constraint trail rides along for the
// human picking this up.
func (l *Loop) escalate(ctx context.Context, out *Outcome, action contracts.Action, phase contracts.Phase, reasonCode, detail string) (*Outcome, error) {
	id, err := l.decider.RecordEscalation(ctx, action, phase, reasonCode, detail)
	if err != nil {
		return nil, fmt.Errorf("cga: record escalation: %w", err)
	}
	out.Final = &contracts.Verdict{
		Kind:   contracts.VerdictEscalated,
		Reason: detail,
		Rejection: &contracts.RejectionParameters{
			ReasonCode: reasonCode,
			Detail:     detail,
		},
		RecordID: id,
	}
	out.Escalated = true
	return out, nil
}

// mergeSpace overlays learned advice under the policy-derived space.
// A hint from a real rejection always wins over a remembered one.
func mergeSpace(space, advice map[string]any) map[string]any {
	if len(advice) == 0 {
		return space
	}
	merged := make(map[string]any, len(space)+len(advice))
	for k, v := range advice {
		merged[k] = v
	}
	for k, v := range space {
		merged[k] = v
	}
	return merged
}

// fingerprint identifies a candidate by what it would do, not by
// submission metadata.
func fingerprint(a contracts.Action) (string, error) {
	return canonicalize.CanonicalDigest("", struct {
		TypeID  string         `json:"type_id"`
		Target  string         `json:"target"`
		Payload map[string]any `json:"payload"`
	}{a.TypeID, a.Target, a.Payload})
}

func summarize(cs []Constraint) string {
	if len(cs) == 0 {
		return "none"
	}
	parts := make([]string, 0, len(cs))
	for _, c := range cs {
		if len(c.Names) > 0 {
			parts = append(parts, strings.Join(c.Names, ","))
			continue
		}
		parts = append(parts, c.Source)
	}
	return strings.Join(parts, "; ")
}
