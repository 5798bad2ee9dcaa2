// Package learning holds the agent-owned adaptation state: operational
// heuristics mined from decision history, and policy change proposals
// that wait for human review.
//
// The engine deliberately has no reference to the boundary set or the
// action type registry. Heuristics shape future strategy generation;
// policy only changes through the governance registration path, and a
// proposal here is nothing more than a request for a human to walk it.
package learning

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentplane/gap/pkg/contracts"
)

// HeuristicStatus gates whether a heuristic feeds strategy generation.
type HeuristicStatus string

const (
	HeuristicActive  HeuristicStatus = "active"
	HeuristicRetired HeuristicStatus = "retired"
)

// Heuristic is one learned pattern: when the pattern matches the
// planning context, the hint suggests how to adjust the next proposal.
type Heuristic struct {
	ID            string          `json:"id"`
	Pattern       string          `json:"pattern"`
	Hint          string          `json:"hint"`
	SourceRecords []string        `json:"source_records"`
	HitCount      int             `json:"hit_count"`
	SuccessRate   float64         `json:"success_rate"`
	LearnedAt     time.Time       `json:"learned_at"`
	Status        HeuristicStatus `json:"status"`
}

// Weight orders heuristics by usefulness.
func (h *Heuristic) Weight() float64 { return float64(h.HitCount) * h.SuccessRate }

// ProposalStatus is the review state of a policy proposal.
type ProposalStatus string

const (
	ProposalPending  ProposalStatus = "pending_review"
	ProposalApproved ProposalStatus = "approved"
	ProposalRejected ProposalStatus = "rejected"
)

// PolicyProposal asks a human to reconsider a boundary. Approval here
// changes nothing by itself.
type PolicyProposal struct {
	ID                string         `json:"id"`
	ProposedChange    string         `json:"proposed_change"`
	Rationale         string         `json:"rationale"`
	SupportingRecords []string       `json:"supporting_records"`
	RiskAssessment    string         `json:"risk_assessment"`
	Status            ProposalStatus `json:"status"`
	ReviewedBy        string         `json:"reviewed_by,omitempty"`
	ReviewedAt        *time.Time     `json:"reviewed_at,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
}

// Run is one completed authorization episode: the decision records an
// action accumulated across reroute attempts, plus whether execution
// ultimately succeeded.
type Run struct {
	Records []contracts.DecisionRecord
	Success bool
}

// Engine manages heuristics and proposals.
type Engine struct {
	mu         sync.Mutex
	heuristics map[string]*Heuristic
	proposals  map[string]*PolicyProposal
	clock      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// NewEngine creates an empty learning engine.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		heuristics: make(map[string]*Heuristic),
		proposals:  make(map[string]*PolicyProposal),
		clock:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Learn extracts a heuristic from a completed run. Single-attempt
// successes and runs without rejections carry no lesson. A repeated
// pattern updates the existing heuristic's success rate with an
// exponential moving average instead of creating a duplicate.
func (e *Engine) Learn(run Run) *Heuristic {
	if len(run.Records) <= 1 {
		return nil
	}

	var rejections []contracts.DecisionRecord
	for _, rec := range run.Records {
		if rec.Verdict == contracts.VerdictRejected {
			rejections = append(rejections, rec)
		}
	}
	if len(rejections) == 0 {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, rec := range rejections {
		if rec.Rejection == nil {
			continue
		}
		for _, constraint := range rec.Rejection.ViolatedConstraints {
			pattern := "constraint:" + constraint
			if existing := e.byPattern(pattern); existing != nil {
				existing.HitCount++
				if run.Success {
					existing.SuccessRate = 0.8*existing.SuccessRate + 0.2
				} else {
					existing.SuccessRate = 0.8 * existing.SuccessRate
				}
				continue
			}
			h := &Heuristic{
				ID:            "heur-" + uuid.New().String()[:12],
				Pattern:       pattern,
				Hint:          hintFor(rec.Rejection),
				SourceRecords: []string{rec.ID},
				HitCount:      1,
				LearnedAt:     e.clock(),
				Status:        HeuristicActive,
			}
			if run.Success {
				h.SuccessRate = 1.0
			}
			e.heuristics[h.ID] = h
			return h
		}
	}
	return nil
}

// byPattern finds the heuristic with the given pattern, if any. The
// caller must hold e.mu.
func (e *Engine) byPattern(pattern string) *Heuristic {
	for _, h := range e.heuristics {
		if h.Pattern == pattern {
			return h
		}
	}
	return nil
}

// hintFor turns the rejection's remaining solution space into a
// planning hint.
func hintFor(rej *contracts.RejectionParameters) string {
	if len(rej.AllowedSpace) == 0 {
		return "check before acting"
	}
	keys := make([]string, 0, len(rej.AllowedSpace))
	for k := range rej.AllowedSpace {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return "adjust within: " + fmt.Sprint(keys)
}

// HeuristicsFor returns active heuristics whose pattern names one of
// the given constraints, strongest first.
func (e *Engine) HeuristicsFor(constraints []string) []*Heuristic {
	e.mu.Lock()
	defer e.mu.Unlock()

	want := make(map[string]bool, len(constraints))
	for _, c := range constraints {
		want["constraint:"+c] = true
	}

	var out []*Heuristic
	for _, h := range e.heuristics {
		if h.Status != HeuristicActive || !want[h.Pattern] {
			continue
		}
		cp := *h
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Weight() > out[j].Weight() })
	return out
}

// HintsFor flattens the strongest heuristic per violated constraint
// into proposer hints, keyed by constraint name. It satisfies the
// reroute loop's advisor surface.
func (e *Engine) HintsFor(constraints []string) map[string]any {
	matched := e.HeuristicsFor(constraints)
	if len(matched) == 0 {
		return nil
	}
	out := make(map[string]any, len(matched))
	for _, h := range matched {
		name := strings.TrimPrefix(h.Pattern, "constraint:")
		if _, ok := out[name]; !ok {
			out[name] = h.Hint
		}
	}
	return out
}

// Heuristics returns a copy of every heuristic.
func (e *Engine) Heuristics() []*Heuristic {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Heuristic, 0, len(e.heuristics))
	for _, h := range e.heuristics {
		cp := *h
		out = append(out, &cp)
	}
	return out
}

// Propose surfaces a policy change for human review.
func (e *Engine) Propose(change, rationale, riskAssessment string, supporting []string) *PolicyProposal {
	p := &PolicyProposal{
		ID:                "pprop-" + uuid.New().String()[:12],
		ProposedChange:    change,
		Rationale:         rationale,
		SupportingRecords: supporting,
		RiskAssessment:    riskAssessment,
		Status:            ProposalPending,
		CreatedAt:         e.clock(),
	}
	e.mu.Lock()
	e.proposals[p.ID] = p
	e.mu.Unlock()
	return p
}

// Pending returns proposals awaiting review.
func (e *Engine) Pending() []*PolicyProposal {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*PolicyProposal
	for _, p := range e.proposals {
		if p.Status == ProposalPending {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Review resolves a pending proposal. It returns false when the
// proposal is unknown or already reviewed.
func (e *Engine) Review(proposalID, reviewer string, approve bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.proposals[proposalID]
	if !ok || p.Status != ProposalPending {
		return false
	}
	if approve {
		p.Status = ProposalApproved
	} else {
		p.Status = ProposalRejected
	}
	p.ReviewedBy = reviewer
	now := e.clock()
	p.ReviewedAt = &now
	return true
}

// minSampleSize guards DetectImprovement against noise.
const minSampleSize = 5

// DetectImprovement scans runs for constraints that escalate more
// often than they resolve. A constraint violated at least five times
// with an escalation rate above one half yields a review proposal.
func (e *Engine) DetectImprovement(runs []Run) *PolicyProposal {
	violations := make(map[string]int)
	escalations := make(map[string]int)
	var supporting []string

	for _, run := range runs {
		escalated := false
		for _, rec := range run.Records {
			if rec.Verdict == contracts.VerdictEscalated {
				escalated = true
				break
			}
		}
		for _, rec := range run.Records {
			if rec.Rejection == nil {
				continue
			}
			for _, c := range rec.Rejection.ViolatedConstraints {
				violations[c]++
				if escalated {
					escalations[c]++
				}
			}
		}
		if len(run.Records) > 0 && len(supporting) < 10 {
			supporting = append(supporting, run.Records[0].ID)
		}
	}

	names := make([]string, 0, len(violations))
	for c := range violations {
		names = append(names, c)
	}
	sort.Strings(names)

	for _, c := range names {
		total := violations[c]
		if total < minSampleSize {
			continue
		}
		esc := escalations[c]
		if float64(esc)/float64(total) <= 0.5 {
			continue
		}
		return e.Propose(
			fmt.Sprintf("review constraint %q: %d of %d violations escalated", c, esc, total),
			fmt.Sprintf("constraint %q escalates to a human in most runs; the reroute loop rarely finds a compliant alternative", c),
			"relaxing this constraint could cut escalation load but weakens a governance guardrail",
			supporting,
		)
	}
	return nil
}
