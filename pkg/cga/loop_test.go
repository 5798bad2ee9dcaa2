package cga_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentplane/gap/pkg/boundary"
	"github.com/agentplane/gap/pkg/cga"
	"github.com/agentplane/gap/pkg/contracts"
	"github.com/agentplane/gap/pkg/kernel"
	"github.com/agentplane/gap/pkg/learning"
	"github.com/agentplane/gap/pkg/lineage"
	"github.com/agentplane/gap/pkg/registry"
)

// The learning engine is the production advisor.
var _ cga.Advisor = (*learning.Engine)(nil)

type proposeFunc func(ctx context.Context, req cga.ProposalRequest) (contracts.Action, error)

func (f proposeFunc) Propose(ctx context.Context, req cga.ProposalRequest) (contracts.Action, error) {
	return f(ctx, req)
}

type criticFunc func(ctx context.Context, candidate contracts.Action, constraints []cga.Constraint) error

func (f criticFunc) Review(ctx context.Context, candidate contracts.Action, constraints []cga.Constraint) error {
	return f(ctx, candidate, constraints)
}

func rerouteKernel(t *testing.T) (*kernel.Kernel, *lineage.Ledger) {
	t.Helper()

	reg := registry.NewInMemoryRegistry()
	require.NoError(t, reg.Register(&registry.ActionType{
		ID:            "data-export",
		Category:      registry.CategoryMutate,
		RequiredLevel: contracts.LevelL1,
		Boundaries:    []string{"privacy"},
		PayloadSchema: json.RawMessage(`{"type":"object","properties":{"destination":{"type":"string"},"contains_pii":{"type":"boolean"}},"required":["destination"]}`),
		RegisteredBy:  "test",
	}))

	set, err := boundary.NewSet()
	require.NoError(t, err)
	require.NoError(t, set.Install(&boundary.Boundary{
		Name:    "privacy",
		Version: "1.0.0",
		Constraints: []boundary.Constraint{{
			Name:         "no-pii-export",
			Kind:         boundary.KindHard,
			Expr:         `!(has(payload.contains_pii) && payload.contains_pii == true)`,
			Activation:   boundary.Activation{Always: true},
			AllowedHints: map[string]any{"redaction": "required"},
		}},
	}))

	ledger := lineage.NewLedger()
	k, err := kernel.NewKernel(reg, set, ledger)
	require.NoError(t, err)
	return k, ledger
}

func piiExport() contracts.Action {
	return contracts.Action{
		ID:     "act-1",
		TypeID: "data-export",
		Actor:  "agent-1",
		Target: "crm",
		Payload: map[string]any{
			"destination":  "s3-internal",
			"contains_pii": true,
		},
	}
}

func TestLoopAuthorizesFirstCompliantCandidate(t *testing.T) {
	k, _ := rerouteKernel(t)
	action := piiExport()
	action.Payload["contains_pii"] = false

	loop, err := cga.NewLoop(k, proposeFunc(func(ctx context.Context, req cga.ProposalRequest) (contracts.Action, error) {
		t.Fatal("proposer must not run when the original is compliant")
		return contracts.Action{}, nil
	}))
	require.NoError(t, err)

	out, err := loop.Run(context.Background(), action, contracts.PhaseProposed)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Attempts)
	assert.True(t, out.Final.Authorized())
	assert.False(t, out.Escalated)
}

func TestLoopReroutesWithRedaction(t *testing.T) {
	k, ledger := rerouteKernel(t)

	loop, err := cga.NewLoop(k, proposeFunc(func(ctx context.Context, req cga.ProposalRequest) (contracts.Action, error) {
		// The rejection's allowed space names redaction; the second
		// attempt complies by redacting the export.
		require.Equal(t, "required", req.AllowedSpace["redaction"])
		require.NotEmpty(t, req.Constraints)
		assert.Contains(t, req.Constraints[0].Names, "no-pii-export")

		next := req.Original
		next.Payload = map[string]any{
			"destination":  "s3-internal",
			"contains_pii": false,
			"redacted":     true,
		}
		return next, nil
	}))
	require.NoError(t, err)

	out, err := loop.Run(context.Background(), piiExport(), contracts.PhaseProposed)
	require.NoError(t, err)
	assert.Equal(t, 2, out.Attempts)
	assert.True(t, out.Final.Authorized())

	// Both the rejection and the authorization are on the record, and
	// the candidate kept the original action id.
	recs := ledger.ByAction("act-1")
	require.Len(t, recs, 2)
	assert.Equal(t, contracts.VerdictRejected, recs[0].Verdict)
	assert.Equal(t, contracts.VerdictAuthorized, recs[1].Verdict)
}

func TestLoopRefusesRepeatedCandidate(t *testing.T) {
	k, ledger := rerouteKernel(t)

	loop, err := cga.NewLoop(k, proposeFunc(func(ctx context.Context, req cga.ProposalRequest) (contracts.Action, error) {
		return req.Original, nil // same candidate again
	}))
	require.NoError(t, err)

	out, err := loop.Run(context.Background(), piiExport(), contracts.PhaseProposed)
	require.NoError(t, err)
	require.True(t, out.Escalated)
	assert.Equal(t, contracts.ReasonLoopRepetition, out.Final.Rejection.ReasonCode)

	last, err := ledger.Get(ledger.Length())
	require.NoError(t, err)
	assert.Equal(t, contracts.VerdictEscalated, last.Verdict)
}

func TestLoopExhaustsAttempts(t *testing.T) {
	k, _ := rerouteKernel(t)

	attempt := 0
	loop, err := cga.NewLoop(k, proposeFunc(func(ctx context.Context, req cga.ProposalRequest) (contracts.Action, error) {
		// Distinct but still non-compliant candidates.
		attempt++
		next := req.Original
		next.Payload = map[string]any{
			"destination":  "s3-internal",
			"contains_pii": true,
			"attempt":      attempt,
		}
		return next, nil
	}), cga.WithMaxAttempts(3))
	require.NoError(t, err)

	out, err := loop.Run(context.Background(), piiExport(), contracts.PhaseProposed)
	require.NoError(t, err)
	assert.Equal(t, 3, out.Attempts)
	require.True(t, out.Escalated)
	assert.Equal(t, contracts.ReasonLoopExhausted, out.Final.Rejection.ReasonCode)
	assert.Len(t, out.Constraints, 3)
}

func TestLoopEscalatesOnProposerFailure(t *testing.T) {
	k, _ := rerouteKernel(t)

	loop, err := cga.NewLoop(k, proposeFunc(func(ctx context.Context, req cga.ProposalRequest) (contracts.Action, error) {
		return contracts.Action{}, errors.New("model backend unavailable")
	}))
	require.NoError(t, err)

	out, err := loop.Run(context.Background(), piiExport(), contracts.PhaseProposed)
	require.NoError(t, err)
	require.True(t, out.Escalated)
	assert.Equal(t, contracts.ReasonCollaboratorFailure, out.Final.Rejection.ReasonCode)
}

func TestLoopPassesThroughKernelEscalation(t *testing.T) {
	k, _ := rerouteKernel(t)

	action := piiExport()
	action.Payload["contains_pii"] = false
	action.RiskScore = 10

	loop, err := cga.NewLoop(k, proposeFunc(func(ctx context.Context, req cga.ProposalRequest) (contracts.Action, error) {
		t.Fatal("an escalated verdict must terminate the loop")
		return contracts.Action{}, nil
	}))
	require.NoError(t, err)

	out, err := loop.Run(context.Background(), action, contracts.PhaseProposed)
	require.NoError(t, err)
	require.True(t, out.Escalated)
	assert.Equal(t, contracts.ReasonRiskExceedsAuthority, out.Final.Rejection.ReasonCode)
	assert.Equal(t, 1, out.Attempts)
}

func TestCriticRejectionIsRecordedAndRetried(t *testing.T) {
	k, ledger := rerouteKernel(t)

	loop, err := cga.NewLoop(k,
		proposeFunc(func(ctx context.Context, req cga.ProposalRequest) (contracts.Action, error) {
			next := req.Original
			next.Payload = map[string]any{
				"destination":  "s3-internal",
				"contains_pii": false,
			}
			return next, nil
		}),
		cga.WithCritic(criticFunc(func(ctx context.Context, candidate contracts.Action, constraints []cga.Constraint) error {
			if pii, _ := candidate.Payload["contains_pii"].(bool); pii {
				return errors.New("candidate still exports personal data")
			}
			return nil
		})),
	)
	require.NoError(t, err)

	out, err := loop.Run(context.Background(), piiExport(), contracts.PhaseProposed)
	require.NoError(t, err)
	assert.Equal(t, 2, out.Attempts)
	assert.True(t, out.Final.Authorized())

	// Attempt 1 never reached the kernel gate; the critic rejection is
	// recorded as a reroute step.
	recs := ledger.ByAction("act-1")
	require.Len(t, recs, 2)
	assert.Equal(t, contracts.VerdictRejected, recs[0].Verdict)
	assert.Equal(t, contracts.ReasonCriticRejected, recs[0].Rejection.ReasonCode)
}

func TestLoopEscalatesWhenSpaceExhausted(t *testing.T) {
	reg := registry.NewInMemoryRegistry()
	require.NoError(t, reg.Register(&registry.ActionType{
		ID:            "data-export",
		Category:      registry.CategoryMutate,
		RequiredLevel: contracts.LevelL1,
		Boundaries:    []string{"lockdown"},
		PayloadSchema: json.RawMessage(`{"type":"object"}`),
		RegisteredBy:  "test",
	}))

	set, err := boundary.NewSet()
	require.NoError(t, err)
	require.NoError(t, set.Install(&boundary.Boundary{
		Name:    "lockdown",
		Version: "1.0.0",
		Constraints: []boundary.Constraint{{
			Name:       "exports-frozen",
			Kind:       boundary.KindHard,
			Expr:       `false`,
			Activation: boundary.Activation{Always: true},
			// Empty hints: the constraint names no remaining options.
			AllowedHints: map[string]any{},
		}},
	}))

	k, err := kernel.NewKernel(reg, set, lineage.NewLedger())
	require.NoError(t, err)

	loop, err := cga.NewLoop(k, proposeFunc(func(ctx context.Context, req cga.ProposalRequest) (contracts.Action, error) {
		t.Fatal("an exhausted space must not trigger reformulation")
		return contracts.Action{}, nil
	}))
	require.NoError(t, err)

	out, err := loop.Run(context.Background(), contracts.Action{
		ID:      "act-9",
		TypeID:  "data-export",
		Actor:   "agent-1",
		Payload: map[string]any{},
	}, contracts.PhaseProposed)
	require.NoError(t, err)
	require.True(t, out.Escalated)
	assert.Equal(t, contracts.ReasonSpaceExhausted, out.Final.Rejection.ReasonCode)
}

type iterationCounter struct{ types []string }

func (c *iterationCounter) RerouteIteration(actionType string) { c.types = append(c.types, actionType) }

func TestLoopCountsRerouteIterations(t *testing.T) {
	k, _ := rerouteKernel(t)
	counter := &iterationCounter{}

	loop, err := cga.NewLoop(k, proposeFunc(func(ctx context.Context, req cga.ProposalRequest) (contracts.Action, error) {
		next := req.Original
		next.Payload = map[string]any{
			"destination":  "s3-internal",
			"contains_pii": false,
		}
		return next, nil
	}), cga.WithMetrics(counter))
	require.NoError(t, err)

	out, err := loop.Run(context.Background(), piiExport(), contracts.PhaseProposed)
	require.NoError(t, err)
	require.True(t, out.Final.Authorized())

	// One reformulation: the first submission is not a reroute.
	assert.Equal(t, []string{"data-export"}, counter.types)
}

func TestLoopConsultsLearnedHints(t *testing.T) {
	// Same policy as rerouteKernel but without allowed-space hints, so
	// the only narrowing available is what was learned before.
	reg := registry.NewInMemoryRegistry()
	require.NoError(t, reg.Register(&registry.ActionType{
		ID:            "data-export",
		Category:      registry.CategoryMutate,
		RequiredLevel: contracts.LevelL1,
		Boundaries:    []string{"privacy"},
		PayloadSchema: json.RawMessage(`{"type":"object","properties":{"destination":{"type":"string"},"contains_pii":{"type":"boolean"}},"required":["destination"]}`),
		RegisteredBy:  "test",
	}))
	set, err := boundary.NewSet()
	require.NoError(t, err)
	require.NoError(t, set.Install(&boundary.Boundary{
		Name:    "privacy",
		Version: "1.0.0",
		Constraints: []boundary.Constraint{{
			Name: "no-pii-export",
			Kind: boundary.KindHard,
			Expr: `!(has(payload.contains_pii) && payload.contains_pii == true)`,
		}},
	}))
	k, err := kernel.NewKernel(reg, set, lineage.NewLedger())
	require.NoError(t, err)

	engine := learning.NewEngine()
	engine.Learn(learning.Run{
		Success: true,
		Records: []contracts.DecisionRecord{
			{
				ID:      "rec-1",
				Verdict: contracts.VerdictRejected,
				Rejection: &contracts.RejectionParameters{
					ViolatedConstraints: []string{"no-pii-export"},
					AllowedSpace:        map[string]any{"redaction": "required"},
				},
			},
			{ID: "rec-2", Verdict: contracts.VerdictAuthorized},
		},
	})

	var sawHint any
	loop, err := cga.NewLoop(k, proposeFunc(func(ctx context.Context, req cga.ProposalRequest) (contracts.Action, error) {
		sawHint = req.AllowedSpace["no-pii-export"]
		next := req.Original
		next.Payload = map[string]any{
			"destination":  "s3-internal",
			"contains_pii": false,
		}
		return next, nil
	}), cga.WithAdvisor(engine))
	require.NoError(t, err)

	out, err := loop.Run(context.Background(), piiExport(), contracts.PhaseProposed)
	require.NoError(t, err)
	require.True(t, out.Final.Authorized())
	assert.Equal(t, "adjust within: [redaction]", sawHint)
}
