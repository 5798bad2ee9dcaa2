package api

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentplane/gap/pkg/audit"
	"github.com/agentplane/gap/pkg/boundary"
	"github.com/agentplane/gap/pkg/contracts"
	"github.com/agentplane/gap/pkg/kernel"
	"github.com/agentplane/gap/pkg/lineage"
	"github.com/agentplane/gap/pkg/reconciler"
	"github.com/agentplane/gap/pkg/registry"
	"github.com/agentplane/gap/pkg/worldmodel"
)

func newStack(t *testing.T) (*kernel.Kernel, *lineage.Ledger, *reconciler.Reconciler) {
	t.Helper()
	set, err := boundary.NewSet()
	require.NoError(t, err)
	ledger := lineage.NewLedger()
	k, err := kernel.NewKernel(registry.NewInMemoryRegistry(), set, ledger)
	require.NoError(t, err)
	r, err := reconciler.New(worldmodel.NewStore(), k, reconciler.Config{})
	require.NoError(t, err)
	return k, ledger, r
}

func TestAgentHandleSubmitsAndSeesVerdictOnly(t *testing.T) {
	k, ledger, _ := newStack(t)
	agent := NewAgentHandle(k)

	v, err := agent.Submit(context.Background(), contracts.Action{
		ID:      "act-1",
		TypeID:  "state-query",
		Actor:   "agent-1",
		Payload: map[string]any{"system": "crm", "query": "select"},
	})
	require.NoError(t, err)
	assert.True(t, v.Authorized())
	assert.Equal(t, uint64(1), ledger.Length())
}

func TestPlannerHandleDeclaresIntents(t *testing.T) {
	_, _, rec := newStack(t)
	planner := NewPlannerHandle(rec)

	in, err := planner.DeclareIntent(reconciler.Declaration{
		DeclaredBy: "planner-1",
		EntityID:   "svc-x",
		Property:   "replicas",
		Target:     3,
	})
	require.NoError(t, err)
	require.NoError(t, planner.Withdraw(in.ID))
	assert.ErrorIs(t, planner.Withdraw(in.ID), reconciler.ErrIntentNotFound)
}

func TestAuditorHandleReadsAndVerifies(t *testing.T) {
	k, ledger, _ := newStack(t)
	agent := NewAgentHandle(k)
	auditor := NewAuditorHandle(ledger)

	for i := 0; i < 3; i++ {
		_, err := agent.Submit(context.Background(), contracts.Action{
			ID:      "act-1",
			TypeID:  "state-query",
			Actor:   "agent-1",
			Payload: map[string]any{"system": "crm"},
		})
		require.NoError(t, err)
	}

	recs, err := auditor.Records(1, 0)
	require.NoError(t, err)
	assert.Len(t, recs, 3)
	require.NoError(t, auditor.Verify(1, 0))

	pack, checksum, err := auditor.Export(context.Background(), audit.ExportRequest{})
	require.NoError(t, err)
	assert.NotEmpty(t, pack)
	assert.Len(t, checksum, 64)
}

// The agent-facing surface must not leak governance internals: the
// handle is submit-only, and verdict payloads marshal to plain data.
func TestAgentHandleSurface(t *testing.T) {
	k, _, _ := newStack(t)
	agent := NewAgentHandle(k)

	v, err := agent.Submit(context.Background(), contracts.Action{
		ID:      "act-x",
		TypeID:  "unregistered-type",
		Actor:   "agent-1",
		Payload: map[string]any{"system": "crm"},
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.VerdictRejected, v.Kind)

	raw, err := json.Marshal(v)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.NotContains(t, decoded, "boundaries")
	assert.NotContains(t, decoded, "ledger")
}
