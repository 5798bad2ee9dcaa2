// Package api is the capability boundary between governance and
// everything outside it. Each caller role gets a narrow handle; no
// handle carries a reference to the registry, the boundary set, or the
// ledger's internals, so holding one confers exactly the operations it
// exposes and nothing reachable beyond them.
//
// Agent code gets Submit and the resulting verdicts. Planners get
// intent declaration. Auditors get read-only export and verification.
// The type system is the isolation mechanism: there is no flag to flip
// that widens a handle at runtime.
package api

import (
	"context"

	"github.com/agentplane/gap/pkg/audit"
	"github.com/agentplane/gap/pkg/contracts"
	"github.com/agentplane/gap/pkg/kernel"
	"github.com/agentplane/gap/pkg/lineage"
	"github.com/agentplane/gap/pkg/reconciler"
)

// AgentHandle is the only capability handed to agent-controlled code.
type AgentHandle struct {
	gate kernel.Submitter
}

// NewAgentHandle wraps the submission gate.
func NewAgentHandle(gate kernel.Submitter) *AgentHandle {
	return &AgentHandle{gate: gate}
}

// Submit proposes an action and returns the kernel's verdict. The
// verdict carries rejection parameters for the reroute loop; it never
// carries policy content.
func (h *AgentHandle) Submit(ctx context.Context, action contracts.Action) (*contracts.Verdict, error) {
	return h.gate.Submit(ctx, action)
}

// PlannerHandle lets a planning collaborator declare target states.
type PlannerHandle struct {
	rec *reconciler.Reconciler
}

// NewPlannerHandle wraps the reconciler's intent interface.
func NewPlannerHandle(rec *reconciler.Reconciler) *PlannerHandle {
	return &PlannerHandle{rec: rec}
}

// DeclareIntent registers a goal state with a validity window.
func (h *PlannerHandle) DeclareIntent(d reconciler.Declaration) (*reconciler.Intent, error) {
	return h.rec.DeclareIntent(d)
}

// Withdraw removes a declared intent.
func (h *PlannerHandle) Withdraw(intentID string) error {
	return h.rec.Withdraw(intentID)
}

// AuditorHandle exposes the read-only audit surface.
type AuditorHandle struct {
	ledger   *lineage.Ledger
	exporter *audit.Exporter
}

// NewAuditorHandle wraps the ledger for external auditors.
func NewAuditorHandle(ledger *lineage.Ledger) *AuditorHandle {
	return &AuditorHandle{
		ledger:   ledger,
		exporter: audit.NewExporter(ledger),
	}
}

// Records returns decision records in the inclusive sequence range.
// to == 0 means the current head.
func (h *AuditorHandle) Records(from, to uint64) ([]contracts.DecisionRecord, error) {
	return h.ledger.Range(from, to)
}

// Verify recomputes the chain over a range. to == 0 means the head.
func (h *AuditorHandle) Verify(from, to uint64) error {
	return h.ledger.Verify(from, to)
}

// Export builds a portable evidence pack for the range and returns the
// archive bytes with their checksum.
func (h *AuditorHandle) Export(ctx context.Context, req audit.ExportRequest) ([]byte, string, error) {
	return h.exporter.GeneratePack(ctx, req)
}
