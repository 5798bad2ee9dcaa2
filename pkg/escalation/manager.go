// Package escalation routes escalated verdicts to a human review queue,
// tracks their lifecycle, and produces immutable resolution receipts.
//
// Cases expire. An expired case resolves to TIMED_OUT and the held
// action stays blocked, so an unattended queue never leaks authority.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentplane/gap/pkg/audit"
	"github.com/agentplane/gap/pkg/canonicalize"
	"github.com/agentplane/gap/pkg/contracts"
)

// Status is the lifecycle state of an escalation case.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusApproved Status = "APPROVED"
	StatusDenied   Status = "DENIED"
	StatusTimedOut Status = "TIMED_OUT"
)

var (
	ErrCaseNotFound  = errors.New("escalation: case not found")
	ErrCaseResolved  = errors.New("escalation: case already resolved")
	ErrTokenMismatch = errors.New("escalation: token subject does not match case")
)

// Case is one escalated action awaiting human judgment.
type Case struct {
	ID         string          `json:"id"`
	ActionID   string          `json:"action_id"`
	ActionType string          `json:"action_type"`
	RecordID   string          `json:"record_id,omitempty"`
	Phase      contracts.Phase `json:"phase"`
	ReasonCode string          `json:"reason_code"`
	Detail     string          `json:"detail,omitempty"`
	RaisedBy   string          `json:"raised_by"`
	CreatedAt  time.Time       `json:"created_at"`
	ExpiresAt  time.Time       `json:"expires_at"`
	Status     Status          `json:"status"`
}

// Receipt is the immutable record of how a case was resolved.
type Receipt struct {
	ID          string    `json:"id"`
	CaseID      string    `json:"case_id"`
	Outcome     Status    `json:"outcome"`
	ResolvedBy  string    `json:"resolved_by,omitempty"`
	Note        string    `json:"note,omitempty"`
	ResolvedAt  time.Time `json:"resolved_at"`
	DurationMs  int64     `json:"duration_ms"`
	ContentHash string    `json:"content_hash"`
}

// Manager owns the review queue.
type Manager struct {
	mu      sync.Mutex
	cases   map[string]*Case
	tokens  *TokenIssuer
	auditor audit.Logger
	timeout time.Duration
	clock   func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) { m.clock = clock }
}

// WithTimeout overrides the default case timeout.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) { m.timeout = d }
}

// WithAuditLogger emits escalation lifecycle events.
func WithAuditLogger(l audit.Logger) Option {
	return func(m *Manager) { m.auditor = l }
}

// DefaultTimeout is how long a case stays actionable before timing out.
const DefaultTimeout = 15 * time.Minute

// NewManager creates a queue whose resolution tokens are signed with a
// key derived from seed.
func NewManager(seed []byte, opts ...Option) (*Manager, error) {
	issuer, err := NewTokenIssuer(seed)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		cases:   make(map[string]*Case),
		tokens:  issuer,
		timeout: DefaultTimeout,
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Tokens exposes the issuer so callers can mint reviewer tokens.
func (m *Manager) Tokens() *TokenIssuer { return m.tokens }

// Raise opens a case for an escalated verdict and returns it together
// with a resolution token for the reviewer.
func (m *Manager) Raise(ctx context.Context, action contracts.Action, phase contracts.Phase, verdict *contracts.Verdict) (*Case, string, error) {
	if verdict == nil || verdict.Kind != contracts.VerdictEscalated {
		return nil, "", fmt.Errorf("escalation: verdict for action %q is not escalated", action.ID)
	}

	now := m.clock()
	c := &Case{
		ID:         "esc-" + uuid.New().String()[:8],
		ActionID:   action.ID,
		ActionType: action.TypeID,
		RecordID:   verdict.RecordID,
		Phase:      phase,
		RaisedBy:   action.Actor,
		CreatedAt:  now,
		ExpiresAt:  now.Add(m.timeout),
		Status:     StatusPending,
	}
	if verdict.Rejection != nil {
		c.ReasonCode = verdict.Rejection.ReasonCode
		c.Detail = verdict.Rejection.Detail
	}

	token, err := m.tokens.Issue(c.ID, "reviewer", m.timeout)
	if err != nil {
		return nil, "", fmt.Errorf("escalation: issue resolution token: %w", err)
	}

	m.mu.Lock()
	m.cases[c.ID] = c
	m.mu.Unlock()

	m.emit(ctx, action.Actor, "escalation.raised", c)
	return c, token, nil
}

// Approve resolves a case in favor of the held action. The token must
// be a valid resolution token for this case.
func (m *Manager) Approve(ctx context.Context, caseID, token, note string) (*Receipt, error) {
	return m.resolve(ctx, caseID, token, note, StatusApproved)
}

// Deny resolves a case against the held action.
func (m *Manager) Deny(ctx context.Context, caseID, token, reason string) (*Receipt, error) {
	return m.resolve(ctx, caseID, token, reason, StatusDenied)
}

func (m *Manager) resolve(ctx context.Context, caseID, token, note string, outcome Status) (*Receipt, error) {
	claims, err := m.tokens.Verify(token)
	if err != nil {
		return nil, fmt.Errorf("escalation: verify resolution token: %w", err)
	}
	if claims.Subject != caseID {
		return nil, ErrTokenMismatch
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.cases[caseID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCaseNotFound, caseID)
	}
	if c.Status != StatusPending {
		return nil, fmt.Errorf("%w: %s is %s", ErrCaseResolved, caseID, c.Status)
	}

	now := m.clock()
	if now.After(c.ExpiresAt) {
		c.Status = StatusTimedOut
		return m.receipt(ctx, c, "", "", now), nil
	}

	c.Status = outcome
	return m.receipt(ctx, c, claims.Role+":"+claims.ID, note, now), nil
}

// Sweep scans pending cases and times out any that expired. It returns
// receipts for the swept cases.
func (m *Manager) Sweep(ctx context.Context) []*Receipt {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	var receipts []*Receipt
	for _, c := range m.cases {
		if c.Status != StatusPending {
			continue
		}
		if now.After(c.ExpiresAt) {
			c.Status = StatusTimedOut
			receipts = append(receipts, m.receipt(ctx, c, "", "", now))
		}
	}
	return receipts
}

// Get returns a case by id.
func (m *Manager) Get(caseID string) (*Case, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cases[caseID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCaseNotFound, caseID)
	}
	cp := *c
	return &cp, nil
}

// Pending returns copies of every unresolved case.
func (m *Manager) Pending() []*Case {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Case
	for _, c := range m.cases {
		if c.Status == StatusPending {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out
}

// PendingCount returns the number of unresolved cases.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.cases {
		if c.Status == StatusPending {
			n++
		}
	}
	return n
}

func (m *Manager) receipt(ctx context.Context, c *Case, resolvedBy, note string, resolvedAt time.Time) *Receipt {
	r := &Receipt{
		ID:         "rcpt-" + uuid.New().String()[:8],
		CaseID:     c.ID,
		Outcome:    c.Status,
		ResolvedBy: resolvedBy,
		Note:       note,
		ResolvedAt: resolvedAt,
		DurationMs: resolvedAt.Sub(c.CreatedAt).Milliseconds(),
	}

	hashable := struct {
		CaseID  string `json:"case_id"`
		Outcome Status `json:"outcome"`
	}{CaseID: c.ID, Outcome: c.Status}
	digest, err := canonicalize.CanonicalDigest("", hashable)
	if err == nil {
		r.ContentHash = digest
	}

	m.emit(ctx, resolvedBy, "escalation.resolved", c)
	return r
}

func (m *Manager) emit(ctx context.Context, actor, event string, c *Case) {
	if m.auditor == nil {
		return
	}
	_ = m.auditor.Record(ctx, actor, audit.EventEscalation, event, c.ActionID, map[string]any{
		"case_id":     c.ID,
		"action_id":   c.ActionID,
		"reason_code": c.ReasonCode,
		"status":      string(c.Status),
	})
}
