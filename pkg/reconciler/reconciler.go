// Package reconciler runs the drift cycle: declared intents are
// compared against world model snapshots on a schedule, corrective
// actions go through the same submission gate as any agent action, and
// a cycle that finds nothing wrong still leaves a confirmation record.
//
// The cycle holds no lock the evaluation path needs. It reads a world
// snapshot, then talks to the kernel only through Submit.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/agentplane/gap/pkg/audit"
	"github.com/agentplane/gap/pkg/cga"
	"github.com/agentplane/gap/pkg/contracts"
	"github.com/agentplane/gap/pkg/worldmodel"
)

// Gate is the slice of the kernel the reconciler is allowed to touch.
type Gate interface {
	Submit(ctx context.Context, action contracts.Action) (*contracts.Verdict, error)
	RecordConfirmation(ctx context.Context, intentID string, detail string) (string, error)
}

// Rerouter retries a rejected corrective action. *cga.Loop satisfies it.
type Rerouter interface {
	Run(ctx context.Context, action contracts.Action, phase contracts.Phase) (*cga.Outcome, error)
}

var (
	ErrUnknownEntity  = errors.New("reconciler: intent references unknown entity")
	ErrIntentNotFound = errors.New("reconciler: intent not found")
	ErrEmptyGoal      = errors.New("reconciler: intent needs an entity id and a property")
)

// Declaration is the input to DeclareIntent.
type Declaration struct {
	DeclaredBy string
	EntityID   string
	Property   string
	Target     any
	// Tolerance bounds acceptable numeric deviation. Zero means the
	// configured default.
	Tolerance float64
	// ValidFor caps the intent's lifetime. Zero means the configured
	// default window.
	ValidFor time.Duration
}

// Intent is a declared target state with a validity window.
type Intent struct {
	ID         string    `json:"id"`
	DeclaredBy string    `json:"declared_by"`
	EntityID   string    `json:"entity_id"`
	Property   string    `json:"property"`
	Target     any       `json:"target"`
	Tolerance  float64   `json:"tolerance"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the validity window has closed.
func (i *Intent) Expired(now time.Time) bool { return now.After(i.ExpiresAt) }

// Drift is one detected deviation from a declared intent.
type Drift struct {
	IntentID   string    `json:"intent_id"`
	EntityID   string    `json:"entity_id"`
	Property   string    `json:"property"`
	Observed   any       `json:"observed"`
	Target     any       `json:"target"`
	Magnitude  float64   `json:"magnitude"`
	Severity   int       `json:"severity"`
	DetectedAt time.Time `json:"detected_at"`
}

// Status classifies the outcome of one intent in one cycle.
type Status string

const (
	StatusConfirmed Status = "CONFIRMED" // no drift, confirmation recorded
	StatusCorrected Status = "CORRECTED" // corrective action authorized
	StatusRejected  Status = "REJECTED"  // correction rejected, no reroute left
	StatusEscalated Status = "ESCALATED" // correction escalated to a human
	StatusDampened  Status = "DAMPENED"  // target in cooldown or circuit broken
	StatusExpired   Status = "EXPIRED"   // intent dropped without action
)

// CycleResult is the outcome of one intent in one reconciliation cycle.
type CycleResult struct {
	IntentID string
	Status   Status
	Drift    *Drift
	Verdict  *contracts.Verdict
	RecordID string
	Attempts int
}

// Config tunes the cycle. The zero value gets usable defaults.
type Config struct {
	// Schedule is a cron expression for the background cycle.
	Schedule string
	// Tolerance is the default numeric drift tolerance.
	Tolerance float64
	// IntentTTL is the default validity window for declared intents.
	IntentTTL time.Duration
	// Cooldown suppresses repeated interventions on the same entity.
	Cooldown time.Duration
	// CircuitBreakerThreshold is the consecutive failure count after
	// which an entity stops receiving corrections until reset.
	CircuitBreakerThreshold int
	// CorrectionType is the action type of emitted corrections.
	CorrectionType string
	// Actor identifies the reconciler on submitted actions.
	Actor string
}

func (c Config) withDefaults() Config {
	if c.Schedule == "" {
		c.Schedule = "@every 30s"
	}
	if c.IntentTTL <= 0 {
		c.IntentTTL = 24 * time.Hour
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 2 * time.Minute
	}
	if c.CircuitBreakerThreshold <= 0 {
		c.CircuitBreakerThreshold = 3
	}
	if c.CorrectionType == "" {
		c.CorrectionType = "state-correction"
	}
	if c.Actor == "" {
		c.Actor = "reconciler"
	}
	return c
}

// dampening tracks per-entity intervention pressure.
type dampening struct {
	consecutiveFailures int
	cooldownUntil       time.Time
	circuitBroken       bool
}

// Reconciler owns the intent set and the periodic cycle.
type Reconciler struct {
	world    worldmodel.Reader
	gate     Gate
	rerouter Rerouter
	auditor  audit.Logger
	metrics  Metrics
	cfg      Config
	clock    func() time.Time

	mu      sync.Mutex
	intents map[string]*Intent
	damp    map[string]*dampening

	cron *cron.Cron
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option {
	return func(r *Reconciler) { r.clock = clock }
}

// WithRerouter retries rejected corrections through the reroute loop.
func WithRerouter(rr Rerouter) Option {
	return func(r *Reconciler) { r.rerouter = rr }
}

// WithAuditLogger emits cycle events.
func WithAuditLogger(l audit.Logger) Option {
	return func(r *Reconciler) { r.auditor = l }
}

// Metrics counts drift events. Nil means no telemetry.
type Metrics interface {
	DriftDetected(entityID string, severity int)
}

// WithMetrics wires drift telemetry.
func WithMetrics(m Metrics) Option {
	return func(r *Reconciler) { r.metrics = m }
}

// New creates a reconciler over the given world reader and gate.
func New(world worldmodel.Reader, gate Gate, cfg Config, opts ...Option) (*Reconciler, error) {
	if world == nil || gate == nil {
		return nil, errors.New("reconciler: world reader and gate are required")
	}
	r := &Reconciler{
		world:   world,
		gate:    gate,
		cfg:     cfg.withDefaults(),
		clock:   time.Now,
		intents: make(map[string]*Intent),
		damp:    make(map[string]*dampening),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// DeclareIntent registers a target state for reconciliation.
func (r *Reconciler) DeclareIntent(d Declaration) (*Intent, error) {
	if d.EntityID == "" || d.Property == "" {
		return nil, ErrEmptyGoal
	}
	tol := d.Tolerance
	if tol <= 0 {
		tol = r.cfg.Tolerance
	}
	ttl := d.ValidFor
	if ttl <= 0 {
		ttl = r.cfg.IntentTTL
	}

	now := r.clock()
	in := &Intent{
		ID:         "int-" + uuid.New().String()[:8],
		DeclaredBy: d.DeclaredBy,
		EntityID:   d.EntityID,
		Property:   d.Property,
		Target:     d.Target,
		Tolerance:  tol,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
	}

	r.mu.Lock()
	r.intents[in.ID] = in
	r.mu.Unlock()

	cp := *in
	return &cp, nil
}

// Withdraw removes an intent before its window closes.
func (r *Reconciler) Withdraw(intentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.intents[intentID]; !ok {
		return fmt.Errorf("%w: %s", ErrIntentNotFound, intentID)
	}
	delete(r.intents, intentID)
	return nil
}

// Intents returns the currently registered intents, oldest first.
func (r *Reconciler) Intents() []*Intent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Intent, 0, len(r.intents))
	for _, in := range r.intents {
		cp := *in
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ResetCircuit clears the circuit breaker for an entity after a human
// has dealt with the underlying failure.
func (r *Reconciler) ResetCircuit(entityID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.damp, entityID)
}

// ReconcileOnce runs a single cycle over every registered intent.
func (r *Reconciler) ReconcileOnce(ctx context.Context) ([]CycleResult, error) {
	now := r.clock()
	snap := r.world.Snapshot()

	r.mu.Lock()
	intents := make([]*Intent, 0, len(r.intents))
	for _, in := range r.intents {
		intents = append(intents, in)
	}
	r.mu.Unlock()
	sort.Slice(intents, func(i, j int) bool { return intents[i].CreatedAt.Before(intents[j].CreatedAt) })

	var results []CycleResult
	for _, in := range intents {
		res, err := r.reconcileIntent(ctx, in, snap, now)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}

	if m, ok := r.world.(interface{ MarkReconciled() }); ok {
		m.MarkReconciled()
	}
	return results, nil
}

func (r *Reconciler) reconcileIntent(ctx context.Context, in *Intent, snap worldmodel.Snapshot, now time.Time) (CycleResult, error) {
	if in.Expired(now) {
		r.mu.Lock()
		delete(r.intents, in.ID)
		r.mu.Unlock()
		r.emit(ctx, "intent.expired", in, nil)
		return CycleResult{IntentID: in.ID, Status: StatusExpired}, nil
	}

	if r.isDampened(in.EntityID, now) {
		return CycleResult{IntentID: in.ID, Status: StatusDampened}, nil
	}

	drift := computeDrift(in, snap, now)
	if drift == nil {
		id, err := r.gate.RecordConfirmation(ctx, in.ID,
			fmt.Sprintf("no drift: %s.%s matches target within tolerance %g", in.EntityID, in.Property, in.Tolerance))
		if err != nil {
			return CycleResult{IntentID: in.ID}, fmt.Errorf("reconciler: record confirmation: %w", err)
		}
		return CycleResult{IntentID: in.ID, Status: StatusConfirmed, RecordID: id}, nil
	}

	if r.metrics != nil {
		r.metrics.DriftDetected(drift.EntityID, drift.Severity)
	}
	r.emit(ctx, "drift.detected", in, drift)
	return r.correct(ctx, in, drift, now)
}

func (r *Reconciler) correct(ctx context.Context, in *Intent, drift *Drift, now time.Time) (CycleResult, error) {
	action := contracts.Action{
		ID:     "fix-" + uuid.New().String()[:8],
		TypeID: r.cfg.CorrectionType,
		Actor:  r.cfg.Actor,
		Target: in.EntityID,
		Payload: map[string]any{
			"entity_id": in.EntityID,
			"property":  in.Property,
			"desired":   in.Target,
			"observed":  drift.Observed,
			"intent_id": in.ID,
		},
		RiskScore: drift.Severity,
	}

	verdict, err := r.gate.Submit(ctx, action)
	attempts := 1
	if err != nil && verdict == nil {
		return CycleResult{IntentID: in.ID, Drift: drift}, fmt.Errorf("reconciler: submit correction: %w", err)
	}

	if verdict.Kind == contracts.VerdictRejected && r.rerouter != nil {
		out, rerr := r.rerouter.Run(ctx, action, contracts.PhaseProposed)
		if rerr != nil {
			return CycleResult{IntentID: in.ID, Drift: drift}, fmt.Errorf("reconciler: reroute correction: %w", rerr)
		}
		verdict = out.Final
		attempts = out.Attempts
	}

	res := CycleResult{IntentID: in.ID, Drift: drift, Verdict: verdict, RecordID: verdict.RecordID, Attempts: attempts}
	switch verdict.Kind {
	case contracts.VerdictAuthorized:
		res.Status = StatusCorrected
		r.updateDampening(in.EntityID, false, now)
	case contracts.VerdictEscalated:
		res.Status = StatusEscalated
		r.updateDampening(in.EntityID, true, now)
	default:
		res.Status = StatusRejected
		r.updateDampening(in.EntityID, true, now)
	}
	return res, nil
}

func (r *Reconciler) isDampened(entityID string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.damp[entityID]
	if !ok {
		return false
	}
	if d.circuitBroken {
		return true
	}
	return now.Before(d.cooldownUntil)
}

func (r *Reconciler) updateDampening(entityID string, failed bool, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.damp[entityID]
	if !ok {
		d = &dampening{}
		r.damp[entityID] = d
	}
	d.cooldownUntil = now.Add(r.cfg.Cooldown)
	if failed {
		d.consecutiveFailures++
		if d.consecutiveFailures >= r.cfg.CircuitBreakerThreshold {
			d.circuitBroken = true
		}
	} else {
		d.consecutiveFailures = 0
	}
}

// Start schedules the background cycle. Errors inside a scheduled
// cycle are reported through the audit log, not returned.
func (r *Reconciler) Start() error {
	if r.cron != nil {
		return errors.New("reconciler: already started")
	}
	c := cron.New()
	_, err := c.AddFunc(r.cfg.Schedule, func() {
		if _, err := r.ReconcileOnce(context.Background()); err != nil && r.auditor != nil {
			_ = r.auditor.Record(context.Background(), r.cfg.Actor, audit.EventReconciliation,
				"cycle.failed", "", map[string]any{"error": err.Error()})
		}
	})
	if err != nil {
		return fmt.Errorf("reconciler: schedule %q: %w", r.cfg.Schedule, err)
	}
	r.cron = c
	c.Start()
	return nil
}

// Stop halts the background cycle and waits for a running one.
func (r *Reconciler) Stop() {
	if r.cron == nil {
		return
	}
	<-r.cron.Stop().Done()
	r.cron = nil
}

func (r *Reconciler) emit(ctx context.Context, event string, in *Intent, drift *Drift) {
	if r.auditor == nil {
		return
	}
	meta := map[string]any{"intent_id": in.ID, "entity_id": in.EntityID, "property": in.Property}
	if drift != nil {
		meta["magnitude"] = drift.Magnitude
		meta["severity"] = drift.Severity
	}
	_ = r.auditor.Record(ctx, r.cfg.Actor, audit.EventReconciliation, event, in.EntityID, meta)
}

// computeDrift compares one intent against the snapshot. Nil means the
// observed state satisfies the intent. A missing entity or property is
// drift at full severity, never silently fine.
func computeDrift(in *Intent, snap worldmodel.Snapshot, now time.Time) *Drift {
	entity, ok := snap.Entity(in.EntityID)
	if !ok {
		return &Drift{
			IntentID: in.ID, EntityID: in.EntityID, Property: in.Property,
			Target: in.Target, Magnitude: math.Inf(1), Severity: 10, DetectedAt: now,
		}
	}
	observed, ok := entity.Properties[in.Property]
	if !ok {
		return &Drift{
			IntentID: in.ID, EntityID: in.EntityID, Property: in.Property,
			Target: in.Target, Magnitude: math.Inf(1), Severity: 10, DetectedAt: now,
		}
	}

	obsN, obsOK := toFloat(observed)
	tgtN, tgtOK := toFloat(in.Target)
	if obsOK && tgtOK {
		magnitude := math.Abs(obsN - tgtN)
		if magnitude <= in.Tolerance {
			return nil
		}
		return &Drift{
			IntentID: in.ID, EntityID: in.EntityID, Property: in.Property,
			Observed: observed, Target: in.Target,
			Magnitude:  magnitude,
			Severity:   severityFor(magnitude, in.Tolerance),
			DetectedAt: now,
		}
	}

	if fmt.Sprint(observed) == fmt.Sprint(in.Target) {
		return nil
	}
	return &Drift{
		IntentID: in.ID, EntityID: in.EntityID, Property: in.Property,
		Observed: observed, Target: in.Target,
		Magnitude: 1, Severity: 5, DetectedAt: now,
	}
}

func severityFor(magnitude, tolerance float64) int {
	if tolerance <= 0 {
		tolerance = 1
	}
	s := 3 + int(magnitude/tolerance)
	if s > 10 {
		return 10
	}
	return s
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	default:
		return 0, false
	}
}
