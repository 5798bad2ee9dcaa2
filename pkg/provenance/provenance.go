// Package provenance builds and checks outcome provenance for executed
// actions. A validated outcome carries the hash of what was produced,
// who produced it, who validated it, and the evidence the validator
// relied on. Production and validation are distinct roles; a component
// never validates its own output.
package provenance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentplane/gap/pkg/canonicalize"
	"github.com/agentplane/gap/pkg/contracts"
)

var (
	// ErrValidatorConflict is returned when the producer and validator
	// of an outcome are the same identity.
	ErrValidatorConflict = errors.New("producer validated its own outcome")

	// ErrIncomplete is returned when a provenance statement is missing
	// a required field.
	ErrIncomplete = errors.New("incomplete provenance statement")
)

// Evidence is one observation a validator relied on.
type Evidence struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	Ref        string    `json:"ref,omitempty"`
	Summary    string    `json:"summary,omitempty"`
	ObservedAt time.Time `json:"observed_at"`
}

// Builder assembles a provenance statement for one executed action.
type Builder struct {
	alg        string
	clock      func() time.Time
	producedBy string
	artifact   []byte
	evidence   []Evidence
	residual   []string
}

// Option configures a Builder.
type Option func(*Builder)

// WithHashAlgorithm selects the artifact digest algorithm.
func WithHashAlgorithm(alg string) Option {
	return func(b *Builder) { b.alg = alg }
}

// WithClock overrides the timestamp source for testing.
func WithClock(clock func() time.Time) Option {
	return func(b *Builder) { b.clock = clock }
}

// NewBuilder starts a statement for an artifact produced by producedBy.
func NewBuilder(producedBy string, artifact []byte, opts ...Option) *Builder {
	b := &Builder{
		producedBy: producedBy,
		artifact:   artifact,
		clock:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// AddEvidence records one observation supporting the validation.
func (b *Builder) AddEvidence(kind, ref, summary string) *Builder {
	b.evidence = append(b.evidence, Evidence{
		ID:         "ev-" + uuid.New().String()[:8],
		Kind:       kind,
		Ref:        ref,
		Summary:    summary,
		ObservedAt: b.clock(),
	})
	return b
}

// AddResidualUncertainty records a doubt the validator could not
// resolve. Residual uncertainty feeds the next reconciliation cycle.
func (b *Builder) AddResidualUncertainty(note string) *Builder {
	b.residual = append(b.residual, note)
	return b
}

// Validate finalizes the statement under validatedBy's identity. The
// producer cannot validate its own artifact, and validation without
// evidence is refused.
func (b *Builder) Validate(validatedBy string) (*contracts.Provenance, error) {
	if b.producedBy == "" || validatedBy == "" {
		return nil, fmt.Errorf("%w: producer and validator are required", ErrIncomplete)
	}
	if validatedBy == b.producedBy {
		return nil, fmt.Errorf("%w: %s", ErrValidatorConflict, validatedBy)
	}
	if len(b.evidence) == 0 {
		return nil, fmt.Errorf("%w: validation requires evidence", ErrIncomplete)
	}

	hash, err := canonicalize.Digest(b.alg, b.artifact)
	if err != nil {
		return nil, err
	}

	refs := make([]string, 0, len(b.evidence))
	for _, ev := range b.evidence {
		refs = append(refs, ev.ID)
	}

	return &contracts.Provenance{
		ArtifactHash:        hash,
		ProducedBy:          b.producedBy,
		ValidatedBy:         validatedBy,
		ValidatedAt:         b.clock(),
		Evidence:            refs,
		ResidualUncertainty: b.residual,
	}, nil
}

// EvidenceLog returns the collected evidence entries.
func (b *Builder) EvidenceLog() []Evidence {
	out := make([]Evidence, len(b.evidence))
	copy(out, b.evidence)
	return out
}

// Check verifies a finished provenance statement: roles split, artifact
// hash present, at least one evidence reference. Kernel outcome
// validation calls this before closing an action.
func Check(p *contracts.Provenance) error {
	if p == nil {
		return fmt.Errorf("%w: no statement", ErrIncomplete)
	}
	if p.ProducedBy == "" || p.ValidatedBy == "" {
		return fmt.Errorf("%w: producer and validator are required", ErrIncomplete)
	}
	if p.ProducedBy == p.ValidatedBy {
		return fmt.Errorf("%w: %s", ErrValidatorConflict, p.ValidatedBy)
	}
	if p.ArtifactHash == "" {
		return fmt.Errorf("%w: missing artifact hash", ErrIncomplete)
	}
	if len(p.Evidence) == 0 {
		return fmt.Errorf("%w: no evidence", ErrIncomplete)
	}
	return nil
}

// Resolver fetches deliverable bytes by prefixed content digest. The
// artifact stores implement it.
type Resolver interface {
	Get(ctx context.Context, digest string) ([]byte, error)
}

// VerifyStored resolves the statement's deliverable from r and checks
// it against the recorded hash. A deliverable that cannot be fetched
// fails verification; a statement must not outlive its artifact.
func VerifyStored(ctx context.Context, r Resolver, p *contracts.Provenance) error {
	if p == nil || p.ArtifactHash == "" {
		return fmt.Errorf("%w: missing artifact hash", ErrIncomplete)
	}
	data, err := r.Get(ctx, p.ArtifactHash)
	if err != nil {
		return fmt.Errorf("resolve deliverable %s: %w", p.ArtifactHash, err)
	}
	return VerifyArtifact(p, data)
}

// VerifyArtifact recomputes the digest of artifact bytes against the
// statement's recorded hash.
func VerifyArtifact(p *contracts.Provenance, artifact []byte) error {
	if p == nil || p.ArtifactHash == "" {
		return fmt.Errorf("%w: missing artifact hash", ErrIncomplete)
	}
	alg := ""
	if i := strings.IndexByte(p.ArtifactHash, ':'); i > 0 {
		alg = p.ArtifactHash[:i]
	}
	got, err := canonicalize.Digest(alg, artifact)
	if err != nil {
		return err
	}
	if got != p.ArtifactHash {
		return fmt.Errorf("artifact hash mismatch: recorded %s, computed %s", p.ArtifactHash, got)
	}
	return nil
}
