// Package boundary holds authority boundaries: named, versioned,
// immutable constraint sets evaluated by the kernel. Boundaries change
// only through the governance-held Set.Install path; nothing reachable
// from agent code can write here, and the learning store lives in a
// different package with no import path into this one.
package boundary

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
)

var (
	ErrUnknownBoundary = errors.New("unknown authority boundary")
	ErrVersionNotNewer = errors.New("boundary version must increase")
	ErrInvalidBoundary = errors.New("invalid boundary definition")
)

// Kind separates constraints that reject outright from those that are
// recorded and deprioritized.
type Kind string

const (
	KindHard Kind = "hard"
	KindSoft Kind = "soft"
)

// Constraint is a single rule inside a boundary. Expr is a CEL
// expression over {action, payload, world, phase, timestamp} that
// evaluates to true when the action complies.
type Constraint struct {
	Name        string     `yaml:"name" json:"name"`
	Kind        Kind       `yaml:"kind" json:"kind"`
	Description string     `yaml:"description,omitempty" json:"description,omitempty"`
	Expr        string     `yaml:"expr" json:"expr"`
	ReasonCode  string     `yaml:"reason_code,omitempty" json:"reason_code,omitempty"`
	Activation  Activation `yaml:"activation,omitempty" json:"activation,omitempty"`

	// AllowedHints describes the solution space that remains when this
	// constraint rejects; the reroute loop narrows proposals with it.
	AllowedHints map[string]any `yaml:"allowed_hints,omitempty" json:"allowed_hints,omitempty"`
}

// Boundary is one named, versioned constraint set.
type Boundary struct {
	Name        string       `yaml:"name" json:"name"`
	Version     string       `yaml:"version" json:"version"`
	Description string       `yaml:"description,omitempty" json:"description,omitempty"`
	Constraints []Constraint `yaml:"constraints" json:"constraints"`

	// AuthorityThreshold is the highest declared risk score this
	// boundary's authority covers; anything above escalates to a human.
	AuthorityThreshold int `yaml:"authority_threshold,omitempty" json:"authority_threshold,omitempty"`
}

// DefaultAuthorityThreshold applies when a boundary does not set one.
const DefaultAuthorityThreshold = 8

// Threshold returns the effective authority threshold.
func (b *Boundary) Threshold() int {
	if b.AuthorityThreshold > 0 {
		return b.AuthorityThreshold
	}
	return DefaultAuthorityThreshold
}

// Ref renders the "name@version" form recorded on decision records.
func (b *Boundary) Ref() string { return b.Name + "@" + b.Version }

// Set is the governance-owned collection of installed boundaries.
// Install is the only write path; it validates the version is semver
// and strictly newer than the installed one, and compiles every
// constraint expression before the boundary becomes visible.
type Set struct {
	mu      sync.RWMutex
	current map[string]*Boundary
	history map[string][]*Boundary
	eval    *Evaluator
}

// NewSet creates an empty boundary set with its own CEL environment.
func NewSet() (*Set, error) {
	eval, err := NewEvaluator()
	if err != nil {
		return nil, err
	}
	return &Set{
		current: make(map[string]*Boundary),
		history: make(map[string][]*Boundary),
		eval:    eval,
	}, nil
}

// Evaluator returns the compiled-constraint evaluator for this set.
func (s *Set) Evaluator() *Evaluator { return s.eval }

// Install adds a boundary or supersedes an older version of it.
// Superseded versions are retained for audit; they are never edited.
func (s *Set) Install(b *Boundary) error {
	if b == nil || strings.TrimSpace(b.Name) == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidBoundary)
	}
	ver, err := semver.NewVersion(b.Version)
	if err != nil {
		return fmt.Errorf("%w: version %q: %v", ErrInvalidBoundary, b.Version, err)
	}
	for i := range b.Constraints {
		c := &b.Constraints[i]
		if c.Kind != KindHard && c.Kind != KindSoft {
			return fmt.Errorf("%w: constraint %q kind %q", ErrInvalidBoundary, c.Name, c.Kind)
		}
		if err := s.eval.Compile(c.Expr); err != nil {
			return fmt.Errorf("%w: constraint %q: %v", ErrInvalidBoundary, c.Name, err)
		}
		if err := c.Activation.validate(); err != nil {
			return fmt.Errorf("%w: constraint %q: %v", ErrInvalidBoundary, c.Name, err)
		}
		if c.ReasonCode == "" {
			c.ReasonCode = strings.ToUpper(strings.ReplaceAll(c.Name, "-", "_"))
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.current[b.Name]; ok {
		prev := semver.MustParse(existing.Version)
		if !ver.GreaterThan(prev) {
			return fmt.Errorf("%w: %s %s -> %s", ErrVersionNotNewer, b.Name, existing.Version, b.Version)
		}
		s.history[b.Name] = append(s.history[b.Name], existing)
	}
	s.current[b.Name] = b
	return nil
}

// Get returns the currently installed version of a boundary.
func (s *Set) Get(name string) (*Boundary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.current[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBoundary, name)
	}
	return b, nil
}

// History returns superseded versions of a boundary, oldest first.
func (s *Set) History(name string) []*Boundary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*Boundary(nil), s.history[name]...)
}

// Names lists installed boundary names.
func (s *Set) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.current))
	for name := range s.current {
		out = append(out, name)
	}
	return out
}
