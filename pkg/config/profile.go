package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agentplane/gap/pkg/contracts"
)

// Profile is the operator-tuned governance profile. It carries the
// parameters the design leaves configurable: the authorization ceiling,
// drift tolerance, loop ceiling, hash algorithm, and schedules.
type Profile struct {
	Name string `yaml:"name" json:"name"`

	// Ceiling is the highest authorization level the kernel grants
	// autonomously; anything stricter escalates.
	Ceiling string `yaml:"ceiling" json:"ceiling"`

	// HashAlgorithm chains the decision ledger: "sha256" or "sha512".
	HashAlgorithm string `yaml:"hash_algorithm" json:"hash_algorithm"`

	// BoundariesDir holds the authority boundary YAML files.
	BoundariesDir string `yaml:"boundaries_dir" json:"boundaries_dir"`

	Reroute    RerouteConfig    `yaml:"reroute" json:"reroute"`
	Reconciler ReconcilerConfig `yaml:"reconciler" json:"reconciler"`
	Limiter    LimiterConfig    `yaml:"limiter" json:"limiter"`
	Escalation EscalationConfig `yaml:"escalation" json:"escalation"`
}

// RerouteConfig bounds the constraint-guided reroute loop.
type RerouteConfig struct {
	MaxAttempts     int     `yaml:"max_attempts" json:"max_attempts"`
	PacingPerSecond float64 `yaml:"pacing_per_second" json:"pacing_per_second"`
	PacingBurst     int     `yaml:"pacing_burst" json:"pacing_burst"`
}

// ReconcilerConfig tunes the drift cycle.
type ReconcilerConfig struct {
	Schedule                string  `yaml:"schedule" json:"schedule"`
	Tolerance               float64 `yaml:"tolerance" json:"tolerance"`
	IntentTTLSeconds        int     `yaml:"intent_ttl_seconds" json:"intent_ttl_seconds"`
	CooldownSeconds         int     `yaml:"cooldown_seconds" json:"cooldown_seconds"`
	CircuitBreakerThreshold int     `yaml:"circuit_breaker_threshold" json:"circuit_breaker_threshold"`
}

// IntentTTL returns the intent validity window as a duration.
func (c ReconcilerConfig) IntentTTL() time.Duration {
	return time.Duration(c.IntentTTLSeconds) * time.Second
}

// Cooldown returns the dampening window as a duration.
func (c ReconcilerConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownSeconds) * time.Second
}

// LimiterConfig tunes submission backpressure.
type LimiterConfig struct {
	PerMinute int `yaml:"per_minute" json:"per_minute"`
	Burst     int `yaml:"burst" json:"burst"`
}

// EscalationConfig tunes the human review queue.
type EscalationConfig struct {
	TimeoutSeconds int `yaml:"timeout_seconds" json:"timeout_seconds"`
}

// Timeout returns the case timeout as a duration.
func (c EscalationConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// CeilingLevel parses the ceiling, defaulting to L3.
func (p *Profile) CeilingLevel() (contracts.AuthorizationLevel, error) {
	if p.Ceiling == "" {
		return contracts.LevelL3, nil
	}
	lvl := contracts.AuthorizationLevel(p.Ceiling)
	if !lvl.Valid() {
		return "", fmt.Errorf("config: invalid ceiling %q", p.Ceiling)
	}
	return lvl, nil
}

// DefaultProfile is what an empty or absent profile resolves to.
func DefaultProfile() *Profile {
	return &Profile{
		Name:          "default",
		Ceiling:       string(contracts.LevelL3),
		HashAlgorithm: "sha256",
		Reroute:       RerouteConfig{MaxAttempts: 3},
		Reconciler: ReconcilerConfig{
			Schedule:                "@every 30s",
			IntentTTLSeconds:        86400,
			CooldownSeconds:         120,
			CircuitBreakerThreshold: 3,
		},
		Escalation: EscalationConfig{TimeoutSeconds: 900},
	}
}

// LoadProfile reads a governance profile, filling unset fields from the
// defaults. A missing file is an error; governance parameters should
// never be silently absent.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: load profile: %w", err)
	}

	p := DefaultProfile()
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("config: parse profile %q: %w", path, err)
	}
	if _, err := p.CeilingLevel(); err != nil {
		return nil, err
	}
	switch p.HashAlgorithm {
	case "", "sha256", "sha512":
	default:
		return nil, fmt.Errorf("config: unsupported hash algorithm %q", p.HashAlgorithm)
	}
	return p, nil
}
