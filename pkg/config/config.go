// Package config loads process configuration from the environment and
// the governance profile from YAML. Environment variables locate
// infrastructure; the profile carries governance parameters that an
// operator tunes, never the agent.
package config

import "os"

// Config holds process-level configuration.
type Config struct {
	LogLevel string

	// LedgerBackend selects the decision ledger store: "memory",
	// "sqlite", or "postgres".
	LedgerBackend string
	DatabaseURL   string
	DataDir       string
	HashAlgorithm string

	// DeliverableBackend selects the artifact store: "fs", "s3", "gcs".
	DeliverableBackend string

	RedisAddr     string
	RedisPassword string

	// EscalationSeed derives the resolution token signing key.
	EscalationSeed string

	// OTLPEndpoint enables metric and trace export when set.
	OTLPEndpoint string

	// ProfilePath points at the governance profile YAML.
	ProfilePath string
}

// Load reads configuration from environment variables.
func Load() *Config {
	cfg := &Config{
		LogLevel:           getenv("LOG_LEVEL", "INFO"),
		LedgerBackend:      getenv("LEDGER_BACKEND", "memory"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		DataDir:            getenv("DATA_DIR", "./data"),
		HashAlgorithm:      getenv("LEDGER_HASH_ALGORITHM", "sha256"),
		DeliverableBackend: getenv("DELIVERABLE_BACKEND", "fs"),
		RedisAddr:          os.Getenv("REDIS_ADDR"),
		RedisPassword:      os.Getenv("REDIS_PASSWORD"),
		EscalationSeed:     os.Getenv("ESCALATION_TOKEN_SEED"),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ProfilePath:        getenv("GOVERNANCE_PROFILE", "./profiles/governance.yaml"),
	}
	return cfg
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
