// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all hearthcore configuration.
type Config struct {
	Port          string
	DBPath        string        // relational store (users/sessions/handoffs)
	VaultDBPath   string        // encrypted blob store, separate from the relational schema
	SessionTTL    time.Duration // idle sessions are closed after this
	ContextWindow int           // max memory-slice refs kept per session
	ModelProvider string        // "", "anthropic" or "openai"; empty uses the rule reasoner
	Vault         VaultConfig
	Synapse       SynapseConfig
	Pipeline      PipelineConfig
}

// VaultConfig controls key rotation history.
type VaultConfig struct {
	// MaxRetiredKeys bounds the retired-key history; the oldest retired key
	// beyond the bound is revoked.
	MaxRetiredKeys int
	// CacheMaxBytes caps the decrypted-slice read cache.
	CacheMaxBytes int64
}

// SynapseConfig controls plugin circuit breakers.
type SynapseConfig struct {
	FailureThreshold int           // consecutive failures before the breaker opens
	Cooldown         time.Duration // open duration before a half-open probe
	ExecuteTimeout   time.Duration // default per-call deadline when the caller sets none
}

// PipelineConfig controls reasoning pipeline persistence retries.
type PipelineConfig struct {
	PersistRetries int
	RetryBackoff   time.Duration // base backoff, doubled per attempt
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:          getEnv("PORT", "8484"),
		DBPath:        getEnv("DB_PATH", "./data/hearthcore.db"),
		VaultDBPath:   getEnv("VAULT_DB_PATH", "./data/vault.db"),
		SessionTTL:    getEnvDuration("SESSION_TTL", 60*time.Minute),
		ContextWindow: getEnvInt("CONTEXT_WINDOW", 16),
		ModelProvider: getEnv("MODEL_PROVIDER", ""),
		Vault: VaultConfig{
			MaxRetiredKeys: getEnvInt("VAULT_MAX_RETIRED_KEYS", 3),
			CacheMaxBytes:  int64(getEnvInt("VAULT_CACHE_MAX_BYTES", 1<<26)),
		},
		Synapse: SynapseConfig{
			FailureThreshold: getEnvInt("SYNAPSE_FAILURE_THRESHOLD", 5),
			Cooldown:         getEnvDuration("SYNAPSE_COOLDOWN", 30*time.Second),
			ExecuteTimeout:   getEnvDuration("SYNAPSE_EXECUTE_TIMEOUT", 30*time.Second),
		},
		Pipeline: PipelineConfig{
			PersistRetries: getEnvInt("PIPELINE_PERSIST_RETRIES", 3),
			RetryBackoff:   getEnvDuration("PIPELINE_RETRY_BACKOFF", 100*time.Millisecond),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.VaultDBPath == "" {
		return fmt.Errorf("VAULT_DB_PATH cannot be empty")
	}
	if c.ContextWindow <= 0 {
		return fmt.Errorf("CONTEXT_WINDOW must be > 0")
	}
	switch c.ModelProvider {
	case "", "anthropic", "openai":
	default:
		return fmt.Errorf("MODEL_PROVIDER must be one of: anthropic, openai")
	}
	if c.Vault.MaxRetiredKeys < 1 {
		return fmt.Errorf("VAULT_MAX_RETIRED_KEYS must be >= 1")
	}
	if c.Synapse.FailureThreshold < 1 {
		return fmt.Errorf("SYNAPSE_FAILURE_THRESHOLD must be >= 1")
	}
	if c.Pipeline.PersistRetries < 0 {
		return fmt.Errorf("PIPELINE_PERSIST_RETRIES must be >= 0")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
