// Package config holds engine configuration, loaded from environment
// variables with optional YAML deployment profiles layered on top.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/castellan-io/castellan/pkg/validation"
)

// Config is the recognized configuration surface of the engine.
type Config struct {
	// Mode selects the decision backend: embedded, server, or hybrid.
	Mode string `yaml:"mode"`

	// Remote rule server (server/hybrid modes).
	ServerProtocol string        `yaml:"server_protocol"`
	ServerHost     string        `yaml:"server_host"`
	ServerPort     int           `yaml:"server_port"`
	ServerTimeout  time.Duration `yaml:"server_timeout"`
	ServerRetries  int           `yaml:"server_retries"`
	BearerToken    string        `yaml:"-"` // env only, never persisted in profiles

	// Cache tiers.
	CacheEnabled  bool          `yaml:"cache_enabled"`
	Tier1Capacity int           `yaml:"tier1_capacity"`
	Tier1TTL      time.Duration `yaml:"tier1_ttl"`
	Tier2Addr     string        `yaml:"tier2_addr"` // empty disables the distributed tier
	Tier2Password string        `yaml:"-"`
	Tier2DB       int           `yaml:"tier2_db"`
	Tier2TTL      time.Duration `yaml:"tier2_ttl"`

	// Concurrency and latency budget.
	MaxParallelWorkers  int                `yaml:"max_parallel_workers"`
	MaxDecisionLatency  time.Duration      `yaml:"max_decision_latency"`
	HealthCheckInterval time.Duration      `yaml:"health_check_interval"`
	ScoreWeights        validation.Weights `yaml:"score_weights"`
}

// Load builds the configuration from environment variables, applying
// defaults for everything unset.
func Load() *Config {
	return &Config{
		Mode:           envStr("CASTELLAN_MODE", "embedded"),
		ServerProtocol: envStr("CASTELLAN_SERVER_PROTOCOL", "http"),
		ServerHost:     envStr("CASTELLAN_SERVER_HOST", "localhost"),
		ServerPort:     envInt("CASTELLAN_SERVER_PORT", 8181),
		ServerTimeout:  envDuration("CASTELLAN_SERVER_TIMEOUT", 5*time.Second),
		ServerRetries:  envInt("CASTELLAN_SERVER_RETRIES", 2),
		BearerToken:    os.Getenv("CASTELLAN_SERVER_TOKEN"),

		CacheEnabled:  envBool("CASTELLAN_CACHE_ENABLED", true),
		Tier1Capacity: envInt("CASTELLAN_TIER1_CAPACITY", 1000),
		Tier1TTL:      envDuration("CASTELLAN_TIER1_TTL", 5*time.Minute),
		Tier2Addr:     os.Getenv("CASTELLAN_TIER2_ADDR"),
		Tier2Password: os.Getenv("CASTELLAN_TIER2_PASSWORD"),
		Tier2DB:       envInt("CASTELLAN_TIER2_DB", 0),
		Tier2TTL:      envDuration("CASTELLAN_TIER2_TTL", 30*time.Minute),

		MaxParallelWorkers:  envInt("CASTELLAN_MAX_PARALLEL", 4),
		MaxDecisionLatency:  envDuration("CASTELLAN_MAX_DECISION_LATENCY", 500*time.Millisecond),
		HealthCheckInterval: envDuration("CASTELLAN_HEALTH_INTERVAL", 30*time.Second),
		ScoreWeights:        validation.DefaultWeights(),
	}
}

// ServerBaseURL assembles the rule server base URL.
func (c *Config) ServerBaseURL() string {
	return fmt.Sprintf("%s://%s:%d", c.ServerProtocol, c.ServerHost, c.ServerPort)
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
