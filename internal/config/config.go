// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Evaluation deadlines. The overall deadline leaves a small merge and
	// serialization budget against the 100ms P95 SLA.
	OverallDeadline     time.Duration
	MLDeadline          time.Duration
	ThreatIntelDeadline time.Duration

	// Score blending. Weights must sum to 1.0.
	RuleWeight        float64
	MLWeight          float64
	ThreatIntelWeight float64

	// Decision bands: score <= ApproveMax approves, score <= ReviewMax
	// requires additional auth, anything above blocks.
	ApproveMax int
	ReviewMax  int

	// Signal cache TTLs
	IPReputationTTL  time.Duration
	DeviceSignalTTL  time.Duration
	BINReputationTTL time.Duration
	EmailSignalTTL   time.Duration

	// Rule/model control plane
	SnapshotReloadInterval time.Duration

	// Threat intel upstream
	ThreatIntelURL string // empty disables the upstream (cache-only, fail-open)

	// A/B experiment (optional)
	ExperimentName  string
	ExperimentSplit int // percent of traffic routed to the variant [0,100]
	VariantModelID  string

	// Event sink
	KafkaBrokers []string // empty disables the Kafka sink
	KafkaTopic   string

	// Observability
	OTLPEndpoint string
	RateLimitRPM int

	// BINDenyList holds card BIN prefixes that always block.
	BINDenyList []string
}

// Defaults
const (
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultOverallDeadline = 95 * time.Millisecond
	DefaultMLDeadline      = 40 * time.Millisecond
	DefaultIntelDeadline   = 50 * time.Millisecond
	DefaultRuleWeight      = 0.45
	DefaultMLWeight        = 0.35
	DefaultIntelWeight     = 0.20
	DefaultApproveMax      = 30
	DefaultReviewMax       = 70
	DefaultReloadInterval  = 30 * time.Second
	DefaultRateLimit       = 600
	DefaultKafkaTopic      = "risk.evaluations"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                   getEnv("PORT", DefaultPort),
		Env:                    getEnv("ENV", DefaultEnv),
		LogLevel:               getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:            os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		OverallDeadline:        getEnvDuration("EVAL_DEADLINE", DefaultOverallDeadline),
		MLDeadline:             getEnvDuration("ML_DEADLINE", DefaultMLDeadline),
		ThreatIntelDeadline:    getEnvDuration("THREAT_INTEL_DEADLINE", DefaultIntelDeadline),
		RuleWeight:             getEnvFloat("RULE_WEIGHT", DefaultRuleWeight),
		MLWeight:               getEnvFloat("ML_WEIGHT", DefaultMLWeight),
		ThreatIntelWeight:      getEnvFloat("THREAT_INTEL_WEIGHT", DefaultIntelWeight),
		ApproveMax:             getEnvInt("APPROVE_MAX_SCORE", DefaultApproveMax),
		ReviewMax:              getEnvInt("REVIEW_MAX_SCORE", DefaultReviewMax),
		IPReputationTTL:        getEnvDuration("IP_REPUTATION_TTL", time.Hour),
		DeviceSignalTTL:        getEnvDuration("DEVICE_SIGNAL_TTL", 24*time.Hour),
		BINReputationTTL:       getEnvDuration("BIN_REPUTATION_TTL", 7*24*time.Hour),
		EmailSignalTTL:         getEnvDuration("EMAIL_SIGNAL_TTL", 6*time.Hour),
		SnapshotReloadInterval: getEnvDuration("SNAPSHOT_RELOAD_INTERVAL", DefaultReloadInterval),
		ThreatIntelURL:         os.Getenv("THREAT_INTEL_URL"),
		ExperimentName:         os.Getenv("EXPERIMENT_NAME"),
		ExperimentSplit:        getEnvInt("EXPERIMENT_SPLIT", 0),
		VariantModelID:         os.Getenv("EXPERIMENT_VARIANT_MODEL"),
		KafkaTopic:             getEnv("KAFKA_TOPIC", DefaultKafkaTopic),
		OTLPEndpoint:           os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		RateLimitRPM:           getEnvInt("RATE_LIMIT_RPM", DefaultRateLimit),
	}

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		for _, b := range strings.Split(brokers, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
			}
		}
	}

	if bins := os.Getenv("BIN_DENY_LIST"); bins != "" {
		for _, b := range strings.Split(bins, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.BINDenyList = append(cfg.BINDenyList, b)
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and consistent
func (c *Config) Validate() error {
	if c.OverallDeadline <= 0 {
		return fmt.Errorf("EVAL_DEADLINE must be positive")
	}
	if c.MLDeadline <= 0 || c.ThreatIntelDeadline <= 0 {
		return fmt.Errorf("engine sub-deadlines must be positive")
	}
	if c.MLDeadline > c.OverallDeadline || c.ThreatIntelDeadline > c.OverallDeadline {
		return fmt.Errorf("engine sub-deadlines must not exceed EVAL_DEADLINE (%s)", c.OverallDeadline)
	}

	sum := c.RuleWeight + c.MLWeight + c.ThreatIntelWeight
	if math.Abs(sum-1.0) > 1e-9 {
		return fmt.Errorf("blend weights must sum to 1.0, got %.4f", sum)
	}
	if c.RuleWeight < 0 || c.MLWeight < 0 || c.ThreatIntelWeight < 0 {
		return fmt.Errorf("blend weights must be non-negative")
	}

	if c.ApproveMax < 0 || c.ApproveMax >= c.ReviewMax || c.ReviewMax >= 100 {
		return fmt.Errorf("decision bands must satisfy 0 <= APPROVE_MAX_SCORE < REVIEW_MAX_SCORE < 100")
	}

	if c.ExperimentSplit < 0 || c.ExperimentSplit > 100 {
		return fmt.Errorf("EXPERIMENT_SPLIT must be in [0,100]")
	}
	if c.ExperimentName != "" && c.VariantModelID == "" {
		return fmt.Errorf("EXPERIMENT_VARIANT_MODEL is required when EXPERIMENT_NAME is set")
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
