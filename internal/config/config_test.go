package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultOverallDeadline, cfg.OverallDeadline)
	assert.Equal(t, DefaultMLDeadline, cfg.MLDeadline)
	assert.Equal(t, DefaultIntelDeadline, cfg.ThreatIntelDeadline)
	assert.Equal(t, DefaultRuleWeight, cfg.RuleWeight)
	assert.Equal(t, DefaultApproveMax, cfg.ApproveMax)
	assert.Equal(t, DefaultReviewMax, cfg.ReviewMax)
	assert.Equal(t, DefaultKafkaTopic, cfg.KafkaTopic)
	assert.Empty(t, cfg.KafkaBrokers)
}

func TestLoad_Overrides(t *testing.T) {
	setEnv(t, "PORT", "9090")
	setEnv(t, "EVAL_DEADLINE", "80ms")
	setEnv(t, "ML_DEADLINE", "30ms")
	setEnv(t, "KAFKA_BROKERS", "broker1:9092, broker2:9092")
	setEnv(t, "BIN_DENY_LIST", "411111,520000")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 80*time.Millisecond, cfg.OverallDeadline)
	assert.Equal(t, 30*time.Millisecond, cfg.MLDeadline)
	assert.Equal(t, []string{"broker1:9092", "broker2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, []string{"411111", "520000"}, cfg.BINDenyList)
}

func TestLoad_ExperimentRequiresVariant(t *testing.T) {
	setEnv(t, "EXPERIMENT_NAME", "challenger-rollout")
	setEnv(t, "EXPERIMENT_SPLIT", "10")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "EXPERIMENT_VARIANT_MODEL")
}

func TestConfig_Validate(t *testing.T) {
	valid := func() Config {
		return Config{
			OverallDeadline:     95 * time.Millisecond,
			MLDeadline:          40 * time.Millisecond,
			ThreatIntelDeadline: 50 * time.Millisecond,
			RuleWeight:          0.45,
			MLWeight:            0.35,
			ThreatIntelWeight:   0.20,
			ApproveMax:          30,
			ReviewMax:           70,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "valid config",
			mutate:  func(c *Config) {},
			wantErr: "",
		},
		{
			name:    "zero overall deadline",
			mutate:  func(c *Config) { c.OverallDeadline = 0 },
			wantErr: "EVAL_DEADLINE must be positive",
		},
		{
			name:    "sub-deadline exceeds overall",
			mutate:  func(c *Config) { c.MLDeadline = 200 * time.Millisecond },
			wantErr: "must not exceed",
		},
		{
			name:    "weights do not sum to one",
			mutate:  func(c *Config) { c.RuleWeight = 0.6 },
			wantErr: "must sum to 1.0",
		},
		{
			name:    "inverted bands",
			mutate:  func(c *Config) { c.ApproveMax = 80 },
			wantErr: "decision bands",
		},
		{
			name:    "review band at ceiling",
			mutate:  func(c *Config) { c.ReviewMax = 100 },
			wantErr: "decision bands",
		},
		{
			name:    "split out of range",
			mutate:  func(c *Config) { c.ExperimentSplit = 101 },
			wantErr: "EXPERIMENT_SPLIT",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}
