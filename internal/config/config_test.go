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
	old, had := os.LookupEnv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if !had {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_Defaults(t *testing.T) {
	setEnv(t, "PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 40, cfg.Risk.WatchThreshold)
	assert.Equal(t, 70, cfg.Risk.RiskThreshold)
	assert.Equal(t, 72*time.Hour, cfg.Revenue.Cooldown)
	assert.Equal(t, 3, cfg.Revenue.BreachesToRollback)
	assert.Equal(t, time.Hour, cfg.Snapshot.Interval)
	assert.Empty(t, cfg.KafkaBrokers)
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins)
	assert.Equal(t, 60, cfg.WriteRateLimit)
	assert.Equal(t, "storeguard", cfg.MirrorKeyPrefix)
}

func TestLoad_Overrides(t *testing.T) {
	setEnv(t, "REVENUE_COOLDOWN", "10m")
	setEnv(t, "REVENUE_ROLLBACK_TOLERANCE_UAH", "125.5")
	setEnv(t, "KAFKA_BROKERS", "k1:9092, k2:9092,")
	setEnv(t, "POLICY_USER_RULE", "score >= 80")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 10*time.Minute, cfg.Revenue.Cooldown)
	assert.Equal(t, 125.5, cfg.Revenue.RollbackToleranceUAH)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "score >= 80", cfg.Policy.UserRuleExpr)
}

func TestLoad_CORSAndRateLimit(t *testing.T) {
	setEnv(t, "CORS_ALLOWED_ORIGINS", "https://ops.example.com")
	setEnv(t, "RATE_LIMIT_WRITES_PER_MINUTE", "0")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"https://ops.example.com"}, cfg.CORSOrigins)
	assert.Equal(t, 0, cfg.WriteRateLimit)

	setEnv(t, "RATE_LIMIT_WRITES_PER_MINUTE", "30")
	setEnv(t, "RATE_LIMIT_WRITE_BURST", "0")
	_, err = Load()
	assert.Error(t, err)
}

func TestLoad_InvalidBands(t *testing.T) {
	setEnv(t, "RISK_WATCH_THRESHOLD", "80")
	setEnv(t, "RISK_RISK_THRESHOLD", "70")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "RISK_WATCH_THRESHOLD")
}

func TestConfig_Validate(t *testing.T) {
	valid := func() Config {
		return Config{
			Risk:     RiskConfig{WatchThreshold: 40, RiskThreshold: 70, WeightCODRefusals: 1},
			Policy:   PolicyConfig{RunInterval: time.Hour},
			Revenue:  RevenueConfig{BreachesToRollback: 3, MonitorWindow: time.Hour, SweepInterval: time.Minute},
			Snapshot: SnapshotConfig{Interval: time.Hour, Window: time.Hour, Retention: 10},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid config", func(*Config) {}, ""},
		{"zero weights", func(c *Config) { c.Risk.WeightCODRefusals = 0 }, "weights"},
		{"zero breaches", func(c *Config) { c.Revenue.BreachesToRollback = 0 }, "BREACHES"},
		{"no monitor window", func(c *Config) { c.Revenue.MonitorWindow = 0 }, "MONITOR_WINDOW"},
		{"negative tolerance", func(c *Config) { c.Revenue.RollbackToleranceUAH = -1 }, "TOLERANCE"},
		{"no sweep interval", func(c *Config) { c.Revenue.SweepInterval = 0 }, "SWEEP_INTERVAL"},
		{"no retention", func(c *Config) { c.Snapshot.Retention = 0 }, "RETENTION"},
		{"kafka without topic", func(c *Config) { c.KafkaBrokers = []string{"k:1"} }, "KAFKA_ORDERS_TOPIC"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnvHelpers(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_FLOAT", "0.25")
	setEnv(t, "TEST_DUR", "90s")
	setEnv(t, "TEST_INVALID", "not_a_number")

	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99))
	assert.Equal(t, 0.25, getEnvFloat("TEST_FLOAT", 1))
	assert.Equal(t, 1.5, getEnvFloat("TEST_INVALID", 1.5))
	assert.Equal(t, 90*time.Second, getEnvDuration("TEST_DUR", time.Minute))
	assert.Equal(t, time.Minute, getEnvDuration("TEST_INVALID", time.Minute))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
}
