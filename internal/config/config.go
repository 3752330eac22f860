// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Storage and transport (all optional; in-memory when unset)
	DatabaseURL  string
	AutoMigrate  bool
	RedisAddr    string
	RedisDB      int
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string
	OTLPEndpoint string

	// HTTP hardening
	CORSOrigins     []string
	WriteRateLimit  int // mutating requests per actor per minute; 0 disables
	WriteRateBurst  int
	MirrorKeyPrefix string

	Risk     RiskConfig
	Policy   PolicyConfig
	Revenue  RevenueConfig
	Snapshot SnapshotConfig
}

// RiskConfig holds scoring weights and band thresholds.
type RiskConfig struct {
	WatchThreshold int // scores >= this are WATCH
	RiskThreshold  int // scores >= this are RISK

	CODRefusalPoints float64 // sub-score points per COD refusal in 30d
	ReturnPoints     float64 // sub-score points per return in 60d

	WeightCODRefusals float64
	WeightReturns     float64
	WeightReturnRate  float64
}

// PolicyConfig holds Policy Rule Engine thresholds and CEL rule overrides.
type PolicyConfig struct {
	RiskThresholdHigh  int
	BlockCODScore      int
	BlockCODRefusals   int
	CityMinOrders      int
	CityReturnRateCeil float64
	ReproposeAfter     time.Duration
	RunInterval        time.Duration
	UserRuleExpr       string // optional CEL override for REQUIRE_PREPAID
	CityRuleExpr       string // optional CEL override for CITY_REQUIRE_PREPAID
	DefaultRunLimit    int
}

// RevenueConfig holds target bands, lever bounds and monitoring settings.
type RevenueConfig struct {
	TargetPrepaidConversion float64
	MaxDeclineRate          float64
	ConversionSlack         float64

	DiscountStepPct float64
	DiscountMaxPct  float64
	DepositStepUAH  float64
	DepositMaxUAH   float64

	// Uplift assumptions used for the expected-impact estimate.
	ConversionUpliftPerPct float64
	MarginPerPaidOrderUAH  float64
	AvgOrderValueUAH       float64

	Cooldown             time.Duration
	MonitorWindow        time.Duration
	RollbackToleranceUAH float64
	BreachesToRollback   int
	SweepInterval        time.Duration
}

// SnapshotConfig holds Metrics Aggregator cadence settings.
type SnapshotConfig struct {
	Interval  time.Duration
	Window    time.Duration
	Retention int
}

// Defaults
const (
	DefaultPort      = "8080"
	DefaultEnv       = "development"
	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"
	DefaultTopic     = "orders.events"
	DefaultGroup     = "storeguard"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:         getEnv("PORT", DefaultPort),
		Env:          getEnv("ENV", DefaultEnv),
		LogLevel:     getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:    getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		AutoMigrate:  getEnv("DB_AUTO_MIGRATE", "true") == "true",
		RedisAddr:    os.Getenv("REDIS_ADDR"),
		RedisDB:      int(getEnvInt64("REDIS_DB", 0)),
		KafkaBrokers: getEnvList("KAFKA_BROKERS"),
		KafkaTopic:   getEnv("KAFKA_ORDERS_TOPIC", DefaultTopic),
		KafkaGroup:   getEnv("KAFKA_GROUP", DefaultGroup),
		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),

		CORSOrigins:     getEnvListDefault("CORS_ALLOWED_ORIGINS", []string{"*"}),
		WriteRateLimit:  int(getEnvInt64("RATE_LIMIT_WRITES_PER_MINUTE", 60)),
		WriteRateBurst:  int(getEnvInt64("RATE_LIMIT_WRITE_BURST", 10)),
		MirrorKeyPrefix: getEnv("REDIS_KEY_PREFIX", "storeguard"),

		Risk: RiskConfig{
			WatchThreshold:    int(getEnvInt64("RISK_WATCH_THRESHOLD", 40)),
			RiskThreshold:     int(getEnvInt64("RISK_RISK_THRESHOLD", 70)),
			CODRefusalPoints:  getEnvFloat("RISK_COD_REFUSAL_POINTS", 20),
			ReturnPoints:      getEnvFloat("RISK_RETURN_POINTS", 25),
			WeightCODRefusals: getEnvFloat("RISK_WEIGHT_COD_REFUSALS", 0.4),
			WeightReturns:     getEnvFloat("RISK_WEIGHT_RETURNS", 0.4),
			WeightReturnRate:  getEnvFloat("RISK_WEIGHT_RETURN_RATE", 0.2),
		},
		Policy: PolicyConfig{
			RiskThresholdHigh:  int(getEnvInt64("POLICY_RISK_THRESHOLD_HIGH", 70)),
			BlockCODScore:      int(getEnvInt64("POLICY_BLOCK_COD_SCORE", 90)),
			BlockCODRefusals:   int(getEnvInt64("POLICY_BLOCK_COD_REFUSALS", 3)),
			CityMinOrders:      int(getEnvInt64("POLICY_CITY_MIN_ORDERS", 20)),
			CityReturnRateCeil: getEnvFloat("POLICY_CITY_RETURN_RATE_CEIL", 0.35),
			ReproposeAfter:     getEnvDuration("POLICY_REPROPOSE_AFTER", 7*24*time.Hour),
			RunInterval:        getEnvDuration("POLICY_RUN_INTERVAL", time.Hour),
			UserRuleExpr:       os.Getenv("POLICY_USER_RULE"),
			CityRuleExpr:       os.Getenv("POLICY_CITY_RULE"),
			DefaultRunLimit:    int(getEnvInt64("POLICY_RUN_LIMIT", 500)),
		},
		Revenue: RevenueConfig{
			TargetPrepaidConversion: getEnvFloat("REVENUE_TARGET_PREPAID_CONVERSION", 0.55),
			MaxDeclineRate:          getEnvFloat("REVENUE_MAX_DECLINE_RATE", 0.12),
			ConversionSlack:         getEnvFloat("REVENUE_CONVERSION_SLACK", 0.10),
			DiscountStepPct:         getEnvFloat("REVENUE_DISCOUNT_STEP_PCT", 1),
			DiscountMaxPct:          getEnvFloat("REVENUE_DISCOUNT_MAX_PCT", 15),
			DepositStepUAH:          getEnvFloat("REVENUE_DEPOSIT_STEP_UAH", 50),
			DepositMaxUAH:           getEnvFloat("REVENUE_DEPOSIT_MAX_UAH", 1000),
			ConversionUpliftPerPct:  getEnvFloat("REVENUE_CONVERSION_UPLIFT_PER_PCT", 0.03),
			MarginPerPaidOrderUAH:   getEnvFloat("REVENUE_MARGIN_PER_PAID_ORDER_UAH", 260),
			AvgOrderValueUAH:        getEnvFloat("REVENUE_AVG_ORDER_VALUE_UAH", 1200),
			Cooldown:                getEnvDuration("REVENUE_COOLDOWN", 72*time.Hour),
			MonitorWindow:           getEnvDuration("REVENUE_MONITOR_WINDOW", 72*time.Hour),
			RollbackToleranceUAH:    getEnvFloat("REVENUE_ROLLBACK_TOLERANCE_UAH", 300),
			BreachesToRollback:      int(getEnvInt64("REVENUE_BREACHES_TO_ROLLBACK", 3)),
			SweepInterval:           getEnvDuration("REVENUE_SWEEP_INTERVAL", 5*time.Minute),
		},
		Snapshot: SnapshotConfig{
			Interval:  getEnvDuration("SNAPSHOT_INTERVAL", time.Hour),
			Window:    getEnvDuration("SNAPSHOT_WINDOW", 30*24*time.Hour),
			Retention: int(getEnvInt64("SNAPSHOT_RETENTION", 720)),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that thresholds are internally consistent
func (c *Config) Validate() error {
	if c.Risk.WatchThreshold <= 0 || c.Risk.WatchThreshold >= c.Risk.RiskThreshold || c.Risk.RiskThreshold > 100 {
		return fmt.Errorf("RISK_WATCH_THRESHOLD must be in (0, RISK_RISK_THRESHOLD) and RISK_RISK_THRESHOLD <= 100")
	}
	if w := c.Risk.WeightCODRefusals + c.Risk.WeightReturns + c.Risk.WeightReturnRate; w <= 0 {
		return fmt.Errorf("risk weights must sum to a positive value")
	}
	if c.Revenue.BreachesToRollback < 1 {
		return fmt.Errorf("REVENUE_BREACHES_TO_ROLLBACK must be at least 1")
	}
	if c.Revenue.MonitorWindow <= 0 {
		return fmt.Errorf("REVENUE_MONITOR_WINDOW must be positive")
	}
	if c.Revenue.RollbackToleranceUAH < 0 {
		return fmt.Errorf("REVENUE_ROLLBACK_TOLERANCE_UAH must not be negative")
	}
	if c.Policy.RunInterval <= 0 || c.Revenue.SweepInterval <= 0 {
		return fmt.Errorf("POLICY_RUN_INTERVAL and REVENUE_SWEEP_INTERVAL must be positive")
	}
	if c.Snapshot.Interval <= 0 || c.Snapshot.Window <= 0 {
		return fmt.Errorf("SNAPSHOT_INTERVAL and SNAPSHOT_WINDOW must be positive")
	}
	if c.Snapshot.Retention < 1 {
		return fmt.Errorf("SNAPSHOT_RETENTION must be at least 1")
	}
	if c.WriteRateLimit < 0 || (c.WriteRateLimit > 0 && c.WriteRateBurst < 1) {
		return fmt.Errorf("RATE_LIMIT_WRITE_BURST must be at least 1 when rate limiting is enabled")
	}
	if len(c.KafkaBrokers) > 0 && c.KafkaTopic == "" {
		return fmt.Errorf("KAFKA_ORDERS_TOPIC is required when KAFKA_BROKERS is set")
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

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
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

func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnvListDefault(key string, defaultValue []string) []string {
	if v := getEnvList(key); len(v) > 0 {
		return v
	}
	return defaultValue
}
