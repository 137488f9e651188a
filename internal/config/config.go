package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type AppConfig struct {
	HTTPAddr     string
	RedisAddr    string
	RedisPass    string
	KafkaBrokers []string
	KafkaTopic   string

	AddressRegistryURL string
	BroadcastURL       string
	DirectoryURL       string

	// Anti-fraud wait window for individual withdrawals.
	WaitWindow    time.Duration
	SweepInterval time.Duration

	// Confirmation polling cadence and per-asset depth requirements.
	PollInterval          time.Duration
	RequiredConfirmations map[string]int
	BroadcastTimeout      time.Duration

	// Vault policy: target hot share in basis points and the advisory
	// deviation tolerance.
	TargetHotRatio     int64
	DeviationTolerance int64
	RatioCheckInterval time.Duration

	Screening ScreeningConfig
}

// ScreeningConfig carries the risk-scoring weights and thresholds; they are
// configuration, never hard-coded per call.
type ScreeningConfig struct {
	AmountWeight   int
	AddressWeight  int
	VelocityWeight int
	PatternWeight  int

	FlagThreshold int // score at or above flags for manual review

	// Per-factor cutoffs: the individual check fails when its factor score
	// reaches the threshold.
	VelocityFailThreshold int
	PatternFailThreshold  int

	// Amount tiers, in minor units of the asset.
	TierMediumAmount int64
	TierHighAmount   int64

	// Travel Rule: threshold in the reporting currency (minor units) above
	// which originator identification is mandatory.
	ReportingCurrency    string
	TravelRuleThreshold  int64
	VelocityWindowHours  int
	VelocityMaxRequests  int
}

func Load() AppConfig {
	return AppConfig{
		HTTPAddr:     getEnv("HTTP_ADDR", ":8041"),
		RedisAddr:    getEnv("REDIS_ADDR", "redis:6379"),
		RedisPass:    getEnv("REDIS_PASS", ""),
		KafkaBrokers: getEnvSlice("KAFKA_BROKERS", []string{"kafka:9092"}),
		KafkaTopic:   getEnv("KAFKA_TOPIC", "withdrawal_events"),

		AddressRegistryURL: getEnv("ADDRESS_REGISTRY_URL", "http://registry:8042"),
		BroadcastURL:       getEnv("BROADCAST_URL", "http://broadcast:8043"),
		DirectoryURL:       getEnv("DIRECTORY_URL", "http://directory:8044"),

		WaitWindow:    getEnvDuration("WAIT_WINDOW", 24*time.Hour),
		SweepInterval: getEnvDuration("SWEEP_INTERVAL", 30*time.Second),

		PollInterval:     getEnvDuration("POLL_INTERVAL", 15*time.Second),
		BroadcastTimeout: getEnvDuration("BROADCAST_TIMEOUT", 10*time.Minute),
		RequiredConfirmations: map[string]int{
			"BTC":  3,
			"ETH":  12,
			"USDT": 20,
			"USDC": 12,
			"TRX":  20,
		},

		TargetHotRatio:     getEnvInt64("TARGET_HOT_RATIO_BP", 2000),
		DeviationTolerance: getEnvInt64("DEVIATION_TOLERANCE_BP", 500),
		RatioCheckInterval: getEnvDuration("RATIO_CHECK_INTERVAL", 5*time.Minute),

		Screening: ScreeningConfig{
			AmountWeight:   getEnvInt("RISK_AMOUNT_WEIGHT", 30),
			AddressWeight:  getEnvInt("RISK_ADDRESS_WEIGHT", 35),
			VelocityWeight: getEnvInt("RISK_VELOCITY_WEIGHT", 20),
			PatternWeight:  getEnvInt("RISK_PATTERN_WEIGHT", 15),
			FlagThreshold:  getEnvInt("RISK_FLAG_THRESHOLD", 70),

			VelocityFailThreshold: getEnvInt("RISK_VELOCITY_FAIL_THRESHOLD", 90),
			PatternFailThreshold:  getEnvInt("RISK_PATTERN_FAIL_THRESHOLD", 60),

			TierMediumAmount: getEnvInt64("RISK_TIER_MEDIUM", 100_000_000),   // 1 BTC-equivalent
			TierHighAmount:   getEnvInt64("RISK_TIER_HIGH", 1_000_000_000),

			ReportingCurrency:   getEnv("REPORTING_CURRENCY", "KRW"),
			TravelRuleThreshold: getEnvInt64("TRAVEL_RULE_THRESHOLD", 1_000_000),
			VelocityWindowHours: getEnvInt("VELOCITY_WINDOW_HOURS", 24),
			VelocityMaxRequests: getEnvInt("VELOCITY_MAX_REQUESTS", 10),
		},
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
