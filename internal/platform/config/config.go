// Package config loads process configuration for both Crypton services.
//
// Precedence: a .env file is loaded first if present, then real
// environment variables are read on top of it, then defaults fill any gap.
// There is no settings database tier here — neither service persists
// tunables anywhere but the environment and the strategy document itself.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every environment-driven setting for both binaries. Each
// binary reads only the fields relevant to it; unused fields are harmless.
type Config struct {
	// Shared
	DataDir  string
	LogLevel string
	DevMode  bool

	// Agent Runner
	RunnerPort           string
	LLMBaseURL           string
	LLMModel             string
	CycleIntervalDefault time.Duration
	StepTimeoutDefault   time.Duration
	MaxCycleDuration     time.Duration
	IterationCap         int
	RetryMax             int
	RetryBackoffCapMin   int
	OverrideToken        string
	ExecutionServiceURL  string

	// Execution Service
	ExecutionPort       string
	StrategyPath        string
	StrategyDebounce    time.Duration
	ValidityCheckPeriod time.Duration
	DMSTimeout          time.Duration
	FailureThreshold    int
	OperatorToken       string
	InitialCapitalUSD   float64
	LotIncrement        float64
	MinimumLot          float64
	PaperSlippagePct    float64
	PaperCommissionRate float64
	LiveWSURL           string
	LiveRESTURL         string
	LiveAPIKey          string

	// Optional cloud archival (R2/S3-compatible)
	BackupEnabled   bool
	BackupBucket    string
	BackupEndpoint  string
	BackupRegion    string
	BackupAccessKey string
	BackupSecretKey string
}

// Load reads .env (if present, ignored if missing) then the process
// environment, applying defaults for anything unset.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DataDir:  getEnv("CRYPTON_DATA_DIR", "./data"),
		LogLevel: getEnv("CRYPTON_LOG_LEVEL", "info"),
		DevMode:  getEnvBool("CRYPTON_DEV_MODE", false),

		RunnerPort:           getEnv("RUNNER_PORT", "8081"),
		LLMBaseURL:           getEnv("RUNNER_LLM_URL", "http://localhost:11434"),
		LLMModel:             getEnv("RUNNER_LLM_MODEL", "llama3"),
		CycleIntervalDefault: getEnvDuration("RUNNER_CYCLE_INTERVAL", 6*time.Hour),
		StepTimeoutDefault:   getEnvDuration("RUNNER_STEP_TIMEOUT", 5*time.Minute),
		MaxCycleDuration:     getEnvDuration("RUNNER_MAX_CYCLE_DURATION", 45*time.Minute),
		IterationCap:         getEnvInt("RUNNER_ITERATION_CAP", 12),
		RetryMax:             getEnvInt("RUNNER_RETRY_MAX", 4),
		RetryBackoffCapMin:   getEnvInt("RUNNER_RETRY_BACKOFF_CAP_MIN", 60),
		OverrideToken:        getEnv("RUNNER_OVERRIDE_TOKEN", ""),
		ExecutionServiceURL:  getEnv("RUNNER_EXECUTION_SERVICE_URL", "http://localhost:8082"),

		ExecutionPort:       getEnv("EXECUTION_PORT", "8082"),
		StrategyPath:        getEnv("EXECUTION_STRATEGY_PATH", "./data/strategy.json"),
		StrategyDebounce:    getEnvDuration("EXECUTION_STRATEGY_DEBOUNCE", 5*time.Second),
		ValidityCheckPeriod: getEnvDuration("EXECUTION_VALIDITY_CHECK_PERIOD", 30*time.Second),
		DMSTimeout:          getEnvDuration("EXECUTION_DMS_TIMEOUT", 60*time.Second),
		FailureThreshold:    getEnvInt("EXECUTION_FAILURE_THRESHOLD", 3),
		OperatorToken:       getEnv("EXECUTION_OPERATOR_TOKEN", ""),
		InitialCapitalUSD:   getEnvFloat("EXECUTION_INITIAL_CAPITAL_USD", 10000),
		LotIncrement:        getEnvFloat("EXECUTION_LOT_INCREMENT", 0.0001),
		MinimumLot:          getEnvFloat("EXECUTION_MINIMUM_LOT", 0.0001),
		PaperSlippagePct:    getEnvFloat("EXECUTION_PAPER_SLIPPAGE_PCT", 0.0005),
		PaperCommissionRate: getEnvFloat("EXECUTION_PAPER_COMMISSION_RATE", 0.001),
		LiveWSURL:           getEnv("EXECUTION_LIVE_WS_URL", ""),
		LiveRESTURL:         getEnv("EXECUTION_LIVE_REST_URL", ""),
		LiveAPIKey:          getEnv("EXECUTION_LIVE_API_KEY", ""),

		BackupEnabled:   getEnvBool("CRYPTON_BACKUP_ENABLED", false),
		BackupBucket:    getEnv("CRYPTON_BACKUP_BUCKET", ""),
		BackupEndpoint:  getEnv("CRYPTON_BACKUP_ENDPOINT", ""),
		BackupRegion:    getEnv("CRYPTON_BACKUP_REGION", "auto"),
		BackupAccessKey: getEnv("CRYPTON_BACKUP_ACCESS_KEY", ""),
		BackupSecretKey: getEnv("CRYPTON_BACKUP_SECRET_KEY", ""),
	}

	if cfg.DataDir == "" {
		return nil, fmt.Errorf("config: CRYPTON_DATA_DIR must not be empty")
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return fallback
	}
	return b
}

func getEnvInt(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return fallback
	}
	return d
}
