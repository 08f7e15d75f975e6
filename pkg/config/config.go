// Package config assembles daemon configuration from environment
// variables and optional YAML strategy profiles.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds daemon configuration.
type Config struct {
	Port     string
	LogLevel string

	// Store selects record persistence: "memory" or "sqlite".
	Store      string
	SQLitePath string

	// Registry selects agent storage: "memory" or "postgres".
	Registry    string
	DatabaseURL string

	// Limiter selects rate limiting: "memory" or "redis".
	Limiter       string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RateRPS       float64
	RateBurst     int

	// Strategy names the negotiation profile to load; built-ins apply
	// when ProfilesDir is unset.
	Strategy     string
	ProfilesDir  string
	RoundTimeout time.Duration

	// SettlementURL points at the ledger service; empty means the
	// static in-process settler.
	SettlementURL string

	// OTLPEndpoint enables telemetry export when set.
	OTLPEndpoint string
}

// Load reads configuration from environment variables, applying
// defaults for anything unset.
func Load() *Config {
	return &Config{
		Port:          getenv("PORT", "8080"),
		LogLevel:      getenv("LOG_LEVEL", "INFO"),
		Store:         getenv("ACP_STORE", "memory"),
		SQLitePath:    getenv("ACP_SQLITE_PATH", "acp.db"),
		Registry:      getenv("ACP_REGISTRY", "memory"),
		DatabaseURL:   getenv("DATABASE_URL", "postgres://acp@localhost:5432/acp?sslmode=disable"),
		Limiter:       getenv("ACP_LIMITER", "memory"),
		RedisAddr:     getenv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getint("REDIS_DB", 0),
		RateRPS:       getfloat("ACP_RATE_RPS", 10),
		RateBurst:     getint("ACP_RATE_BURST", 20),
		Strategy:      getenv("ACP_STRATEGY", "balanced"),
		ProfilesDir:   os.Getenv("ACP_PROFILES_DIR"),
		RoundTimeout:  getduration("ACP_ROUND_TIMEOUT", 30*time.Second),
		SettlementURL: os.Getenv("ACP_SETTLEMENT_URL"),
		OTLPEndpoint:  os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getint(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getfloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getduration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
