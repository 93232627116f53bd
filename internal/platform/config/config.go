package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config captures process-level configuration. Domain thresholds live in the
// limits package and are refreshable at runtime; everything here is fixed at
// startup.
type Config struct {
	Addr     string
	LogLevel slog.Level

	Redis      RedisConfig
	Reputation ReputationConfig
	Blocklist  BlocklistConfig

	// RecordLifetime is the baseline cache TTL for persisted records. Each
	// record may extend it via its own minimum lifetime.
	RecordLifetime time.Duration

	// UpdatePollInterval drives settings/allowlist refresh. Zero disables
	// background polling.
	UpdatePollInterval time.Duration

	RequestTimeout time.Duration

	// Per-instance request throttle. Zero RPS disables the middleware.
	ThrottleRPS   float64
	ThrottleBurst int

	AllowedIPs          []string
	AllowedEmailDomains []string
	AllowedPhoneNumbers []string

	// RulesFile points at a JSON file of user-defined rate-limit rules.
	RulesFile string
}

// RedisConfig configures the cache connection. An empty URL selects the
// in-memory store (development only).
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// ReputationConfig configures the external IP reputation service.
type ReputationConfig struct {
	Enable       bool
	BaseURL      string
	Timeout      time.Duration
	BlockBelow   int
	SuspectBelow int
}

// BlocklistConfig configures the static IP blocklist files.
type BlocklistConfig struct {
	Enable       bool
	Paths        []string
	PollInterval time.Duration
}

// FromEnv builds a Config from environment variables so main stays lean.
// A .env file is loaded first when present.
func FromEnv() Config {
	_ = godotenv.Load()

	return Config{
		Addr:     getEnv("CUSTOMS_ADDR", ":7000"),
		LogLevel: parseLevel(getEnv("CUSTOMS_LOG_LEVEL", "info")),
		Redis: RedisConfig{
			URL:          os.Getenv("CUSTOMS_REDIS_URL"),
			PoolSize:     getEnvInt("CUSTOMS_REDIS_POOL_SIZE", 10),
			MinIdleConns: getEnvInt("CUSTOMS_REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  getEnvDuration("CUSTOMS_REDIS_DIAL_TIMEOUT", 500*time.Millisecond),
			ReadTimeout:  getEnvDuration("CUSTOMS_REDIS_READ_TIMEOUT", 500*time.Millisecond),
			WriteTimeout: getEnvDuration("CUSTOMS_REDIS_WRITE_TIMEOUT", 500*time.Millisecond),
		},
		Reputation: ReputationConfig{
			Enable:       os.Getenv("CUSTOMS_REPUTATION_URL") != "",
			BaseURL:      os.Getenv("CUSTOMS_REPUTATION_URL"),
			Timeout:      getEnvDuration("CUSTOMS_REPUTATION_TIMEOUT", 500*time.Millisecond),
			BlockBelow:   getEnvInt("CUSTOMS_REPUTATION_BLOCK_BELOW", 50),
			SuspectBelow: getEnvInt("CUSTOMS_REPUTATION_SUSPECT_BELOW", 60),
		},
		Blocklist: BlocklistConfig{
			Enable:       os.Getenv("CUSTOMS_BLOCKLIST_FILES") != "",
			Paths:        splitList(os.Getenv("CUSTOMS_BLOCKLIST_FILES")),
			PollInterval: getEnvDuration("CUSTOMS_BLOCKLIST_POLL_INTERVAL", 5*time.Minute),
		},
		RecordLifetime:      getEnvDuration("CUSTOMS_RECORD_LIFETIME", 15*time.Minute),
		UpdatePollInterval:  getEnvDuration("CUSTOMS_UPDATE_POLL_INTERVAL", time.Minute),
		RequestTimeout:      getEnvDuration("CUSTOMS_REQUEST_TIMEOUT", 10*time.Second),
		ThrottleRPS:         getEnvFloat("CUSTOMS_THROTTLE_RPS", 0),
		ThrottleBurst:       getEnvInt("CUSTOMS_THROTTLE_BURST", 100),
		AllowedIPs:          splitList(os.Getenv("CUSTOMS_ALLOWED_IPS")),
		AllowedEmailDomains: splitList(os.Getenv("CUSTOMS_ALLOWED_EMAIL_DOMAINS")),
		AllowedPhoneNumbers: splitList(os.Getenv("CUSTOMS_ALLOWED_PHONE_NUMBERS")),
		RulesFile:           os.Getenv("CUSTOMS_RULES_FILE"),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
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

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseLevel(raw string) slog.Level {
	switch strings.ToLower(raw) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
