package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// SyncQueueConfig holds the client sync queue's concurrency and retry knobs
// (spec.md §6 sync_queue.*).
type SyncQueueConfig struct {
	MaxConcurrent int
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
}

// ProseConfig holds the rich-text editor host's debounce/throttle knobs
// (spec.md §6 prose.*).
type ProseConfig struct {
	DebounceMillis int
	ThrottleMillis int
}

// AnonymousPresenceConfig holds the word lists an anonymous display
// identity is derived from (spec.md §6 anonymous_presence.*).
type AnonymousPresenceConfig struct {
	Adjectives []string
	Nouns      []string
	Colors     []string
}

// Config holds server configuration
type Config struct {
	// Server
	Host        string
	Port        int
	Environment string

	// Authentication
	JWTSecret string

	// Database (optional)
	DatabaseURL string

	// Redis (optional)
	RedisURL           string
	RedisChannelPrefix string

	// CORS
	CORSOrigins []string

	// Replication engine
	DeltaThreshold    int64
	PeerTimeout       time.Duration
	HeartbeatInterval time.Duration
	SyncQueue         SyncQueueConfig
	Prose             ProseConfig
	AnonymousPresence AnonymousPresenceConfig
}

// Load loads configuration from environment variables
func Load() *Config {
	env := getEnv("ENVIRONMENT", "development")
	jwtSecret := getEnv("JWT_SECRET", "")

	if jwtSecret == "" {
		if env == "production" {
			panic("JWT_SECRET environment variable is required in production")
		}
		jwtSecret = "development-secret-do-not-use-in-production"
	}

	if env == "production" && len(jwtSecret) < 32 {
		panic(fmt.Sprintf("JWT_SECRET must be at least 32 characters in production (got %d)", len(jwtSecret)))
	}

	return &Config{
		Host:               getEnv("HOST", "0.0.0.0"),
		Port:               getEnvInt("PORT", 8080),
		Environment:        env,
		JWTSecret:          jwtSecret,
		DatabaseURL:        getEnv("DATABASE_URL", ""),
		RedisURL:           getEnv("REDIS_URL", ""),
		RedisChannelPrefix: getEnv("REDIS_CHANNEL_PREFIX", "replikit"),
		CORSOrigins:        getEnvList("CORS_ORIGINS", []string{"*"}),

		DeltaThreshold:    getEnvInt64("DELTA_THRESHOLD", 500),
		PeerTimeout:        getEnvDuration("PEER_TIMEOUT", 24*time.Hour),
		HeartbeatInterval: getEnvDuration("HEARTBEAT_INTERVAL", 10*time.Second),
		SyncQueue: SyncQueueConfig{
			MaxConcurrent: getEnvInt("SYNC_QUEUE_MAX_CONCURRENT", 5),
			MaxRetries:    getEnvInt("SYNC_QUEUE_MAX_RETRIES", 3),
			BaseDelay:     time.Duration(getEnvInt("SYNC_QUEUE_BASE_DELAY_MS", 1000)) * time.Millisecond,
			MaxDelay:      time.Duration(getEnvInt("SYNC_QUEUE_MAX_DELAY_MS", 30000)) * time.Millisecond,
		},
		Prose: ProseConfig{
			DebounceMillis: getEnvInt("PROSE_DEBOUNCE_MS", 50),
			ThrottleMillis: getEnvInt("PROSE_THROTTLE_MS", 50),
		},
		AnonymousPresence: AnonymousPresenceConfig{
			Adjectives: getEnvList("PRESENCE_ADJECTIVES", nil),
			Nouns:      getEnvList("PRESENCE_NOUNS", nil),
			Colors:     getEnvList("PRESENCE_COLORS", nil),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
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

// getEnvList splits a comma-separated environment variable, trimming
// whitespace around each entry. An unset or empty variable returns
// defaultValue unchanged — nil means "let the consumer fall back to its
// own package default" (e.g. presence.DefaultWordLists).
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
