package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all server-side settings recognized from the environment.
type Config struct {
	DatabaseURL   string
	RedisAddr     string
	SessionSecret string

	ListenAddr  string
	KafkaBrokers []string

	MaxPayloadSize     int64 // decompressed upload bytes
	MaxMinersPerUpload int
	MaxRequestRate     int // uploads per key per minute

	ConsumerMaxRetries    int
	ConsumerBackoffBase   time.Duration
	ConsumerPrefetch      int
	ConsumerWorkers       int
	EntityLockTTL         time.Duration

	OutboxPollInterval time.Duration
	OutboxBatch        int
	OutboxRetention    time.Duration
	InboxRetention     time.Duration

	CommandTTL        time.Duration
	CommandFetchLimit int

	EdgePollInterval time.Duration
	EdgeJitter       time.Duration
	EdgeWorkers      int
}

// Load reads configuration from the environment, applying the documented
// defaults. A local .env file is honored when present.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		DatabaseURL:   getString("DATABASE_URL", ""),
		RedisAddr:     getString("REDIS_ADDR", ""),
		SessionSecret: getString("SESSION_SECRET", ""),

		ListenAddr:   getString("LISTEN_ADDR", ":8080"),
		KafkaBrokers: splitList(getString("KAFKA_BROKERS", "")),

		MaxPayloadSize:     getInt64("MAX_PAYLOAD_SIZE", 10485760),
		MaxMinersPerUpload: getInt("MAX_MINERS_PER_UPLOAD", 5000),
		MaxRequestRate:     getInt("MAX_REQUEST_RATE", 60),

		ConsumerMaxRetries:  getInt("CONSUMER_MAX_RETRIES", 3),
		ConsumerBackoffBase: getMillis("CONSUMER_BACKOFF_BASE_MS", 1000),
		ConsumerPrefetch:    getInt("CONSUMER_PREFETCH", 32),
		ConsumerWorkers:     getInt("CONSUMER_WORKERS", 8),
		EntityLockTTL:       getSeconds("ENTITY_LOCK_TTL_S", 60),

		OutboxPollInterval: getMillis("OUTBOX_POLL_INTERVAL_MS", 5000),
		OutboxBatch:        getInt("OUTBOX_BATCH", 100),
		OutboxRetention:    getSeconds("OUTBOX_RETENTION_S", 7*24*3600),
		InboxRetention:     getSeconds("INBOX_RETENTION_S", 30*24*3600),

		CommandTTL:        getMinutes("COMMAND_TTL_MIN", 30),
		CommandFetchLimit: getInt("COMMAND_FETCH_LIMIT", 32),

		EdgePollInterval: getSeconds("EDGE_POLL_INTERVAL_S", 60),
		EdgeJitter:       getSeconds("EDGE_JITTER_S", 10),
		EdgeWorkers:      getInt("EDGE_WORKERS", 20),
	}
}

func getString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func getMillis(key string, fallback int) time.Duration {
	return time.Duration(getInt(key, fallback)) * time.Millisecond
}

func getSeconds(key string, fallback int) time.Duration {
	return time.Duration(getInt(key, fallback)) * time.Second
}

func getMinutes(key string, fallback int) time.Duration {
	return time.Duration(getInt(key, fallback)) * time.Minute
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
