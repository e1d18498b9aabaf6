package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	AppEnv string
	Port   int

	// Postgres (pgxpool DSN)
	DBDSN string

	// JWT verification (must match the platform auth-service signing config)
	JWTSecret string
	JWTIssuer string

	// Table tokens are signed with their own secret by the session service.
	TableTokenSecret string

	// Redis (pub/sub bus)
	RedisAddr string
	RedisPass string
	RedisDB   int

	// WebSocket gateway
	AllowedOrigins        []string
	HeartbeatTimeout      time.Duration
	ReceiveTimeout        time.Duration
	JWTRevalidateInterval time.Duration
	MaxConnsPerUser       int
	MaxTotalConns         int
	BroadcastBatchSize    int
	MaxBroadcastsPerSec   int
	MessageRateLimit      int
	MessageRateWindow     time.Duration
	MaxMessageSize        int
	MaxSectorsPerWaiter   int

	// Event pipeline
	EventQueueSize       int
	EventCallbackTimeout time.Duration
	ReconnectMaxAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration

	// Outbox
	OutboxEnabled        bool
	OutboxWorkers        int
	OutboxMaxRetries     int
	OutboxPollInterval   time.Duration
	OutboxBatchSize      int
	OutboxStaleAfter     time.Duration
	OutboxPublishTimeout time.Duration

	// Cleanup
	CleanupInterval time.Duration

	// Logging
	LogLevel string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	cfg.AppEnv = getEnv("APP_ENV", "dev")
	cfg.Port = getInt("PORT", 8080)

	// --- Postgres: prefer DATABASE_URL if present, else build from POSTGRES_*
	dbURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dbURL != "" {
		cfg.DBDSN = dbURL
	} else {
		addr := getEnv("POSTGRES_ADDR", "")
		user := getEnv("POSTGRES_USER", "")
		pass := getEnv("POSTGRES_PASSWORD", "")
		db := getEnv("POSTGRES_DB", "")
		sslmode := getEnv("POSTGRES_SSLMODE", "disable")
		cfg.DBDSN = buildPostgresURL(addr, user, pass, db, sslmode)
	}

	// --- Auth
	cfg.JWTSecret = getEnv("JWT_SECRET", "")
	cfg.JWTIssuer = getEnv("JWT_ISSUER", "")
	cfg.TableTokenSecret = getEnv("TABLE_TOKEN_SECRET", "")

	// --- Redis
	cfg.RedisAddr = getEnv("REDIS_ADDR", "127.0.0.1:6379")
	cfg.RedisPass = getEnv("REDIS_PASSWORD", "")
	cfg.RedisDB = getInt("REDIS_DB", 0)

	// --- Gateway
	cfg.AllowedOrigins = splitList(getEnv("ALLOWED_ORIGINS", ""))
	cfg.HeartbeatTimeout = getDuration("HEARTBEAT_TIMEOUT", 60*time.Second)
	cfg.ReceiveTimeout = getDuration("RECEIVE_TIMEOUT", 90*time.Second)
	cfg.JWTRevalidateInterval = getDuration("JWT_REVALIDATION_INTERVAL", 5*time.Minute)
	cfg.MaxConnsPerUser = getInt("MAX_CONNECTIONS_PER_USER", 5)
	cfg.MaxTotalConns = getInt("MAX_TOTAL_CONNECTIONS", 10000)
	cfg.BroadcastBatchSize = getInt("BROADCAST_BATCH_SIZE", 50)
	cfg.MaxBroadcastsPerSec = getInt("MAX_BROADCASTS_PER_SECOND", 10)
	cfg.MessageRateLimit = getInt("MESSAGE_RATE_LIMIT", 20)
	cfg.MessageRateWindow = getDuration("MESSAGE_RATE_WINDOW", time.Second)
	cfg.MaxMessageSize = getInt("MAX_MESSAGE_SIZE", 64*1024)
	cfg.MaxSectorsPerWaiter = getInt("MAX_SECTORS_PER_WAITER", 20)

	// --- Event pipeline
	cfg.EventQueueSize = getInt("EVENT_QUEUE_SIZE", 1000)
	cfg.EventCallbackTimeout = getDuration("EVENT_CALLBACK_TIMEOUT", 5*time.Second)
	cfg.ReconnectMaxAttempts = getInt("RECONNECT_MAX_ATTEMPTS", 10)
	cfg.ReconnectBaseDelay = getDuration("RECONNECT_BASE_DELAY", time.Second)
	cfg.ReconnectMaxDelay = getDuration("RECONNECT_MAX_DELAY", 30*time.Second)

	// --- Outbox
	cfg.OutboxEnabled = getBool("OUTBOX_ENABLED", true)
	cfg.OutboxWorkers = getInt("OUTBOX_WORKERS", 1)
	cfg.OutboxMaxRetries = getInt("OUTBOX_MAX_RETRIES", 5)
	cfg.OutboxPollInterval = getDuration("OUTBOX_POLL_INTERVAL", time.Second)
	cfg.OutboxBatchSize = getInt("OUTBOX_BATCH_SIZE", 50)
	cfg.OutboxStaleAfter = getDuration("OUTBOX_STALE_PROCESSING_AFTER", 60*time.Second)
	cfg.OutboxPublishTimeout = getDuration("OUTBOX_PUBLISH_TIMEOUT", 5*time.Second)

	// --- Cleanup
	cfg.CleanupInterval = getDuration("CLEANUP_INTERVAL", 30*time.Second)

	// --- Logging
	cfg.LogLevel = getEnv("LOG_LEVEL", "info")

	// --- Validation (fail fast)
	if cfg.DBDSN == "" {
		return nil, fmt.Errorf("missing database config: provide DATABASE_URL or POSTGRES_ADDR/POSTGRES_USER/POSTGRES_PASSWORD/POSTGRES_DB")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("missing JWT_SECRET")
	}
	if cfg.TableTokenSecret == "" {
		return nil, fmt.Errorf("missing TABLE_TOKEN_SECRET")
	}
	if cfg.AppEnv != "dev" && len(cfg.AllowedOrigins) == 0 {
		return nil, fmt.Errorf("missing ALLOWED_ORIGINS (required when APP_ENV != dev)")
	}
	if cfg.MessageRateLimit <= 0 || cfg.MaxTotalConns <= 0 {
		return nil, fmt.Errorf("MESSAGE_RATE_LIMIT and MAX_TOTAL_CONNECTIONS must be positive")
	}

	return cfg, nil
}

// buildPostgresURL builds a safe postgres URL DSN (handles special characters).
func buildPostgresURL(addr, user, pass, db, sslmode string) string {
	if strings.TrimSpace(addr) == "" || strings.TrimSpace(user) == "" || strings.TrimSpace(db) == "" {
		return ""
	}

	u := &url.URL{
		Scheme: "postgres",
		Host:   strings.TrimSpace(addr),
		Path:   "/" + strings.TrimPrefix(strings.TrimSpace(db), "/"),
	}
	if pass != "" {
		u.User = url.UserPassword(user, pass)
	} else {
		u.User = url.User(user)
	}

	q := url.Values{}
	if strings.TrimSpace(sslmode) != "" {
		q.Set("sslmode", strings.TrimSpace(sslmode))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func splitList(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnv(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

func getInt(k string, def int) int {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func getBool(k string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	switch strings.ToLower(v) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		// prefer failing fast over silent misconfig
		panic(fmt.Errorf("invalid boolean env %s=%q", k, v))
	}
}

func getDuration(k string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
