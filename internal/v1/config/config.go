// Package config consolidates all environment configuration into a single
// hierarchical value validated at startup.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig holds HTTP server options.
type ServerConfig struct {
	Port            string
	Env             string // "production" or "development"
	LogLevel        string
	AllowedOrigins  string
	UploadSizeLimit int64 // bytes
	OTLPAddr        string
	TracingEnabled  bool
}

// DatabaseConfig holds the durable store options.
type DatabaseConfig struct {
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
	OpTimeout    time.Duration
}

// KVConfig holds the shared key-value store options.
type KVConfig struct {
	Enabled   bool
	Addr      string
	Password  string
	OpTimeout time.Duration
}

// CacheConfig holds the two-tier cache options.
type CacheConfig struct {
	MaxBytes  int64
	LocalTTL  time.Duration
	SharedTTL time.Duration
}

// PipelineConfig holds the inference pipeline options.
type PipelineConfig struct {
	Workers       int
	QueueCapacity int
	MaxTags       int
	EmbeddingDim  int
	ResultTTL     time.Duration
}

// CollabConfig holds the collaboration hub options.
type CollabConfig struct {
	PresenceTTL        time.Duration
	CleanupInterval    time.Duration
	RoomGracePeriod    time.Duration
	MaxCachedComments  int
	SendBufferSize     int
	RateLimitAPIGlobal string
	RateLimitAPIPublic string
	RateLimitWsIP      string
	RateLimitWsUser    string
}

// MetricsConfig holds the metrics collector options.
type MetricsConfig struct {
	CollectionInterval time.Duration
	Retention          time.Duration
}

// AuthConfig holds token validation options.
type AuthConfig struct {
	Domain   string
	Audience string
	Secret   string
	SkipAuth bool
}

// Config is the validated application configuration.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	KV       KVConfig
	Cache    CacheConfig
	Pipeline PipelineConfig
	Collab   CollabConfig
	Metrics  MetricsConfig
	Auth     AuthConfig
}

// DevelopmentMode reports whether the server runs with relaxed auth and
// verbose logging.
func (c *Config) DevelopmentMode() bool {
	return c.Server.Env == "development"
}

// Load reads and validates the environment, returning an error that lists
// every invalid variable at once.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []string

	// --- Server ---
	cfg.Server.Port = getEnvOrDefault("PORT", "8080")
	if port, err := strconv.Atoi(cfg.Server.Port); err != nil || port < 1 || port > 65535 {
		errs = append(errs, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Server.Port))
	}
	cfg.Server.Env = getEnvOrDefault("GO_ENV", "production")
	cfg.Server.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.Server.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")
	cfg.Server.UploadSizeLimit = getEnvInt64("UPLOAD_SIZE_LIMIT", 10*1024*1024)
	cfg.Server.OTLPAddr = getEnvOrDefault("OTLP_COLLECTOR_ADDR", "localhost:4317")
	cfg.Server.TracingEnabled = os.Getenv("TRACING_ENABLED") == "true"

	// --- Database ---
	cfg.Database.DSN = os.Getenv("DATABASE_DSN")
	if cfg.Database.DSN == "" {
		errs = append(errs, "DATABASE_DSN is required")
	}
	cfg.Database.MaxOpenConns = getEnvInt("DATABASE_MAX_OPEN_CONNS", 25)
	cfg.Database.MaxIdleConns = getEnvInt("DATABASE_MAX_IDLE_CONNS", 5)
	cfg.Database.OpTimeout = getEnvDuration("DATABASE_OP_TIMEOUT", 30*time.Second)

	// --- KV ---
	cfg.KV.Enabled = os.Getenv("REDIS_ENABLED") != "false"
	if cfg.KV.Enabled {
		cfg.KV.Addr = os.Getenv("REDIS_ADDR")
		if cfg.KV.Addr == "" {
			cfg.KV.Addr = "localhost:6379"
			slog.Warn("REDIS_ADDR not set, using default", "addr", cfg.KV.Addr)
		} else if !isValidHostPort(cfg.KV.Addr) {
			errs = append(errs, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.KV.Addr))
		}
		cfg.KV.Password = os.Getenv("REDIS_PASSWORD")
	}
	cfg.KV.OpTimeout = getEnvDuration("REDIS_OP_TIMEOUT", 5*time.Second)

	// --- Cache ---
	cfg.Cache.MaxBytes = getEnvInt64("CACHE_MAX_BYTES", 64*1024*1024)
	cfg.Cache.LocalTTL = getEnvDuration("CACHE_LOCAL_TTL", time.Hour)
	cfg.Cache.SharedTTL = getEnvDuration("CACHE_SHARED_TTL", 24*time.Hour)

	// --- Pipeline ---
	cfg.Pipeline.Workers = getEnvInt("PIPELINE_WORKERS", 4)
	if cfg.Pipeline.Workers < 1 {
		errs = append(errs, fmt.Sprintf("PIPELINE_WORKERS must be at least 1 (got %d)", cfg.Pipeline.Workers))
	}
	cfg.Pipeline.QueueCapacity = getEnvInt("PIPELINE_QUEUE_CAPACITY", 256)
	cfg.Pipeline.MaxTags = getEnvInt("PIPELINE_MAX_TAGS", 10)
	cfg.Pipeline.EmbeddingDim = getEnvInt("PIPELINE_EMBEDDING_DIM", 384)
	cfg.Pipeline.ResultTTL = getEnvDuration("PIPELINE_RESULT_TTL", time.Hour)

	// --- Collab ---
	cfg.Collab.PresenceTTL = getEnvDuration("PRESENCE_TTL", 5*time.Minute)
	cfg.Collab.CleanupInterval = getEnvDuration("PRESENCE_CLEANUP_INTERVAL", time.Minute)
	cfg.Collab.RoomGracePeriod = getEnvDuration("ROOM_GRACE_PERIOD", 5*time.Second)
	cfg.Collab.MaxCachedComments = getEnvInt("MAX_CACHED_COMMENTS", 100)
	cfg.Collab.SendBufferSize = getEnvInt("CLIENT_SEND_BUFFER", 256)
	cfg.Collab.RateLimitAPIGlobal = getEnvOrDefault("RATE_LIMIT_API_GLOBAL", "1000-M")
	cfg.Collab.RateLimitAPIPublic = getEnvOrDefault("RATE_LIMIT_API_PUBLIC", "100-M")
	cfg.Collab.RateLimitWsIP = getEnvOrDefault("RATE_LIMIT_WS_IP", "100-M")
	cfg.Collab.RateLimitWsUser = getEnvOrDefault("RATE_LIMIT_WS_USER", "10-M")

	// --- Metrics ---
	cfg.Metrics.CollectionInterval = getEnvDuration("METRICS_COLLECTION_INTERVAL", time.Second)
	cfg.Metrics.Retention = getEnvDuration("METRICS_RETENTION", time.Hour)

	// --- Auth ---
	cfg.Auth.Domain = os.Getenv("AUTH_DOMAIN")
	cfg.Auth.Audience = os.Getenv("AUTH_AUDIENCE")
	cfg.Auth.Secret = os.Getenv("AUTH_SIGNING_SECRET")
	cfg.Auth.SkipAuth = os.Getenv("SKIP_AUTH") == "true"
	if cfg.Auth.Secret != "" && len(cfg.Auth.Secret) < 32 {
		errs = append(errs, fmt.Sprintf("AUTH_SIGNING_SECRET must be at least 32 characters (got %d)", len(cfg.Auth.Secret)))
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	logValidatedConfig(cfg)

	return cfg, nil
}

// isValidHostPort checks if a string is in the format "host:port"
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}

	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}

	return parts[0] != ""
}

func logValidatedConfig(cfg *Config) {
	slog.Info("Environment configuration validated successfully")
	slog.Info("Configuration",
		"port", cfg.Server.Port,
		"env", cfg.Server.Env,
		"database_dsn", redactSecret(cfg.Database.DSN),
		"redis_enabled", cfg.KV.Enabled,
		"redis_addr", cfg.KV.Addr,
		"cache_max_bytes", cfg.Cache.MaxBytes,
		"pipeline_workers", cfg.Pipeline.Workers,
		"presence_ttl", cfg.Collab.PresenceTTL,
		"skip_auth", cfg.Auth.SkipAuth,
	)
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
		slog.Warn("Invalid integer in environment, using default", "key", key, "value", value, "default", defaultValue)
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value, exists := os.LookupEnv(key); exists {
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			return n
		}
		slog.Warn("Invalid integer in environment, using default", "key", key, "value", value, "default", defaultValue)
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		slog.Warn("Invalid duration in environment, using default", "key", key, "value", value, "default", defaultValue)
	}
	return defaultValue
}

// redactSecret redacts a secret by showing only the first 8 characters
func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
