// Package config loads the gateway's configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the complete gateway configuration.
type Config struct {
	Server      ServerConfig
	Log         LogConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	ControlPlane ControlPlaneConfig
	Session     SessionConfig
	QR          QRConfig
	Reconnect   ReconnectConfig
	Batcher     BatcherConfig
	Inbound     InboundConfig
	Sender      SenderConfig
	Janitor     JanitorConfig
	Cache       CacheConfig
}

// ServerConfig configures the HTTP front-end.
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// LogConfig configures the global logger.
type LogConfig struct {
	Level  string
	Format string
}

// DatabaseConfig configures the Postgres connection used for the durable
// inbound queue and whatsmeow's device store (bun + pgdriver).
type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string
	Debug    bool
}

// RedisConfig configures the shared (Redis-like) cache layer.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// ControlPlaneConfig configures the upstream business-logic API (LARAVEL_API).
type ControlPlaneConfig struct {
	BaseURL           string
	RequestTimeout    time.Duration
	MaxIdleConns      int
	MaxIdleConnsPerHost int
	DirectPostRetries int
	DirectPostBackoffBase   time.Duration
	DirectPostBackoffJitter time.Duration
}

// SessionConfig configures the session store (C2).
type SessionConfig struct {
	AuthRoot              string
	MaxSessions           int
	IdleSweepInterval     time.Duration
	IdleTTL               time.Duration
	ConnectionTimeout     time.Duration
}

// QRConfig configures the QR pairing controller (C3).
type QRConfig struct {
	MaxQR         int
	ThrottleMS    time.Duration
	ExpiresMS     time.Duration
	TerminalDebug bool
}

// ReconnectConfig configures the two-phase reconnect policy (C4).
type ReconnectConfig struct {
	FastAttempts         int
	FastBackoffBase      time.Duration
	FastBackoffMax       time.Duration
	ResilienceSchedule   []time.Duration
	ResilienceMaxDuration time.Duration
}

// BatcherConfig configures the outbound batcher (C6).
type BatcherConfig struct {
	BatchSize               int
	QRFlushInterval         time.Duration
	StatusFlushInterval     time.Duration
	MinQRFlushGap           time.Duration
	MinHighStatusFlushGap   time.Duration
	MinNormalStatusFlushGap time.Duration
	CircuitFailureThreshold int
	CircuitResetTimeout     time.Duration
}

// InboundConfig configures the inbound queue and message receiver (C7).
type InboundConfig struct {
	MaxConcurrentMessages int
	MaxAttempts           int
	BackoffBase           time.Duration
	JobTimeout            time.Duration
	HistorySyncWindow     time.Duration
	AudioDir              string
	AudioJanitorInterval  time.Duration
	AudioMaxAge           time.Duration
}

// SenderConfig configures the outbound message sender (C8).
type SenderConfig struct {
	PerAttemptTimeout time.Duration
	DefaultRetries    int
	RetryIncrement    time.Duration
}

// JanitorConfig configures the periodic watchdogs (C9).
type JanitorConfig struct {
	DeadSessionInterval       time.Duration
	PendingSweepInterval      time.Duration
	PendingTimeout            time.Duration
	HeartbeatInterval         time.Duration
	InactivityThreshold       time.Duration
	QueueJanitorInterval      time.Duration
	QueueRetention            time.Duration
}

// CacheConfig configures the multilayer session-status cache (C5).
type CacheConfig struct {
	LocalTTL               time.Duration
	SharedQRTTL            time.Duration
	SharedStatusTTL        time.Duration
	SharedConnectionTTL    time.Duration
	SharedSessionInfoTTL   time.Duration
	LifecycleRingCap       int
	ConsecutiveMissThreshold int
	InactivityGrace        time.Duration
}

// Load reads configuration from the environment, applying the defaults
// spec.md names for every tunable.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:            getEnv("HOST", "0.0.0.0"),
			Port:            getEnv("PORT", "8080"),
			ReadTimeout:     parseDuration("SERVER_READ_TIMEOUT", "30s"),
			WriteTimeout:    parseDuration("SERVER_WRITE_TIMEOUT", "30s"),
			ShutdownTimeout: parseDuration("SERVER_SHUTDOWN_TIMEOUT", "15s"),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			Name:     getEnv("DB_NAME", "whatsapp_gateway"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			Debug:    parseBool("DB_DEBUG", false),
		},
		Redis: RedisConfig{
			Addr:     fmt.Sprintf("%s:%s", getEnv("REDIS_HOST", "localhost"), getEnv("REDIS_PORT", "6379")),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       parseInt("REDIS_DB", 0),
		},
		ControlPlane: ControlPlaneConfig{
			BaseURL:                 getEnv("LARAVEL_API", "http://localhost:9000"),
			RequestTimeout:          parseDuration("CONTROL_PLANE_TIMEOUT", "15s"),
			MaxIdleConns:            parseInt("CONTROL_PLANE_MAX_SOCKETS", 500),
			MaxIdleConnsPerHost:     parseInt("CONTROL_PLANE_MAX_FREE_SOCKETS", 50),
			DirectPostRetries:       parseInt("CONTROL_PLANE_RETRIES", 3),
			DirectPostBackoffBase:   parseDuration("CONTROL_PLANE_BACKOFF_BASE", "600ms"),
			DirectPostBackoffJitter: parseDuration("CONTROL_PLANE_BACKOFF_JITTER", "400ms"),
		},
		Session: SessionConfig{
			AuthRoot:          getEnv("AUTH_ROOT", "./auth_data"),
			MaxSessions:       parseInt("MAX_SESSIONS", 500),
			IdleSweepInterval: parseDuration("SESSION_IDLE_SWEEP_INTERVAL", "60m"),
			IdleTTL:           parseDuration("SESSION_IDLE_TTL", "24h"),
			ConnectionTimeout: parseDuration("SESSION_CONNECTION_TIMEOUT", "30s"),
		},
		QR: QRConfig{
			MaxQR:         parseInt("QR_MAX_SEND_COUNT", 4),
			ThrottleMS:    parseDuration("QR_THROTTLE_MS", "5000ms"),
			ExpiresMS:     parseDuration("QR_EXPIRES_MS", "60000ms"),
			TerminalDebug: parseBool("QR_TERMINAL_DEBUG", false),
		},
		Reconnect: ReconnectConfig{
			FastAttempts:          parseInt("RECONNECT_FAST_ATTEMPTS", 5),
			FastBackoffBase:       parseDuration("RECONNECT_FAST_BACKOFF_BASE", "2s"),
			FastBackoffMax:        parseDuration("RECONNECT_FAST_BACKOFF_MAX", "32s"),
			ResilienceSchedule:    parseDurationSlice("RECONNECT_RESILIENCE_SCHEDULE", "60s,5m,15m"),
			ResilienceMaxDuration: parseDuration("RECONNECT_RESILIENCE_MAX_DURATION", "60m"),
		},
		Batcher: BatcherConfig{
			BatchSize:               parseInt("BATCHER_BATCH_SIZE", 50),
			QRFlushInterval:         parseDuration("BATCHER_QR_FLUSH_INTERVAL", "5s"),
			StatusFlushInterval:     parseDuration("BATCHER_STATUS_FLUSH_INTERVAL", "1s"),
			MinQRFlushGap:           parseDuration("BATCHER_MIN_QR_FLUSH_GAP", "1s"),
			MinHighStatusFlushGap:   parseDuration("BATCHER_MIN_HIGH_STATUS_FLUSH_GAP", "500ms"),
			MinNormalStatusFlushGap: parseDuration("BATCHER_MIN_NORMAL_STATUS_FLUSH_GAP", "1s"),
			CircuitFailureThreshold: parseInt("BATCHER_CB_FAILURE_THRESHOLD", 5),
			CircuitResetTimeout:     parseDuration("BATCHER_CB_RESET_TIMEOUT", "60s"),
		},
		Inbound: InboundConfig{
			MaxConcurrentMessages: parseInt("INBOUND_MAX_CONCURRENT_MESSAGES", 5),
			MaxAttempts:           parseInt("INBOUND_MAX_ATTEMPTS", 3),
			BackoffBase:           parseDuration("INBOUND_BACKOFF_BASE", "2s"),
			JobTimeout:            parseDuration("INBOUND_JOB_TIMEOUT", "30s"),
			HistorySyncWindow:     parseDuration("INBOUND_HISTORY_SYNC_WINDOW", "5m"),
			AudioDir:              getEnv("AUDIO_DIR", "./audios"),
			AudioJanitorInterval:  parseDuration("AUDIO_JANITOR_INTERVAL", "15m"),
			AudioMaxAge:           parseDuration("AUDIO_MAX_AGE", "1h"),
		},
		Sender: SenderConfig{
			PerAttemptTimeout: parseDuration("SENDER_PER_ATTEMPT_TIMEOUT", "15s"),
			DefaultRetries:    parseInt("SENDER_DEFAULT_RETRIES", 3),
			RetryIncrement:    parseDuration("SENDER_RETRY_INCREMENT", "2s"),
		},
		Janitor: JanitorConfig{
			DeadSessionInterval:  parseDuration("JANITOR_DEAD_SESSION_INTERVAL", "60s"),
			PendingSweepInterval: parseDuration("JANITOR_PENDING_SWEEP_INTERVAL", "30s"),
			PendingTimeout:       parseDuration("JANITOR_PENDING_TIMEOUT", "120s"),
			HeartbeatInterval:    parseDuration("JANITOR_HEARTBEAT_INTERVAL", "60s"),
			InactivityThreshold:  parseDuration("JANITOR_INACTIVITY_THRESHOLD", "10m"),
			QueueJanitorInterval: parseDuration("JANITOR_QUEUE_INTERVAL", "1h"),
			QueueRetention:       parseDuration("JANITOR_QUEUE_RETENTION", "24h"),
		},
		Cache: CacheConfig{
			LocalTTL:                 parseDuration("CACHE_LOCAL_TTL", "30s"),
			SharedQRTTL:              parseDuration("CACHE_SHARED_QR_TTL", "60s"),
			SharedStatusTTL:          parseDuration("CACHE_SHARED_STATUS_TTL", "120s"),
			SharedConnectionTTL:      parseDuration("CACHE_SHARED_CONNECTION_TTL", "30s"),
			SharedSessionInfoTTL:     parseDuration("CACHE_SHARED_SESSION_INFO_TTL", "300s"),
			LifecycleRingCap:         parseInt("CACHE_LIFECYCLE_RING_CAP", 50),
			ConsecutiveMissThreshold: parseInt("CACHE_CONSECUTIVE_MISS_THRESHOLD", 3),
			InactivityGrace:          parseDuration("CACHE_INACTIVITY_GRACE", "2m"),
		},
	}

	return cfg, cfg.Validate()
}

// Validate checks the configuration for invariant violations that would
// make the gateway misbehave (not just "unusual" values).
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("PORT is required")
	}
	if c.ControlPlane.BaseURL == "" {
		return fmt.Errorf("LARAVEL_API is required")
	}
	if c.Session.MaxSessions <= 0 {
		return fmt.Errorf("MAX_SESSIONS must be positive")
	}
	validLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLevels, strings.ToLower(c.Log.Level)) {
		return fmt.Errorf("LOG_LEVEL must be one of: %s", strings.Join(validLevels, ", "))
	}
	return nil
}

// DatabaseURL returns the Postgres DSN shared by bun/pgdriver and
// whatsmeow's sqlstore.
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.Database.User, c.Database.Password, c.Database.Host, c.Database.Port,
		c.Database.Name, c.Database.SSLMode)
}

// Address returns host:port for the HTTP listener.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%s", c.Server.Host, c.Server.Port)
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return def
}

func parseBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			return parsed
		}
	}
	return def
}

func parseDuration(key, def string) time.Duration {
	if v := os.Getenv(key); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
	}
	parsed, _ := time.ParseDuration(def)
	return parsed
}

func parseDurationSlice(key, def string) []time.Duration {
	raw := getEnv(key, def)
	parts := strings.Split(raw, ",")
	out := make([]time.Duration, 0, len(parts))
	for _, p := range parts {
		if d, err := time.ParseDuration(strings.TrimSpace(p)); err == nil {
			out = append(out, d)
		}
	}
	return out
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
