package config

import (
	"time"
)

type Config struct {
	Server         ServerConfig
	Broker         BrokerConfig
	Logging        LoggingConfig
	Persistence    PersistenceConfig
	Deduplication  DeduplicationConfig
	Reconnection   ReconnectionConfig
	Webhook        WebhookConfig
	Audit          AuditConfig
	Management     ManagementConfig
	CircuitBreaker CircuitBreakerConfig
}

type ServerConfig struct {
	Port                int           `mapstructure:"port"`
	ReadTimeoutSeconds  time.Duration `mapstructure:"read_timeout_seconds"`
	WriteTimeoutSeconds time.Duration `mapstructure:"write_timeout_seconds"`
}

type BrokerConfig struct {
	URL               string        `mapstructure:"url"`
	Heartbeat         time.Duration `mapstructure:"heartbeat"`
	ConnectionTimeout time.Duration `mapstructure:"connection_timeout"`
	Prefetch          int           `mapstructure:"prefetch"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type PersistenceConfig struct {
	FilePath string `mapstructure:"file_path"`
}

type DeduplicationConfig struct {
	MaxProcessed    int           `mapstructure:"max_processed"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	StaleAge        time.Duration `mapstructure:"stale_age"`
	Mirror          MirrorConfig  `mapstructure:"mirror"`
}

type MirrorConfig struct {
	Enabled        bool                 `mapstructure:"enabled"`
	RedisURL       string               `mapstructure:"redis_url"`
	TTL            time.Duration        `mapstructure:"ttl"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
}

type ReconnectionConfig struct {
	MaxAttempts          int           `mapstructure:"max_attempts"`
	BaseDelay            time.Duration `mapstructure:"base_delay"`
	Multiplier           float64       `mapstructure:"multiplier"`
	MaxDelay             time.Duration `mapstructure:"max_delay"`
	ProactiveCheck       bool          `mapstructure:"proactive_check"`
	ProactiveCheckPeriod time.Duration `mapstructure:"proactive_check_period"`
}

type WebhookConfig struct {
	TimeoutSeconds time.Duration `mapstructure:"timeout_seconds"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BaseWait       time.Duration `mapstructure:"base_wait"`
}

type AuditConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	DatabaseURL    string `mapstructure:"database_url"`
	QueueSize      int    `mapstructure:"queue_size"`
	RunMigrations  bool   `mapstructure:"run_migrations"`
	MigrationsPath string `mapstructure:"migrations_path"`
}

type ManagementConfig struct {
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

type RateLimitConfig struct {
	Enabled         bool    `mapstructure:"enabled"`
	RPS             float64 `mapstructure:"rps"`
	Burst           int     `mapstructure:"burst"`
	CleanupInterval int     `mapstructure:"cleanup_interval"`
	MaxAge          int     `mapstructure:"max_age"`
}

type CircuitBreakerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	MaxRequests  uint32        `mapstructure:"max_requests"`
	Interval     time.Duration `mapstructure:"interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
	FailureRatio float64       `mapstructure:"failure_ratio"`
	MinRequests  uint32        `mapstructure:"min_requests"`
}

func Load(configFile string) (*Config, error) {
	return LoadConfig(configFile)
}
