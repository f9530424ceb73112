package config

import (
	"fmt"
	"log"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

func LoadConfig(configFile string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file loaded: %v", err)
	}

	viper.Reset()
	setDefaults()

	viper.SetConfigType("yaml")
	if configFile != "" {
		viper.SetConfigFile(configFile)
	}

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	bindEnvVariables()

	if configFile != "" {
		if err := viper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := ValidateStatic(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("server.port", 3000)
	viper.SetDefault("server.read_timeout_seconds", "10s")
	viper.SetDefault("server.write_timeout_seconds", "10s")

	viper.SetDefault("broker.heartbeat", "60s")
	viper.SetDefault("broker.connection_timeout", "10s")
	viper.SetDefault("broker.prefetch", 1)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")

	viper.SetDefault("persistence.file_path", "./data/queue-configurations.json")

	viper.SetDefault("deduplication.max_processed", 10000)
	viper.SetDefault("deduplication.cleanup_interval", "60s")
	viper.SetDefault("deduplication.stale_age", "5m")

	viper.SetDefault("reconnection.max_attempts", 10)
	viper.SetDefault("reconnection.base_delay", "5s")
	viper.SetDefault("reconnection.multiplier", 1.5)
	viper.SetDefault("reconnection.max_delay", "60s")
	viper.SetDefault("reconnection.proactive_check", false)
	viper.SetDefault("reconnection.proactive_check_period", "30s")

	viper.SetDefault("webhook.timeout_seconds", "10s")
	viper.SetDefault("webhook.max_attempts", 3)
	viper.SetDefault("webhook.base_wait", "1s")

	viper.SetDefault("audit.enabled", false)
	viper.SetDefault("audit.queue_size", 1000)
	viper.SetDefault("audit.run_migrations", true)
	viper.SetDefault("audit.migrations_path", "migrations/audit")
}

func bindEnvVariables() {
	viper.BindEnv("broker.url", "RABBITMQ_URL")
	viper.BindEnv("server.port", "API_PORT")

	viper.BindEnv("audit.database_url", "AUDIT_DATABASE_URL")
	viper.BindEnv("deduplication.mirror.redis_url", "DEDUP_MIRROR_URL")
	viper.BindEnv("logging.level", "LOG_LEVEL")

	viper.BindEnv("reconnection.proactive_check", "RECONNECT_PROACTIVE_CHECK")

	viper.BindEnv("management.rate_limit.rps", "RATE_LIMIT_RPS")
	viper.BindEnv("management.rate_limit.burst", "RATE_LIMIT_BURST")
}

func applyEnvOverrides(cfg *Config) error {
	if url := viper.GetString("RABBITMQ_URL"); url != "" {
		cfg.Broker.URL = url
	}

	if dbURL := viper.GetString("AUDIT_DATABASE_URL"); dbURL != "" {
		cfg.Audit.DatabaseURL = dbURL
		cfg.Audit.Enabled = true
	}

	if mirrorURL := viper.GetString("DEDUP_MIRROR_URL"); mirrorURL != "" {
		cfg.Deduplication.Mirror.RedisURL = mirrorURL
		cfg.Deduplication.Mirror.Enabled = true
	}

	return nil
}
