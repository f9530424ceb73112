package config

import (
	"fmt"
	"strings"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

func ValidateStatic(cfg *Config) error {
	var errs []error

	if err := validateServer(cfg.Server); err != nil {
		errs = append(errs, err)
	}

	if err := validateBroker(cfg.Broker); err != nil {
		errs = append(errs, err)
	}

	if err := validateDeduplication(cfg.Deduplication); err != nil {
		errs = append(errs, err)
	}

	if err := validateReconnection(cfg.Reconnection); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}

	return nil
}

func validateServer(cfg ServerConfig) error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return &ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", cfg.Port),
		}
	}
	return nil
}

func validateBroker(cfg BrokerConfig) error {
	if cfg.URL == "" {
		return &ValidationError{
			Field:   "broker.url",
			Message: "broker URL is required (set RABBITMQ_URL)",
		}
	}

	if !strings.HasPrefix(cfg.URL, "amqp://") && !strings.HasPrefix(cfg.URL, "amqps://") {
		return &ValidationError{
			Field:   "broker.url",
			Message: "broker URL must start with amqp:// or amqps://",
		}
	}

	if cfg.Prefetch < 0 {
		return &ValidationError{
			Field:   "broker.prefetch",
			Message: "prefetch must be non-negative",
		}
	}

	return nil
}

func validateDeduplication(cfg DeduplicationConfig) error {
	if cfg.MaxProcessed <= 0 {
		return &ValidationError{
			Field:   "deduplication.max_processed",
			Message: "max_processed must be positive",
		}
	}

	if cfg.Mirror.Enabled && cfg.Mirror.RedisURL == "" {
		return &ValidationError{
			Field:   "deduplication.mirror.redis_url",
			Message: "redis_url is required when the deduplication mirror is enabled",
		}
	}

	return nil
}

func validateReconnection(cfg ReconnectionConfig) error {
	if cfg.MaxAttempts < 0 {
		return &ValidationError{
			Field:   "reconnection.max_attempts",
			Message: "max_attempts must be non-negative",
		}
	}

	if cfg.Multiplier <= 0 {
		return &ValidationError{
			Field:   "reconnection.multiplier",
			Message: "multiplier must be positive",
		}
	}

	if cfg.MaxDelay > 0 && cfg.BaseDelay > 0 && cfg.MaxDelay < cfg.BaseDelay {
		return &ValidationError{
			Field:   "reconnection.max_delay",
			Message: "max_delay must be greater than or equal to base_delay",
		}
	}

	return nil
}
