package deduplication

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"brokerrelay/internal/config"
	"brokerrelay/internal/logger"
	"brokerrelay/pkg/circuitbreaker"
)

const mirrorKeyPrefix = "dedupmirror:"

// Mirror asynchronously replicates MarkProcessed calls to Redis so a second
// instance can warm-start its in-process store via Initialize. It is never
// authoritative: writes are fire-and-forget and failures never surface to
// the caller.
type Mirror struct {
	client *redis.Client
	cb     *circuitbreaker.Wrapper
	ttl    time.Duration
	logger logger.Logger
}

func NewMirror(cfg config.MirrorConfig, log logger.Logger) *Mirror {
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisURL})

	var cb *circuitbreaker.Wrapper
	if cfg.CircuitBreaker.Enabled {
		cbConfig := circuitbreaker.DefaultConfig("redis-dedup-mirror")
		if cfg.CircuitBreaker.MaxRequests > 0 {
			cbConfig.MaxRequests = cfg.CircuitBreaker.MaxRequests
		}
		if cfg.CircuitBreaker.Interval > 0 {
			cbConfig.Interval = cfg.CircuitBreaker.Interval
		}
		if cfg.CircuitBreaker.Timeout > 0 {
			cbConfig.Timeout = cfg.CircuitBreaker.Timeout
		}
		if cfg.CircuitBreaker.FailureRatio > 0 && cfg.CircuitBreaker.MinRequests > 0 {
			cbConfig.ReadyToTrip = func(counts gobreaker.Counts) bool {
				if counts.Requests < cfg.CircuitBreaker.MinRequests {
					return false
				}
				return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.CircuitBreaker.FailureRatio
			}
		}
		cb = circuitbreaker.NewWrapper(cbConfig)
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	return &Mirror{client: client, cb: cb, ttl: ttl, logger: log}
}

// WriteAsync fires a SET with the mirror TTL for the fingerprint on its own
// goroutine.
// Nothing observes the outcome besides a log line and the circuit breaker.
func (m *Mirror) WriteAsync(fingerprint string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		var err error
		if m.cb != nil {
			_, err = m.cb.ExecuteWithContext(ctx, func() (interface{}, error) {
				return nil, m.client.Set(ctx, mirrorKeyPrefix+fingerprint, 1, m.ttl).Err()
			})
			m.cb.RecordRequest(err == nil)
		} else {
			err = m.client.Set(ctx, mirrorKeyPrefix+fingerprint, 1, m.ttl).Err()
		}

		if err != nil {
			m.logger.Debugw("dedup mirror write failed", "fingerprint", fingerprint, "error", err)
		}
	}()
}

// Initialize scans the mirror for previously-replicated fingerprints so a
// freshly started instance can warm its in-process store.
func (m *Mirror) Initialize(ctx context.Context) ([]string, error) {
	var fingerprints []string
	iter := m.client.Scan(ctx, 0, mirrorKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		if ctx.Err() != nil {
			return fingerprints, ctx.Err()
		}
		key := iter.Val()
		fingerprints = append(fingerprints, key[len(mirrorKeyPrefix):])
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("dedup mirror scan failed: %w", err)
	}
	return fingerprints, nil
}

func (m *Mirror) State() string {
	if m.cb == nil {
		return "disabled"
	}
	return m.cb.State().String()
}

func (m *Mirror) Close() error {
	return m.client.Close()
}
