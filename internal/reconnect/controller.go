package reconnect

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"brokerrelay/internal/broker"
	"brokerrelay/internal/config"
	"brokerrelay/internal/constants"
	"brokerrelay/internal/logger"
	"brokerrelay/pkg/metrics"
)

// Broker is the subset of the broker client the controller drives.
type Broker interface {
	IsChannelReady() bool
	Cleanup()
	Connect(ctx context.Context) error
	OnEvent(l broker.Listener)
}

// Controller schedules and supervises reconnection attempts against a
// broker client whenever it reports a lifecycle event that can only be
// resolved by reconnecting.
type Controller struct {
	cfg    config.ReconnectionConfig
	broker Broker
	logger logger.Logger

	onSuccess func()
	onFailure func(reason string)

	mu              sync.Mutex
	attempts        int
	inProgress      bool
	lastAttemptTime time.Time
	pendingTimer    *time.Timer
	shuttingDown    bool
}

func NewController(cfg config.ReconnectionConfig, b Broker, log logger.Logger) *Controller {
	c := &Controller{cfg: cfg, broker: b, logger: log}
	b.OnEvent(c.handleEvent)
	return c
}

// OnSuccess registers a callback fired after a reconnection attempt
// reconnects the broker client. Typically used to re-establish consumers.
func (c *Controller) OnSuccess(fn func()) {
	c.onSuccess = fn
}

// OnFailure registers a callback fired after every failed reconnection
// attempt (with the error text) and when attempts are exhausted (with
// "max_attempts_reached").
func (c *Controller) OnFailure(fn func(reason string)) {
	c.onFailure = fn
}

func (c *Controller) handleEvent(evt broker.Event) {
	switch evt.Type {
	case broker.EventConnectionError, broker.EventConnectionClosed,
		broker.EventChannelError, broker.EventChannelClosed,
		broker.EventNeedsReconnection:
		c.ScheduleReconnect(string(evt.Type))
	}
}

// ShouldAttempt guards ScheduleReconnect's timer callback: it returns false
// whenever an attempt would be redundant, premature, or futile.
func (c *Controller) ShouldAttempt() bool {
	c.mu.Lock()
	ok, maxedOut := c.shouldAttemptLocked()
	c.mu.Unlock()
	if maxedOut {
		c.notifyMaxAttemptsReached()
	}
	return ok
}

// shouldAttemptLocked is ShouldAttempt's check without the lock; callers must
// already hold c.mu. The second return reports whether the guard tripped on
// the exhausted-attempts case, so callers can fire onFailure after releasing
// the lock rather than from inside it.
func (c *Controller) shouldAttemptLocked() (ok bool, maxedOut bool) {
	if c.shuttingDown {
		return false, false
	}
	if c.inProgress {
		return false, false
	}
	if c.broker.IsChannelReady() {
		return false, false
	}
	debounce := constants.DebounceWindow
	if !c.lastAttemptTime.IsZero() && time.Since(c.lastAttemptTime) < debounce {
		return false, false
	}
	maxAttempts := c.cfg.MaxAttempts
	if maxAttempts > 0 && c.attempts >= maxAttempts {
		c.logger.Errorw("reconnection attempts exhausted", "attempts", c.attempts, "max_attempts", maxAttempts)
		metrics.ReconnectAttemptsTotal.WithLabelValues("", "max_attempts_reached").Inc()
		return false, true
	}
	return true, false
}

func (c *Controller) notifyMaxAttemptsReached() {
	if c.onFailure != nil {
		c.onFailure("max_attempts_reached")
	}
}

// ScheduleReconnect (re)arms the reconnection timer using exponential
// backoff seeded by the current attempt count.
func (c *Controller) ScheduleReconnect(reason string) {
	c.mu.Lock()
	if c.pendingTimer != nil {
		c.pendingTimer.Stop()
	}
	delay := c.nextDelayLocked()
	c.logger.Infow("scheduling reconnection attempt", "reason", reason, "delay", delay)
	c.pendingTimer = time.AfterFunc(delay, c.attempt)
	c.mu.Unlock()
}

// nextDelayLocked computes the delay for the upcoming attempt from the
// current attempt count using the same exponential policy on every call, so
// the result depends only on c.attempts and not on prior calls.
func (c *Controller) nextDelayLocked() time.Duration {
	base := c.cfg.BaseDelay
	if base <= 0 {
		base = 5 * time.Second
	}
	multiplier := c.cfg.Multiplier
	if multiplier <= 0 {
		multiplier = 1.5
	}
	maxDelay := c.cfg.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 60 * time.Second
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.Multiplier = multiplier
	b.MaxInterval = maxDelay
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	delay := b.NextBackOff()
	for i := 0; i < c.attempts; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

func (c *Controller) attempt() {
	c.mu.Lock()
	ok, maxedOut := c.shouldAttemptLocked()
	if !ok {
		c.mu.Unlock()
		if maxedOut {
			c.notifyMaxAttemptsReached()
		}
		return
	}
	c.inProgress = true
	c.attempts++
	c.lastAttemptTime = time.Now()
	attemptNum := c.attempts
	c.mu.Unlock()

	c.logger.Infow("reconnection attempt starting", "attempt", attemptNum)

	c.broker.Cleanup()
	time.Sleep(1 * time.Second)

	err := c.broker.Connect(context.Background())

	c.mu.Lock()
	c.inProgress = false
	c.mu.Unlock()

	if err != nil {
		c.logger.Warnw("reconnection attempt failed", "attempt", attemptNum, "error", err)
		metrics.ReconnectAttemptsTotal.WithLabelValues("", "failure").Inc()
		if c.onFailure != nil {
			c.onFailure(err.Error())
		}
		c.ScheduleReconnect("retry-after-failure")
		return
	}

	c.logger.Infow("reconnection attempt succeeded", "attempt", attemptNum)
	metrics.ReconnectAttemptsTotal.WithLabelValues("", "success").Inc()

	c.mu.Lock()
	c.attempts = 0
	c.lastAttemptTime = time.Time{}
	c.mu.Unlock()

	if c.onSuccess != nil {
		c.onSuccess()
	}
}

// ForceReconnect cancels any pending timer and drives a reconnection attempt
// synchronously, bypassing the debounce window.
func (c *Controller) ForceReconnect() {
	c.mu.Lock()
	if c.pendingTimer != nil {
		c.pendingTimer.Stop()
		c.pendingTimer = nil
	}
	c.lastAttemptTime = time.Time{}
	c.mu.Unlock()

	c.attempt()
}

// Shutdown marks the controller as shutting down and cancels any pending
// reconnection timer.
func (c *Controller) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shuttingDown = true
	if c.pendingTimer != nil {
		c.pendingTimer.Stop()
		c.pendingTimer = nil
	}
}

// Attempts returns the current consecutive-failure count.
func (c *Controller) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}
