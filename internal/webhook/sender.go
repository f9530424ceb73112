package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"brokerrelay/internal/config"
	"brokerrelay/internal/constants"
	"brokerrelay/internal/logger"
	pkgerrors "brokerrelay/pkg/errors"
	"brokerrelay/pkg/metrics"
)

// Outcome classifies the result of a single delivery attempt.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRetryable
	OutcomeTerminal
)

// Result is the outcome of Send or SendWithRetry.
type Result struct {
	Outcome    Outcome
	StatusCode int
	Attempts   int
	Elapsed    time.Duration
	Err        error
}

// Stats is a point-in-time snapshot of delivery counters for a queue.
type Stats struct {
	Sent           int64
	Failed         int64
	Retries        int64
	AvgResponseMS  float64
}

// Sender delivers payloads to per-queue HTTP webhooks, retrying transient
// failures with exponential backoff and tracking per-queue counters.
type Sender struct {
	client *http.Client
	cfg    config.WebhookConfig
	logger logger.Logger

	mu        sync.Mutex
	stats     map[string]*queueStats
}

type queueStats struct {
	sent          int64
	failed        int64
	retries       int64
	totalRespMS   int64
	respSamples   int64
}

func NewSender(cfg config.WebhookConfig, log logger.Logger) *Sender {
	timeout := cfg.TimeoutSeconds
	if timeout <= 0 {
		timeout = constants.DefaultWebhookTimeout
	}
	return &Sender{
		client: &http.Client{Timeout: timeout},
		cfg:    cfg,
		logger: log,
		stats:  make(map[string]*queueStats),
	}
}

// Send performs one HTTP POST of payload as JSON against webhookURL.
func (s *Sender) Send(ctx context.Context, queue, webhookURL string, payload interface{}) Result {
	start := time.Now()

	body, err := json.Marshal(payload)
	if err != nil {
		return Result{Outcome: OutcomeTerminal, Err: fmt.Errorf("marshal webhook payload: %w", err), Elapsed: time.Since(start)}
	}

	timeout := s.cfg.TimeoutSeconds
	if timeout <= 0 {
		timeout = constants.DefaultWebhookTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, webhookURL, bytes.NewReader(body))
	if err != nil {
		return Result{Outcome: OutcomeTerminal, Err: fmt.Errorf("build webhook request: %w", err), Elapsed: time.Since(start)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		metrics.ObserveWebhookDuration(queue, "error", elapsed)
		return Result{Outcome: OutcomeRetryable, Err: err, Elapsed: elapsed}
	}
	defer resp.Body.Close()

	status := statusLabel(resp.StatusCode)
	metrics.ObserveWebhookDuration(queue, status, elapsed)

	if resp.StatusCode >= constants.HTTPStatusOKMin && resp.StatusCode < constants.HTTPStatusOKMax {
		return Result{Outcome: OutcomeSuccess, StatusCode: resp.StatusCode, Elapsed: elapsed}
	}
	if resp.StatusCode >= 500 {
		return Result{Outcome: OutcomeRetryable, StatusCode: resp.StatusCode, Elapsed: elapsed,
			Err: fmt.Errorf("webhook returned %d", resp.StatusCode)}
	}
	return Result{Outcome: OutcomeTerminal, StatusCode: resp.StatusCode, Elapsed: elapsed,
		Err: fmt.Errorf("webhook returned %d", resp.StatusCode)}
}

func statusLabel(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

// SendWithRetry retries Send up to MaxAttempts times with exponential
// backoff doubling from BaseWait, aborting immediately on a terminal
// outcome.
func (s *Sender) SendWithRetry(ctx context.Context, queue, webhookURL string, payload interface{}) Result {
	maxAttempts := s.cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = constants.DefaultWebhookAttempts
	}
	baseWait := s.cfg.BaseWait
	if baseWait <= 0 {
		baseWait = constants.DefaultWebhookBaseWait
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = baseWait
	bo.Multiplier = 2
	bo.MaxInterval = constants.DefaultWebhookTimeout * 6
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()

	var last Result
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		last = s.Send(ctx, queue, webhookURL, payload)
		last.Attempts = attempt

		if last.Outcome == OutcomeSuccess || last.Outcome == OutcomeTerminal {
			s.recordOutcome(queue, last, attempt-1)
			return last
		}

		if attempt < maxAttempts {
			delay := bo.NextBackOff()
			s.logger.WarnwCtx(ctx, "retrying webhook delivery", "queue", queue, "attempt", attempt, "delay", delay, "error", last.Err)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				last.Err = ctx.Err()
				s.recordOutcome(queue, last, attempt-1)
				return last
			}
		}
	}

	s.recordOutcome(queue, last, maxAttempts-1)
	return last
}

func (s *Sender) recordOutcome(queue string, res Result, retries int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	qs, ok := s.stats[queue]
	if !ok {
		qs = &queueStats{}
		s.stats[queue] = qs
	}

	if res.Outcome == OutcomeSuccess {
		qs.sent++
		metrics.MessagesForwardedTotal.WithLabelValues(queue, "success").Inc()
	} else {
		qs.failed++
		metrics.MessagesForwardedTotal.WithLabelValues(queue, "failure").Inc()
	}
	qs.retries += int64(retries)
	qs.totalRespMS += res.Elapsed.Milliseconds()
	qs.respSamples++
}

// Stats returns a snapshot of counters for queue, or the zero value if the
// queue has never been sent to.
func (s *Sender) Stats(queue string) Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	qs, ok := s.stats[queue]
	if !ok {
		return Stats{}
	}
	avg := float64(0)
	if qs.respSamples > 0 {
		avg = float64(qs.totalRespMS) / float64(qs.respSamples)
	}
	return Stats{Sent: qs.sent, Failed: qs.failed, Retries: qs.retries, AvgResponseMS: avg}
}

// ResetStats clears the counters for every queue.
func (s *Sender) ResetStats() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats = make(map[string]*queueStats)
}

// TestWebhook probes a URL with a small synthetic payload and a tight
// timeout, used by the control API's connectivity check.
func (s *Sender) TestWebhook(ctx context.Context, webhookURL string) (bool, int, time.Duration, error) {
	if _, err := url.ParseRequestURI(webhookURL); err != nil {
		return false, 0, 0, pkgerrors.ErrValidation.WithCause(err).WithDetail("webhook_url", webhookURL)
	}

	probe := map[string]interface{}{
		"test":      true,
		"source":    "consumer-engine",
		"timestamp": time.Now().UTC(),
	}

	start := time.Now()
	reqCtx, cancel := context.WithTimeout(ctx, constants.ReconnectProbeTimeout)
	defer cancel()

	body, _ := json.Marshal(probe)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, webhookURL, bytes.NewReader(body))
	if err != nil {
		return false, 0, time.Since(start), err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		return false, 0, elapsed, err
	}
	defer resp.Body.Close()

	ok := resp.StatusCode >= constants.HTTPStatusOKMin && resp.StatusCode < constants.HTTPStatusOKMax
	return ok, resp.StatusCode, elapsed, nil
}

// NotifyQueueFinish is a best-effort courtesy call made when a queue is
// stopped or deleted externally; it never propagates a failure.
func (s *Sender) NotifyQueueFinish(ctx context.Context, queue, finishURL string, lastPayload interface{}, meta map[string]interface{}) {
	if finishURL == "" {
		return
	}

	body := map[string]interface{}{
		"queue":        queue,
		"last_payload": lastPayload,
		"meta":         meta,
		"finished_at":  time.Now().UTC(),
	}

	res := s.Send(ctx, queue, finishURL, body)
	if res.Err != nil {
		s.logger.WarnwCtx(ctx, "queue-finish notification failed", "queue", queue, "error", res.Err)
	}
}
