package processor

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"
	"time"

	"brokerrelay/internal/broker"
	"brokerrelay/internal/constants"
	"brokerrelay/internal/deduplication"
	"brokerrelay/internal/logger"
	"brokerrelay/internal/webhook"
	pkgerrors "brokerrelay/pkg/errors"
)

// Action is the disposition a processed delivery resolves to.
type Action string

const (
	ActionAck  Action = "ack"
	ActionNack Action = "nack"
	ActionSkip Action = "skip"
)

// Disposition tells the engine what to do with a delivery after processing.
type Disposition struct {
	Action  Action
	Reason  string
	Requeue bool
}

// BusinessHours bounds the hours of day a queue is allowed to forward.
type BusinessHours struct {
	StartHour int
	EndHour   int
}

// Config is the immutable-per-invocation snapshot of a queue's settings the
// processor needs; the engine owns the mutable superset.
type Config struct {
	WebhookURL    string
	MinIntervalMS int
	MaxIntervalMS int
	BusinessHours BusinessHours
	Timezone      string
	Paused        bool
}

// ValidateConfig rejects configurations the processor cannot safely act on.
func ValidateConfig(cfg Config) error {
	if cfg.WebhookURL == "" {
		return pkgerrors.ErrValidation.WithDetail("field", "webhook_url").WithDetail("message", "webhook_url is required")
	}
	parsed, err := url.Parse(cfg.WebhookURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return pkgerrors.ErrValidation.WithDetail("field", "webhook_url").WithDetail("message", "webhook_url must be an absolute http(s) URL")
	}

	sanitized := SanitizeConfig(cfg)
	if sanitized.MinIntervalMS >= sanitized.MaxIntervalMS {
		return pkgerrors.ErrValidation.WithDetail("field", "max_interval_ms").WithDetail("message", "max_interval_ms must exceed min_interval_ms")
	}

	if cfg.BusinessHours.StartHour < 0 || cfg.BusinessHours.EndHour > 24 || cfg.BusinessHours.StartHour >= cfg.BusinessHours.EndHour {
		if cfg.BusinessHours != (BusinessHours{}) {
			return pkgerrors.ErrValidation.WithDetail("field", "business_hours").WithDetail("message", "business_hours must satisfy 0 <= start_hour < end_hour <= 24")
		}
	}

	return nil
}

// SanitizeConfig floors min_interval_ms at 1000ms and raises max_interval_ms
// to at least min_interval_ms+1000ms.
func SanitizeConfig(cfg Config) Config {
	out := cfg
	if out.MinIntervalMS < 1000 {
		out.MinIntervalMS = 1000
	}
	if out.MaxIntervalMS < out.MinIntervalMS+1000 {
		out.MaxIntervalMS = out.MinIntervalMS + 1000
	}
	return out
}

// Stats is a point-in-time snapshot of pipeline disposition counters.
type Stats struct {
	Processed            int64
	Failed               int64
	Duplicates           int64
	Skipped              int64
	OutsideBusinessHours int64
	ParseErrors          int64
}

// Processor runs the per-delivery pipeline: dedup check, pause gate,
// business-hours gate, payload parse, webhook dispatch, and disposition.
type Processor struct {
	dedup   *deduplication.Store
	sender  *webhook.Sender
	logger  logger.Logger
	nowFunc func() time.Time

	mu    sync.Mutex
	stats Stats
}

func New(dedup *deduplication.Store, sender *webhook.Sender, log logger.Logger) *Processor {
	return &Processor{dedup: dedup, sender: sender, logger: log, nowFunc: time.Now}
}

// Stats returns a snapshot of the pipeline disposition counters.
func (p *Processor) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// ResetStats zeroes every counter.
func (p *Processor) ResetStats() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats = Stats{}
}

// ProcessMessage runs the full pipeline for one delivery against queue's
// current configuration snapshot. A panic anywhere in the pipeline resolves
// to a requeueing nack rather than crashing the queue's goroutine.
func (p *Processor) ProcessMessage(ctx context.Context, queue string, cfg Config, d broker.Delivery) (disposition Disposition) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.ErrorwCtx(ctx, "panic while processing message", "queue", queue, "panic", r)
			p.incr(func(s *Stats) { s.Failed++ })
			disposition = Disposition{Action: ActionNack, Reason: "unexpected_error", Requeue: true}
		}
	}()
	return p.process(ctx, queue, cfg, d)
}

func (p *Processor) process(ctx context.Context, queue string, cfg Config, d broker.Delivery) Disposition {
	if d.DeliveryTag == 0 && d.Body == nil {
		return Disposition{Action: ActionSkip, Reason: "cancelled"}
	}

	fingerprint := deduplication.Fingerprint(d)

	if p.dedup.IsProcessed(fingerprint) {
		p.incr(func(s *Stats) { s.Duplicates++; s.Skipped++ })
		return Disposition{Action: ActionSkip, Reason: "duplicate"}
	}

	if cfg.Paused {
		return Disposition{Action: ActionNack, Reason: "paused", Requeue: true}
	}

	if !p.withinBusinessHours(cfg) {
		p.incr(func(s *Stats) { s.OutsideBusinessHours++ })
		return Disposition{Action: ActionNack, Reason: "outside_business_hours", Requeue: true}
	}

	p.dedup.MarkProcessing(fingerprint, deduplication.ProcessingMeta{Queue: queue, StartedAt: p.nowFunc()})
	defer p.dedup.RemoveProcessing(fingerprint)

	var payload interface{}
	if err := json.Unmarshal(d.Body, &payload); err != nil {
		p.logger.WarnwCtx(ctx, "webhook payload is not valid JSON", "queue", queue, "error", err)
		p.dedup.MarkProcessed(fingerprint)
		p.incr(func(s *Stats) { s.ParseErrors++; s.Failed++ })
		return Disposition{Action: ActionAck, Reason: "parse_error"}
	}

	res := p.sender.SendWithRetry(ctx, queue, cfg.WebhookURL, payload)
	switch res.Outcome {
	case webhook.OutcomeSuccess:
		p.dedup.MarkProcessed(fingerprint)
		p.incr(func(s *Stats) { s.Processed++ })
		return Disposition{Action: ActionAck, Reason: "processed"}
	case webhook.OutcomeTerminal:
		p.dedup.MarkProcessed(fingerprint)
		p.logger.WarnwCtx(ctx, "webhook returned a permanent error", "queue", queue, "error", res.Err)
		p.incr(func(s *Stats) { s.Failed++ })
		return Disposition{Action: ActionAck, Reason: "webhook_permanent_error"}
	default:
		p.incr(func(s *Stats) { s.Failed++ })
		return Disposition{Action: ActionNack, Reason: "webhook_retry", Requeue: true}
	}
}

func (p *Processor) incr(f func(*Stats)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f(&p.stats)
}

func (p *Processor) withinBusinessHours(cfg Config) bool {
	if cfg.BusinessHours == (BusinessHours{}) {
		return true
	}

	tzName := cfg.Timezone
	if tzName == "" {
		tzName = constants.DefaultBusinessHoursTimezone
	}
	loc, err := time.LoadLocation(tzName)
	if err != nil {
		p.logger.Warnw("unknown business hours timezone, defaulting to UTC", "timezone", tzName, "error", err)
		loc = time.UTC
	}

	hour := p.nowFunc().In(loc).Hour()
	return hour >= cfg.BusinessHours.StartHour && hour < cfg.BusinessHours.EndHour
}

