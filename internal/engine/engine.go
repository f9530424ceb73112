package engine

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"brokerrelay/internal/broker"
	"brokerrelay/internal/constants"
	"brokerrelay/internal/logger"
	"brokerrelay/internal/persistence"
	"brokerrelay/internal/processor"
	"brokerrelay/internal/reconnect"
	"brokerrelay/internal/webhook"
	pkgerrors "brokerrelay/pkg/errors"
	"brokerrelay/pkg/metrics"
)

// State is a queue's position in its lifecycle state machine.
type State string

const (
	StateStarting        State = "starting"
	StateRunning         State = "running"
	StatePaused          State = "paused"
	StateStopping        State = "stopping"
	StateReestablishing  State = "reestablishing"
)

// Broker is the subset of the AMQP client the engine drives.
type Broker interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Cleanup()
	IsChannelReady() bool
	CheckQueue(name string) (broker.QueueInfo, error)
	Consume(name string, handler broker.HandlerFunc) (string, error)
	CancelConsumer(tag string) error
	Ack(deliveryTag uint64) error
	Nack(deliveryTag uint64, requeue bool) error
	OnEvent(l broker.Listener)
}

// Auditor records control-plane-triggered state transitions. Failures are
// logged, never propagated.
type Auditor interface {
	Record(ctx context.Context, queue, action, actor string, requestBody interface{}, resultStatus, detail string)
}

// ActiveQueue is the engine's in-memory record of one subscribed queue.
type ActiveQueue struct {
	mu sync.Mutex

	Name          string
	WebhookURL    string
	MinIntervalMS int
	MaxIntervalMS int
	BusinessHours processor.BusinessHours
	Timezone      string
	Paused        bool
	ConsumerTag   string
	CreatedAt     time.Time
	MessageCount  int64
	LastPayload   interface{}
	State         State

	nextIntervalMS int
	deliveries     chan broker.Delivery
	stopCh         chan struct{}
}

func (q *ActiveQueue) snapshot() processor.Config {
	q.mu.Lock()
	defer q.mu.Unlock()
	return processor.Config{
		WebhookURL:    q.WebhookURL,
		MinIntervalMS: q.MinIntervalMS,
		MaxIntervalMS: q.MaxIntervalMS,
		BusinessHours: q.BusinessHours,
		Timezone:      q.Timezone,
		Paused:        q.Paused,
	}
}

// Info is the external read-only view of an ActiveQueue returned by
// QueueInfo and ActiveQueues.
type Info struct {
	Name           string
	WebhookURL     string
	MinIntervalMS  int
	MaxIntervalMS  int
	BusinessHours  processor.BusinessHours
	Paused         bool
	ConsumerTag    string
	CreatedAt      time.Time
	MessageCount   int64
	LastPayload    interface{}
	State          State
	NextIntervalMS int
}

func (q *ActiveQueue) info() Info {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Info{
		Name:           q.Name,
		WebhookURL:     q.WebhookURL,
		MinIntervalMS:  q.MinIntervalMS,
		MaxIntervalMS:  q.MaxIntervalMS,
		BusinessHours:  q.BusinessHours,
		Paused:         q.Paused,
		ConsumerTag:    q.ConsumerTag,
		CreatedAt:      q.CreatedAt,
		MessageCount:   q.MessageCount,
		LastPayload:    q.LastPayload,
		State:          q.State,
		NextIntervalMS: q.nextIntervalMS,
	}
}

// EstimatedCompletion is a rough projection of when the next delivery on this
// queue will finish pacing, used by the control API's active-queues report.
func (i Info) EstimatedCompletion() time.Time {
	return time.Now().Add(time.Duration(i.NextIntervalMS) * time.Millisecond)
}

// Engine orchestrates broker consumption, dedup, webhook delivery, and
// persistence for every active queue.
type Engine struct {
	broker      Broker
	processor   *processor.Processor
	persistence *persistence.Store
	sender      *webhook.Sender
	reconnector *reconnect.Controller
	audit       Auditor
	logger      logger.Logger

	finishWebhookURL string

	healthMonitorInterval time.Duration

	mu     sync.Mutex
	queues map[string]*ActiveQueue

	stopCh chan struct{}
	doneCh chan struct{}
}

func New(
	b Broker,
	proc *processor.Processor,
	store *persistence.Store,
	sender *webhook.Sender,
	reconnector *reconnect.Controller,
	audit Auditor,
	log logger.Logger,
) *Engine {
	e := &Engine{
		broker:                b,
		processor:             proc,
		persistence:           store,
		sender:                sender,
		reconnector:           reconnector,
		audit:                 audit,
		logger:                log,
		healthMonitorInterval: constants.DefaultHealthMonitorInterval,
		queues:                make(map[string]*ActiveQueue),
		stopCh:                make(chan struct{}),
		doneCh:                make(chan struct{}),
	}

	reconnector.OnSuccess(func() { e.reestablishAll() })
	return e
}

// SetFinishWebhookURL sets the best-effort notification URL invoked when a
// queue is stopped or deleted externally.
func (e *Engine) SetFinishWebhookURL(url string) {
	e.finishWebhookURL = url
}

// Initialize connects the broker, restores persisted queues, and starts the
// periodic queue-health monitor.
func (e *Engine) Initialize(ctx context.Context) error {
	if err := e.broker.Connect(ctx); err != nil {
		return fmt.Errorf("connect broker: %w", err)
	}

	if _, err := e.RestorePersisted(ctx); err != nil {
		e.logger.ErrorwCtx(ctx, "failed to restore persisted queues", "error", err)
	}

	go e.healthMonitorLoop()
	return nil
}

// StartConsuming validates cfg, checks that the queue exists, and begins a
// new subscription. actor/requestBody/audited drive the audit trail;
// pass "" / nil / false for internally-triggered starts (restore/reestablish).
func (e *Engine) StartConsuming(ctx context.Context, name, webhookURL string, minMS, maxMS int, hours processor.BusinessHours, actor string, requestBody interface{}, audited bool) error {
	e.mu.Lock()
	if _, exists := e.queues[name]; exists {
		e.mu.Unlock()
		return pkgerrors.ErrValidation.WithDetail("queue", name).WithDetail("message", "queue already has an active subscription")
	}
	e.mu.Unlock()

	cfg := processor.SanitizeConfig(processor.Config{
		WebhookURL:    webhookURL,
		MinIntervalMS: minMS,
		MaxIntervalMS: maxMS,
		BusinessHours: hours,
	})
	if err := processor.ValidateConfig(cfg); err != nil {
		e.auditIfRequested(ctx, audited, name, "consume", actor, requestBody, "rejected", err.Error())
		return err
	}

	if _, err := e.broker.CheckQueue(name); err != nil {
		e.auditIfRequested(ctx, audited, name, "consume", actor, requestBody, "rejected", err.Error())
		return err
	}

	q := &ActiveQueue{
		Name:          name,
		WebhookURL:    cfg.WebhookURL,
		MinIntervalMS: cfg.MinIntervalMS,
		MaxIntervalMS: cfg.MaxIntervalMS,
		BusinessHours: hours,
		CreatedAt:     time.Now().UTC(),
		State:         StateStarting,
		deliveries:    make(chan broker.Delivery, 16),
		stopCh:        make(chan struct{}),
	}
	q.nextIntervalMS = randomInterval(cfg.MinIntervalMS, cfg.MaxIntervalMS)

	tag, err := e.broker.Consume(name, func(d broker.Delivery) { q.deliveries <- d })
	if err != nil {
		e.auditIfRequested(ctx, audited, name, "consume", actor, requestBody, "rejected", err.Error())
		return err
	}
	q.ConsumerTag = tag
	q.State = StateRunning

	e.mu.Lock()
	e.queues[name] = q
	e.mu.Unlock()

	if err := e.persistence.Save(name, persistence.QueueConfig{
		WebhookURL:    cfg.WebhookURL,
		MinIntervalMS: cfg.MinIntervalMS,
		MaxIntervalMS: cfg.MaxIntervalMS,
		BusinessHours: persistence.BusinessHours{StartHour: hours.StartHour, EndHour: hours.EndHour},
	}); err != nil {
		e.logger.ErrorwCtx(ctx, "failed to persist queue configuration", "queue", name, "error", err)
	}

	metrics.SetConsumerState(name, 1)
	go e.runQueue(q)

	e.auditIfRequested(ctx, audited, name, "consume", actor, requestBody, "accepted", "")
	return nil
}

func randomInterval(minMS, maxMS int) int {
	if maxMS <= minMS {
		return minMS
	}
	return minMS + rand.Intn(maxMS-minMS+1)
}

// runQueue is the per-queue goroutine: it sleeps the paced interval, then
// processes the next delivery (or returns on cancellation/stop).
func (e *Engine) runQueue(q *ActiveQueue) {
	for {
		select {
		case <-q.stopCh:
			return
		case d, ok := <-q.deliveries:
			if !ok {
				return
			}
			if d.DeliveryTag == 0 && d.Body == nil {
				// The stream also ends when the channel closes; only a still
				// ready channel means the broker cancelled this consumer. Otherwise
				// the queue stays in the table for reestablishAll.
				if e.broker.IsChannelReady() {
					e.handleConsumerCancelled(q)
				}
				return
			}
			e.sleepInterval(q)
			e.handleDelivery(q, d)
		}
	}
}

func (e *Engine) sleepInterval(q *ActiveQueue) {
	q.mu.Lock()
	interval := q.nextIntervalMS
	q.mu.Unlock()

	select {
	case <-time.After(time.Duration(interval) * time.Millisecond):
	case <-q.stopCh:
	}
}

func (e *Engine) handleDelivery(q *ActiveQueue, d broker.Delivery) {
	ctx := context.Background()
	cfg := q.snapshot()

	disposition := e.processor.ProcessMessage(ctx, q.Name, cfg, d)

	q.mu.Lock()
	q.MessageCount++
	q.mu.Unlock()

	switch disposition.Action {
	case processor.ActionAck:
		if err := e.broker.Ack(d.DeliveryTag); err != nil {
			e.logger.Warnw("ack failed", "queue", q.Name, "error", err)
		}
	case processor.ActionNack:
		if err := e.broker.Nack(d.DeliveryTag, disposition.Requeue); err != nil {
			e.logger.Warnw("nack failed", "queue", q.Name, "error", err)
		}
	case processor.ActionSkip:
		// no ack/nack: duplicate or cancelled delivery.
	}

	metrics.MessagesConsumedTotal.WithLabelValues(q.Name).Inc()
	if disposition.Reason == "duplicate" {
		metrics.MessagesDuplicateTotal.WithLabelValues(q.Name).Inc()
	}

	if disposition.Action == processor.ActionAck && disposition.Reason == "processed" {
		q.mu.Lock()
		q.nextIntervalMS = randomInterval(q.MinIntervalMS, q.MaxIntervalMS)
		q.LastPayload = string(d.Body)
		q.mu.Unlock()
	}
}

func (e *Engine) handleConsumerCancelled(q *ActiveQueue) {
	e.mu.Lock()
	delete(e.queues, q.Name)
	e.mu.Unlock()

	if _, err := e.persistence.Remove(q.Name); err != nil {
		e.logger.Warnw("failed to remove cancelled queue from persistence", "queue", q.Name, "error", err)
	}

	metrics.SetConsumerState(q.Name, 4)
	e.logger.Infow("consumer cancelled by broker", "queue", q.Name)
}

// PauseConsuming flips the in-memory paused flag; no broker interaction.
func (e *Engine) PauseConsuming(ctx context.Context, name, actor string) error {
	q, err := e.mustGet(name)
	if err != nil {
		return err
	}
	q.mu.Lock()
	if q.Paused {
		q.mu.Unlock()
		return pkgerrors.ErrValidation.WithDetail("queue", name).WithDetail("message", "queue already paused")
	}
	q.Paused = true
	q.State = StatePaused
	q.mu.Unlock()

	metrics.SetConsumerState(name, 2)
	e.auditIfRequested(ctx, true, name, "pause", actor, nil, "accepted", "")
	return nil
}

// ResumeConsuming flips the in-memory paused flag back; no broker interaction.
func (e *Engine) ResumeConsuming(ctx context.Context, name, actor string) error {
	q, err := e.mustGet(name)
	if err != nil {
		return err
	}
	q.mu.Lock()
	if !q.Paused {
		q.mu.Unlock()
		return pkgerrors.ErrValidation.WithDetail("queue", name).WithDetail("message", "queue already resumed")
	}
	q.Paused = false
	q.State = StateRunning
	q.mu.Unlock()

	metrics.SetConsumerState(name, 1)
	e.auditIfRequested(ctx, true, name, "resume", actor, nil, "accepted", "")
	return nil
}

// StopConsuming cancels the consumer tag (if the channel is ready) and
// removes the queue from memory. Manual stops also remove it from
// persistence; internal stops (shutdown) do not.
func (e *Engine) StopConsuming(ctx context.Context, name, reason, actor string, manual bool) error {
	q, err := e.mustGet(name)
	if err != nil {
		return err
	}

	q.mu.Lock()
	q.State = StateStopping
	tag := q.ConsumerTag
	lastPayload := q.LastPayload
	q.mu.Unlock()

	close(q.stopCh)

	if e.broker.IsChannelReady() && tag != "" {
		if err := e.broker.CancelConsumer(tag); err != nil {
			e.logger.Warnw("failed to cancel consumer", "queue", name, "error", err)
		}
	}

	e.mu.Lock()
	delete(e.queues, name)
	e.mu.Unlock()

	if manual {
		if _, err := e.persistence.Remove(name); err != nil {
			e.logger.Warnw("failed to remove stopped queue from persistence", "queue", name, "error", err)
		}
	}

	metrics.SetConsumerState(name, 4)
	e.sender.NotifyQueueFinish(ctx, name, e.finishWebhookURL, lastPayload, map[string]interface{}{"reason": reason})

	e.auditIfRequested(ctx, manual, name, "stop", actor, map[string]interface{}{"reason": reason}, "accepted", "")
	return nil
}

func (e *Engine) mustGet(name string) (*ActiveQueue, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	q, ok := e.queues[name]
	if !ok {
		return nil, pkgerrors.ErrNotFound.WithDetail("queue", name)
	}
	return q, nil
}

func (e *Engine) QueueInfo(name string) (Info, bool) {
	e.mu.Lock()
	q, ok := e.queues[name]
	e.mu.Unlock()
	if !ok {
		return Info{}, false
	}
	return q.info(), true
}

func (e *Engine) ActiveQueues() []Info {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Info, 0, len(e.queues))
	for _, q := range e.queues {
		out = append(out, q.info())
	}
	return out
}

// RestoreResult summarizes the outcome of RestorePersisted, returned to the
// control API's POST /restore-queues.
type RestoreResult struct {
	Restored []string
	Failed   []string
	Skipped  []string
	Removed  []string
}

// RestorePersisted starts consuming every queue recorded in the persistence
// store, typically called once at Initialize.
func (e *Engine) RestorePersisted(ctx context.Context) (RestoreResult, error) {
	result := RestoreResult{}

	configs, err := e.persistence.LoadAll()
	if err != nil {
		return result, fmt.Errorf("load persisted queue configurations: %w", err)
	}

	for name, cfg := range configs {
		if _, alreadyActive := e.QueueInfo(name); alreadyActive {
			result.Skipped = append(result.Skipped, name)
			continue
		}

		hours := processor.BusinessHours{StartHour: cfg.BusinessHours.StartHour, EndHour: cfg.BusinessHours.EndHour}
		err := e.StartConsuming(ctx, name, cfg.WebhookURL, cfg.MinIntervalMS, cfg.MaxIntervalMS, hours, "system", nil, false)
		if err == nil {
			result.Restored = append(result.Restored, name)
			continue
		}
		if pkgerrors.IsNotFound(err) {
			if _, rmErr := e.persistence.Remove(name); rmErr != nil {
				e.logger.Warnw("failed to remove vanished queue from persistence", "queue", name, "error", rmErr)
			}
			result.Removed = append(result.Removed, name)
			continue
		}
		result.Failed = append(result.Failed, name)
		e.logger.ErrorwCtx(ctx, "failed to restore queue", "queue", name, "error", err)
	}

	if len(result.Failed) > 0 {
		e.logger.WarnwCtx(ctx, "some persisted queues failed to restore", "failed_count", len(result.Failed))
	}
	return result, nil
}

// QueueInspection is the broker-probed view of a queue returned by
// InspectQueue, distinct from Info which reflects only in-memory engine
// state for a queue the engine is actively consuming.
type QueueInspection struct {
	Name          string
	MessageCount  int
	ConsumerCount int
	IsActive      bool
	Config        *Info
}

// InspectQueue probes the broker for a queue's current depth/consumer count
// and merges it with the engine's in-memory state, if any.
func (e *Engine) InspectQueue(name string) (QueueInspection, error) {
	qi, err := e.broker.CheckQueue(name)
	if err != nil {
		return QueueInspection{}, err
	}

	out := QueueInspection{Name: name, MessageCount: qi.MessageCount, ConsumerCount: qi.ConsumerCount}
	if info, ok := e.QueueInfo(name); ok {
		out.IsActive = true
		out.Config = &info
	}
	return out, nil
}

// CleanupOrphans probes every persisted queue configuration against the
// broker and removes the ones whose queue no longer exists.
func (e *Engine) CleanupOrphans(ctx context.Context) ([]string, error) {
	configs, err := e.persistence.LoadAll()
	if err != nil {
		return nil, fmt.Errorf("load persisted queue configurations: %w", err)
	}

	var removed []string
	for name := range configs {
		_, err := e.broker.CheckQueue(name)
		if err == nil {
			continue
		}
		if !pkgerrors.IsNotFound(err) {
			e.logger.WarnwCtx(ctx, "skipping orphan check for queue after non-not-found error", "queue", name, "error", err)
			continue
		}
		if _, rmErr := e.persistence.Remove(name); rmErr != nil {
			e.logger.Warnw("failed to remove orphaned queue config", "queue", name, "error", rmErr)
			continue
		}
		removed = append(removed, name)
	}
	return removed, nil
}

// reestablishAll is invoked by the reconnection controller after a
// successful reconnect: it re-applies the in-memory paused/message_count/
// last_payload state of every previously-active queue onto a fresh
// subscription.
func (e *Engine) reestablishAll() {
	ctx := context.Background()

	e.mu.Lock()
	prior := make([]*ActiveQueue, 0, len(e.queues))
	for _, q := range e.queues {
		prior = append(prior, q)
	}
	e.queues = make(map[string]*ActiveQueue)
	e.mu.Unlock()

	for _, old := range prior {
		close(old.stopCh)
		snap := old.info()

		err := e.StartConsuming(ctx, snap.Name, snap.WebhookURL, snap.MinIntervalMS, snap.MaxIntervalMS, snap.BusinessHours, "system", nil, false)
		if err != nil {
			e.logger.ErrorwCtx(ctx, "failed to reestablish queue after reconnect", "queue", snap.Name, "error", err)
			continue
		}

		e.mu.Lock()
		if q, ok := e.queues[snap.Name]; ok {
			q.mu.Lock()
			q.Paused = snap.Paused
			q.MessageCount = snap.MessageCount
			q.LastPayload = snap.LastPayload
			if q.Paused {
				q.State = StatePaused
			}
			q.mu.Unlock()
		}
		e.mu.Unlock()
	}
}

// healthMonitorLoop periodically inspects every active queue's depth via the
// broker, detecting external deletions and connection-level failures.
func (e *Engine) healthMonitorLoop() {
	defer close(e.doneCh)

	interval := e.healthMonitorInterval
	if interval <= 0 {
		interval = constants.DefaultHealthMonitorInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.sweepQueueHealth()
		case <-e.stopCh:
			return
		}
	}
}

func (e *Engine) sweepQueueHealth() {
	if !e.broker.IsChannelReady() {
		e.logger.Warnw("queue health sweep skipped: channel not ready")
		e.reconnector.ScheduleReconnect("health-monitor: channel not ready")
		return
	}

	e.mu.Lock()
	names := make([]string, 0, len(e.queues))
	for name := range e.queues {
		names = append(names, name)
	}
	e.mu.Unlock()

	for _, name := range names {
		_, err := e.broker.CheckQueue(name)
		if err == nil {
			continue
		}
		if pkgerrors.IsNotFound(err) {
			e.handleExternalDeletion(name)
			continue
		}
		if isConnectionLevel(err) {
			e.logger.ErrorwCtx(context.Background(), "connection-level error during queue health sweep, aborting sweep", "error", err)
			e.reconnector.ScheduleReconnect("health-monitor: " + err.Error())
			return
		}
		e.logger.Warnw("queue health check failed", "queue", name, "error", err)
	}
}

func isConnectionLevel(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, t := range []string{"channel closed", "connection closed", "socket closed"} {
		if strings.Contains(msg, t) {
			return true
		}
	}
	return false
}

// handleExternalDeletion removes a queue that was deleted on the broker
// without going through the control API. The consumer tag is never
// cancelled: the broker already tore it down.
func (e *Engine) handleExternalDeletion(name string) {
	e.mu.Lock()
	q, ok := e.queues[name]
	if ok {
		delete(e.queues, name)
	}
	e.mu.Unlock()
	if !ok {
		return
	}

	close(q.stopCh)

	if _, err := e.persistence.Remove(name); err != nil {
		e.logger.Warnw("failed to remove externally-deleted queue from persistence", "queue", name, "error", err)
	}

	lastPayload := q.info().LastPayload
	e.sender.NotifyQueueFinish(context.Background(), name, e.finishWebhookURL, lastPayload, map[string]interface{}{"reason": "queue_deleted_externally"})

	metrics.SetConsumerState(name, 4)
	e.logger.Warnw("queue deleted externally", "queue", name)
}

// Stats aggregates per-queue webhook delivery counters plus the processor's
// disposition counters for the control API's /stats endpoint.
func (e *Engine) Stats() map[string]interface{} {
	e.mu.Lock()
	names := make([]string, 0, len(e.queues))
	for name := range e.queues {
		names = append(names, name)
	}
	e.mu.Unlock()

	queueStats := make(map[string]interface{}, len(names))
	for _, name := range names {
		queueStats[name] = e.sender.Stats(name)
	}

	return map[string]interface{}{
		"active_queues": len(names),
		"queues":        queueStats,
		"processor":     e.processor.Stats(),
	}
}

// ResetStats clears both the processor's disposition counters and the
// sender's per-queue delivery counters.
func (e *Engine) ResetStats() {
	e.processor.ResetStats()
	e.sender.ResetStats()
}

// Shutdown runs the documented graceful-shutdown sequence: stop the health
// monitor, stop the reconnection controller, stop every active queue, then
// disconnect the broker. It is bounded by a hard outer timeout.
func (e *Engine) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, constants.ShutdownTimeout)
	defer cancel()

	close(e.stopCh)
	<-e.doneCh

	e.reconnector.Shutdown()

	e.mu.Lock()
	names := make([]string, 0, len(e.queues))
	for name := range e.queues {
		names = append(names, name)
	}
	e.mu.Unlock()

	for _, name := range names {
		if err := e.StopConsuming(ctx, name, "shutdown", "system", false); err != nil {
			e.logger.Warnw("failed to stop queue during shutdown", "queue", name, "error", err)
		}
	}

	return e.broker.Disconnect()
}

func (e *Engine) auditIfRequested(ctx context.Context, audited bool, queue, action, actor string, requestBody interface{}, status, detail string) {
	if !audited || e.audit == nil {
		return
	}
	if actor == "" {
		actor = "system"
	}
	e.audit.Record(ctx, queue, action, actor, requestBody, status, detail)
}
