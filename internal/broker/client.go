package broker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"brokerrelay/internal/config"
	"brokerrelay/internal/logger"
	pkgerrors "brokerrelay/pkg/errors"
)

// Client wraps a single AMQP connection and channel, translating broker
// lifecycle events into the Event stream C5 observes and exposing the
// narrow consume/ack/nack surface C7 drives.
type Client struct {
	cfg    config.BrokerConfig
	logger logger.Logger

	mu         sync.Mutex
	conn       *amqp.Connection
	channel    *amqp.Channel
	shuttingDown bool

	listenersMu sync.RWMutex
	listeners   []Listener

	chanOpMu sync.Mutex // serializes ack/nack/consume/cancel on the single channel
}

func New(cfg config.BrokerConfig, log logger.Logger) *Client {
	return &Client{cfg: cfg, logger: log}
}

func (c *Client) OnEvent(l Listener) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners = append(c.listeners, l)
}

func (c *Client) emit(evt Event) {
	evt.At = time.Now()
	c.listenersMu.RLock()
	defer c.listenersMu.RUnlock()
	for _, l := range c.listeners {
		l(evt)
	}
}

// Connect opens a connection and a single channel with prefetch 1.
//
// Every c.emit call below happens after c.mu is released: emit invokes
// listeners synchronously, and the reconnection controller's listener
// acquires its own lock in turn, so emitting while still holding c.mu would
// let the two locks be taken in opposite orders from different goroutines.
func (c *Client) Connect(ctx context.Context) error {
	cfg := amqp.Config{
		Heartbeat: valueOr(c.cfg.Heartbeat, 60*time.Second),
		Dial:      amqp.DefaultDial(valueOr(c.cfg.ConnectionTimeout, 10*time.Second)),
	}

	conn, err := amqp.DialConfig(c.cfg.URL, cfg)
	if err != nil {
		c.emit(Event{Type: EventConnectionError, Err: err})
		return pkgerrors.ErrServiceUnavailable.WithCause(err).WithDetail("stage", "dial")
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		c.emit(Event{Type: EventConnectionError, Err: err})
		return pkgerrors.ErrServiceUnavailable.WithCause(err).WithDetail("stage", "channel")
	}

	prefetch := c.cfg.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return pkgerrors.ErrServiceUnavailable.WithCause(err).WithDetail("stage", "qos")
	}

	c.mu.Lock()
	c.conn = conn
	c.channel = ch
	c.shuttingDown = false

	connClosed := make(chan *amqp.Error, 1)
	chanClosed := make(chan *amqp.Error, 1)
	chanCancelled := make(chan string, 1)
	conn.NotifyClose(connClosed)
	ch.NotifyClose(chanClosed)
	ch.NotifyCancel(chanCancelled)
	c.mu.Unlock()

	go c.watch(connClosed, chanClosed, chanCancelled)

	c.emit(Event{Type: EventConnected})
	return nil
}

func (c *Client) watch(connClosed, chanClosed chan *amqp.Error, chanCancelled chan string) {
	select {
	case err := <-connClosed:
		c.logger.Warnw("broker connection closed", "error", err)
		c.emit(Event{Type: EventConnectionClosed, Err: errOrNil(err)})
		if c.shouldReconnect(err) {
			c.emit(Event{Type: EventNeedsReconnection, Err: errOrNil(err)})
		}
	case err := <-chanClosed:
		c.logger.Warnw("broker channel closed", "error", err)
		c.emit(Event{Type: EventChannelClosed, Err: errOrNil(err)})
		if c.shouldReconnect(err) {
			c.emit(Event{Type: EventNeedsReconnection, Err: errOrNil(err)})
		}
	case tag := <-chanCancelled:
		c.emit(Event{Type: EventConsumerCancelled, ConsumerTag: tag})
	}
}

func errOrNil(err *amqp.Error) error {
	if err == nil {
		return nil
	}
	return err
}

// shouldReconnect classifies a close reason per the broker-client contract:
// connection/channel/socket closures and AMQP 504/505/506 trigger reconnection;
// queue-scoped 404/403 and delivery-tag 406 errors do not.
func (c *Client) shouldReconnect(err *amqp.Error) bool {
	if err == nil {
		return true
	}
	switch err.Code {
	case 504, 505, 506:
		return true
	case 404, 403, 406:
		return false
	}
	return ClassifyError(err) == ReasonReconnect
}

type classification int

const (
	ReasonNone classification = iota
	ReasonReconnect
)

// ClassifyError inspects plain errors (dial failures, context deadlines) that
// never reach us as a typed *amqp.Error.
func ClassifyError(err error) classification {
	if err == nil {
		return ReasonNone
	}
	msg := strings.ToLower(err.Error())
	triggers := []string{"channel closed", "connection closed", "socket closed", "econnreset", "enotfound", "etimedout"}
	for _, t := range triggers {
		if strings.Contains(msg, t) {
			return ReasonReconnect
		}
	}
	return ReasonNone
}

// IsChannelReady is true iff both connection and channel are present, open,
// and the client is not mid-shutdown.
func (c *Client) IsChannelReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isChannelReadyLocked()
}

// isChannelReadyLocked is IsChannelReady's check without the lock; callers
// must already hold c.mu.
func (c *Client) isChannelReadyLocked() bool {
	if c.shuttingDown || c.conn == nil || c.channel == nil {
		return false
	}
	return !c.conn.IsClosed() && !c.channel.IsClosed()
}

// CheckQueue passively inspects a queue without declaring it.
func (c *Client) CheckQueue(name string) (QueueInfo, error) {
	c.mu.Lock()
	ch := c.channel
	ready := c.isChannelReadyLocked()
	c.mu.Unlock()

	if !ready {
		return QueueInfo{}, pkgerrors.ErrServiceUnavailable.WithDetail("queue", name)
	}

	q, err := ch.QueueInspect(name)
	if err != nil {
		if amqpErr, ok := err.(*amqp.Error); ok && amqpErr.Code == 404 {
			return QueueInfo{}, pkgerrors.ErrNotFound.WithCause(err).WithDetail("queue", name)
		}
		return QueueInfo{}, pkgerrors.Wrap(err, pkgerrors.ErrServiceUnavailable).WithDetail("queue", name)
	}

	return QueueInfo{MessageCount: q.Messages, ConsumerCount: q.Consumers}, nil
}

// Consume registers a consumer for name and delivers every message to handler
// on a dedicated goroutine until the channel is closed or CancelConsumer is
// called.
func (c *Client) Consume(name string, handler HandlerFunc) (string, error) {
	c.mu.Lock()
	ch := c.channel
	ready := c.isChannelReadyLocked()
	c.mu.Unlock()

	if !ready {
		return "", pkgerrors.ErrServiceUnavailable.WithDetail("queue", name)
	}

	// Pass an explicit, unique tag rather than "" so the tag we hand back to
	// the caller is guaranteed to be the one the broker has on record for
	// this subscription: CancelConsumer later needs to cancel exactly this
	// tag at the broker.
	consumerTag := fmt.Sprintf("ctag-%s-%d", name, time.Now().UnixNano())

	msgs, err := ch.Consume(name, consumerTag, false, false, false, false, nil)
	if err != nil {
		if amqpErr, ok := err.(*amqp.Error); ok && amqpErr.Code == 404 {
			return "", pkgerrors.ErrNotFound.WithCause(err).WithDetail("queue", name)
		}
		return "", pkgerrors.Wrap(err, pkgerrors.ErrServiceUnavailable).WithDetail("queue", name)
	}

	go func() {
		for d := range msgs {
			handler(Delivery{DeliveryTag: d.DeliveryTag, Body: d.Body, ConsumerTag: d.ConsumerTag})
		}
		// channel drained: broker cancelled the consumer or the channel closed.
		handler(Delivery{})
	}()

	return consumerTag, nil
}

func (c *Client) CancelConsumer(tag string) error {
	c.mu.Lock()
	ch := c.channel
	ready := c.isChannelReadyLocked()
	c.mu.Unlock()

	if !ready {
		return nil
	}

	c.chanOpMu.Lock()
	defer c.chanOpMu.Unlock()
	return ch.Cancel(tag, false)
}

func (c *Client) Ack(deliveryTag uint64) error {
	c.mu.Lock()
	ch := c.channel
	ready := c.isChannelReadyLocked()
	c.mu.Unlock()

	if !ready {
		return nil
	}

	c.chanOpMu.Lock()
	defer c.chanOpMu.Unlock()
	if err := ch.Ack(deliveryTag, false); err != nil {
		if isUnknownDeliveryTag(err) {
			return nil
		}
		return err
	}
	return nil
}

func (c *Client) Nack(deliveryTag uint64, requeue bool) error {
	c.mu.Lock()
	ch := c.channel
	ready := c.isChannelReadyLocked()
	c.mu.Unlock()

	if !ready {
		return nil
	}

	c.chanOpMu.Lock()
	defer c.chanOpMu.Unlock()
	if err := ch.Nack(deliveryTag, false, requeue); err != nil {
		if isUnknownDeliveryTag(err) {
			return nil
		}
		return err
	}
	return nil
}

func isUnknownDeliveryTag(err error) bool {
	amqpErr, ok := err.(*amqp.Error)
	if !ok {
		return strings.Contains(strings.ToLower(err.Error()), "unknown delivery tag")
	}
	return amqpErr.Code == 406
}

// Disconnect closes the channel and connection. Subsequent operations are
// no-ops until Connect is called again.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.shuttingDown = true
	var err error
	if c.channel != nil {
		if cerr := c.channel.Close(); cerr != nil {
			err = cerr
		}
		c.channel = nil
	}
	if c.conn != nil {
		if cerr := c.conn.Close(); cerr != nil && err == nil {
			err = cerr
		}
		c.conn = nil
	}
	return err
}

// Cleanup is the reconnection controller's hook: it tears down the stale
// connection/channel without flipping shuttingDown, so a fresh Connect can
// follow immediately.
func (c *Client) Cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.channel != nil {
		_ = c.channel.Close()
		c.channel = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

func valueOr(v, fallback time.Duration) time.Duration {
	if v <= 0 {
		return fallback
	}
	return v
}
