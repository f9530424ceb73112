package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brokerrelay/internal/broker"
	"brokerrelay/internal/config"
	"brokerrelay/internal/deduplication"
	"brokerrelay/internal/logger"
	"brokerrelay/internal/persistence"
	"brokerrelay/internal/processor"
	"brokerrelay/internal/reconnect"
	"brokerrelay/internal/webhook"
)

type fakeBroker struct {
	mu        sync.Mutex
	ready     bool
	queues    map[string]broker.QueueInfo
	handlers  map[string]broker.HandlerFunc
	cancelled map[string]bool
	listeners []broker.Listener
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		ready:     true,
		queues:    map[string]broker.QueueInfo{},
		handlers:  map[string]broker.HandlerFunc{},
		cancelled: map[string]bool{},
	}
}

func (f *fakeBroker) Connect(ctx context.Context) error { f.ready = true; return nil }
func (f *fakeBroker) Disconnect() error                  { f.ready = false; return nil }
func (f *fakeBroker) Cleanup()                           { f.ready = false }
func (f *fakeBroker) IsChannelReady() bool                { f.mu.Lock(); defer f.mu.Unlock(); return f.ready }

func (f *fakeBroker) CheckQueue(name string) (broker.QueueInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.queues[name]
	if !ok {
		return broker.QueueInfo{}, assertNotFoundErr{}
	}
	return info, nil
}

func (f *fakeBroker) Consume(name string, handler broker.HandlerFunc) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tag := "ctag-" + name
	f.handlers[tag] = handler
	return tag, nil
}

func (f *fakeBroker) CancelConsumer(tag string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled[tag] = true
	return nil
}

func (f *fakeBroker) Ack(deliveryTag uint64) error             { return nil }
func (f *fakeBroker) Nack(deliveryTag uint64, requeue bool) error { return nil }
func (f *fakeBroker) OnEvent(l broker.Listener)                 { f.listeners = append(f.listeners, l) }

func (f *fakeBroker) deliver(tag string, d broker.Delivery) {
	f.mu.Lock()
	h := f.handlers[tag]
	f.mu.Unlock()
	h(d)
}

type assertNotFoundErr struct{}

func (assertNotFoundErr) Error() string { return "NOT_FOUND: queue does not exist" }

func testEngine(t *testing.T) (*Engine, *fakeBroker, *httptest.Server) {
	t.Helper()
	log := logger.NopLogger()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	fb := newFakeBroker()
	fb.queues["orders"] = broker.QueueInfo{MessageCount: 0, ConsumerCount: 0}

	store := persistence.NewStore(filepath.Join(t.TempDir(), "consumers.json"))
	dedup := deduplication.NewStore(config.DeduplicationConfig{MaxProcessed: 100, CleanupInterval: time.Hour, StaleAge: time.Hour}, nil, log)
	t.Cleanup(dedup.Shutdown)
	sender := webhook.NewSender(config.WebhookConfig{TimeoutSeconds: time.Second, MaxAttempts: 1}, log)
	proc := processor.New(dedup, sender, log)
	reconnector := reconnect.NewController(config.ReconnectionConfig{MaxAttempts: 3, BaseDelay: 10 * time.Millisecond, Multiplier: 1, MaxDelay: 50 * time.Millisecond}, fb, log)

	e := New(fb, proc, store, sender, reconnector, nil, log)
	return e, fb, srv
}

func TestStartConsuming_RejectsUnknownQueue(t *testing.T) {
	e, _, srv := testEngine(t)
	err := e.StartConsuming(context.Background(), "missing", srv.URL, 1000, 5000, processor.BusinessHours{}, "tester", nil, true)
	assert.Error(t, err)
}

func TestStartConsuming_RegistersActiveQueue(t *testing.T) {
	e, _, srv := testEngine(t)
	err := e.StartConsuming(context.Background(), "orders", srv.URL, 1000, 5000, processor.BusinessHours{}, "tester", nil, true)
	require.NoError(t, err)

	info, ok := e.QueueInfo("orders")
	require.True(t, ok)
	assert.Equal(t, StateRunning, info.State)
}

func TestStartConsuming_RejectsDuplicateSubscription(t *testing.T) {
	e, _, srv := testEngine(t)
	require.NoError(t, e.StartConsuming(context.Background(), "orders", srv.URL, 1000, 5000, processor.BusinessHours{}, "tester", nil, true))

	err := e.StartConsuming(context.Background(), "orders", srv.URL, 1000, 5000, processor.BusinessHours{}, "tester", nil, true)
	assert.Error(t, err)
}

func TestPauseAndResumeConsuming(t *testing.T) {
	e, _, srv := testEngine(t)
	require.NoError(t, e.StartConsuming(context.Background(), "orders", srv.URL, 1000, 5000, processor.BusinessHours{}, "tester", nil, true))

	require.NoError(t, e.PauseConsuming(context.Background(), "orders", "tester"))
	info, _ := e.QueueInfo("orders")
	assert.True(t, info.Paused)

	require.NoError(t, e.ResumeConsuming(context.Background(), "orders", "tester"))
	info, _ = e.QueueInfo("orders")
	assert.False(t, info.Paused)
}

func TestStopConsuming_RemovesFromActiveQueues(t *testing.T) {
	e, fb, srv := testEngine(t)
	require.NoError(t, e.StartConsuming(context.Background(), "orders", srv.URL, 1000, 5000, processor.BusinessHours{}, "tester", nil, true))

	require.NoError(t, e.StopConsuming(context.Background(), "orders", "manual_stop", "tester", true))

	_, ok := e.QueueInfo("orders")
	assert.False(t, ok)
	assert.True(t, fb.cancelled["ctag-orders"])
}

func TestActiveQueues_ListsEverySubscription(t *testing.T) {
	e, fb, srv := testEngine(t)
	fb.queues["invoices"] = broker.QueueInfo{}
	require.NoError(t, e.StartConsuming(context.Background(), "orders", srv.URL, 1000, 5000, processor.BusinessHours{}, "tester", nil, true))
	require.NoError(t, e.StartConsuming(context.Background(), "invoices", srv.URL, 1000, 5000, processor.BusinessHours{}, "tester", nil, true))

	assert.Len(t, e.ActiveQueues(), 2)
}

func TestDelivery_ProcessesAndIncrementsMessageCount(t *testing.T) {
	e, fb, srv := testEngine(t)
	require.NoError(t, e.StartConsuming(context.Background(), "orders", srv.URL, 10, 20, processor.BusinessHours{}, "tester", nil, true))

	fb.deliver("ctag-orders", broker.Delivery{DeliveryTag: 1, Body: []byte(`{"x":1}`)})

	require.Eventually(t, func() bool {
		info, ok := e.QueueInfo("orders")
		return ok && info.MessageCount == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStats_SurfacesProcessorCountersAndResets(t *testing.T) {
	e, fb, srv := testEngine(t)
	require.NoError(t, e.StartConsuming(context.Background(), "orders", srv.URL, 10, 20, processor.BusinessHours{}, "tester", nil, true))

	fb.deliver("ctag-orders", broker.Delivery{DeliveryTag: 1, Body: []byte(`{"x":1}`)})

	require.Eventually(t, func() bool {
		stats, ok := e.Stats()["processor"].(processor.Stats)
		return ok && stats.Processed == 1
	}, 2*time.Second, 10*time.Millisecond)

	e.ResetStats()
	stats, ok := e.Stats()["processor"].(processor.Stats)
	require.True(t, ok)
	assert.Equal(t, processor.Stats{}, stats)
}
