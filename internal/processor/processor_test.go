package processor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brokerrelay/internal/broker"
	"brokerrelay/internal/config"
	"brokerrelay/internal/deduplication"
	"brokerrelay/internal/logger"
	"brokerrelay/internal/webhook"
)

func testProcessor(t *testing.T, webhookURL string) *Processor {
	t.Helper()
	log := logger.NopLogger()
	dedup := deduplication.NewStore(config.DeduplicationConfig{MaxProcessed: 100, CleanupInterval: time.Hour, StaleAge: time.Hour}, nil, log)
	t.Cleanup(dedup.Shutdown)
	sender := webhook.NewSender(config.WebhookConfig{TimeoutSeconds: time.Second, MaxAttempts: 1}, log)
	_ = webhookURL
	return New(dedup, sender, log)
}

func TestValidateConfig_RejectsMissingURL(t *testing.T) {
	err := ValidateConfig(Config{MinIntervalMS: 1000, MaxIntervalMS: 5000})
	assert.Error(t, err)
}

func TestValidateConfig_RejectsNonHTTPURL(t *testing.T) {
	err := ValidateConfig(Config{WebhookURL: "ftp://example.com", MinIntervalMS: 1000, MaxIntervalMS: 5000})
	assert.Error(t, err)
}

func TestValidateConfig_AcceptsValidConfig(t *testing.T) {
	err := ValidateConfig(Config{WebhookURL: "https://example.com/hook", MinIntervalMS: 1000, MaxIntervalMS: 5000})
	assert.NoError(t, err)
}

func TestSanitizeConfig_FloorsMinAndRaisesMax(t *testing.T) {
	out := SanitizeConfig(Config{MinIntervalMS: 100, MaxIntervalMS: 500})
	assert.Equal(t, 1000, out.MinIntervalMS)
	assert.Equal(t, 2000, out.MaxIntervalMS)
}

func TestProcessMessage_CancelledDeliveryIsSkipped(t *testing.T) {
	p := testProcessor(t, "")
	d := p.ProcessMessage(context.Background(), "orders", Config{}, broker.Delivery{})
	assert.Equal(t, ActionSkip, d.Action)
	assert.Equal(t, "cancelled", d.Reason)
}

func TestProcessMessage_DuplicateIsSkipped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := testProcessor(t, srv.URL)
	cfg := Config{WebhookURL: srv.URL, MinIntervalMS: 1000, MaxIntervalMS: 5000}
	d := broker.Delivery{DeliveryTag: 1, Body: []byte(`{"x":1}`)}

	first := p.ProcessMessage(context.Background(), "orders", cfg, d)
	require.Equal(t, ActionAck, first.Action)

	second := p.ProcessMessage(context.Background(), "orders", cfg, d)
	assert.Equal(t, ActionSkip, second.Action)
	assert.Equal(t, "duplicate", second.Reason)
	assert.Equal(t, int64(1), p.Stats().Duplicates)
}

func TestProcessMessage_PausedQueueNacksWithoutForwarding(t *testing.T) {
	var called bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := testProcessor(t, srv.URL)
	cfg := Config{WebhookURL: srv.URL, MinIntervalMS: 1000, MaxIntervalMS: 5000, Paused: true}
	d := broker.Delivery{DeliveryTag: 1, Body: []byte(`{"x":1}`)}

	disp := p.ProcessMessage(context.Background(), "orders", cfg, d)
	assert.Equal(t, ActionNack, disp.Action)
	assert.Equal(t, "paused", disp.Reason)
	assert.True(t, disp.Requeue)
	assert.False(t, called)
	assert.Equal(t, int64(0), p.Stats().Skipped)
}

func TestProcessMessage_ParseErrorStillAcks(t *testing.T) {
	p := testProcessor(t, "")
	cfg := Config{WebhookURL: "https://example.com/hook", MinIntervalMS: 1000, MaxIntervalMS: 5000}
	d := broker.Delivery{DeliveryTag: 1, Body: []byte("not-json")}

	disp := p.ProcessMessage(context.Background(), "orders", cfg, d)
	assert.Equal(t, ActionAck, disp.Action)
	assert.Equal(t, "parse_error", disp.Reason)
	assert.Equal(t, int64(1), p.Stats().Failed)
}

func TestProcessMessage_SuccessfulWebhookAcks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := testProcessor(t, srv.URL)
	cfg := Config{WebhookURL: srv.URL, MinIntervalMS: 1000, MaxIntervalMS: 5000}
	d := broker.Delivery{DeliveryTag: 1, Body: []byte(`{"x":1}`)}

	disp := p.ProcessMessage(context.Background(), "orders", cfg, d)
	assert.Equal(t, ActionAck, disp.Action)
	assert.Equal(t, "processed", disp.Reason)
	assert.Equal(t, int64(1), p.Stats().Processed)
}

func TestProcessMessage_RetryableFailureNacksWithRequeue(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := testProcessor(t, srv.URL)
	cfg := Config{WebhookURL: srv.URL, MinIntervalMS: 1000, MaxIntervalMS: 5000}
	d := broker.Delivery{DeliveryTag: 1, Body: []byte(`{"x":1}`)}

	disp := p.ProcessMessage(context.Background(), "orders", cfg, d)
	assert.Equal(t, ActionNack, disp.Action)
	assert.Equal(t, "webhook_retry", disp.Reason)
	assert.True(t, disp.Requeue)
	assert.Equal(t, int64(1), p.Stats().Failed)
}

func TestProcessMessage_TerminalFailureAcks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	p := testProcessor(t, srv.URL)
	cfg := Config{WebhookURL: srv.URL, MinIntervalMS: 1000, MaxIntervalMS: 5000}
	d := broker.Delivery{DeliveryTag: 1, Body: []byte(`{"x":1}`)}

	disp := p.ProcessMessage(context.Background(), "orders", cfg, d)
	assert.Equal(t, ActionAck, disp.Action)
	assert.Equal(t, "webhook_permanent_error", disp.Reason)
	assert.Equal(t, int64(1), p.Stats().Failed)
}

func TestProcessMessage_OutsideBusinessHoursNacksWithoutForwarding(t *testing.T) {
	var called bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := testProcessor(t, srv.URL)
	p.nowFunc = func() time.Time { return time.Date(2024, 1, 1, 22, 0, 0, 0, time.UTC) }
	cfg := Config{WebhookURL: srv.URL, MinIntervalMS: 1000, MaxIntervalMS: 5000, BusinessHours: BusinessHours{StartHour: 8, EndHour: 21}, Timezone: "UTC"}
	d := broker.Delivery{DeliveryTag: 1, Body: []byte(`{"x":1}`)}

	disp := p.ProcessMessage(context.Background(), "orders", cfg, d)
	assert.Equal(t, ActionNack, disp.Action)
	assert.Equal(t, "outside_business_hours", disp.Reason)
	assert.True(t, disp.Requeue)
	assert.False(t, called)
	assert.Equal(t, int64(1), p.Stats().OutsideBusinessHours)
}

func TestResetStats_ZeroesCounters(t *testing.T) {
	p := testProcessor(t, "")
	cfg := Config{WebhookURL: "https://example.com/hook", MinIntervalMS: 1000, MaxIntervalMS: 5000}
	d := broker.Delivery{DeliveryTag: 1, Body: []byte("not-json")}

	p.ProcessMessage(context.Background(), "orders", cfg, d)
	require.Equal(t, int64(1), p.Stats().Failed)

	p.ResetStats()
	assert.Equal(t, Stats{}, p.Stats())
}
