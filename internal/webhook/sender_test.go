package webhook

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brokerrelay/internal/config"
	"brokerrelay/internal/logger"
)

func testSender(cfg config.WebhookConfig) *Sender {
	return NewSender(cfg, logger.NopLogger())
}

func TestSend_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := testSender(config.WebhookConfig{TimeoutSeconds: time.Second})
	res := s.Send(context.Background(), "orders", srv.URL, map[string]string{"x": "y"})

	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeSuccess, res.Outcome)
}

func TestSend_TerminalOn4xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	s := testSender(config.WebhookConfig{TimeoutSeconds: time.Second})
	res := s.Send(context.Background(), "orders", srv.URL, map[string]string{})

	assert.Equal(t, OutcomeTerminal, res.Outcome)
}

func TestSend_RetryableOn5xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := testSender(config.WebhookConfig{TimeoutSeconds: time.Second})
	res := s.Send(context.Background(), "orders", srv.URL, map[string]string{})

	assert.Equal(t, OutcomeRetryable, res.Outcome)
}

func TestSendWithRetry_StopsOnTerminal(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	s := testSender(config.WebhookConfig{TimeoutSeconds: time.Second, MaxAttempts: 5, BaseWait: time.Millisecond})
	res := s.SendWithRetry(context.Background(), "orders", srv.URL, map[string]string{})

	assert.Equal(t, OutcomeTerminal, res.Outcome)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestSendWithRetry_RetriesThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := testSender(config.WebhookConfig{TimeoutSeconds: time.Second, MaxAttempts: 5, BaseWait: time.Millisecond})
	res := s.SendWithRetry(context.Background(), "orders", srv.URL, map[string]string{})

	assert.Equal(t, OutcomeSuccess, res.Outcome)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestStats_TracksSentAndFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := testSender(config.WebhookConfig{TimeoutSeconds: time.Second, MaxAttempts: 1})
	s.SendWithRetry(context.Background(), "orders", srv.URL, map[string]string{})

	stats := s.Stats("orders")
	assert.Equal(t, int64(1), stats.Sent)
	assert.Equal(t, int64(0), stats.Failed)
}

func TestTestWebhook_ReportsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	s := testSender(config.WebhookConfig{TimeoutSeconds: time.Second})
	ok, status, _, err := s.TestWebhook(context.Background(), srv.URL)

	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, http.StatusAccepted, status)
}

func TestTestWebhook_RejectsInvalidURL(t *testing.T) {
	s := testSender(config.WebhookConfig{TimeoutSeconds: time.Second})
	_, _, _, err := s.TestWebhook(context.Background(), "not-a-url")
	assert.Error(t, err)
}
