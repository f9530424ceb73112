package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brokerrelay/internal/engine"
	"brokerrelay/internal/logger"
	"brokerrelay/internal/persistence"
	"brokerrelay/internal/processor"
	"brokerrelay/internal/webhook"
	"brokerrelay/internal/config"
	pkgerrors "brokerrelay/pkg/errors"
)

type fakeEngine struct {
	queues           map[string]engine.Info
	resetStatsCalled bool
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{queues: map[string]engine.Info{}}
}

func (f *fakeEngine) StartConsuming(ctx context.Context, name, webhookURL string, minMS, maxMS int, hours processor.BusinessHours, actor string, requestBody interface{}, audited bool) error {
	if name == "missing" {
		return pkgerrors.ErrNotFound.WithDetail("queue", name)
	}
	f.queues[name] = engine.Info{Name: name, WebhookURL: webhookURL, MinIntervalMS: minMS, MaxIntervalMS: maxMS, State: engine.StateRunning}
	return nil
}

func (f *fakeEngine) PauseConsuming(ctx context.Context, name, actor string) error {
	q, ok := f.queues[name]
	if !ok {
		return pkgerrors.ErrNotFound.WithDetail("queue", name)
	}
	q.Paused = true
	f.queues[name] = q
	return nil
}

func (f *fakeEngine) ResumeConsuming(ctx context.Context, name, actor string) error {
	q, ok := f.queues[name]
	if !ok {
		return pkgerrors.ErrNotFound.WithDetail("queue", name)
	}
	q.Paused = false
	f.queues[name] = q
	return nil
}

func (f *fakeEngine) StopConsuming(ctx context.Context, name, reason, actor string, manual bool) error {
	if _, ok := f.queues[name]; !ok {
		return pkgerrors.ErrNotFound.WithDetail("queue", name)
	}
	delete(f.queues, name)
	return nil
}

func (f *fakeEngine) QueueInfo(name string) (engine.Info, bool) {
	q, ok := f.queues[name]
	return q, ok
}

func (f *fakeEngine) ActiveQueues() []engine.Info {
	out := make([]engine.Info, 0, len(f.queues))
	for _, q := range f.queues {
		out = append(out, q)
	}
	return out
}

func (f *fakeEngine) InspectQueue(name string) (engine.QueueInspection, error) {
	q, ok := f.queues[name]
	if !ok {
		return engine.QueueInspection{}, pkgerrors.ErrNotFound.WithDetail("queue", name)
	}
	return engine.QueueInspection{Name: name, IsActive: true, Config: &q}, nil
}

func (f *fakeEngine) CleanupOrphans(ctx context.Context) ([]string, error) {
	return []string{}, nil
}

func (f *fakeEngine) RestorePersisted(ctx context.Context) (engine.RestoreResult, error) {
	return engine.RestoreResult{}, nil
}

func (f *fakeEngine) Stats() map[string]interface{} {
	return map[string]interface{}{"active_queues": len(f.queues)}
}

func (f *fakeEngine) ResetStats() {
	f.resetStatsCalled = true
}

func testRouter(t *testing.T) (*gin.Engine, *fakeEngine) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	eng := newFakeEngine()
	store := persistence.NewStore(t.TempDir() + "/consumers.json")
	sender := webhook.NewSender(config.WebhookConfig{}, logger.NopLogger())

	h := NewHandler(eng, store, sender, nil, logger.NopLogger())
	router := gin.New()
	h.RegisterRoutes(router)
	return router, eng
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestConsume_StartsQueue(t *testing.T) {
	router, eng := testRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/consume", ConsumeRequest{
		Queue: "orders", Webhook: "https://example.com/hook", MinInterval: 1000, MaxInterval: 5000,
	})

	assert.Equal(t, http.StatusCreated, rec.Code)
	_, ok := eng.queues["orders"]
	assert.True(t, ok)
}

func TestConsume_MissingQueueReturns404(t *testing.T) {
	router, _ := testRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/consume", ConsumeRequest{
		Queue: "missing", Webhook: "https://example.com/hook",
	})

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPauseAndResume(t *testing.T) {
	router, eng := testRouter(t)
	eng.queues["orders"] = engine.Info{Name: "orders"}

	rec := doJSON(t, router, http.MethodPost, "/pause", QueueRequest{Queue: "orders"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, eng.queues["orders"].Paused)

	rec = doJSON(t, router, http.MethodPost, "/resume", QueueRequest{Queue: "orders"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, eng.queues["orders"].Paused)
}

func TestStop_RemovesQueue(t *testing.T) {
	router, eng := testRouter(t)
	eng.queues["orders"] = engine.Info{Name: "orders"}

	rec := doJSON(t, router, http.MethodPost, "/stop", QueueRequest{Queue: "orders"})
	assert.Equal(t, http.StatusOK, rec.Code)
	_, ok := eng.queues["orders"]
	assert.False(t, ok)
}

func TestActiveQueues_ListsAll(t *testing.T) {
	router, eng := testRouter(t)
	eng.queues["orders"] = engine.Info{Name: "orders"}
	eng.queues["invoices"] = engine.Info{Name: "invoices"}

	rec := doJSON(t, router, http.MethodGet, "/active-queues", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var out []queueInfoResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Len(t, out, 2)
}

func TestAudit_ReturnsEmptyWhenDisabled(t *testing.T) {
	router, _ := testRouter(t)

	rec := doJSON(t, router, http.MethodGet, "/audit", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]", rec.Body.String())
}

func TestWebhookTest_RejectsInvalidURL(t *testing.T) {
	router, _ := testRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/webhook/test", WebhookTestRequest{URL: "not-a-url"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestResetStats_DelegatesToEngine(t *testing.T) {
	router, eng := testRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/stats/reset", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, eng.resetStatsCalled)
}
