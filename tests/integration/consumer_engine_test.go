package integration

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brokerrelay/internal/audit"
	"brokerrelay/internal/broker"
	"brokerrelay/internal/config"
	"brokerrelay/internal/deduplication"
	"brokerrelay/internal/engine"
	"brokerrelay/internal/logger"
	"brokerrelay/internal/persistence"
	"brokerrelay/internal/processor"
	"brokerrelay/internal/reconnect"
	"brokerrelay/internal/webhook"
)

func declareQueue(t *testing.T, amqpURL, name string) {
	t.Helper()
	conn, err := amqp.Dial(amqpURL)
	require.NoError(t, err)
	defer conn.Close()

	ch, err := conn.Channel()
	require.NoError(t, err)
	defer ch.Close()

	_, err = ch.QueueDeclare(name, true, false, false, false, nil)
	require.NoError(t, err)
}

func publish(t *testing.T, amqpURL, queue string, body []byte) {
	t.Helper()
	conn, err := amqp.Dial(amqpURL)
	require.NoError(t, err)
	defer conn.Close()

	ch, err := conn.Channel()
	require.NoError(t, err)
	defer ch.Close()

	err = ch.PublishWithContext(context.Background(), "", queue, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
	require.NoError(t, err)
}

// TestEngine_ConsumesFromRealBrokerAndAudits drives the engine against a
// live RabbitMQ container end to end: declare a queue, start consuming it
// through the control path, publish a message, and confirm both the
// webhook delivery and the Postgres audit trail observe it.
func TestEngine_ConsumesFromRealBrokerAndAudits(t *testing.T) {
	infra := SetupTestInfra(t)

	const queueName = "integration-orders"
	declareQueue(t, infra.AMQPURL, queueName)

	var received []byte
	webhookSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received = body
		w.WriteHeader(http.StatusOK)
	}))
	defer webhookSrv.Close()

	log := logger.NopLogger()
	brokerClient := broker.New(config.BrokerConfig{URL: infra.AMQPURL, Heartbeat: 10 * time.Second, ConnectionTimeout: 10 * time.Second}, log)

	mirror := deduplication.NewMirror(config.MirrorConfig{Enabled: true, RedisURL: infra.RedisClient.Options().Addr, TTL: time.Minute}, log)
	defer mirror.Close()
	dedupStore := deduplication.NewStore(config.DeduplicationConfig{MaxProcessed: 100, CleanupInterval: time.Hour, StaleAge: time.Hour}, mirror, log)
	defer dedupStore.Shutdown()

	sender := webhook.NewSender(config.WebhookConfig{TimeoutSeconds: 5 * time.Second, MaxAttempts: 1}, log)
	store := persistence.NewStore(t.TempDir() + "/consumers.json")
	reconnector := reconnect.NewController(config.ReconnectionConfig{MaxAttempts: 3, BaseDelay: time.Second, Multiplier: 2, MaxDelay: 10 * time.Second}, brokerClient, log)
	proc := processor.New(dedupStore, sender, log)

	trail := audit.NewTrail(infra.PostgresDB, config.AuditConfig{Enabled: true, QueueSize: 10}, log)
	defer trail.Shutdown(context.Background())

	eng := engine.New(brokerClient, proc, store, sender, reconnector, trail, log)

	ctx := context.Background()
	require.NoError(t, eng.Initialize(ctx))
	defer eng.Shutdown(ctx)

	err := eng.StartConsuming(ctx, queueName, webhookSrv.URL, 10, 20, processor.BusinessHours{}, "integration-test", map[string]string{"trigger": "test"}, true)
	require.NoError(t, err)

	publish(t, infra.AMQPURL, queueName, []byte(`{"order_id":"abc123"}`))

	require.Eventually(t, func() bool {
		return len(received) > 0
	}, 5*time.Second, 50*time.Millisecond)
	assert.Contains(t, string(received), "abc123")

	require.Eventually(t, func() bool {
		records, err := trail.Query(ctx, queueName, 10)
		return err == nil && len(records) > 0
	}, 5*time.Second, 100*time.Millisecond)

	records, err := trail.Query(ctx, queueName, 10)
	require.NoError(t, err)
	require.NotEmpty(t, records)
	assert.Equal(t, "consume", records[0].Action)
	assert.Equal(t, "integration-test", records[0].Actor)
}

// TestDeduplicationMirror_WarmStartsFromRedis confirms a fingerprint written
// by the mirror's async path is visible to a fresh mirror's Initialize scan,
// the mechanism a restarted instance relies on to avoid redelivering a
// message it already processed before the restart.
func TestDeduplicationMirror_WarmStartsFromRedis(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, false, true, false)

	log := logger.NopLogger()
	cfg := config.MirrorConfig{Enabled: true, RedisURL: infra.RedisClient.Options().Addr, TTL: time.Minute}

	writer := deduplication.NewMirror(cfg, log)
	defer writer.Close()
	writer.WriteAsync("fingerprint-xyz")

	require.Eventually(t, func() bool {
		n, err := infra.RedisClient.Exists(context.Background(), "dedupmirror:fingerprint-xyz").Result()
		return err == nil && n == 1
	}, 3*time.Second, 50*time.Millisecond)

	reader := deduplication.NewMirror(cfg, log)
	defer reader.Close()
	fingerprints, err := reader.Initialize(context.Background())
	require.NoError(t, err)
	assert.Contains(t, fingerprints, "fingerprint-xyz")
}
