package deduplication

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brokerrelay/internal/broker"
	"brokerrelay/internal/config"
	"brokerrelay/internal/logger"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	log := logger.NopLogger()
	cfg := config.DeduplicationConfig{MaxProcessed: 3, CleanupInterval: time.Hour, StaleAge: time.Hour}
	s := NewStore(cfg, nil, log)
	t.Cleanup(func() { close(s.stopCh); <-s.doneCh })
	return s
}

func TestFingerprint_StableForSameDelivery(t *testing.T) {
	d := broker.Delivery{DeliveryTag: 7, Body: []byte("payload-contents")}
	assert.Equal(t, Fingerprint(d), Fingerprint(d))
}

func TestFingerprint_DiffersByTag(t *testing.T) {
	a := broker.Delivery{DeliveryTag: 1, Body: []byte("same")}
	b := broker.Delivery{DeliveryTag: 2, Body: []byte("same")}
	assert.NotEqual(t, Fingerprint(a), Fingerprint(b))
}

func TestStore_MarkProcessed_ThenIsProcessed(t *testing.T) {
	s := testStore(t)
	require.False(t, s.IsProcessed("fp-1"))
	s.MarkProcessed("fp-1")
	assert.True(t, s.IsProcessed("fp-1"))
}

func TestStore_MarkProcessed_EvictsOldestOverCapacity(t *testing.T) {
	s := testStore(t)
	s.MarkProcessed("fp-1")
	s.MarkProcessed("fp-2")
	s.MarkProcessed("fp-3")
	s.MarkProcessed("fp-4")

	assert.False(t, s.IsProcessed("fp-1"))
	assert.True(t, s.IsProcessed("fp-4"))
	assert.Equal(t, 3, s.ProcessedCount())
}

func TestStore_ProcessingLifecycle(t *testing.T) {
	s := testStore(t)
	require.False(t, s.IsProcessing("fp-1"))

	s.MarkProcessing("fp-1", ProcessingMeta{Queue: "orders"})
	assert.True(t, s.IsProcessing("fp-1"))

	s.RemoveProcessing("fp-1")
	assert.False(t, s.IsProcessing("fp-1"))
}

func TestStore_Clear_ResetsEverything(t *testing.T) {
	s := testStore(t)
	s.MarkProcessed("fp-1")
	s.MarkProcessing("fp-2", ProcessingMeta{})

	s.Clear()

	assert.False(t, s.IsProcessed("fp-1"))
	assert.False(t, s.IsProcessing("fp-2"))
	assert.Equal(t, 0, s.ProcessedCount())
}

func TestStore_Stats_ReflectsCounts(t *testing.T) {
	s := testStore(t)
	s.MarkProcessed("fp-1")
	s.MarkProcessing("fp-2", ProcessingMeta{})

	stats := s.Stats()
	assert.Equal(t, 1, stats.ProcessedCount)
	assert.Equal(t, 1, stats.ProcessingCount)
	assert.False(t, stats.MirrorEnabled)
}

func TestStore_Shutdown_ReturnsPromptlyWhenNothingInFlight(t *testing.T) {
	log := logger.NopLogger()
	cfg := config.DeduplicationConfig{MaxProcessed: 10, CleanupInterval: time.Hour, StaleAge: time.Hour}
	s := NewStore(cfg, nil, log)

	s.MarkProcessed("fp-1")

	done := make(chan struct{})
	go func() {
		s.Shutdown()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown did not return promptly when nothing is in flight")
	}
}
