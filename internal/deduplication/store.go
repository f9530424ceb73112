package deduplication

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"brokerrelay/internal/broker"
	"brokerrelay/internal/config"
	"brokerrelay/internal/logger"
	"brokerrelay/pkg/metrics"
)

// Store is the authoritative, in-process deduplication state. The optional
// Mirror replicates MarkProcessed calls to Redis for warm-starting a second
// instance; it is never consulted for IsProcessed/IsProcessing decisions.
type Store struct {
	cfg    config.DeduplicationConfig
	logger logger.Logger
	mirror *Mirror

	mu          sync.Mutex
	order       []string
	processed   map[string]struct{}
	inflight    map[string]ProcessingMeta

	stopCh chan struct{}
	doneCh chan struct{}
}

func NewStore(cfg config.DeduplicationConfig, mirror *Mirror, log logger.Logger) *Store {
	s := &Store{
		cfg:       cfg,
		logger:    log,
		mirror:    mirror,
		processed: make(map[string]struct{}),
		inflight:  make(map[string]ProcessingMeta),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}

	if mirror != nil {
		if warm, err := mirror.Initialize(context.Background()); err != nil {
			log.Warnw("dedup mirror warm-start failed", "error", err)
		} else {
			for _, id := range warm {
				s.processed[id] = struct{}{}
				s.order = append(s.order, id)
			}
			log.Infow("dedup store warm-started from mirror", "count", len(warm))
		}
	}

	go s.sweepLoop()
	return s
}

// Fingerprint derives a dedup key from a delivery: delivery tag plus the
// first 20 characters of the base64-encoded payload, falling back to the
// delivery tag plus the current time in milliseconds when the payload is empty.
func Fingerprint(d broker.Delivery) string {
	encoded := base64.StdEncoding.EncodeToString(d.Body)
	if len(encoded) > 20 {
		encoded = encoded[:20]
	}
	if encoded == "" {
		return fmt.Sprintf("%d_%d", d.DeliveryTag, time.Now().UnixMilli())
	}
	return fmt.Sprintf("%d_%s", d.DeliveryTag, encoded)
}

func (s *Store) IsProcessed(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.processed[id]
	return ok
}

func (s *Store) MarkProcessed(id string) {
	s.mu.Lock()
	if _, exists := s.processed[id]; !exists {
		s.processed[id] = struct{}{}
		s.order = append(s.order, id)
		s.evictIfOverCapacity()
	}
	s.mu.Unlock()

	metrics.SetDedupSetSize("", s.ProcessedCount())

	if s.mirror != nil {
		s.mirror.WriteAsync(id)
	}
}

func (s *Store) evictIfOverCapacity() {
	maxProcessed := s.cfg.MaxProcessed
	if maxProcessed <= 0 {
		return
	}
	for len(s.order) > maxProcessed {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.processed, oldest)
	}
}

func (s *Store) IsProcessing(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inflight[id]
	return ok
}

func (s *Store) MarkProcessing(id string, meta ProcessingMeta) {
	if meta.StartedAt.IsZero() {
		meta.StartedAt = time.Now()
	}
	s.mu.Lock()
	s.inflight[id] = meta
	s.mu.Unlock()
}

func (s *Store) RemoveProcessing(id string) {
	s.mu.Lock()
	delete(s.inflight, id)
	s.mu.Unlock()
}

func (s *Store) Clear() {
	s.mu.Lock()
	s.processed = make(map[string]struct{})
	s.order = nil
	s.inflight = make(map[string]ProcessingMeta)
	s.mu.Unlock()
}

func (s *Store) ProcessedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.processed)
}

func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{
		ProcessedCount:  len(s.processed),
		ProcessingCount: len(s.inflight),
		MaxProcessed:    s.cfg.MaxProcessed,
	}
	if s.mirror != nil {
		st.MirrorEnabled = true
		st.MirrorState = s.mirror.State()
	}
	return st
}

// Shutdown waits up to 30 seconds for in-flight entries to drain, polling
// every second, then forcibly clears remaining state.
func (s *Store) Shutdown() {
	close(s.stopCh)
	<-s.doneCh

	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		if s.inflightCount() == 0 {
			return
		}
		time.Sleep(1 * time.Second)
	}

	s.logger.Warnw("dedup store shutdown timed out with entries still in flight", "count", s.inflightCount())
	s.Clear()
}

func (s *Store) inflightCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

func (s *Store) sweepLoop() {
	defer close(s.doneCh)

	cleanupInterval := s.cfg.CleanupInterval
	if cleanupInterval <= 0 {
		cleanupInterval = 60 * time.Second
	}
	staleAge := s.cfg.StaleAge
	if staleAge <= 0 {
		staleAge = 5 * time.Minute
	}

	cleanupTicker := time.NewTicker(cleanupInterval)
	defer cleanupTicker.Stop()
	staleTicker := time.NewTicker(staleAge / 2)
	defer staleTicker.Stop()

	for {
		select {
		case <-cleanupTicker.C:
			s.trimProcessed()
		case <-staleTicker.C:
			s.trimStaleInflight(staleAge)
		case <-s.stopCh:
			return
		}
	}
}

func (s *Store) trimProcessed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictIfOverCapacity()
}

func (s *Store) trimStaleInflight(staleAge time.Duration) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, meta := range s.inflight {
		if now.Sub(meta.StartedAt) > staleAge {
			delete(s.inflight, id)
			s.logger.Warnw("removed stale in-flight dedup entry", "fingerprint", id, "queue", meta.Queue)
		}
	}
}
