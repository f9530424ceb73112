package deduplication

import "time"

// ProcessingMeta is attached to a fingerprint while its delivery is in flight.
type ProcessingMeta struct {
	StartedAt time.Time
	Queue     string
	Extra     map[string]interface{}
}

// Stats is a point-in-time snapshot of the store's internal bookkeeping.
type Stats struct {
	ProcessedCount  int
	ProcessingCount int
	MaxProcessed    int
	MirrorEnabled   bool
	MirrorState     string
}
