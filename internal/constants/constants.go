package constants

import "time"

// Deduplication bounds (spec §3 Deduplication State)
const (
	MaxProcessedFingerprints = 10000
	DedupCleanupInterval     = 60 * time.Second
	DedupStaleAge            = 5 * time.Minute
	FingerprintPayloadChars  = 20
)

// Consumer lifecycle pacing
const (
	MinAllowedIntervalMS = 100
	MaxAllowedIntervalMS = 3600000
	DebounceWindow       = 3 * time.Second
)

// Reconnection backoff (spec §4.5 ShouldAttempt / ScheduleReconnect)
const (
	ReconnectMaxAttempts     = 10
	ReconnectBaseDelay       = 5 * time.Second
	ReconnectMultiplier      = 1.5
	ReconnectMaxDelay        = 60 * time.Second
	ReconnectProbeTimeout    = 5 * time.Second
	ReconnectProbeInterval   = 30 * time.Second
)

// Webhook delivery (spec §4.3 Webhook Sender)
const (
	DefaultWebhookTimeout  = 10 * time.Second
	DefaultWebhookAttempts = 3
	DefaultWebhookBaseWait = 1 * time.Second
)

const (
	DefaultHTTPTimeout = 10 * time.Second
)

const (
	CacheKeyPrefixDedupMirror = "dedupmirror:"
)

const (
	ShutdownTimeout = 30 * time.Second
)

const (
	DefaultLimit       = 100
	MaxLimit           = 1000
	DefaultTruncateLen = 100
)

const (
	DefaultAPIPort = 3000
)

const (
	DefaultBusinessHoursTimezone = "America/Sao_Paulo"
)

const (
	HTTPStatusOKMin = 200
	HTTPStatusOKMax = 400
)

// AMQP reply codes the broker client and reconnection controller classify on.
const (
	AMQPReplyCodeNotFound         = 404
	AMQPReplyCodeNotAllowed       = 406
	AMQPReplyCodeChannelError     = 504
	AMQPReplyCodeUnexpectedFrame  = 505
	AMQPReplyCodeResourceError    = 506
)

const (
	DefaultPersistenceFile = "./data/queue-configurations.json"
)

const (
	DefaultHealthMonitorInterval = 300 * time.Second
)
