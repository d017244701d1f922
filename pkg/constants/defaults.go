package constants

// Default timeout values used by client packages
const (
	DefaultHTTPTimeoutSec       = 30
	DefaultSignalHTTPTimeoutSec = 60
	DefaultWhatsAppTimeoutMs    = 30000
	DefaultSignalPollTimeoutSec = 10
)

// Circuit breaker tuning shared by the REST clients.
const (
	DefaultBreakerMaxFailures uint32 = 5
	DefaultBreakerTimeoutSec         = 30
)

// Signal receive loop.
const (
	SignalMaxConsecutiveFailures = 3
	SignalPollBackoffMs          = 500
)

const (
	BytesPerMegabyte        = 1024 * 1024
	MaxInlineAttachmentMB   = 16
	MimeDetectionBufferSize = 512
)
