package constants

import "time"

// Resize limits
const (
	// MinTargetWidth is the smallest width a user may request
	MinTargetWidth = 10
	// MaxTargetWidth is the largest width a user may request
	MaxTargetWidth = 12000
	// DefaultJPEGQuality is the encoder quality used for JPEG output
	DefaultJPEGQuality = 92
	// DefaultMaxPixels bounds width*height of decoded and resized images (Pillow's decompression bomb limit)
	DefaultMaxPixels = 178956970
	// DefaultImageFormat is assumed when the decoder reports no format
	DefaultImageFormat = "JPEG"
	// ResizedFileBaseName is the base name of files sent back to users
	ResizedFileBaseName = "resized"
)

// Transfer limits
const (
	// DefaultMaxFileSize caps attachment downloads (Telegram bots can fetch up to 20MB)
	DefaultMaxFileSize = 20 << 20
	// MaxWebhookBodySize caps the webhook request body
	MaxWebhookBodySize = 1 << 20
	// MaxTelegramCaptionLength is Telegram's caption character limit
	MaxTelegramCaptionLength = 1024
	// MaxDiscordMessageLength is Discord's message character limit
	MaxDiscordMessageLength = 2000
)

// Timeouts and delays
const (
	// DefaultBridgeTimeout bounds how long a request waits for its update to be processed
	DefaultBridgeTimeout = 55 * time.Second
	// MinBridgeTimeout is the lower bound accepted for bridge.timeout
	MinBridgeTimeout = time.Second
	// MaxBridgeTimeout is the upper bound accepted for bridge.timeout
	MaxBridgeTimeout = 10 * time.Minute
	// DefaultDownloadTimeout bounds a single attachment download
	DefaultDownloadTimeout = 30 * time.Second
	// DefaultPollTimeout is the timeout for long polling operations
	DefaultPollTimeout = 60 * time.Second
	// NotifyTimeout bounds the best-effort apology sent after a failed update
	NotifyTimeout = 10 * time.Second
	// ShutdownTimeout bounds graceful HTTP shutdown
	ShutdownTimeout = 5 * time.Second
	// StatusRequestTimeout bounds the status command's HTTP call
	StatusRequestTimeout = 5 * time.Second
)

// Bridge sizing
const (
	// DefaultBridgeWorkers is the number of processing shards
	DefaultBridgeWorkers = 4
	// DefaultBridgeQueueSize is the per-shard queue length
	DefaultBridgeQueueSize = 100
)

// Session cache
const (
	// DefaultSessionTTL is how long a pending image waits for a width; zero keeps it until consumed
	DefaultSessionTTL = time.Duration(0)
	// DefaultSessionCleanupInterval is how often expired sessions are purged
	DefaultSessionCleanupInterval = 10 * time.Minute
)

// Token masking
const (
	// MinSecretLengthForMasking is the minimum secret length to apply masking
	MinSecretLengthForMasking = 10
	// SecretMaskPrefixLength is the length of prefix to show before masking
	SecretMaskPrefixLength = 4
	// SecretMaskSuffixLength is the length of suffix to show after masking
	SecretMaskSuffixLength = 4
)

// Logging defaults
const (
	// DefaultLogMaxSize is the default maximum log file size in MB
	DefaultLogMaxSize = 100
	// DefaultLogMaxAge is the default maximum number of days to retain old logs
	DefaultLogMaxAge = 30
)
