package core

import (
	"sync/atomic"

	"github.com/keepmind9/resizebot/internal/bridge"
)

// Config represents the complete resizebot configuration structure
type Config struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Discord  DiscordConfig  `yaml:"discord"`
	Server   ServerConfig   `yaml:"server"`
	Bridge   BridgeConfig   `yaml:"bridge"`
	Resize   ResizeConfig   `yaml:"resize"`
	Session  SessionConfig  `yaml:"session"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// TelegramConfig represents Telegram bot configuration
type TelegramConfig struct {
	Token              string `yaml:"token"`
	Mode               string `yaml:"mode"`                 // webhook or polling (default: webhook)
	WebhookURL         string `yaml:"webhook_url"`          // Public HTTPS URL registered with setWebhook (optional)
	WebhookSecret      string `yaml:"webhook_secret"`       // Expected X-Telegram-Bot-Api-Secret-Token (optional)
	DropPendingUpdates bool   `yaml:"drop_pending_updates"` // Discard updates queued while the bot was down
	APIEndpoint        string `yaml:"api_endpoint"`         // Self-hosted Bot API server, e.g. "http://localhost:8081/bot%s/%s"
}

// DiscordConfig represents Discord bot configuration
type DiscordConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Port        int    `yaml:"port"`         // Overridden by PORT (default: 8080)
	WebhookPath string `yaml:"webhook_path"` // default: /webhook
}

// BridgeConfig represents processing loop configuration
type BridgeConfig struct {
	Workers   int    `yaml:"workers"`    // Shard goroutines (default: 4)
	QueueSize int    `yaml:"queue_size"` // Per-shard queue length (default: 100)
	Timeout   string `yaml:"timeout"`    // Bounded wait per event, 1s-10m (default: 55s)
}

// ResizeConfig represents image handling limits
type ResizeConfig struct {
	MinWidth        int    `yaml:"min_width"`        // default: 10
	MaxWidth        int    `yaml:"max_width"`        // default: 12000
	JPEGQuality     int    `yaml:"jpeg_quality"`     // 1-100 (default: 92)
	DownloadTimeout string `yaml:"download_timeout"` // default: 30s
	MaxFileSize     int64  `yaml:"max_file_size"`    // Bytes (default: 20 MiB)
	MaxPixels       int64  `yaml:"max_pixels"`       // Width*height limit for source and result (default: 178956970)
}

// SessionConfig represents pending image session configuration
type SessionConfig struct {
	TTL             string `yaml:"ttl"`              // Expiry of a pending image (default: 0, kept until consumed)
	CleanupInterval string `yaml:"cleanup_interval"` // default: 10m
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`         // debug, info, warn, error
	Format       string `yaml:"format"`        // json or text
	File         string `yaml:"file"`          // Log file path
	MaxSize      int    `yaml:"max_size"`      // Single file max size in MB (default: 100)
	MaxBackups   int    `yaml:"max_backups"`   // Number of backups to keep (default: 5)
	MaxAge       int    `yaml:"max_age"`       // Maximum days to retain (default: 30)
	Compress     *bool  `yaml:"compress"`      // Whether to compress old logs (default: true)
	EnableStdout *bool  `yaml:"enable_stdout"` // Also output to stdout (default: true)
}

// HandledStats counts dispatcher outcomes
type HandledStats struct {
	Commands int64 `json:"commands"`
	Images   int64 `json:"images"`
	Resizes  int64 `json:"resizes"`
	Rejected int64 `json:"rejected"`
	Ignored  int64 `json:"ignored"`
	Errors   int64 `json:"errors"`
}

// Stats is the payload served on /stats
type Stats struct {
	PendingSessions int          `json:"pending_sessions"`
	Bridge          bridge.Stats `json:"bridge"`
	Handled         HandledStats `json:"handled"`
}

type handledCounters struct {
	commands atomic.Int64
	images   atomic.Int64
	resizes  atomic.Int64
	rejected atomic.Int64
	ignored  atomic.Int64
	errors   atomic.Int64
}

func (c *handledCounters) snapshot() HandledStats {
	return HandledStats{
		Commands: c.commands.Load(),
		Images:   c.images.Load(),
		Resizes:  c.resizes.Load(),
		Rejected: c.rejected.Load(),
		Ignored:  c.ignored.Load(),
		Errors:   c.errors.Load(),
	}
}
