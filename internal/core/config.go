// Package core provides the central engine and configuration management for resizebot.
//
// The core package connects messaging platforms with the image codec. It handles:
//
//   - Configuration loading and validation (from YAML files and environment)
//   - Update dispatch to the welcome, image-received and resize-requested handlers
//   - Delivery of events through the bridge loop with a bounded wait
//   - HTTP server for the Telegram webhook, liveness and stats
//
// # Main Components
//
//   - Engine: dispatcher and handlers
//   - Server: HTTP endpoint
//   - Config: configuration structure and loading
//
// # Configuration
//
// Configuration is loaded from an optional YAML file with the following sections:
//
//   - telegram: bot token and delivery mode
//   - discord: optional second platform
//   - server: HTTP port and webhook path
//   - bridge: processing loop sizing and wait timeout
//   - resize: width limits, JPEG quality, download limits
//   - session: pending image expiry
//   - logging: log configuration
//
// # Example Configuration
//
//	telegram:
//	  token: "${TELEGRAM_TOKEN}"
//	  mode: webhook
//	  webhook_url: "https://example.com/webhook"
//	server:
//	  port: 8080
//	resize:
//	  max_width: 12000
package core

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/keepmind9/resizebot/internal/bot"
	"github.com/keepmind9/resizebot/internal/bridge"
	"github.com/keepmind9/resizebot/internal/logger"
	"github.com/keepmind9/resizebot/internal/session"
	"github.com/keepmind9/resizebot/pkg/constants"
	"gopkg.in/yaml.v3"
)

const (
	DefaultPort            = 8080
	DefaultWebhookPath     = "/webhook"
	StatsPath              = "/stats"
	DefaultLogLevel        = "info"
	DefaultLogMaxBackups   = 5
	DefaultBridgeTimeout   = "55s"
	DefaultDownloadTimeout = "30s"
	DefaultSessionTTL      = "0s"
	DefaultCleanupEvery    = "10m"

	// Environment variables
	EnvTelegramToken = "TELEGRAM_TOKEN"
	EnvPort          = "PORT"
	EnvDiscordToken  = "DISCORD_TOKEN"
)

// LoadConfig loads configuration from file and expands environment variables.
// An empty path uses defaults plus environment. Environment overrides are
// applied after the file is parsed.
func LoadConfig(configPath string) (*Config, error) {
	var config Config

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		expandedData, err := expandEnv(string(data))
		if err != nil {
			return nil, fmt.Errorf("failed to expand environment variables: %w", err)
		}

		if err := yaml.Unmarshal([]byte(expandedData), &config); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := applyEnvOverrides(&config); err != nil {
		return nil, err
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// expandEnv replaces ${VAR_NAME} patterns with environment variable values
func expandEnv(input string) (string, error) {
	var missingVars []string

	result := os.Expand(input, func(key string) string {
		if val := os.Getenv(key); val != "" {
			return val
		}
		missingVars = append(missingVars, key)
		return ""
	})

	if len(missingVars) > 0 {
		return "", fmt.Errorf("missing required environment variables: %s",
			strings.Join(missingVars, ", "))
	}

	return result, nil
}

func applyEnvOverrides(config *Config) error {
	if token := os.Getenv(EnvTelegramToken); token != "" {
		config.Telegram.Token = token
	}
	if token := os.Getenv(EnvDiscordToken); token != "" {
		config.Discord.Token = token
	}
	if port := os.Getenv(EnvPort); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvPort, port, err)
		}
		config.Server.Port = p
	}
	return nil
}

// validateConfig applies defaults and checks ranges
func validateConfig(config *Config) error {
	// Telegram
	if config.Telegram.Token == "" {
		return fmt.Errorf("telegram token is required (set %s or telegram.token)", EnvTelegramToken)
	}
	if config.Telegram.Mode == "" {
		config.Telegram.Mode = bot.ModeWebhook
	}
	if config.Telegram.Mode != bot.ModeWebhook && config.Telegram.Mode != bot.ModePolling {
		return fmt.Errorf("telegram.mode must be %q or %q (got %q)", bot.ModeWebhook, bot.ModePolling, config.Telegram.Mode)
	}
	if config.Telegram.WebhookURL != "" {
		u, err := url.Parse(config.Telegram.WebhookURL)
		if err != nil || u.Scheme != "https" || u.Host == "" {
			return fmt.Errorf("telegram.webhook_url must be an absolute https URL (got %q)", config.Telegram.WebhookURL)
		}
	}
	if ep := config.Telegram.APIEndpoint; ep != "" {
		u, err := url.Parse(strings.ReplaceAll(ep, "%s", "x"))
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" || strings.Count(ep, "%s") != 2 {
			return fmt.Errorf("telegram.api_endpoint must be an http(s) URL with two %%s placeholders for token and method (got %q)", ep)
		}
	}

	// Discord
	if config.Discord.Enabled && config.Discord.Token == "" {
		return fmt.Errorf("discord token is required when discord is enabled (set %s or discord.token)", EnvDiscordToken)
	}

	// Server
	if config.Server.Port == 0 {
		config.Server.Port = DefaultPort
	}
	if config.Server.Port < 1 || config.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535 (got %d)", config.Server.Port)
	}
	if config.Server.WebhookPath == "" {
		config.Server.WebhookPath = DefaultWebhookPath
	}
	if !strings.HasPrefix(config.Server.WebhookPath, "/") {
		return fmt.Errorf("server.webhook_path must start with / (got %q)", config.Server.WebhookPath)
	}
	if config.Server.WebhookPath == "/" || config.Server.WebhookPath == StatsPath {
		return fmt.Errorf("server.webhook_path %q collides with a built-in route", config.Server.WebhookPath)
	}

	// Bridge
	if config.Bridge.Workers == 0 {
		config.Bridge.Workers = constants.DefaultBridgeWorkers
	}
	if config.Bridge.QueueSize == 0 {
		config.Bridge.QueueSize = constants.DefaultBridgeQueueSize
	}
	if config.Bridge.Workers < 1 || config.Bridge.Workers > 1024 {
		return fmt.Errorf("bridge.workers must be between 1 and 1024 (got %d)", config.Bridge.Workers)
	}
	if config.Bridge.QueueSize < 1 {
		return fmt.Errorf("bridge.queue_size must be positive (got %d)", config.Bridge.QueueSize)
	}
	if config.Bridge.Timeout == "" {
		config.Bridge.Timeout = DefaultBridgeTimeout
	}
	timeout, err := time.ParseDuration(config.Bridge.Timeout)
	if err != nil {
		return fmt.Errorf("invalid bridge.timeout: %w", err)
	}
	if timeout < constants.MinBridgeTimeout || timeout > constants.MaxBridgeTimeout {
		return fmt.Errorf("bridge.timeout must be between %v and %v (got %v)",
			constants.MinBridgeTimeout, constants.MaxBridgeTimeout, timeout)
	}

	// Resize
	if config.Resize.MinWidth == 0 {
		config.Resize.MinWidth = constants.MinTargetWidth
	}
	if config.Resize.MaxWidth == 0 {
		config.Resize.MaxWidth = constants.MaxTargetWidth
	}
	if config.Resize.MinWidth < 1 {
		return fmt.Errorf("resize.min_width must be positive (got %d)", config.Resize.MinWidth)
	}
	if config.Resize.MaxWidth > constants.MaxTargetWidth {
		return fmt.Errorf("resize.max_width must be at most %d (got %d)", constants.MaxTargetWidth, config.Resize.MaxWidth)
	}
	if config.Resize.MinWidth > config.Resize.MaxWidth {
		return fmt.Errorf("resize.min_width (%d) must not exceed resize.max_width (%d)",
			config.Resize.MinWidth, config.Resize.MaxWidth)
	}
	if config.Resize.JPEGQuality == 0 {
		config.Resize.JPEGQuality = constants.DefaultJPEGQuality
	}
	if config.Resize.JPEGQuality < 1 || config.Resize.JPEGQuality > 100 {
		return fmt.Errorf("resize.jpeg_quality must be between 1 and 100 (got %d)", config.Resize.JPEGQuality)
	}
	if config.Resize.DownloadTimeout == "" {
		config.Resize.DownloadTimeout = DefaultDownloadTimeout
	}
	if d, err := time.ParseDuration(config.Resize.DownloadTimeout); err != nil || d <= 0 {
		return fmt.Errorf("invalid resize.download_timeout %q", config.Resize.DownloadTimeout)
	}
	if config.Resize.MaxFileSize == 0 {
		config.Resize.MaxFileSize = constants.DefaultMaxFileSize
	}
	if config.Resize.MaxFileSize < 0 {
		return fmt.Errorf("resize.max_file_size must be positive (got %d)", config.Resize.MaxFileSize)
	}
	if config.Resize.MaxPixels == 0 {
		config.Resize.MaxPixels = constants.DefaultMaxPixels
	}
	if config.Resize.MaxPixels < 0 {
		return fmt.Errorf("resize.max_pixels must be positive (got %d)", config.Resize.MaxPixels)
	}

	// Session
	if config.Session.TTL == "" {
		config.Session.TTL = DefaultSessionTTL
	}
	if config.Session.CleanupInterval == "" {
		config.Session.CleanupInterval = DefaultCleanupEvery
	}
	if d, err := time.ParseDuration(config.Session.TTL); err != nil || d < 0 {
		return fmt.Errorf("invalid session.ttl %q", config.Session.TTL)
	}
	if d, err := time.ParseDuration(config.Session.CleanupInterval); err != nil || d < 0 {
		return fmt.Errorf("invalid session.cleanup_interval %q", config.Session.CleanupInterval)
	}

	// Logging
	if config.Logging.Level == "" {
		config.Logging.Level = DefaultLogLevel
	}
	if config.Logging.MaxSize == 0 {
		config.Logging.MaxSize = constants.DefaultLogMaxSize
	}
	if config.Logging.MaxBackups == 0 {
		config.Logging.MaxBackups = DefaultLogMaxBackups
	}
	if config.Logging.MaxAge == 0 {
		config.Logging.MaxAge = constants.DefaultLogMaxAge
	}
	if config.Logging.Compress == nil {
		config.Logging.Compress = boolPtr(true)
	}
	if config.Logging.EnableStdout == nil {
		config.Logging.EnableStdout = boolPtr(true)
	}

	return nil
}

func boolPtr(b bool) *bool {
	return &b
}

// durationOr parses s, returning def for values validateConfig would reject
func durationOr(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// BridgeSettings returns the processing loop configuration
func (c *Config) BridgeSettings() bridge.Config {
	return bridge.Config{
		Workers:   c.Bridge.Workers,
		QueueSize: c.Bridge.QueueSize,
		Timeout:   durationOr(c.Bridge.Timeout, constants.DefaultBridgeTimeout),
	}
}

// SessionSettings returns the session store configuration
func (c *Config) SessionSettings() session.Config {
	return session.Config{
		TTL:             durationOr(c.Session.TTL, constants.DefaultSessionTTL),
		CleanupInterval: durationOr(c.Session.CleanupInterval, constants.DefaultSessionCleanupInterval),
	}
}

// TelegramSettings returns the Telegram adapter configuration
func (c *Config) TelegramSettings() bot.TelegramConfig {
	return bot.TelegramConfig{
		Token:              c.Telegram.Token,
		Mode:               c.Telegram.Mode,
		WebhookURL:         c.Telegram.WebhookURL,
		APIEndpoint:        c.Telegram.APIEndpoint,
		WebhookSecret:      c.Telegram.WebhookSecret,
		DropPendingUpdates: c.Telegram.DropPendingUpdates,
		DownloadTimeout:    durationOr(c.Resize.DownloadTimeout, constants.DefaultDownloadTimeout),
		MaxFileSize:        c.Resize.MaxFileSize,
	}
}

// DiscordSettings returns the Discord adapter configuration
func (c *Config) DiscordSettings() bot.DiscordConfig {
	return bot.DiscordConfig{
		Token:           c.Discord.Token,
		DownloadTimeout: durationOr(c.Resize.DownloadTimeout, constants.DefaultDownloadTimeout),
		MaxFileSize:     c.Resize.MaxFileSize,
	}
}

// LoggerSettings returns the logger configuration
func (c *Config) LoggerSettings() logger.Config {
	return logger.Config{
		Level:        c.Logging.Level,
		Format:       c.Logging.Format,
		File:         c.Logging.File,
		MaxSize:      c.Logging.MaxSize,
		MaxBackups:   c.Logging.MaxBackups,
		MaxAge:       c.Logging.MaxAge,
		Compress:     c.Logging.Compress == nil || *c.Logging.Compress,
		EnableStdout: c.Logging.EnableStdout == nil || *c.Logging.EnableStdout,
	}
}
