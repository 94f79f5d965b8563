package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/keepmind9/resizebot/internal/bot"
	"github.com/keepmind9/resizebot/internal/core"
	"github.com/spf13/cobra"
)

var (
	validateConfigFile string
	validateShow       bool
	validateJSON       bool
)

// ValidationResult represents the validation result
type ValidationResult struct {
	Valid       bool     `json:"valid"`
	Config      string   `json:"config"`
	Mode        string   `json:"mode,omitempty"`
	Port        int      `json:"port,omitempty"`
	WebhookPath string   `json:"webhook_path,omitempty"`
	Discord     bool     `json:"discord"`
	Errors      []string `json:"errors,omitempty"`
	Warnings    []string `json:"warnings,omitempty"`
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate resizebot configuration",
	Long: `Validate the configuration (file plus environment) without starting the bot.

This command checks:
  - YAML syntax and ${VAR} expansion
  - Required tokens
  - Value ranges (bridge timeout, widths, JPEG quality, ...)

Exit codes:
  0 - Configuration is valid
  1 - Configuration has errors`,
	Run: func(cmd *cobra.Command, args []string) {
		result, cfg := validateFile(validateConfigFile)

		out := cmd.OutOrStdout()
		if validateShow && cfg != nil {
			showConfig(out, cfg)
		}
		outputValidationResult(out, result, validateJSON)

		if !result.Valid {
			os.Exit(1)
		}
	},
}

// validateFile loads path (empty means environment only) and collects warnings
func validateFile(path string) (ValidationResult, *core.Config) {
	name := path
	if name == "" {
		name = "(environment)"
	}

	cfg, err := core.LoadConfig(path)
	if err != nil {
		return ValidationResult{
			Valid:  false,
			Config: name,
			Errors: []string{err.Error()},
		}, nil
	}

	return ValidationResult{
		Valid:       true,
		Config:      name,
		Mode:        cfg.Telegram.Mode,
		Port:        cfg.Server.Port,
		WebhookPath: cfg.Server.WebhookPath,
		Discord:     cfg.Discord.Enabled,
		Warnings:    validateConfigDetails(cfg),
	}, cfg
}

// validateConfigDetails reports settings that are legal but probably unintended
func validateConfigDetails(cfg *core.Config) []string {
	var warnings []string

	if cfg.Telegram.Mode == bot.ModeWebhook {
		if cfg.Telegram.WebhookURL == "" {
			warnings = append(warnings, "telegram.webhook_url is empty: the webhook must be registered manually")
		}
		if cfg.Telegram.WebhookSecret == "" {
			warnings = append(warnings, "telegram.webhook_secret is empty: webhook requests are not authenticated")
		}
	}
	if ttl := cfg.SessionSettings().TTL; ttl > 0 && ttl < time.Minute {
		warnings = append(warnings, "session.ttl is under a minute: images may expire before users reply with a width")
	}
	if cfg.BridgeSettings().Timeout >= time.Minute && cfg.Telegram.Mode == bot.ModeWebhook {
		warnings = append(warnings, "bridge.timeout is 60s or more: Telegram may redeliver slow webhook updates")
	}

	return warnings
}

func showConfig(out io.Writer, cfg *core.Config) {
	fmt.Fprintf(out, "Telegram:\n")
	fmt.Fprintf(out, "  - mode: %s\n", cfg.Telegram.Mode)
	if cfg.Telegram.WebhookURL != "" {
		fmt.Fprintf(out, "  - webhook_url: %s\n", cfg.Telegram.WebhookURL)
	}
	fmt.Fprintf(out, "Discord: %v\n", cfg.Discord.Enabled)
	fmt.Fprintf(out, "Server: port %d, webhook %s\n", cfg.Server.Port, cfg.Server.WebhookPath)
	fmt.Fprintf(out, "Bridge: %d workers, queue %d, timeout %s\n",
		cfg.Bridge.Workers, cfg.Bridge.QueueSize, cfg.Bridge.Timeout)
	fmt.Fprintf(out, "Resize: width %d-%d, jpeg quality %d, max file %d bytes, max %d pixels\n",
		cfg.Resize.MinWidth, cfg.Resize.MaxWidth, cfg.Resize.JPEGQuality, cfg.Resize.MaxFileSize, cfg.Resize.MaxPixels)
	fmt.Fprintf(out, "Session: ttl %s\n", cfg.Session.TTL)
	fmt.Fprintln(out)
}

func outputValidationResult(out io.Writer, result ValidationResult, jsonFormat bool) {
	if jsonFormat {
		output, err := json.Marshal(result)
		if err != nil {
			fmt.Fprintf(out, "{\"error\": \"failed to marshal json: %v\"}\n", err)
			return
		}
		fmt.Fprintln(out, string(output))
		return
	}

	if result.Valid {
		fmt.Fprintln(out, "✓ Configuration is valid")
		fmt.Fprintf(out, "  - Config: %s\n", result.Config)
		fmt.Fprintf(out, "  - Mode: %s\n", result.Mode)
		fmt.Fprintf(out, "  - Listen: :%d%s\n", result.Port, result.WebhookPath)
		if len(result.Warnings) > 0 {
			fmt.Fprintln(out, "\n⚠ Warnings:")
			for _, w := range result.Warnings {
				fmt.Fprintf(out, "  - %s\n", w)
			}
		}
		return
	}

	fmt.Fprintln(out, "❌ Configuration is invalid")
	fmt.Fprintf(out, "  - Config: %s\n", result.Config)
	for _, e := range result.Errors {
		fmt.Fprintf(out, "  - %s\n", e)
	}
}

func init() {
	validateCmd.Flags().StringVarP(&validateConfigFile, "config", "c", "", "Configuration file path (optional)")
	validateCmd.Flags().BoolVar(&validateShow, "show", false, "Show the effective configuration")
	validateCmd.Flags().BoolVar(&validateJSON, "json", false, "Output in JSON format")
}
