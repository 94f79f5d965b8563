package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/keepmind9/resizebot/internal/bot"
	"github.com/keepmind9/resizebot/internal/bridge"
	"github.com/keepmind9/resizebot/internal/codec"
	"github.com/keepmind9/resizebot/internal/core"
	"github.com/keepmind9/resizebot/internal/logger"
	"github.com/keepmind9/resizebot/internal/session"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	serveConfigFile string
	servePolling    bool
	serveValidate   bool

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the bot",
		Long: `Start the HTTP server and the bot adapters.

In webhook mode (default) Telegram updates arrive on the webhook route. With
--polling the bot long-polls Telegram instead, which is convenient for local
testing. The HTTP server keeps serving liveness and stats in both modes.

TELEGRAM_TOKEN must be set unless the config file provides telegram.token.`,
		Run: func(cmd *cobra.Command, args []string) {
			config, err := loadServeConfig(serveConfigFile, servePolling)
			if err != nil {
				log.Fatalf("Failed to load config: %v", err)
			}

			if serveValidate {
				fmt.Println("✓ Configuration is valid")
				return
			}

			if err := runServe(config); err != nil {
				log.Fatalf("resizebot error: %v", err)
			}
		},
	}
)

func loadServeConfig(path string, polling bool) (*core.Config, error) {
	config, err := core.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if polling {
		config.Telegram.Mode = bot.ModePolling
	}
	return config, nil
}

// app holds the long-lived components built at startup
type app struct {
	loop     *bridge.Loop
	engine   *core.Engine
	server   *core.Server
	telegram *bot.TelegramBot
	// extra holds optional platforms; a failure to start one is logged, not fatal
	extra []bot.BotAdapter
}

// newApp wires the components; nothing is started yet
func newApp(config *core.Config) *app {
	loop := bridge.NewLoop(config.BridgeSettings())
	store := session.NewStore(config.SessionSettings())
	engine := core.NewEngine(config, loop, store, codec.NewImaging(config.Resize.JPEGQuality, config.Resize.MaxPixels))

	telegram := bot.NewTelegramBot(config.TelegramSettings())
	engine.RegisterMessenger(telegram)

	a := &app{
		loop:     loop,
		engine:   engine,
		server:   core.NewServer(config, telegram, engine),
		telegram: telegram,
	}

	if config.Discord.Enabled {
		discord := bot.NewDiscordBot(config.DiscordSettings())
		engine.RegisterMessenger(discord)
		a.extra = append(a.extra, discord)
	}
	return a
}

// adapters returns every platform adapter, Telegram first
func (a *app) adapters() []bot.BotAdapter {
	return append([]bot.BotAdapter{a.telegram}, a.extra...)
}

// start brings the components up in dependency order. Telegram is connected
// before the webhook socket accepts updates and the webhook is registered
// only once the socket is bound, so no update reaches an adapter that cannot
// reply. The returned channel receives the result of the HTTP server.
func (a *app) start(ctx context.Context) (<-chan error, error) {
	a.loop.Start(ctx)

	deliver := func(ev bot.InboundEvent) {
		a.engine.Deliver(ctx, ev)
	}

	if err := a.telegram.Connect(); err != nil {
		a.shutdown()
		return nil, fmt.Errorf("failed to connect telegram bot: %w", err)
	}

	if err := a.server.Listen(); err != nil {
		a.shutdown()
		return nil, fmt.Errorf("failed to start http server: %w", err)
	}
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- a.server.Serve()
	}()

	if err := a.telegram.Start(deliver); err != nil {
		a.shutdown()
		return nil, fmt.Errorf("failed to start telegram bot: %w", err)
	}

	for _, adapter := range a.extra {
		if err := adapter.Start(deliver); err != nil {
			logger.WithFields(logrus.Fields{
				"platform": adapter.Platform(),
				"error":    err,
			}).Error("failed-to-start-bot-adapter")
		}
	}
	return serverErr, nil
}

func runServe(config *core.Config) error {
	if err := logger.InitLogger(config.LoggerSettings()); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"config_file":  serveConfigFile,
		"mode":         config.Telegram.Mode,
		"port":         config.Server.Port,
		"webhook_path": config.Server.WebhookPath,
		"discord":      config.Discord.Enabled,
		"log_level":    config.Logging.Level,
	}).Info("starting-resizebot")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := newApp(config)
	serverErr, err := a.start(ctx)
	if err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var runErr error
	select {
	case sig := <-sigChan:
		logger.WithField("signal", sig.String()).Info("shutting-down-gracefully")
	case err := <-serverErr:
		runErr = err
	}

	a.shutdown()
	logger.Info("resizebot-stopped")
	return runErr
}

// shutdown stops intake first, then drains the loop
func (a *app) shutdown() {
	a.server.Shutdown()

	for _, adapter := range a.adapters() {
		if err := adapter.Stop(); err != nil {
			logger.WithFields(logrus.Fields{
				"platform": adapter.Platform(),
				"error":    err,
			}).Error("failed-to-stop-bot-adapter")
		}
	}

	a.loop.Stop()
}

func init() {
	serveCmd.Flags().StringVarP(&serveConfigFile, "config", "c", "", "Configuration file path (optional)")
	serveCmd.Flags().BoolVar(&servePolling, "polling", false, "Use long polling instead of the webhook")
	serveCmd.Flags().BoolVar(&serveValidate, "validate", false, "Validate configuration and exit")
}
