package bot

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/keepmind9/resizebot/internal/logger"
	"github.com/keepmind9/resizebot/pkg/constants"
	"github.com/sirupsen/logrus"
)

const platformTelegram = "telegram"

// Telegram delivery modes
const (
	ModeWebhook = "webhook"
	ModePolling = "polling"
)

// TelegramAPI is the subset of *tgbotapi.BotAPI the adapter uses.
// It allows tests to replace the network client.
type TelegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	MakeRequest(endpoint string, params tgbotapi.Params) (*tgbotapi.APIResponse, error)
	GetFileDirectURL(fileID string) (string, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// TelegramConfig holds adapter settings
type TelegramConfig struct {
	Token              string
	Mode               string // webhook or polling
	WebhookURL         string // public URL registered with setWebhook; empty leaves the webhook as is
	WebhookSecret      string
	DropPendingUpdates bool
	DownloadTimeout    time.Duration
	MaxFileSize        int64
	APIEndpoint        string // Bot API URL template (default: tgbotapi.APIEndpoint)
}

// TelegramBot implements BotAdapter for Telegram
type TelegramBot struct {
	mu             sync.RWMutex
	config         TelegramConfig
	api            TelegramAPI
	self           tgbotapi.User
	httpClient     *http.Client
	messageHandler func(InboundEvent)
	ctx            context.Context
	cancel         context.CancelFunc
}

var _ BotAdapter = (*TelegramBot)(nil)

// NewTelegramBot creates a new Telegram bot instance. The API client is
// created by Connect or Start.
func NewTelegramBot(config TelegramConfig) *TelegramBot {
	if config.Mode == "" {
		config.Mode = ModeWebhook
	}
	if config.DownloadTimeout <= 0 {
		config.DownloadTimeout = constants.DefaultDownloadTimeout
	}
	if config.MaxFileSize <= 0 {
		config.MaxFileSize = constants.DefaultMaxFileSize
	}
	if config.APIEndpoint == "" {
		config.APIEndpoint = tgbotapi.APIEndpoint
	}
	return &TelegramBot{
		config:     config,
		httpClient: &http.Client{},
	}
}

// NewTelegramBotWithAPI creates a bot around an existing API client
func NewTelegramBotWithAPI(config TelegramConfig, api TelegramAPI, self tgbotapi.User) *TelegramBot {
	t := NewTelegramBot(config)
	t.api = api
	t.self = self
	return t
}

// Platform returns the platform name
func (t *TelegramBot) Platform() string {
	return platformTelegram
}

// Connect creates the API client and fetches the bot identity. It is
// idempotent; in webhook mode call it before the HTTP server accepts updates,
// since every outbound call fails with ErrNotStarted until it succeeds.
func (t *TelegramBot) Connect() error {
	_, err := t.connect()
	if err != nil {
		logger.WithField("error", err).Error("failed-to-initialize-telegram-bot")
	}
	return err
}

// Start connects to Telegram if Connect has not been called. In webhook mode
// it registers the webhook URL when one is configured; in polling mode it
// starts long polling and passes every update to messageHandler sequentially.
func (t *TelegramBot) Start(messageHandler func(InboundEvent)) error {
	t.SetMessageHandler(messageHandler)

	t.mu.Lock()
	t.ctx, t.cancel = context.WithCancel(context.Background())
	ctx := t.ctx
	t.mu.Unlock()

	logger.WithFields(logrus.Fields{
		"token": maskSecret(t.config.Token),
		"mode":  t.config.Mode,
	}).Info("starting-telegram-bot")

	api, err := t.connect()
	if err != nil {
		logger.WithField("error", err).Error("failed-to-initialize-telegram-bot")
		return err
	}

	switch t.config.Mode {
	case ModeWebhook:
		return t.registerWebhook(api)
	case ModePolling:
		return t.startPolling(ctx, api)
	default:
		return fmt.Errorf("unknown telegram mode %q", t.config.Mode)
	}
}

func (t *TelegramBot) connect() (TelegramAPI, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.api != nil {
		return t.api, nil
	}

	api, err := tgbotapi.NewBotAPIWithAPIEndpoint(t.config.Token, t.config.APIEndpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Telegram bot: %w", err)
	}
	t.api = api
	t.self = api.Self

	logger.WithFields(logrus.Fields{
		"bot_username": api.Self.UserName,
		"bot_id":       api.Self.ID,
	}).Info("telegram-bot-initialized-successfully")
	return api, nil
}

func (t *TelegramBot) registerWebhook(api TelegramAPI) error {
	if t.config.WebhookURL == "" {
		logger.Info("telegram-webhook-url-not-set-keeping-existing-registration")
		return nil
	}

	params := tgbotapi.Params{}
	params["url"] = t.config.WebhookURL
	params.AddNonEmpty("secret_token", t.config.WebhookSecret)
	params.AddBool("drop_pending_updates", t.config.DropPendingUpdates)

	resp, err := api.MakeRequest("setWebhook", params)
	if err != nil {
		return fmt.Errorf("failed to set webhook: %w", err)
	}
	if resp != nil && !resp.Ok {
		return fmt.Errorf("failed to set webhook: %s", resp.Description)
	}

	logger.WithFields(logrus.Fields{
		"url":        t.config.WebhookURL,
		"has_secret": t.config.WebhookSecret != "",
	}).Info("telegram-webhook-registered")
	return nil
}

func (t *TelegramBot) startPolling(ctx context.Context, api TelegramAPI) error {
	// getUpdates is refused while a webhook is registered
	if _, err := api.Request(tgbotapi.DeleteWebhookConfig{DropPendingUpdates: t.config.DropPendingUpdates}); err != nil {
		return fmt.Errorf("failed to delete webhook: %w", err)
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = int(constants.DefaultPollTimeout.Seconds())
	updates := api.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case <-ctx.Done():
				logger.Info("telegram-long-polling-stopped")
				return
			case update, ok := <-updates:
				if !ok {
					logger.Info("telegram-updates-channel-closed")
					return
				}
				ev := t.toEvent(&update)
				if handler := t.GetMessageHandler(); handler != nil {
					handler(ev)
				}
			}
		}
	}()

	logger.Info("telegram-long-polling-connection-started")
	return nil
}

// DecodeUpdate parses a webhook payload into an event.
// Payloads that are not JSON objects or lack an update_id yield ErrInvalidUpdate.
func (t *TelegramBot) DecodeUpdate(data []byte) (InboundEvent, error) {
	var update tgbotapi.Update
	if err := json.Unmarshal(data, &update); err != nil {
		return InboundEvent{}, fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}
	if update.UpdateID == 0 {
		return InboundEvent{}, fmt.Errorf("%w: missing update_id", ErrInvalidUpdate)
	}
	return t.toEvent(&update), nil
}

// toEvent classifies an update. Only new messages are handled; edits,
// callbacks and channel posts become EventOther.
func (t *TelegramBot) toEvent(update *tgbotapi.Update) InboundEvent {
	ev := InboundEvent{
		Platform:  platformTelegram,
		Kind:      EventOther,
		Timestamp: time.Now(),
	}

	message := update.Message
	if message == nil || message.Chat == nil {
		return ev
	}

	ev.ChatID = strconv.FormatInt(message.Chat.ID, 10)
	ev.MessageID = strconv.Itoa(message.MessageID)
	ev.UserID = ev.ChatID
	if message.From != nil {
		ev.UserID = strconv.FormatInt(message.From.ID, 10)
	}
	if message.Date != 0 {
		ev.Timestamp = message.Time()
	}

	switch {
	case message.IsCommand():
		ev.Kind = EventCommand
		ev.Command = strings.ToLower(message.Command())
	case len(message.Photo) > 0:
		ev.Kind = EventImage
		ev.Attachment = largestPhoto(message.Photo)
	case message.Document != nil:
		ev.Kind = EventImage
		ev.Attachment = &Attachment{
			Kind:     AttachmentDocument,
			FileID:   message.Document.FileID,
			FileName: message.Document.FileName,
			MimeType: message.Document.MimeType,
			Size:     message.Document.FileSize,
		}
	case message.Text != "" && message.ReplyToMessage != nil:
		ev.Kind = EventTextReply
		ev.Text = message.Text
		ev.IsReplyToBot = t.isBotMessage(message.ReplyToMessage)
	}

	logger.WithFields(logrus.Fields{
		"platform":   platformTelegram,
		"update_id":  update.UpdateID,
		"user_id":    ev.UserID,
		"chat_id":    ev.ChatID,
		"message_id": ev.MessageID,
		"kind":       ev.Kind.String(),
	}).Debug("received-telegram-update-parsed")

	return ev
}

func (t *TelegramBot) isBotMessage(m *tgbotapi.Message) bool {
	if m == nil || m.From == nil {
		return false
	}
	t.mu.RLock()
	selfID := t.self.ID
	t.mu.RUnlock()
	if selfID == 0 {
		return m.From.IsBot
	}
	return m.From.ID == selfID
}

// largestPhoto picks the highest resolution variant Telegram offers
func largestPhoto(sizes []tgbotapi.PhotoSize) *Attachment {
	best := sizes[0]
	for _, p := range sizes[1:] {
		if p.Width*p.Height > best.Width*best.Height {
			best = p
		}
	}
	return &Attachment{
		Kind:   AttachmentPhoto,
		FileID: best.FileID,
		Width:  best.Width,
		Height: best.Height,
		Size:   best.FileSize,
	}
}

func (t *TelegramBot) getAPI() (TelegramAPI, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.api == nil {
		return nil, ErrNotStarted
	}
	return t.api, nil
}

// DownloadFile fetches an attachment through the Bot API file endpoint
func (t *TelegramBot) DownloadFile(ctx context.Context, att *Attachment) ([]byte, error) {
	if att == nil {
		return nil, fmt.Errorf("attachment is required")
	}
	if att.Size > 0 && int64(att.Size) > t.config.MaxFileSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFileTooLarge, att.Size)
	}

	api, err := t.getAPI()
	if err != nil {
		return nil, err
	}

	url := att.URL
	if url == "" {
		url, err = api.GetFileDirectURL(att.FileID)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve file %s: %w", att.FileID, err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, t.config.DownloadTimeout)
	defer cancel()

	data, err := fetchURL(ctx, t.httpClient, url, t.config.MaxFileSize)
	if err != nil {
		// the URL embeds the bot token, so it is never logged
		return nil, fmt.Errorf("failed to download file %s: %w", att.FileID, err)
	}

	logger.WithFields(logrus.Fields{
		"file_id": att.FileID,
		"bytes":   len(data),
	}).Debug("telegram-file-downloaded")
	return data, nil
}

// SendText sends an HTML message to a Telegram chat
func (t *TelegramBot) SendText(ctx context.Context, chatID, text, replyTo string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	api, err := t.getAPI()
	if err != nil {
		return "", err
	}

	chat, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid chat ID format: %w", err)
	}

	msg := tgbotapi.NewMessage(chat, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.ReplyToMessageID = parseMessageID(replyTo)
	msg.AllowSendingWithoutReply = true

	sent, err := api.Send(msg)
	if err != nil {
		logger.WithFields(logrus.Fields{
			"chat_id": chatID,
			"error":   err,
		}).Error("failed-to-send-message-to-telegram")
		return "", fmt.Errorf("failed to send message to chat %s: %w", chatID, err)
	}

	logger.WithField("chat_id", chatID).Debug("message-sent-to-telegram")
	return strconv.Itoa(sent.MessageID), nil
}

// SendFile sends data as a document so Telegram does not recompress it
func (t *TelegramBot) SendFile(ctx context.Context, chatID, filename string, data []byte, caption, replyTo string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	api, err := t.getAPI()
	if err != nil {
		return err
	}

	chat, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat ID format: %w", err)
	}

	doc := tgbotapi.NewDocument(chat, tgbotapi.FileBytes{Name: filename, Bytes: data})
	doc.Caption = truncate(caption, constants.MaxTelegramCaptionLength)
	doc.ReplyToMessageID = parseMessageID(replyTo)
	doc.AllowSendingWithoutReply = true

	if _, err := api.Send(doc); err != nil {
		logger.WithFields(logrus.Fields{
			"chat_id":  chatID,
			"filename": filename,
			"bytes":    len(data),
			"error":    err,
		}).Error("failed-to-send-file-to-telegram")
		return fmt.Errorf("failed to send file to chat %s: %w", chatID, err)
	}

	logger.WithFields(logrus.Fields{
		"chat_id":  chatID,
		"filename": filename,
		"bytes":    len(data),
	}).Info("file-sent-to-telegram")
	return nil
}

// Stop stops long polling and cleans up resources
func (t *TelegramBot) Stop() error {
	t.mu.Lock()
	cancel := t.cancel
	api := t.api
	t.cancel = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if api != nil && t.config.Mode == ModePolling {
		api.StopReceivingUpdates()
	}

	logger.Info("telegram-bot-stopped")
	return nil
}

// SetMessageHandler sets the message handler in a thread-safe manner
func (t *TelegramBot) SetMessageHandler(handler func(InboundEvent)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messageHandler = handler
}

// GetMessageHandler gets the message handler in a thread-safe manner
func (t *TelegramBot) GetMessageHandler() func(InboundEvent) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.messageHandler
}

func parseMessageID(id string) int {
	if id == "" {
		return 0
	}
	n, err := strconv.Atoi(id)
	if err != nil {
		return 0
	}
	return n
}
