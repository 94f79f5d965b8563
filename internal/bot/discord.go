package bot

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/keepmind9/resizebot/internal/logger"
	"github.com/keepmind9/resizebot/pkg/constants"
	"github.com/sirupsen/logrus"
)

const platformDiscord = "discord"

// DiscordSessionInterface defines the interface we need from discordgo.Session
// This allows us to mock it in tests without depending on concrete types
type DiscordSessionInterface interface {
	AddHandler(handler interface{}) func()
	Open() error
	Close() error
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// DiscordConfig holds adapter settings
type DiscordConfig struct {
	Token           string
	DownloadTimeout time.Duration
	MaxFileSize     int64
}

// DiscordBot implements BotAdapter interface for Discord
type DiscordBot struct {
	mu             sync.RWMutex
	config         DiscordConfig
	session        DiscordSessionInterface
	selfID         string
	httpClient     *http.Client
	messageHandler func(InboundEvent)
}

var _ BotAdapter = (*DiscordBot)(nil)

// NewDiscordBot creates a new Discord bot instance
func NewDiscordBot(config DiscordConfig) *DiscordBot {
	if config.DownloadTimeout <= 0 {
		config.DownloadTimeout = constants.DefaultDownloadTimeout
	}
	if config.MaxFileSize <= 0 {
		config.MaxFileSize = constants.DefaultMaxFileSize
	}
	return &DiscordBot{
		config:     config,
		httpClient: &http.Client{},
	}
}

// NewDiscordBotWithSession creates a bot around an existing session
func NewDiscordBotWithSession(config DiscordConfig, session DiscordSessionInterface, selfID string) *DiscordBot {
	d := NewDiscordBot(config)
	d.session = session
	d.selfID = selfID
	return d
}

// Platform returns the platform name
func (d *DiscordBot) Platform() string {
	return platformDiscord
}

// Start establishes connection to Discord and begins listening for messages
func (d *DiscordBot) Start(messageHandler func(InboundEvent)) error {
	d.SetMessageHandler(messageHandler)

	logger.WithField("token", maskSecret(d.config.Token)).Info("starting-discord-bot")

	d.mu.Lock()
	session := d.session
	if session == nil {
		s, err := discordgo.New("Bot " + d.config.Token)
		if err != nil {
			d.mu.Unlock()
			return fmt.Errorf("failed to create discord session: %w", err)
		}
		s.Identify.Intents = discordgo.IntentsGuildMessages |
			discordgo.IntentsDirectMessages |
			discordgo.IntentsMessageContent
		session = s
		d.session = s
	}
	d.mu.Unlock()

	session.AddHandler(d.onReady)
	session.AddHandler(d.onMessageCreate)

	if err := session.Open(); err != nil {
		return fmt.Errorf("failed to open discord connection: %w", err)
	}

	logger.Info("discord-bot-connected")
	return nil
}

func (d *DiscordBot) onReady(_ *discordgo.Session, r *discordgo.Ready) {
	if r == nil || r.User == nil {
		return
	}
	d.mu.Lock()
	d.selfID = r.User.ID
	d.mu.Unlock()

	logger.WithFields(logrus.Fields{
		"bot_id":       r.User.ID,
		"bot_username": r.User.Username,
	}).Info("discord-session-ready")
}

func (d *DiscordBot) onMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m == nil || m.Message == nil || m.Author == nil {
		return
	}
	// Ignore messages from bots, including our own
	if m.Author.Bot {
		return
	}

	ev := d.toEvent(m.Message)

	logger.WithFields(logrus.Fields{
		"platform": platformDiscord,
		"user_id":  ev.UserID,
		"username": m.Author.Username,
		"channel":  ev.ChatID,
		"kind":     ev.Kind.String(),
	}).Debug("received-discord-message")

	if handler := d.GetMessageHandler(); handler != nil {
		handler(ev)
	}
}

// toEvent classifies a Discord message. Commands use a "!" or "/" prefix
// since plain messages cannot carry Telegram style bot commands.
func (d *DiscordBot) toEvent(m *discordgo.Message) InboundEvent {
	ev := InboundEvent{
		Platform:  platformDiscord,
		UserID:    m.Author.ID,
		ChatID:    m.ChannelID,
		MessageID: m.ID,
		Kind:      EventOther,
		Timestamp: m.Timestamp,
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	content := strings.TrimSpace(m.Content)

	switch {
	case isDiscordCommand(content):
		ev.Kind = EventCommand
		ev.Command = strings.ToLower(strings.Fields(content[1:])[0])
	case len(m.Attachments) > 0:
		ev.Kind = EventImage
		ev.Attachment = discordAttachment(m.Attachments)
	case content != "" && m.ReferencedMessage != nil:
		ev.Kind = EventTextReply
		ev.Text = content
		ev.IsReplyToBot = d.isBotMessage(m.ReferencedMessage)
	}
	return ev
}

func isDiscordCommand(content string) bool {
	if len(content) < 2 || (content[0] != '!' && content[0] != '/') {
		return false
	}
	return len(strings.Fields(content[1:])) > 0 && !strings.HasPrefix(content[1:], " ")
}

// discordAttachment prefers the first image attachment
func discordAttachment(list []*discordgo.MessageAttachment) *Attachment {
	chosen := list[0]
	for _, a := range list {
		if isImageMimeType(a.ContentType) {
			chosen = a
			break
		}
	}
	return &Attachment{
		Kind:     AttachmentDocument,
		FileID:   chosen.ID,
		URL:      chosen.URL,
		FileName: chosen.Filename,
		MimeType: chosen.ContentType,
		Width:    chosen.Width,
		Height:   chosen.Height,
		Size:     chosen.Size,
	}
}

func (d *DiscordBot) isBotMessage(m *discordgo.Message) bool {
	if m.Author == nil {
		return false
	}
	d.mu.RLock()
	selfID := d.selfID
	d.mu.RUnlock()
	if selfID == "" {
		return m.Author.Bot
	}
	return m.Author.ID == selfID
}

func (d *DiscordBot) getSession() (DiscordSessionInterface, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.session == nil {
		return nil, fmt.Errorf("discord session not initialized: %w", ErrNotStarted)
	}
	return d.session, nil
}

// DownloadFile fetches an attachment from the Discord CDN
func (d *DiscordBot) DownloadFile(ctx context.Context, att *Attachment) ([]byte, error) {
	if att == nil || att.URL == "" {
		return nil, fmt.Errorf("attachment URL is required")
	}
	if att.Size > 0 && int64(att.Size) > d.config.MaxFileSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFileTooLarge, att.Size)
	}

	ctx, cancel := context.WithTimeout(ctx, d.config.DownloadTimeout)
	defer cancel()

	data, err := fetchURL(ctx, d.httpClient, att.URL, d.config.MaxFileSize)
	if err != nil {
		return nil, fmt.Errorf("failed to download attachment %s: %w", att.FileName, err)
	}
	return data, nil
}

// SendText sends a message to a Discord channel. The HTML subset used in
// replies is rewritten to markdown.
func (d *DiscordBot) SendText(ctx context.Context, chatID, text, replyTo string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	session, err := d.getSession()
	if err != nil {
		return "", err
	}

	content := htmlToMarkdown.Replace(text)
	if len(content) > constants.MaxDiscordMessageLength {
		logger.WithFields(logrus.Fields{
			"original_length": len(content),
			"max_length":      constants.MaxDiscordMessageLength,
		}).Info("truncating-message-for-discord-limit")
		content = truncate(content, constants.MaxDiscordMessageLength)
	}

	msg, err := session.ChannelMessageSendComplex(chatID, &discordgo.MessageSend{
		Content:   content,
		Reference: messageReference(chatID, replyTo),
	})
	if err != nil {
		logger.WithFields(logrus.Fields{
			"channel": chatID,
			"error":   err,
		}).Error("failed-to-send-message-to-discord")
		return "", fmt.Errorf("failed to send message to channel %s: %w", chatID, err)
	}

	logger.WithField("channel", chatID).Debug("message-sent-to-discord")
	if msg == nil {
		return "", nil
	}
	return msg.ID, nil
}

// SendFile uploads data as a message attachment
func (d *DiscordBot) SendFile(ctx context.Context, chatID, filename string, data []byte, caption, replyTo string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	session, err := d.getSession()
	if err != nil {
		return err
	}

	_, err = session.ChannelMessageSendComplex(chatID, &discordgo.MessageSend{
		Content: truncate(htmlToMarkdown.Replace(caption), constants.MaxDiscordMessageLength),
		Files: []*discordgo.File{{
			Name:        filename,
			ContentType: http.DetectContentType(data),
			Reader:      bytes.NewReader(data),
		}},
		Reference: messageReference(chatID, replyTo),
	})
	if err != nil {
		logger.WithFields(logrus.Fields{
			"channel":  chatID,
			"filename": filename,
			"error":    err,
		}).Error("failed-to-send-file-to-discord")
		return fmt.Errorf("failed to send file to channel %s: %w", chatID, err)
	}

	logger.WithFields(logrus.Fields{
		"channel":  chatID,
		"filename": filename,
		"bytes":    len(data),
	}).Info("file-sent-to-discord")
	return nil
}

func messageReference(channelID, messageID string) *discordgo.MessageReference {
	if messageID == "" {
		return nil
	}
	return &discordgo.MessageReference{MessageID: messageID, ChannelID: channelID}
}

// Stop closes the Discord connection and cleans up resources
func (d *DiscordBot) Stop() error {
	d.mu.Lock()
	session := d.session
	d.session = nil
	d.mu.Unlock()

	if session == nil {
		return nil
	}

	if err := session.Close(); err != nil {
		return fmt.Errorf("failed to close discord session: %w", err)
	}

	logger.Info("discord-bot-stopped")
	return nil
}

// SetMessageHandler sets the message handler in a thread-safe manner
func (d *DiscordBot) SetMessageHandler(handler func(InboundEvent)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.messageHandler = handler
}

// GetMessageHandler gets the message handler in a thread-safe manner
func (d *DiscordBot) GetMessageHandler() func(InboundEvent) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.messageHandler
}
