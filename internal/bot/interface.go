// Package bot provides messaging platform adapters for the resize bot.
//
// Each adapter turns platform updates into InboundEvent values and exposes the
// three outbound operations the engine needs: download an attachment, send a
// text reply and send a file.
//
// # Supported Platforms
//
//   - Telegram: webhook delivery (default) or long polling
//   - Discord: WebSocket gateway connection
//
// # Usage
//
//	tg := bot.NewTelegramBot(bot.TelegramConfig{Token: token, Mode: bot.ModeWebhook})
//	if err := tg.Start(func(ev bot.InboundEvent) { engine.Deliver(ctx, ev) }); err != nil {
//	    log.Fatal(err)
//	}
//	defer tg.Stop()
//
// In webhook mode Start only registers the webhook; updates arrive through
// the HTTP server, which decodes them with TelegramBot.DecodeUpdate.
//
// # Thread Safety
//
// Adapters are safe for concurrent use. Outbound calls may be made from any
// goroutine, and the event handler may be called concurrently.
package bot

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrInvalidUpdate is returned when a payload does not describe a usable update
	ErrInvalidUpdate = errors.New("invalid update")

	// ErrFileTooLarge is returned when an attachment exceeds the download limit
	ErrFileTooLarge = errors.New("file too large")

	// ErrNotStarted is returned by outbound calls made before Start
	ErrNotStarted = errors.New("bot not started")
)

// EventKind tags the shape of an InboundEvent
type EventKind int

const (
	EventOther     EventKind = iota // anything the dispatcher ignores
	EventCommand                    // "/start" and friends
	EventImage                      // photo or document attachment
	EventTextReply                  // text message replying to an earlier message
)

// String returns the event kind name used in logs
func (k EventKind) String() string {
	switch k {
	case EventCommand:
		return "command"
	case EventImage:
		return "image"
	case EventTextReply:
		return "text_reply"
	default:
		return "other"
	}
}

// AttachmentKind distinguishes platform photos from generic files
type AttachmentKind string

const (
	AttachmentPhoto    AttachmentKind = "photo"
	AttachmentDocument AttachmentKind = "document"
)

// Attachment references a file that can be fetched on demand
type Attachment struct {
	Kind     AttachmentKind
	FileID   string // Telegram file_id
	URL      string // direct URL (Discord CDN)
	FileName string
	MimeType string
	Width    int
	Height   int
	Size     int
}

// InboundEvent is one update from a messaging platform
type InboundEvent struct {
	Platform     string // telegram/discord
	UserID       string // sender, used as session identity
	ChatID       string // where replies go
	MessageID    string // triggering message, replies quote it
	Kind         EventKind
	Command      string // without prefix, lower case
	Attachment   *Attachment
	Text         string
	IsReplyToBot bool
	Timestamp    time.Time
}

// Messenger is the outbound side of a platform
type Messenger interface {
	// Platform returns the platform name used in session keys
	Platform() string

	// DownloadFile returns the bytes of an attachment
	DownloadFile(ctx context.Context, att *Attachment) ([]byte, error)

	// SendText sends an HTML formatted text message, replying to replyTo when set.
	// It returns the ID of the sent message.
	SendText(ctx context.Context, chatID, text, replyTo string) (string, error)

	// SendFile sends data as a file attachment with a caption
	SendFile(ctx context.Context, chatID, filename string, data []byte, caption, replyTo string) error
}

// BotAdapter is a Messenger that also produces events
type BotAdapter interface {
	Messenger

	// Start connects to the platform; handler receives every decoded event
	Start(handler func(InboundEvent)) error

	// Stop disconnects and releases resources
	Stop() error
}
