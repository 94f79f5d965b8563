package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/keepmind9/resizebot/internal/bot"
	"github.com/keepmind9/resizebot/internal/bridge"
	"github.com/keepmind9/resizebot/internal/codec"
	"github.com/keepmind9/resizebot/internal/logger"
	"github.com/keepmind9/resizebot/internal/session"
	"github.com/keepmind9/resizebot/pkg/constants"
	"github.com/sirupsen/logrus"
)

// Engine dispatches platform events to the image handlers.
// Events should enter through Deliver so that work for one user runs on a
// single bridge shard.
type Engine struct {
	config     *Config
	mu         sync.RWMutex
	messengers map[string]bot.Messenger // platform -> messenger
	sessions   *session.Store
	codec      codec.Codec
	loop       *bridge.Loop
	handled    handledCounters
}

// NewEngine creates a new Engine instance. The loop must be started by the caller.
func NewEngine(config *Config, loop *bridge.Loop, store *session.Store, c codec.Codec) *Engine {
	return &Engine{
		config:     config,
		messengers: make(map[string]bot.Messenger),
		sessions:   store,
		codec:      c,
		loop:       loop,
	}
}

// RegisterMessenger registers the outbound side of a platform
func (e *Engine) RegisterMessenger(m bot.Messenger) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.messengers[m.Platform()] = m
}

func (e *Engine) messenger(platform string) (bot.Messenger, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	m, ok := e.messengers[platform]
	return m, ok
}

// Deliver runs ev on the bridge loop and waits at most the configured
// bridge timeout. It never returns an error: a timed-out wait is logged and
// the event keeps processing; other failures are logged and the chat gets a
// best-effort apology.
func (e *Engine) Deliver(ctx context.Context, ev bot.InboundEvent) {
	key := session.UserKey(ev.Platform, ev.UserID)

	err := e.loop.SubmitAndWait(ctx, key, func(loopCtx context.Context) error {
		return e.HandleEvent(loopCtx, ev)
	}, 0)
	if err == nil {
		return
	}

	fields := logrus.Fields{
		"platform":   ev.Platform,
		"user_key":   key,
		"chat_id":    ev.ChatID,
		"message_id": ev.MessageID,
		"kind":       ev.Kind.String(),
		"error":      err,
	}

	if errors.Is(err, bridge.ErrWaitTimeout) {
		fields["wait"] = e.loop.Timeout()
		logger.WithFields(fields).Warn("bridge-wait-timeout-event-still-processing")
		return
	}

	e.handled.errors.Add(1)
	logger.WithFields(fields).Error("failed-to-process-event")
	e.notifyFailure(ev)
}

func (e *Engine) notifyFailure(ev bot.InboundEvent) {
	m, ok := e.messenger(ev.Platform)
	if !ok || ev.ChatID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), constants.NotifyTimeout)
	defer cancel()

	if _, err := m.SendText(ctx, ev.ChatID, msgGenericError, ev.MessageID); err != nil {
		logger.WithFields(logrus.Fields{
			"platform": ev.Platform,
			"chat_id":  ev.ChatID,
			"error":    err,
		}).Warn("failed-to-send-apology")
	}
}

// HandleEvent routes one event to exactly one handler. Handler failures are
// answered with a message and logged here; only a failed reply escapes.
func (e *Engine) HandleEvent(ctx context.Context, ev bot.InboundEvent) error {
	m, ok := e.messenger(ev.Platform)
	if !ok {
		return fmt.Errorf("no messenger registered for platform %q", ev.Platform)
	}

	switch ev.Kind {
	case bot.EventCommand:
		switch ev.Command {
		case "start", "help":
			e.handled.commands.Add(1)
			return e.reply(ctx, m, ev, msgWelcome)
		case "cancel":
			e.handled.commands.Add(1)
			return e.handleCancel(ctx, m, ev)
		}
	case bot.EventImage:
		return e.handleImage(ctx, m, ev)
	case bot.EventTextReply:
		if ev.IsReplyToBot {
			return e.handleResize(ctx, m, ev)
		}
	}

	e.handled.ignored.Add(1)
	logger.WithFields(logrus.Fields{
		"platform": ev.Platform,
		"user_id":  ev.UserID,
		"kind":     ev.Kind.String(),
		"command":  ev.Command,
	}).Debug("event-ignored")
	return nil
}

func (e *Engine) handleCancel(ctx context.Context, m bot.Messenger, ev bot.InboundEvent) error {
	key := session.UserKey(ev.Platform, ev.UserID)
	_, found, _ := e.sessions.Get(key)
	e.sessions.Delete(key)

	if !found {
		return e.reply(ctx, m, ev, msgNothingToDrop)
	}
	logger.WithField("user_key", key).Info("pending-image-cancelled")
	return e.reply(ctx, m, ev, msgCancelled)
}

// handleImage downloads and decodes an attachment and makes it the user's
// pending image.
func (e *Engine) handleImage(ctx context.Context, m bot.Messenger, ev bot.InboundEvent) error {
	key := session.UserKey(ev.Platform, ev.UserID)
	fields := logrus.Fields{
		"platform": ev.Platform,
		"user_key": key,
	}

	if !ev.Attachment.IsImage() {
		e.handled.rejected.Add(1)
		logger.WithFields(fields).Debug("attachment-is-not-an-image")
		return e.reply(ctx, m, ev, msgNotAnImage)
	}
	fields["file_name"] = ev.Attachment.FileName
	fields["mime_type"] = ev.Attachment.MimeType

	data, err := m.DownloadFile(ctx, ev.Attachment)
	if err != nil {
		e.handled.rejected.Add(1)
		fields["error"] = err
		logger.WithFields(fields).Warn("failed-to-download-image")
		if errors.Is(err, bot.ErrFileTooLarge) {
			return e.reply(ctx, m, ev, msgFileTooLarge)
		}
		return e.reply(ctx, m, ev, msgDownloadError)
	}

	img, format, err := e.codec.Decode(data)
	if err != nil {
		e.handled.rejected.Add(1)
		fields["error"] = err
		fields["bytes"] = len(data)
		logger.WithFields(fields).Warn("failed-to-decode-image")
		return e.reply(ctx, m, ev, msgCannotOpen)
	}
	if format == "" {
		format = constants.DefaultImageFormat
	}

	b := img.Bounds()
	pending := &session.PendingImage{
		Image:      img,
		Format:     format,
		Width:      b.Dx(),
		Height:     b.Dy(),
		ReceivedAt: time.Now(),
	}
	e.sessions.Put(key, pending)
	e.handled.images.Add(1)

	logger.WithFields(logrus.Fields{
		"platform": ev.Platform,
		"user_key": key,
		"format":   format,
		"width":    pending.Width,
		"height":   pending.Height,
	}).Info("image-received")

	return e.reply(ctx, m, ev, fmt.Sprintf(msgImageReceived, pending.Width, pending.Height))
}

// handleResize resizes the pending image to the width in the reply text and
// sends it back as a file. The pending image is consumed once the send is
// attempted.
func (e *Engine) handleResize(ctx context.Context, m bot.Messenger, ev bot.InboundEvent) error {
	key := session.UserKey(ev.Platform, ev.UserID)

	pending, found, err := e.sessions.Get(key)
	if err != nil {
		logger.WithFields(logrus.Fields{
			"user_key": key,
			"error":    err,
		}).Error("corrupt-session-entry-dropped")
		e.sessions.Delete(key)
	}
	if !found || pending == nil {
		return e.reply(ctx, m, ev, msgNoImage)
	}

	minWidth, maxWidth := e.config.Resize.MinWidth, e.config.Resize.MaxWidth
	width, err := codec.ParseWidth(ev.Text, minWidth, maxWidth)
	if err != nil {
		e.handled.rejected.Add(1)
		logger.WithFields(logrus.Fields{
			"user_key": key,
			"text":     ev.Text,
		}).Debug("invalid-target-width")
		return e.reply(ctx, m, ev, fmt.Sprintf(msgInvalidWidth, minWidth, maxWidth))
	}
	height := codec.TargetHeight(pending.Width, pending.Height, width)

	fields := logrus.Fields{
		"user_key":      key,
		"format":        pending.Format,
		"source_width":  pending.Width,
		"source_height": pending.Height,
		"width":         width,
		"height":        height,
	}

	start := time.Now()
	resized, err := e.codec.Resize(pending.Image, width, height)
	if err == nil {
		var data []byte
		var ext string
		data, ext, err = e.codec.Encode(resized, pending.Format)
		if err == nil {
			return e.sendResized(ctx, m, ev, key, data, ext, width, height, fields, time.Since(start))
		}
	}

	// the pending image is kept so the user can retry with another width
	e.handled.errors.Add(1)
	fields["error"] = err
	logger.WithFields(fields).Error("failed-to-resize-image")
	return e.reply(ctx, m, ev, msgResizeFailed)
}

func (e *Engine) sendResized(ctx context.Context, m bot.Messenger, ev bot.InboundEvent, key string,
	data []byte, ext string, width, height int, fields logrus.Fields, elapsed time.Duration) error {
	filename := constants.ResizedFileBaseName + "." + ext
	caption := fmt.Sprintf(msgResizedCaption, width, height)

	err := m.SendFile(ctx, ev.ChatID, filename, data, caption, ev.MessageID)
	e.sessions.Delete(key)

	fields["bytes"] = len(data)
	fields["duration"] = elapsed
	if err != nil {
		fields["error"] = err
		logger.WithFields(fields).Error("failed-to-send-resized-image")
		return fmt.Errorf("send resized image: %w", err)
	}

	e.handled.resizes.Add(1)
	logger.WithFields(fields).Info("image-resized")
	return nil
}

func (e *Engine) reply(ctx context.Context, m bot.Messenger, ev bot.InboundEvent, text string) error {
	if _, err := m.SendText(ctx, ev.ChatID, text, ev.MessageID); err != nil {
		return fmt.Errorf("send reply to %s chat %s: %w", ev.Platform, ev.ChatID, err)
	}
	return nil
}

// Stats returns a snapshot of engine, bridge and session counters
func (e *Engine) Stats() Stats {
	return Stats{
		PendingSessions: e.sessions.Len(),
		Bridge:          e.loop.Stats(),
		Handled:         e.handled.snapshot(),
	}
}
