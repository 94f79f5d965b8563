package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/keepmind9/resizebot/internal/bot"
	"github.com/keepmind9/resizebot/internal/bridge"
	"github.com/keepmind9/resizebot/internal/codec"
	"github.com/keepmind9/resizebot/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentText struct {
	ChatID  string
	Text    string
	ReplyTo string
}

type sentFile struct {
	ChatID   string
	Filename string
	Data     []byte
	Caption  string
	ReplyTo  string
}

// MockMessenger is a mock implementation of bot.Messenger for testing
type MockMessenger struct {
	mu          sync.Mutex
	platform    string
	files       map[string][]byte // FileID -> content
	downloadErr error
	textErrs    []error // consumed one per SendText call
	fileErr     error
	block       chan struct{}
	texts       []sentText
	sentFiles   []sentFile
}

func newMockMessenger() *MockMessenger {
	return &MockMessenger{platform: "telegram", files: map[string][]byte{}}
}

func (m *MockMessenger) Platform() string { return m.platform }

func (m *MockMessenger) DownloadFile(ctx context.Context, att *bot.Attachment) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.downloadErr != nil {
		return nil, m.downloadErr
	}
	data, ok := m.files[att.FileID]
	if !ok {
		return nil, fmt.Errorf("file %s not found", att.FileID)
	}
	return data, nil
}

func (m *MockMessenger) SendText(ctx context.Context, chatID, text, replyTo string) (string, error) {
	if m.block != nil {
		<-m.block
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.textErrs) > 0 {
		err := m.textErrs[0]
		m.textErrs = m.textErrs[1:]
		if err != nil {
			return "", err
		}
	}
	m.texts = append(m.texts, sentText{ChatID: chatID, Text: text, ReplyTo: replyTo})
	return fmt.Sprintf("bot-%d", len(m.texts)), nil
}

func (m *MockMessenger) SendFile(ctx context.Context, chatID, filename string, data []byte, caption, replyTo string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fileErr != nil {
		return m.fileErr
	}
	m.sentFiles = append(m.sentFiles, sentFile{ChatID: chatID, Filename: filename, Data: data, Caption: caption, ReplyTo: replyTo})
	return nil
}

func (m *MockMessenger) Texts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.texts))
	for _, t := range m.texts {
		out = append(out, t.Text)
	}
	return out
}

func (m *MockMessenger) LastText() string {
	texts := m.Texts()
	if len(texts) == 0 {
		return ""
	}
	return texts[len(texts)-1]
}

// failingResizeCodec decodes and encodes normally but cannot resize
type failingResizeCodec struct {
	codec.Codec
}

func (failingResizeCodec) Resize(image.Image, int, int) (image.Image, error) {
	return nil, errors.New("out of memory")
}

func testConfig(t *testing.T) *Config {
	t.Helper()
	config := &Config{Telegram: TelegramConfig{Token: "123456:test"}}
	require.NoError(t, validateConfig(config))
	return config
}

func newTestEngine(t *testing.T, m *MockMessenger, c codec.Codec) *Engine {
	t.Helper()
	return newTestEngineWithLoop(t, m, c, bridge.Config{Workers: 2, QueueSize: 8, Timeout: 5 * time.Second})
}

func newTestEngineWithLoop(t *testing.T, m *MockMessenger, c codec.Codec, loopConfig bridge.Config) *Engine {
	t.Helper()
	config := testConfig(t)
	if c == nil {
		c = codec.NewImaging(config.Resize.JPEGQuality, config.Resize.MaxPixels)
	}
	loop := bridge.NewLoop(loopConfig)
	loop.Start(context.Background())
	t.Cleanup(loop.Stop)

	e := NewEngine(config, loop, session.NewStore(session.Config{}), c)
	e.RegisterMessenger(m)
	return e
}

func encodeTestImage(t *testing.T, w, h int, format string) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x += 7 {
		img.Set(x, x%h, color.RGBA{R: 200, G: 10, B: 10, A: 255})
	}
	var buf bytes.Buffer
	switch format {
	case "png":
		require.NoError(t, png.Encode(&buf, img))
	default:
		require.NoError(t, jpeg.Encode(&buf, img, nil))
	}
	return buf.Bytes()
}

func photoEvent(userID, fileID string) bot.InboundEvent {
	return bot.InboundEvent{
		Platform:   "telegram",
		UserID:     userID,
		ChatID:     "chat-" + userID,
		MessageID:  "10",
		Kind:       bot.EventImage,
		Attachment: &bot.Attachment{Kind: bot.AttachmentPhoto, FileID: fileID},
	}
}

func replyEvent(userID, text string) bot.InboundEvent {
	return bot.InboundEvent{
		Platform:     "telegram",
		UserID:       userID,
		ChatID:       "chat-" + userID,
		MessageID:    "11",
		Kind:         bot.EventTextReply,
		Text:         text,
		IsReplyToBot: true,
	}
}

func commandEvent(userID, command string) bot.InboundEvent {
	return bot.InboundEvent{
		Platform:  "telegram",
		UserID:    userID,
		ChatID:    "chat-" + userID,
		MessageID: "12",
		Kind:      bot.EventCommand,
		Command:   command,
	}
}

func TestEngine_StartAndHelpSendWelcome(t *testing.T) {
	m := newMockMessenger()
	e := newTestEngine(t, m, nil)

	for _, cmd := range []string{"start", "help"} {
		require.NoError(t, e.HandleEvent(context.Background(), commandEvent("1", cmd)))
	}

	require.Len(t, m.texts, 2)
	assert.Equal(t, msgWelcome, m.texts[0].Text)
	assert.Contains(t, m.texts[0].Text, "<b>reply</b>")
	assert.Equal(t, "chat-1", m.texts[0].ChatID)
	assert.Equal(t, "12", m.texts[0].ReplyTo)
}

func TestEngine_ImageThenWidth_SendsResizedFile(t *testing.T) {
	m := newMockMessenger()
	m.files["photo"] = encodeTestImage(t, 4000, 3000, "jpeg")
	e := newTestEngine(t, m, nil)
	ctx := context.Background()

	require.NoError(t, e.HandleEvent(ctx, photoEvent("1", "photo")))
	assert.Contains(t, m.LastText(), "Original size: 4000 × 3000")
	assert.Equal(t, 1, e.sessions.Len())

	require.NoError(t, e.HandleEvent(ctx, replyEvent("1", " 1000 ")))

	require.Len(t, m.sentFiles, 1)
	file := m.sentFiles[0]
	assert.Equal(t, "resized.jpeg", file.Filename)
	assert.Equal(t, "Resized to 1000 × 750", file.Caption)
	assert.Equal(t, "chat-1", file.ChatID)
	assert.Equal(t, "11", file.ReplyTo)

	cfg, format, err := image.DecodeConfig(bytes.NewReader(file.Data))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
	assert.Equal(t, 1000, cfg.Width)
	assert.Equal(t, 750, cfg.Height)

	_, found, _ := e.sessions.Get(session.UserKey("telegram", "1"))
	assert.False(t, found, "pending image must be consumed")

	// a further width gets the no-image reply
	require.NoError(t, e.HandleEvent(ctx, replyEvent("1", "500")))
	assert.Equal(t, msgNoImage, m.LastText())
	assert.Equal(t, int64(1), e.Stats().Handled.Resizes)
}

func TestEngine_PNGStaysPNG(t *testing.T) {
	m := newMockMessenger()
	m.files["doc"] = encodeTestImage(t, 300, 200, "png")
	e := newTestEngine(t, m, nil)

	ev := photoEvent("1", "doc")
	ev.Attachment = &bot.Attachment{Kind: bot.AttachmentDocument, FileID: "doc", MimeType: "image/png"}
	require.NoError(t, e.HandleEvent(context.Background(), ev))
	require.NoError(t, e.HandleEvent(context.Background(), replyEvent("1", "150")))

	require.Len(t, m.sentFiles, 1)
	assert.Equal(t, "resized.png", m.sentFiles[0].Filename)
	assert.Equal(t, "Resized to 150 × 100", m.sentFiles[0].Caption)
}

func TestEngine_InvalidWidthKeepsSession(t *testing.T) {
	m := newMockMessenger()
	m.files["photo"] = encodeTestImage(t, 400, 300, "jpeg")
	e := newTestEngine(t, m, nil)
	ctx := context.Background()

	require.NoError(t, e.HandleEvent(ctx, photoEvent("1", "photo")))

	for _, text := range []string{"99999", "9", "abc", "", "12.5", "-100"} {
		require.NoError(t, e.HandleEvent(ctx, replyEvent("1", text)))
		assert.Equal(t, "Please send a valid number (10–12000)", m.LastText(), "text %q", text)
	}
	assert.Empty(t, m.sentFiles)
	assert.Equal(t, 1, e.sessions.Len())

	// boundaries are inclusive
	require.NoError(t, e.HandleEvent(ctx, replyEvent("1", "10")))
	require.Len(t, m.sentFiles, 1)
	assert.Equal(t, "Resized to 10 × 7", m.sentFiles[0].Caption)
}

func TestEngine_OversizedResultIsRefusedAndSessionKept(t *testing.T) {
	m := newMockMessenger()
	m.files["strip"] = encodeTestImage(t, 1, 10000, "png")
	e := newTestEngine(t, m, nil)
	ctx := context.Background()

	require.NoError(t, e.HandleEvent(ctx, photoEvent("1", "strip")))
	assert.Contains(t, m.LastText(), "Original size: 1 × 10000")

	// 12000 x 120000000 is far above the pixel limit
	require.NoError(t, e.HandleEvent(ctx, replyEvent("1", "12000")))
	assert.Equal(t, msgResizeFailed, m.LastText())
	assert.Empty(t, m.sentFiles)
	assert.Equal(t, 1, e.sessions.Len())

	require.NoError(t, e.HandleEvent(ctx, replyEvent("1", "10")))
	require.Len(t, m.sentFiles, 1)
	assert.Equal(t, "Resized to 10 × 100000", m.sentFiles[0].Caption)
}

func TestEngine_OversizedSourceCannotBeOpened(t *testing.T) {
	m := newMockMessenger()
	m.files["big"] = encodeTestImage(t, 100, 100, "png")
	e := newTestEngine(t, m, codec.NewImaging(92, 5000))

	require.NoError(t, e.HandleEvent(context.Background(), photoEvent("1", "big")))
	assert.Equal(t, msgCannotOpen, m.LastText())
	assert.Equal(t, 0, e.sessions.Len())
}

func TestEngine_WidthWithoutImage(t *testing.T) {
	m := newMockMessenger()
	e := newTestEngine(t, m, nil)

	require.NoError(t, e.HandleEvent(context.Background(), replyEvent("1", "800")))
	assert.Equal(t, msgNoImage, m.LastText())
}

func TestEngine_SecondImageReplacesFirst(t *testing.T) {
	m := newMockMessenger()
	m.files["first"] = encodeTestImage(t, 400, 300, "jpeg")
	m.files["second"] = encodeTestImage(t, 200, 100, "jpeg")
	e := newTestEngine(t, m, nil)
	ctx := context.Background()

	require.NoError(t, e.HandleEvent(ctx, photoEvent("1", "first")))
	require.NoError(t, e.HandleEvent(ctx, photoEvent("1", "second")))
	assert.Equal(t, 1, e.sessions.Len())

	require.NoError(t, e.HandleEvent(ctx, replyEvent("1", "100")))
	require.Len(t, m.sentFiles, 1)
	assert.Equal(t, "Resized to 100 × 50", m.sentFiles[0].Caption)
}

func TestEngine_UsersAreIsolated(t *testing.T) {
	m := newMockMessenger()
	m.files["photo"] = encodeTestImage(t, 400, 300, "jpeg")
	e := newTestEngine(t, m, nil)
	ctx := context.Background()

	require.NoError(t, e.HandleEvent(ctx, photoEvent("1", "photo")))
	require.NoError(t, e.HandleEvent(ctx, replyEvent("2", "100")))
	assert.Equal(t, msgNoImage, m.LastText())
	assert.Empty(t, m.sentFiles)

	// same user ID on another platform is a different user
	other := replyEvent("1", "100")
	other.Platform = "discord"
	discord := newMockMessenger()
	discord.platform = "discord"
	e.RegisterMessenger(discord)
	require.NoError(t, e.HandleEvent(ctx, other))
	assert.Equal(t, msgNoImage, discord.LastText())
	assert.Equal(t, 1, e.sessions.Len())
}

func TestEngine_IgnoredEvents(t *testing.T) {
	m := newMockMessenger()
	e := newTestEngine(t, m, nil)
	ctx := context.Background()

	notToBot := replyEvent("1", "800")
	notToBot.IsReplyToBot = false

	events := []bot.InboundEvent{
		notToBot,
		{Platform: "telegram", UserID: "1", ChatID: "c", Kind: bot.EventOther, Text: "800"},
		commandEvent("1", "settings"),
	}
	for _, ev := range events {
		require.NoError(t, e.HandleEvent(ctx, ev))
	}

	assert.Empty(t, m.Texts())
	assert.Equal(t, int64(3), e.Stats().Handled.Ignored)
}

func TestEngine_NonImageDocumentRejected(t *testing.T) {
	m := newMockMessenger()
	e := newTestEngine(t, m, nil)

	ev := photoEvent("1", "doc")
	ev.Attachment = &bot.Attachment{Kind: bot.AttachmentDocument, FileID: "doc", MimeType: "application/pdf"}
	require.NoError(t, e.HandleEvent(context.Background(), ev))

	assert.Equal(t, msgNotAnImage, m.LastText())
	assert.Equal(t, 0, e.sessions.Len())
}

func TestEngine_UndecodableImage(t *testing.T) {
	m := newMockMessenger()
	m.files["photo"] = []byte("definitely not an image")
	e := newTestEngine(t, m, nil)

	require.NoError(t, e.HandleEvent(context.Background(), photoEvent("1", "photo")))
	assert.Equal(t, msgCannotOpen, m.LastText())
	assert.Equal(t, 0, e.sessions.Len())
}

func TestEngine_DownloadFailures(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"network", errors.New("connection reset"), msgDownloadError},
		{"too large", fmt.Errorf("wrapped: %w", bot.ErrFileTooLarge), msgFileTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newMockMessenger()
			m.downloadErr = tt.err
			e := newTestEngine(t, m, nil)

			require.NoError(t, e.HandleEvent(context.Background(), photoEvent("1", "photo")))
			assert.Equal(t, tt.want, m.LastText())
			assert.Equal(t, 0, e.sessions.Len())
		})
	}
}

func TestEngine_ResizeFailureKeepsSession(t *testing.T) {
	m := newMockMessenger()
	m.files["photo"] = encodeTestImage(t, 400, 300, "jpeg")
	e := newTestEngine(t, m, failingResizeCodec{Codec: codec.NewImaging(92, 0)})
	ctx := context.Background()

	require.NoError(t, e.HandleEvent(ctx, photoEvent("1", "photo")))
	require.NoError(t, e.HandleEvent(ctx, replyEvent("1", "100")))

	assert.Equal(t, msgResizeFailed, m.LastText())
	assert.Empty(t, m.sentFiles)
	assert.Equal(t, 1, e.sessions.Len())
	assert.Equal(t, int64(1), e.Stats().Handled.Errors)
}

func TestEngine_SendFileFailureStillConsumesSession(t *testing.T) {
	m := newMockMessenger()
	m.files["photo"] = encodeTestImage(t, 400, 300, "jpeg")
	m.fileErr = errors.New("connection dropped mid-upload")
	e := newTestEngine(t, m, nil)
	ctx := context.Background()

	require.NoError(t, e.HandleEvent(ctx, photoEvent("1", "photo")))
	err := e.HandleEvent(ctx, replyEvent("1", "100"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection dropped")
	assert.Equal(t, 0, e.sessions.Len())
}

func TestEngine_Cancel(t *testing.T) {
	m := newMockMessenger()
	m.files["photo"] = encodeTestImage(t, 40, 30, "jpeg")
	e := newTestEngine(t, m, nil)
	ctx := context.Background()

	require.NoError(t, e.HandleEvent(ctx, commandEvent("1", "cancel")))
	assert.Equal(t, msgNothingToDrop, m.LastText())

	require.NoError(t, e.HandleEvent(ctx, photoEvent("1", "photo")))
	require.NoError(t, e.HandleEvent(ctx, commandEvent("1", "cancel")))
	assert.Equal(t, msgCancelled, m.LastText())
	assert.Equal(t, 0, e.sessions.Len())

	require.NoError(t, e.HandleEvent(ctx, replyEvent("1", "20")))
	assert.Equal(t, msgNoImage, m.LastText())
}

func TestEngine_UnknownPlatform(t *testing.T) {
	e := newTestEngine(t, newMockMessenger(), nil)

	ev := commandEvent("1", "start")
	ev.Platform = "matrix"
	assert.Error(t, e.HandleEvent(context.Background(), ev))
}

func TestEngine_Deliver_RunsThroughLoop(t *testing.T) {
	m := newMockMessenger()
	m.files["photo"] = encodeTestImage(t, 400, 300, "jpeg")
	e := newTestEngine(t, m, nil)
	ctx := context.Background()

	e.Deliver(ctx, photoEvent("1", "photo"))
	e.Deliver(ctx, replyEvent("1", "200"))

	require.Len(t, m.sentFiles, 1)
	assert.Equal(t, "Resized to 200 × 150", m.sentFiles[0].Caption)

	stats := e.Stats()
	assert.Equal(t, int64(2), stats.Bridge.Submitted)
	assert.Equal(t, int64(2), stats.Bridge.Completed)
	assert.Equal(t, 0, stats.PendingSessions)
}

func TestEngine_Deliver_ReplyFailureSendsApology(t *testing.T) {
	m := newMockMessenger()
	m.textErrs = []error{errors.New("chat not found")}
	e := newTestEngine(t, m, nil)

	e.Deliver(context.Background(), commandEvent("1", "start"))

	assert.Equal(t, []string{msgGenericError}, m.Texts())
	assert.Equal(t, int64(1), e.Stats().Handled.Errors)
}

func TestEngine_Deliver_TimeoutLeavesTaskRunning(t *testing.T) {
	m := newMockMessenger()
	m.block = make(chan struct{})
	e := newTestEngineWithLoop(t, m, nil, bridge.Config{Workers: 1, QueueSize: 4, Timeout: 20 * time.Millisecond})

	done := make(chan struct{})
	go func() {
		e.Deliver(context.Background(), commandEvent("1", "start"))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Deliver did not return after the bridge timeout")
	}
	assert.Empty(t, m.Texts())

	close(m.block)
	assert.Eventually(t, func() bool {
		return len(m.Texts()) == 1 && m.LastText() == msgWelcome
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), e.Stats().Bridge.TimedOut)
}
