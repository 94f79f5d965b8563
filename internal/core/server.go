package core

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/keepmind9/resizebot/internal/bot"
	"github.com/keepmind9/resizebot/internal/logger"
	"github.com/keepmind9/resizebot/pkg/constants"
	"github.com/sirupsen/logrus"
)

// SecretTokenHeader carries the secret registered with setWebhook
const SecretTokenHeader = "X-Telegram-Bot-Api-Secret-Token"

// WebhookDecoder turns a webhook payload into an event
type WebhookDecoder interface {
	DecodeUpdate(data []byte) (bot.InboundEvent, error)
}

// EventSink accepts decoded events and reports counters. *Engine implements it.
type EventSink interface {
	Deliver(ctx context.Context, ev bot.InboundEvent)
	Stats() Stats
}

// Server is the HTTP endpoint: liveness, Telegram webhook and stats
type Server struct {
	port        int
	webhookPath string
	secret      string
	decoder     WebhookDecoder
	sink        EventSink

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
	closed     bool
}

// NewServer creates a server for the given configuration
func NewServer(config *Config, decoder WebhookDecoder, sink EventSink) *Server {
	return &Server{
		port:        config.Server.Port,
		webhookPath: config.Server.WebhookPath,
		secret:      config.Telegram.WebhookSecret,
		decoder:     decoder,
		sink:        sink,
	}
}

// Handler returns the routing table
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("POST "+s.webhookPath, s.handleWebhook)
	mux.HandleFunc("GET "+StatsPath, s.handleStats)
	return mux
}

// ListenAndServe serves until Shutdown is called
func (s *Server) ListenAndServe() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Listen binds the listening socket. Connections queue until Serve is called.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return http.ErrServerClosed
	}
	if s.listener != nil {
		return nil
	}

	addr := fmt.Sprintf(":%d", s.port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	s.listener = ln
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.WithFields(logrus.Fields{
		"address":      ln.Addr().String(),
		"webhook_path": s.webhookPath,
	}).Info("http-server-listening")
	return nil
}

// Serve handles requests on the socket bound by Listen until Shutdown is called
func (s *Server) Serve() error {
	s.mu.Lock()
	srv, ln := s.httpServer, s.listener
	s.mu.Unlock()
	if srv == nil {
		return errors.New("http server: Serve called before Listen")
	}

	// When Shutdown() is called, Serve returns ErrServerClosed
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}

	logger.Info("http-server-stopped")
	return nil
}

// Addr returns the bound address, or nil before Listen
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown stops the server gracefully, forcing close after constants.ShutdownTimeout.
// A server shut down before Listen never starts.
func (s *Server) Shutdown() {
	s.mu.Lock()
	s.closed = true
	srv, ln := s.httpServer, s.listener
	s.mu.Unlock()
	if srv == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
	defer cancel()
	// http.Server only closes listeners Serve has taken over
	defer ln.Close()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Errorf("failed-to-gracefully-stop-http-server: %v", err)
		srv.Close()
		return
	}
	logger.Info("http-server-stopped-gracefully")
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, msgLiveness)
}

// handleWebhook accepts a Telegram update. Anything past the content type
// and secret checks is answered 200 so Telegram does not redeliver it.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		logger.WithField("content_type", r.Header.Get("Content-Type")).Warn("webhook-wrong-content-type")
		http.Error(w, "Wrong content type", http.StatusForbidden)
		return
	}

	if s.secret != "" {
		got := r.Header.Get(SecretTokenHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.secret)) != 1 {
			logger.WithField("remote_addr", r.RemoteAddr).Warn("webhook-secret-mismatch")
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, constants.MaxWebhookBodySize))
	defer r.Body.Close()
	if err != nil {
		logger.WithField("error", err).Warn("failed-to-read-webhook-body")
		w.WriteHeader(http.StatusOK)
		return
	}

	ev, err := s.decoder.DecodeUpdate(data)
	if err != nil {
		logger.WithFields(logrus.Fields{
			"error": err,
			"bytes": len(data),
		}).Warn("webhook-update-rejected")
		w.WriteHeader(http.StatusOK)
		return
	}

	s.sink.Deliver(r.Context(), ev)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.sink.Stats()); err != nil {
		logger.WithField("error", err).Warn("failed-to-write-stats")
	}
}

var _ EventSink = (*Engine)(nil)
