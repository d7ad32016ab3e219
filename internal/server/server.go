// Package server exposes a session to the presentation layer over HTTP and
// WebSocket, and hosts the bridge for browser-side speech recognition.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/MrWong99/scriptcue/internal/cursor"
	"github.com/MrWong99/scriptcue/internal/health"
	"github.com/MrWong99/scriptcue/internal/observe"
	"github.com/MrWong99/scriptcue/internal/session"
	"github.com/MrWong99/scriptcue/pkg/speech"
)

// maxBodyBytes bounds script uploads and WebSocket frames.
const maxBodyBytes = 1 << 20

// Config configures a [Server].
type Config struct {
	// Addr is the TCP listen address. Default ":8080".
	Addr string

	// CertFile and KeyFile enable TLS when both are set.
	CertFile string
	KeyFile  string

	// ShutdownTimeout bounds graceful shutdown. Default 10s.
	ShutdownTimeout time.Duration

	// Session is the session being presented. Required.
	Session *session.Session

	// Hub fans messages out to WebSocket clients. Required.
	Hub *Hub

	// Bridge is set when browsers act as the speech source. When nil,
	// speech frames from clients are rejected.
	Bridge *Bridge

	// OriginPatterns lists extra host patterns allowed to open /ws from
	// another origin.
	OriginPatterns []string

	// MetricsPath and MetricsHandler mount the scrape endpoint when both
	// are set.
	MetricsPath    string
	MetricsHandler http.Handler

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Server is the scriptcue HTTP server.
type Server struct {
	cfg     Config
	session *session.Session
	hub     *Hub
	log     *slog.Logger
	handler http.Handler
	cancel  func()
}

// New wires a Server to its session. The session's cursor and state changes
// are broadcast to every WebSocket client until [Server.Close].
func New(cfg Config) (*Server, error) {
	if cfg.Session == nil {
		return nil, errors.New("server: session must not be nil")
	}
	if cfg.Hub == nil {
		return nil, errors.New("server: hub must not be nil")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Server{
		cfg:     cfg,
		session: cfg.Session,
		hub:     cfg.Hub,
		log:     cfg.Logger,
	}
	s.cancel = s.session.Subscribe(session.Observer{
		OnCursor: func(p cursor.Position) { s.hub.Broadcast(cursorMessage(p)) },
		OnStatus: func(st session.Status) { s.hub.Broadcast(stateMessage(st)) },
		OnScript: func(text string) { s.hub.Broadcast(Message{Type: TypeScript, Text: text}) },
	})

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/cursor", s.handleCursor)
	mux.HandleFunc("GET /api/script", s.handleGetScript)
	mux.HandleFunc("POST /api/script", s.handleSetScript)
	mux.HandleFunc("POST /api/control/{action}", s.handleControl)
	mux.HandleFunc("GET /ws", s.handleWS)
	health.New(s.checkers()...).Register(mux)
	if cfg.MetricsPath != "" && cfg.MetricsHandler != nil {
		mux.Handle("GET "+cfg.MetricsPath, cfg.MetricsHandler)
	}
	s.handler = observe.Middleware(cfg.Metrics, cfg.Logger)(mux)
	return s, nil
}

// Handler returns the instrumented request handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Run serves until ctx is cancelled, then shuts down gracefully. WebSocket
// clients are sent a going-away close.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.cfg.Addr, err)
	}

	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	srv.RegisterOnShutdown(s.hub.CloseAll)

	errCh := make(chan error, 1)
	go func() {
		if s.cfg.CertFile != "" && s.cfg.KeyFile != "" {
			errCh <- srv.ServeTLS(ln, s.cfg.CertFile, s.cfg.KeyFile)
		} else {
			errCh <- srv.Serve(ln)
		}
	}()
	s.log.Info("server listening", "addr", ln.Addr().String(), "tls", s.cfg.CertFile != "")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server: serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	s.log.Info("server stopped")
	return nil
}

// Close stops broadcasting session changes and disconnects all clients.
func (s *Server) Close() {
	s.cancel()
	s.hub.CloseAll()
}

// checkers are the readiness checks for /readyz.
func (s *Server) checkers() []health.Checker {
	return []health.Checker{
		{Name: "script", Check: func(context.Context) error {
			if s.session.Position().Length == 0 {
				return errors.New("no script loaded")
			}
			return nil
		}},
		{Name: "recognizer", Check: func(context.Context) error {
			if st := s.session.Status(); st.Fault == speech.FaultRestartExhausted {
				return errors.New(st.Message)
			}
			return nil
		}},
	}
}
