package web

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/asheshgoplani/devin-relay/internal/logging"
	"github.com/asheshgoplani/devin-relay/internal/monitor"
	"github.com/asheshgoplani/devin-relay/internal/relay"
)

var webLog = logging.ForComponent(logging.CompWeb)

// Monitors exposes the live monitor set.
type Monitors interface {
	Active() []monitor.Snapshot
	Snapshot(sessionID string) (monitor.Snapshot, bool)
}

// Gateway reports chat connectivity.
type Gateway interface {
	Connected() bool
}

// Threads lists recent directory records.
type Threads interface {
	Recent(window time.Duration) ([]relay.Record, error)
}

// Config defines runtime options for the operability server.
type Config struct {
	ListenAddr string
	// Token, when set, is required on every /api and /events request.
	Token    string
	Monitors Monitors
	Gateway  Gateway
	Threads  Threads
	// LogTail returns the newest buffered log records; nil disables /api/logs.
	LogTail func(n int) [][]byte
	Version string
}

// Server serves health and monitor state for the running relay.
type Server struct {
	cfg        Config
	httpServer *http.Server
	baseCtx    context.Context
	cancelBase context.CancelFunc
	startedAt  time.Time
}

// NewServer creates the server with its routes and middleware.
func NewServer(cfg Config) *Server {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:8420"
	}

	s := &Server{cfg: cfg, startedAt: time.Now()}
	s.baseCtx, s.cancelBase = context.WithCancel(context.Background())

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/api/monitors", s.handleMonitors)
	mux.HandleFunc("/api/monitors/", s.handleMonitorByID)
	mux.HandleFunc("/api/threads", s.handleThreads)
	mux.HandleFunc("/api/logs", s.handleLogs)
	mux.HandleFunc("/events/monitors", s.handleMonitorEvents)

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           withRecover(mux),
		BaseContext:       func(_ net.Listener) context.Context { return s.baseCtx },
		ErrorLog:          logging.NewStdLogger(logging.CompWeb),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Handler returns the configured HTTP handler (used by tests).
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start listens and blocks until shutdown or error.
// Returns nil on graceful shutdown.
func (s *Server) Start() error {
	webLog.Info("http_listening", slog.String("addr", s.cfg.ListenAddr))
	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancelBase != nil {
		// Signal SSE streams to stop promptly.
		s.cancelBase()
	}

	err := s.httpServer.Shutdown(ctx)
	if err == nil {
		return nil
	}

	// Streams may still block graceful shutdown; force close.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		if closeErr := s.httpServer.Close(); closeErr != nil {
			return fmt.Errorf("graceful shutdown timed out and force close failed: %w", closeErr)
		}
		return nil
	}
	return err
}

func withRecover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				webLog.Error("panic",
					slog.String("recover", fmt.Sprintf("%v", rec)),
					slog.String("path", r.URL.Path))
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) String() string {
	return fmt.Sprintf("web-server(addr=%s, auth=%t)", s.cfg.ListenAddr, s.cfg.Token != "")
}
