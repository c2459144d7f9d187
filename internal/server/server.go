package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"

	"github.com/Tyrowin/gorelay/internal/auth"
	"github.com/Tyrowin/gorelay/internal/bridge"
	"github.com/Tyrowin/gorelay/internal/logging"
	"github.com/Tyrowin/gorelay/internal/metrics"
	"github.com/Tyrowin/gorelay/internal/ratelimit"
	"github.com/Tyrowin/gorelay/internal/relay"
)

// Deps are the collaborators a Server does not build from Config.
type Deps struct {
	// Verifier defaults to an auth.Service built from Config.Auth.
	Verifier auth.Verifier
	// Bridge is optional.
	Bridge *bridge.Bridge
	// Registry receives the relay collectors and backs /metrics. A fresh
	// registry is created when nil.
	Registry *prometheus.Registry
	// Metrics must be registered on Registry when both are set. They are
	// created on Registry when nil.
	Metrics *metrics.Metrics
	Clock   clock.Clock
	Logger  *slog.Logger
}

// Server is the relay's HTTP surface around one Hub.
type Server struct {
	config     Config
	hub        *relay.Hub
	verifier   auth.Verifier
	handshakes *ratelimit.Governor
	events     *ratelimit.Governor
	upgrader   websocket.Upgrader
	registry   *prometheus.Registry
	metrics    *metrics.Metrics
	clock      clock.Clock
	logger     *slog.Logger
}

// New builds the hub and HTTP handlers for cfg.
func New(cfg Config, deps Deps) (*Server, error) {
	cfg = sanitizeConfig(cfg)
	logger := logging.OrDefault(deps.Logger)
	clk := deps.Clock
	if clk == nil {
		clk = clock.New()
	}
	registry := deps.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	verifier := deps.Verifier
	if verifier == nil {
		verifier = auth.NewService(cfg.Auth)
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.New(registry)
	}

	hub, err := relay.NewHub(relay.Options{
		Offline: cfg.Offline,
		Calls:   cfg.Calls,
		Bridge:  deps.Bridge,
		Clock:   clk,
		Metrics: m,
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create hub: %w", err)
	}

	origins := newOriginPolicy(cfg.AllowedOrigins, logger)
	return &Server{
		config:     cfg,
		hub:        hub,
		verifier:   verifier,
		handshakes: ratelimit.NewGovernor(cfg.RateLimit, clk),
		events:     ratelimit.NewGovernor(cfg.RateLimit, clk),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     origins.check,
		},
		registry: registry,
		metrics:  m,
		clock:    clk,
		logger:   logger,
	}, nil
}

// Config returns the sanitised configuration in use.
func (s *Server) Config() Config {
	return s.config
}

// StartHub runs the hub loop in its own goroutine. Call it before serving.
func (s *Server) StartHub() {
	go s.hub.Run()
	s.logger.Info("hub started and ready to manage websocket connections")
}

// CreateServer creates an HTTP server for handler with production timeouts.
// Websocket connections are hijacked and are not bound by them.
func CreateServer(port string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// HTTPServer returns an http.Server on the configured port serving Routes.
func (s *Server) HTTPServer() *http.Server {
	return CreateServer(s.config.Port, s.Routes())
}

// Shutdown stops accepting HTTP requests, then disconnects every session and
// stops the hub. Errors from both steps are combined.
func (s *Server) Shutdown(httpServer *http.Server, timeout time.Duration) error {
	var err error
	if httpServer != nil {
		err = multierr.Append(err, ShutdownServer(httpServer, timeout, s.logger))
	}
	return multierr.Append(err, s.hub.Shutdown(timeout))
}

// ShutdownServer gracefully shuts down server, waiting up to timeout for
// in-flight requests.
func ShutdownServer(server *http.Server, timeout time.Duration, logger *slog.Logger) error {
	logger = logging.OrDefault(logger)
	logger.Info("shutting down http server")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("http server shutdown error", "error", err)
		return err
	}
	logger.Info("http server shutdown completed")
	return nil
}
