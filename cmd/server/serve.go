package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/gorelay/internal/bridge"
	"github.com/Tyrowin/gorelay/internal/logging"
	"github.com/Tyrowin/gorelay/internal/metrics"
	"github.com/Tyrowin/gorelay/internal/server"
)

const shutdownTimeout = 10 * time.Second

func runServe(ctx context.Context, configPath string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := server.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := logging.New(cfg.Log)
	slog.SetDefault(logger)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	var relayBridge *bridge.Bridge
	if cfg.Bridge.Enabled {
		name := "relay"
		if cfg.Bridge.NodeID != "" {
			name += "-" + cfg.Bridge.NodeID
		}
		bus, err := bridge.ConnectNATS(cfg.Bridge.NATSURL, name, logger)
		if err != nil {
			return fmt.Errorf("failed to connect bridge: %w", err)
		}
		relayBridge = bridge.New(cfg.Bridge, bus, m, logger)
		logger.Info("bridge connected", "node_id", relayBridge.NodeID(), "nats_url", cfg.Bridge.NATSURL)
	}

	srv, err := server.New(cfg, server.Deps{
		Bridge:   relayBridge,
		Registry: registry,
		Metrics:  m,
		Logger:   logger,
	})
	if err != nil {
		if relayBridge != nil {
			_ = relayBridge.Close()
		}
		return fmt.Errorf("failed to initialize relay: %w", err)
	}

	effective := srv.Config()
	logger.Info("configuration loaded",
		"port", effective.Port,
		"allowed_origins", effective.AllowedOrigins,
		"rate_limit", effective.RateLimit.Limit,
		"rate_window", effective.RateLimit.Window,
		"bridge", effective.Bridge.Enabled,
	)

	srv.StartHub()
	httpServer := srv.HTTPServer()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("relay listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received, initiating graceful shutdown")
		return srv.Shutdown(httpServer, shutdownTimeout)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("relay stopped gracefully")
	return nil
}
