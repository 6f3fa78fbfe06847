package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	httpHandlers "github.com/vibewell25/vibewell-sub010/internal/adapters/http/handlers"
	httpMiddleware "github.com/vibewell25/vibewell-sub010/internal/adapters/http/middleware"
	promMetrics "github.com/vibewell25/vibewell-sub010/internal/adapters/metrics"
	"github.com/vibewell25/vibewell-sub010/internal/adapters/storage/fallback"
	"github.com/vibewell25/vibewell-sub010/internal/adapters/storage/memory"
	redisstorage "github.com/vibewell25/vibewell-sub010/internal/adapters/storage/redis"
	"github.com/vibewell25/vibewell-sub010/internal/config"
	"github.com/vibewell25/vibewell-sub010/internal/core/ports"
	"github.com/vibewell25/vibewell-sub010/internal/core/services"
	"github.com/vibewell25/vibewell-sub010/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	trusted, err := httpMiddleware.ParseTrustedProxies(cfg.RateLimiter.TrustedProxies)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := promMetrics.NewPrometheus(registry)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	local := memory.New(memory.WithSweepInterval(cfg.RateLimiter.SweepInterval))
	defer func() { _ = local.Close() }()

	distributed, healthy, closeFn, err := initStorage(cfg, local, logger, metrics)
	if err != nil {
		return err
	}
	defer closeFn()

	limiter, err := services.NewWindowLimiter(services.Config{
		Local:              local,
		Distributed:        distributed,
		DistributedHealthy: healthy,
		Logger:             logger,
		Metrics:            metrics,
	})
	if err != nil {
		return err
	}

	events, err := services.NewEventLogger(services.EventLoggerConfig{
		Store:               limiter.Store(distributed != nil),
		KeyPrefix:           cfg.RateLimiter.Options.KeyPrefix,
		MaxEvents:           cfg.Events.MaxEvents,
		Retention:           cfg.Events.Retention,
		SuspiciousRetention: cfg.Events.SuspiciousRetention,
		Logger:              logger,
	})
	if err != nil {
		return err
	}
	defer events.Flush()

	blocklist, err := services.NewBlocklist(services.BlocklistConfig{
		Store:     limiter.Store(distributed != nil),
		Events:    events,
		KeyPrefix: cfg.RateLimiter.Options.KeyPrefix,
		AutoBlock: services.AutoBlock{
			Threshold: cfg.RateLimiter.AutoBlockThreshold,
			Window:    cfg.RateLimiter.AutoBlockWindow,
			Duration:  cfg.RateLimiter.AutoBlockDuration,
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	requests, err := services.NewRequestLimiter(services.RequestLimiterConfig{
		Limiter:    limiter,
		Events:     events,
		Blocklist:  blocklist,
		Metrics:    metrics,
		Options:    cfg.RateLimiter.Options,
		Routes:     cfg.RateLimiter.Routes,
		StatusCode: cfg.RateLimiter.StatusCode,
		Message:    cfg.RateLimiter.Message,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	ws, err := services.NewWebSocketLimiter(services.WebSocketLimiterConfig{
		Limiter:   limiter,
		Events:    events,
		Blocklist: blocklist,
		Metrics:   metrics,
		Limits: services.WebSocketConfig{
			MaxConnectionsPerIP:     cfg.WebSocket.MaxConnectionsPerIP,
			ConnectionWindow:        cfg.WebSocket.ConnectionWindow,
			MaxConnectionsPerWindow: cfg.WebSocket.MaxConnectionsPerWindow,
			MaxMessagesPerMinute:    cfg.WebSocket.MaxMessagesPerMinute,
			MaxMessageSizeBytes:     cfg.WebSocket.MaxMessageSizeBytes,
			BurstFactor:             cfg.WebSocket.BurstFactor,
			BurstDuration:           cfg.WebSocket.BurstDuration,
			KeyPrefix:               cfg.RateLimiter.Options.KeyPrefix,
			Path:                    "/ws",
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	wsHandler := httpHandlers.NewWebSocketHandler(ws, trusted, logger)
	r.Handle("/ws", wsHandler)

	r.Group(func(r chi.Router) {
		r.Use(httpMiddleware.NewRateLimiterMiddleware(requests, middlewareOptions(cfg.RateLimiter, trusted)))
		r.Get("/test", httpHandlers.TestHandler)
	})

	if cfg.Admin.Token != "" {
		admin := httpHandlers.NewAdminHandler(events, blocklist, limiter, logger)
		r.Mount("/admin/ratelimit", admin.Routes(cfg.Admin.Token))
	} else {
		logger.Info("ADMIN_TOKEN not set, admin endpoints disabled")
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	// Hijacked WebSocket connections are not tracked by Shutdown.
	srv.RegisterOnShutdown(wsHandler.Close)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		err := srv.ListenAndServe()
		if err != nil {
			errCh <- err
		}
	}()

	logger.Info("server listening",
		zap.String("addr", srv.Addr),
		zap.Bool("distributed", limiter.ShouldUseDistributedStore()),
		zap.String("failure_policy", cfg.RateLimiter.FailurePolicy))

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
	wsHandler.Close()
	if err := wsHandler.Wait(shutdownCtx); err != nil {
		logger.Error("websocket connections still open at shutdown", zap.Error(err))
	}
	return nil
}

// initStorage builds the distributed store according to the failure policy.
// It returns a nil store when Redis is disabled.
func initStorage(cfg config.Config, local *memory.Storage, logger *zap.Logger, metrics ports.Metrics) (ports.CounterStore, func() bool, func(), error) {
	noop := func() {}
	if !cfg.Redis.Enabled {
		logger.Info("redis disabled, using in-process counter store")
		return nil, nil, noop, nil
	}

	redisCfg := redisstorage.Config{
		URL:      cfg.Redis.URL,
		Addr:     cfg.Redis.Addr(),
		Username: cfg.Redis.Username,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		TLS:      cfg.Redis.TLS,
		Timeout:  cfg.Redis.Timeout,
		Logger:   logger,
		Metrics:  metrics,
	}

	closeWith := func(s *redisstorage.Storage) func() {
		return func() {
			if err := s.Close(); err != nil {
				logger.Error("failed to close redis storage", zap.Error(err))
			}
		}
	}

	switch cfg.RateLimiter.FailurePolicy {
	case config.PolicyFallbackMemory:
		store, err := redisstorage.New(redisCfg)
		if err != nil {
			metrics.SetFallbackActive(true)
			logger.Error("redis unreachable at startup, using in-process counter store for the rest of the process lifetime", zap.Error(err))
			return nil, nil, noop, nil
		}
		fb := fallback.New(store, local, logger, metrics)
		return fb, func() bool { return !fb.Degraded() }, closeWith(store), nil

	default:
		store, err := redisstorage.NewLazy(redisCfg)
		if err != nil {
			return nil, nil, noop, err
		}
		logger.Info("redis enabled, failing open on store errors")
		return store, nil, closeWith(store), nil
	}
}

func middlewareOptions(cfg config.RateLimiterConfig, trusted []*net.IPNet) httpMiddleware.Options {
	opts := httpMiddleware.Options{
		Identifier: httpMiddleware.IdentifierOptions{
			KeyPrefix:      cfg.Options.KeyPrefix,
			TrustedProxies: trusted,
		},
	}
	if header := strings.TrimSpace(cfg.IdentityHeader); header != "" {
		opts.Identifier.KeyFunc, opts.UserFunc = httpMiddleware.HeaderIdentity(header, trusted)
	}
	return opts
}
