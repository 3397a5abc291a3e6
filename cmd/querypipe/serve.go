package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/querypipe/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/querypipe/internal/config"
	"github.com/Kocoro-lab/Shannon/go/querypipe/internal/health"
	"github.com/Kocoro-lab/Shannon/go/querypipe/internal/httpapi"
	"github.com/Kocoro-lab/Shannon/go/querypipe/internal/logging"
	"github.com/Kocoro-lab/Shannon/go/querypipe/internal/server"
	"github.com/Kocoro-lab/Shannon/go/querypipe/internal/streaming"
	"github.com/Kocoro-lab/Shannon/go/querypipe/internal/tracing"
)

const (
	healthInterval = 30 * time.Second
	sweepInterval  = time.Minute
	// historyRetention bounds how long idle traces stay replayable from memory.
	historyRetention = 15 * time.Minute
)

func newServeCmd() *cobra.Command {
	var poll time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the query API plus health and metrics endpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, path, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, path, poll)
		},
	}
	cmd.Flags().DurationVar(&poll, "poll", 0, "also poll the config file for changes at this interval")
	return cmd
}

func serve(parent context.Context, cfg *config.Config, path string, poll time.Duration) error {
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Initialize(cfg.Tracing, logger)
	if err != nil {
		logger.Warn("Tracing unavailable, continuing without it", zap.Error(err))
	}

	var (
		rw    *circuitbreaker.RedisWrapper
		store streaming.Store
	)
	if cfg.Redis.Enabled() {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		rw = circuitbreaker.NewRedisWrapper(client, cfg.Breakers.Redis, logger)
		defer rw.Close()
		if err := rw.Ping(ctx); err != nil {
			logger.Warn("Redis not reachable at startup; caches and replay degrade until it is", zap.Error(err))
		}
		if cfg.Streaming.RedisStreams {
			store = streaming.NewRedisStore(rw, cfg.Streaming.MaxLen, cfg.Streaming.TTL)
		}
	}
	events := streaming.NewManager(cfg.Streaming.BufferSize, store, logger,
		streaming.WithStoreQueue(cfg.Streaming.StoreQueue),
		streaming.WithStoreTimeout(cfg.Streaming.StoreTimeout),
	)
	defer events.Close()

	svc, err := server.New(ctx, cfg, server.Deps{Redis: rw, Events: events, Logger: logger})
	if err != nil {
		return err
	}
	defer svc.Close()

	hm := health.NewManager(healthInterval, logger)
	_ = hm.RegisterChecker(health.NewBreakerChecker(svc.AgentBreakers(), svc.RequiredAgents))
	_ = hm.RegisterChecker(health.NewDatabaseChecker(svc.Database))
	if rw != nil {
		_ = hm.RegisterChecker(health.NewRedisChecker(rw))
	}
	hm.Start(ctx)
	defer hm.Stop()

	if path != "" {
		w, err := config.NewWatcher(path, cfg, logger)
		if err != nil {
			return err
		}
		if poll > 0 {
			w.EnablePolling(poll)
		}
		w.OnChange(svc.ReloadHandler(ctx))
		if err := w.Start(ctx); err != nil {
			logger.Warn("Config hot reload disabled", zap.Error(err))
		} else {
			defer w.Stop()
		}
	}

	go sweep(ctx, events)

	api := &http.Server{
		Addr: cfg.Server.Addr,
		Handler: httpapi.NewHandler(httpapi.Options{
			Runner:         svc,
			Events:         events,
			MaxQueryLength: cfg.Server.MaxQueryLength,
			AllowedOrigins: cfg.Server.AllowedOrigins,
			Heartbeat:      cfg.Streaming.Heartbeat,
			Logger:         logger,
		}),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	adminMux := http.NewServeMux()
	health.NewHTTPHandler(hm, logger).RegisterRoutes(adminMux)
	if cfg.Metrics.Enabled {
		adminMux.Handle(cfg.Metrics.Path, promhttp.Handler())
	}
	admin := &http.Server{
		Addr:         cfg.Server.AdminAddr,
		Handler:      adminMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 2)
	listen := func(name string, s *http.Server) {
		logger.Info("HTTP server listening", zap.String("server", name), zap.String("addr", s.Addr))
		if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}
	go listen("api", api)
	go listen("admin", admin)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutting down querypipe")
	case runErr = <-errCh:
		logger.Error("HTTP server failed", zap.Error(runErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := api.Shutdown(shutdownCtx); err != nil {
		logger.Warn("API shutdown incomplete", zap.Error(err))
	}
	if err := admin.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Admin shutdown incomplete", zap.Error(err))
	}
	if shutdownTracing != nil {
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("Tracing flush failed", zap.Error(err))
		}
	}
	return runErr
}

func sweep(ctx context.Context, events *streaming.Manager) {
	t := time.NewTicker(sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			events.Sweep(historyRetention)
		}
	}
}
