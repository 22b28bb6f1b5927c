// Command server starts the bulk video generation orchestrator.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/reelforge/reelforge/internal/adapter/httpserver"
	"github.com/reelforge/reelforge/internal/adapter/media"
	"github.com/reelforge/reelforge/internal/adapter/observability"
	"github.com/reelforge/reelforge/internal/adapter/repo/postgres"
	"github.com/reelforge/reelforge/internal/adapter/upstream/veo"
	"github.com/reelforge/reelforge/internal/app"
	"github.com/reelforge/reelforge/internal/config"
	"github.com/reelforge/reelforge/internal/service/poller"
	"github.com/reelforge/reelforge/internal/service/submitqueue"
	"github.com/reelforge/reelforge/internal/service/tokenpool"
	"github.com/reelforge/reelforge/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		slog.Error("schema migration failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Repositories
	userRepo := postgres.NewUserRepo(pool)
	tokenRepo := postgres.NewTokenRepo(pool, cfg.BatchSize)
	videoRepo := postgres.NewVideoRepo(pool)

	// Upstream adapters
	generator := veo.New(cfg)
	uploader := media.New(cfg)

	// Services
	tokens := tokenpool.New(tokenRepo, tokenpool.Options{
		ErrorWindow:    cfg.ErrorWindow,
		ErrorThreshold: cfg.ErrorThreshold,
		Cooldown:       cfg.CooldownDuration,
	})
	coordinator := poller.New(videoRepo, generator, uploader, tokens, poller.Options{
		MaxWorkers:        int64(cfg.MaxConcurrentWorkers),
		PollInterval:      cfg.PollInterval,
		InitialDelay:      cfg.InitialPollDelay,
		MaxAttempts:       cfg.MaxPollAttempts,
		TokenRetryAttempt: cfg.TokenRetryAttempt,
		Heartbeat:         cfg.HeartbeatInterval,
	})
	defer coordinator.Close()
	queue := submitqueue.New(videoRepo, tokens, generator, coordinator, tokenRepo, submitqueue.Options{
		MaxConcurrent:  cfg.MaxConcurrentSubmissions,
		MaxRetries:     cfg.JobMaxRetries,
		RetryDelay:     cfg.RetryDelay,
		FallbackAPIKey: cfg.FallbackAPIKey,
	})
	defer queue.Close()

	// Usecases
	plans := usecase.NewPlanService()
	videoSvc := usecase.NewVideoService(cfg, userRepo, videoRepo, tokens, tokenRepo, generator, queue, coordinator, coordinator, plans)
	tokenAdmin := usecase.NewTokenAdmin(tokenRepo, tokens)

	// Rebuild in-flight work lost in the last shutdown.
	app.RecoverOrphans(ctx, cfg, videoRepo, tokenRepo, queue, coordinator)

	// Background housekeeping.
	hkCtx, hkCancel := context.WithCancel(ctx)
	defer hkCancel()
	go app.NewHousekeeper(cfg, userRepo, videoRepo).Run(hkCtx)

	srv := httpserver.NewServer(cfg, videoSvc, tokenAdmin, userRepo, pool.Ping)
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      app.BuildRouter(cfg, srv),
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", slog.Int("port", cfg.Port), slog.String("env", cfg.AppEnv))
		errCh <- server.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-stop:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server failed", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("graceful shutdown failed", slog.Any("error", err))
	}
	slog.Info("server stopped")
}
