package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/hookline/hookline/internal/api"
	"github.com/hookline/hookline/internal/config"
	"github.com/hookline/hookline/internal/engine"
	"github.com/hookline/hookline/internal/janitor"
	"github.com/hookline/hookline/internal/queue"
	"github.com/hookline/hookline/internal/store"
	"github.com/hookline/hookline/internal/verify"
	"github.com/hookline/hookline/internal/worker"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize PostgreSQL
	pgStore, err := store.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer pgStore.Close()
	logger.Info("connected to PostgreSQL")

	// Run database migrations
	if err := pgStore.RunMigrations(ctx, "migrations"); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	logger.Info("database migrations applied")

	// Initialize Redis
	redisStore, err := store.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer redisStore.Close()
	logger.Info("connected to Redis")

	deliveryQueue := queue.New(redisStore.Client(), queue.DeliveryQueueKey, logger)
	healthQueue := queue.New(redisStore.Client(), queue.HealthQueueKey, logger)
	rateLimiter := engine.NewRateLimiter(redisStore.Client(), logger)
	fanout := engine.NewFanOut(pgStore, deliveryQueue, logger)

	// Background verification of newly registered endpoints
	verifier := verify.NewVerifier(pgStore, logger)
	runner := verify.NewRunner(verifier, cfg.VerifyWorkers, logger)
	runner.Start(ctx)
	defer runner.Stop()

	// Delivery workers
	deliverer := worker.NewDeliverer(pgStore, rateLimiter, logger).WithTimeout(cfg.DeliveryTimeout)
	pool := worker.NewPool(cfg.NumWorkers, deliverer, logger)
	pool.Start(ctx)
	defer pool.Stop()

	dispatcher := worker.NewDispatcher([]*queue.Queue{deliveryQueue, healthQueue}, pool, logger)

	jan := janitor.New(pgStore, healthQueue, logger).
		WithIntervals(cfg.HealthRetryInterval, cfg.CleanupInterval, cfg.EventRetention)

	router := api.NewRouter(pgStore, fanout, runner)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("server starting", "port", cfg.Port, "workers", cfg.NumWorkers)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		dispatcher.Start(gctx)
		return nil
	})

	g.Go(func() error {
		jan.RunHealthSweep(gctx)
		return nil
	})

	g.Go(func() error {
		jan.RunCleanup(gctx)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}
