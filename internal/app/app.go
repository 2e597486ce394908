// Package app wires config, telemetry, storage, the domain engines, and the
// HTTP/background-worker surfaces together into a runnable service, the way
// a single Run entry point assembles everything the on-call stack's binary
// needs regardless of which mode it starts in.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/opdtoken/internal/config"
	"github.com/wisbric/opdtoken/internal/events"
	"github.com/wisbric/opdtoken/internal/httpserver"
	"github.com/wisbric/opdtoken/internal/notify"
	"github.com/wisbric/opdtoken/internal/opddb"
	"github.com/wisbric/opdtoken/internal/platform"
	"github.com/wisbric/opdtoken/internal/seed"
	"github.com/wisbric/opdtoken/internal/slotapi"
	"github.com/wisbric/opdtoken/internal/sweeper"
	"github.com/wisbric/opdtoken/internal/telemetry"
	"github.com/wisbric/opdtoken/internal/tokenapi"
	"github.com/wisbric/opdtoken/pkg/allocation"
	"github.com/wisbric/opdtoken/pkg/alternative"
	"github.com/wisbric/opdtoken/pkg/capacity"
	"github.com/wisbric/opdtoken/pkg/priority"
	"github.com/wisbric/opdtoken/pkg/slot"
)

// version is set at build time via -ldflags; it defaults to "dev" for local
// builds and tests.
var version = "dev"

// Run starts the service in the mode cfg.Mode selects. It blocks until ctx
// is cancelled.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.OTLPEndpoint, "opdtoken", version)
	if err != nil {
		return fmt.Errorf("initializing tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Error("shutting down tracer", "error", err)
		}
	}()

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	defer db.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer rdb.Close()

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	store := opddb.NewPostgresStore(db)

	lifecycle := slot.NewLifecycle(store, logger)
	guard := capacity.NewGuard(store, logger, cfg.DisplacementMargin)
	prio := priority.NewEngine(store, logger)
	finder := alternative.NewFinder(store)

	slackNotifier := notify.NewSlackNotifier(cfg.SlackBotToken, cfg.SlackAlertChannel, logger)
	sink := events.NewWriter(db, rdb, logger, slackNotifier)
	defer sink.Close()

	engine := allocation.NewEngine(store, lifecycle, guard, store, prio, finder, sink, logger, allocation.Config{
		MaxReallocationAttempts: cfg.MaxReallocationAttempts,
		ReallocationWindowHours: cfg.ReallocationWindowHours,
		MaxForwardDays:          cfg.MaxForwardDays,
	})

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, db, rdb, engine, lifecycle)
	case "worker":
		return runWorker(ctx, logger, lifecycle, store, rdb)
	case "seed":
		return seed.RunDemo(ctx, db, logger)
	default:
		return fmt.Errorf("unknown mode %q", cfg.Mode)
	}
}

// runAPI serves the HTTP token allocation API until ctx is cancelled.
func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, engine *allocation.Engine, lifecycle *slot.Lifecycle) error {
	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	srv := httpserver.NewServer(httpserver.ServerConfig{
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	}, logger, db, rdb, metricsReg)

	tokens := tokenapi.NewHandler(engine, logger)
	srv.APIRouter.Mount("/tokens", tokens.Routes())

	slots := slotapi.NewHandler(lifecycle, logger)
	srv.APIRouter.Mount("/slots", slots.Routes())

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           srv,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("opdtoken: api server starting", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		logger.Info("opdtoken: api server shutting down")
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("api server: %w", err)
	}
}

// runWorker runs the background slot generator and stale-reallocation
// sweeper until ctx is cancelled.
func runWorker(ctx context.Context, logger *slog.Logger, lifecycle *slot.Lifecycle, store *opddb.PostgresStore, rdb *redis.Client) error {
	slotGen := sweeper.NewSlotGenerator(lifecycle, logger, 24*time.Hour)
	staleSweeper := sweeper.NewStaleReallocationSweeper(store, rdb, logger, 5*time.Minute, 10*time.Minute)

	go slotGen.Run(ctx)
	go staleSweeper.Run(ctx)

	logger.Info("opdtoken: worker started")
	<-ctx.Done()
	logger.Info("opdtoken: worker stopped")
	return nil
}
