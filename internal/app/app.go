// Package app wires configuration and infrastructure into a running
// commandrunner process: Postgres, Redis, migrations, metrics, and the
// Worker supervisor.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/commandrunner/internal/config"
	"github.com/wisbric/commandrunner/internal/platform"
	"github.com/wisbric/commandrunner/internal/telemetry"
	"github.com/wisbric/commandrunner/pkg/cronplan"
	"github.com/wisbric/commandrunner/pkg/effect"
	"github.com/wisbric/commandrunner/pkg/evaluator"
	"github.com/wisbric/commandrunner/pkg/tenant"
	"github.com/wisbric/commandrunner/pkg/worker"
)

// Run is the process entry point: it connects to infrastructure, applies
// global migrations, and blocks running the Worker supervisor until ctx is
// cancelled.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting commandrunner", "worker_count", cfg.WorkerCount)

	pool, rdb, sup, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer pool.Close()
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	go runNudgeListener(ctx, rdb, sup, logger)

	return sup.Run(ctx)
}

// RunOnce is the CLI-level admin entry point (spec.md §6): it connects
// just long enough to mark one command due immediately, then returns. It
// does not start the tick loop.
func RunOnce(ctx context.Context, cfg *config.Config, tenantSlug, cmdIDStr string) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	cmdID, err := uuid.Parse(cmdIDStr)
	if err != nil {
		return fmt.Errorf("parsing -run-once-id: %w", err)
	}

	pool, rdb, sup, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer pool.Close()
	defer rdb.Close()

	if err := sup.RunOnce(ctx, tenantSlug, cmdID); err != nil {
		return err
	}
	logger.Info("command marked due", "tenant", tenantSlug, "command_id", cmdID)
	return nil
}

// build connects to Postgres/Redis, applies global migrations, and
// assembles a Supervisor ready to run. The caller owns closing pool/rdb.
func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*pgxpool.Pool, *redis.Client, *worker.Supervisor, error) {
	pool, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connecting to database: %w", err)
	}

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		pool.Close()
		return nil, nil, nil, fmt.Errorf("connecting to redis: %w", err)
	}

	if err := platform.RunGlobalMigrations(cfg.DatabaseURL, cfg.MigrationsGlobalDir); err != nil {
		pool.Close()
		_ = rdb.Close()
		return nil, nil, nil, fmt.Errorf("running global migrations: %w", err)
	}
	logger.Info("global migrations applied")

	decryptKey, err := cfg.DecryptKey()
	if err != nil {
		pool.Close()
		_ = rdb.Close()
		return nil, nil, nil, fmt.Errorf("loading decrypt key: %w", err)
	}

	metricsReg := telemetry.NewMetricsRegistry()
	metricsSink := telemetry.NewPrometheusSink()

	go func() {
		if err := telemetry.ServeMetrics(ctx, cfg.MetricsAddr, metricsReg, logger); err != nil {
			logger.Error("metrics server", "error", err)
		}
	}()

	dbSink := telemetry.NewWriter(pool, logger)
	dbSink.Start(ctx)
	go func() {
		<-ctx.Done()
		dbSink.Close()
	}()

	fanout := telemetry.NewFanOut(dbSink, telemetry.NewRedisSink(rdb, logger))

	registry := tenant.NewPostgresRegistry(pool)
	stores := worker.NewPostgresStoreFactory(pool)

	wcfg := worker.Config{
		Label:             "worker",
		TickInterval:      time.Duration(cfg.TickIntervalMs) * time.Millisecond,
		InterCommandDelay: time.Duration(cfg.InterCommandDelayMs) * time.Millisecond,
		LeaseTTL:          time.Duration(cfg.LeaseTtlMs) * time.Millisecond,
		EvaluatorBudget:   time.Duration(cfg.EvaluatorBudgetMs) * time.Millisecond,
		DecryptKey:        decryptKey,
	}

	sup := worker.NewSupervisor(
		cfg.WorkerCount,
		wcfg,
		registry,
		stores,
		cronplan.New(),
		evaluator.NewBudgetRunner(evaluator.NewJSONInterpreter()),
		effect.NewPassthroughRegistry(nil),
		metricsSink,
		newTelemetrySinkAdapter(fanout),
		logger,
	)

	return pool, rdb, sup, nil
}
