package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/tuition-ledger/internal/app"
	jobmetrics "github.com/odyssey-erp/tuition-ledger/internal/jobs"
	"github.com/odyssey-erp/tuition-ledger/internal/observability"
	"github.com/odyssey-erp/tuition-ledger/internal/platform/cache"
	"github.com/odyssey-erp/tuition-ledger/internal/platform/db"
	"github.com/odyssey-erp/tuition-ledger/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg).With(slog.String("component", "worker"))

	pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics(observability.WithService("worker"))
	services, err := app.NewServices(cfg, logger, pool, redisClient, metrics.Registerer())
	if err != nil {
		logger.Error("init services", slog.Any("error", err))
		os.Exit(1)
	}
	jobMetrics := jobmetrics.NewMetrics(metrics.Registerer())

	unitFees := jobs.NewUnitFeesJob(services.Batch, services.Idempotency, cfg.BillingUnits, cfg.Location(), logger, jobMetrics)
	slipSweep := jobs.NewSlipSweepJob(services.Slips, cfg.BillingUnits, logger, jobMetrics)

	var cron []jobs.CronRegistration
	if len(cfg.BillingUnits) == 0 {
		logger.Warn("BILLING_UNITS is empty, scheduled billing disabled")
	} else {
		unitFeesTask, err := jobs.NewUnitFeesTask(jobs.UnitFeesPayload{Unit: jobs.UnitAll, WithSlips: cfg.SlipProvider != app.SlipProviderNone})
		if err != nil {
			logger.Error("build unit fees task", slog.Any("error", err))
			os.Exit(1)
		}
		cron = append(cron, jobs.CronRegistration{Spec: cfg.BatchFeeCron, Task: unitFeesTask, Options: []asynq.Option{asynq.MaxRetry(3)}})
		if cfg.SlipProvider != app.SlipProviderNone {
			sweepTask, err := jobs.NewSlipSweepTask(jobs.UnitAll)
			if err != nil {
				logger.Error("build slip sweep task", slog.Any("error", err))
				os.Exit(1)
			}
			cron = append(cron, jobs.CronRegistration{Spec: cfg.SlipSweepCron, Task: sweepTask, Options: []asynq.Option{asynq.MaxRetry(1)}})
		}
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB},
		Logger:    logger,
		Location:  cfg.Location(),
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskUnitFees, Handler: unitFees.Handle},
			{Type: jobs.TaskSlipSweep, Handler: slipSweep.Handle},
		},
		Cron: cron,
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	// Side listener for worker metrics.
	metricsServer := &http.Server{Addr: cfg.WorkerMetricsAddr, Handler: metrics.Handler(), ReadTimeout: 5 * time.Second}
	if cfg.WorkerMetricsAddr != "" {
		go func() {
			logger.Info("starting worker metrics listener", slog.String("addr", cfg.WorkerMetricsAddr))
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Warn("worker metrics listener", slog.Any("error", err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsServer.Shutdown(shutdownCtx)
		}()
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
