package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/pirouette-hq/pirouette/internal/app"
	"github.com/pirouette-hq/pirouette/internal/billing"
	"github.com/pirouette-hq/pirouette/internal/notify"
	"github.com/pirouette-hq/pirouette/internal/payments"
	"github.com/pirouette-hq/pirouette/internal/platform/cache"
	"github.com/pirouette-hq/pirouette/internal/platform/db"
	"github.com/pirouette-hq/pirouette/internal/promo"
	"github.com/pirouette-hq/pirouette/internal/shared"
	"github.com/pirouette-hq/pirouette/internal/studios"
	"github.com/pirouette-hq/pirouette/jobs"
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

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	asynqClient := asynq.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := asynqClient.Close(); err != nil {
			logger.Warn("asynq close", slog.Any("error", err))
		}
	}()

	directory := studios.NewDirectory(pool)
	processor := payments.NewStripeProcessor(cfg.StripeSecretKey)
	notifier := notify.NewQueueNotifier(asynqClient, logger)
	auditLogger := shared.NewAuditLogger(pool)

	promoRepo := promo.NewRepository(pool)
	promoService := promo.NewService(promoRepo)

	billingRepo := billing.NewRepository(pool, promoRepo)
	billingService := billing.NewService(billing.Config{
		Repo:      billingRepo,
		Promos:    promoService,
		Directory: directory,
		Processor: processor,
		Notifier:  notifier,
		Audit:     auditLogger,
		Logger:    logger,
	})

	overdueJob := jobs.NewOverdueJob(billingService, directory, logger, nil)

	sweepTask, err := jobs.NewOverdueSweepTask(jobs.OverdueSweepPayload{})
	if err != nil {
		logger.Error("build overdue sweep task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskOverdueSweep, Handler: overdueJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.OverdueCronSpec, Task: sweepTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
