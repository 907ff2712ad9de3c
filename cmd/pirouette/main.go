package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hibiken/asynq"

	"github.com/pirouette-hq/pirouette/internal/app"
	"github.com/pirouette-hq/pirouette/internal/billing"
	"github.com/pirouette-hq/pirouette/internal/notify"
	"github.com/pirouette-hq/pirouette/internal/observability"
	"github.com/pirouette-hq/pirouette/internal/payments"
	"github.com/pirouette-hq/pirouette/internal/platform/cache"
	"github.com/pirouette-hq/pirouette/internal/platform/db"
	"github.com/pirouette-hq/pirouette/internal/promo"
	"github.com/pirouette-hq/pirouette/internal/shared"
	"github.com/pirouette-hq/pirouette/internal/studios"
	"github.com/pirouette-hq/pirouette/internal/tuition"
	"github.com/pirouette-hq/pirouette/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
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
		logger.Error("connect postgres", slog.Any("error", err))
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
	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})

	metrics := observability.NewMetrics()
	validate := validator.New()

	directory := studios.NewDirectory(pool)
	identityStore := studios.NewIdentityStore(pool)
	identityCache := studios.NewIdentityCache(identityStore, redisClient, cfg.IdentityCacheTTL)
	processor := payments.NewStripeProcessor(cfg.StripeSecretKey)
	notifier := notify.NewQueueNotifier(asynqClient, logger)
	auditLogger := shared.NewAuditLogger(pool)

	promoRepo := promo.NewRepository(pool)
	promoService := promo.NewService(promoRepo)
	promoHandler := promo.NewHandler(logger, promoService, validate)

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
	billingHandler := billing.NewHandler(logger, billingService, validate)

	tuitionRepo := tuition.NewRepository(pool)
	tuitionService := tuition.NewService(tuition.Config{
		Repo:      tuitionRepo,
		Directory: directory,
		Identity:  identityCache,
		Processor: processor,
		Audit:     auditLogger,
		Logger:    logger,
	})
	tuitionHandler := tuition.NewHandler(logger, tuitionService, validate)

	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:  logger,
		Config:  cfg,
		Metrics: metrics,
		Billing: billingHandler,
		Promos:  promoHandler,
		Tuition: tuitionHandler,
		Jobs:    jobHandler,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
