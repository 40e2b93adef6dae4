package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/example/onramp/internal/config"
	"github.com/example/onramp/internal/database"
	"github.com/example/onramp/internal/handlers"
	"github.com/example/onramp/internal/logging"
	"github.com/example/onramp/internal/routes"
	"github.com/example/onramp/internal/scheduler"
	"github.com/example/onramp/internal/services"
	"github.com/example/onramp/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Logging)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Connect(cfg.DatabaseURL, cfg.DatabaseLogLevel, logger)
	if err != nil {
		logger.Error("failed to connect database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(db); err != nil {
			logger.Warn("closing database failed", "error", err)
		}
	}()

	ledger, closeLedger, err := buildLedger(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to build ledger creditor", "error", err)
		os.Exit(1)
	}
	defer closeLedger()

	locker, closeLocker, err := buildLocker(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to build transaction locker", "error", err)
		os.Exit(1)
	}
	defer closeLocker()

	gateway := services.NewMPesaService(services.MPesaConfig{
		BaseURL:           cfg.MPesa.BaseURL,
		ConsumerKey:       cfg.MPesa.ConsumerKey,
		ConsumerSecret:    cfg.MPesa.ConsumerSecret,
		BusinessShortCode: cfg.MPesa.BusinessShortCode,
		Passkey:           cfg.MPesa.Passkey,
		CallbackURL:       cfg.MPesa.CallbackURL,
		AccountReference:  cfg.MPesa.AccountReference,
		TransactionDesc:   cfg.MPesa.TransactionDesc,
		HTTPTimeout:       cfg.MPesa.HTTPTimeout,
	}, logger.With("component", "mpesa"))
	if cfg.MPesa.CallbackToken == "" {
		logger.Warn("MPESA_CALLBACK_TOKEN is empty, callback endpoint is unauthenticated")
	}

	telegram := services.NewTelegramService(cfg.TelegramBotToken, cfg.TelegramAdminChat, logger.With("component", "telegram"))

	onramp, err := services.NewOnRampService(services.OnRampDeps{
		Store:    store.NewGormStore(db),
		Gateway:  gateway,
		Ledger:   ledger,
		Locker:   locker,
		Notifier: telegram,
		Logger:   logger.With("component", "onramp"),
	}, services.OnRampSettings{
		CountryCode:  cfg.OnRamp.CountryCode,
		ExchangeRate: cfg.OnRamp.ExchangeRate,
		FiatDecimals: cfg.OnRamp.FiatDecimals,
		CallTimeout:  cfg.OnRamp.CallTimeout,
	})
	if err != nil {
		logger.Error("failed to build on-ramp service", "error", err)
		os.Exit(1)
	}

	reconciler := services.NewReconciler(onramp, cfg.Reconcile.BatchSize, cfg.Reconcile.Workers, logger.With("component", "reconciler"))
	sched, err := scheduler.New(logger.With("component", "scheduler"))
	if err != nil {
		logger.Error("failed to create scheduler", "error", err)
		os.Exit(1)
	}
	if _, err := sched.Every("reconcile-onramp", cfg.Reconcile.Interval, cfg.Reconcile.Singleton, func(ctx context.Context) {
		reconciler.RunOnce(ctx)
	}); err != nil {
		logger.Error("failed to schedule reconciliation", "error", err)
		os.Exit(1)
	}
	sched.Start()

	app := fiber.New(fiber.Config{
		AppName:      "OnRamp",
		ErrorHandler: handlers.ErrorHandler,
	})
	app.Use(recover.New())
	app.Use(fiberlogger.New())

	routes.Register(app, routes.Deps{
		OnRamp:        onramp,
		CallbackToken: cfg.MPesa.CallbackToken,
		Ping:          func(ctx context.Context) error { return database.Ping(ctx, db) },
		Logger:        logger.With("component", "http"),
	})

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", "port", cfg.AppPort, "ledger_mode", cfg.Ledger.Mode, "lock_backend", cfg.Lock.Backend)
		errCh <- app.Listen(":" + cfg.AppPort)
	}()

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-errCh:
		if err != nil {
			logger.Error("server stopped unexpectedly", "error", err)
		}
	}

	if err := app.ShutdownWithTimeout(cfg.ShutdownTimeout); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
	if err := sched.Shutdown(); err != nil {
		logger.Error("scheduler shutdown failed", "error", err)
	}
	logger.Info("server stopped")
}

func buildLedger(ctx context.Context, cfg *config.Config, logger *slog.Logger) (services.LedgerCreditor, func(), error) {
	log := logger.With("component", "ledger")
	switch cfg.Ledger.Mode {
	case "evm":
		creditor, err := services.NewEVMCreditor(ctx, services.EVMConfig{
			RPCURL:        cfg.Ledger.RPCURL,
			PrivateKey:    cfg.Ledger.PrivateKey,
			TokenContract: cfg.Ledger.TokenContract,
			TokenDecimals: cfg.Ledger.TokenDecimals,
			ChainID:       cfg.Ledger.ChainID,
			ReceiptWait:   cfg.Ledger.ReceiptWait,
		}, log)
		if err != nil {
			return nil, nil, err
		}
		return creditor, creditor.Close, nil
	case "dryrun":
		log.Warn("ledger running in dry-run mode, no tokens are transferred")
		return services.NewDryRunCreditor(cfg.Ledger.TokenDecimals, log), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown ledger mode %q", cfg.Ledger.Mode)
	}
}

func buildLocker(ctx context.Context, cfg *config.Config, logger *slog.Logger) (services.Locker, func(), error) {
	switch cfg.Lock.Backend {
	case "redis":
		rdb, err := services.NewRedisClient(ctx, cfg.Lock.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		closeFn := func() {
			if err := rdb.Close(); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("closing redis failed", "error", err)
			}
		}
		return services.NewRedisLocker(rdb, cfg.Lock.TTL, logger.With("component", "locker")), closeFn, nil
	default:
		return services.NewLocalLocker(), func() {}, nil
	}
}
