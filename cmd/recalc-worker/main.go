package main

import (
	"context"
	"errors"
	"os"
	"time"

	"budgetbook/internal/amqp"
	"budgetbook/internal/cache"
	"budgetbook/internal/cli"
	"budgetbook/internal/config"
	"budgetbook/internal/log"
	"budgetbook/internal/recalc"
	"budgetbook/internal/worker"
)

func main() {
	// Load .env file for local development (ignore errors in production/docker)
	cli.LoadEnvFile()

	cfg := config.Load()
	logger := cli.SetupLogger(cfg.LogLevel)
	logger.Info("Starting recalc-worker", log.FieldOperation, log.OpStartup)

	if err := cfg.Validate(); err != nil {
		logger.Error("Configuration validation failed", log.FieldError, err)
		os.Exit(1)
	}

	flushTelemetry := cli.InitTelemetry(context.Background(), logger, cfg, "recalc-worker")
	defer flushTelemetry()

	repo := cli.InitSQLite(logger, cfg.SQLiteDBPath)
	defer repo.Close()

	rateService := cli.InitRates(logger, repo)
	caches := cache.NewManager(logger.Logger.With(log.FieldComponent, log.ComponentCache))
	caches.Register(rateService.Cache())

	driver := recalc.NewDriver(repo, cfg.Settings(), rateService, logger, recalc.WithLockTTL(cfg.RecalcLockTTL))
	recalcWorker := worker.NewRecalcWorker(driver, repo.Queries(), caches, logger)

	var amqpClient *amqp.Client
	if cfg.AMQPURL != "" {
		var err error
		amqpClient, err = amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue, logger)
		if err != nil {
			logger.Error("Failed to initialize AMQP client", log.FieldError, err)
			os.Exit(1)
		}
		defer amqpClient.Close()
	} else {
		logger.Info("AMQP disabled - no AMQP_URL provided, running scheduled sweeps only")
	}

	ctx, done := cli.GracefulShutdown(logger, 30*time.Second, func() {
		if err := recalcWorker.Stop(); err != nil {
			logger.Error("Failed to stop scheduler", log.FieldError, err)
		}
	})

	if err := recalcWorker.Start(ctx, cfg.RecalcSchedule); err != nil {
		logger.Error("Failed to start scheduler", log.FieldError, err)
		os.Exit(1)
	}

	if amqpClient != nil {
		go func() {
			err := amqpClient.ConsumeRecalcRequests(ctx, recalcWorker.HandleRecalcRequest)
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Message consumption failed", log.FieldError, err)
			}
		}()
	}

	cli.WaitForShutdown(ctx, done)
}
