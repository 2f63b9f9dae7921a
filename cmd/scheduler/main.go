/**
 * @description
 * Entry point for the settlement scheduler. It is a non-HTTP process that
 * periodically asks the settlement service to release payments whose
 * retention window has closed.
 */
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/seatshare/settlement-service/internal/config"
	"github.com/seatshare/settlement-service/internal/scheduler"
	"github.com/seatshare/settlement-service/pkg/settlementclient"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.Warn("failed to load .env file", "error", err)
	}

	cfg, err := config.LoadSchedulerConfig()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if cfg.InternalAPIKey == "" {
		logger.Error("internal api key must be configured", "env", "INTERNAL_API_KEY")
		os.Exit(1)
	}

	client := settlementclient.NewClient(cfg.SettlementServiceURL, cfg.InternalAPIKey)
	jobs := scheduler.NewJobs(client, logger, cfg.RetentionSweepBatchSize)
	cronScheduler := scheduler.NewScheduler(jobs, logger, *cfg)

	if err := cronScheduler.Start(); err != nil {
		os.Exit(1)
	}
	logger.Info("scheduler started", "settlement_service_url", cfg.SettlementServiceURL)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutdown signal received, stopping scheduler")
	<-cronScheduler.Stop().Done()
	logger.Info("scheduler stopped gracefully")
}
