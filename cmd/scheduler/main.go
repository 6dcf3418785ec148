// Package main runs the monthly usage reset in-process on a cron schedule.
//
// It is the long-running alternative to the usage-reset Lambda for
// deployments without EventBridge. The schedule uses six fields with
// seconds and is evaluated in UTC; the default fires at 00:00:00 on the
// first of every month.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"aisaas/internal/config"
	"aisaas/internal/db"
	"aisaas/internal/metrics"
	"aisaas/internal/scheduler"
)

// jobTimeout bounds a single reset run.
const jobTimeout = 10 * time.Minute

// Resetter runs the monthly reset.
type Resetter interface {
	ResetMonthlyUsage(ctx context.Context, now time.Time) (scheduler.ResetResult, error)
}

// newCron registers the reset job on spec. The returned scheduler is not
// started.
func newCron(job Resetter, spec string, logger *slog.Logger) (*cron.Cron, error) {
	c := cron.New(cron.WithSeconds(), cron.WithLocation(time.UTC))

	_, err := c.AddFunc(spec, func() {
		runReset(job, time.Now().UTC(), logger)
	})
	if err != nil {
		return nil, fmt.Errorf("parsing reset schedule %q: %w", spec, err)
	}
	return c, nil
}

func runReset(job Resetter, now time.Time, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	logger.Info("starting monthly usage reset", "reference_time", now.Format(time.RFC3339))
	result, err := job.ResetMonthlyUsage(ctx, now)
	if err != nil {
		logger.Error("monthly usage reset failed",
			"month", result.Month,
			"year", result.Year,
			"users_processed", result.UsersProcessed,
			"failures", result.Failures,
			"error", err,
		)
		return
	}
	logger.Info("monthly usage reset complete",
		"month", result.Month,
		"year", result.Year,
		"users_processed", result.UsersProcessed,
		"rows_created", result.RowsCreated,
		"pruned", result.Pruned,
	)
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig(config.NewSSMProvider(os.Getenv("AWS_REGION")))
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	logger := config.NewLogger(cfg, os.Stdout)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	job := scheduler.NewMonthlyReset(
		db.NewUserRepository(pool),
		db.NewUsageRepository(pool),
		logger,
		scheduler.WithBatchLimit(cfg.Usage.ResetBatchSize),
		scheduler.WithPrune(cfg.Usage.PruneOnReset),
		scheduler.WithResetMetrics(metrics.Nop{}),
	)

	c, err := newCron(job, cfg.Usage.ResetSchedule, logger)
	if err != nil {
		return err
	}
	c.Start()
	next := c.Entries()[0].Next
	logger.Info("scheduler started", "schedule", cfg.Usage.ResetSchedule, "next_run", next.Format(time.RFC3339))

	<-ctx.Done()
	logger.Info("shutting down scheduler, waiting for running jobs")
	<-c.Stop().Done()
	return nil
}
