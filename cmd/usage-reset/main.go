// Package main is the entry point for the usage-reset Lambda function.
//
// An EventBridge rule invokes it at 00:00 UTC on the first day of each month
// with a scheduler.MaintenancePayload. The handler opens a zeroed counter for
// every user in the new period and, when enabled, prunes records outside the
// retention window. Operators can invoke it manually with a reference_time to replay a
// missed month.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"

	"aisaas/internal/config"
	"aisaas/internal/db"
	"aisaas/internal/metrics"
	"aisaas/internal/scheduler"
)

// Dispatcher runs a maintenance payload.
type Dispatcher interface {
	Dispatch(ctx context.Context, payload scheduler.MaintenancePayload) (scheduler.ResetResult, error)
}

// Handler adapts EventBridge invocations to the reset job.
type Handler struct {
	Jobs   Dispatcher
	Logger *slog.Logger
}

// Handle runs the requested task and returns a one-line summary. A partial
// failure is returned as an error so the invocation is marked failed and
// EventBridge retries it. A retry within the same month only fills the gaps.
func (h *Handler) Handle(ctx context.Context, payload scheduler.MaintenancePayload) (string, error) {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}

	now := payload.Now()
	logger.InfoContext(ctx, "usage-reset invoked",
		"task", string(payload.Task),
		"reference_time", now.Format(time.RFC3339),
	)

	result, err := h.Jobs.Dispatch(ctx, payload)
	if err != nil {
		logger.ErrorContext(ctx, "usage reset failed",
			"month", result.Month,
			"year", result.Year,
			"users_processed", result.UsersProcessed,
			"failures", result.Failures,
			"error", err,
		)
		return "", fmt.Errorf("task %s failed: %w", taskName(payload.Task), err)
	}

	summary := fmt.Sprintf("usage reset complete for %d/%d: %d users, %d rows created, %d pruned",
		result.Month, result.Year, result.UsersProcessed, result.RowsCreated, result.Pruned)
	logger.InfoContext(ctx, summary,
		"users_processed", result.UsersProcessed,
		"pruned", result.Pruned,
	)
	return summary, nil
}

func taskName(t scheduler.TaskType) string {
	if t == "" {
		return string(scheduler.TaskResetMonthlyUsage)
	}
	return string(t)
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
	logger.Info("usage-reset Lambda initializing (cold start)")

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	var resetMetrics scheduler.ResetMetrics = metrics.Nop{}
	if cfg.Observability.MetricsBackend == "cloudwatch" {
		awsCfg, err := config.LoadAWS(ctx, cfg.AWS)
		if err != nil {
			return err
		}
		resetMetrics = metrics.NewCloudWatchMetrics(cloudwatch.NewFromConfig(awsCfg), cfg.Observability.MetricNamespace, logger)
	}

	job := scheduler.NewMonthlyReset(
		db.NewUserRepository(pool),
		db.NewUsageRepository(pool),
		logger,
		scheduler.WithBatchLimit(cfg.Usage.ResetBatchSize),
		scheduler.WithPrune(cfg.Usage.PruneOnReset),
		scheduler.WithResetMetrics(resetMetrics),
	)

	h := &Handler{Jobs: job, Logger: logger}
	lambda.Start(h.Handle)
	return nil
}
