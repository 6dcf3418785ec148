// Package main is the entry point for the AI SaaS API.
//
// It loads configuration, connects to PostgreSQL, wires the usage ledger,
// admission gate, reset job and handlers into the core chassis, and serves
// requests.
//
// Inside AWS Lambda the router is driven by API Gateway HTTP API events; in
// every other environment it runs as a standard HTTP server with graceful
// shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/awslabs/aws-lambda-go-api-proxy/httpadapter"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"aisaas/internal/api/handlers"
	"aisaas/internal/auth"
	"aisaas/internal/billing"
	"aisaas/internal/config"
	"aisaas/internal/core"
	"aisaas/internal/db"
	"aisaas/internal/external"
	"aisaas/internal/metrics"
	"aisaas/internal/queue"
	"aisaas/internal/scheduler"
	"aisaas/internal/types"
	"aisaas/internal/usage"
)

// metricsBackend is satisfied by every collector in internal/metrics.
type metricsBackend interface {
	usage.Metrics
	scheduler.ResetMetrics
	core.MetricsCollector
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on error.
func run() error {
	cfg, err := config.LoadConfig(config.NewSSMProvider(os.Getenv("AWS_REGION")))
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := config.NewLogger(cfg, os.Stdout)
	slog.SetDefault(logger)
	logger.Info("aisaas API starting",
		"environment", cfg.Environment,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
	)

	ctx := context.Background()

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}

	awsCfg, err := loadAWSIfNeeded(ctx, cfg)
	if err != nil {
		pool.Close()
		return err
	}

	srv, err := buildServer(cfg, logger, pool, awsCfg)
	if err != nil {
		pool.Close()
		return err
	}
	srv.OnShutdown(func(context.Context) error {
		pool.Close()
		return nil
	})

	if isLambdaEnvironment() {
		logger.Info("starting in lambda mode")
		lambda.Start(httpadapter.NewV2(srv.Handler()).ProxyWithContext)
		return nil
	}

	return runHTTPServer(srv, cfg, logger)
}

// buildServer wires repositories, services and handlers onto the chassis.
func buildServer(cfg *config.Config, logger *slog.Logger, pool *pgxpool.Pool, awsCfg *aws.Config) (*core.Server, error) {
	users := db.NewUserRepository(pool)
	subs := db.NewSubscriptionRepository(pool, logger)
	usageRepo := db.NewUsageRepository(pool)
	keyRepo := db.NewAPIKeyRepository(pool)

	plans := billing.NewStaticPlanRegistry()
	resolver := billing.NewPlanResolver(subs, plans, logger)

	mb, promMetrics := newMetrics(cfg, awsCfg, logger)

	var notifier usage.Notifier = queue.NopNotifier{}
	if cfg.AWS.NotificationQueueURL != "" && awsCfg != nil {
		notifier = queue.NewUsageNotifier(sqs.NewFromConfig(*awsCfg), cfg.AWS, logger)
	} else {
		logger.Warn("usage notifications disabled: SQS_USAGE_NOTIFICATIONS is not set")
	}

	ledger := usage.NewLedger(usageRepo, resolver,
		usage.WithWarningThreshold(cfg.Usage.WarningThresholdPercent),
		usage.WithNotifier(notifier),
		usage.WithMetrics(mb),
		usage.WithLogger(logger),
	)
	stats := usage.NewStatsReporter(usageRepo, nil)
	reset := scheduler.NewMonthlyReset(users, usageRepo, logger,
		scheduler.WithBatchLimit(cfg.Usage.ResetBatchSize),
		scheduler.WithPrune(cfg.Usage.PruneOnReset),
		scheduler.WithResetMetrics(mb),
	)

	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("creating server: %w", err)
	}
	srv.Metrics = mb
	srv.Authenticator = auth.NewAPIKeyAuthenticator(keyRepo, users, resolver, logger)
	srv.RateLimitStore = core.NewMemoryRateLimitStore(nil)
	srv.RateLimits = core.PlanRateLimits(plans)
	srv.HealthProbes = []core.HealthProbe{core.NewPingProbe("database", pool)}

	generate := handlers.NewGenerateHandler(ledger, newCompletionProvider(cfg, logger), srv.Validator, logger)
	usageHandler := handlers.NewUsageHandler(ledger, logger)
	keys := handlers.NewKeysHandler(auth.NewKeyService(keyRepo, nil, nil), srv.Validator, logger)
	admin := handlers.NewAdminHandler(stats, ledger, users, logger)

	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars,
		func(r chi.Router) {
			r.Group(func(r chi.Router) {
				r.Use(srv.RequireActor)
				generate.RegisterRoutes(r)
				usageHandler.RegisterRoutes(r)
				keys.RegisterRoutes(r)
			})
		},
		func(r chi.Router) {
			r.Group(func(r chi.Router) {
				r.Use(srv.RequireAdmin)
				admin.RegisterRoutes(r)
			})
		},
	)

	webhook := handlers.NewStripeWebhookHandler(
		external.NewStripeVerifier(cfg.Billing.StripeWebhookSecret.Unmask()),
		subs,
		external.NewStripeClient(nil, cfg.Billing.StripeSecretKey.Unmask(), ""),
		billing.NewPriceCatalog(cfg.Billing.ProPriceID, cfg.Billing.EnterprisePriceID),
		logger,
	)
	cron := handlers.NewCronHandler(reset, cfg.Security.CronSecret, logger)

	srv.RootRouteRegistrars = append(srv.RootRouteRegistrars, webhook.RegisterRoutes, cron.RegisterRoutes)
	if promMetrics != nil {
		srv.RootRouteRegistrars = append(srv.RootRouteRegistrars, func(r chi.Router) {
			r.Handle("/metrics", promMetrics.Handler())
		})
	}

	srv.MountRoutes()
	return srv, nil
}

// newMetrics selects the collector named by METRICS_BACKEND. The Prometheus
// collector is also returned so its scrape endpoint can be mounted.
func newMetrics(cfg *config.Config, awsCfg *aws.Config, logger *slog.Logger) (metricsBackend, *metrics.PrometheusMetrics) {
	switch cfg.Observability.MetricsBackend {
	case "cloudwatch":
		if awsCfg == nil {
			logger.Warn("cloudwatch metrics requested without AWS config; metrics disabled")
			return metrics.Nop{}, nil
		}
		return metrics.NewCloudWatchMetrics(cloudwatch.NewFromConfig(*awsCfg), cfg.Observability.MetricNamespace, logger), nil
	case "prometheus":
		p := metrics.NewPrometheusMetrics()
		return p, p
	default:
		return metrics.Nop{}, nil
	}
}

// newCompletionProvider routes each model to its vendor. A vendor without an
// API key is left unconfigured and its models fail at request time.
func newCompletionProvider(cfg *config.Config, logger *slog.Logger) external.CompletionProvider {
	httpClient := &http.Client{Timeout: cfg.AI.Timeout}

	var openai, anthropic external.CompletionProvider
	if cfg.AI.OpenAIAPIKey.IsSet() {
		openai = external.NewOpenAIClient(
			external.NewBaseClient(httpClient, "openai", external.DefaultRetryPolicy(), "",
				external.WithFailureCode(types.ErrCodeUpstreamAIProvider)),
			external.AIClientConfig{
				APIKey:    cfg.AI.OpenAIAPIKey.Unmask(),
				BaseURL:   cfg.AI.OpenAIBaseURL,
				MaxTokens: cfg.AI.MaxTokens,
				Logger:    logger,
			},
		)
	}
	if cfg.AI.AnthropicAPIKey.IsSet() {
		anthropic = external.NewAnthropicClient(
			external.NewBaseClient(httpClient, "anthropic", external.DefaultRetryPolicy(), "",
				external.WithFailureCode(types.ErrCodeUpstreamAIProvider)),
			external.AIClientConfig{
				APIKey:    cfg.AI.AnthropicAPIKey.Unmask(),
				BaseURL:   cfg.AI.AnthropicBaseURL,
				MaxTokens: cfg.AI.MaxTokens,
				Logger:    logger,
			},
		)
	}
	if openai == nil && anthropic == nil {
		logger.Warn("no AI provider keys configured; generate requests will fail")
	}
	return external.NewModelRouter(openai, anthropic)
}

// loadAWSIfNeeded returns nil when neither SQS nor CloudWatch is in use.
func loadAWSIfNeeded(ctx context.Context, cfg *config.Config) (*aws.Config, error) {
	if cfg.AWS.NotificationQueueURL == "" && cfg.Observability.MetricsBackend != "cloudwatch" {
		return nil, nil
	}
	awsCfg, err := config.LoadAWS(ctx, cfg.AWS)
	if err != nil {
		return nil, err
	}
	return &awsCfg, nil
}

// isLambdaEnvironment returns true if the process is running inside AWS Lambda.
func isLambdaEnvironment() bool {
	_, hasRuntimeAPI := os.LookupEnv("AWS_LAMBDA_RUNTIME_API")
	_, hasServerPort := os.LookupEnv("_LAMBDA_SERVER_PORT")
	return hasRuntimeAPI || hasServerPort
}

// runHTTPServer starts the server in standard HTTP mode with graceful shutdown.
func runHTTPServer(srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)

	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server resource shutdown error", "error", err)
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}
