// Package main implements usagectl, the operator CLI for the usage platform.
//
// Usage:
//
//	usagectl migrate up
//	usagectl migrate status
//	usagectl reset-usage --reference-time=2026-05-01T00:00:00Z
//	usagectl reset-usage --dry-run
//	usagectl reset-user user_123
//	usagectl stats
//	usagectl keys create --user=user_123 --name=bootstrap
//
// Configuration is read the same way as the services: environment variables,
// a .env file in local mode, and SSM parameters elsewhere.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"aisaas/internal/auth"
	"aisaas/internal/billing"
	"aisaas/internal/config"
	"aisaas/internal/db"
	"aisaas/internal/scheduler"
	"aisaas/internal/types"
	"aisaas/internal/usage"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// loadConfig is replaced in tests.
var loadConfig = func() (*config.Config, error) {
	return config.LoadConfig(config.NewSSMProvider(os.Getenv("AWS_REGION")))
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "usagectl",
		Short:        "Operate the usage ledger",
		Long:         `usagectl runs schema migrations, triggers the monthly usage reset, resets individual users and prints usage statistics.`,
		SilenceUsage: true,
	}

	root.AddCommand(
		newMigrateCommand(),
		newResetUsageCommand(),
		newResetUserCommand(),
		newStatsCommand(),
		newKeysCommand(),
	)
	return root
}

func newMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Database migration tools",
	}

	step := func(use, short string, fn func(ctx context.Context, m *db.Migrator, out io.Writer) error) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				m, err := db.OpenMigrator(cmd.Context(), cfg.Database.URL.Unmask())
				if err != nil {
					return err
				}
				defer m.Close()
				return fn(cmd.Context(), m, cmd.OutOrStdout())
			},
		}
	}

	cmd.AddCommand(
		step("up", "Apply all pending migrations", func(ctx context.Context, m *db.Migrator, out io.Writer) error {
			if err := m.Up(ctx); err != nil {
				return err
			}
			return printVersion(ctx, m, out)
		}),
		step("down", "Roll back the most recent migration", func(ctx context.Context, m *db.Migrator, out io.Writer) error {
			if err := m.Down(ctx); err != nil {
				return err
			}
			return printVersion(ctx, m, out)
		}),
		step("status", "Show the state of every migration", func(ctx context.Context, m *db.Migrator, _ io.Writer) error {
			return m.Status(ctx)
		}),
		step("version", "Print the current schema version", printVersion),
	)
	return cmd
}

func printVersion(ctx context.Context, m *db.Migrator, out io.Writer) error {
	v, err := m.Version(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "schema version: %d\n", v)
	return nil
}

func newResetUsageCommand() *cobra.Command {
	var (
		referenceTime string
		dryRun        bool
	)

	cmd := &cobra.Command{
		Use:   "reset-usage",
		Short: "Run the monthly usage reset",
		Long:  `Open a zeroed counter for every user in the month containing the reference time and prune records outside the retention window.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			payload, err := buildPayload(referenceTime)
			if err != nil {
				return err
			}
			if dryRun {
				return writeJSON(cmd.OutOrStdout(), payload)
			}

			return withPool(cmd.Context(), func(cfg *config.Config, pool *pgxpool.Pool, logger *slog.Logger) error {
				job := scheduler.NewMonthlyReset(
					db.NewUserRepository(pool),
					db.NewUsageRepository(pool),
					logger,
					scheduler.WithBatchLimit(cfg.Usage.ResetBatchSize),
					scheduler.WithPrune(cfg.Usage.PruneOnReset),
				)
				result, err := job.Dispatch(cmd.Context(), payload)
				if werr := writeJSON(cmd.OutOrStdout(), result); werr != nil {
					return werr
				}
				return err
			})
		},
	}

	cmd.Flags().StringVar(&referenceTime, "reference-time", "", "RFC3339 time whose month is reset (default: now)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Print the maintenance payload without running it")
	return cmd
}

func newResetUserCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reset-user <user-id>",
		Short: "Zero a single user's counter for the current month",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(cmd.Context(), func(_ *config.Config, pool *pgxpool.Pool, logger *slog.Logger) error {
				ledger := newLedger(pool, logger)
				rec, err := ledger.ResetUserUsage(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), rec)
			})
		},
	}
}

func newStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print usage statistics for the current month",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withPool(cmd.Context(), func(_ *config.Config, pool *pgxpool.Pool, _ *slog.Logger) error {
				stats, err := usage.NewStatsReporter(db.NewUsageRepository(pool), nil).Stats(cmd.Context())
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), stats)
			})
		},
	}
}

func newKeysCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage API keys",
	}

	var userID, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Issue an API key for a user",
		Long:  `Issue an API key for an existing user. The key is printed once and cannot be recovered afterwards. Use this to hand a user their first key; further keys can be created through POST /v1/keys.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withPool(cmd.Context(), func(_ *config.Config, pool *pgxpool.Pool, _ *slog.Logger) error {
				svc := auth.NewKeyService(db.NewAPIKeyRepository(pool), nil, nil)
				return createKey(cmd.Context(), db.NewUserRepository(pool), svc, userID, name, cmd.OutOrStdout())
			})
		},
	}
	create.Flags().StringVar(&userID, "user", "", "ID of the user receiving the key")
	create.Flags().StringVar(&name, "name", "default", "Display name of the key")
	_ = create.MarkFlagRequired("user")

	cmd.AddCommand(create)
	return cmd
}

// userLookup confirms the key owner exists.
type userLookup interface {
	GetByID(ctx context.Context, id string) (*types.User, error)
}

// keyIssuer is satisfied by *auth.KeyService.
type keyIssuer interface {
	Create(ctx context.Context, userID, name string) (*auth.IssuedKey, error)
}

func createKey(ctx context.Context, users userLookup, keys keyIssuer, userID, name string, out io.Writer) error {
	if _, err := users.GetByID(ctx, userID); err != nil {
		return fmt.Errorf("looking up user %s: %w", userID, err)
	}
	issued, err := keys.Create(ctx, userID, name)
	if err != nil {
		return fmt.Errorf("creating key for %s: %w", userID, err)
	}
	return writeJSON(out, issued)
}

func newLedger(pool *pgxpool.Pool, logger *slog.Logger) *usage.Ledger {
	subs := db.NewSubscriptionRepository(pool, logger)
	resolver := billing.NewPlanResolver(subs, billing.NewStaticPlanRegistry(), logger)
	return usage.NewLedger(db.NewUsageRepository(pool), resolver, usage.WithLogger(logger))
}

// withPool loads configuration, opens a pool for the duration of fn and
// closes it afterwards.
func withPool(ctx context.Context, fn func(cfg *config.Config, pool *pgxpool.Pool, logger *slog.Logger) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := config.NewLogger(cfg, os.Stderr)

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	return fn(cfg, pool, logger)
}

// buildPayload parses an optional RFC3339 reference time.
func buildPayload(referenceTime string) (scheduler.MaintenancePayload, error) {
	payload := scheduler.MaintenancePayload{Task: scheduler.TaskResetMonthlyUsage}
	if referenceTime == "" {
		return payload, nil
	}
	t, err := time.Parse(time.RFC3339, referenceTime)
	if err != nil {
		return payload, fmt.Errorf("invalid --reference-time %q: expected RFC3339", referenceTime)
	}
	t = t.UTC()
	payload.ReferenceTime = &t
	return payload, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
