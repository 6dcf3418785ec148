// Package main implements the bootstrap tool that seeds the service secrets
// into AWS SSM Parameter Store before the first deployment.
//
// Usage:
//
//	go run ./cmd/ops/bootstrap --env=dev
//	go run ./cmd/ops/bootstrap --env=prod --profile=aisaas-prod --no-prompt
//	go run ./cmd/ops/bootstrap --env=staging --overwrite
//
// Values are taken from the environment (and .env) first and prompted for
// otherwise. CRON_SECRET is generated when not supplied. Parameters that
// already exist are left untouched unless --overwrite is given. On success
// the tool prints the <ENV_VAR>_SSM_PARAM lines for the deployment.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/joho/godotenv"
)

var validEnvironments = map[string]bool{
	"dev":     true,
	"staging": true,
	"prod":    true,
}

func main() {
	envFlag := flag.String("env", "", "Target environment (dev/staging/prod) [required]")
	profileFlag := flag.String("profile", "", "AWS CLI profile (default: uses default credential chain)")
	regionFlag := flag.String("region", "us-east-1", "AWS region")
	noPrompt := flag.Bool("no-prompt", false, "Fail instead of prompting for missing values")
	overwrite := flag.Bool("overwrite", false, "Replace parameters that already exist")
	flag.Parse()

	if !validEnvironments[*envFlag] {
		fmt.Fprintf(os.Stderr, "error: --env must be dev, staging, or prod (got %q)\n\n", *envFlag)
		flag.Usage()
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	awsCfg, err := initializeSession(ctx, *profileFlag, *regionFlag, logger)
	if err != nil {
		logger.Error("initialization failed", "error", err)
		os.Exit(1)
	}

	in := bufio.NewReader(os.Stdin)
	if *envFlag == "prod" && !confirmProduction(in) {
		fmt.Fprintln(os.Stderr, "Aborted. No changes were made.")
		os.Exit(0)
	}

	runner := &Runner{
		SSM:       NewSSMManager(ssm.NewFromConfig(awsCfg), *envFlag, logger),
		Lookup:    os.LookupEnv,
		In:        in,
		Out:       os.Stderr,
		Prompt:    !*noPrompt,
		Overwrite: *overwrite,
	}
	results, err := runner.Run(ctx, Inventory)
	for _, res := range results {
		logger.Info("secret processed", "env_var", res.Secret.EnvVar, "path", res.Path, "outcome", string(res.Outcome))
	}
	if err != nil {
		logger.Error("bootstrap failed", "error", err)
		os.Exit(1)
	}

	WriteParamEnv(os.Stdout, results)
}

// initializeSession loads the AWS configuration and confirms the active
// identity with STS before anything is written.
func initializeSession(ctx context.Context, profile, region string, logger *slog.Logger) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	if profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(profile))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("loading AWS config: %w", err)
	}

	identityCtx, identityCancel := context.WithTimeout(ctx, 10*time.Second)
	defer identityCancel()

	identity, err := sts.NewFromConfig(cfg).GetCallerIdentity(identityCtx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return aws.Config{}, fmt.Errorf("verifying AWS identity (STS GetCallerIdentity): %w", err)
	}

	logger.Info("AWS identity verified",
		"account_id", aws.ToString(identity.Account),
		"arn", aws.ToString(identity.Arn),
		"region", region,
	)
	return cfg, nil
}

// confirmProduction requires the operator to type "yes".
func confirmProduction(in *bufio.Reader) bool {
	fmt.Fprintln(os.Stderr, "WARNING: You are targeting the PRODUCTION environment.")
	fmt.Fprint(os.Stderr, "Type 'yes' to continue: ")

	line, err := in.ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(line), "yes")
}
