package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"
)

// Secret is one SSM parameter the services resolve at startup through the
// <ENV_VAR>_SSM_PARAM convention.
type Secret struct {
	EnvVar   string
	Key      string // category/key under /{env}/aisaas/
	Pattern  *regexp.Regexp
	Generate bool
	Optional bool
}

// Inventory lists every secret the services read from SSM.
var Inventory = []Secret{
	{EnvVar: "DATABASE_URL", Key: "database/url", Pattern: regexp.MustCompile(`^postgres(ql)?://`)},
	{EnvVar: "STRIPE_SECRET_KEY", Key: "billing/stripe_secret_key", Pattern: regexp.MustCompile(`^(sk|rk)_(test|live)_[0-9a-zA-Z]{16,}$`)},
	{EnvVar: "STRIPE_WEBHOOK_SECRET", Key: "billing/stripe_webhook_secret", Pattern: regexp.MustCompile(`^whsec_[0-9a-zA-Z]+$`)},
	{EnvVar: "SENDGRID_API_KEY", Key: "email/sendgrid_api_key", Pattern: regexp.MustCompile(`^SG\.`), Optional: true},
	{EnvVar: "OPENAI_API_KEY", Key: "ai/openai_api_key", Pattern: regexp.MustCompile(`^sk-`), Optional: true},
	{EnvVar: "ANTHROPIC_API_KEY", Key: "ai/anthropic_api_key", Pattern: regexp.MustCompile(`^sk-ant-`), Optional: true},
	{EnvVar: "CRON_SECRET", Key: "security/cron_secret", Generate: true},
}

// Outcome is the result of seeding one secret.
type Outcome string

const (
	OutcomeWritten Outcome = "written"
	OutcomeExists  Outcome = "exists"
	OutcomeSkipped Outcome = "skipped"
)

// Result records what happened to one secret.
type Result struct {
	Secret  Secret
	Path    string
	Outcome Outcome
}

// Runner seeds the inventory into SSM. Values come from lookup first, then
// from an interactive prompt when Prompt is set.
type Runner struct {
	SSM       *SSMManager
	Lookup    func(string) (string, bool)
	In        io.Reader
	Out       io.Writer
	Prompt    bool
	Overwrite bool

	scanner *bufio.Scanner
}

// Run seeds every secret and stops at the first failure.
func (r *Runner) Run(ctx context.Context, inventory []Secret) ([]Result, error) {
	results := make([]Result, 0, len(inventory))
	for _, s := range inventory {
		res, err := r.seed(ctx, s)
		if err != nil {
			return results, fmt.Errorf("%s: %w", s.EnvVar, err)
		}
		results = append(results, res)
	}
	return results, nil
}

func (r *Runner) seed(ctx context.Context, s Secret) (Result, error) {
	res := Result{Secret: s, Path: r.SSM.SSMPath(s.Key)}

	exists, err := r.SSM.ParameterExists(ctx, res.Path)
	if err != nil {
		return res, err
	}
	if exists && !r.Overwrite {
		res.Outcome = OutcomeExists
		return res, nil
	}

	value, err := r.value(s)
	if err != nil {
		return res, err
	}
	if value == "" {
		if s.Optional {
			res.Outcome = OutcomeSkipped
			return res, nil
		}
		return res, fmt.Errorf("no value provided")
	}
	if s.Pattern != nil && !s.Pattern.MatchString(value) {
		return res, fmt.Errorf("value does not match expected format %s", s.Pattern)
	}

	if err := r.SSM.PutSecret(ctx, res.Path, value, r.Overwrite); err != nil {
		return res, err
	}
	res.Outcome = OutcomeWritten
	return res, nil
}

func (r *Runner) value(s Secret) (string, error) {
	if r.Lookup != nil {
		if v, ok := r.Lookup(s.EnvVar); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v), nil
		}
	}
	if s.Generate {
		return GenerateSecureToken()
	}
	if !r.Prompt {
		return "", nil
	}

	if r.scanner == nil {
		r.scanner = bufio.NewScanner(r.In)
	}
	label := s.EnvVar
	if s.Optional {
		label += " (optional, empty to skip)"
	}
	fmt.Fprintf(r.Out, "%s: ", label)
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return "", fmt.Errorf("reading input: %w", err)
		}
		return "", nil
	}
	return strings.TrimSpace(r.scanner.Text()), nil
}

// WriteParamEnv prints the <ENV_VAR>_SSM_PARAM lines that point a deployment
// at the seeded parameters. Skipped secrets are omitted.
func WriteParamEnv(w io.Writer, results []Result) {
	for _, res := range results {
		if res.Outcome == OutcomeSkipped {
			continue
		}
		fmt.Fprintf(w, "%s_SSM_PARAM=%s\n", res.Secret.EnvVar, res.Path)
	}
}
