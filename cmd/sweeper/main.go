/**
 * @description
 * One-shot reconciliation sweep. Runs every pass once, prints the JSON report on
 * stdout and exits 0 on success, 1 on an unrecoverable error and 2 on bad flags or
 * configuration.
 *
 * @dependencies
 * - github.com/joho/godotenv: loads .env before flags are parsed.
 * - github.com/spf13/pflag: command-line flags, bound into viper so they override env.
 */
package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/transfa/rental-service/internal/bootstrap"
	"github.com/transfa/rental-service/internal/config"
)

const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	logger := slog.New(slog.NewJSONHandler(stderr, nil))

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("failed to load .env file", "error", err)
	}

	flags := pflag.NewFlagSet("sweeper", pflag.ContinueOnError)
	flags.SetOutput(stderr)
	dryRun := flags.Bool("dry-run", false, "report candidates without changing anything")
	skipPoll := flags.Bool("skip-poll", false, "skip the provider status poll of live orders")
	flags.Int("expiry-grace", 30, "seconds past expiry before an order is expired")
	flags.Int("max-age", 72, "hours back the refund fix-up pass looks")
	flags.Int("limit", 100, "maximum orders handled per pass (1-500)")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}
	if flags.NArg() > 0 {
		logger.Error("unexpected arguments", "args", flags.Args())
		return exitUsage
	}

	for key, name := range map[string]string{
		"SWEEP_EXPIRY_GRACE_SECONDS": "expiry-grace",
		"SWEEP_MAX_AGE_HOURS":        "max-age",
		"SWEEP_BATCH_LIMIT":          "limit",
	} {
		if err := viper.BindPFlag(key, flags.Lookup(name)); err != nil {
			logger.Error("failed to bind flag", "flag", name, "error", err)
			return exitUsage
		}
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		return exitUsage
	}

	services, err := bootstrap.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialise services", "error", err)
		return exitError
	}
	defer services.Close()

	opts := bootstrap.SweepOptions(cfg)
	opts.DryRun = *dryRun
	if *skipPoll {
		opts.PollActive = false
	}

	report, err := services.Sweeper.Run(ctx, opts)
	if report != nil {
		encoder := json.NewEncoder(stdout)
		encoder.SetIndent("", "  ")
		if encodeErr := encoder.Encode(report); encodeErr != nil {
			logger.Error("failed to write report", "error", encodeErr)
		}
	}
	if err != nil {
		logger.Error("sweep failed", "error", err)
		return exitError
	}
	return exitOK
}
