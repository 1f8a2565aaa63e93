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

	"github.com/spf13/pflag"

	"iot-anomaly-pipeline/cache"
	"iot-anomaly-pipeline/config"
	"iot-anomaly-pipeline/handlers"
	"iot-anomaly-pipeline/ledger"
	"iot-anomaly-pipeline/pipeline"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		var coder interface{ ExitCode() int }
		if errors.As(err, &coder) {
			os.Exit(coder.ExitCode())
		}
		os.Exit(pipeline.ExitFailure)
	}
}

type usageError struct {
	err error
}

func (u *usageError) Error() string { return u.err.Error() }
func (u *usageError) Unwrap() error { return u.err }
func (u *usageError) ExitCode() int { return pipeline.ExitUsage }

func usagef(format string, args ...any) error {
	return &usageError{err: fmt.Errorf(format, args...)}
}

func printUsage() {
	fmt.Fprint(os.Stderr, `Per-room anomaly detection over room telemetry.

Usage:
  iot-anomaly-pipeline <command> [flags]

Commands:
  run     train every room, then score its readings into the ledger
  train   train and persist one model per room
  infer   score readings with the current models into the ledger
  serve   serve the anomaly ledger over HTTP

Run "iot-anomaly-pipeline <command> --help" for flags. Every flag can
also be set from the environment or a --config YAML file.

Exit codes:
  0 success, 1 no rooms processed, 2 usage, 3 some rooms skipped,
  4 source store missing, 5 table or columns missing,
  6 components missing, 7 ledger unreachable
`)
}

func run(args []string) error {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		printUsage()
		if len(args) == 0 {
			return usagef("no command given")
		}
		return nil
	}
	command := args[0]

	if err := config.LoadEnvFile(".env"); err != nil {
		return usagef("loading .env: %w", err)
	}

	cfg, err := config.Load(command, args[1:], os.Getenv, os.Stderr)
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	if err != nil {
		return usagef("%w", err)
	}
	if err := cfg.Validate(); err != nil {
		return usagef("invalid configuration: %w", err)
	}

	logger, err := cfg.NewLogger(os.Stderr)
	if err != nil {
		return usagef("%w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if command == "serve" {
		return serve(ctx, cfg, logger)
	}

	mode, err := pipeline.ParseMode(command)
	if err != nil {
		printUsage()
		return usagef("%w", err)
	}
	return runPipeline(ctx, cfg, mode, logger)
}

func runPipeline(ctx context.Context, cfg *config.Config, mode pipeline.Mode, logger *slog.Logger) error {
	pcfg := cfg.Pipeline(mode)
	pcfg.Output = os.Stdout
	pcfg.Logger = logger

	orchestrator, err := pipeline.New(pcfg)
	if err != nil {
		return usagef("%w", err)
	}
	_, err = orchestrator.Run(ctx)
	return err
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	l, err := ledger.Open(ledger.Config{Path: cfg.LedgerPath, Logger: logger})
	if err != nil {
		return &pipeline.Error{Stage: pipeline.StageLedger, Code: pipeline.ExitLedgerUnreachable, Err: err}
	}
	defer l.Close()

	var status handlers.StatusReader
	if cfg.RedisAddr != "" {
		redisClient, err := cache.NewRedisClient(cfg.RedisAddr)
		if err != nil {
			return &pipeline.Error{Stage: pipeline.StageComponents, Code: pipeline.ExitComponentsMissing, Err: err}
		}
		defer redisClient.Close()
		logger.Info("connected to redis", "addr", cfg.RedisAddr)
		status = redisClient
	}

	router := handlers.NewRouter(handlers.NewLedgerHandler(l, status, logger))

	srv := &http.Server{
		Addr:           cfg.Listen,
		Handler:        handlers.Wrap(router, os.Stderr),
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("ledger API listening", "addr", cfg.Listen, "ledger", cfg.LedgerPath)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server exited")
	return nil
}
