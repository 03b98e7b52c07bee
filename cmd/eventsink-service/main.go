// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Command eventsink-service accepts event posts over HTTP, queues
// them, and runs the processing pipeline against the configured
// search backend.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/bureau-foundation/eventsink/lib/config"
	"github.com/bureau-foundation/eventsink/lib/metrics"
	"github.com/bureau-foundation/eventsink/lib/process"
	"github.com/bureau-foundation/eventsink/lib/tracing"
	"github.com/bureau-foundation/eventsink/lib/version"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		configPath  string
		showVersion bool
	)
	flag.StringVar(&configPath, "config", "", "path to the eventsink.yaml config file (default: $EVENTSINK_CONFIG)")
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	flag.Parse()

	if showVersion {
		version.Print(os.Stdout, "eventsink-service")
		return nil
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	logger := newLogger(os.Stderr, cfg)

	ctx, stop := process.SignalContext(context.Background())
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, tracing.Config{
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Error("flushing traces", "error", err)
		}
	}()

	svc, err := newService(ctx, serviceConfig{
		Config:  cfg,
		Metrics: metrics.New(),
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	defer svc.Close()

	logger.Info("eventsink service starting",
		"version", version.Info(),
		"environment", string(cfg.Environment),
		"storage", cfg.Storage.Backend,
		"queue", cfg.Queue.Backend,
	)
	return svc.Run(ctx)
}

// loadConfig reads the --config path, or EVENTSINK_CONFIG when the
// flag is empty, and validates the result.
func loadConfig(path string) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path != "" {
		cfg, err = config.LoadFile(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// newLogger builds the service logger from the logging section and
// installs it as the slog default.
func newLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	options := &slog.HandlerOptions{Level: cfg.LogLevel()}
	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(w, options)
	} else {
		handler = slog.NewTextHandler(w, options)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
