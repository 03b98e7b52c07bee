// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// eventsink-admin provisions and inspects the search indexes the
// service writes to.
//
//	eventsink-admin [--config FILE] configure
//	eventsink-admin [--config FILE] status
//	eventsink-admin [--config FILE] resolve ALIAS...
//	eventsink-admin [--config FILE] retention
//	eventsink-admin [--config FILE] delete --yes
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/bureau-foundation/eventsink/lib/clock"
	"github.com/bureau-foundation/eventsink/lib/config"
	"github.com/bureau-foundation/eventsink/lib/index"
	"github.com/bureau-foundation/eventsink/lib/process"
	"github.com/bureau-foundation/eventsink/lib/storage"
	"github.com/bureau-foundation/eventsink/lib/version"
)

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		process.Fatal(err)
	}
}

// environment carries what a command needs. Tests build one directly.
type environment struct {
	manager *index.Manager
	out     io.Writer
	styled  bool
	logger  *slog.Logger
}

type command struct {
	summary string
	run     func(ctx context.Context, env *environment, args []string) error
}

var commands = map[string]command{
	"configure": {"create missing indexes and point aliases at the current versions", runConfigure},
	"status":    {"show every alias and its member indexes", runStatus},
	"resolve":   {"print the member indexes of the given aliases", runResolve},
	"retention": {"delete partitions older than their retention", runRetention},
	"delete":    {"delete every physical index of every declared alias (requires --yes)", runDelete},
}

var errUsage = errors.New("usage")

func run(args []string, stdout, stderr io.Writer) error {
	var (
		configPath  string
		showVersion bool
		verbose     bool
	)
	flagSet := pflag.NewFlagSet("eventsink-admin", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.SetInterspersed(false)
	flagSet.StringVar(&configPath, "config", "", "path to the eventsink.yaml config file (default: $EVENTSINK_CONFIG)")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	flagSet.BoolVarP(&verbose, "verbose", "v", false, "log index operations to stderr")
	flagSet.Usage = func() { printUsage(stderr, flagSet) }

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if showVersion {
		version.Print(stdout, "eventsink-admin")
		return nil
	}

	remaining := flagSet.Args()
	if len(remaining) == 0 {
		printUsage(stderr, flagSet)
		return fmt.Errorf("a command is required")
	}
	selected, ok := commands[remaining[0]]
	if !ok {
		printUsage(stderr, flagSet)
		return fmt.Errorf("unknown command %q", remaining[0])
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := newCommandLogger(stderr, verbose)

	backend, manager, err := storage.OpenManager(cfg, clock.Real(), logger)
	if err != nil {
		return err
	}
	defer backend.Close()

	env := &environment{
		manager: manager,
		out:     stdout,
		styled:  isTerminal(stdout),
		logger:  logger.With("command", remaining[0]),
	}
	return selected.run(context.Background(), env, remaining[1:])
}

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

// newCommandLogger writes text to a terminal and JSON otherwise.
// Without --verbose only warnings and errors are shown.
func newCommandLogger(stderr io.Writer, verbose bool) *slog.Logger {
	options := &slog.HandlerOptions{Level: slog.LevelWarn}
	if verbose {
		options.Level = slog.LevelInfo
	}
	if isTerminal(stderr) {
		return slog.New(slog.NewTextHandler(stderr, options))
	}
	return slog.New(slog.NewJSONHandler(stderr, options))
}

func isTerminal(w io.Writer) bool {
	file, ok := w.(*os.File)
	return ok && term.IsTerminal(int(file.Fd()))
}

func printUsage(w io.Writer, flagSet *pflag.FlagSet) {
	fmt.Fprintf(w, "Usage: eventsink-admin [flags] COMMAND [args]\n\nCommands:\n")
	for _, name := range sortedCommands() {
		fmt.Fprintf(w, "  %-10s %s\n", name, commands[name].summary)
	}
	fmt.Fprintf(w, "\nFlags:\n%s", flagSet.FlagUsages())
}
