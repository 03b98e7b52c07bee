// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/pflag"
)

func sortedCommands() []string {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func noArguments(name string, args []string) error {
	if len(args) > 0 {
		return fmt.Errorf("%s takes no arguments, got %q: %w", name, strings.Join(args, " "), errUsage)
	}
	return nil
}

func runConfigure(ctx context.Context, env *environment, args []string) error {
	if err := noArguments("configure", args); err != nil {
		return err
	}
	if err := env.manager.ConfigureIndexes(ctx); err != nil {
		return err
	}
	return runStatus(ctx, env, nil)
}

func runStatus(ctx context.Context, env *environment, args []string) error {
	if err := noArguments("status", args); err != nil {
		return err
	}
	rows := make([][]string, 0)
	for _, definition := range env.manager.Definitions() {
		members, err := env.manager.ResolveAlias(ctx, definition.Name)
		if err != nil {
			return err
		}
		retention := "forever"
		if definition.Retention > 0 {
			retention = formatRetention(definition.Retention)
		}
		rows = append(rows, []string{
			definition.Name,
			fmt.Sprintf("v%d", definition.Version),
			definition.Partition.String(),
			retention,
			memberList(members),
		})
	}
	return writeTable(env.out, env.styled, []string{"ALIAS", "VERSION", "PARTITION", "RETENTION", "MEMBERS"}, rows)
}

func runResolve(ctx context.Context, env *environment, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("resolve needs at least one alias: %w", errUsage)
	}
	rows := make([][]string, 0, len(args))
	for _, alias := range args {
		members, err := env.manager.ResolveAlias(ctx, alias)
		if err != nil {
			return err
		}
		rows = append(rows, []string{alias, memberList(members)})
	}
	return writeTable(env.out, env.styled, []string{"ALIAS", "MEMBERS"}, rows)
}

func runRetention(ctx context.Context, env *environment, args []string) error {
	if err := noArguments("retention", args); err != nil {
		return err
	}
	if err := env.manager.RunRetention(ctx); err != nil {
		return err
	}
	return runStatus(ctx, env, nil)
}

func runDelete(ctx context.Context, env *environment, args []string) error {
	var confirmed bool
	flagSet := pflag.NewFlagSet("delete", pflag.ContinueOnError)
	flagSet.BoolVar(&confirmed, "yes", false, "confirm deletion of all data")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if err := noArguments("delete", flagSet.Args()); err != nil {
		return err
	}
	if !confirmed {
		return fmt.Errorf("delete removes every stored event and stack; rerun with --yes to confirm")
	}
	env.logger.Warn("deleting all indexes")
	if err := env.manager.DeleteIndexes(ctx); err != nil {
		return err
	}
	fmt.Fprintln(env.out, "deleted all declared indexes")
	return nil
}
