// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package cli wires the kuroibara commands: serve, search, download,
// sources, config, version.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// RootOpts holds global CLI options.
type RootOpts struct {
	Config   string
	LogLevel string
	JSONOut  bool
}

// Execute runs the CLI with the given version string. The returned error is
// already printed; callers only translate it to an exit code.
func Execute(version string) error {
	ro := &RootOpts{}
	ctx, cancel := signalContext(context.Background())
	defer cancel()

	root := &cobra.Command{
		Use:           "kuroibara",
		Short:         "Manga source aggregation: tiered search, health-aware routing, downloads",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}

	root.PersistentFlags().StringVar(&ro.Config, "config", "", "Path to config file (JSON or YAML)")
	root.PersistentFlags().StringVar(&ro.LogLevel, "log-level", "", "Log level: debug, info, warn, error")
	root.PersistentFlags().BoolVar(&ro.JSONOut, "json", false, "Emit machine-readable JSON output")

	root.AddCommand(newServeCmd(ro, version))
	root.AddCommand(newSearchCmd(ro))
	root.AddCommand(newDownloadCmd(ro))
	root.AddCommand(newSourcesCmd(ro))
	root.AddCommand(newConfigCmd())
	root.AddCommand(newVersionCmd(version))

	root.SetHelpCommand(&cobra.Command{Use: "help", Hidden: true})

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return err
	}
	return nil
}

// resolveConfig layers flags over environment over the config file.
func resolveConfig(ro *RootOpts) (Config, error) {
	cfg, err := loadConfig(ro.Config)
	if err != nil {
		return cfg, err
	}
	if ro.LogLevel != "" {
		cfg.LogLevel = ro.LogLevel
	}
	return cfg, nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-ch:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
