// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func newServeCmd(ro *RootOpts, version string) *cobra.Command {
	var (
		addr string
		port int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the aggregation server",
		Long: `Start the HTTP server that provides:
  - POST /api/v1/search        tiered multi-source search
  - GET  /api/v1/sources/health  per-source health and summary
  - /api/v1/downloads          download job management
  - GET  /metrics              Prometheus metrics
  - GET  /api/ws               WebSocket feed of job events

Example:
  kuroibara serve
  kuroibara serve --port 3000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(ro)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Addr = addr
			}
			if cmd.Flags().Changed("port") {
				cfg.Port = port
			}

			a, err := buildApp(cfg, version, true)
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmd.Context()
			if err := a.sched.Recover(ctx); err != nil {
				a.log.Warn("job recovery failed", zap.Error(err))
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				a.monitor.Run(gctx)
				return nil
			})
			g.Go(func() error {
				a.sched.Run(gctx)
				return nil
			})
			g.Go(func() error {
				a.proxies.Run(gctx)
				return nil
			})
			g.Go(func() error {
				return a.srv.ListenAndServe(gctx)
			})
			return g.Wait()
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "0.0.0.0", "Address to bind to")
	cmd.Flags().IntVarP(&port, "port", "p", 8080, "Port to listen on")

	return cmd
}
