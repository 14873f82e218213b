package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"fleetops-sim/internal/admin"
)

var (
	simPrintOnly bool
	simTick      time.Duration
	simAdminAddr string
	simNoAdmin   bool
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run the real-time fleet simulator",
	Long:  "simulate writes one epoch per tick for every entity and serves the admin API.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("tick") {
			cfg.Stream.TickInterval = simTick
		}
		if simAdminAddr != "" {
			cfg.Admin.Addr = simAdminAddr
		}
		if simNoAdmin {
			cfg.Admin.Enabled = false
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		ctx, a, err := newApp(ctx, cfg, simPrintOnly)
		if err != nil {
			return err
		}
		defer a.Close()

		g, gctx := errgroup.WithContext(ctx)
		if cfg.Admin.Enabled {
			srv := admin.NewServer(a.sim, a.metrics.Handler(), a.log)
			if a.tui != nil {
				a.tui.SetAdminStatus(true)
			}
			g.Go(func() error { return srv.Start(gctx, cfg.Admin.Addr) })
		}
		g.Go(func() error { return a.sim.Run(gctx) })
		err = g.Wait()
		if err == nil || errors.Is(err, context.Canceled) {
			a.log.Info("fleet simulation stopped")
			return nil
		}
		return err
	},
}

func init() {
	simulateCmd.Flags().BoolVar(&simPrintOnly, "print-only", false, "Print telemetry to STDOUT and skip the network sinks")
	simulateCmd.Flags().DurationVar(&simTick, "tick", 5*time.Second, "Wall-clock interval between epochs (e.g. 500ms, 5s)")
	simulateCmd.Flags().StringVar(&simAdminAddr, "admin-addr", "", "Admin API listen address override")
	simulateCmd.Flags().BoolVar(&simNoAdmin, "no-admin", false, "Do not serve the admin API")
}
