package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"fleetops-sim/internal/sim"
)

var (
	replayInput     string
	replaySpeed     float64
	replayRefresh   bool
	replayPrintOnly bool
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Load a telemetry log into storage",
	Long: "replay reads a JSONL log written by the file sink into the configured store, " +
		"feeds the feature engine and the sinks, and optionally refreshes predictions as of the end of the log.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if replayInput == "" {
			return errNoInput
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		// the file sink would append to the log being replayed
		cfg.Sinks.File.Enabled = false
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		ctx, a, err := newApp(ctx, cfg, replayPrintOnly)
		if err != nil {
			return err
		}
		defer a.Close()

		a.log.Info("replaying telemetry log", "input", replayInput, "speed", replaySpeed)
		res, err := a.sim.ReplayFile(ctx, replayInput, sim.ReplayOptions{Speed: replaySpeed, Refresh: replayRefresh})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "replayed %d rows (%d skipped) through %s\n",
			res.Rows, res.Skipped, res.Through.Format(time.RFC3339))
		if res.Refresh != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "refreshed %d predictions\n", len(res.Refresh.Rows))
		}
		return nil
	},
}

func init() {
	replayCmd.Flags().StringVar(&replayInput, "input", "", "Path to telemetry log file")
	replayCmd.Flags().Float64Var(&replaySpeed, "speed", 0, "Playback speed multiplier, 0 for no pacing")
	replayCmd.Flags().BoolVar(&replayRefresh, "refresh", true, "Refresh predictions when done")
	replayCmd.Flags().BoolVar(&replayPrintOnly, "print-only", false, "Print telemetry to STDOUT and skip the network sinks")
	_ = replayCmd.MarkFlagRequired("input")
}
