package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"fleetops-sim/internal/stream"
)

// progressEvery is one hour of epochs at the default step.
const progressEvery = 720

var (
	ffHours     float64
	ffRefresh   bool
	ffPrintOnly bool
)

var fastForwardCmd = &cobra.Command{
	Use:   "fast-forward",
	Short: "Write a span of stream time as fast as possible",
	Long: "fast-forward restores the stream from storage, writes --hours worth of epochs " +
		"without waiting for the wall clock and optionally refreshes predictions afterwards.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		ctx, a, err := newApp(ctx, cfg, ffPrintOnly)
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.sim.FastForward(ctx, ffHours, func(p stream.Progress) {
			if p.Done%progressEvery == 0 || p.Done == p.Total {
				a.log.Info("fast-forward progress", "done", p.Done, "total", p.Total, "next_epoch", p.NextEpoch)
			}
		})
		if err != nil {
			return err
		}
		// runs of an hour or more already refresh in the background
		if ffRefresh && !res.RefreshTriggered {
			r, err := a.sim.RefreshPredictions(ctx, true)
			if err != nil {
				return fmt.Errorf("refresh predictions: %w", err)
			}
			a.log.Info("predictions refreshed", "rows", len(r.Rows), "skipped", len(r.Skipped))
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %d epochs, next epoch %d\n", res.Epochs, res.NextEpoch)
		return nil
	},
}

func init() {
	fastForwardCmd.Flags().Float64Var(&ffHours, "hours", 1, "Hours of stream time to write")
	fastForwardCmd.Flags().BoolVar(&ffRefresh, "refresh", true, "Refresh predictions when done")
	fastForwardCmd.Flags().BoolVar(&ffPrintOnly, "print-only", false, "Print telemetry to STDOUT and skip the network sinks")
}
