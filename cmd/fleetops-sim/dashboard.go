package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"fleetops-sim/internal/dashboard"
)

var dashboardOut string

var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Render Grafana dashboards for the GreptimeDB sink",
	Long: "dashboard renders Grafana dashboard JSON over the telemetry and prediction tables " +
		"of the GreptimeDB sink. GREPTIMEDB_DATASOURCE_UID names the Grafana datasource.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := dashboard.Render(dashboardOut, dashboard.Options{Stream: cfg.Stream.Name}); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "rendered %d dashboards to %s\n", len(dashboard.Templates()), dashboardOut)
		return nil
	},
}

func init() {
	dashboardCmd.Flags().StringVar(&dashboardOut, "out", "build", "Output directory")
}
