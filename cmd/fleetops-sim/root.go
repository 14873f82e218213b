package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"fleetops-sim/internal/config"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "fleetops-sim",
	Short: "Fleet telemetry and failure prediction simulator",
	Long: "fleetops-sim replays seed driven fleet telemetry on a fixed epoch grid, " +
		"injects failures and keeps a cache of failure predictions.",
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	pf := rootCmd.PersistentFlags()
	pf.String("config", "config/fleet.yaml", "Path to simulator configuration YAML")
	pf.String("schema", "schemas/fleet.cue", "Path to CUE schema file (empty skips schema validation)")
	pf.String("log-level", "", "Log level override (debug, info, warn, error)")
	pf.String("log-format", "", "Log format override (text, json)")
	pf.String("storage-driver", "", "Storage driver override (memory, sqlite, postgres)")
	pf.String("storage-dsn", "", "Storage DSN override")
	_ = viper.BindPFlags(pf)

	rootCmd.AddCommand(simulateCmd)
	rootCmd.AddCommand(fastForwardCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(seedsCmd)
	rootCmd.AddCommand(dashboardCmd)
}

// initConfig lets FLEETOPS_* variables override every persistent flag, e.g.
// FLEETOPS_STORAGE_DSN for --storage-dsn.
func initConfig() {
	viper.SetEnvPrefix("fleetops")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// loadConfig reads the configuration file named by --config and applies the
// flag and environment overrides on top of it.
func loadConfig() (*config.SimulationConfig, error) {
	cfg, err := config.Load(viper.GetString("config"), viper.GetString("schema"))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	applyOverrides(cfg, viper.GetViper())
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyOverrides(cfg *config.SimulationConfig, v *viper.Viper) {
	if s := v.GetString("log-level"); s != "" {
		cfg.LogLevel = s
	}
	if s := v.GetString("log-format"); s != "" {
		cfg.LogFormat = s
	}
	if s := v.GetString("storage-driver"); s != "" {
		cfg.Storage.Driver = s
	}
	if s := v.GetString("storage-dsn"); s != "" {
		cfg.Storage.DSN = s
	}
}
