package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"fleetops-sim/internal/config"
	"fleetops-sim/internal/logging"
	"fleetops-sim/internal/metrics"
	"fleetops-sim/internal/scenario"
	"fleetops-sim/internal/seed"
	"fleetops-sim/internal/sim"
	"fleetops-sim/internal/store"
	"fleetops-sim/internal/telemetry"
	"fleetops-sim/internal/tracing"
)

// tuiLogFile receives log output while the terminal UI owns stdout.
const tuiLogFile = "fleetops-sim.log"

// app bundles a fully wired simulator with the resources it holds.
type app struct {
	cfg     *config.SimulationConfig
	log     *slog.Logger
	sim     *sim.Simulator
	metrics *metrics.Metrics
	tui     *sim.TUIWriter
	closers []func() error
}

func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}

func newLogger(cfg *config.SimulationConfig, tuiMode bool) (*slog.Logger, func() error, error) {
	if !tuiMode {
		return logging.New(cfg.LogLevel, cfg.LogFormat), func() error { return nil }, nil
	}
	f, err := os.OpenFile(tuiLogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	return logging.NewWriter(f, cfg.LogLevel, cfg.LogFormat), f.Close, nil
}

// loadLibrary reads seed_file when set and generates the fleet otherwise.
func loadLibrary(cfg *config.SimulationConfig) (*seed.Library, error) {
	if cfg.SeedFile != "" {
		return seed.Load(cfg.SeedFile)
	}
	return seed.Generate(seed.Options{
		Entities:      telemetry.EntityIDs(cfg.Fleet.Prefix, cfg.Fleet.Count),
		Seed:          cfg.Fleet.Seed,
		NormalLength:  cfg.Fleet.NormalLength,
		FailureLength: cfg.Fleet.FailureLength,
	})
}

// newApp opens the store, the sinks and tracing, and builds the simulator.
// The returned context carries the logger.
func newApp(ctx context.Context, cfg *config.SimulationConfig, printOnly bool) (context.Context, *app, error) {
	a := &app{cfg: cfg, metrics: metrics.New()}
	tuiMode := cfg.Sinks.Stdout.Format == "tui" && (cfg.Sinks.Stdout.Enabled || printOnly)
	log, closeLog, err := newLogger(cfg, tuiMode)
	if err != nil {
		return ctx, nil, err
	}
	a.log = log
	a.closers = append(a.closers, closeLog)
	ctx = logging.NewContext(ctx, log)

	fail := func(err error) (context.Context, *app, error) {
		_ = a.Close()
		return ctx, nil, err
	}

	if cfg.Tracing.Enabled {
		shutdown, err := tracing.Init(ctx, cfg.Tracing.ServiceName, version, cfg.Tracing.Endpoint)
		if err != nil {
			return fail(err)
		}
		a.closers = append(a.closers, func() error { return shutdown(context.Background()) })
	}

	lib, err := loadLibrary(cfg)
	if err != nil {
		return fail(fmt.Errorf("seed library: %w", err))
	}
	var sc *scenario.Scenario
	if cfg.Scenario != "" {
		if sc, err = scenario.Resolve(cfg.Scenario); err != nil {
			return fail(err)
		}
	}

	st, err := store.New(cfg.Storage)
	if err != nil {
		return fail(err)
	}
	writer, tui, err := newWriter(cfg, printOnly, log)
	if err != nil {
		_ = st.Close()
		return fail(err)
	}
	a.tui = tui

	s, err := sim.New(ctx, cfg, st, lib, writer,
		sim.WithMetrics(a.metrics),
		sim.WithLogger(log),
		sim.WithScenario(sc))
	if err != nil {
		_ = closeWriter(writer)
		_ = st.Close()
		return fail(err)
	}
	a.sim = s
	// closes the sinks and the store
	a.closers = append(a.closers, s.Close)
	return ctx, a, nil
}
