package main

import (
	"path/filepath"
	"testing"

	"github.com/spf13/viper"

	"fleetops-sim/internal/config"
	"fleetops-sim/internal/logging"
	"fleetops-sim/internal/seed"
	"fleetops-sim/internal/sim"
)

func testConfig() *config.SimulationConfig {
	cfg := config.Default()
	cfg.Fleet.Count = 3
	return cfg
}

func TestNewWriterNoSinks(t *testing.T) {
	cfg := testConfig()
	w, tui, err := newWriter(cfg, false, logging.New("error", "text"))
	if err != nil {
		t.Fatalf("newWriter returned error: %v", err)
	}
	if _, ok := w.(sim.DiscardWriter); !ok {
		t.Fatalf("expected sim.DiscardWriter, got %T", w)
	}
	if tui != nil {
		t.Fatalf("unexpected TUI writer")
	}
}

func TestNewWriterPrintOnlyJSON(t *testing.T) {
	cfg := testConfig()
	cfg.Sinks.Stdout.Format = "json"
	cfg.Sinks.Kafka.Enabled = true
	cfg.Sinks.Kafka.Brokers = []string{"localhost:9092"}
	w, _, err := newWriter(cfg, true, logging.New("error", "text"))
	if err != nil {
		t.Fatalf("newWriter returned error: %v", err)
	}
	if _, ok := w.(*sim.JSONStdoutWriter); !ok {
		t.Fatalf("expected *sim.JSONStdoutWriter, got %T", w)
	}
}

func TestNewWriterStdoutText(t *testing.T) {
	cfg := testConfig()
	cfg.Sinks.Stdout.Enabled = true
	w, _, err := newWriter(cfg, false, logging.New("error", "text"))
	if err != nil {
		t.Fatalf("newWriter returned error: %v", err)
	}
	if _, ok := w.(*sim.StdoutWriter); !ok {
		t.Fatalf("expected *sim.StdoutWriter, got %T", w)
	}
}

func TestNewWriterLogFile(t *testing.T) {
	cfg := testConfig()
	cfg.Sinks.Stdout.Enabled = true
	cfg.Sinks.File.Enabled = true
	cfg.Sinks.File.Path = filepath.Join(t.TempDir(), "telemetry.log")
	w, _, err := newWriter(cfg, false, logging.New("error", "text"))
	if err != nil {
		t.Fatalf("newWriter returned error: %v", err)
	}
	defer closeWriter(w)
	mw, ok := w.(*sim.MultiWriter)
	if !ok {
		t.Fatalf("expected *sim.MultiWriter, got %T", w)
	}
	if len(mw.Writers()) != 2 {
		t.Fatalf("expected 2 writers, got %d", len(mw.Writers()))
	}
	if _, ok := mw.Writers()[1].(*sim.FileWriter); !ok {
		t.Fatalf("expected *sim.FileWriter, got %T", mw.Writers()[1])
	}
}

func TestLoadLibraryGenerated(t *testing.T) {
	lib, err := loadLibrary(testConfig())
	if err != nil {
		t.Fatalf("loadLibrary: %v", err)
	}
	if got := lib.Entities(); len(got) != 3 || got[0] != "TRUCK_001" {
		t.Fatalf("entities = %v", got)
	}
}

func TestLoadLibraryFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seeds.yaml")
	lib, err := seed.Generate(seed.Options{Entities: []string{"VAN_01"}, Seed: 1})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if err := lib.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	cfg := testConfig()
	cfg.SeedFile = path
	got, err := loadLibrary(cfg)
	if err != nil {
		t.Fatalf("loadLibrary: %v", err)
	}
	if !got.HasEntity("VAN_01") || got.HasEntity("TRUCK_001") {
		t.Fatalf("seed file ignored: %v", got.Entities())
	}
}

func TestApplyOverrides(t *testing.T) {
	v := viper.New()
	v.Set("log-level", "debug")
	v.Set("storage-driver", "postgres")
	v.Set("storage-dsn", "postgres://fleet@localhost/fleet")
	cfg := testConfig()
	applyOverrides(cfg, v)
	if cfg.LogLevel != "debug" || cfg.LogFormat != "text" {
		t.Fatalf("log overrides = %s/%s", cfg.LogLevel, cfg.LogFormat)
	}
	if cfg.Storage.Driver != "postgres" || cfg.Storage.DSN != "postgres://fleet@localhost/fleet" {
		t.Fatalf("storage overrides = %+v", cfg.Storage)
	}
}
