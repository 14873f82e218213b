package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadConfig_Valid(t *testing.T) {
	cfg, err := Load("../../config/fleet.yaml", "../../schemas/fleet.cue")
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.Fleet.Count != 10 || cfg.Fleet.Prefix != "TRUCK" {
		t.Errorf("unexpected fleet: %+v", cfg.Fleet)
	}
	if cfg.Stream.TickInterval != 5*time.Second {
		t.Errorf("tick interval = %s", cfg.Stream.TickInterval)
	}
	if cfg.Prediction.Cooldown != 15*time.Second {
		t.Errorf("cooldown = %s", cfg.Prediction.Cooldown)
	}
}

func TestLoadConfig_SchemaRejects(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleet.yaml")
	if err := os.WriteFile(path, []byte("fleet:\n  count: -3\n"), 0o644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	if _, err := Load(path, "../../schemas/fleet.cue"); err == nil {
		t.Fatalf("expected schema violation for negative count")
	}
}

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte("{}"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Stream.StepSeconds != 5 || cfg.Storage.Driver != "memory" || cfg.Features.Mode != "incremental" {
		t.Errorf("defaults not applied: %+v", cfg)
	}
	if cfg.Stream.TickInterval != 5*time.Second {
		t.Errorf("tick interval follows step: %s", cfg.Stream.TickInterval)
	}
}

func TestValidateCrossField(t *testing.T) {
	cases := map[string]string{
		"postgres":  "storage:\n  driver: postgres\n",
		"greptime":  "sinks:\n  greptime:\n    enabled: true\n",
		"kafka":     "sinks:\n  kafka:\n    enabled: true\n",
		"mqtt":      "sinks:\n  mqtt:\n    enabled: true\n",
		"start":     "stream:\n  start: yesterday\n",
		"mode":      "features:\n  mode: magic\n",
		"logformat": "log_format: xml\n",
	}
	for name, doc := range cases {
		if _, err := Parse([]byte(doc)); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

func TestValidateBytesNeedsDefinition(t *testing.T) {
	err := ValidateBytes("x.yaml", []byte("a: 1\n"), []byte("other: int\n"))
	if err == nil || !strings.Contains(err.Error(), "#Config") {
		t.Fatalf("err = %v", err)
	}
}

func TestStartTime(t *testing.T) {
	cfg, err := Parse([]byte("stream:\n  start: \"2025-01-02T03:04:05Z\"\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	ts, _ := cfg.StartTime()
	if !ts.Equal(time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)) {
		t.Fatalf("start = %s", ts)
	}
}
