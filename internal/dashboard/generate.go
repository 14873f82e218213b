// Package dashboard renders Grafana dashboards over the GreptimeDB tables
// written by the telemetry sink.
package dashboard

import (
	"embed"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"fleetops-sim/internal/telemetry"
)

//go:embed templates/*.json.tmpl
var templateFS embed.FS

// Signal is one telemetry column charted per entity.
type Signal struct {
	Title  string
	Column string
	Unit   string
}

// Options selects what the rendered dashboard queries.
type Options struct {
	Title           string
	Stream          string
	TelemetryTable  string
	PredictionTable string
	PredictionLimit int
	Signals         []Signal
}

// DefaultSignals charts every sensor column of the telemetry table.
var DefaultSignals = []Signal{
	{Title: "Engine temperature", Column: "engine_temp", Unit: "fahrenheit"},
	{Title: "Transmission oil pressure", Column: "trans_oil_pressure", Unit: "pressurepsi"},
	{Title: "Battery voltage", Column: "battery_voltage", Unit: "volt"},
}

func (o Options) withDefaults() Options {
	if o.Stream == "" {
		o.Stream = "fleet"
	}
	if o.Title == "" {
		o.Title = "FleetOps " + o.Stream
	}
	if o.TelemetryTable == "" {
		o.TelemetryTable = telemetry.TelemetryTableName
	}
	if o.PredictionTable == "" {
		o.PredictionTable = telemetry.PredictionTableName
	}
	if o.PredictionLimit <= 0 {
		o.PredictionLimit = 100
	}
	if len(o.Signals) == 0 {
		o.Signals = DefaultSignals
	}
	return o
}

var funcMap = template.FuncMap{
	"env": func(key string) (string, error) {
		v := os.Getenv(key)
		if v == "" {
			return "", fmt.Errorf("environment variable %s not set", key)
		}
		return v, nil
	},
	"add": func(a, b int) int { return a + b },
	"mul": func(a, b int) int { return a * b },
	"div": func(a, b int) int { return a / b },
	"mod": func(a, b int) int { return a % b },
}

// Templates lists the embedded dashboard template names.
func Templates() []string {
	entries, _ := templateFS.ReadDir("templates")
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

// Execute renders the named template to w.
func Execute(w io.Writer, name string, opts Options) error {
	t, err := template.New(name).Funcs(funcMap).ParseFS(templateFS, "templates/"+name)
	if err != nil {
		return err
	}
	return t.Execute(w, opts.withDefaults())
}

// Render writes every embedded dashboard to outDir, dropping the .tmpl
// suffix.
func Render(outDir string, opts Options) error {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}
	for _, name := range Templates() {
		outPath := filepath.Join(outDir, strings.TrimSuffix(name, ".tmpl"))
		f, err := os.Create(outPath)
		if err != nil {
			return err
		}
		if err := Execute(f, name, opts); err != nil {
			f.Close()
			return fmt.Errorf("render %s: %w", name, err)
		}
		if err := f.Close(); err != nil {
			return err
		}
	}
	return nil
}
