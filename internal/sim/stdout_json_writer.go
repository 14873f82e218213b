package sim

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"fleetops-sim/internal/telemetry"
)

// JSONStdoutWriter prints telemetry and predictions as JSON to STDOUT.
type JSONStdoutWriter struct {
	out io.Writer
}

// NewJSONStdoutWriter creates a JSONStdoutWriter writing to os.Stdout.
func NewJSONStdoutWriter() *JSONStdoutWriter {
	return &JSONStdoutWriter{out: os.Stdout}
}

// Write outputs a telemetry row in JSON format.
func (w *JSONStdoutWriter) Write(row telemetry.TelemetryRow) error {
	data, err := json.Marshal(row)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w.out, string(data))
	return err
}

// WritePredictions outputs prediction rows in JSON format.
func (w *JSONStdoutWriter) WritePredictions(rows []telemetry.PredictionRow) error {
	for _, r := range rows {
		data, err := json.Marshal(r)
		if err != nil {
			return err
		}
		fmt.Fprintln(w.out, string(data))
	}
	return nil
}
