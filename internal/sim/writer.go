package sim

import "fleetops-sim/internal/telemetry"

// TelemetryWriter is an interface to support different output writers.
type TelemetryWriter interface {
	Write(telemetry.TelemetryRow) error
}

// Optional: Writers can also support batch mode
type batchWriter interface {
	WriteBatch([]telemetry.TelemetryRow) error
}

// PredictionWriter receives refreshed predictions.
type PredictionWriter interface {
	WritePredictions([]telemetry.PredictionRow) error
}

// writeRows uses batch mode when w supports it.
func writeRows(w TelemetryWriter, rows []telemetry.TelemetryRow) error {
	if bw, ok := w.(batchWriter); ok {
		return bw.WriteBatch(rows)
	}
	for _, r := range rows {
		if err := w.Write(r); err != nil {
			return err
		}
	}
	return nil
}

// DiscardWriter drops every row.
type DiscardWriter struct{}

func (DiscardWriter) Write(telemetry.TelemetryRow) error { return nil }
