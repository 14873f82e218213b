package sim

import (
	"encoding/json"
	"os"

	"fleetops-sim/internal/telemetry"
)

// FileWriter writes telemetry and prediction data to JSONL files.
type FileWriter struct {
	teleFile *os.File
	predFile *os.File
	teleEnc  *json.Encoder
	predEnc  *json.Encoder
}

// NewFileWriter creates a FileWriter. predictionPath may be empty to skip
// the prediction log.
func NewFileWriter(telemetryPath, predictionPath string) (*FileWriter, error) {
	tf, err := os.Create(telemetryPath)
	if err != nil {
		return nil, err
	}
	fw := &FileWriter{teleFile: tf, teleEnc: json.NewEncoder(tf)}
	if predictionPath != "" {
		pf, err := os.Create(predictionPath)
		if err != nil {
			tf.Close()
			return nil, err
		}
		fw.predFile = pf
		fw.predEnc = json.NewEncoder(pf)
	}
	return fw, nil
}

// Write logs a single telemetry row.
func (f *FileWriter) Write(row telemetry.TelemetryRow) error {
	return f.teleEnc.Encode(row)
}

// WriteBatch logs multiple telemetry rows.
func (f *FileWriter) WriteBatch(rows []telemetry.TelemetryRow) error {
	for _, r := range rows {
		if err := f.Write(r); err != nil {
			return err
		}
	}
	return nil
}

// WritePredictions logs prediction rows, if enabled.
func (f *FileWriter) WritePredictions(rows []telemetry.PredictionRow) error {
	if f.predEnc == nil {
		return nil
	}
	for _, r := range rows {
		if err := f.predEnc.Encode(r); err != nil {
			return err
		}
	}
	return nil
}

// Close closes any underlying files.
func (f *FileWriter) Close() error {
	var err error
	if f.teleFile != nil {
		if e := f.teleFile.Close(); e != nil {
			err = e
		}
	}
	if f.predFile != nil {
		if e := f.predFile.Close(); e != nil && err == nil {
			err = e
		}
	}
	return err
}
