package sim

import (
	"errors"
	"io"

	"fleetops-sim/internal/telemetry"
)

// MultiWriter fan-outs telemetry and prediction rows to multiple writers.
type MultiWriter struct {
	writers []TelemetryWriter
}

// NewMultiWriter creates a new MultiWriter.
func NewMultiWriter(ws ...TelemetryWriter) *MultiWriter {
	return &MultiWriter{writers: ws}
}

// Writers returns the wrapped writers.
func (mw *MultiWriter) Writers() []TelemetryWriter { return mw.writers }

// Write sends a telemetry row to all writers.
func (mw *MultiWriter) Write(row telemetry.TelemetryRow) error {
	return mw.WriteBatch([]telemetry.TelemetryRow{row})
}

// WriteBatch sends the rows to every writer, using batch if supported. A
// failing writer does not stop the others; errors are joined.
func (mw *MultiWriter) WriteBatch(rows []telemetry.TelemetryRow) error {
	var errs []error
	for _, w := range mw.writers {
		if err := writeRows(w, rows); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// WritePredictions forwards predictions to writers that accept them.
func (mw *MultiWriter) WritePredictions(rows []telemetry.PredictionRow) error {
	var errs []error
	for _, w := range mw.writers {
		if pw, ok := w.(PredictionWriter); ok {
			if err := pw.WritePredictions(rows); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Close closes every writer that is an io.Closer.
func (mw *MultiWriter) Close() error {
	var errs []error
	for _, w := range mw.writers {
		if c, ok := w.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
