// Writer implementation printing telemetry to STDOUT
package sim

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/term"

	"fleetops-sim/internal/telemetry"
)

const (
	colorReset   = "\x1b[0m"
	colorRed     = "\x1b[31m"
	colorGreen   = "\x1b[32m"
	colorYellow  = "\x1b[33m"
	colorBlue    = "\x1b[34m"
	colorMagenta = "\x1b[35m"
	colorCyan    = "\x1b[36m"
	colorGray    = "\x1b[90m"
	colorWhite   = "\x1b[37m"
)

func statusColor(status string) string {
	switch status {
	case telemetry.StatusCritical:
		return colorRed
	case telemetry.StatusWarning:
		return colorYellow
	default:
		return colorGreen
	}
}

// StdoutWriter prints telemetry rows to STDOUT, colorized when STDOUT is a
// terminal and as JSON otherwise.
type StdoutWriter struct {
	out      io.Writer
	colorize bool
}

// NewStdoutWriter creates a StdoutWriter for os.Stdout.
func NewStdoutWriter() *StdoutWriter {
	return &StdoutWriter{out: os.Stdout, colorize: term.IsTerminal(int(os.Stdout.Fd()))}
}

// Write outputs a single telemetry row.
func (w *StdoutWriter) Write(row telemetry.TelemetryRow) error {
	if !w.colorize {
		data, err := json.Marshal(row)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w.out, string(data))
		return err
	}
	_, err := fmt.Fprintf(w.out, "%s[%s]%s %s%s%s %sepoch=%d%s %stemp=%.2f%s %spres=%.2f%s %sbatt=%.3f%s %sstatus=%s%s\n",
		colorGray, row.Timestamp.Format(time.RFC3339), colorReset,
		colorWhite, row.EntityID, colorReset,
		colorBlue, row.Epoch, colorReset,
		colorMagenta, row.EngineTemp, colorReset,
		colorYellow, row.TransOilPressure, colorReset,
		colorCyan, row.BatteryVoltage, colorReset,
		statusColor(row.Status), row.Status, colorReset,
	)
	return err
}

// WritePredictions prints a line per non-normal prediction.
func (w *StdoutWriter) WritePredictions(rows []telemetry.PredictionRow) error {
	for _, p := range rows {
		if p.PredictedFailureType == telemetry.LabelNormal {
			continue
		}
		ttf := "n/a"
		if p.PredictedHoursToFailure != nil {
			ttf = fmt.Sprintf("%.1fh", *p.PredictedHoursToFailure)
		}
		if w.colorize {
			fmt.Fprintf(w.out, "%s[%s]%s %sPREDICT%s %s %s ttf=%s model=%s\n",
				colorGray, p.PredictionTimestamp.Format(time.RFC3339), colorReset,
				colorRed, colorReset, p.EntityID, p.PredictedFailureType, ttf, p.ModelUsed)
			continue
		}
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		fmt.Fprintln(w.out, string(data))
	}
	return nil
}
