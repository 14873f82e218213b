package sim

import (
	"context"
	"fmt"
	"log/slog"

	gpb "github.com/GreptimeTeam/greptime-proto/go/greptime/v1"
	greptime "github.com/GreptimeTeam/greptimedb-ingester-go"
	"github.com/GreptimeTeam/greptimedb-ingester-go/table"
	"github.com/GreptimeTeam/greptimedb-ingester-go/table/types"

	"fleetops-sim/internal/telemetry"
)

// greptimeClient is the part of the ingester client the writer uses.
type greptimeClient interface {
	Write(ctx context.Context, tables ...*table.Table) (*gpb.GreptimeResponse, error)
}

// GreptimeDBWriter mirrors telemetry and predictions into GreptimeDB. Tables
// are created on first write from the column schema.
type GreptimeDBWriter struct {
	client          greptimeClient
	table           string
	predictionTable string
	log             *slog.Logger
}

// NewGreptimeDBWriter connects to endpoint (gRPC host) and database.
func NewGreptimeDBWriter(endpoint, database string) (*GreptimeDBWriter, error) {
	cfg := greptime.NewConfig(endpoint).WithDatabase(database)
	client, err := greptime.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("greptime client: %w", err)
	}
	return &GreptimeDBWriter{
		client:          client,
		table:           telemetry.TelemetryTableName,
		predictionTable: telemetry.PredictionTableName,
		log:             slog.Default(),
	}, nil
}

func (w *GreptimeDBWriter) logger() *slog.Logger {
	if w.log != nil {
		return w.log
	}
	return slog.Default()
}

// Write inserts a single telemetry row.
func (w *GreptimeDBWriter) Write(row telemetry.TelemetryRow) error {
	return w.WriteBatch([]telemetry.TelemetryRow{row})
}

func telemetryTable(name string) (*table.Table, error) {
	tbl, err := table.New(name)
	if err != nil {
		return nil, err
	}
	for _, step := range []error{
		tbl.AddTagColumn("entity_id", types.STRING),
		tbl.AddFieldColumn("epoch", types.INT64),
		tbl.AddFieldColumn("engine_temp", types.FLOAT64),
		tbl.AddFieldColumn("trans_oil_pressure", types.FLOAT64),
		tbl.AddFieldColumn("battery_voltage", types.FLOAT64),
		tbl.AddFieldColumn("status", types.STRING),
		tbl.AddTimestampColumn("ts", types.TIMESTAMP_MILLISECOND),
	} {
		if step != nil {
			return nil, step
		}
	}
	return tbl, nil
}

// WriteBatch inserts multiple telemetry rows.
func (w *GreptimeDBWriter) WriteBatch(rows []telemetry.TelemetryRow) error {
	if len(rows) == 0 {
		return nil
	}
	tbl, err := telemetryTable(w.table)
	if err != nil {
		return fmt.Errorf("telemetry table: %w", err)
	}
	for _, r := range rows {
		if err := tbl.AddRow(r.EntityID, r.Epoch, r.EngineTemp, r.TransOilPressure, r.BatteryVoltage, r.Status, r.Timestamp); err != nil {
			return fmt.Errorf("add row %s/%d: %w", r.EntityID, r.Epoch, err)
		}
	}
	if _, err := w.client.Write(context.Background(), tbl); err != nil {
		w.logger().Error("greptime write failed", "table", w.table, "rows", len(rows), "error", err)
		return err
	}
	w.logger().Debug("greptime rows written", "table", w.table, "rows", len(rows))
	return nil
}

// WritePredictions inserts prediction rows. A missing estimate is written
// as null.
func (w *GreptimeDBWriter) WritePredictions(rows []telemetry.PredictionRow) error {
	if len(rows) == 0 {
		return nil
	}
	tbl, err := table.New(w.predictionTable)
	if err != nil {
		return err
	}
	for _, step := range []error{
		tbl.AddTagColumn("entity_id", types.STRING),
		tbl.AddFieldColumn("predicted_failure_type", types.STRING),
		tbl.AddFieldColumn("predicted_hours_to_failure", types.FLOAT64),
		tbl.AddFieldColumn("model_used", types.STRING),
		tbl.AddFieldColumn("engine_temp", types.FLOAT64),
		tbl.AddFieldColumn("trans_oil_pressure", types.FLOAT64),
		tbl.AddFieldColumn("battery_voltage", types.FLOAT64),
		tbl.AddTimestampColumn("prediction_ts", types.TIMESTAMP_MILLISECOND),
	} {
		if step != nil {
			return fmt.Errorf("prediction table: %w", step)
		}
	}
	for _, p := range rows {
		var ttf any
		if p.PredictedHoursToFailure != nil {
			ttf = *p.PredictedHoursToFailure
		}
		if err := tbl.AddRow(p.EntityID, p.PredictedFailureType, ttf, p.ModelUsed,
			p.EngineTemp, p.TransOilPressure, p.BatteryVoltage, p.PredictionTimestamp); err != nil {
			return fmt.Errorf("add prediction %s: %w", p.EntityID, err)
		}
	}
	if _, err := w.client.Write(context.Background(), tbl); err != nil {
		w.logger().Error("greptime write failed", "table", w.predictionTable, "rows", len(rows), "error", err)
		return err
	}
	return nil
}
