package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"fleetops-sim/internal/inject"
	"fleetops-sim/internal/stream"
	"fleetops-sim/internal/telemetry"
)

// SQLStore implements Store on database/sql. Timestamps are stored as unix
// milliseconds so sqlite and postgres share one schema.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

func newSQLStore(db *sql.DB, dialect string) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *SQLStore) rebind(q string) string {
	if s.dialect != "postgres" {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS telemetry (
		entity_id TEXT NOT NULL,
		ts BIGINT NOT NULL,
		epoch BIGINT NOT NULL,
		engine_temp DOUBLE PRECISION NOT NULL,
		trans_oil_pressure DOUBLE PRECISION NOT NULL,
		battery_voltage DOUBLE PRECISION NOT NULL,
		status TEXT NOT NULL,
		PRIMARY KEY (entity_id, ts)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_telemetry_epoch ON telemetry(epoch)`,
	`CREATE TABLE IF NOT EXISTS prediction_cache (
		entity_id TEXT PRIMARY KEY,
		prediction_ts BIGINT NOT NULL,
		predicted_failure_type TEXT NOT NULL,
		predicted_hours_to_failure DOUBLE PRECISION,
		model_used TEXT NOT NULL,
		engine_temp DOUBLE PRECISION NOT NULL,
		trans_oil_pressure DOUBLE PRECISION NOT NULL,
		battery_voltage DOUBLE PRECISION NOT NULL,
		reading_ts BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS failure_markers (
		entity_id TEXT NOT NULL,
		failure_type TEXT NOT NULL,
		marker_ts BIGINT NOT NULL,
		PRIMARY KEY (entity_id, failure_type)
	)`,
	`CREATE TABLE IF NOT EXISTS stream_state (
		stream_name TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		start_ts BIGINT NOT NULL,
		step_seconds INTEGER NOT NULL,
		next_epoch BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS failure_config (
		entity_id TEXT PRIMARY KEY,
		failure_type TEXT NOT NULL,
		enabled BOOLEAN NOT NULL,
		effective_from_epoch BIGINT NOT NULL,
		next_pattern_epoch BIGINT NOT NULL
	)`,
}

// Init creates the tables if they do not exist.
func (s *SQLStore) Init(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

const (
	selectWatermark = `SELECT COALESCE(MAX(epoch), -1) FROM telemetry`
	insertTelemetry = `INSERT INTO telemetry (entity_id, ts, epoch, engine_temp, trans_oil_pressure, battery_voltage, status) VALUES (?, ?, ?, ?, ?, ?, ?)`
	selectLastTS    = `SELECT COALESCE(MAX(ts), -1) FROM telemetry WHERE entity_id = ?`
	upsertState     = `INSERT INTO stream_state (stream_name, run_id, start_ts, step_seconds, next_epoch) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (stream_name) DO UPDATE SET run_id = excluded.run_id, start_ts = excluded.start_ts, step_seconds = excluded.step_seconds, next_epoch = excluded.next_epoch`
	deleteFailures   = `DELETE FROM failure_config`
	insertFailure    = `INSERT INTO failure_config (entity_id, failure_type, enabled, effective_from_epoch, next_pattern_epoch) VALUES (?, ?, ?, ?, ?)`
	upsertPrediction = `INSERT INTO prediction_cache (entity_id, prediction_ts, predicted_failure_type, predicted_hours_to_failure, model_used, engine_temp, trans_oil_pressure, battery_voltage, reading_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (entity_id) DO UPDATE SET prediction_ts = excluded.prediction_ts, predicted_failure_type = excluded.predicted_failure_type,
		predicted_hours_to_failure = excluded.predicted_hours_to_failure, model_used = excluded.model_used, engine_temp = excluded.engine_temp,
		trans_oil_pressure = excluded.trans_oil_pressure, battery_voltage = excluded.battery_voltage, reading_ts = excluded.reading_ts`
	selectPredictions = `SELECT entity_id, prediction_ts, predicted_failure_type, predicted_hours_to_failure, model_used, engine_temp, trans_oil_pressure, battery_voltage, reading_ts FROM prediction_cache`
	insertMarker      = `INSERT INTO failure_markers (entity_id, failure_type, marker_ts) VALUES (?, ?, ?) ON CONFLICT (entity_id, failure_type) DO NOTHING`
	selectTelemetry   = `SELECT entity_id, ts, epoch, engine_temp, trans_oil_pressure, battery_voltage, status FROM telemetry`
)

// CommitEpoch writes the rows, the stream state and the failure cursors of
// one epoch in a single transaction.
func (s *SQLStore) CommitEpoch(ctx context.Context, c stream.Commit) error {
	if err := checkCommit(c); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	var wm int64
	if err := tx.QueryRowContext(ctx, selectWatermark).Scan(&wm); err != nil {
		_ = tx.Rollback()
		return err
	}
	if c.Epoch <= wm {
		_ = tx.Rollback()
		return staleEpoch(c.Epoch, wm)
	}
	if err := s.insertRows(ctx, tx, c.Rows); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := s.writeState(ctx, tx, c.State, c.Failures); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// SaveFailures replaces the stored failure configs between epochs.
func (s *SQLStore) SaveFailures(ctx context.Context, st stream.State, cfgs []inject.FailureConfig) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := s.writeState(ctx, tx, st, cfgs); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) writeState(ctx context.Context, tx *sql.Tx, st stream.State, cfgs []inject.FailureConfig) error {
	if _, err := tx.ExecContext(ctx, s.rebind(upsertState),
		st.StreamName, st.RunID, st.StartTimestamp.UnixMilli(), st.StepSeconds, st.NextEpoch); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, deleteFailures); err != nil {
		return err
	}
	for _, f := range cfgs {
		if _, err := tx.ExecContext(ctx, s.rebind(insertFailure),
			f.EntityID, string(f.FailureType), f.Enabled, f.EffectiveFromEpoch, f.NextPatternEpoch); err != nil {
			return fmt.Errorf("save failure config %s: %w", f.EntityID, err)
		}
	}
	return nil
}

func (s *SQLStore) insertRows(ctx context.Context, tx *sql.Tx, rows []telemetry.TelemetryRow) error {
	if len(rows) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, s.rebind(insertTelemetry))
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx,
			r.EntityID,
			r.Timestamp.UnixMilli(),
			r.Epoch,
			r.EngineTemp,
			r.TransOilPressure,
			r.BatteryVoltage,
			r.Status,
		); err != nil {
			return err
		}
	}
	return nil
}

// Append adds one row after checking it is newer than the entity's last row.
func (s *SQLStore) Append(ctx context.Context, row telemetry.TelemetryRow) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	var last int64
	if err := tx.QueryRowContext(ctx, s.rebind(selectLastTS), row.EntityID).Scan(&last); err != nil {
		_ = tx.Rollback()
		return err
	}
	if row.Timestamp.UnixMilli() <= last {
		_ = tx.Rollback()
		return fmt.Errorf("%w: %s at %s", ErrOutOfOrder, row.EntityID, row.Timestamp.Format(time.RFC3339))
	}
	if err := s.insertRows(ctx, tx, []telemetry.TelemetryRow{row}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) Query(ctx context.Context, entity string, from, to time.Time) ([]telemetry.TelemetryRow, error) {
	q := selectTelemetry + ` WHERE entity_id = ? AND ts >= ?`
	args := []any{entity, from.UnixMilli()}
	if !to.IsZero() {
		q += ` AND ts < ?`
		args = append(args, to.UnixMilli())
	}
	q += ` ORDER BY ts`
	return s.queryRows(ctx, s.rebind(q), args...)
}

func (s *SQLStore) queryRows(ctx context.Context, q string, args ...any) ([]telemetry.TelemetryRow, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []telemetry.TelemetryRow
	for rows.Next() {
		var (
			r  telemetry.TelemetryRow
			ts int64
		)
		if err := rows.Scan(&r.EntityID, &ts, &r.Epoch, &r.EngineTemp, &r.TransOilPressure, &r.BatteryVoltage, &r.Status); err != nil {
			return nil, err
		}
		r.Timestamp = time.UnixMilli(ts).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLStore) Entities(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT entity_id FROM telemetry ORDER BY entity_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLStore) Latest(ctx context.Context) ([]telemetry.TelemetryRow, error) {
	q := `SELECT t.entity_id, t.ts, t.epoch, t.engine_temp, t.trans_oil_pressure, t.battery_voltage, t.status
		FROM telemetry t
		JOIN (SELECT entity_id, MAX(ts) AS ts FROM telemetry GROUP BY entity_id) m
		ON t.entity_id = m.entity_id AND t.ts = m.ts
		ORDER BY t.entity_id`
	return s.queryRows(ctx, q)
}

func (s *SQLStore) Watermark(ctx context.Context) (int64, error) {
	var wm int64
	err := s.db.QueryRowContext(ctx, selectWatermark).Scan(&wm)
	return wm, err
}

func (s *SQLStore) Upsert(ctx context.Context, rows ...telemetry.PredictionRow) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, r := range rows {
		var ttf sql.NullFloat64
		if r.PredictedHoursToFailure != nil {
			ttf = sql.NullFloat64{Float64: *r.PredictedHoursToFailure, Valid: true}
		}
		if _, err := tx.ExecContext(ctx, s.rebind(upsertPrediction),
			r.EntityID,
			r.PredictionTimestamp.UnixMilli(),
			r.PredictedFailureType,
			ttf,
			r.ModelUsed,
			r.EngineTemp,
			r.TransOilPressure,
			r.BatteryVoltage,
			r.ReadingTimestamp.UnixMilli(),
		); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLStore) Get(ctx context.Context, entity string) (telemetry.PredictionRow, bool, error) {
	out, err := s.queryPredictions(ctx, s.rebind(selectPredictions+` WHERE entity_id = ?`), entity)
	if err != nil || len(out) == 0 {
		return telemetry.PredictionRow{}, false, err
	}
	return out[0], true, nil
}

func (s *SQLStore) All(ctx context.Context) ([]telemetry.PredictionRow, error) {
	return s.queryPredictions(ctx, selectPredictions+` ORDER BY entity_id`)
}

func (s *SQLStore) queryPredictions(ctx context.Context, q string, args ...any) ([]telemetry.PredictionRow, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []telemetry.PredictionRow
	for rows.Next() {
		var (
			r        telemetry.PredictionRow
			pts, rts int64
			ttf      sql.NullFloat64
		)
		if err := rows.Scan(&r.EntityID, &pts, &r.PredictedFailureType, &ttf, &r.ModelUsed,
			&r.EngineTemp, &r.TransOilPressure, &r.BatteryVoltage, &rts); err != nil {
			return nil, err
		}
		r.PredictionTimestamp = time.UnixMilli(pts).UTC()
		r.ReadingTimestamp = time.UnixMilli(rts).UTC()
		if ttf.Valid {
			v := ttf.Float64
			r.PredictedHoursToFailure = &v
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLStore) Markers(ctx context.Context) ([]telemetry.FailureMarkerRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT entity_id, failure_type, marker_ts FROM failure_markers ORDER BY entity_id, failure_type`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []telemetry.FailureMarkerRow
	for rows.Next() {
		var (
			m  telemetry.FailureMarkerRow
			ts int64
		)
		if err := rows.Scan(&m.EntityID, &m.FailureType, &ts); err != nil {
			return nil, err
		}
		m.MarkerTimestamp = time.UnixMilli(ts).UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLStore) AddMarker(ctx context.Context, m telemetry.FailureMarkerRow) error {
	_, err := s.db.ExecContext(ctx, s.rebind(insertMarker), m.EntityID, m.FailureType, m.MarkerTimestamp.UnixMilli())
	return err
}

func (s *SQLStore) DeleteMarkers(ctx context.Context, entity string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM failure_markers WHERE entity_id = ?`), entity)
	return err
}

func (s *SQLStore) LoadState(ctx context.Context, streamName string) (stream.State, []inject.FailureConfig, bool, error) {
	var (
		st      stream.State
		startMs int64
	)
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT stream_name, run_id, start_ts, step_seconds, next_epoch FROM stream_state WHERE stream_name = ?`), streamName).
		Scan(&st.StreamName, &st.RunID, &startMs, &st.StepSeconds, &st.NextEpoch)
	if errors.Is(err, sql.ErrNoRows) {
		return stream.State{}, nil, false, nil
	}
	if err != nil {
		return stream.State{}, nil, false, err
	}
	st.StartTimestamp = time.UnixMilli(startMs).UTC()

	rows, err := s.db.QueryContext(ctx, `SELECT entity_id, failure_type, enabled, effective_from_epoch, next_pattern_epoch FROM failure_config ORDER BY entity_id`)
	if err != nil {
		return stream.State{}, nil, false, err
	}
	defer rows.Close()
	var cfgs []inject.FailureConfig
	for rows.Next() {
		var (
			c  inject.FailureConfig
			ft string
		)
		if err := rows.Scan(&c.EntityID, &ft, &c.Enabled, &c.EffectiveFromEpoch, &c.NextPatternEpoch); err != nil {
			return stream.State{}, nil, false, err
		}
		c.FailureType = telemetry.FailureType(ft)
		cfgs = append(cfgs, c)
	}
	return st, cfgs, true, rows.Err()
}

// Purge empties every table in one transaction.
func (s *SQLStore) Purge(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, table := range []string{"telemetry", "prediction_cache", "failure_markers", "stream_state", "failure_config"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("purge %s: %w", table, err)
		}
	}
	return tx.Commit()
}
