package store

import (
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetops-sim/internal/config"
	"fleetops-sim/internal/inject"
	"fleetops-sim/internal/stream"
	"fleetops-sim/internal/telemetry"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func commitFor(epoch int64, entities ...string) stream.Commit {
	ts := t0.Add(time.Duration(epoch) * 5 * time.Second)
	c := stream.Commit{
		Epoch: epoch,
		State: stream.State{StreamName: "fleet", RunID: "run-1", StartTimestamp: t0, StepSeconds: 5, NextEpoch: epoch + 1},
		Failures: []inject.FailureConfig{
			{EntityID: "TRUCK_001", FailureType: telemetry.FailureEngine, Enabled: true, NextPatternEpoch: epoch + 1},
		},
	}
	for _, id := range entities {
		c.Rows = append(c.Rows, telemetry.TelemetryRow{
			EntityID: id, Epoch: epoch, EngineTemp: 200 + float64(epoch), TransOilPressure: 50, BatteryVoltage: 12.6,
			Status: telemetry.StatusOK, Timestamp: ts,
		})
	}
	return c
}

// exerciseStore runs the same behaviour checks against every implementation.
func exerciseStore(t *testing.T, s Store) {
	ctx := context.Background()
	require.NoError(t, s.Init(ctx))

	wm, err := s.Watermark(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), wm)

	for e := int64(0); e < 4; e++ {
		require.NoError(t, s.CommitEpoch(ctx, commitFor(e, "TRUCK_001", "TRUCK_002")))
	}
	err = s.CommitEpoch(ctx, commitFor(2, "TRUCK_001"))
	require.ErrorIs(t, err, stream.ErrStateCorruption)

	wm, _ = s.Watermark(ctx)
	assert.Equal(t, int64(3), wm)

	rows, err := s.Query(ctx, "TRUCK_001", t0.Add(5*time.Second), t0.Add(15*time.Second))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, int64(1), rows[0].Epoch)
	assert.Equal(t, int64(2), rows[1].Epoch)
	assert.True(t, rows[0].Timestamp.Equal(t0.Add(5*time.Second)))

	all, _ := s.Query(ctx, "TRUCK_002", time.Time{}, time.Time{})
	assert.Len(t, all, 4)

	ids, _ := s.Entities(ctx)
	assert.Equal(t, []string{"TRUCK_001", "TRUCK_002"}, ids)

	latest, _ := s.Latest(ctx)
	require.Len(t, latest, 2)
	assert.Equal(t, int64(3), latest[0].Epoch)

	err = s.Append(ctx, telemetry.TelemetryRow{EntityID: "TRUCK_001", Epoch: 9, Timestamp: t0})
	assert.True(t, errors.Is(err, ErrOutOfOrder), "append err = %v", err)

	st, cfgs, ok, err := s.LoadState(ctx, "fleet")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(4), st.NextEpoch)
	assert.Equal(t, "run-1", st.RunID)
	assert.True(t, st.StartTimestamp.Equal(t0))
	require.Len(t, cfgs, 1)
	assert.Equal(t, int64(4), cfgs[0].NextPatternEpoch)

	require.NoError(t, s.SaveFailures(ctx, st, []inject.FailureConfig{
		{EntityID: "TRUCK_002", FailureType: telemetry.FailureElectrical, Enabled: true, EffectiveFromEpoch: 4, NextPatternEpoch: 4},
	}))
	st, cfgs, ok, err = s.LoadState(ctx, "fleet")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(4), st.NextEpoch)
	require.Len(t, cfgs, 1)
	assert.Equal(t, "TRUCK_002", cfgs[0].EntityID)
	require.NoError(t, s.SaveFailures(ctx, st, nil))
	_, cfgs, _, _ = s.LoadState(ctx, "fleet")
	assert.Empty(t, cfgs)

	ttf := 1.5
	pred := telemetry.PredictionRow{
		EntityID: "TRUCK_001", PredictionTimestamp: t0, PredictedFailureType: telemetry.LabelEngineFailure,
		PredictedHoursToFailure: &ttf, ModelUsed: telemetry.ModelBasic, EngineTemp: 231, ReadingTimestamp: t0,
	}
	require.NoError(t, s.Upsert(ctx, pred))
	pred.PredictedFailureType = telemetry.LabelNormal
	pred.PredictedHoursToFailure = nil
	require.NoError(t, s.Upsert(ctx, pred))
	got, ok, err := s.Get(ctx, "TRUCK_001")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, telemetry.LabelNormal, got.PredictedFailureType)
	assert.Nil(t, got.PredictedHoursToFailure)
	_, ok, _ = s.Get(ctx, "TRUCK_404")
	assert.False(t, ok)

	mk := telemetry.FailureMarkerRow{EntityID: "TRUCK_002", FailureType: telemetry.LabelElectricalFailure, MarkerTimestamp: t0}
	require.NoError(t, s.AddMarker(ctx, mk))
	mk.MarkerTimestamp = t0.Add(time.Hour)
	require.NoError(t, s.AddMarker(ctx, mk))
	markers, _ := s.Markers(ctx)
	require.Len(t, markers, 1)
	assert.True(t, markers[0].MarkerTimestamp.Equal(t0), "first marker must be kept")
	require.NoError(t, s.DeleteMarkers(ctx, "TRUCK_002"))
	markers, _ = s.Markers(ctx)
	assert.Empty(t, markers)

	require.NoError(t, s.Purge(ctx))
	wm, _ = s.Watermark(ctx)
	assert.Equal(t, int64(-1), wm)
	preds, _ := s.All(ctx)
	assert.Empty(t, preds)
	_, _, ok, _ = s.LoadState(ctx, "fleet")
	assert.False(t, ok)
	require.NoError(t, s.CommitEpoch(ctx, commitFor(0, "TRUCK_001")))
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemory())
}

func TestSaveFailuresBeforeFirstEpoch(t *testing.T) {
	ctx := context.Background()
	sqlite, err := NewSQLite("file:" + filepath.Join(t.TempDir(), "fleet.db"))
	require.NoError(t, err)
	defer sqlite.Close()
	require.NoError(t, sqlite.Init(ctx))

	st := stream.State{StreamName: "fleet", RunID: "run-0", StartTimestamp: t0, StepSeconds: 5}
	cfg := inject.FailureConfig{EntityID: "TRUCK_001", FailureType: telemetry.FailureTransmission, Enabled: true}
	for name, s := range map[string]Store{"memory": NewMemory(), "sqlite": sqlite} {
		require.NoError(t, s.SaveFailures(ctx, st, []inject.FailureConfig{cfg}), name)
		got, cfgs, ok, err := s.LoadState(ctx, "fleet")
		require.NoError(t, err, name)
		require.True(t, ok, name)
		assert.Equal(t, int64(0), got.NextEpoch, name)
		assert.Equal(t, []inject.FailureConfig{cfg}, cfgs, name)
		wm, _ := s.Watermark(ctx)
		assert.Equal(t, int64(-1), wm, name)
	}
}

func TestPostgresSaveFailuresRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := newSQLStore(db, "postgres")
	st := stream.State{StreamName: "fleet", RunID: "run-1", StartTimestamp: t0, StepSeconds: 5, NextEpoch: 3}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO stream_state")).
		WithArgs("fleet", "run-1", t0.UnixMilli(), 5, int64(3)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta(deleteFailures)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO failure_config")).
		WithArgs("TRUCK_001", "ENGINE", true, int64(3), int64(3)).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err = s.SaveFailures(context.Background(), st, []inject.FailureConfig{
		{EntityID: "TRUCK_001", FailureType: telemetry.FailureEngine, Enabled: true, EffectiveFromEpoch: 3, NextPatternEpoch: 3},
	})
	require.ErrorContains(t, err, "disk full")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteStore(t *testing.T) {
	s, err := NewSQLite("file:" + filepath.Join(t.TempDir(), "fleet.db"))
	require.NoError(t, err)
	defer s.Close()
	exerciseStore(t, s)
}

func TestNewSelectsDriver(t *testing.T) {
	s, err := New(config.StorageConfig{Driver: "memory"})
	require.NoError(t, err)
	_, ok := s.(*Memory)
	assert.True(t, ok)

	_, err = New(config.StorageConfig{Driver: "oracle"})
	assert.Error(t, err)
	_, err = New(config.StorageConfig{Driver: "postgres"})
	assert.Error(t, err, "postgres without dsn")
}

func TestMemoryCommitIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.CommitEpoch(ctx, commitFor(5, "TRUCK_001")))
	bad := commitFor(6, "TRUCK_002", "TRUCK_001")
	bad.Rows[1].Timestamp = t0 // older than the stored TRUCK_001 row
	require.ErrorIs(t, m.CommitEpoch(ctx, bad), ErrOutOfOrder)
	rows, _ := m.Query(ctx, "TRUCK_002", time.Time{}, time.Time{})
	assert.Empty(t, rows, "no row of a rejected commit may become visible")
}

func TestPostgresCommitEpochStatements(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := newSQLStore(db, "postgres")
	c := commitFor(7, "TRUCK_001")
	r := c.Rows[0]

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(selectWatermark)).WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(int64(6)))
	prep := mock.ExpectPrepare(regexp.QuoteMeta("INSERT INTO telemetry (entity_id, ts, epoch, engine_temp, trans_oil_pressure, battery_voltage, status) VALUES ($1, $2, $3, $4, $5, $6, $7)"))
	prep.ExpectExec().
		WithArgs("TRUCK_001", r.Timestamp.UnixMilli(), int64(7), r.EngineTemp, r.TransOilPressure, r.BatteryVoltage, r.Status).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO stream_state")).
		WithArgs("fleet", "run-1", t0.UnixMilli(), 5, int64(8)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta(deleteFailures)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO failure_config")).
		WithArgs("TRUCK_001", "ENGINE", true, int64(0), int64(8)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, s.CommitEpoch(context.Background(), c))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCommitEpochStaleRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := newSQLStore(db, "postgres")

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(selectWatermark)).WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(int64(9)))
	mock.ExpectRollback()

	err = s.CommitEpoch(context.Background(), commitFor(7, "TRUCK_001"))
	require.ErrorIs(t, err, stream.ErrStateCorruption)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpsertNullTTF(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := newSQLStore(db, "postgres")

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO prediction_cache")).
		WithArgs("TRUCK_003", t0.UnixMilli(), telemetry.LabelNormal, nil, telemetry.ModelNone, 0.0, 0.0, 0.0, t0.UnixMilli()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	row := telemetry.PredictionRow{EntityID: "TRUCK_003", PredictionTimestamp: t0, PredictedFailureType: telemetry.LabelNormal,
		ModelUsed: telemetry.ModelNone, ReadingTimestamp: t0}
	require.NoError(t, s.Upsert(context.Background(), row))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRebind(t *testing.T) {
	pg := newSQLStore(nil, "postgres")
	assert.Equal(t, "a = $1 AND b = $2", pg.rebind("a = ? AND b = ?"))
	lite := newSQLStore(nil, "sqlite")
	assert.Equal(t, "a = ?", lite.rebind("a = ?"))
}
