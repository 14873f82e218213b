// Package store keeps the append-only telemetry log, the prediction cache and
// the persisted stream state.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"fleetops-sim/internal/config"
	"fleetops-sim/internal/inject"
	"fleetops-sim/internal/stream"
	"fleetops-sim/internal/telemetry"
)

// ErrOutOfOrder is returned when a row is not strictly after the previous
// row of the same entity.
var ErrOutOfOrder = errors.New("telemetry row out of order")

// TelemetryStore is the append-only telemetry log.
type TelemetryStore interface {
	stream.EpochSink
	Append(ctx context.Context, row telemetry.TelemetryRow) error
	// Query returns rows of entity with from <= ts < to in timestamp order.
	// A zero to means no upper bound.
	Query(ctx context.Context, entity string, from, to time.Time) ([]telemetry.TelemetryRow, error)
	Entities(ctx context.Context) ([]string, error)
	// Latest returns the newest row of every entity.
	Latest(ctx context.Context) ([]telemetry.TelemetryRow, error)
	// Watermark returns the last committed epoch, or -1 when empty.
	Watermark(ctx context.Context) (int64, error)
}

// PredictionCache holds one prediction per entity.
type PredictionCache interface {
	Upsert(ctx context.Context, rows ...telemetry.PredictionRow) error
	Get(ctx context.Context, entity string) (telemetry.PredictionRow, bool, error)
	All(ctx context.Context) ([]telemetry.PredictionRow, error)
}

// MarkerStore holds first-failure markers.
type MarkerStore interface {
	Markers(ctx context.Context) ([]telemetry.FailureMarkerRow, error)
	// AddMarker keeps an existing marker of the same entity and type.
	AddMarker(ctx context.Context, m telemetry.FailureMarkerRow) error
	DeleteMarkers(ctx context.Context, entity string) error
}

// StateStore restores the stream cursor and failure configs after a restart.
type StateStore interface {
	LoadState(ctx context.Context, streamName string) (stream.State, []inject.FailureConfig, bool, error)
	stream.FailureSaver
}

// Store bundles every persistence concern of the simulator.
type Store interface {
	TelemetryStore
	PredictionCache
	MarkerStore
	StateStore
	stream.Purger
	Init(ctx context.Context) error
	Close() error
}

// New opens the store selected by cfg.Driver.
func New(cfg config.StorageConfig) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}

func staleEpoch(epoch, watermark int64) error {
	return fmt.Errorf("%w: epoch %d is not after stored watermark %d", stream.ErrStateCorruption, epoch, watermark)
}

func checkCommit(c stream.Commit) error {
	for _, r := range c.Rows {
		if r.Epoch != c.Epoch {
			return fmt.Errorf("row for %s carries epoch %d in commit of epoch %d", r.EntityID, r.Epoch, c.Epoch)
		}
	}
	return nil
}
