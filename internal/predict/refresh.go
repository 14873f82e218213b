package predict

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"fleetops-sim/internal/features"
	"fleetops-sim/internal/metrics"
	"fleetops-sim/internal/telemetry"
)

// DefaultCooldown is the minimum spacing of unforced refreshes.
const DefaultCooldown = 15 * time.Second

// MarkerSlice is the width of the slice a first-failure marker points at.
const MarkerSlice = 5 * time.Minute

var (
	ErrRefreshInProgress = errors.New("prediction refresh already in progress")
	ErrRefreshThrottled  = errors.New("prediction refresh throttled")
)

// EntityError is the failure of one entity inside a refresh.
type EntityError struct {
	EntityID string
	Err      error
}

func (e EntityError) Error() string { return e.EntityID + ": " + e.Err.Error() }
func (e EntityError) Unwrap() error { return e.Err }

// VectorSource yields the newest feature vector of an entity whose window is
// complete at asOf.
type VectorSource interface {
	LatestVector(ctx context.Context, entity string, asOf time.Time) (features.Vector, error)
}

// Entities lists the entities known to the telemetry log.
type Entities interface {
	Entities(ctx context.Context) ([]string, error)
}

// Cache is where refreshed predictions and markers are written.
type Cache interface {
	Upsert(ctx context.Context, rows ...telemetry.PredictionRow) error
	AddMarker(ctx context.Context, m telemetry.FailureMarkerRow) error
	DeleteMarkers(ctx context.Context, entity string) error
}

// Result summarises one refresh.
type Result struct {
	ID      string                    `json:"refresh_id"`
	AsOf    time.Time                 `json:"as_of"`
	Rows    []telemetry.PredictionRow `json:"predictions"`
	Skipped []string                  `json:"skipped,omitempty"`
	Errors  []EntityError             `json:"-"`
}

// Refresher recomputes the prediction cache. Only one refresh runs at a time.
type Refresher struct {
	Source   VectorSource
	Entities Entities
	Cache    Cache
	Engine   *Engine
	// AsOf returns the committed watermark the refresh reads through.
	AsOf     func() time.Time
	Workers  int
	Cooldown time.Duration
	Now      func() time.Time
	Log      *slog.Logger
	Metrics  *metrics.Metrics

	// slot holds one token while a refresh or an exclusive section runs.
	slotOnce sync.Once
	slot     chan struct{}

	mu       sync.Mutex
	running  bool
	lastDone time.Time
}

func (r *Refresher) sem() chan struct{} {
	r.slotOnce.Do(func() { r.slot = make(chan struct{}, 1) })
	return r.slot
}

func (r *Refresher) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Refresher) logger() *slog.Logger {
	if r.Log != nil {
		return r.Log
	}
	return slog.Default()
}

func (r *Refresher) begin(force bool) error {
	select {
	case r.sem() <- struct{}{}:
	default:
		return ErrRefreshInProgress
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !force && !r.lastDone.IsZero() {
		if wait := r.Cooldown - r.now().Sub(r.lastDone); wait > 0 {
			<-r.slot
			return fmt.Errorf("%w: retry in %s", ErrRefreshThrottled, wait.Round(time.Second))
		}
	}
	r.running = true
	return nil
}

func (r *Refresher) end(ok bool) {
	r.mu.Lock()
	r.running = false
	if ok {
		r.lastDone = r.now()
	}
	r.mu.Unlock()
	<-r.slot
}

// Exclusive waits for an in-flight refresh to finish and runs fn while no
// refresh can start. Refreshes attempted meanwhile fail with
// ErrRefreshInProgress. The cooldown is cleared afterwards.
func (r *Refresher) Exclusive(ctx context.Context, fn func() error) error {
	select {
	case r.sem() <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-r.slot }()
	err := fn()
	r.mu.Lock()
	r.lastDone = time.Time{}
	r.mu.Unlock()
	return err
}

// Running reports whether a refresh is in flight.
func (r *Refresher) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Refresh scores the latest vector of every entity and writes the results.
// Entities without a complete window are skipped; per-entity failures are
// collected in the result and do not stop the others.
func (r *Refresher) Refresh(ctx context.Context, force bool) (Result, error) {
	if err := r.begin(force); err != nil {
		return Result{}, err
	}
	ok := false
	defer func() { r.end(ok) }()

	started := time.Now()
	res := Result{ID: uuid.NewString(), AsOf: r.AsOf()}
	ctx, span := otel.Tracer("fleetops-sim/predict").Start(ctx, "Refresher.Refresh")
	defer span.End()
	span.SetAttributes(attribute.String("refresh.id", res.ID), attribute.Bool("refresh.force", force))

	ids, err := r.Entities.Entities(ctx)
	if err != nil {
		span.RecordError(err)
		return res, fmt.Errorf("list entities: %w", err)
	}

	type outcome struct {
		row     *telemetry.PredictionRow
		skipped bool
		err     error
	}
	outs := make([]outcome, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	workers := r.Workers
	if workers <= 0 {
		workers = 4
	}
	g.SetLimit(workers)
	for i, id := range ids {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			v, err := r.Source.LatestVector(gctx, id, res.AsOf)
			switch {
			case errors.Is(err, features.ErrNoVector):
				outs[i] = outcome{skipped: true}
				return nil
			case err != nil:
				outs[i] = outcome{err: err}
				return nil
			}
			row := r.Engine.Predict(v).Row(v)
			outs[i] = outcome{row: &row}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		return res, err
	}

	for i, o := range outs {
		switch {
		case o.err != nil:
			res.Errors = append(res.Errors, EntityError{EntityID: ids[i], Err: o.err})
		case o.skipped:
			res.Skipped = append(res.Skipped, ids[i])
		default:
			res.Rows = append(res.Rows, *o.row)
		}
	}
	sort.Slice(res.Rows, func(a, b int) bool { return res.Rows[a].EntityID < res.Rows[b].EntityID })
	if len(res.Rows) > 0 {
		if err := r.Cache.Upsert(ctx, res.Rows...); err != nil {
			span.RecordError(err)
			return res, fmt.Errorf("upsert predictions: %w", err)
		}
	}
	// markers follow the cache, so they only change once the upsert landed
	for _, row := range res.Rows {
		if err := r.updateMarkers(ctx, row); err != nil {
			res.Errors = append(res.Errors, EntityError{EntityID: row.EntityID, Err: fmt.Errorf("update markers: %w", err)})
		}
	}
	ok = true

	r.observe(res, time.Since(started))
	span.SetAttributes(attribute.Int("refresh.rows", len(res.Rows)), attribute.Int("refresh.errors", len(res.Errors)))
	r.logger().Info("prediction refresh complete",
		"refresh_id", res.ID, "as_of", res.AsOf, "rows", len(res.Rows),
		"skipped", len(res.Skipped), "errors", len(res.Errors))
	for _, e := range res.Errors {
		r.logger().Warn("prediction refresh entity failed", "entity", e.EntityID, "error", e.Err)
	}
	return res, nil
}

func (r *Refresher) updateMarkers(ctx context.Context, row telemetry.PredictionRow) error {
	if row.PredictedFailureType == telemetry.LabelNormal {
		return r.Cache.DeleteMarkers(ctx, row.EntityID)
	}
	return r.Cache.AddMarker(ctx, telemetry.FailureMarkerRow{
		EntityID:        row.EntityID,
		FailureType:     row.PredictedFailureType,
		MarkerTimestamp: row.PredictionTimestamp.UTC().Truncate(MarkerSlice),
	})
}

func (r *Refresher) observe(res Result, took time.Duration) {
	if r.Metrics == nil {
		return
	}
	r.Metrics.RefreshDuration.Observe(took.Seconds())
	r.Metrics.PredictionErrors.Add(float64(len(res.Errors)))
	for _, row := range res.Rows {
		r.Metrics.Predictions.WithLabelValues(row.PredictedFailureType, row.ModelUsed).Inc()
	}
}
