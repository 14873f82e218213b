package features

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"fleetops-sim/internal/telemetry"
)

// ErrNoVector is returned when an entity has no complete, valid window yet.
var ErrNoVector = errors.New("no feature vector available")

// HistoryDepth is how many emitted vectors the engine keeps per entity, so
// a reader bounded by an older watermark still finds its window.
const HistoryDepth = 12

// Engine keeps one Accumulator per entity and the recent emitted vectors.
// It is fed committed telemetry and is safe for concurrent use.
type Engine struct {
	mu       sync.Mutex
	accs     map[string]*Accumulator
	history  map[string][]Vector
	log      *slog.Logger
	observer func(Outcome)
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEngineLogger sets the logger used for suppressed vectors.
func WithEngineLogger(l *slog.Logger) EngineOption { return func(e *Engine) { e.log = l } }

// WithOutcomeObserver is called for every closed window, e.g. for metrics.
func WithOutcomeObserver(fn func(Outcome)) EngineOption { return func(e *Engine) { e.observer = fn } }

// NewEngine returns an empty incremental engine.
func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{
		accs:    make(map[string]*Accumulator),
		history: make(map[string][]Vector),
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Write feeds one row.
func (e *Engine) Write(row telemetry.TelemetryRow) error {
	return e.WriteBatch([]telemetry.TelemetryRow{row})
}

// WriteBatch feeds the rows of one epoch under a single lock.
func (e *Engine) WriteBatch(rows []telemetry.TelemetryRow) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var errs []error
	for _, r := range rows {
		acc, ok := e.accs[r.EntityID]
		if !ok {
			acc = NewAccumulator(r.EntityID)
			e.accs[r.EntityID] = acc
		}
		outs, err := acc.Observe(r)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		e.record(outs)
	}
	return errors.Join(errs...)
}

// Flush closes every open window that ended at or before asOf.
func (e *Engine) Flush(asOf time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, acc := range e.accs {
		e.record(acc.Flush(asOf))
	}
}

func (e *Engine) record(outs []Outcome) {
	for _, o := range outs {
		if e.observer != nil {
			e.observer(o)
		}
		switch {
		case o.Vector != nil:
			id := o.Window.EntityID
			h := append(e.history[id], *o.Vector)
			if len(h) > HistoryDepth {
				h = append(h[:0:0], h[len(h)-HistoryDepth:]...)
			}
			e.history[id] = h
		case errors.Is(o.Err, ErrInvalidFeatureVector):
			e.log.Warn("feature vector suppressed", "entity", o.Window.EntityID, "window_end", o.Window.End, "error", o.Err)
		default:
			e.log.Debug("feature window below floor", "entity", o.Window.EntityID, "window_end", o.Window.End, "count", o.Window.Count)
		}
	}
}

// LatestVector flushes windows complete at asOf and returns the newest
// vector of entity whose window ended at or before asOf. Windows closed by
// rows committed after asOf are not visible.
func (e *Engine) LatestVector(_ context.Context, entity string, asOf time.Time) (Vector, error) {
	e.Flush(asOf)
	e.mu.Lock()
	defer e.mu.Unlock()
	h := e.history[entity]
	for i := len(h) - 1; i >= 0; i-- {
		if !h[i].End.After(asOf) {
			return h[i], nil
		}
	}
	return Vector{}, fmt.Errorf("%w: %s as of %s", ErrNoVector, entity, asOf.Format(time.RFC3339))
}

// Snapshot returns the latest vector of every entity.
func (e *Engine) Snapshot() map[string]Vector {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]Vector, len(e.history))
	for k, h := range e.history {
		if len(h) > 0 {
			out[k] = h[len(h)-1]
		}
	}
	return out
}

// Purge forgets all entity state.
func (e *Engine) Purge(context.Context) error {
	e.mu.Lock()
	e.accs = make(map[string]*Accumulator)
	e.history = make(map[string][]Vector)
	e.mu.Unlock()
	return nil
}

// RowQuerier is the part of the telemetry store the batch source needs.
type RowQuerier interface {
	Query(ctx context.Context, entity string, from, to time.Time) ([]telemetry.TelemetryRow, error)
}

// BatchSource recomputes vectors from the full stored history on every call.
type BatchSource struct {
	Rows RowQuerier
}

// LatestVector replays entity history up to asOf and returns the newest vector.
func (b BatchSource) LatestVector(ctx context.Context, entity string, asOf time.Time) (Vector, error) {
	rows, err := b.Rows.Query(ctx, entity, time.Time{}, asOf)
	if err != nil {
		return Vector{}, fmt.Errorf("query %s: %w", entity, err)
	}
	outs, err := Compute(entity, rows, asOf)
	if err != nil {
		return Vector{}, err
	}
	vs := Vectors(outs)
	if len(vs) == 0 {
		return Vector{}, fmt.Errorf("%w: %s", ErrNoVector, entity)
	}
	return vs[len(vs)-1], nil
}
