package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"fleetops-sim/internal/inject"
	"fleetops-sim/internal/seed"
	"fleetops-sim/internal/telemetry"
)

var (
	// ErrStateCorruption means the epoch cursor would move backwards or the
	// store already holds the epoch being written. It halts the clock.
	ErrStateCorruption = errors.New("stream state corruption")
	// ErrClockHalted is returned by every advance after a fatal error.
	ErrClockHalted = errors.New("stream clock halted")
	// ErrPurgeRequired is returned when Reset is called without a purger.
	ErrPurgeRequired = errors.New("reset requires a purge of derived data")
	// ErrStreamReset stops a fast-forward whose stream was reset under it.
	ErrStreamReset = errors.New("stream reset during fast-forward")
)

// EpochSink persists the rows of one epoch. All rows of a commit must become
// visible to readers at once, or not at all.
type EpochSink interface {
	CommitEpoch(ctx context.Context, c Commit) error
}

// Purger drops accumulated telemetry and everything derived from it.
type Purger interface {
	Purge(ctx context.Context) error
}

// PurgeFunc adapts a function to Purger.
type PurgeFunc func(ctx context.Context) error

func (f PurgeFunc) Purge(ctx context.Context) error { return f(ctx) }

// FailureSaver stores failure configs changed between epochs, together with
// the state they apply to.
type FailureSaver interface {
	SaveFailures(ctx context.Context, st State, cfgs []inject.FailureConfig) error
}

// Progress is reported periodically during a fast-forward.
type Progress struct {
	Done      int64 `json:"done"`
	Total     int64 `json:"total"`
	NextEpoch int64 `json:"next_epoch"`
}

// Option configures a Clock.
type Option func(*Clock)

// WithLogger sets the clock logger.
func WithLogger(l *slog.Logger) Option { return func(c *Clock) { c.log = l } }

// WithNow overrides the wall clock used by Reset.
func WithNow(now func() time.Time) Option { return func(c *Clock) { c.now = now } }

// WithBeforeEpoch registers fn to run before each epoch is planned, e.g. to
// apply scheduled failure changes. An error aborts the epoch.
func WithBeforeEpoch(fn func(ctx context.Context, epoch int64) error) Option {
	return func(c *Clock) { c.before = fn }
}

// Clock is the single writer of the stream epoch.
type Clock struct {
	mu     sync.Mutex
	state  State
	lib    *seed.Library
	inj    *inject.Injector
	sink   EpochSink
	now    func() time.Time
	log    *slog.Logger
	before func(ctx context.Context, epoch int64) error
	halted error
	ff     *Progress
}

// NewClock wires a clock to its seed library, injector and sink.
func NewClock(state State, lib *seed.Library, inj *inject.Injector, sink EpochSink, opts ...Option) (*Clock, error) {
	if state.StepSeconds <= 0 {
		return nil, fmt.Errorf("step_seconds must be positive, got %d", state.StepSeconds)
	}
	if state.NextEpoch < 0 {
		return nil, fmt.Errorf("%w: next_epoch %d", ErrStateCorruption, state.NextEpoch)
	}
	if lib == nil || inj == nil || sink == nil {
		return nil, fmt.Errorf("clock requires seed library, injector and sink")
	}
	c := &Clock{state: state, lib: lib, inj: inj, sink: sink, now: time.Now, log: slog.Default()}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// State returns a copy of the current stream state.
func (c *Clock) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Halted returns the fatal error that stopped the clock, if any.
func (c *Clock) Halted() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.halted
}

// AdvanceOne writes the rows of epoch next_epoch for every entity and moves
// the cursor by one.
func (c *Clock) AdvanceOne(ctx context.Context) (Commit, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.advance(ctx)
}

// FastForward applies n advances in order. The clock lock is taken per
// epoch, so readers see the stream move while it runs. Cancellation and
// resets are checked between epochs; the returned count is the number of
// epochs actually written. Without a progress callback progress is logged.
func (c *Clock) FastForward(ctx context.Context, n int64, progress func(Progress)) (int64, error) {
	if n < 0 {
		return 0, fmt.Errorf("fast-forward by negative epoch count %d", n)
	}
	ctx, span := otel.Tracer("fleetops-sim/stream").Start(ctx, "Clock.FastForward")
	defer span.End()
	span.SetAttributes(attribute.Int64("epochs", n))

	every := n / 20
	if every < 1 {
		every = 1
	}
	if progress == nil {
		progress = func(p Progress) {
			c.log.Info("fast-forward progress", "done", p.Done, "total", p.Total, "next_epoch", p.NextEpoch)
		}
	}

	c.mu.Lock()
	runID := c.state.RunID
	c.ff = &Progress{Total: n, NextEpoch: c.state.NextEpoch}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.ff = nil
		c.mu.Unlock()
	}()

	start := time.Now()
	for i := int64(0); i < n; i++ {
		if err := ctx.Err(); err != nil {
			c.log.Info("fast-forward interrupted", "done", i, "total", n)
			return i, err
		}
		p, err := c.advanceFastForward(ctx, runID, i, n)
		if err != nil {
			span.RecordError(err)
			return i, err
		}
		if (i+1)%every == 0 || i+1 == n {
			progress(p)
		}
	}
	c.log.Info("fast-forward complete", "epochs", n, "next_epoch", c.State().NextEpoch, "elapsed", time.Since(start))
	return n, nil
}

func (c *Clock) advanceFastForward(ctx context.Context, runID string, i, n int64) (Progress, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.RunID != runID {
		return Progress{}, fmt.Errorf("%w after %d of %d epochs", ErrStreamReset, i, n)
	}
	if _, err := c.advance(ctx); err != nil {
		return Progress{}, err
	}
	p := Progress{Done: i + 1, Total: n, NextEpoch: c.state.NextEpoch}
	if c.ff != nil {
		*c.ff = p
	}
	return p, nil
}

// FastForwardProgress reports the running fast-forward, if any.
func (c *Clock) FastForwardProgress() (Progress, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ff == nil {
		return Progress{}, false
	}
	return *c.ff, true
}

// PersistFailures hands the current failure configs to saver. It holds the
// clock lock so no epoch commit interleaves with the write.
func (c *Clock) PersistFailures(ctx context.Context, saver FailureSaver) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return saver.SaveFailures(ctx, c.state, c.inj.Configs())
}

// FastForwardDuration fast-forwards by the number of whole epochs in d.
func (c *Clock) FastForwardDuration(ctx context.Context, d time.Duration, progress func(Progress)) (int64, error) {
	step := c.State().Step()
	return c.FastForward(ctx, int64(d/step), progress)
}

// Reset purges derived data, then rewinds the stream to epoch 0 stamped now
// and drops every failure config.
func (c *Clock) Reset(ctx context.Context, purger Purger) error {
	return c.ResetAt(ctx, purger, c.now())
}

// ResetAt is Reset with an explicit start timestamp.
func (c *Clock) ResetAt(ctx context.Context, purger Purger, start time.Time) error {
	if purger == nil {
		return ErrPurgeRequired
	}
	ctx, span := otel.Tracer("fleetops-sim/stream").Start(ctx, "Clock.Reset")
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := purger.Purge(ctx); err != nil {
		span.RecordError(err)
		return fmt.Errorf("purge before reset: %w", err)
	}
	c.state.NextEpoch = 0
	c.state.StartTimestamp = start.UTC()
	c.state.RunID = uuid.NewString()
	c.inj.Clear()
	c.halted = nil
	c.log.Info("stream reset", "run_id", c.state.RunID, "start", c.state.StartTimestamp)
	return nil
}

// advance must be called with c.mu held.
func (c *Clock) advance(ctx context.Context) (Commit, error) {
	if c.halted != nil {
		return Commit{}, fmt.Errorf("%w: %v", ErrClockHalted, c.halted)
	}
	e := c.state.NextEpoch
	if c.before != nil {
		if err := c.before(ctx, e); err != nil {
			return Commit{}, fmt.Errorf("before epoch %d: %w", e, err)
		}
	}
	ts := c.state.TimestampFor(e)
	sel := c.inj.Plan(c.lib.Entities(), e)

	rows := make([]telemetry.TelemetryRow, 0, len(sel))
	for _, s := range sel {
		r, err := c.reading(s)
		if err != nil {
			return Commit{}, fmt.Errorf("epoch %d entity %s: %w", e, s.EntityID, err)
		}
		rows = append(rows, telemetry.TelemetryRow{
			EntityID:         s.EntityID,
			Epoch:            e,
			EngineTemp:       r.EngineTemp,
			TransOilPressure: r.TransOilPressure,
			BatteryVoltage:   r.BatteryVoltage,
			Status:           telemetry.DeriveStatus(r.EngineTemp, r.TransOilPressure, r.BatteryVoltage),
			Timestamp:        ts,
		})
	}

	next := c.state
	next.NextEpoch = e + 1
	// int64 overflow
	if next.NextEpoch <= c.state.NextEpoch {
		c.halted = fmt.Errorf("%w: next_epoch %d would not advance past %d", ErrStateCorruption, next.NextEpoch, e)
		return Commit{}, c.halted
	}
	commit := Commit{Epoch: e, Rows: rows, State: next, Failures: c.inj.Preview(sel)}
	if err := c.sink.CommitEpoch(ctx, commit); err != nil {
		if errors.Is(err, ErrStateCorruption) {
			c.halted = err
			c.log.Error("stream halted", "epoch", e, "error", err)
		}
		return Commit{}, fmt.Errorf("commit epoch %d: %w", e, err)
	}
	c.inj.Commit(sel)
	c.state = next
	c.log.Debug("epoch committed", "epoch", e, "rows", len(rows))
	return commit, nil
}

func (c *Clock) reading(s inject.Selection) (seed.Reading, error) {
	var (
		p   *seed.Pattern
		err error
	)
	if s.State == inject.StateInjected {
		p, err = c.lib.Failure(s.FailureType)
	} else {
		p, err = c.lib.Normal(s.EntityID)
	}
	if err != nil {
		return seed.Reading{}, err
	}
	return p.At(s.PatternEpoch)
}
