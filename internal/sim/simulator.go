// Simulator orchestrating the fleet stream, failures and predictions
package sim

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"fleetops-sim/internal/config"
	"fleetops-sim/internal/features"
	"fleetops-sim/internal/inject"
	"fleetops-sim/internal/logging"
	"fleetops-sim/internal/metrics"
	"fleetops-sim/internal/predict"
	"fleetops-sim/internal/scenario"
	"fleetops-sim/internal/seed"
	"fleetops-sim/internal/store"
	"fleetops-sim/internal/stream"
	"fleetops-sim/internal/telemetry"
)

var (
	// ErrUnknownEntity is returned for entities missing from the seed library.
	ErrUnknownEntity = errors.New("unknown entity")
	// ErrInvalidDuration is returned for non-positive fast-forward lengths.
	ErrInvalidDuration = errors.New("invalid fast-forward duration")
)

// Fast-forwards of at least this much stream time refresh predictions in
// the background once they finish.
const refreshAfterFastForward = time.Hour

// Simulator owns the stream clock and everything fed by it: the telemetry
// store, the feature engine, the mirror sinks and the prediction refresher.
type Simulator struct {
	cfg       *config.SimulationConfig
	store     store.Store
	lib       *seed.Library
	inj       *inject.Injector
	clock     *stream.Clock
	feats     *features.Engine
	refresher *predict.Refresher
	writer    TelemetryWriter
	sinks     []TelemetryWriter
	runner    *scenario.Runner
	metrics   *metrics.Metrics
	log       *slog.Logger
	now       func() time.Time

	// replayed is the watermark, in unix nanoseconds, of rows fed by Replay.
	replayed atomic.Int64

	bg sync.WaitGroup
}

// Option configures a Simulator.
type Option func(*Simulator)

// WithMetrics records simulator activity on m.
func WithMetrics(m *metrics.Metrics) Option { return func(s *Simulator) { s.metrics = m } }

// WithLogger sets the simulator logger.
func WithLogger(l *slog.Logger) Option { return func(s *Simulator) { s.log = l } }

// WithScenario applies sc's failure schedule before every epoch.
func WithScenario(sc *scenario.Scenario) Option {
	return func(s *Simulator) {
		if sc != nil {
			s.runner = scenario.NewRunner(sc)
		}
	}
}

// WithNow overrides the wall clock used for new streams and resets.
func WithNow(now func() time.Time) Option { return func(s *Simulator) { s.now = now } }

// New restores the stream named in cfg from st, or starts a new one, and
// wires the commit pipeline. writer may be nil.
func New(ctx context.Context, cfg *config.SimulationConfig, st store.Store, lib *seed.Library, writer TelemetryWriter, opts ...Option) (*Simulator, error) {
	if cfg == nil || st == nil || lib == nil {
		return nil, errors.New("simulator requires config, store and seed library")
	}
	if writer == nil {
		writer = DiscardWriter{}
	}
	s := &Simulator{
		cfg:    cfg,
		store:  st,
		lib:    lib,
		inj:    inject.New(),
		writer: writer,
		log:    logging.FromContext(ctx),
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	if mw, ok := writer.(*MultiWriter); ok {
		s.sinks = mw.Writers()
	} else {
		s.sinks = []TelemetryWriter{writer}
	}

	if err := st.Init(ctx); err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	state, err := s.restore(ctx)
	if err != nil {
		return nil, err
	}

	var source predict.VectorSource
	if strings.EqualFold(cfg.Features.Mode, "batch") {
		source = features.BatchSource{Rows: st}
	} else {
		s.feats = features.NewEngine(features.WithEngineLogger(s.log), features.WithOutcomeObserver(s.observeOutcome))
		if err := s.warmFeatures(ctx); err != nil {
			return nil, err
		}
		source = s.feats
	}

	eng := predict.NewEngine()
	if cfg.Prediction.ModelFile != "" {
		mf, err := predict.LoadLinearModel(cfg.Prediction.ModelFile)
		if err != nil {
			return nil, fmt.Errorf("load model file: %w", err)
		}
		mf.Apply(eng)
	}

	s.clock, err = stream.NewClock(state, lib, s.inj, commitSink{s},
		stream.WithLogger(s.log),
		stream.WithNow(s.now),
		stream.WithBeforeEpoch(s.beforeEpoch))
	if err != nil {
		return nil, err
	}
	s.refresher = &predict.Refresher{
		Source:   source,
		Entities: st,
		Cache:    st,
		Engine:   eng,
		AsOf:     s.asOf,
		Workers:  cfg.Prediction.Workers,
		Cooldown: cfg.Prediction.Cooldown,
		Log:      s.log,
		Metrics:  s.metrics,
	}
	if s.metrics != nil {
		s.metrics.NextEpoch.Set(float64(state.NextEpoch))
	}
	s.log.Info("simulator ready",
		"stream", state.StreamName, "run_id", state.RunID, "next_epoch", state.NextEpoch,
		"entities", len(lib.Entities()), "features", cfg.Features.Mode, "storage", cfg.Storage.Driver)
	return s, nil
}

func (s *Simulator) restore(ctx context.Context) (stream.State, error) {
	state, cfgs, ok, err := s.store.LoadState(ctx, s.cfg.Stream.Name)
	if err != nil {
		return stream.State{}, fmt.Errorf("load stream state: %w", err)
	}
	if ok {
		if state.StepSeconds != s.cfg.Stream.StepSeconds {
			s.log.Warn("stored step_seconds differs from config, keeping stored value",
				"stored", state.StepSeconds, "config", s.cfg.Stream.StepSeconds)
		}
		if err := s.inj.Load(cfgs); err != nil {
			return stream.State{}, fmt.Errorf("restore failure configs: %w", err)
		}
		s.log.Info("stream restored", "stream", state.StreamName, "next_epoch", state.NextEpoch, "failures", len(cfgs))
		return state, nil
	}
	start, err := s.cfg.StartTime()
	if err != nil {
		return stream.State{}, err
	}
	if start.IsZero() {
		start = s.now()
	}
	return stream.NewState(s.cfg.Stream.Name, start, s.cfg.Stream.StepSeconds)
}

// warmFeatures replays stored telemetry into a fresh incremental engine.
func (s *Simulator) warmFeatures(ctx context.Context) error {
	ids, err := s.store.Entities(ctx)
	if err != nil {
		return fmt.Errorf("list entities: %w", err)
	}
	for _, id := range ids {
		rows, err := s.store.Query(ctx, id, time.Time{}, time.Time{})
		if err != nil {
			return fmt.Errorf("replay %s: %w", id, err)
		}
		if err := s.feats.WriteBatch(rows); err != nil {
			return fmt.Errorf("replay %s: %w", id, err)
		}
	}
	return nil
}

func (s *Simulator) observeOutcome(o features.Outcome) {
	if s.metrics == nil {
		return
	}
	switch {
	case o.Vector != nil:
		s.metrics.VectorsEmitted.Inc()
	case errors.Is(o.Err, features.ErrInvalidFeatureVector):
		s.metrics.VectorsSuppressed.WithLabelValues("invalid").Inc()
	default:
		s.metrics.VectorsSuppressed.WithLabelValues("insufficient_data").Inc()
	}
}

// commitSink persists an epoch, then feeds the derived consumers. Only a
// store failure fails the epoch.
type commitSink struct{ s *Simulator }

func (c commitSink) CommitEpoch(ctx context.Context, commit stream.Commit) error {
	s := c.s
	if err := s.store.CommitEpoch(ctx, commit); err != nil {
		return err
	}
	s.publish(commit.Epoch, commit.Rows)
	if s.metrics != nil {
		s.metrics.EpochsCommitted.Inc()
		s.metrics.NextEpoch.Set(float64(commit.State.NextEpoch))
	}
	return nil
}

// publish feeds stored rows of one epoch to the feature engine and the sinks.
func (s *Simulator) publish(epoch int64, rows []telemetry.TelemetryRow) {
	if s.feats != nil {
		if err := s.feats.WriteBatch(rows); err != nil {
			s.log.Warn("feature engine rejected rows", "epoch", epoch, "error", err)
		}
	}
	for _, w := range s.sinks {
		if err := writeRows(w, rows); err != nil {
			name := sinkName(w)
			s.log.Warn("telemetry sink write failed", "sink", name, "epoch", epoch, "error", err)
			if s.metrics != nil {
				s.metrics.SinkErrors.WithLabelValues(name).Inc()
			}
		}
	}
	if s.metrics != nil {
		s.metrics.RowsWritten.Add(float64(len(rows)))
	}
}

// asOf is the watermark predictions read through: the stream's, or the end
// of replayed telemetry when that is later.
func (s *Simulator) asOf() time.Time {
	wm := s.clock.State().Watermark()
	if ns := s.replayed.Load(); ns != 0 {
		if r := time.Unix(0, ns).UTC(); r.After(wm) {
			return r
		}
	}
	return wm
}

func sinkName(w TelemetryWriter) string {
	name := fmt.Sprintf("%T", w)
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	return strings.TrimSuffix(name, "Writer")
}

// beforeEpoch applies the scenario actions scheduled for epoch.
func (s *Simulator) beforeEpoch(ctx context.Context, epoch int64) error {
	if s.runner == nil {
		return nil
	}
	for _, a := range s.runner.Step(epoch) {
		switch a.Do {
		case scenario.DoClearAll:
			s.inj.Clear()
		case scenario.DoClear:
			s.inj.Disable(a.Entity)
		case scenario.DoActivate:
			ft, err := a.FailureType()
			if err != nil {
				return err
			}
			if !s.lib.HasEntity(a.Entity) {
				s.log.Warn("scenario names unknown entity", "entity", a.Entity, "epoch", epoch)
				continue
			}
			if err := s.inj.Activate(a.Entity, ft, epoch); err != nil {
				s.log.Warn("scenario activation skipped", "entity", a.Entity, "error", err)
				continue
			}
		}
		s.log.Info("scenario action applied", "phase", s.runner.Phase(), "do", a.Do, "entity", a.Entity, "failure", a.Failure, "epoch", epoch)
	}
	return nil
}

// Run writes one epoch per tick interval until ctx is done or the clock
// halts.
func (s *Simulator) Run(ctx context.Context) error {
	interval := s.cfg.Stream.TickInterval
	s.log.Info("simulator starting", "tick_interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := s.WriteEpoch(ctx); err != nil {
				if s.clock.Halted() != nil {
					return err
				}
				s.log.Error("epoch write failed", "error", err)
			}
		case <-ctx.Done():
			s.log.Info("simulator stopping")
			return nil
		}
	}
}

// WriteEpoch commits the next epoch for every entity.
func (s *Simulator) WriteEpoch(ctx context.Context) (stream.Commit, error) {
	return s.clock.AdvanceOne(ctx)
}

// MaxFastForwardHours bounds a single fast-forward.
const MaxFastForwardHours = 24 * 365

// FastForwardResult reports a fast-forward run.
type FastForwardResult struct {
	Hours            float64 `json:"hours"`
	Epochs           int64   `json:"epochs_written"`
	NextEpoch        int64   `json:"next_epoch"`
	RefreshTriggered bool    `json:"refresh_triggered"`
}

// FastForward writes hours worth of epochs as fast as possible. Runs of an
// hour or more refresh predictions in the background afterwards.
func (s *Simulator) FastForward(ctx context.Context, hours float64, progress func(stream.Progress)) (FastForwardResult, error) {
	res := FastForwardResult{Hours: hours}
	if math.IsNaN(hours) || hours <= 0 || hours > MaxFastForwardHours {
		return res, fmt.Errorf("%w: %v hours, want (0, %d]", ErrInvalidDuration, hours, MaxFastForwardHours)
	}
	d := time.Duration(hours * float64(time.Hour))
	if d < s.clock.State().Step() {
		return res, fmt.Errorf("%w: %v hours is shorter than one epoch", ErrInvalidDuration, hours)
	}
	ctx, span := otel.Tracer("fleetops-sim/sim").Start(ctx, "Simulator.FastForward")
	defer span.End()
	span.SetAttributes(attribute.Float64("hours", hours))

	n, err := s.clock.FastForwardDuration(ctx, d, progress)
	res.Epochs = n
	res.NextEpoch = s.clock.State().NextEpoch
	if s.metrics != nil {
		s.metrics.FastForwardEpochs.Add(float64(n))
	}
	if err != nil {
		span.RecordError(err)
		return res, err
	}
	if d >= refreshAfterFastForward {
		res.RefreshTriggered = true
		s.refreshInBackground(true)
	}
	return res, nil
}

// Activate injects failure into entity from the next epoch on. The new
// config is stored right away, not only with the next epoch.
func (s *Simulator) Activate(ctx context.Context, entity, failure string) (inject.FailureConfig, error) {
	ft, err := telemetry.ParseFailureType(failure)
	if err != nil {
		return inject.FailureConfig{}, fmt.Errorf("%w: %v", inject.ErrInvalidConfig, err)
	}
	if ft == telemetry.FailureNone {
		return inject.FailureConfig{}, fmt.Errorf("%w: failure type required", inject.ErrInvalidConfig)
	}
	if !s.lib.HasEntity(entity) {
		return inject.FailureConfig{}, fmt.Errorf("%w: %s", ErrUnknownEntity, entity)
	}
	from := s.clock.State().NextEpoch
	if err := s.inj.Activate(entity, ft, from); err != nil {
		return inject.FailureConfig{}, err
	}
	cfg, _ := s.inj.Config(entity)
	s.log.Info("failure activated", "entity", entity, "failure", ft, "effective_from", from)
	return cfg, s.persistFailures(ctx)
}

// Disable returns entity to its normal pattern.
func (s *Simulator) Disable(ctx context.Context, entity string) (bool, error) {
	if !s.lib.HasEntity(entity) {
		return false, fmt.Errorf("%w: %s", ErrUnknownEntity, entity)
	}
	if !s.inj.Disable(entity) {
		return false, nil
	}
	s.log.Info("failure cleared", "entity", entity)
	return true, s.persistFailures(ctx)
}

// ClearFailures disables every failure.
func (s *Simulator) ClearFailures(ctx context.Context) error {
	s.inj.Clear()
	s.log.Info("all failures cleared")
	return s.persistFailures(ctx)
}

func (s *Simulator) persistFailures(ctx context.Context) error {
	if err := s.clock.PersistFailures(ctx, s.store); err != nil {
		s.log.Error("failure configs not persisted", "error", err)
		return fmt.Errorf("persist failure configs: %w", err)
	}
	return nil
}

// ActiveFailures lists enabled failures and where their patterns stand.
func (s *Simulator) ActiveFailures() []inject.ActiveFailure {
	active := s.inj.Active(s.clock.State().NextEpoch, s.lib.FailureLength)
	if s.metrics != nil {
		s.metrics.ActiveFailures.Set(float64(len(active)))
	}
	return active
}

// Reset purges telemetry, features, predictions and markers, then restarts
// the stream at epoch 0 with no failures. It waits for an in-flight
// prediction refresh to finish first.
func (s *Simulator) Reset(ctx context.Context) error {
	purge := stream.PurgeFunc(func(ctx context.Context) error {
		if err := s.store.Purge(ctx); err != nil {
			return err
		}
		if s.feats != nil {
			if err := s.feats.Purge(ctx); err != nil {
				return err
			}
		}
		if s.runner != nil {
			s.runner.Reset()
		}
		s.replayed.Store(0)
		return nil
	})
	// no refresh may write the old run's predictions into the purged cache
	err := s.refresher.Exclusive(ctx, func() error {
		return s.clock.Reset(ctx, purge)
	})
	if err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.NextEpoch.Set(0)
		s.metrics.ActiveFailures.Set(0)
	}
	return nil
}

// RefreshPredictions recomputes the prediction cache and forwards the
// result to sinks that accept predictions.
func (s *Simulator) RefreshPredictions(ctx context.Context, force bool) (predict.Result, error) {
	res, err := s.refresher.Refresh(ctx, force)
	if err != nil {
		return res, err
	}
	if pw, ok := s.writer.(PredictionWriter); ok && len(res.Rows) > 0 {
		if err := pw.WritePredictions(res.Rows); err != nil {
			s.log.Warn("prediction sink write failed", "error", err)
		}
	}
	return res, nil
}

func (s *Simulator) refreshInBackground(force bool) {
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		_, err := s.RefreshPredictions(context.Background(), force)
		switch {
		case errors.Is(err, predict.ErrRefreshInProgress), errors.Is(err, predict.ErrRefreshThrottled):
			s.log.Debug("background refresh skipped", "error", err)
		case err != nil:
			s.log.Error("background refresh failed", "error", err)
		}
	}()
}

// Close waits for background refreshes and closes the sinks and the store.
func (s *Simulator) Close() error {
	s.bg.Wait()
	var errs []error
	if c, ok := s.writer.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	errs = append(errs, s.store.Close())
	return errors.Join(errs...)
}
