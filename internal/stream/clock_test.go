package stream

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"fleetops-sim/internal/inject"
	"fleetops-sim/internal/seed"
	"fleetops-sim/internal/telemetry"
)

type recordingSink struct {
	commits []Commit
	failAt  int64
	err     error
}

func (s *recordingSink) CommitEpoch(_ context.Context, c Commit) error {
	if s.err != nil && c.Epoch == s.failAt {
		return s.err
	}
	s.commits = append(s.commits, c)
	return nil
}

func (s *recordingSink) rows() []telemetry.TelemetryRow {
	var out []telemetry.TelemetryRow
	for _, c := range s.commits {
		out = append(out, c.Rows...)
	}
	return out
}

var testStart = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestClock(t *testing.T, sink EpochSink) (*Clock, *inject.Injector) {
	t.Helper()
	lib, err := seed.Generate(seed.Options{Entities: []string{"TRUCK_001", "TRUCK_002"}, Seed: 1, NormalLength: 30, FailureLength: 10})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	st, err := NewState("test", testStart, 5)
	if err != nil {
		t.Fatalf("NewState: %v", err)
	}
	inj := inject.New()
	c, err := NewClock(st, lib, inj, sink, WithNow(func() time.Time { return testStart }))
	if err != nil {
		t.Fatalf("NewClock: %v", err)
	}
	return c, inj
}

func TestAdvanceOneSpacing(t *testing.T) {
	sink := &recordingSink{}
	c, _ := newTestClock(t, sink)
	for i := 0; i < 5; i++ {
		if _, err := c.AdvanceOne(context.Background()); err != nil {
			t.Fatalf("AdvanceOne: %v", err)
		}
	}
	last := map[string]time.Time{}
	for _, r := range sink.rows() {
		if prev, ok := last[r.EntityID]; ok {
			if d := r.Timestamp.Sub(prev); d != 5*time.Second {
				t.Fatalf("%s spacing = %v, want 5s", r.EntityID, d)
			}
		}
		last[r.EntityID] = r.Timestamp
	}
	if got := c.State().NextEpoch; got != 5 {
		t.Fatalf("next_epoch = %d, want 5", got)
	}
}

func TestFastForwardExactCount(t *testing.T) {
	sink := &recordingSink{}
	c, _ := newTestClock(t, sink)
	_, _ = c.AdvanceOne(context.Background())

	var reports []Progress
	n, err := c.FastForward(context.Background(), 40, func(p Progress) { reports = append(reports, p) })
	if err != nil || n != 40 {
		t.Fatalf("FastForward = %d, %v", n, err)
	}
	perEntity := map[string][]int64{}
	for _, r := range sink.rows() {
		perEntity[r.EntityID] = append(perEntity[r.EntityID], r.Epoch)
	}
	for id, epochs := range perEntity {
		if len(epochs) != 41 {
			t.Fatalf("%s has %d rows, want 41", id, len(epochs))
		}
		if epochs[len(epochs)-1] != 40 {
			t.Fatalf("%s last epoch = %d, want 40", id, epochs[len(epochs)-1])
		}
	}
	if c.State().NextEpoch != 41 {
		t.Fatalf("next_epoch = %d, want 41", c.State().NextEpoch)
	}
	if len(reports) == 0 || reports[len(reports)-1].Done != 40 {
		t.Fatalf("progress reports = %+v", reports)
	}
}

func TestFastForwardCancelledBetweenEpochs(t *testing.T) {
	sink := &recordingSink{}
	c, _ := newTestClock(t, sink)
	ctx, cancel := context.WithCancel(context.Background())
	n, err := c.FastForward(ctx, 100, func(p Progress) {
		if p.Done >= 10 {
			cancel()
		}
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if n != 10 || c.State().NextEpoch != 10 {
		t.Fatalf("done = %d next_epoch = %d, want 10", n, c.State().NextEpoch)
	}
	if len(sink.commits) != 10 {
		t.Fatalf("commits = %d, want 10", len(sink.commits))
	}
}

func TestFastForwardStateVisibleWhileRunning(t *testing.T) {
	c, _ := newTestClock(t, &recordingSink{})
	if _, ok := c.FastForwardProgress(); ok {
		t.Fatalf("no fast-forward is running")
	}
	var seen []int64
	_, err := c.FastForward(context.Background(), 40, func(p Progress) {
		st := c.State()
		ff, ok := c.FastForwardProgress()
		if !ok || ff.Done != p.Done || ff.Total != 40 {
			t.Errorf("progress = %+v %v, callback saw %+v", ff, ok, p)
		}
		seen = append(seen, st.NextEpoch)
	})
	if err != nil {
		t.Fatalf("FastForward: %v", err)
	}
	if len(seen) < 2 || seen[0] >= 40 {
		t.Fatalf("watermark did not move during the run: %v", seen)
	}
	if _, ok := c.FastForwardProgress(); ok {
		t.Fatalf("progress still reported after completion")
	}
}

func TestFastForwardStopsOnReset(t *testing.T) {
	sink := &recordingSink{}
	c, _ := newTestClock(t, sink)
	reset := false
	n, err := c.FastForward(context.Background(), 100, func(p Progress) {
		if p.Done >= 10 && !reset {
			reset = true
			if err := c.Reset(context.Background(), PurgeFunc(func(context.Context) error { return nil })); err != nil {
				t.Errorf("Reset: %v", err)
			}
		}
	})
	if !errors.Is(err, ErrStreamReset) {
		t.Fatalf("err = %v, want ErrStreamReset", err)
	}
	if n >= 100 || c.State().NextEpoch != 0 {
		t.Fatalf("done = %d next_epoch = %d after reset", n, c.State().NextEpoch)
	}
}

func TestInjectedEntityReadsFailurePattern(t *testing.T) {
	sink := &recordingSink{}
	c, inj := newTestClock(t, sink)
	_, _ = c.FastForward(context.Background(), 3, nil)
	if err := inj.Activate("TRUCK_001", telemetry.FailureEngine, c.State().NextEpoch); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	_, _ = c.FastForward(context.Background(), 15, nil)

	fail, _ := c.lib.Failure(telemetry.FailureEngine)
	plateau, _ := fail.At(9)
	var injected []telemetry.TelemetryRow
	for _, r := range sink.rows() {
		if r.EntityID == "TRUCK_001" && r.Epoch >= 3 {
			injected = append(injected, r)
		}
	}
	first, _ := fail.At(0)
	if injected[0].EngineTemp != first.EngineTemp {
		t.Fatalf("first injected row temp = %v, want %v", injected[0].EngineTemp, first.EngineTemp)
	}
	for _, r := range injected[10:] {
		if r.EngineTemp != plateau.EngineTemp {
			t.Fatalf("epoch %d temp = %v, want plateau %v", r.Epoch, r.EngineTemp, plateau.EngineTemp)
		}
	}
	cfg, _ := inj.Config("TRUCK_001")
	if cfg.NextPatternEpoch != 15 {
		t.Fatalf("cursor = %d, want 15", cfg.NextPatternEpoch)
	}
	last := sink.commits[len(sink.commits)-1]
	if last.Failures[0].NextPatternEpoch != 15 {
		t.Fatalf("commit carried cursor %d, want 15", last.Failures[0].NextPatternEpoch)
	}
}

func TestFailedCommitDoesNotAdvance(t *testing.T) {
	sink := &recordingSink{failAt: 2, err: fmt.Errorf("disk full")}
	c, inj := newTestClock(t, sink)
	_ = inj.Activate("TRUCK_002", telemetry.FailureElectrical, 0)
	n, err := c.FastForward(context.Background(), 5, nil)
	if err == nil || n != 2 {
		t.Fatalf("FastForward = %d, %v", n, err)
	}
	if c.State().NextEpoch != 2 {
		t.Fatalf("next_epoch = %d, want 2", c.State().NextEpoch)
	}
	if cfg, _ := inj.Config("TRUCK_002"); cfg.NextPatternEpoch != 2 {
		t.Fatalf("cursor = %d, want 2", cfg.NextPatternEpoch)
	}
	if c.Halted() != nil {
		t.Fatalf("ordinary sink error should not halt the clock")
	}
}

func TestStateCorruptionHalts(t *testing.T) {
	sink := &recordingSink{failAt: 0, err: fmt.Errorf("%w: epoch 0 already stored", ErrStateCorruption)}
	c, _ := newTestClock(t, sink)
	if _, err := c.AdvanceOne(context.Background()); !errors.Is(err, ErrStateCorruption) {
		t.Fatalf("err = %v, want ErrStateCorruption", err)
	}
	sink.err = nil
	if _, err := c.AdvanceOne(context.Background()); !errors.Is(err, ErrClockHalted) {
		t.Fatalf("err = %v, want ErrClockHalted", err)
	}
}

func TestResetRequiresPurge(t *testing.T) {
	c, _ := newTestClock(t, &recordingSink{})
	_, _ = c.AdvanceOne(context.Background())
	if err := c.Reset(context.Background(), nil); !errors.Is(err, ErrPurgeRequired) {
		t.Fatalf("err = %v, want ErrPurgeRequired", err)
	}
	if c.State().NextEpoch != 1 {
		t.Fatalf("refused reset changed state")
	}
	failing := PurgeFunc(func(context.Context) error { return fmt.Errorf("locked") })
	if err := c.Reset(context.Background(), failing); err == nil || c.State().NextEpoch != 1 {
		t.Fatalf("failed purge must leave state untouched: %v", err)
	}
}

func TestResetReplayIsDeterministic(t *testing.T) {
	sink := &recordingSink{}
	c, inj := newTestClock(t, sink)
	run := func() []telemetry.TelemetryRow {
		sink.commits = nil
		_ = inj.Activate("TRUCK_002", telemetry.FailureTransmission, 4)
		if _, err := c.FastForward(context.Background(), 25, nil); err != nil {
			t.Fatalf("FastForward: %v", err)
		}
		return sink.rows()
	}
	first := run()
	runID := c.State().RunID
	purged := false
	if err := c.ResetAt(context.Background(), PurgeFunc(func(context.Context) error { purged = true; return nil }), testStart); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if !purged || c.State().NextEpoch != 0 || c.State().RunID == runID {
		t.Fatalf("reset state = %+v purged=%v", c.State(), purged)
	}
	if len(inj.Configs()) != 0 {
		t.Fatalf("reset should drop failure configs")
	}
	second := run()
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("replay after reset differs")
	}
}

func TestBeforeEpochHookRunsPerEpoch(t *testing.T) {
	lib, err := seed.Generate(seed.Options{Entities: []string{"TRUCK_001"}, Seed: 1, NormalLength: 30, FailureLength: 10})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	st, _ := NewState("test", testStart, 5)
	inj := inject.New()
	var seen []int64
	hook := func(_ context.Context, e int64) error {
		seen = append(seen, e)
		if e == 2 {
			return inj.Activate("TRUCK_001", telemetry.FailureEngine, e)
		}
		if e == 4 {
			return errors.New("schedule broken")
		}
		return nil
	}
	sink := &recordingSink{}
	c, err := NewClock(st, lib, inj, sink, WithBeforeEpoch(hook))
	if err != nil {
		t.Fatalf("NewClock: %v", err)
	}
	n, err := c.FastForward(context.Background(), 6, nil)
	if err == nil || n != 4 {
		t.Fatalf("FastForward = %d, %v; want 4 and hook error", n, err)
	}
	if !reflect.DeepEqual(seen, []int64{0, 1, 2, 3, 4}) {
		t.Fatalf("hook epochs = %v", seen)
	}
	if got := inj.State("TRUCK_001", 2); got != inject.StateInjected {
		t.Fatalf("activation from hook not applied: %s", got)
	}
	if c.State().NextEpoch != 4 {
		t.Fatalf("next epoch = %d", c.State().NextEpoch)
	}
}
