package features

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"reflect"
	"testing"
	"time"

	"fleetops-sim/internal/telemetry"
)

var base = time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC)

// windowRows returns n rows spread over window w (0-based) with constant values.
func windowRows(w, n int, temp, pres, batt float64) []telemetry.TelemetryRow {
	rows := make([]telemetry.TelemetryRow, n)
	step := WindowWidth / time.Duration(n)
	for i := range rows {
		rows[i] = telemetry.TelemetryRow{
			EntityID:         "TRUCK_001",
			Timestamp:        base.Add(time.Duration(w)*WindowWidth + time.Duration(i)*step),
			EngineTemp:       temp,
			TransOilPressure: pres,
			BatteryVoltage:   batt,
		}
	}
	return rows
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestSlopeIsFirstDifferencePerMinute(t *testing.T) {
	var rows []telemetry.TelemetryRow
	rows = append(rows, windowRows(0, 60, 200, 50, 12.6)...)
	rows = append(rows, windowRows(1, 60, 203, 49, 12.5)...)
	outs, err := Compute("TRUCK_001", rows, base.Add(2*WindowWidth))
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	vs := Vectors(outs)
	if len(vs) != 2 {
		t.Fatalf("got %d vectors, want 2", len(vs))
	}
	if vs[0].SlopeEngineTemp != 0 || vs[0].VolatilityDelta != 0 {
		t.Fatalf("first window must have zero slope and delta: %+v", vs[0])
	}
	if !near(vs[1].SlopeEngineTemp, 0.6) || !near(vs[1].SlopeTransOilPressure, -0.2) || !near(vs[1].SlopeBatteryVoltage, -0.02) {
		t.Fatalf("slopes = %v %v %v", vs[1].SlopeEngineTemp, vs[1].SlopeTransOilPressure, vs[1].SlopeBatteryVoltage)
	}
	if vs[1].RollingAvgEngineTemp != nil {
		t.Fatalf("rolling average must stay null before 3 windows")
	}
	if !vs[1].End.Equal(base.Add(2 * WindowWidth)) {
		t.Fatalf("window end = %s", vs[1].End)
	}
}

func TestRollingAverageAndAcceleration(t *testing.T) {
	var rows []telemetry.TelemetryRow
	for i, temp := range []float64{200, 201, 204, 209} {
		rows = append(rows, windowRows(i, 60, temp, 50-float64(i), 12.6)...)
	}
	vs := Vectors(mustCompute(t, rows, base.Add(4*WindowWidth)))
	if len(vs) != 4 {
		t.Fatalf("got %d vectors", len(vs))
	}
	if vs[1].TempAcceleration != 0 {
		t.Fatalf("acceleration needs two predecessors")
	}
	v := vs[2]
	if v.RollingAvgEngineTemp == nil || !near(*v.RollingAvgEngineTemp, 605.0/3) {
		t.Fatalf("rolling avg temp = %v", v.RollingAvgEngineTemp)
	}
	if !near(*v.RollingAvgTransOilPressure, 49) {
		t.Fatalf("rolling avg pressure = %v", *v.RollingAvgTransOilPressure)
	}
	if !near(v.TempAcceleration, 2) || !near(vs[3].TempAcceleration, 2) {
		t.Fatalf("temp acceleration = %v, %v", v.TempAcceleration, vs[3].TempAcceleration)
	}
	if !near(v.PressureAcceleration, 0) {
		t.Fatalf("pressure acceleration = %v", v.PressureAcceleration)
	}
}

func TestVolatilityTerms(t *testing.T) {
	var rows []telemetry.TelemetryRow
	for w, amp := range []float64{0.1, 1.0, 1.2} {
		rs := windowRows(w, 60, 200, 50, 12)
		for i := range rs {
			if i%2 == 0 {
				rs[i].BatteryVoltage += amp
			} else {
				rs[i].BatteryVoltage -= amp
			}
		}
		rows = append(rows, rs...)
	}
	vs := Vectors(mustCompute(t, rows, base.Add(3*WindowWidth)))
	if len(vs) != 3 {
		t.Fatalf("got %d vectors", len(vs))
	}
	sum := vs[0].StdBatteryVoltage + vs[1].StdBatteryVoltage + vs[2].StdBatteryVoltage
	if !near(vs[2].CumulativeVolatility, sum) {
		t.Fatalf("cumulative volatility = %v, want %v", vs[2].CumulativeVolatility, sum)
	}
	if vs[0].ElevatedWindowCount != 0 || vs[1].ElevatedWindowCount != 1 || vs[2].ElevatedWindowCount != 2 {
		t.Fatalf("elevated counts = %d %d %d", vs[0].ElevatedWindowCount, vs[1].ElevatedWindowCount, vs[2].ElevatedWindowCount)
	}
	if !near(vs[2].VolatilityDelta, vs[2].StdBatteryVoltage-vs[1].StdBatteryVoltage) {
		t.Fatalf("volatility delta = %v", vs[2].VolatilityDelta)
	}
}

func TestSparseWindowsWithheld(t *testing.T) {
	rows := append(windowRows(0, 11, 200, 50, 12.6), windowRows(1, 12, 200, 50, 12.6)...)
	outs := mustCompute(t, rows, base.Add(2*WindowWidth))
	if len(outs) != 2 {
		t.Fatalf("got %d outcomes", len(outs))
	}
	if outs[0].Vector != nil || !errors.Is(outs[0].Err, ErrInsufficientWindowData) {
		t.Fatalf("sparse window outcome = %+v", outs[0])
	}
	if outs[1].Vector == nil {
		t.Fatalf("window with 12 readings must be emitted: %v", outs[1].Err)
	}
}

func TestOpenWindowNotEmitted(t *testing.T) {
	rows := windowRows(0, 60, 200, 50, 12.6)
	outs := mustCompute(t, rows, rows[len(rows)-1].Timestamp.Add(time.Second))
	if len(outs) != 0 {
		t.Fatalf("incomplete window produced %d outcomes", len(outs))
	}
}

func TestNaNSuppressesVector(t *testing.T) {
	rows := windowRows(0, 60, 200, 50, 12.6)
	rows[10].BatteryVoltage = math.NaN()
	outs := mustCompute(t, rows, base.Add(WindowWidth))
	if len(outs) != 1 || outs[0].Vector != nil || !errors.Is(outs[0].Err, ErrInvalidFeatureVector) {
		t.Fatalf("outcome = %+v", outs)
	}
}

func TestOutOfOrderRejected(t *testing.T) {
	a := NewAccumulator("TRUCK_001")
	rows := windowRows(0, 2, 200, 50, 12.6)
	if _, err := a.Observe(rows[1]); err != nil {
		t.Fatalf("Observe: %v", err)
	}
	if _, err := a.Observe(rows[0]); !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("err = %v, want ErrOutOfOrder", err)
	}
}

func TestIncrementalMatchesBatch(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	var rows []telemetry.TelemetryRow
	for i := 0; i < 5*60*12; i++ {
		rows = append(rows, telemetry.TelemetryRow{
			EntityID:         "TRUCK_001",
			Timestamp:        base.Add(time.Duration(i) * 5 * time.Second),
			EngineTemp:       200 + rng.NormFloat64()*3,
			TransOilPressure: 50 + rng.NormFloat64(),
			BatteryVoltage:   12.5 + rng.NormFloat64()*0.5,
		})
	}
	asOf := rows[len(rows)-1].Timestamp.Add(5 * time.Second)
	want := Vectors(mustCompute(t, rows, asOf))

	var got []Vector
	eng := NewEngine(WithOutcomeObserver(func(o Outcome) {
		if o.Vector != nil {
			got = append(got, *o.Vector)
		}
	}))
	for i := 0; i < len(rows); i += 7 {
		end := i + 7
		if end > len(rows) {
			end = len(rows)
		}
		if err := eng.WriteBatch(rows[i:end]); err != nil {
			t.Fatalf("WriteBatch: %v", err)
		}
	}
	latest, err := eng.LatestVector(context.Background(), "TRUCK_001", asOf)
	if err != nil {
		t.Fatalf("LatestVector: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("incremental vectors differ from batch (%d vs %d)", len(got), len(want))
	}
	if !reflect.DeepEqual(latest, want[len(want)-1]) {
		t.Fatalf("latest vector differs from batch")
	}
}

type sliceQuerier []telemetry.TelemetryRow

func (s sliceQuerier) Query(_ context.Context, _ string, from, to time.Time) ([]telemetry.TelemetryRow, error) {
	var out []telemetry.TelemetryRow
	for _, r := range s {
		if !r.Timestamp.Before(from) && r.Timestamp.Before(to) {
			out = append(out, r)
		}
	}
	return out, nil
}

func TestBatchSource(t *testing.T) {
	rows := append(windowRows(0, 60, 200, 50, 12.6), windowRows(1, 60, 206, 50, 12.6)...)
	src := BatchSource{Rows: sliceQuerier(rows)}
	if _, err := src.LatestVector(context.Background(), "TRUCK_001", base.Add(time.Minute)); !errors.Is(err, ErrNoVector) {
		t.Fatalf("err = %v, want ErrNoVector", err)
	}
	v, err := src.LatestVector(context.Background(), "TRUCK_001", base.Add(2*WindowWidth))
	if err != nil {
		t.Fatalf("LatestVector: %v", err)
	}
	if !near(v.SlopeEngineTemp, 1.2) {
		t.Fatalf("slope = %v", v.SlopeEngineTemp)
	}
	if len(v.Base()) != 11 || len(v.Temporal()) != 16 {
		t.Fatalf("feature lengths %d/%d", len(v.Base()), len(v.Temporal()))
	}
}

func TestEngineHonoursAsOf(t *testing.T) {
	rows := append(windowRows(0, 60, 200, 50, 12.6), windowRows(1, 60, 230, 50, 12.6)...)
	rows = append(rows, windowRows(2, 60, 240, 50, 12.6)[0])
	eng := NewEngine()
	if err := eng.WriteBatch(rows); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}
	asOf := base.Add(WindowWidth)
	got, err := eng.LatestVector(context.Background(), "TRUCK_001", asOf)
	if err != nil {
		t.Fatalf("LatestVector: %v", err)
	}
	if got.End.After(asOf) {
		t.Fatalf("engine returned window ending %s past asOf %s", got.End, asOf)
	}
	want, err := BatchSource{Rows: sliceQuerier(rows)}.LatestVector(context.Background(), "TRUCK_001", asOf)
	if err != nil {
		t.Fatalf("batch LatestVector: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("engine %+v differs from batch %+v", got, want)
	}
	if _, err := eng.LatestVector(context.Background(), "TRUCK_001", base.Add(time.Minute)); !errors.Is(err, ErrNoVector) {
		t.Fatalf("err = %v, want ErrNoVector before the first window closes", err)
	}
	later, err := eng.LatestVector(context.Background(), "TRUCK_001", base.Add(2*WindowWidth))
	if err != nil || !later.End.Equal(base.Add(2*WindowWidth)) {
		t.Fatalf("later vector = %+v, %v", later, err)
	}
}

func TestEngineHistoryBounded(t *testing.T) {
	eng := NewEngine()
	for w := 0; w < HistoryDepth+3; w++ {
		if err := eng.WriteBatch(windowRows(w, 12, 200, 50, 12.6)); err != nil {
			t.Fatalf("WriteBatch: %v", err)
		}
	}
	eng.Flush(base.Add(time.Duration(HistoryDepth+3) * WindowWidth))
	if n := len(eng.history["TRUCK_001"]); n != HistoryDepth {
		t.Fatalf("history length = %d, want %d", n, HistoryDepth)
	}
	if _, err := eng.LatestVector(context.Background(), "TRUCK_001", base.Add(2*WindowWidth)); !errors.Is(err, ErrNoVector) {
		t.Fatalf("err = %v, want ErrNoVector for a window older than the kept history", err)
	}
}

func TestEnginePurge(t *testing.T) {
	eng := NewEngine()
	_ = eng.WriteBatch(windowRows(0, 60, 200, 50, 12.6))
	eng.Flush(base.Add(WindowWidth))
	if len(eng.Snapshot()) != 1 {
		t.Fatalf("expected one latest vector")
	}
	_ = eng.Purge(context.Background())
	if len(eng.Snapshot()) != 0 {
		t.Fatalf("purge left state behind")
	}
	// rows older than the purged history are accepted again
	if err := eng.WriteBatch(windowRows(0, 12, 200, 50, 12.6)); err != nil {
		t.Fatalf("WriteBatch after purge: %v", err)
	}
}

func mustCompute(t *testing.T, rows []telemetry.TelemetryRow, asOf time.Time) []Outcome {
	t.Helper()
	outs, err := Compute("TRUCK_001", rows, asOf)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	return outs
}
