package features

import (
	"fmt"
	"math"
	"time"

	"fleetops-sim/internal/telemetry"
)

// welford keeps a running mean and sum of squared deviations.
type welford struct {
	n    int
	mean float64
	m2   float64
}

func (w *welford) add(x float64) {
	w.n++
	d := x - w.mean
	w.mean += d / float64(w.n)
	w.m2 += d * (x - w.mean)
}

// std is the sample standard deviation.
func (w *welford) std() float64 {
	if w.n < 2 {
		return math.NaN()
	}
	return math.Sqrt(w.m2 / float64(w.n-1))
}

type windowAcc struct {
	start            time.Time
	temp, pres, batt welford
}

func (a *windowAcc) add(r telemetry.TelemetryRow) {
	a.temp.add(r.EngineTemp)
	a.pres.add(r.TransOilPressure)
	a.batt.add(r.BatteryVoltage)
}

func (a *windowAcc) window(entity string) Window {
	return Window{
		EntityID:            entity,
		Start:               a.start,
		End:                 a.start.Add(WindowWidth),
		Count:               a.temp.n,
		AvgEngineTemp:       a.temp.mean,
		AvgTransOilPressure: a.pres.mean,
		AvgBatteryVoltage:   a.batt.mean,
		StdEngineTemp:       a.temp.std(),
		StdTransOilPressure: a.pres.std(),
		StdBatteryVoltage:   a.batt.std(),
	}
}

// trend carries the running terms across the windows of one entity.
type trend struct {
	windows  int
	prev     [2]Window // prev[0] is window i-1, prev[1] is window i-2
	cumVol   float64
	elevated int
}

func (t *trend) next(w Window) Vector {
	v := Vector{Window: w}
	if t.windows >= 1 {
		p := t.prev[0]
		v.SlopeEngineTemp = (w.AvgEngineTemp - p.AvgEngineTemp) / windowMinutes
		v.SlopeTransOilPressure = (w.AvgTransOilPressure - p.AvgTransOilPressure) / windowMinutes
		v.SlopeBatteryVoltage = (w.AvgBatteryVoltage - p.AvgBatteryVoltage) / windowMinutes
		if d := w.StdBatteryVoltage - p.StdBatteryVoltage; !math.IsNaN(d) {
			v.VolatilityDelta = d
		}
	}
	if t.windows >= 2 {
		p1, p2 := t.prev[0], t.prev[1]
		v.TempAcceleration = (w.AvgEngineTemp - p1.AvgEngineTemp) - (p1.AvgEngineTemp - p2.AvgEngineTemp)
		v.PressureAcceleration = (w.AvgTransOilPressure - p1.AvgTransOilPressure) - (p1.AvgTransOilPressure - p2.AvgTransOilPressure)
		rt := (w.AvgEngineTemp + p1.AvgEngineTemp + p2.AvgEngineTemp) / RollingSpan
		rp := (w.AvgTransOilPressure + p1.AvgTransOilPressure + p2.AvgTransOilPressure) / RollingSpan
		v.RollingAvgEngineTemp = &rt
		v.RollingAvgTransOilPressure = &rp
	}
	if !math.IsNaN(w.StdBatteryVoltage) {
		t.cumVol += w.StdBatteryVoltage
		if w.StdBatteryVoltage > VolatilityThreshold {
			t.elevated++
		}
	}
	v.CumulativeVolatility = t.cumVol
	v.ElevatedWindowCount = t.elevated

	t.prev[1] = t.prev[0]
	t.prev[0] = w
	t.windows++
	return v
}

// Outcome is the result of closing one window. Vector is nil when the window
// was suppressed; Err then says why.
type Outcome struct {
	Window Window
	Vector *Vector
	Err    error
}

// Accumulator computes vectors for one entity as rows arrive. Rows must be in
// strictly increasing timestamp order.
type Accumulator struct {
	entity string
	open   *windowAcc
	lastTS time.Time
	trend  trend
}

// NewAccumulator returns an empty accumulator for entity.
func NewAccumulator(entity string) *Accumulator {
	return &Accumulator{entity: entity}
}

// Observe adds a row. A row in a later window closes the open window, whose
// outcome is returned.
func (a *Accumulator) Observe(r telemetry.TelemetryRow) ([]Outcome, error) {
	if r.EntityID != a.entity {
		return nil, fmt.Errorf("accumulator for %s got row of %s", a.entity, r.EntityID)
	}
	if !a.lastTS.IsZero() && !r.Timestamp.After(a.lastTS) {
		return nil, fmt.Errorf("%w: %s at %s not after %s", ErrOutOfOrder, r.EntityID, r.Timestamp.Format(time.RFC3339), a.lastTS.Format(time.RFC3339))
	}
	a.lastTS = r.Timestamp
	start := WindowStart(r.Timestamp)

	var out []Outcome
	if a.open != nil && !a.open.start.Equal(start) {
		out = append(out, a.close())
	}
	if a.open == nil {
		a.open = &windowAcc{start: start}
	}
	a.open.add(r)
	return out, nil
}

// Flush closes the open window if its end is at or before asOf.
func (a *Accumulator) Flush(asOf time.Time) []Outcome {
	if a.open == nil || a.open.start.Add(WindowWidth).After(asOf) {
		return nil
	}
	return []Outcome{a.close()}
}

func (a *Accumulator) close() Outcome {
	w := a.open.window(a.entity)
	a.open = nil
	v := a.trend.next(w)
	if err := v.Validate(); err != nil {
		return Outcome{Window: w, Err: err}
	}
	return Outcome{Window: w, Vector: &v}
}

// Compute is the batch form: it replays a full ordered history through a fresh
// accumulator and closes the last window when asOf has passed its end.
func Compute(entity string, rows []telemetry.TelemetryRow, asOf time.Time) ([]Outcome, error) {
	a := NewAccumulator(entity)
	var out []Outcome
	for _, r := range rows {
		o, err := a.Observe(r)
		if err != nil {
			return nil, err
		}
		out = append(out, o...)
	}
	return append(out, a.Flush(asOf)...), nil
}

// Vectors keeps the emitted vectors of a list of outcomes.
func Vectors(outcomes []Outcome) []Vector {
	var vs []Vector
	for _, o := range outcomes {
		if o.Vector != nil {
			vs = append(vs, *o.Vector)
		}
	}
	return vs
}
