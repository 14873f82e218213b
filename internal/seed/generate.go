package seed

import (
	"math"
	"math/rand"

	"fleetops-sim/internal/telemetry"
)

const (
	// DefaultNormalLength covers one day of 5 second epochs.
	DefaultNormalLength = 17280
	// DefaultFailureLength covers four hours of 5 second epochs.
	DefaultFailureLength = 2880
)

// Options controls the built-in seed generator.
type Options struct {
	Entities      []string
	Seed          int64
	NormalLength  int
	FailureLength int
}

// Generate builds a deterministic library: one mean reverting random walk per
// entity with its own operating point, plus one progression per failure kind.
// Equal options always yield identical patterns.
func Generate(opts Options) (*Library, error) {
	if opts.NormalLength <= 0 {
		opts.NormalLength = DefaultNormalLength
	}
	if opts.FailureLength <= 1 {
		opts.FailureLength = DefaultFailureLength
	}
	if len(opts.Entities) == 0 {
		opts.Entities = telemetry.EntityIDs("TRUCK", 10)
	}
	lib := NewLibrary()
	for i, id := range opts.Entities {
		p := normalWalk(opts.Seed+int64(i)*7919, opts.NormalLength)
		if err := lib.AddNormal(id, p); err != nil {
			return nil, err
		}
	}
	for _, ft := range telemetry.FailureTypes {
		if err := lib.AddFailure(ft, failureCurve(ft, opts.FailureLength)); err != nil {
			return nil, err
		}
	}
	return lib, nil
}

// walk is an Ornstein-Uhlenbeck style process around a base value.
type walk struct {
	base, value, theta, sigma float64
}

func (w *walk) next(rng *rand.Rand) float64 {
	w.value += w.theta*(w.base-w.value) + w.sigma*rng.NormFloat64()
	return w.value
}

func normalWalk(seed int64, n int) *Pattern {
	rng := rand.New(rand.NewSource(seed))
	temp := walk{base: 192 + rng.Float64()*10, theta: 0.05, sigma: 0.35}
	pres := walk{base: 47 + rng.Float64()*8, theta: 0.05, sigma: 0.25}
	batt := walk{base: 12.45 + rng.Float64()*0.35, theta: 0.08, sigma: 0.015}
	temp.value, pres.value, batt.value = temp.base, pres.base, batt.base

	rows := make([]Row, n)
	for i := range rows {
		rows[i] = Row{Epoch: int64(i), Reading: Reading{
			EngineTemp:       round3(temp.next(rng)),
			TransOilPressure: round3(pres.next(rng)),
			BatteryVoltage:   round3(batt.next(rng)),
		}}
	}
	return &Pattern{Rows: rows, Loop: true}
}

// failureCurve is fully deterministic: severity grows with the fraction of the
// pattern consumed and a small periodic ripple keeps window stddev non-zero.
func failureCurve(ft telemetry.FailureType, n int) *Pattern {
	rows := make([]Row, n)
	for k := range rows {
		t := float64(k) / float64(n-1)
		ripple := math.Sin(float64(k) / 7)
		var r Reading
		switch ft {
		case telemetry.FailureEngine:
			r = Reading{
				EngineTemp:       200 + 55*math.Pow(t, 1.6) + 0.4*ripple,
				TransOilPressure: 50 - 6*t + 0.2*ripple,
				BatteryVoltage:   12.6 - 0.1*t,
			}
		case telemetry.FailureTransmission:
			r = Reading{
				EngineTemp:       200 + 8*t + 0.3*ripple,
				TransOilPressure: 50 - 32*math.Pow(t, 1.4) + 0.3*ripple,
				BatteryVoltage:   12.6,
			}
		case telemetry.FailureElectrical:
			amp := 0.05 + 1.1*t
			r = Reading{
				EngineTemp:       200 + 2*t + 0.3*ripple,
				TransOilPressure: 50 + 0.2*ripple,
				BatteryVoltage:   12.6 - 1.9*math.Pow(t, 1.2) + amp*math.Sin(float64(k)*1.3),
			}
		}
		rows[k] = Row{Epoch: int64(k), Reading: Reading{
			EngineTemp:       round3(r.EngineTemp),
			TransOilPressure: round3(r.TransOilPressure),
			BatteryVoltage:   round3(r.BatteryVoltage),
		}}
	}
	return &Pattern{Name: "failure/" + string(ft), Rows: rows}
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
