// Package features derives rolling window statistics from the telemetry log.
package features

import (
	"errors"
	"fmt"
	"math"
	"time"
)

const (
	// WindowWidth is the width of one aggregation window.
	WindowWidth = 5 * time.Minute
	// MinReadings is the smallest window that produces a vector.
	MinReadings = 12
	// VolatilityThreshold marks a window as elevated when the battery voltage
	// stddev exceeds it.
	VolatilityThreshold = 0.7
	// RollingSpan is the number of windows in a rolling average.
	RollingSpan = 3
)

var windowMinutes = WindowWidth.Minutes()

var (
	// ErrInsufficientWindowData marks windows below MinReadings. Such windows
	// are suppressed, never reported to callers as failures.
	ErrInsufficientWindowData = errors.New("insufficient window data")
	// ErrInvalidFeatureVector marks vectors with NaN or Inf in a required field.
	ErrInvalidFeatureVector = errors.New("invalid feature vector")
	// ErrOutOfOrder is returned when rows of an entity do not arrive in
	// strictly increasing timestamp order.
	ErrOutOfOrder = errors.New("row out of order")
)

// BaseFeatureNames is the classifier and basic estimator input contract.
var BaseFeatureNames = []string{
	"avg_engine_temp", "avg_trans_oil_pressure", "avg_battery_voltage",
	"stddev_engine_temp", "stddev_trans_oil_pressure", "stddev_battery_voltage",
	"slope_engine_temp", "slope_trans_oil_pressure", "slope_battery_voltage",
	"rolling_avg_engine_temp", "rolling_avg_trans_oil_pressure",
}

// TemporalFeatureNames is the temporal estimator input contract.
var TemporalFeatureNames = append(append([]string(nil), BaseFeatureNames...),
	"cumulative_volatility", "elevated_window_count", "volatility_delta",
	"temp_acceleration", "pressure_acceleration",
)

// Window holds the plain aggregates of one window. Stddevs are NaN below two
// readings.
type Window struct {
	EntityID            string    `json:"entity_id"`
	Start               time.Time `json:"window_start"`
	End                 time.Time `json:"window_end"`
	Count               int       `json:"record_count"`
	AvgEngineTemp       float64   `json:"avg_engine_temp"`
	AvgTransOilPressure float64   `json:"avg_trans_oil_pressure"`
	AvgBatteryVoltage   float64   `json:"avg_battery_voltage"`
	StdEngineTemp       float64   `json:"stddev_engine_temp"`
	StdTransOilPressure float64   `json:"stddev_trans_oil_pressure"`
	StdBatteryVoltage   float64   `json:"stddev_battery_voltage"`
}

// Vector is the feature vector of one complete window.
type Vector struct {
	Window
	SlopeEngineTemp            float64  `json:"slope_engine_temp"`
	SlopeTransOilPressure      float64  `json:"slope_trans_oil_pressure"`
	SlopeBatteryVoltage        float64  `json:"slope_battery_voltage"`
	RollingAvgEngineTemp       *float64 `json:"rolling_avg_engine_temp"`
	RollingAvgTransOilPressure *float64 `json:"rolling_avg_trans_oil_pressure"`
	CumulativeVolatility       float64  `json:"cumulative_volatility"`
	ElevatedWindowCount        int      `json:"elevated_window_count"`
	VolatilityDelta            float64  `json:"volatility_delta"`
	TempAcceleration           float64  `json:"temp_acceleration"`
	PressureAcceleration       float64  `json:"pressure_acceleration"`
}

func coalesce(p *float64) float64 {
	if p == nil {
		return 0
	}
	return *p
}

// Base returns the 11 base features with null trend terms as 0.
func (v Vector) Base() []float64 {
	return []float64{
		v.AvgEngineTemp, v.AvgTransOilPressure, v.AvgBatteryVoltage,
		v.StdEngineTemp, v.StdTransOilPressure, v.StdBatteryVoltage,
		v.SlopeEngineTemp, v.SlopeTransOilPressure, v.SlopeBatteryVoltage,
		coalesce(v.RollingAvgEngineTemp), coalesce(v.RollingAvgTransOilPressure),
	}
}

// Temporal returns the 16 temporal features.
func (v Vector) Temporal() []float64 {
	return append(v.Base(),
		v.CumulativeVolatility, float64(v.ElevatedWindowCount), v.VolatilityDelta,
		v.TempAcceleration, v.PressureAcceleration,
	)
}

// Validate rejects sparse windows and non-finite required fields.
func (v Vector) Validate() error {
	if v.Count < MinReadings {
		return fmt.Errorf("%w: %s window ending %s has %d readings", ErrInsufficientWindowData, v.EntityID, v.End.Format(time.RFC3339), v.Count)
	}
	for i, x := range v.Temporal() {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return fmt.Errorf("%w: %s window ending %s field %s = %v", ErrInvalidFeatureVector, v.EntityID, v.End.Format(time.RFC3339), TemporalFeatureNames[i], x)
		}
	}
	return nil
}

// WindowStart returns the start of the window containing ts.
func WindowStart(ts time.Time) time.Time {
	return ts.UTC().Truncate(WindowWidth)
}
