package predict

import (
	"math"

	"fleetops-sim/internal/features"
	"fleetops-sim/internal/telemetry"
)

// Positions in the base feature slice.
const (
	iAvgTemp = iota
	iAvgPressure
	iAvgBattery
	iStdTemp
	iStdPressure
	iStdBattery
	iSlopeTemp
	iSlopePressure
	iSlopeBattery
	iRollTemp
	iRollPressure
	iCumVolatility
	iElevated
	iVolDelta
	iTempAccel
	iPressureAccel
)

// Limits at which a component is considered failed.
const (
	EngineTempLimit       = 260.0
	TransOilPressureLimit = 15.0
	BatteryVoltageLimit   = 10.5
	// MaxHorizonHours caps estimates when no adverse trend is visible.
	MaxHorizonHours = 72.0
)

// RuleClassifier is the built-in threshold classifier.
type RuleClassifier struct{}

func (RuleClassifier) Classify(x []float64) (string, error) {
	if err := checkWidth(x, len(features.BaseFeatureNames)); err != nil {
		return "", err
	}
	switch {
	case x[iAvgTemp] >= 225 || (x[iAvgTemp] >= 215 && x[iSlopeTemp] >= 0.4):
		return telemetry.LabelEngineFailure, nil
	case x[iAvgPressure] <= 35 || x[iSlopePressure] <= -0.4:
		return telemetry.LabelTransmissionFailure, nil
	case x[iAvgBattery] <= 11.8 ||
		(x[iSlopeBattery] <= -0.02 && x[iAvgBattery] < 12.2) ||
		x[iStdBattery] > features.VolatilityThreshold:
		return telemetry.LabelElectricalFailure, nil
	}
	return telemetry.LabelNormal, nil
}

// hoursToLimit extrapolates a per-minute slope to the limit. Callers pass a
// slope that moves toward a limit not yet crossed.
func hoursToLimit(value, slopePerMinute, limit float64) float64 {
	return (limit - value) / (slopePerMinute * 60)
}

// DriftRegressor is the basic estimator: linear extrapolation of the
// temperature and pressure trends to their limits, whichever comes first.
type DriftRegressor struct{}

func (DriftRegressor) PredictTTF(x []float64) (float64, error) {
	if err := checkWidth(x, len(features.BaseFeatureNames)); err != nil {
		return 0, err
	}
	if x[iAvgTemp] >= EngineTempLimit || x[iAvgPressure] <= TransOilPressureLimit {
		return 0, nil
	}
	best := MaxHorizonHours
	if x[iSlopeTemp] > 0 {
		best = math.Min(best, hoursToLimit(x[iAvgTemp], x[iSlopeTemp], EngineTempLimit))
	}
	if x[iSlopePressure] < 0 {
		best = math.Min(best, hoursToLimit(x[iAvgPressure], x[iSlopePressure], TransOilPressureLimit))
	}
	return best, nil
}

// VolatilityRegressor is the temporal estimator for electrical faults. It
// extrapolates the voltage decline and shortens the estimate as battery
// volatility accumulates.
type VolatilityRegressor struct{}

func (VolatilityRegressor) PredictTTF(x []float64) (float64, error) {
	if err := checkWidth(x, len(features.TemporalFeatureNames)); err != nil {
		return 0, err
	}
	if x[iAvgBattery] <= BatteryVoltageLimit {
		return 0, nil
	}
	h := MaxHorizonHours
	if x[iSlopeBattery] < 0 {
		h = math.Min(h, hoursToLimit(x[iAvgBattery], x[iSlopeBattery], BatteryVoltageLimit))
	}
	damp := 1 + 0.1*x[iCumVolatility] + 0.25*x[iElevated] + math.Max(0, x[iVolDelta])
	return h / damp, nil
}
