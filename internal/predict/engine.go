package predict

import (
	"fleetops-sim/internal/features"
	"fleetops-sim/internal/telemetry"
)

// Prediction is the scored outcome for one feature vector.
type Prediction struct {
	Label string
	TTF   *float64
	Model string
}

// Engine routes a classified vector to the estimator of its label.
type Engine struct {
	Classifier Classifier
	Basic      Regressor
	Temporal   Regressor
}

// NewEngine returns an engine with the built-in models.
func NewEngine() *Engine {
	return &Engine{
		Classifier: RuleClassifier{},
		Basic:      DriftRegressor{},
		Temporal:   VolatilityRegressor{},
	}
}

// Predict classifies v and, for a failure label, estimates hours to failure.
// ELECTRICAL goes to the temporal estimator, ENGINE and TRANSMISSION to the
// basic one. NORMAL carries no estimate.
func (e *Engine) Predict(v features.Vector) Prediction {
	label := Classify(e.Classifier, v.Base())
	switch label {
	case telemetry.LabelElectricalFailure:
		return Prediction{Label: label, TTF: PredictTemporal(e.Temporal, v.Temporal()), Model: telemetry.ModelTemporal}
	case telemetry.LabelEngineFailure, telemetry.LabelTransmissionFailure:
		return Prediction{Label: label, TTF: PredictBasic(e.Basic, v.Base()), Model: telemetry.ModelBasic}
	default:
		return Prediction{Label: telemetry.LabelNormal, Model: telemetry.ModelNone}
	}
}

// Row turns a prediction into its cache record, stamped with the end of the
// window it was computed from.
func (p Prediction) Row(v features.Vector) telemetry.PredictionRow {
	return telemetry.PredictionRow{
		EntityID:                v.EntityID,
		PredictionTimestamp:     v.End,
		PredictedFailureType:    p.Label,
		PredictedHoursToFailure: p.TTF,
		ModelUsed:               p.Model,
		EngineTemp:              v.AvgEngineTemp,
		TransOilPressure:        v.AvgTransOilPressure,
		BatteryVoltage:          v.AvgBatteryVoltage,
		ReadingTimestamp:        v.End,
	}
}
