package telemetry

import (
	"os"
	"time"
)

// Predicted labels emitted by the classifier.
const (
	LabelNormal              = "NORMAL"
	LabelEngineFailure       = "ENGINE_FAILURE"
	LabelTransmissionFailure = "TRANSMISSION_FAILURE"
	LabelElectricalFailure   = "ELECTRICAL_FAILURE"
)

// Estimator that produced the time to failure of a prediction.
const (
	ModelNone     = "NONE"
	ModelBasic    = "BASIC"
	ModelTemporal = "TEMPORAL"
)

// PredictionRow is the cached latest prediction of one entity.
type PredictionRow struct {
	EntityID                string    `json:"entity_id"`                  // TAG
	PredictionTimestamp     time.Time `json:"prediction_ts"`              // TIME INDEX
	PredictedFailureType    string    `json:"predicted_failure_type"`     // FIELD
	PredictedHoursToFailure *float64  `json:"predicted_hours_to_failure"` // FIELD, null when NORMAL
	ModelUsed               string    `json:"model_used"`                 // FIELD
	EngineTemp              float64   `json:"engine_temp"`                // FIELD
	TransOilPressure        float64   `json:"trans_oil_pressure"`         // FIELD
	BatteryVoltage          float64   `json:"battery_voltage"`            // FIELD
	ReadingTimestamp        time.Time `json:"reading_ts"`                 // FIELD
}

// PredictionTableName can be overridden via GREPTIMEDB_PREDICTION_TABLE.
var PredictionTableName = func() string {
	if env := os.Getenv("GREPTIMEDB_PREDICTION_TABLE"); env != "" {
		return env
	}
	return "fleet_predictions"
}()

func (PredictionRow) TableName() string {
	return PredictionTableName
}

// FailureMarkerRow records the 5 minute slice in which an entity was first
// predicted to fail with a given type.
type FailureMarkerRow struct {
	EntityID        string    `json:"entity_id"`
	FailureType     string    `json:"failure_type"`
	MarkerTimestamp time.Time `json:"marker_ts"`
}
