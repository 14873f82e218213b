// Package predict classifies feature vectors and estimates time to failure.
package predict

import (
	"errors"
	"fmt"
	"math"

	"fleetops-sim/internal/features"
	"fleetops-sim/internal/telemetry"
)

// Classifier maps the 11 base features to a failure label.
type Classifier interface {
	Classify(x []float64) (string, error)
}

// Regressor estimates hours to failure from a feature slice.
type Regressor interface {
	PredictTTF(x []float64) (float64, error)
}

// ClassifierFunc adapts a plain function to Classifier.
type ClassifierFunc func(x []float64) (string, error)

func (f ClassifierFunc) Classify(x []float64) (string, error) { return f(x) }

// RegressorFunc adapts a plain function to Regressor.
type RegressorFunc func(x []float64) (float64, error)

func (f RegressorFunc) PredictTTF(x []float64) (float64, error) { return f(x) }

// ErrFeatureCount is returned by models handed a slice of the wrong length.
var ErrFeatureCount = errors.New("unexpected feature count")

var validLabels = map[string]bool{
	telemetry.LabelNormal:              true,
	telemetry.LabelEngineFailure:       true,
	telemetry.LabelTransmissionFailure: true,
	telemetry.LabelElectricalFailure:   true,
}

func finite(x []float64) bool {
	for _, v := range x {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Classify runs c on x. Non-finite input yields NORMAL without calling the
// model; so do model errors and unknown labels.
func Classify(c Classifier, x []float64) string {
	if len(x) != len(features.BaseFeatureNames) || !finite(x) {
		return telemetry.LabelNormal
	}
	label, err := c.Classify(x)
	if err != nil || !validLabels[label] {
		return telemetry.LabelNormal
	}
	return label
}

// PredictBasic runs the basic estimator on the 11 base features.
func PredictBasic(r Regressor, x []float64) *float64 {
	return predict(r, x, len(features.BaseFeatureNames))
}

// PredictTemporal runs the temporal estimator on the 16 temporal features.
func PredictTemporal(r Regressor, x []float64) *float64 {
	return predict(r, x, len(features.TemporalFeatureNames))
}

func predict(r Regressor, x []float64, width int) *float64 {
	if r == nil || len(x) != width || !finite(x) {
		return nil
	}
	h, err := r.PredictTTF(x)
	if err != nil || math.IsNaN(h) || math.IsInf(h, 0) {
		return nil
	}
	h = math.Max(0, h)
	return &h
}

func checkWidth(x []float64, want int) error {
	if len(x) != want {
		return fmt.Errorf("%w: got %d, want %d", ErrFeatureCount, len(x), want)
	}
	return nil
}
