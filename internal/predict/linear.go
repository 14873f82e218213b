package predict

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"fleetops-sim/internal/features"
)

// LinearModel is intercept + Σ coef·x over a named feature contract.
type LinearModel struct {
	Features     []string  `yaml:"features"`
	Intercept    float64   `yaml:"intercept"`
	Coefficients []float64 `yaml:"coefficients"`
}

// PredictTTF implements Regressor.
func (m LinearModel) PredictTTF(x []float64) (float64, error) {
	if err := checkWidth(x, len(m.Coefficients)); err != nil {
		return 0, err
	}
	y := m.Intercept
	for i, c := range m.Coefficients {
		y += c * x[i]
	}
	return y, nil
}

func (m LinearModel) validate(contract []string) error {
	if len(m.Features) != len(contract) {
		return fmt.Errorf("%w: model lists %d features, contract has %d", ErrFeatureCount, len(m.Features), len(contract))
	}
	for i, name := range contract {
		if m.Features[i] != name {
			return fmt.Errorf("feature %d is %q, want %q", i, m.Features[i], name)
		}
	}
	if len(m.Coefficients) != len(contract) {
		return fmt.Errorf("%w: %d coefficients for %d features", ErrFeatureCount, len(m.Coefficients), len(contract))
	}
	return nil
}

// ModelFile is the on-disk form of swappable estimators. Either section may
// be omitted to keep the built-in model.
type ModelFile struct {
	Basic    *LinearModel `yaml:"basic"`
	Temporal *LinearModel `yaml:"temporal"`
}

// DecodeModels reads and checks a model file.
func DecodeModels(r io.Reader) (ModelFile, error) {
	var mf ModelFile
	if err := yaml.NewDecoder(r).Decode(&mf); err != nil {
		return ModelFile{}, fmt.Errorf("decode models: %w", err)
	}
	if mf.Basic != nil {
		if err := mf.Basic.validate(features.BaseFeatureNames); err != nil {
			return ModelFile{}, fmt.Errorf("basic model: %w", err)
		}
	}
	if mf.Temporal != nil {
		if err := mf.Temporal.validate(features.TemporalFeatureNames); err != nil {
			return ModelFile{}, fmt.Errorf("temporal model: %w", err)
		}
	}
	return mf, nil
}

// LoadLinearModel reads a model file from path.
func LoadLinearModel(path string) (ModelFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return ModelFile{}, err
	}
	defer f.Close()
	return DecodeModels(f)
}

// Apply swaps the models present in mf into e.
func (mf ModelFile) Apply(e *Engine) {
	if mf.Basic != nil {
		e.Basic = *mf.Basic
	}
	if mf.Temporal != nil {
		e.Temporal = *mf.Temporal
	}
}
