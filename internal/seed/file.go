package seed

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"fleetops-sim/internal/telemetry"
)

// fileFormat is the on-disk layout of a seed library.
type fileFormat struct {
	Normal   map[string][]Row `yaml:"normal"`
	Failures map[string][]Row `yaml:"failures"`
}

// Decode reads a YAML seed library. Every failure kind must be present.
func Decode(r io.Reader) (*Library, error) {
	var f fileFormat
	if err := yaml.NewDecoder(r).Decode(&f); err != nil {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}
	lib := NewLibrary()
	for id, rows := range f.Normal {
		if err := lib.AddNormal(id, &Pattern{Rows: rows}); err != nil {
			return nil, err
		}
	}
	for name, rows := range f.Failures {
		ft, err := telemetry.ParseFailureType(name)
		if err != nil {
			return nil, err
		}
		if err := lib.AddFailure(ft, &Pattern{Rows: rows}); err != nil {
			return nil, err
		}
	}
	for _, ft := range telemetry.FailureTypes {
		if _, err := lib.Failure(ft); err != nil {
			return nil, err
		}
	}
	if len(lib.Entities()) == 0 {
		return nil, fmt.Errorf("seed file defines no entities")
	}
	return lib, nil
}

// Load reads a YAML seed library from disk.
func Load(path string) (*Library, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	defer f.Close()
	return Decode(f)
}

// Encode writes the library in the format accepted by Decode.
func (l *Library) Encode(w io.Writer) error {
	l.mu.RLock()
	f := fileFormat{Normal: map[string][]Row{}, Failures: map[string][]Row{}}
	for id, p := range l.normal {
		f.Normal[id] = p.Rows
	}
	for ft, p := range l.failures {
		f.Failures[string(ft)] = p.Rows
	}
	l.mu.RUnlock()
	enc := yaml.NewEncoder(w)
	defer enc.Close()
	return enc.Encode(f)
}

// Save writes the library to path.
func (l *Library) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := l.Encode(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
