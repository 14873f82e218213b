// Package seed holds the canned reading sequences the stream clock replays.
package seed

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"fleetops-sim/internal/telemetry"
)

var (
	// ErrOutOfPatternRange is returned when a pattern cannot produce a reading
	// for the requested epoch (empty, negative epoch, or rows out of sequence).
	ErrOutOfPatternRange = errors.New("epoch out of pattern range")
	// ErrUnknownEntity is returned for entities without a normal pattern.
	ErrUnknownEntity = errors.New("unknown entity")
	// ErrUnknownFailure is returned for failure kinds without a pattern.
	ErrUnknownFailure = errors.New("no pattern for failure type")
)

// Reading is one set of sensor values.
type Reading struct {
	EngineTemp       float64 `yaml:"engine_temp" json:"engine_temp"`
	TransOilPressure float64 `yaml:"trans_oil_pressure" json:"trans_oil_pressure"`
	BatteryVoltage   float64 `yaml:"battery_voltage" json:"battery_voltage"`
}

// Row is a reading pinned to a pattern epoch.
type Row struct {
	Epoch   int64 `yaml:"epoch" json:"epoch"`
	Reading `yaml:",inline"`
}

// Pattern is an ordered, gap free sequence of rows starting at epoch 0.
// Looping patterns wrap around; the others hold their last row once exhausted.
type Pattern struct {
	Name string
	Rows []Row
	Loop bool
}

// Len returns the number of rows in the pattern.
func (p *Pattern) Len() int { return len(p.Rows) }

// Validate checks that rows are contiguous from epoch 0.
func (p *Pattern) Validate() error {
	if len(p.Rows) == 0 {
		return fmt.Errorf("%w: pattern %q is empty", ErrOutOfPatternRange, p.Name)
	}
	for i, r := range p.Rows {
		if r.Epoch != int64(i) {
			return fmt.Errorf("%w: pattern %q row %d has epoch %d", ErrOutOfPatternRange, p.Name, i, r.Epoch)
		}
	}
	return nil
}

// At returns the reading for the given pattern epoch.
func (p *Pattern) At(epoch int64) (Reading, error) {
	n := int64(len(p.Rows))
	if n == 0 {
		return Reading{}, fmt.Errorf("%w: pattern %q is empty", ErrOutOfPatternRange, p.Name)
	}
	if epoch < 0 {
		return Reading{}, fmt.Errorf("%w: pattern %q epoch %d", ErrOutOfPatternRange, p.Name, epoch)
	}
	idx := epoch
	if idx >= n {
		if p.Loop {
			idx %= n
		} else {
			idx = n - 1
		}
	}
	r := p.Rows[idx]
	if r.Epoch != idx {
		return Reading{}, fmt.Errorf("%w: pattern %q row %d has epoch %d", ErrOutOfPatternRange, p.Name, idx, r.Epoch)
	}
	return r.Reading, nil
}

// Library maps entities to their normal pattern and failure kinds to the shared
// failure pattern. It is safe for concurrent use.
type Library struct {
	mu       sync.RWMutex
	normal   map[string]*Pattern
	failures map[telemetry.FailureType]*Pattern
}

// NewLibrary returns an empty library.
func NewLibrary() *Library {
	return &Library{
		normal:   make(map[string]*Pattern),
		failures: make(map[telemetry.FailureType]*Pattern),
	}
}

// AddNormal registers the looping baseline pattern of an entity.
func (l *Library) AddNormal(entity string, p *Pattern) error {
	if entity == "" {
		return fmt.Errorf("normal pattern: empty entity id")
	}
	p.Loop = true
	if p.Name == "" {
		p.Name = "normal/" + entity
	}
	if err := p.Validate(); err != nil {
		return err
	}
	l.mu.Lock()
	l.normal[entity] = p
	l.mu.Unlock()
	return nil
}

// AddFailure registers the plateauing pattern of a failure kind.
func (l *Library) AddFailure(ft telemetry.FailureType, p *Pattern) error {
	if ft == telemetry.FailureNone {
		return fmt.Errorf("failure pattern: type %s cannot carry a pattern", ft)
	}
	p.Loop = false
	if p.Name == "" {
		p.Name = "failure/" + string(ft)
	}
	if err := p.Validate(); err != nil {
		return err
	}
	l.mu.Lock()
	l.failures[ft] = p
	l.mu.Unlock()
	return nil
}

// Normal returns the baseline pattern of an entity.
func (l *Library) Normal(entity string) (*Pattern, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.normal[entity]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntity, entity)
	}
	return p, nil
}

// Failure returns the pattern of a failure kind.
func (l *Library) Failure(ft telemetry.FailureType) (*Pattern, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.failures[ft]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFailure, ft)
	}
	return p, nil
}

// FailureLength returns the row count of a failure pattern, or 0 if missing.
func (l *Library) FailureLength(ft telemetry.FailureType) int {
	p, err := l.Failure(ft)
	if err != nil {
		return 0
	}
	return p.Len()
}

// Entities lists the entities with a normal pattern in sorted order.
func (l *Library) Entities() []string {
	l.mu.RLock()
	ids := make([]string, 0, len(l.normal))
	for id := range l.normal {
		ids = append(ids, id)
	}
	l.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// HasEntity reports whether the entity has a normal pattern.
func (l *Library) HasEntity(entity string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.normal[entity]
	return ok
}
