// Package inject tracks which vehicles replay a failure pattern instead of
// their normal baseline.
package inject

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"fleetops-sim/internal/telemetry"
)

var (
	// ErrConflictingFailure is returned when an entity already has a different
	// failure enabled.
	ErrConflictingFailure = errors.New("entity already has an active failure")
	// ErrInvalidConfig is returned for failure configs that cannot be applied.
	ErrInvalidConfig = errors.New("invalid failure config")
)

// State is the per-entity injection state.
type State string

const (
	StateNormal   State = "NORMAL"
	StateInjected State = "INJECTED"
)

// Listing status of a configured failure.
const (
	StatusPending = "PENDING"
	StatusActive  = "ACTIVE"
	StatusOffline = "OFFLINE"
)

// FailureConfig is the externally settable failure state of one entity.
// NextPatternEpoch is the cursor into the failure pattern and moves
// independently of the global stream epoch.
type FailureConfig struct {
	EntityID           string                `json:"entity_id" yaml:"entity_id"`
	FailureType        telemetry.FailureType `json:"failure_type" yaml:"failure_type"`
	Enabled            bool                  `json:"enabled" yaml:"enabled"`
	EffectiveFromEpoch int64                 `json:"effective_from_epoch" yaml:"effective_from_epoch"`
	NextPatternEpoch   int64                 `json:"next_pattern_epoch" yaml:"next_pattern_epoch"`
}

// injecting reports whether the config selects the failure pattern at epoch.
func (c FailureConfig) injecting(epoch int64) bool {
	return c.Enabled && c.FailureType != telemetry.FailureNone && c.EffectiveFromEpoch <= epoch
}

// Selection is the resolved pattern source of one entity for one epoch.
type Selection struct {
	EntityID     string
	State        State
	FailureType  telemetry.FailureType
	PatternEpoch int64
}

// ActiveFailure is a listing entry for an enabled failure.
type ActiveFailure struct {
	EntityID           string                `json:"entity_id"`
	FailureType        telemetry.FailureType `json:"failure_type"`
	EffectiveFromEpoch int64                 `json:"effective_from_epoch"`
	NextPatternEpoch   int64                 `json:"next_pattern_epoch"`
	PatternLength      int                   `json:"pattern_length"`
	Status             string                `json:"status"`
}

// Injector holds failure configs keyed by entity. Safe for concurrent use.
type Injector struct {
	mu      sync.RWMutex
	configs map[string]FailureConfig
}

// New returns an injector with every entity in the NORMAL state.
func New() *Injector {
	return &Injector{configs: make(map[string]FailureConfig)}
}

// Activate enables a failure for entity starting at effectiveFrom. Activating
// the failure that is already enabled is a no-op; any other type conflicts.
// The pattern cursor restarts at 0 on every NORMAL to INJECTED transition.
func (i *Injector) Activate(entity string, ft telemetry.FailureType, effectiveFrom int64) error {
	if entity == "" || ft == telemetry.FailureNone || effectiveFrom < 0 {
		return fmt.Errorf("%w: entity=%q type=%s effective_from=%d", ErrInvalidConfig, entity, ft, effectiveFrom)
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if cur, ok := i.configs[entity]; ok && cur.Enabled && cur.FailureType != telemetry.FailureNone {
		if cur.FailureType == ft {
			return nil
		}
		return fmt.Errorf("%w: %s has %s, refusing %s", ErrConflictingFailure, entity, cur.FailureType, ft)
	}
	i.configs[entity] = FailureConfig{
		EntityID:           entity,
		FailureType:        ft,
		Enabled:            true,
		EffectiveFromEpoch: effectiveFrom,
	}
	return nil
}

// Disable returns an entity to its normal pattern. It reports whether a
// config was enabled.
func (i *Injector) Disable(entity string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	cur, ok := i.configs[entity]
	if !ok || !cur.Enabled {
		return false
	}
	cur.Enabled = false
	i.configs[entity] = cur
	return true
}

// Clear drops every config.
func (i *Injector) Clear() {
	i.mu.Lock()
	i.configs = make(map[string]FailureConfig)
	i.mu.Unlock()
}

// Set stores a config verbatim, cursor included.
func (i *Injector) Set(cfg FailureConfig) error {
	if err := validate(cfg); err != nil {
		return err
	}
	i.mu.Lock()
	i.configs[cfg.EntityID] = cfg
	i.mu.Unlock()
	return nil
}

// Load replaces all configs, e.g. when restoring persisted state.
func (i *Injector) Load(cfgs []FailureConfig) error {
	next := make(map[string]FailureConfig, len(cfgs))
	for _, c := range cfgs {
		if err := validate(c); err != nil {
			return err
		}
		next[c.EntityID] = c
	}
	i.mu.Lock()
	i.configs = next
	i.mu.Unlock()
	return nil
}

func validate(c FailureConfig) error {
	if c.EntityID == "" {
		return fmt.Errorf("%w: empty entity id", ErrInvalidConfig)
	}
	if _, err := telemetry.ParseFailureType(string(c.FailureType)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.EffectiveFromEpoch < 0 || c.NextPatternEpoch < 0 {
		return fmt.Errorf("%w: negative epoch for %s", ErrInvalidConfig, c.EntityID)
	}
	return nil
}

// Config returns the config of an entity.
func (i *Injector) Config(entity string) (FailureConfig, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	c, ok := i.configs[entity]
	return c, ok
}

// Configs returns all configs sorted by entity.
func (i *Injector) Configs() []FailureConfig {
	i.mu.RLock()
	out := make([]FailureConfig, 0, len(i.configs))
	for _, c := range i.configs {
		out = append(out, c)
	}
	i.mu.RUnlock()
	sort.Slice(out, func(a, b int) bool { return out[a].EntityID < out[b].EntityID })
	return out
}

// State reports the injection state of entity at a global epoch.
func (i *Injector) State(entity string, epoch int64) State {
	return i.Resolve(entity, epoch).State
}

// Resolve picks the pattern source for entity at a global epoch. Normal
// entities read their baseline at the global epoch; injected ones read the
// failure pattern at their own cursor.
func (i *Injector) Resolve(entity string, epoch int64) Selection {
	i.mu.RLock()
	c, ok := i.configs[entity]
	i.mu.RUnlock()
	if ok && c.injecting(epoch) {
		return Selection{EntityID: entity, State: StateInjected, FailureType: c.FailureType, PatternEpoch: c.NextPatternEpoch}
	}
	return Selection{EntityID: entity, State: StateNormal, FailureType: telemetry.FailureNone, PatternEpoch: epoch}
}

// Plan resolves every entity for one epoch without mutating cursors.
func (i *Injector) Plan(entities []string, epoch int64) []Selection {
	out := make([]Selection, 0, len(entities))
	for _, id := range entities {
		out = append(out, i.Resolve(id, epoch))
	}
	return out
}

// Preview returns the configs as they will look after Commit(sel).
func (i *Injector) Preview(sel []Selection) []FailureConfig {
	i.mu.RLock()
	next := make(map[string]FailureConfig, len(i.configs))
	for k, v := range i.configs {
		next[k] = v
	}
	i.mu.RUnlock()
	apply(next, sel)
	out := make([]FailureConfig, 0, len(next))
	for _, c := range next {
		out = append(out, c)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].EntityID < out[b].EntityID })
	return out
}

// Commit moves the cursor of every injected selection past the row it used.
// Call it only once the epoch's rows are durably written.
func (i *Injector) Commit(sel []Selection) {
	i.mu.Lock()
	apply(i.configs, sel)
	i.mu.Unlock()
}

func apply(configs map[string]FailureConfig, sel []Selection) {
	for _, s := range sel {
		if s.State != StateInjected {
			continue
		}
		c, ok := configs[s.EntityID]
		if !ok || !c.Enabled || c.FailureType != s.FailureType {
			continue
		}
		c.NextPatternEpoch = s.PatternEpoch + 1
		configs[s.EntityID] = c
	}
}

// Active lists enabled failures. nextEpoch is the next epoch the clock will
// write; lengthOf returns the failure pattern length of a type.
func (i *Injector) Active(nextEpoch int64, lengthOf func(telemetry.FailureType) int) []ActiveFailure {
	var out []ActiveFailure
	for _, c := range i.Configs() {
		if !c.Enabled || c.FailureType == telemetry.FailureNone {
			continue
		}
		n := 0
		if lengthOf != nil {
			n = lengthOf(c.FailureType)
		}
		status := StatusActive
		switch {
		case c.EffectiveFromEpoch >= nextEpoch && c.NextPatternEpoch == 0:
			status = StatusPending
		case n > 0 && c.NextPatternEpoch >= int64(n):
			status = StatusOffline
		}
		out = append(out, ActiveFailure{
			EntityID:           c.EntityID,
			FailureType:        c.FailureType,
			EffectiveFromEpoch: c.EffectiveFromEpoch,
			NextPatternEpoch:   c.NextPatternEpoch,
			PatternLength:      n,
			Status:             status,
		})
	}
	return out
}
