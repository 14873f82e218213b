package scenario

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"fleetops-sim/internal/telemetry"
)

// Scenario is a failure schedule made of ordered phases.
type Scenario struct {
	Name        string  `yaml:"name,omitempty"`
	Description string  `yaml:"description,omitempty"`
	Phases      []Phase `yaml:"phases"`
}

// Phase applies its actions when entered and leaves through its triggers.
type Phase struct {
	Name        string    `yaml:"name"`
	Description string    `yaml:"description,omitempty"`
	Actions     []Action  `yaml:"actions,omitempty"`
	Triggers    []Trigger `yaml:"triggers,omitempty"`
}

// Action verbs.
const (
	DoActivate = "activate"
	DoClear    = "clear"
	DoClearAll = "clear_all"
)

// Action changes the failure config of one entity, or of all of them for
// clear_all.
type Action struct {
	Do      string `yaml:"do"`
	Entity  string `yaml:"entity,omitempty"`
	Failure string `yaml:"failure,omitempty"`
}

// FailureType parses the action's failure name.
func (a Action) FailureType() (telemetry.FailureType, error) {
	return telemetry.ParseFailureType(a.Failure)
}

// EventEpochsElapsed counts epochs written since the current phase began.
const EventEpochsElapsed = "epochs_elapsed"

// Trigger moves the scenario to another phase based on an event.
type Trigger struct {
	Event string `yaml:"event"`
	Value int    `yaml:"value"`
	Next  string `yaml:"next"`
}

// Event represents a runtime occurrence that may advance the scenario.
type Event struct {
	Type  string
	Value int
}

// Load reads a YAML scenario definition from disk.
func Load(path string) (*Scenario, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	var s Scenario
	if err := yaml.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("parse scenario: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Resolve returns the built-in arc called name, or loads name as a file.
func Resolve(name string) (*Scenario, error) {
	if arc, ok := BuiltIn()[name]; ok {
		return &arc, nil
	}
	return Load(name)
}

// Validate checks actions and trigger targets.
func (s *Scenario) Validate() error {
	if len(s.Phases) == 0 {
		return errors.New("scenario has no phases")
	}
	names := make(map[string]bool, len(s.Phases))
	for _, p := range s.Phases {
		names[p.Name] = true
	}
	for _, p := range s.Phases {
		for _, a := range p.Actions {
			switch a.Do {
			case DoActivate:
				ft, err := a.FailureType()
				if err != nil {
					return fmt.Errorf("phase %s: %w", p.Name, err)
				}
				if ft == telemetry.FailureNone || a.Entity == "" {
					return fmt.Errorf("phase %s: activate needs entity and failure", p.Name)
				}
			case DoClear:
				if a.Entity == "" {
					return fmt.Errorf("phase %s: clear needs entity", p.Name)
				}
			case DoClearAll:
			default:
				return fmt.Errorf("phase %s: unknown action %q", p.Name, a.Do)
			}
		}
		for _, tr := range p.Triggers {
			if !names[tr.Next] {
				return fmt.Errorf("phase %s: trigger targets unknown phase %q", p.Name, tr.Next)
			}
		}
	}
	return nil
}

// NextPhase returns the name of the next phase given the current phase and event.
// If no trigger matches, ok will be false.
func (s *Scenario) NextPhase(current string, ev Event) (next string, ok bool) {
	for _, p := range s.Phases {
		if p.Name != current {
			continue
		}
		for _, tr := range p.Triggers {
			if tr.Event == ev.Type && ev.Value >= tr.Value {
				return tr.Next, true
			}
		}
	}
	return "", false
}

func (s *Scenario) phase(name string) (Phase, bool) {
	for _, p := range s.Phases {
		if p.Name == name {
			return p, true
		}
	}
	return Phase{}, false
}

// Runner walks a scenario along the epoch axis.
type Runner struct {
	sc        *Scenario
	current   string
	enteredAt int64
	started   bool
}

// NewRunner returns a runner positioned before the first phase.
func NewRunner(sc *Scenario) *Runner {
	return &Runner{sc: sc}
}

// Phase returns the current phase name, empty before the first Step.
func (r *Runner) Phase() string { return r.current }

// Reset rewinds the runner to before the first phase.
func (r *Runner) Reset() {
	r.current, r.enteredAt, r.started = "", 0, false
}

// Step is called with the epoch about to be written and returns the actions
// of every phase entered at that epoch.
func (r *Runner) Step(epoch int64) []Action {
	var out []Action
	if !r.started {
		r.started = true
		first := r.sc.Phases[0]
		r.current, r.enteredAt = first.Name, epoch
		out = append(out, first.Actions...)
	}
	// bounded so a cycle of zero-length triggers cannot spin
	for range r.sc.Phases {
		next, ok := r.sc.NextPhase(r.current, Event{Type: EventEpochsElapsed, Value: int(epoch - r.enteredAt)})
		if !ok {
			break
		}
		p, _ := r.sc.phase(next)
		r.current, r.enteredAt = p.Name, epoch
		out = append(out, p.Actions...)
	}
	return out
}
