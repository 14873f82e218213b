package scenario

// BuiltIn returns predefined failure arcs. Epoch counts assume the default
// five second step: 720 epochs is one hour.
func BuiltIn() map[string]Scenario {
	return map[string]Scenario{
		"engine-overheat": {
			Name:        "Engine Overheat",
			Description: "One truck runs hot after an hour of normal service and is left to degrade.",
			Phases: []Phase{
				{
					Name:        "setup",
					Description: "Fleet drives with normal patterns.",
					Triggers:    []Trigger{{Event: EventEpochsElapsed, Value: 720, Next: "escalation"}},
				},
				{
					Name:        "escalation",
					Description: "Cooling fails on TRUCK_001.",
					Actions:     []Action{{Do: DoActivate, Entity: "TRUCK_001", Failure: "ENGINE"}},
					Triggers:    []Trigger{{Event: EventEpochsElapsed, Value: 2880, Next: "resolution"}},
				},
				{
					Name:        "resolution",
					Description: "The failure pattern has run its course and holds at its final reading.",
				},
			},
		},
		"mixed-fleet": {
			Name:        "Mixed Fleet",
			Description: "Three trucks develop different faults at staggered times.",
			Phases: []Phase{
				{
					Name:     "setup",
					Triggers: []Trigger{{Event: EventEpochsElapsed, Value: 360, Next: "escalation"}},
				},
				{
					Name:        "escalation",
					Description: "Transmission wear begins on TRUCK_003.",
					Actions:     []Action{{Do: DoActivate, Entity: "TRUCK_003", Failure: "TRANSMISSION"}},
					Triggers:    []Trigger{{Event: EventEpochsElapsed, Value: 720, Next: "climax"}},
				},
				{
					Name:        "climax",
					Description: "Engine and electrical faults join in.",
					Actions: []Action{
						{Do: DoActivate, Entity: "TRUCK_001", Failure: "ENGINE"},
						{Do: DoActivate, Entity: "TRUCK_005", Failure: "ELECTRICAL"},
					},
					Triggers: []Trigger{{Event: EventEpochsElapsed, Value: 2880, Next: "resolution"}},
				},
				{
					Name: "resolution",
				},
			},
		},
		"repair-cycle": {
			Name:        "Repair Cycle",
			Description: "An electrical fault is repaired after two hours and the truck returns to normal.",
			Phases: []Phase{
				{
					Name:     "setup",
					Triggers: []Trigger{{Event: EventEpochsElapsed, Value: 120, Next: "escalation"}},
				},
				{
					Name:        "escalation",
					Description: "Battery degradation on TRUCK_002.",
					Actions:     []Action{{Do: DoActivate, Entity: "TRUCK_002", Failure: "ELECTRICAL"}},
					Triggers:    []Trigger{{Event: EventEpochsElapsed, Value: 1440, Next: "resolution"}},
				},
				{
					Name:        "resolution",
					Description: "Workshop swaps the battery.",
					Actions:     []Action{{Do: DoClear, Entity: "TRUCK_002"}},
				},
			},
		},
	}
}
