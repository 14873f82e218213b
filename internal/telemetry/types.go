// Telemetry structs with greptime tags
package telemetry

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Row status values derived from the readings of a single epoch.
const (
	StatusOK       = "ok"
	StatusWarning  = "warning"
	StatusCritical = "critical"
)

// TelemetryRow represents one reading of one vehicle at one epoch.
type TelemetryRow struct {
	EntityID         string    `json:"entity_id"`          // TAG
	Epoch            int64     `json:"epoch"`              // FIELD
	EngineTemp       float64   `json:"engine_temp"`        // FIELD
	TransOilPressure float64   `json:"trans_oil_pressure"` // FIELD
	BatteryVoltage   float64   `json:"battery_voltage"`    // FIELD
	Status           string    `json:"status"`             // FIELD
	Timestamp        time.Time `json:"ts"`                 // TIME INDEX
}

// TelemetryTableName holds the table name used when writing to GreptimeDB.
// It defaults to "fleet_telemetry" but can be overridden via the
// GREPTIMEDB_TABLE environment variable.
var TelemetryTableName = func() string {
	if env := os.Getenv("GREPTIMEDB_TABLE"); env != "" {
		return env
	}
	return "fleet_telemetry"
}()

func (TelemetryRow) TableName() string {
	return TelemetryTableName
}

// DeriveStatus grades a set of readings against fixed operating limits.
func DeriveStatus(engineTemp, transOilPressure, batteryVoltage float64) string {
	switch {
	case engineTemp >= 230 || transOilPressure <= 25 || batteryVoltage <= 11.0:
		return StatusCritical
	case engineTemp >= 215 || transOilPressure <= 35 || batteryVoltage <= 11.6:
		return StatusWarning
	default:
		return StatusOK
	}
}

// FailureType names a component failure that can be injected into an entity.
type FailureType string

const (
	FailureNone         FailureType = "NONE"
	FailureEngine       FailureType = "ENGINE"
	FailureTransmission FailureType = "TRANSMISSION"
	FailureElectrical   FailureType = "ELECTRICAL"
)

// FailureTypes lists the injectable failure kinds in a stable order.
var FailureTypes = []FailureType{FailureEngine, FailureTransmission, FailureElectrical}

// ParseFailureType accepts the failure name in any case. An empty string maps to NONE.
func ParseFailureType(s string) (FailureType, error) {
	switch FailureType(strings.ToUpper(strings.TrimSpace(s))) {
	case "", FailureNone:
		return FailureNone, nil
	case FailureEngine:
		return FailureEngine, nil
	case FailureTransmission:
		return FailureTransmission, nil
	case FailureElectrical:
		return FailureElectrical, nil
	}
	return "", fmt.Errorf("unknown failure type %q", s)
}

// EntityIDs returns n sequential vehicle identifiers (TRUCK_001, TRUCK_002, ...).
func EntityIDs(prefix string, n int) []string {
	if prefix == "" {
		prefix = "TRUCK"
	}
	ids := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		ids = append(ids, fmt.Sprintf("%s_%03d", prefix, i))
	}
	return ids
}
