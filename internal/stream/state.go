// Package stream turns seed patterns into an epoch ordered telemetry stream.
package stream

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"fleetops-sim/internal/inject"
	"fleetops-sim/internal/telemetry"
)

// DefaultStepSeconds is the spacing between two epochs.
const DefaultStepSeconds = 5

// State is the explicit stream cursor handed to the clock. StepSeconds is
// fixed once the stream exists; NextEpoch only moves forward except on Reset.
type State struct {
	StreamName     string    `json:"stream_name"`
	RunID          string    `json:"run_id"`
	StartTimestamp time.Time `json:"start_timestamp"`
	StepSeconds    int       `json:"step_seconds"`
	NextEpoch      int64     `json:"next_epoch"`
}

// NewState starts a stream at epoch 0.
func NewState(name string, start time.Time, stepSeconds int) (State, error) {
	if stepSeconds <= 0 {
		return State{}, fmt.Errorf("step_seconds must be positive, got %d", stepSeconds)
	}
	if name == "" {
		name = "fleet"
	}
	return State{
		StreamName:     name,
		RunID:          uuid.NewString(),
		StartTimestamp: start.UTC(),
		StepSeconds:    stepSeconds,
	}, nil
}

// Step returns the epoch spacing.
func (s State) Step() time.Duration {
	return time.Duration(s.StepSeconds) * time.Second
}

// TimestampFor returns the wall clock time of an epoch.
func (s State) TimestampFor(epoch int64) time.Time {
	return s.StartTimestamp.Add(time.Duration(epoch) * s.Step())
}

// Watermark is the exclusive upper bound of committed stream time: the
// timestamp the next epoch will carry.
func (s State) Watermark() time.Time {
	return s.TimestampFor(s.NextEpoch)
}

// Commit is everything that becomes visible when one epoch is written: the
// rows, the stream state after the epoch and the failure cursors after it.
type Commit struct {
	Epoch    int64
	Rows     []telemetry.TelemetryRow
	State    State
	Failures []inject.FailureConfig
}
