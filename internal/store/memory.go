package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"fleetops-sim/internal/inject"
	"fleetops-sim/internal/stream"
	"fleetops-sim/internal/telemetry"
)

// Memory is an in-process Store. Each commit is applied under one write lock
// so readers see either none or all rows of an epoch.
type Memory struct {
	mu          sync.RWMutex
	rows        map[string][]telemetry.TelemetryRow
	watermark   int64
	predictions map[string]telemetry.PredictionRow
	markers     map[string]telemetry.FailureMarkerRow
	state       *stream.State
	failures    []inject.FailureConfig
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	m := &Memory{}
	m.reset()
	return m
}

func (m *Memory) reset() {
	m.rows = make(map[string][]telemetry.TelemetryRow)
	m.watermark = -1
	m.predictions = make(map[string]telemetry.PredictionRow)
	m.markers = make(map[string]telemetry.FailureMarkerRow)
	m.state = nil
	m.failures = nil
}

func (m *Memory) Init(context.Context) error { return nil }
func (m *Memory) Close() error               { return nil }

// CommitEpoch appends all rows of one epoch and records the stream state.
func (m *Memory) CommitEpoch(_ context.Context, c stream.Commit) error {
	if err := checkCommit(c); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.Epoch <= m.watermark {
		return staleEpoch(c.Epoch, m.watermark)
	}
	for _, r := range c.Rows {
		if err := m.checkOrder(r); err != nil {
			return err
		}
	}
	for _, r := range c.Rows {
		m.rows[r.EntityID] = append(m.rows[r.EntityID], r)
	}
	m.watermark = c.Epoch
	st := c.State
	m.state = &st
	m.failures = append([]inject.FailureConfig(nil), c.Failures...)
	return nil
}

// Append adds one externally produced row, e.g. during replay.
func (m *Memory) Append(_ context.Context, row telemetry.TelemetryRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOrder(row); err != nil {
		return err
	}
	m.rows[row.EntityID] = append(m.rows[row.EntityID], row)
	if row.Epoch > m.watermark {
		m.watermark = row.Epoch
	}
	return nil
}

func (m *Memory) checkOrder(r telemetry.TelemetryRow) error {
	rows := m.rows[r.EntityID]
	if n := len(rows); n > 0 && !rows[n-1].Timestamp.Before(r.Timestamp) {
		return fmt.Errorf("%w: %s at %s after %s", ErrOutOfOrder, r.EntityID, r.Timestamp.Format(time.RFC3339), rows[n-1].Timestamp.Format(time.RFC3339))
	}
	return nil
}

func (m *Memory) Query(_ context.Context, entity string, from, to time.Time) ([]telemetry.TelemetryRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows := m.rows[entity]
	lo := sort.Search(len(rows), func(i int) bool { return !rows[i].Timestamp.Before(from) })
	hi := len(rows)
	if !to.IsZero() {
		hi = sort.Search(len(rows), func(i int) bool { return !rows[i].Timestamp.Before(to) })
	}
	if lo >= hi {
		return nil, nil
	}
	out := make([]telemetry.TelemetryRow, hi-lo)
	copy(out, rows[lo:hi])
	return out, nil
}

func (m *Memory) Entities(context.Context) ([]string, error) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.rows))
	for id := range m.rows {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)
	return ids, nil
}

func (m *Memory) Latest(ctx context.Context) ([]telemetry.TelemetryRow, error) {
	ids, _ := m.Entities(ctx)
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]telemetry.TelemetryRow, 0, len(ids))
	for _, id := range ids {
		if rows := m.rows[id]; len(rows) > 0 {
			out = append(out, rows[len(rows)-1])
		}
	}
	return out, nil
}

func (m *Memory) Watermark(context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.watermark, nil
}

func (m *Memory) Upsert(_ context.Context, rows ...telemetry.PredictionRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range rows {
		m.predictions[r.EntityID] = r
	}
	return nil
}

func (m *Memory) Get(_ context.Context, entity string) (telemetry.PredictionRow, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.predictions[entity]
	return r, ok, nil
}

func (m *Memory) All(context.Context) ([]telemetry.PredictionRow, error) {
	m.mu.RLock()
	out := make([]telemetry.PredictionRow, 0, len(m.predictions))
	for _, r := range m.predictions {
		out = append(out, r)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out, nil
}

func (m *Memory) Markers(context.Context) ([]telemetry.FailureMarkerRow, error) {
	m.mu.RLock()
	out := make([]telemetry.FailureMarkerRow, 0, len(m.markers))
	for _, r := range m.markers {
		out = append(out, r)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].EntityID != out[j].EntityID {
			return out[i].EntityID < out[j].EntityID
		}
		return out[i].FailureType < out[j].FailureType
	})
	return out, nil
}

func (m *Memory) AddMarker(_ context.Context, mk telemetry.FailureMarkerRow) error {
	key := mk.EntityID + "/" + mk.FailureType
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.markers[key]; !ok {
		m.markers[key] = mk
	}
	return nil
}

func (m *Memory) DeleteMarkers(_ context.Context, entity string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, mk := range m.markers {
		if mk.EntityID == entity {
			delete(m.markers, k)
		}
	}
	return nil
}

// SaveFailures replaces the stored failure configs between epochs.
func (m *Memory) SaveFailures(_ context.Context, st stream.State, cfgs []inject.FailureConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = &st
	m.failures = append([]inject.FailureConfig(nil), cfgs...)
	return nil
}

func (m *Memory) LoadState(_ context.Context, streamName string) (stream.State, []inject.FailureConfig, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state == nil || m.state.StreamName != streamName {
		return stream.State{}, nil, false, nil
	}
	return *m.state, append([]inject.FailureConfig(nil), m.failures...), true, nil
}

// Purge drops telemetry, predictions, markers and the stored stream state.
func (m *Memory) Purge(context.Context) error {
	m.mu.Lock()
	m.reset()
	m.mu.Unlock()
	return nil
}
