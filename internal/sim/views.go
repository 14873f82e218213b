package sim

import (
	"context"
	"sort"
	"time"

	"fleetops-sim/internal/features"
	"fleetops-sim/internal/inject"
	"fleetops-sim/internal/stream"
	"fleetops-sim/internal/telemetry"
)

const (
	// onlineWindow is how far an entity's newest row may trail the fleet's
	// newest row before the entity is listed as OFFLINE.
	onlineWindow = 10 * time.Second
	// staleAfter triggers a background refresh when predictions are listed.
	staleAfter = 60 * time.Minute
	// MaxChartPoints bounds a chart response.
	MaxChartPoints = 2000
)

// Connectivity values of EntityTelemetry.
const (
	LinkOnline  = "ONLINE"
	LinkOffline = "OFFLINE"
)

// Age colours of PredictionView.
const (
	AgeGreen  = "green"
	AgeOrange = "orange"
	AgeRed    = "red"
)

// Status describes the stream and the simulator around it.
type Status struct {
	StreamName     string    `json:"stream_name"`
	RunID          string    `json:"run_id"`
	StartTimestamp time.Time `json:"start_timestamp"`
	StepSeconds    int       `json:"step_seconds"`
	NextEpoch      int64     `json:"next_epoch"`
	// Watermark is the timestamp the next epoch will carry.
	Watermark      time.Time `json:"watermark"`
	Entities       int       `json:"entities"`
	ActiveFailures int       `json:"active_failures"`
	FeatureMode    string    `json:"feature_mode"`
	Scenario       string    `json:"scenario,omitempty"`
	ScenarioPhase  string    `json:"scenario_phase,omitempty"`
	RefreshRunning bool      `json:"refresh_running"`
	Halted         string    `json:"halted,omitempty"`
	// FastForward is set while a fast-forward is running.
	FastForward *stream.Progress `json:"fast_forward,omitempty"`
}

// Status reports the current stream state.
func (s *Simulator) Status() Status {
	st := s.clock.State()
	out := Status{
		StreamName:     st.StreamName,
		RunID:          st.RunID,
		StartTimestamp: st.StartTimestamp,
		StepSeconds:    st.StepSeconds,
		NextEpoch:      st.NextEpoch,
		Watermark:      st.Watermark(),
		Entities:       len(s.lib.Entities()),
		ActiveFailures: len(s.ActiveFailures()),
		FeatureMode:    s.cfg.Features.Mode,
		RefreshRunning: s.refresher.Running(),
	}
	if s.runner != nil {
		out.Scenario = s.cfg.Scenario
		out.ScenarioPhase = s.runner.Phase()
	}
	if err := s.clock.Halted(); err != nil {
		out.Halted = err.Error()
	}
	if p, ok := s.clock.FastForwardProgress(); ok {
		out.FastForward = &p
	}
	return out
}

// EntityTelemetry is the newest reading of one entity.
type EntityTelemetry struct {
	telemetry.TelemetryRow
	Link string `json:"link"`
}

// LatestTelemetry returns the newest row per entity, sorted by entity id.
func (s *Simulator) LatestTelemetry(ctx context.Context) ([]EntityTelemetry, error) {
	rows, err := s.store.Latest(ctx)
	if err != nil {
		return nil, err
	}
	var newest time.Time
	for _, r := range rows {
		if r.Timestamp.After(newest) {
			newest = r.Timestamp
		}
	}
	out := make([]EntityTelemetry, 0, len(rows))
	for _, r := range rows {
		link := LinkOnline
		if newest.Sub(r.Timestamp) > onlineWindow {
			link = LinkOffline
		}
		out = append(out, EntityTelemetry{TelemetryRow: r, Link: link})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out, nil
}

// PredictionView is a cached prediction with its age relative to the
// entity's newest telemetry.
type PredictionView struct {
	telemetry.PredictionRow
	LatestTelemetry *time.Time `json:"latest_telemetry_ts,omitempty"`
	AgeMinutes      *float64   `json:"age_minutes,omitempty"`
	AgeColor        string     `json:"age_color"`
}

func ageColor(age time.Duration) string {
	switch {
	case age <= 5*time.Minute:
		return AgeGreen
	case age < staleAfter:
		return AgeOrange
	default:
		return AgeRed
	}
}

// Predictions lists the prediction cache. When any prediction is an hour or
// more behind its entity's telemetry a refresh is started in the background.
func (s *Simulator) Predictions(ctx context.Context) ([]PredictionView, error) {
	preds, err := s.store.All(ctx)
	if err != nil {
		return nil, err
	}
	latest, err := s.store.Latest(ctx)
	if err != nil {
		return nil, err
	}
	newest := make(map[string]time.Time, len(latest))
	for _, r := range latest {
		newest[r.EntityID] = r.Timestamp
	}
	stale := false
	out := make([]PredictionView, 0, len(preds))
	for _, p := range preds {
		v := PredictionView{PredictionRow: p, AgeColor: AgeRed}
		if ts, ok := newest[p.EntityID]; ok {
			age := ts.Sub(p.PredictionTimestamp)
			if age < 0 {
				age = 0
			}
			mins := age.Minutes()
			v.LatestTelemetry, v.AgeMinutes = &ts, &mins
			v.AgeColor = ageColor(age)
			if age >= staleAfter {
				stale = true
			}
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	if stale && !s.refresher.Running() {
		s.log.Info("predictions stale, refreshing in background")
		s.refreshInBackground(false)
	}
	return out, nil
}

// Markers lists the first-failure markers.
func (s *Simulator) Markers(ctx context.Context) ([]telemetry.FailureMarkerRow, error) {
	return s.store.Markers(ctx)
}

// ChartPoint is the average of one entity's readings in one 5 minute bucket.
type ChartPoint struct {
	Timestamp        time.Time `json:"ts"`
	EntityID         string    `json:"entity_id"`
	EngineTemp       float64   `json:"engine_temp"`
	TransOilPressure float64   `json:"trans_oil_pressure"`
	BatteryVoltage   float64   `json:"battery_voltage"`
	Samples          int       `json:"samples"`
}

// ChartData averages the last hours of telemetry, counted back from the
// fleet's newest row, into 5 minute buckets. Points are ordered by bucket,
// then entity, and capped at MaxChartPoints.
func (s *Simulator) ChartData(ctx context.Context, hours float64) ([]ChartPoint, error) {
	if hours <= 0 {
		hours = 1
	}
	latest, err := s.store.Latest(ctx)
	if err != nil {
		return nil, err
	}
	var newest time.Time
	for _, r := range latest {
		if r.Timestamp.After(newest) {
			newest = r.Timestamp
		}
	}
	if newest.IsZero() {
		return []ChartPoint{}, nil
	}
	from := newest.Add(-time.Duration(hours * float64(time.Hour)))

	var points []ChartPoint
	for _, r := range latest {
		rows, err := s.store.Query(ctx, r.EntityID, from, time.Time{})
		if err != nil {
			return nil, err
		}
		points = append(points, bucketize(r.EntityID, rows)...)
	}
	sort.Slice(points, func(i, j int) bool {
		if !points[i].Timestamp.Equal(points[j].Timestamp) {
			return points[i].Timestamp.Before(points[j].Timestamp)
		}
		return points[i].EntityID < points[j].EntityID
	})
	if len(points) > MaxChartPoints {
		points = points[:MaxChartPoints]
	}
	return points, nil
}

func bucketize(entity string, rows []telemetry.TelemetryRow) []ChartPoint {
	var out []ChartPoint
	for _, r := range rows {
		b := features.WindowStart(r.Timestamp)
		if n := len(out); n == 0 || !out[n-1].Timestamp.Equal(b) {
			out = append(out, ChartPoint{Timestamp: b, EntityID: entity})
		}
		p := &out[len(out)-1]
		p.EngineTemp += r.EngineTemp
		p.TransOilPressure += r.TransOilPressure
		p.BatteryVoltage += r.BatteryVoltage
		p.Samples++
	}
	for i := range out {
		n := float64(out[i].Samples)
		out[i].EngineTemp /= n
		out[i].TransOilPressure /= n
		out[i].BatteryVoltage /= n
	}
	return out
}

// Dashboard bundles the views a fleet dashboard polls.
type Dashboard struct {
	Status      Status                       `json:"status"`
	Telemetry   []EntityTelemetry            `json:"telemetry"`
	Predictions []PredictionView             `json:"predictions"`
	Failures    []inject.ActiveFailure       `json:"failures"`
	ChartData   []ChartPoint                 `json:"chart_data,omitempty"`
	Markers     []telemetry.FailureMarkerRow `json:"markers,omitempty"`
}

// Dashboard collects every view in one call. Charts and markers are only
// included when asked for.
func (s *Simulator) Dashboard(ctx context.Context, includeCharts bool, hours float64) (Dashboard, error) {
	var (
		d   = Dashboard{Status: s.Status(), Failures: s.ActiveFailures()}
		err error
	)
	if d.Telemetry, err = s.LatestTelemetry(ctx); err != nil {
		return d, err
	}
	if d.Predictions, err = s.Predictions(ctx); err != nil {
		return d, err
	}
	if includeCharts {
		if d.ChartData, err = s.ChartData(ctx, hours); err != nil {
			return d, err
		}
		if d.Markers, err = s.Markers(ctx); err != nil {
			return d, err
		}
	}
	return d, nil
}
