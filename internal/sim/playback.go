package sim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"fleetops-sim/internal/predict"
	"fleetops-sim/internal/store"
	"fleetops-sim/internal/telemetry"
)

// ReplayOptions controls Replay.
type ReplayOptions struct {
	// Speed > 0 paces rows by their recorded spacing divided by Speed.
	// Otherwise rows are fed as fast as they decode.
	Speed float64
	// Refresh recomputes every prediction once the log is consumed.
	Refresh bool
}

// ReplayResult summarises a replay.
type ReplayResult struct {
	Rows    int             `json:"rows"`
	Skipped int             `json:"skipped"`
	Through time.Time       `json:"through"`
	Refresh *predict.Result `json:"refresh,omitempty"`
}

// Replay reads JSONL telemetry, as written by the file sink, from r. Each row
// is appended to the store and then handed to the feature engine and the
// sinks, one epoch at a time. Rows the store rejects as out of order, e.g.
// ones it already holds, are skipped. Predictions then read through the end
// of the replayed telemetry.
func (s *Simulator) Replay(ctx context.Context, r io.Reader, opts ReplayOptions) (ReplayResult, error) {
	ctx, span := otel.Tracer("fleetops-sim/sim").Start(ctx, "Simulator.Replay")
	defer span.End()

	var (
		res   ReplayResult
		prev  time.Time
		batch []telemetry.TelemetryRow
	)
	flush := func() {
		if len(batch) > 0 {
			s.publish(batch[0].Epoch, batch)
			batch = nil
		}
	}
	dec := json.NewDecoder(r)
	for {
		var row telemetry.TelemetryRow
		if err := dec.Decode(&row); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			flush()
			span.RecordError(err)
			return res, fmt.Errorf("decode row %d: %w", res.Rows+res.Skipped+1, err)
		}
		if err := pace(ctx, prev, row.Timestamp, opts.Speed); err != nil {
			flush()
			return res, err
		}
		prev = row.Timestamp
		if err := s.store.Append(ctx, row); err != nil {
			if errors.Is(err, store.ErrOutOfOrder) {
				s.log.Debug("replay row skipped", "entity", row.EntityID, "epoch", row.Epoch, "error", err)
				res.Skipped++
				continue
			}
			flush()
			span.RecordError(err)
			return res, fmt.Errorf("append %s epoch %d: %w", row.EntityID, row.Epoch, err)
		}
		if len(batch) > 0 && batch[0].Epoch != row.Epoch {
			flush()
		}
		batch = append(batch, row)
		res.Rows++
		if row.Timestamp.After(res.Through) {
			res.Through = row.Timestamp
		}
	}
	flush()
	span.SetAttributes(attribute.Int("rows", res.Rows), attribute.Int("skipped", res.Skipped))

	if res.Rows > 0 {
		through := res.Through.Add(s.clock.State().Step())
		if through.UnixNano() > s.replayed.Load() {
			s.replayed.Store(through.UnixNano())
		}
	}
	s.log.Info("replay complete", "rows", res.Rows, "skipped", res.Skipped, "through", res.Through)
	if !opts.Refresh || res.Rows == 0 {
		return res, nil
	}
	pr, err := s.refresher.Refresh(ctx, true)
	if err != nil {
		return res, fmt.Errorf("refresh after replay: %w", err)
	}
	res.Refresh = &pr
	return res, nil
}

// ReplayFile replays the telemetry log at path.
func (s *Simulator) ReplayFile(ctx context.Context, path string, opts ReplayOptions) (ReplayResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return ReplayResult{}, err
	}
	defer f.Close()
	return s.Replay(ctx, f, opts)
}

// pace waits out the recorded gap between two rows, scaled by speed.
func pace(ctx context.Context, prev, next time.Time, speed float64) error {
	if prev.IsZero() || speed <= 0 {
		return nil
	}
	d := time.Duration(float64(next.Sub(prev)) / speed)
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
