package main

import (
	"errors"
	"io"
	"log/slog"

	"fleetops-sim/internal/config"
	"fleetops-sim/internal/sim"
)

// newWriter builds the sinks enabled in cfg. printOnly keeps only the stdout
// sink and the file log, dropping every network sink. The returned TUIWriter
// is nil unless the stdout sink runs in tui format.
func newWriter(cfg *config.SimulationConfig, printOnly bool, log *slog.Logger) (sim.TelemetryWriter, *sim.TUIWriter, error) {
	var (
		ws  []sim.TelemetryWriter
		tui *sim.TUIWriter
	)
	fail := func(err error) (sim.TelemetryWriter, *sim.TUIWriter, error) {
		for _, w := range ws {
			if c, ok := w.(io.Closer); ok {
				_ = c.Close()
			}
		}
		return nil, nil, err
	}

	sinks := cfg.Sinks
	if sinks.Stdout.Enabled || printOnly {
		switch sinks.Stdout.Format {
		case "json":
			ws = append(ws, sim.NewJSONStdoutWriter())
		case "tui":
			tui = sim.NewTUIWriter(cfg.Stream.Name)
			ws = append(ws, tui)
		default:
			ws = append(ws, sim.NewStdoutWriter())
		}
	}
	if sinks.File.Enabled {
		fw, err := sim.NewFileWriter(sinks.File.Path, sinks.File.Path+".predictions")
		if err != nil {
			return fail(err)
		}
		ws = append(ws, fw)
	}
	if !printOnly {
		if sinks.Greptime.Enabled {
			gw, err := sim.NewGreptimeDBWriter(sinks.Greptime.Endpoint, sinks.Greptime.Database)
			if err != nil {
				return fail(err)
			}
			ws = append(ws, gw)
		}
		if sinks.Kafka.Enabled {
			kw, err := sim.NewKafkaWriter(sinks.Kafka.Brokers, sinks.Kafka.Topic)
			if err != nil {
				return fail(err)
			}
			ws = append(ws, kw)
		}
		if sinks.MQTT.Enabled {
			mw, err := sim.NewMQTTWriter(sinks.MQTT.Broker, sinks.MQTT.ClientID, sinks.MQTT.TopicPrefix)
			if err != nil {
				return fail(err)
			}
			ws = append(ws, mw)
		}
	}

	switch len(ws) {
	case 0:
		log.Info("no telemetry sinks enabled, rows are only stored")
		return sim.DiscardWriter{}, nil, nil
	case 1:
		return ws[0], tui, nil
	default:
		return sim.NewMultiWriter(ws...), tui, nil
	}
}

// closeWriter closes w when it holds resources.
func closeWriter(w sim.TelemetryWriter) error {
	if c, ok := w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

var errNoInput = errors.New("input file required")
