// YAML config loader with CUE validation integration
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// StreamConfig fixes the epoch grid of the telemetry stream.
type StreamConfig struct {
	Name         string        `yaml:"name"`
	StepSeconds  int           `yaml:"step_seconds"`
	Start        string        `yaml:"start"`
	TickInterval time.Duration `yaml:"tick_interval"`
}

// FleetConfig describes the generated fleet.
type FleetConfig struct {
	Prefix        string `yaml:"prefix"`
	Count         int    `yaml:"count"`
	Seed          int64  `yaml:"seed"`
	NormalLength  int    `yaml:"normal_length"`
	FailureLength int    `yaml:"failure_length"`
}

type FeaturesConfig struct {
	// Mode is "incremental" or "batch".
	Mode string `yaml:"mode"`
}

type PredictionConfig struct {
	ModelFile string        `yaml:"model_file"`
	Workers   int           `yaml:"workers"`
	Cooldown  time.Duration `yaml:"cooldown"`
}

// StorageConfig selects the telemetry store driver.
type StorageConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type StdoutSink struct {
	Enabled bool `yaml:"enabled"`
	// Format is "text", "json" or "tui".
	Format string `yaml:"format"`
}

type FileSink struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type GreptimeSink struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	Database string `yaml:"database"`
}

type KafkaSink struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type MQTTSink struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// SinksConfig lists the telemetry mirrors fed after every committed epoch.
type SinksConfig struct {
	Stdout   StdoutSink   `yaml:"stdout"`
	File     FileSink     `yaml:"file"`
	Greptime GreptimeSink `yaml:"greptime"`
	Kafka    KafkaSink    `yaml:"kafka"`
	MQTT     MQTTSink     `yaml:"mqtt"`
}

type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
}

// SimulationConfig is the root configuration of the fleet simulator.
type SimulationConfig struct {
	Stream     StreamConfig     `yaml:"stream"`
	Fleet      FleetConfig      `yaml:"fleet"`
	SeedFile   string           `yaml:"seed_file"`
	Scenario   string           `yaml:"scenario"`
	Features   FeaturesConfig   `yaml:"features"`
	Prediction PredictionConfig `yaml:"prediction"`
	Storage    StorageConfig    `yaml:"storage"`
	Sinks      SinksConfig      `yaml:"sinks"`
	Admin      AdminConfig      `yaml:"admin"`
	Tracing    TracingConfig    `yaml:"tracing"`
	LogLevel   string           `yaml:"log_level"`
	LogFormat  string           `yaml:"log_format"`
}

// Default returns a config with every default applied.
func Default() *SimulationConfig {
	cfg := &SimulationConfig{}
	applyDefaults(cfg)
	return cfg
}

// Load loads YAML config and validates it against a CUE schema. An empty
// schema path skips the CUE step.
func Load(configPath, cueSchemaPath string) (*SimulationConfig, error) {
	if cueSchemaPath != "" {
		if err := ValidateWithCue(configPath, cueSchemaPath); err != nil {
			return nil, err
		}
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes YAML, applies defaults and validates the result.
func Parse(data []byte) (*SimulationConfig, error) {
	var cfg SimulationConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *SimulationConfig) {
	if cfg.Stream.Name == "" {
		cfg.Stream.Name = "fleet"
	}
	if cfg.Stream.StepSeconds <= 0 {
		cfg.Stream.StepSeconds = 5
	}
	if cfg.Stream.TickInterval <= 0 {
		cfg.Stream.TickInterval = time.Duration(cfg.Stream.StepSeconds) * time.Second
	}
	if cfg.Fleet.Prefix == "" {
		cfg.Fleet.Prefix = "TRUCK"
	}
	if cfg.Fleet.Count <= 0 {
		cfg.Fleet.Count = 10
	}
	if cfg.Fleet.Seed == 0 {
		cfg.Fleet.Seed = 42
	}
	if cfg.Features.Mode == "" {
		cfg.Features.Mode = "incremental"
	}
	if cfg.Prediction.Workers <= 0 {
		cfg.Prediction.Workers = 4
	}
	if cfg.Prediction.Cooldown == 0 {
		cfg.Prediction.Cooldown = 15 * time.Second
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "memory"
	}
	if cfg.Sinks.Stdout.Format == "" {
		cfg.Sinks.Stdout.Format = "text"
	}
	if cfg.Sinks.File.Path == "" {
		cfg.Sinks.File.Path = "telemetry.log"
	}
	if cfg.Sinks.Greptime.Database == "" {
		cfg.Sinks.Greptime.Database = "public"
	}
	if cfg.Sinks.Kafka.Topic == "" {
		cfg.Sinks.Kafka.Topic = "fleet-telemetry"
	}
	if cfg.Sinks.MQTT.ClientID == "" {
		cfg.Sinks.MQTT.ClientID = "fleetops-sim"
	}
	if cfg.Sinks.MQTT.TopicPrefix == "" {
		cfg.Sinks.MQTT.TopicPrefix = "fleet/telemetry"
	}
	if cfg.Admin.Addr == "" {
		cfg.Admin.Addr = ":8080"
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "fleetops-sim"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "text"
	}
}

// Validate checks cross-field constraints CUE does not express.
func Validate(cfg *SimulationConfig) error {
	if cfg.Stream.Start != "" {
		if _, err := cfg.StartTime(); err != nil {
			return fmt.Errorf("stream.start: %w", err)
		}
	}
	switch cfg.Features.Mode {
	case "incremental", "batch":
	default:
		return fmt.Errorf("features.mode must be incremental or batch, got %q", cfg.Features.Mode)
	}
	if cfg.Prediction.Cooldown < 0 {
		return errors.New("prediction.cooldown must be >= 0")
	}
	switch cfg.Storage.Driver {
	case "memory", "sqlite":
	case "postgres", "postgresql":
		if cfg.Storage.DSN == "" {
			return errors.New("storage.dsn required for postgres")
		}
	default:
		return fmt.Errorf("unsupported storage.driver %q", cfg.Storage.Driver)
	}
	switch cfg.Sinks.Stdout.Format {
	case "text", "json", "tui":
	default:
		return fmt.Errorf("sinks.stdout.format must be text, json or tui, got %q", cfg.Sinks.Stdout.Format)
	}
	if cfg.Sinks.Greptime.Enabled && cfg.Sinks.Greptime.Endpoint == "" {
		return errors.New("sinks.greptime.endpoint required when sinks.greptime.enabled is true")
	}
	if cfg.Sinks.Kafka.Enabled && len(cfg.Sinks.Kafka.Brokers) == 0 {
		return errors.New("sinks.kafka.brokers required when sinks.kafka.enabled is true")
	}
	if cfg.Sinks.MQTT.Enabled && cfg.Sinks.MQTT.Broker == "" {
		return errors.New("sinks.mqtt.broker required when sinks.mqtt.enabled is true")
	}
	switch cfg.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log_format must be text or json, got %q", cfg.LogFormat)
	}
	return nil
}

// StartTime parses stream.start. The zero time means "now at stream creation".
func (c *SimulationConfig) StartTime() (time.Time, error) {
	if c.Stream.Start == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, c.Stream.Start)
}
