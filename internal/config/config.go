// Package config holds the application configuration: YAML file values overlaid by CLI
// flags, checked by Validate before anything starts.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	SourceSimulator = "simulator"
	SourceZMQ       = "zmq"

	EngineScripted = "scripted"
	EngineHTTP     = "http"
	EngineWorker   = "worker"

	VoiceLog     = "log"
	VoiceCommand = "command"
)

type AppConfig struct {
	Port           int             `yaml:"port"`
	SessionID      string          `yaml:"session_id"`
	OutputDir      string          `yaml:"output_dir"`
	LatencyBudget  time.Duration   `yaml:"latency_budget"`
	StatusInterval time.Duration   `yaml:"status_interval"`
	Source         SourceConfig    `yaml:"source"`
	Inference      InferenceConfig `yaml:"inference"`
	Gate           GateConfig      `yaml:"gate"`
	Voice          VoiceConfig     `yaml:"voice"`
	MQTT           MQTTConfig      `yaml:"mqtt"`
	Database       DatabaseConfig  `yaml:"database"`
}

type SourceConfig struct {
	Kind     string  `yaml:"kind"`
	Endpoint string  `yaml:"endpoint"`
	FPS      float64 `yaml:"fps"`
	// LogEvery throttles ingest decode error logging to one line per N failures.
	LogEvery int `yaml:"log_every"`
	// Record writes every received message to a rawlog under OutputDir.
	Record bool `yaml:"record"`
}

type InferenceConfig struct {
	Kind           string        `yaml:"kind"`
	Model          string        `yaml:"model"`
	Timeout        time.Duration `yaml:"timeout"`
	BaseURL        string        `yaml:"base_url"`
	APIKeyEnv      string        `yaml:"api_key_env"`
	HealthInterval time.Duration `yaml:"health_interval"`
	Command        []string      `yaml:"command"`
	Latency        time.Duration `yaml:"latency"`
	Responses      []string      `yaml:"responses"`
}

type GateConfig struct {
	DebounceWindow time.Duration `yaml:"debounce_window"`
}

type VoiceConfig struct {
	Kind    string   `yaml:"kind"`
	Command []string `yaml:"command"`
}

type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
}

type DatabaseConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
}

func Default() AppConfig {
	return AppConfig{
		Port:           8888,
		OutputDir:      "output",
		LatencyBudget:  80 * time.Millisecond,
		StatusInterval: time.Second,
		Source: SourceConfig{
			Kind:     SourceSimulator,
			Endpoint: "tcp://localhost:5557",
			FPS:      15,
			LogEvery: 100,
		},
		Inference: InferenceConfig{
			Kind:           EngineScripted,
			Model:          "claude-3-haiku-on-device",
			Timeout:        60 * time.Millisecond,
			BaseURL:        "http://localhost:8080",
			APIKeyEnv:      "POSEIDON_API_KEY",
			HealthInterval: 5 * time.Second,
			Latency:        25 * time.Millisecond,
			Responses: []string{
				`{"status": "good", "correction": ""}`,
				`{"status": "error", "correction": "Knees out!"}`,
			},
		},
		Gate:  GateConfig{DebounceWindow: 2 * time.Second},
		Voice: VoiceConfig{Kind: VoiceLog},
		MQTT: MQTTConfig{
			ClientID:    "poseidon",
			TopicPrefix: "poseidon",
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults unchanged.
// The result is not validated; flags may still be applied on top.
func Load(path string) (AppConfig, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks ranges and kinds.
func (c AppConfig) Validate() error {
	var errs []error
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.LatencyBudget <= 0 {
		errs = append(errs, errors.New("latency_budget must be > 0"))
	}
	if c.Inference.Timeout <= 0 || c.Inference.Timeout > c.LatencyBudget {
		errs = append(errs, fmt.Errorf("inference.timeout %s must be in (0, %s]", c.Inference.Timeout, c.LatencyBudget))
	}
	if c.Gate.DebounceWindow <= 0 {
		errs = append(errs, errors.New("gate.debounce_window must be > 0"))
	}
	if c.Source.Record && c.OutputDir == "" {
		errs = append(errs, errors.New("output_dir is required when source.record is set"))
	}
	if c.StatusInterval <= 0 {
		errs = append(errs, errors.New("status_interval must be > 0"))
	}

	switch c.Source.Kind {
	case SourceSimulator:
		if c.Source.FPS <= 0 {
			errs = append(errs, errors.New("source.fps must be > 0"))
		}
	case SourceZMQ:
		if c.Source.Endpoint == "" {
			errs = append(errs, errors.New("source.endpoint is required for zmq"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown source.kind %q", c.Source.Kind))
	}

	switch c.Inference.Kind {
	case EngineScripted:
		if len(c.Inference.Responses) == 0 {
			errs = append(errs, errors.New("inference.responses is required for scripted"))
		}
	case EngineHTTP:
		if c.Inference.BaseURL == "" {
			errs = append(errs, errors.New("inference.base_url is required for http"))
		}
	case EngineWorker:
		if len(c.Inference.Command) == 0 {
			errs = append(errs, errors.New("inference.command is required for worker"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown inference.kind %q", c.Inference.Kind))
	}

	switch c.Voice.Kind {
	case VoiceLog, VoiceCommand:
	default:
		errs = append(errs, fmt.Errorf("unknown voice.kind %q", c.Voice.Kind))
	}

	if c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt.qos %d must be 0, 1 or 2", c.MQTT.QoS))
	}
	if c.MQTT.Broker != "" && c.MQTT.TopicPrefix == "" {
		errs = append(errs, errors.New("mqtt.topic_prefix is required when a broker is set"))
	}
	return errors.Join(errs...)
}

// DatabaseURL resolves the connection string: the configured URL, then
// POSEIDON_DATABASE_URL, then POSTGRES_* variables, then a local default.
func (c AppConfig) DatabaseURL(getenv func(string) string) string {
	if c.Database.URL != "" {
		return c.Database.URL
	}
	if url := getenv("POSEIDON_DATABASE_URL"); url != "" {
		return url
	}
	if host := getenv("POSTGRES_HOST"); host != "" {
		port := getenv("POSTGRES_PORT")
		if port == "" {
			port = "5432"
		}
		return fmt.Sprintf("postgres://%s:%s@%s:%s/%s",
			getenv("POSTGRES_USER"), getenv("POSTGRES_PASSWORD"), host, port, getenv("POSTGRES_DB"))
	}
	return "postgres://localhost:5432/poseidon"
}

// APIKey reads the inference API key from the configured environment variable.
func (c AppConfig) APIKey(getenv func(string) string) string {
	if c.Inference.APIKeyEnv == "" {
		return ""
	}
	return getenv(c.Inference.APIKeyEnv)
}
