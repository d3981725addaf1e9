package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Node        NodeConfig       `yaml:"node"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	ASR         ASRConfig        `yaml:"asr"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type NodeConfig struct {
	ID                string           `yaml:"id"`
	Role              string           `yaml:"role"`
	HeartbeatInterval int              `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int              `yaml:"heartbeat_timeout_ms"`
	Capabilities      []NodeCapability `yaml:"capabilities"`
}

type NodeCapability struct {
	Name       string            `yaml:"name"`
	Tier       string            `yaml:"tier"`
	Attributes map[string]string `yaml:"attributes"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// ASRConfig drives the streaming recognition pipeline.
type ASRConfig struct {
	Enabled        bool             `yaml:"enabled"`
	PollIntervalMS int              `yaml:"poll_interval_ms"`
	Confidence     float64          `yaml:"confidence"`
	VAD            VADConfig        `yaml:"vad"`
	Segmenter      SegmenterConfig  `yaml:"segmenter"`
	Recognizer     RecognizerConfig `yaml:"recognizer"`
}

type VADConfig struct {
	Mode            string  `yaml:"mode"` // webrtc, energy
	Aggressiveness  int     `yaml:"aggressiveness"`
	EnergyThreshold float64 `yaml:"energy_threshold"`
}

type SegmenterConfig struct {
	SilenceDurationMS int     `yaml:"silence_duration_ms"`
	SilenceThreshold  float64 `yaml:"silence_threshold"`
	MinWindowBytes    int     `yaml:"min_window_bytes"`
}

type RecognizerConfig struct {
	Mode      string `yaml:"mode"` // mock, exec, whisper
	Command   string `yaml:"command"`
	ModelPath string `yaml:"model_path"`
	Language  string `yaml:"language"`
	MaxTokens int    `yaml:"max_tokens"`
	Threads   int    `yaml:"threads"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

// PollInterval returns the driver cadence as a duration.
func (c ASRConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

func (c SegmenterConfig) SilenceDuration() time.Duration {
	return time.Duration(c.SilenceDurationMS) * time.Millisecond
}

func (c RecognizerConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-asr",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Host:           "0.0.0.0",
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "loqa-asr-1",
			Role:              "asr",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
			Capabilities: []NodeCapability{
				{Name: "asr.stream", Tier: "balanced"},
			},
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-asr.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		ASR: ASRConfig{
			Enabled:        true,
			PollIntervalMS: 500,
			Confidence:     0.99,
			VAD: VADConfig{
				Mode:            "webrtc",
				Aggressiveness:  3,
				EnergyThreshold: 0.01,
			},
			Segmenter: SegmenterConfig{
				SilenceDurationMS: 1000,
				SilenceThreshold:  0.75,
				MinWindowBytes:    10,
			},
			Recognizer: RecognizerConfig{
				Mode:      "mock",
				Language:  "en",
				MaxTokens: 256,
				Threads:   4,
				TimeoutMS: 45000,
			},
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideString(&cfg.Bus.Host, "LOQA_BUS_HOST")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "LOQA_NODE_ID")
	overrideString(&cfg.Node.Role, "LOQA_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "LOQA_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "LOQA_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideBool(&cfg.ASR.Enabled, "LOQA_ASR_ENABLED")
	overrideInt(&cfg.ASR.PollIntervalMS, "LOQA_ASR_POLL_INTERVAL_MS")
	overrideFloat(&cfg.ASR.Confidence, "LOQA_ASR_CONFIDENCE")
	overrideString(&cfg.ASR.VAD.Mode, "LOQA_ASR_VAD_MODE")
	overrideInt(&cfg.ASR.VAD.Aggressiveness, "LOQA_ASR_VAD_AGGRESSIVENESS")
	overrideFloat(&cfg.ASR.VAD.EnergyThreshold, "LOQA_ASR_VAD_ENERGY_THRESHOLD")
	overrideInt(&cfg.ASR.Segmenter.SilenceDurationMS, "LOQA_ASR_SILENCE_DURATION_MS")
	overrideFloat(&cfg.ASR.Segmenter.SilenceThreshold, "LOQA_ASR_SILENCE_THRESHOLD")
	overrideInt(&cfg.ASR.Segmenter.MinWindowBytes, "LOQA_ASR_MIN_WINDOW_BYTES")
	overrideString(&cfg.ASR.Recognizer.Mode, "LOQA_ASR_RECOGNIZER_MODE")
	overrideString(&cfg.ASR.Recognizer.Command, "LOQA_ASR_RECOGNIZER_COMMAND")
	overrideString(&cfg.ASR.Recognizer.ModelPath, "LOQA_ASR_RECOGNIZER_MODEL_PATH")
	overrideString(&cfg.ASR.Recognizer.Language, "LOQA_ASR_RECOGNIZER_LANGUAGE")
	overrideInt(&cfg.ASR.Recognizer.MaxTokens, "LOQA_ASR_RECOGNIZER_MAX_TOKENS")
	overrideInt(&cfg.ASR.Recognizer.Threads, "LOQA_ASR_RECOGNIZER_THREADS")
	overrideInt(&cfg.ASR.Recognizer.TimeoutMS, "LOQA_ASR_RECOGNIZER_TIMEOUT_MS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

// Validate checks a configuration that was assembled outside Load.
func Validate(cfg Config) error {
	return validate(cfg)
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Node.ID == "" {
		return errors.New("node.id must not be empty")
	}
	if cfg.Node.HeartbeatInterval <= 0 {
		return errors.New("node.heartbeat_interval_ms must be positive")
	}
	if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
		return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.ASR.Enabled {
		if err := validateASR(cfg.ASR); err != nil {
			return err
		}
	}
	return nil
}

func validateASR(cfg ASRConfig) error {
	if cfg.PollIntervalMS <= 0 {
		return errors.New("asr.poll_interval_ms must be positive")
	}
	if cfg.Confidence <= 0 || cfg.Confidence > 1 {
		return errors.New("asr.confidence must be in (0, 1]")
	}
	switch cfg.VAD.Mode {
	case "webrtc":
		if cfg.VAD.Aggressiveness < 0 || cfg.VAD.Aggressiveness > 3 {
			return errors.New("asr.vad.aggressiveness must be between 0 and 3")
		}
	case "energy":
		if cfg.VAD.EnergyThreshold <= 0 || cfg.VAD.EnergyThreshold >= 1 {
			return errors.New("asr.vad.energy_threshold must be between 0 and 1")
		}
	default:
		return errors.New("asr.vad.mode must be one of webrtc|energy")
	}
	if cfg.Segmenter.SilenceDurationMS <= 0 {
		return errors.New("asr.segmenter.silence_duration_ms must be positive")
	}
	if cfg.Segmenter.SilenceThreshold <= 0 || cfg.Segmenter.SilenceThreshold > 1 {
		return errors.New("asr.segmenter.silence_threshold must be in (0, 1]")
	}
	if cfg.Segmenter.MinWindowBytes < 0 {
		return errors.New("asr.segmenter.min_window_bytes must be >= 0")
	}
	switch cfg.Recognizer.Mode {
	case "mock":
	case "exec":
		if cfg.Recognizer.Command == "" {
			return errors.New("asr.recognizer.command must be set when mode=exec")
		}
	case "whisper":
		if cfg.Recognizer.ModelPath == "" {
			return errors.New("asr.recognizer.model_path must be set when mode=whisper")
		}
	default:
		return errors.New("asr.recognizer.mode must be one of mock|exec|whisper")
	}
	if cfg.Recognizer.MaxTokens < 0 {
		return errors.New("asr.recognizer.max_tokens must be >= 0")
	}
	if cfg.Recognizer.TimeoutMS < 0 {
		return errors.New("asr.recognizer.timeout_ms must be >= 0")
	}
	return nil
}
