package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

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
	EventStore  EventStoreConfig `yaml:"event_store"`
	Segmenter   SegmenterConfig  `yaml:"segmenter"`
	Pool        PoolConfig       `yaml:"pool"`
	Synth       SynthConfig      `yaml:"synth"`
	Transcode   TranscodeConfig  `yaml:"transcode"`
	Delivery    DeliveryConfig   `yaml:"delivery"`
	Bot         BotConfig        `yaml:"bot"`
	Presence    PresenceConfig   `yaml:"presence"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	MaxPayload     int      `yaml:"max_payload_bytes"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// SegmenterConfig bounds the size of a single synthesized part.
type SegmenterConfig struct {
	MaxChars int `yaml:"max_chars"`
}

type PoolConfig struct {
	Workers int    `yaml:"workers"`
	TempDir string `yaml:"temp_dir"`
}

type SynthConfig struct {
	Mode       string `yaml:"mode"` // mock, exec
	Command    string `yaml:"command"`
	Voice      string `yaml:"voice"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
	TimeoutMS  int    `yaml:"timeout_ms"`
}

type TranscodeConfig struct {
	Mode       string `yaml:"mode"` // copy, exec
	Command    string `yaml:"command"`
	Codec      string `yaml:"codec"`
	Bitrate    string `yaml:"bitrate"`
	SampleRate int    `yaml:"sample_rate"`
	Extension  string `yaml:"extension"`
	TimeoutMS  int    `yaml:"timeout_ms"`
}

type DeliveryConfig struct {
	MaxAttempts      int   `yaml:"max_attempts"`
	BaseDelayMS      int   `yaml:"base_delay_ms"`
	MaxDelayMS       int   `yaml:"max_delay_ms"`
	AttemptTimeoutMS int   `yaml:"attempt_timeout_ms"`
	MaxArtifactBytes int64 `yaml:"max_artifact_bytes"`
}

type BotConfig struct {
	Enabled bool `yaml:"enabled"`
}

// PresenceConfig controls the heartbeat the gateway uses to see the narrator.
type PresenceConfig struct {
	InstanceID          string `yaml:"instance_id"`
	HeartbeatIntervalMS int    `yaml:"heartbeat_interval_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-narrator",
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
			Port:           4222,
			Host:           "0.0.0.0",
			MaxPayload:     64 << 20,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/narrator-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Segmenter: SegmenterConfig{
			MaxChars: 10000,
		},
		Pool: PoolConfig{
			Workers: 2,
			TempDir: os.TempDir(),
		},
		Synth: SynthConfig{
			Mode:       "mock",
			SampleRate: 22050,
			Channels:   1,
			TimeoutMS:  120000,
		},
		Transcode: TranscodeConfig{
			Mode:       "copy",
			Command:    "ffmpeg",
			Codec:      "libmp3lame",
			Bitrate:    "64k",
			SampleRate: 22050,
			Extension:  "mp3",
			TimeoutMS:  60000,
		},
		Delivery: DeliveryConfig{
			MaxAttempts:      3,
			BaseDelayMS:      2000,
			MaxDelayMS:       30000,
			AttemptTimeoutMS: 30000,
			MaxArtifactBytes: 45 << 20,
		},
		Bot: BotConfig{
			Enabled: true,
		},
		Presence: PresenceConfig{
			HeartbeatIntervalMS: 5000,
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
	overrideString(&cfg.RuntimeName, "NARRATOR_RUNTIME_NAME")
	overrideString(&cfg.Environment, "NARRATOR_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "NARRATOR_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "NARRATOR_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "NARRATOR_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "NARRATOR_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "NARRATOR_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "NARRATOR_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "NARRATOR_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "NARRATOR_BUS_PORT")
	overrideString(&cfg.Bus.Host, "NARRATOR_BUS_HOST")
	overrideInt(&cfg.Bus.MaxPayload, "NARRATOR_BUS_MAX_PAYLOAD_BYTES")
	overrideStringSlice(&cfg.Bus.Servers, "NARRATOR_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "NARRATOR_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "NARRATOR_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "NARRATOR_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "NARRATOR_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "NARRATOR_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "NARRATOR_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "NARRATOR_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "NARRATOR_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "NARRATOR_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "NARRATOR_EVENT_STORE_VACUUM_ON_START")
	overrideInt(&cfg.Segmenter.MaxChars, "NARRATOR_SEGMENTER_MAX_CHARS")
	overrideInt(&cfg.Pool.Workers, "NARRATOR_POOL_WORKERS")
	overrideString(&cfg.Pool.TempDir, "NARRATOR_POOL_TEMP_DIR")
	overrideString(&cfg.Synth.Mode, "NARRATOR_SYNTH_MODE")
	overrideString(&cfg.Synth.Command, "NARRATOR_SYNTH_COMMAND")
	overrideString(&cfg.Synth.Voice, "NARRATOR_SYNTH_VOICE")
	overrideInt(&cfg.Synth.SampleRate, "NARRATOR_SYNTH_SAMPLE_RATE")
	overrideInt(&cfg.Synth.Channels, "NARRATOR_SYNTH_CHANNELS")
	overrideInt(&cfg.Synth.TimeoutMS, "NARRATOR_SYNTH_TIMEOUT_MS")
	overrideString(&cfg.Transcode.Mode, "NARRATOR_TRANSCODE_MODE")
	overrideString(&cfg.Transcode.Command, "NARRATOR_TRANSCODE_COMMAND")
	overrideString(&cfg.Transcode.Codec, "NARRATOR_TRANSCODE_CODEC")
	overrideString(&cfg.Transcode.Bitrate, "NARRATOR_TRANSCODE_BITRATE")
	overrideInt(&cfg.Transcode.SampleRate, "NARRATOR_TRANSCODE_SAMPLE_RATE")
	overrideString(&cfg.Transcode.Extension, "NARRATOR_TRANSCODE_EXTENSION")
	overrideInt(&cfg.Transcode.TimeoutMS, "NARRATOR_TRANSCODE_TIMEOUT_MS")
	overrideInt(&cfg.Delivery.MaxAttempts, "NARRATOR_DELIVERY_MAX_ATTEMPTS")
	overrideInt(&cfg.Delivery.BaseDelayMS, "NARRATOR_DELIVERY_BASE_DELAY_MS")
	overrideInt(&cfg.Delivery.MaxDelayMS, "NARRATOR_DELIVERY_MAX_DELAY_MS")
	overrideInt(&cfg.Delivery.AttemptTimeoutMS, "NARRATOR_DELIVERY_ATTEMPT_TIMEOUT_MS")
	overrideInt64(&cfg.Delivery.MaxArtifactBytes, "NARRATOR_DELIVERY_MAX_ARTIFACT_BYTES")
	overrideBool(&cfg.Bot.Enabled, "NARRATOR_BOT_ENABLED")
	overrideString(&cfg.Presence.InstanceID, "NARRATOR_PRESENCE_INSTANCE_ID")
	overrideInt(&cfg.Presence.HeartbeatIntervalMS, "NARRATOR_PRESENCE_HEARTBEAT_INTERVAL_MS")
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

func overrideInt64(target *int64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
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
	if cfg.Bus.MaxPayload < 0 {
		return errors.New("bus.max_payload_bytes must be >= 0")
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
	if cfg.Segmenter.MaxChars <= 0 {
		return errors.New("segmenter.max_chars must be positive")
	}
	if cfg.Pool.Workers <= 0 {
		return errors.New("pool.workers must be >= 1")
	}
	if cfg.Pool.TempDir == "" {
		return errors.New("pool.temp_dir must not be empty")
	}
	switch cfg.Synth.Mode {
	case "mock", "exec":
	default:
		return errors.New("synth.mode must be one of mock|exec")
	}
	if cfg.Synth.Mode == "exec" && cfg.Synth.Command == "" {
		return errors.New("synth.command must be set when mode=exec")
	}
	if cfg.Synth.SampleRate <= 0 {
		return errors.New("synth.sample_rate must be positive")
	}
	if cfg.Synth.Channels <= 0 {
		return errors.New("synth.channels must be positive")
	}
	switch cfg.Transcode.Mode {
	case "copy", "exec":
	default:
		return errors.New("transcode.mode must be one of copy|exec")
	}
	if cfg.Transcode.Mode == "exec" && cfg.Transcode.Command == "" {
		return errors.New("transcode.command must be set when mode=exec")
	}
	if cfg.Transcode.TimeoutMS <= 0 {
		return errors.New("transcode.timeout_ms must be positive")
	}
	if cfg.Delivery.MaxAttempts <= 0 {
		return errors.New("delivery.max_attempts must be >= 1")
	}
	if cfg.Delivery.BaseDelayMS < 0 {
		return errors.New("delivery.base_delay_ms must be >= 0")
	}
	if cfg.Delivery.MaxDelayMS > 0 && cfg.Delivery.MaxDelayMS < cfg.Delivery.BaseDelayMS {
		return errors.New("delivery.max_delay_ms must not be below base_delay_ms")
	}
	if cfg.Delivery.AttemptTimeoutMS <= 0 {
		return errors.New("delivery.attempt_timeout_ms must be positive")
	}
	if cfg.Delivery.MaxArtifactBytes <= 0 {
		return errors.New("delivery.max_artifact_bytes must be positive")
	}
	if cfg.Bus.MaxPayload > 0 && EncodedUploadSize(cfg.Delivery.MaxArtifactBytes) > int64(cfg.Bus.MaxPayload) {
		return fmt.Errorf("delivery.max_artifact_bytes %d does not fit bus.max_payload_bytes %d once encoded (%d bytes)",
			cfg.Delivery.MaxArtifactBytes, cfg.Bus.MaxPayload, EncodedUploadSize(cfg.Delivery.MaxArtifactBytes))
	}
	if cfg.Presence.HeartbeatIntervalMS <= 0 {
		return errors.New("presence.heartbeat_interval_ms must be positive")
	}
	return nil
}

// uploadFraming covers the JSON envelope around an upload's audio bytes.
const uploadFraming = 64 << 10

// EncodedUploadSize is the bus message size of an upload carrying n bytes of
// audio, which travels base64 encoded.
func EncodedUploadSize(n int64) int64 {
	return (n+2)/3*4 + uploadFraming
}
