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
	Speech      SpeechConfig     `yaml:"speech"`
	Controls    ControlsConfig   `yaml:"controls"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
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

type SpeechConfig struct {
	Enabled            bool          `yaml:"enabled"`
	Mode               string        `yaml:"mode"` // mock, exec
	Command            string        `yaml:"command"`
	Voice              string        `yaml:"voice"`
	Voices             []VoiceConfig `yaml:"voices"`
	SampleRate         int           `yaml:"sample_rate"`
	RenderQuantum      int           `yaml:"render_quantum"`
	AnalyserSize       int           `yaml:"analyser_size"`
	VoicesDelayMS      int           `yaml:"voices_delay_ms"`
	WaveformIntervalMS int           `yaml:"waveform_interval_ms"`
	RequestTimeoutMS   int           `yaml:"request_timeout_ms"`
	RecordPath         string        `yaml:"record_path"`
	PrivacyScope       string        `yaml:"privacy_scope"`
}

type VoiceConfig struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Language string `yaml:"language"`
}

type ControlsConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Themes    []string `yaml:"themes"`
	Cameras   []string `yaml:"cameras"`
	Presets   []string `yaml:"presets"`
	ScrollMax float64  `yaml:"scroll_max"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-visualizer",
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
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-visualizer.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Speech: SpeechConfig{
			Enabled: true,
			Mode:    "mock",
			Voice:   "en-US",
			Voices: []VoiceConfig{
				{ID: "en-US", Name: "English (US)", Language: "en-US"},
			},
			SampleRate:         24000,
			RenderQuantum:      480,
			AnalyserSize:       1024,
			VoicesDelayMS:      50,
			WaveformIntervalMS: 50,
			RequestTimeoutMS:   45000,
			PrivacyScope:       "internal",
		},
		Controls: ControlsConfig{
			Enabled:   true,
			Themes:    []string{"midnight", "daylight", "neon"},
			Cameras:   []string{"orbit", "front", "top"},
			Presets:   []string{"bars", "ring", "wave", "particles"},
			ScrollMax: 2000,
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
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideBool(&cfg.Speech.Enabled, "LOQA_SPEECH_ENABLED")
	overrideString(&cfg.Speech.Mode, "LOQA_SPEECH_MODE")
	overrideString(&cfg.Speech.Command, "LOQA_SPEECH_COMMAND")
	overrideString(&cfg.Speech.Voice, "LOQA_SPEECH_VOICE")
	overrideInt(&cfg.Speech.SampleRate, "LOQA_SPEECH_SAMPLE_RATE")
	overrideInt(&cfg.Speech.RenderQuantum, "LOQA_SPEECH_RENDER_QUANTUM")
	overrideInt(&cfg.Speech.AnalyserSize, "LOQA_SPEECH_ANALYSER_SIZE")
	overrideInt(&cfg.Speech.VoicesDelayMS, "LOQA_SPEECH_VOICES_DELAY_MS")
	overrideInt(&cfg.Speech.WaveformIntervalMS, "LOQA_SPEECH_WAVEFORM_INTERVAL_MS")
	overrideInt(&cfg.Speech.RequestTimeoutMS, "LOQA_SPEECH_REQUEST_TIMEOUT_MS")
	overrideString(&cfg.Speech.RecordPath, "LOQA_SPEECH_RECORD_PATH")
	overrideString(&cfg.Speech.PrivacyScope, "LOQA_SPEECH_PRIVACY_SCOPE")
	overrideBool(&cfg.Controls.Enabled, "LOQA_CONTROLS_ENABLED")
	overrideStringSlice(&cfg.Controls.Themes, "LOQA_CONTROLS_THEMES")
	overrideStringSlice(&cfg.Controls.Cameras, "LOQA_CONTROLS_CAMERAS")
	overrideStringSlice(&cfg.Controls.Presets, "LOQA_CONTROLS_PRESETS")
	overrideFloat(&cfg.Controls.ScrollMax, "LOQA_CONTROLS_SCROLL_MAX")
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
	if cfg.Speech.Enabled {
		switch cfg.Speech.Mode {
		case "mock", "exec":
		default:
			return errors.New("speech.mode must be one of mock|exec")
		}
		if cfg.Speech.Mode == "exec" && cfg.Speech.Command == "" {
			return errors.New("speech.command must be set when mode=exec")
		}
		if cfg.Speech.SampleRate <= 0 {
			return errors.New("speech.sample_rate must be positive")
		}
		if cfg.Speech.RenderQuantum <= 0 {
			return errors.New("speech.render_quantum must be positive")
		}
		if cfg.Speech.AnalyserSize <= 0 {
			return errors.New("speech.analyser_size must be positive")
		}
		if cfg.Speech.WaveformIntervalMS <= 0 {
			return errors.New("speech.waveform_interval_ms must be positive")
		}
		if cfg.Speech.VoicesDelayMS < 0 {
			return errors.New("speech.voices_delay_ms must be >= 0")
		}
		for i, v := range cfg.Speech.Voices {
			if v.ID == "" {
				return fmt.Errorf("speech.voices[%d].id must not be empty", i)
			}
		}
	}
	if cfg.Controls.Enabled {
		if len(cfg.Controls.Themes) == 0 {
			return errors.New("controls.themes must not be empty when controls are enabled")
		}
		if len(cfg.Controls.Cameras) == 0 {
			return errors.New("controls.cameras must not be empty when controls are enabled")
		}
		if len(cfg.Controls.Presets) == 0 {
			return errors.New("controls.presets must not be empty when controls are enabled")
		}
		if cfg.Controls.ScrollMax < 0 {
			return errors.New("controls.scroll_max must be >= 0")
		}
	}
	return nil
}
