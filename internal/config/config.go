package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	StoreDir       string   `yaml:"store_dir"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type JournalConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxTurns      int    `yaml:"max_turns"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type LLMConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	Model       string  `yaml:"model"`
	NumCtx      int     `yaml:"num_ctx"`
	Temperature float64 `yaml:"temperature"`
	TopP        float64 `yaml:"top_p"`
	// LocalOnly refuses non-loopback endpoints so chat content cannot
	// leave the machine by misconfiguration.
	LocalOnly bool `yaml:"local_only"`
}

type STTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Mode     string `yaml:"mode"` // mock, exec
	Command  string `yaml:"command"`
	Language string `yaml:"language"`
}

type TTSConfig struct {
	Enabled       bool    `yaml:"enabled"`
	Mode          string  `yaml:"mode"` // mock, exec
	Command       string  `yaml:"command"`
	Voice         string  `yaml:"voice"`
	Speed         float64 `yaml:"speed"`
	Language      string  `yaml:"language"`
	SampleRate    int     `yaml:"sample_rate"`
	Channels      int     `yaml:"channels"`
	MaxConcurrent int     `yaml:"max_concurrent"`
}

type TurnConfig struct {
	FinalizeTimeout int     `yaml:"finalize_timeout_ms"`
	EventBuffer     int     `yaml:"event_buffer"`
	ContextWarnPct  float64 `yaml:"context_warn_pct"`
}

type UploadConfig struct {
	MaxFileSizeMB int `yaml:"max_file_size_mb"`
	MaxPDFPages   int `yaml:"max_pdf_pages"`
}

type Config struct {
	AppName     string          `yaml:"app_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Store       StoreConfig     `yaml:"store"`
	Journal     JournalConfig   `yaml:"journal"`
	LLM         LLMConfig       `yaml:"llm"`
	STT         STTConfig       `yaml:"stt"`
	TTS         TTSConfig       `yaml:"tts"`
	Turn        TurnConfig      `yaml:"turn"`
	Upload      UploadConfig    `yaml:"upload"`
}

func Default() Config {
	return Config{
		AppName:     "voxconsole",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8990,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			StoreDir:       "./data/nats",
			ConnectTimeout: 2000,
		},
		Store: StoreConfig{
			Path: "./data/voxconsole.db",
		},
		Journal: JournalConfig{
			Path:          "./data/turn-journal.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxTurns:      10000,
		},
		LLM: LLMConfig{
			Endpoint:    "http://127.0.0.1:11434",
			Model:       "llama3.2:latest",
			NumCtx:      16000,
			Temperature: 0.4,
			TopP:        0.95,
			LocalOnly:   true,
		},
		STT: STTConfig{
			Enabled:  false,
			Mode:     "mock",
			Language: "en",
		},
		TTS: TTSConfig{
			Enabled:       true,
			Mode:          "mock",
			Voice:         "af_heart",
			Speed:         1.0,
			Language:      "en-us",
			SampleRate:    24000,
			Channels:      1,
			MaxConcurrent: 2,
		},
		Turn: TurnConfig{
			FinalizeTimeout: 10000,
			EventBuffer:     256,
			ContextWarnPct:  0.9,
		},
		Upload: UploadConfig{
			MaxFileSizeMB: 20,
			MaxPDFPages:   15,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// A fresh install has no config file; defaults plus env
			// overrides are enough to run.
		case err != nil:
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.AppName, "VOX_APP_NAME")
	overrideString(&cfg.Environment, "VOX_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "VOX_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "VOX_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "VOX_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "VOX_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "VOX_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Embedded, "VOX_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "VOX_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "VOX_BUS_SERVERS")
	overrideString(&cfg.Bus.StoreDir, "VOX_BUS_STORE_DIR")
	overrideInt(&cfg.Bus.ConnectTimeout, "VOX_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Store.Path, "VOX_STORE_PATH")
	overrideString(&cfg.Journal.Path, "VOX_JOURNAL_PATH")
	overrideString(&cfg.Journal.RetentionMode, "VOX_JOURNAL_RETENTION_MODE")
	overrideInt(&cfg.Journal.RetentionDays, "VOX_JOURNAL_RETENTION_DAYS")
	overrideInt(&cfg.Journal.MaxTurns, "VOX_JOURNAL_MAX_TURNS")
	overrideBool(&cfg.Journal.VacuumOnStart, "VOX_JOURNAL_VACUUM_ON_START")
	overrideString(&cfg.LLM.Endpoint, "VOX_LLM_ENDPOINT")
	overrideString(&cfg.LLM.Model, "VOX_LLM_MODEL")
	overrideInt(&cfg.LLM.NumCtx, "VOX_LLM_NUM_CTX")
	overrideFloat(&cfg.LLM.Temperature, "VOX_LLM_TEMPERATURE")
	overrideFloat(&cfg.LLM.TopP, "VOX_LLM_TOP_P")
	overrideBool(&cfg.LLM.LocalOnly, "VOX_LLM_LOCAL_ONLY")
	overrideBool(&cfg.STT.Enabled, "VOX_STT_ENABLED")
	overrideString(&cfg.STT.Mode, "VOX_STT_MODE")
	overrideString(&cfg.STT.Command, "VOX_STT_COMMAND")
	overrideString(&cfg.STT.Language, "VOX_STT_LANGUAGE")
	overrideBool(&cfg.TTS.Enabled, "VOX_TTS_ENABLED")
	overrideString(&cfg.TTS.Mode, "VOX_TTS_MODE")
	overrideString(&cfg.TTS.Command, "VOX_TTS_COMMAND")
	overrideString(&cfg.TTS.Voice, "VOX_TTS_VOICE")
	overrideFloat(&cfg.TTS.Speed, "VOX_TTS_SPEED")
	overrideString(&cfg.TTS.Language, "VOX_TTS_LANGUAGE")
	overrideInt(&cfg.TTS.SampleRate, "VOX_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.Channels, "VOX_TTS_CHANNELS")
	overrideInt(&cfg.TTS.MaxConcurrent, "VOX_TTS_MAX_CONCURRENT")
	overrideInt(&cfg.Turn.FinalizeTimeout, "VOX_TURN_FINALIZE_TIMEOUT_MS")
	overrideInt(&cfg.Turn.EventBuffer, "VOX_TURN_EVENT_BUFFER")
	overrideFloat(&cfg.Turn.ContextWarnPct, "VOX_TURN_CONTEXT_WARN_PCT")
	overrideInt(&cfg.Upload.MaxFileSizeMB, "VOX_UPLOAD_MAX_FILE_SIZE_MB")
	overrideInt(&cfg.Upload.MaxPDFPages, "VOX_UPLOAD_MAX_PDF_PAGES")
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

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
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

// isLoopbackEndpoint reports whether the URL points at the local machine.
func isLoopbackEndpoint(endpoint string) bool {
	if endpoint == "" {
		return true
	}
	raw := endpoint
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return false
	}
	host := parsed.Hostname()
	return host == "127.0.0.1" || host == "localhost" || host == "::1"
}

func validate(cfg Config) error {
	if cfg.AppName == "" {
		return errors.New("app_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else if len(cfg.Bus.Servers) == 0 {
		return errors.New("bus.servers must not be empty when embedded mode is disabled")
	}
	if cfg.Store.Path == "" {
		return errors.New("store.path must not be empty")
	}
	switch cfg.Journal.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		return errors.New("journal.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.Journal.RetentionMode != "ephemeral" && cfg.Journal.Path == "" {
		return errors.New("journal.path must not be empty")
	}
	if cfg.Journal.RetentionDays < 0 {
		return errors.New("journal.retention_days must be >= 0")
	}
	if cfg.LLM.Endpoint == "" {
		return errors.New("llm.endpoint must not be empty")
	}
	if cfg.LLM.LocalOnly && !isLoopbackEndpoint(cfg.LLM.Endpoint) {
		return fmt.Errorf("llm.endpoint %q is not loopback but llm.local_only is set", cfg.LLM.Endpoint)
	}
	if cfg.LLM.NumCtx <= 0 {
		return errors.New("llm.num_ctx must be positive")
	}
	if cfg.STT.Enabled {
		switch cfg.STT.Mode {
		case "mock", "exec":
		default:
			return errors.New("stt.mode must be one of mock|exec")
		}
		if cfg.STT.Mode == "exec" && cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
	}
	if cfg.TTS.Enabled {
		switch cfg.TTS.Mode {
		case "mock", "exec":
		default:
			return errors.New("tts.mode must be one of mock|exec")
		}
		if cfg.TTS.Mode == "exec" && cfg.TTS.Command == "" {
			return errors.New("tts.command must be set when mode=exec")
		}
		if cfg.TTS.SampleRate <= 0 {
			return errors.New("tts.sample_rate must be positive")
		}
		if cfg.TTS.Channels <= 0 {
			return errors.New("tts.channels must be positive")
		}
		if cfg.TTS.MaxConcurrent <= 0 {
			return errors.New("tts.max_concurrent must be >= 1")
		}
	}
	if cfg.Turn.FinalizeTimeout <= 0 {
		return errors.New("turn.finalize_timeout_ms must be positive")
	}
	if cfg.Turn.EventBuffer <= 0 {
		return errors.New("turn.event_buffer must be positive")
	}
	if cfg.Turn.ContextWarnPct <= 0 || cfg.Turn.ContextWarnPct > 1 {
		return errors.New("turn.context_warn_pct must be in (0, 1]")
	}
	if cfg.Upload.MaxFileSizeMB <= 0 {
		return errors.New("upload.max_file_size_mb must be positive")
	}
	return nil
}
