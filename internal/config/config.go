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
	TraceStdout    bool   `yaml:"trace_stdout"`
}

type HTTPConfig struct {
	Bind           string   `yaml:"bind"`
	Port           int      `yaml:"port"`
	Surface        string   `yaml:"surface"` // primary, alternate, both
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Storage     StorageConfig    `yaml:"storage"`
	Acquire     AcquireConfig    `yaml:"acquire"`
	Audio       AudioConfig      `yaml:"audio"`
	STT         STTConfig        `yaml:"stt"`
	Cleaner     CleanerConfig    `yaml:"cleaner"`
	Bus         BusConfig        `yaml:"bus"`
	Router      RouterConfig     `yaml:"router"`
	Node        NodeConfig       `yaml:"node"`
	EventStore  EventStoreConfig `yaml:"event_store"`
}

type StorageConfig struct {
	UploadsDir     string `yaml:"uploads_dir"`
	TranscriptsDir string `yaml:"transcripts_dir"`
	FeedbackLog    string `yaml:"feedback_log"`
	MaxUploadBytes int64  `yaml:"max_upload_bytes"`
}

type AcquireConfig struct {
	FetchTimeoutMS    int    `yaml:"fetch_timeout_ms"`
	FetchRetries      int    `yaml:"fetch_retries"`
	MaxDownloadBytes  int64  `yaml:"max_download_bytes"`
	ExtractorCommand  string `yaml:"extractor_command"`
	ExtractTimeoutMS  int    `yaml:"extract_timeout_ms"`
	ObjectBucket      string `yaml:"object_bucket"`
	RemoteURLTemplate string `yaml:"remote_url_template"`
}

type AudioConfig struct {
	FFmpegPath string `yaml:"ffmpeg_path"`
	SampleRate int    `yaml:"sample_rate"`
}

type STTConfig struct {
	Engine            string `yaml:"engine"` // mock, exec, whisper
	Command           string `yaml:"command"`
	ModelDir          string `yaml:"model_dir"`
	ModelPattern      string `yaml:"model_pattern"`
	DefaultModelSize  string `yaml:"default_model_size"`
	DetectionWindowMS int    `yaml:"detection_window_ms"`
	DecodeTimeoutMS   int    `yaml:"decode_timeout_ms"`
	Threads           int    `yaml:"threads"`
}

type CleanerConfig struct {
	Mode         string  `yaml:"mode"` // openai, ollama, exec, mock, off
	Endpoint     string  `yaml:"endpoint"`
	Command      string  `yaml:"command"`
	Model        string  `yaml:"model"`
	APIKey       string  `yaml:"api_key"`
	SystemPrompt string  `yaml:"system_prompt"`
	MaxTokens    int     `yaml:"max_tokens"`
	Temperature  float64 `yaml:"temperature"`
	TimeoutMS    int     `yaml:"timeout_ms"`
	// RequestsPerMinute throttles service calls; 0 disables throttling.
	RequestsPerMinute int `yaml:"requests_per_minute"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
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

// RouterConfig controls the bus request surface. It needs bus.enabled.
type RouterConfig struct {
	Enabled       bool   `yaml:"enabled"`
	QueueGroup    string `yaml:"queue_group"`
	MaxConcurrent int    `yaml:"max_concurrent"`
	// MaxPending caps requests waiting for a free slot; later ones are
	// answered busy.
	MaxPending    int    `yaml:"max_pending"`
	TimeoutMS     int    `yaml:"timeout_ms"`
}

// NodeConfig identifies this instance to its peers on the bus.
type NodeConfig struct {
	ID                  string `yaml:"id"`
	HeartbeatIntervalMS int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeoutMS  int    `yaml:"heartbeat_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxRequests   int    `yaml:"max_requests"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

const DefaultSystemPrompt = "You are a helpful assistant that cleans and improves transcription text."

func Default() Config {
	return Config{
		RuntimeName: "lovanote",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind:           "0.0.0.0",
			Port:           5000,
			Surface:        "both",
			AllowedOrigins: []string{"*"},
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Storage: StorageConfig{
			UploadsDir:     "./uploads",
			TranscriptsDir: "./transcriptions",
			FeedbackLog:    "./feedback_logs.txt",
			MaxUploadBytes: 200 << 20,
		},
		Acquire: AcquireConfig{
			FetchTimeoutMS:    60000,
			FetchRetries:      2,
			MaxDownloadBytes:  500 << 20,
			ExtractorCommand:  "yt-dlp -x --audio-format mp3 --audio-quality 192K --no-playlist",
			ExtractTimeoutMS:  300000,
			ObjectBucket:      "lovanote-audio",
			RemoteURLTemplate: "",
		},
		Audio: AudioConfig{
			FFmpegPath: "ffmpeg",
			SampleRate: 16000,
		},
		STT: STTConfig{
			Engine:            "mock",
			ModelDir:          "./models",
			ModelPattern:      "ggml-%s.bin",
			DefaultModelSize:  "large-v3",
			DetectionWindowMS: 30000,
			DecodeTimeoutMS:   600000,
			Threads:           4,
		},
		Cleaner: CleanerConfig{
			Mode:         "openai",
			Endpoint:     "",
			Model:        "gpt-4o",
			SystemPrompt: DefaultSystemPrompt,
			MaxTokens:    1500,
			Temperature:  0.2,
			TimeoutMS:    30000,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Router: RouterConfig{
			Enabled:       false,
			QueueGroup:    "lovanote-workers",
			MaxConcurrent: 2,
			MaxPending:    8,
			TimeoutMS:     900000,
		},
		Node: NodeConfig{
			HeartbeatIntervalMS: 2000,
			HeartbeatTimeoutMS:  6000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/lovanote-events.db",
			RetentionMode: "ephemeral",
			RetentionDays: 30,
			MaxRequests:   10000,
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
	if cfg.Cleaner.APIKey == "" {
		overrideString(&cfg.Cleaner.APIKey, "OPENAI_API_KEY")
	}
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOVANOTE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOVANOTE_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOVANOTE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOVANOTE_HTTP_PORT")
	overrideString(&cfg.HTTP.Surface, "LOVANOTE_HTTP_SURFACE")
	overrideStringSlice(&cfg.HTTP.AllowedOrigins, "LOVANOTE_HTTP_ALLOWED_ORIGINS")
	overrideString(&cfg.Telemetry.LogLevel, "LOVANOTE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOVANOTE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOVANOTE_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOVANOTE_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Telemetry.TraceStdout, "LOVANOTE_TELEMETRY_TRACE_STDOUT")
	overrideString(&cfg.Storage.UploadsDir, "LOVANOTE_STORAGE_UPLOADS_DIR")
	overrideString(&cfg.Storage.TranscriptsDir, "LOVANOTE_STORAGE_TRANSCRIPTS_DIR")
	overrideString(&cfg.Storage.FeedbackLog, "LOVANOTE_STORAGE_FEEDBACK_LOG")
	overrideInt64(&cfg.Storage.MaxUploadBytes, "LOVANOTE_STORAGE_MAX_UPLOAD_BYTES")
	overrideInt(&cfg.Acquire.FetchTimeoutMS, "LOVANOTE_ACQUIRE_FETCH_TIMEOUT_MS")
	overrideInt(&cfg.Acquire.FetchRetries, "LOVANOTE_ACQUIRE_FETCH_RETRIES")
	overrideInt64(&cfg.Acquire.MaxDownloadBytes, "LOVANOTE_ACQUIRE_MAX_DOWNLOAD_BYTES")
	overrideString(&cfg.Acquire.ExtractorCommand, "LOVANOTE_ACQUIRE_EXTRACTOR_COMMAND")
	overrideInt(&cfg.Acquire.ExtractTimeoutMS, "LOVANOTE_ACQUIRE_EXTRACT_TIMEOUT_MS")
	overrideString(&cfg.Acquire.ObjectBucket, "LOVANOTE_ACQUIRE_OBJECT_BUCKET")
	overrideString(&cfg.Acquire.RemoteURLTemplate, "LOVANOTE_ACQUIRE_REMOTE_URL_TEMPLATE")
	overrideString(&cfg.Audio.FFmpegPath, "LOVANOTE_AUDIO_FFMPEG_PATH")
	overrideInt(&cfg.Audio.SampleRate, "LOVANOTE_AUDIO_SAMPLE_RATE")
	overrideString(&cfg.STT.Engine, "LOVANOTE_STT_ENGINE")
	overrideString(&cfg.STT.Command, "LOVANOTE_STT_COMMAND")
	overrideString(&cfg.STT.ModelDir, "LOVANOTE_STT_MODEL_DIR")
	overrideString(&cfg.STT.ModelPattern, "LOVANOTE_STT_MODEL_PATTERN")
	overrideString(&cfg.STT.DefaultModelSize, "LOVANOTE_STT_DEFAULT_MODEL_SIZE")
	overrideInt(&cfg.STT.DetectionWindowMS, "LOVANOTE_STT_DETECTION_WINDOW_MS")
	overrideInt(&cfg.STT.DecodeTimeoutMS, "LOVANOTE_STT_DECODE_TIMEOUT_MS")
	overrideInt(&cfg.STT.Threads, "LOVANOTE_STT_THREADS")
	overrideString(&cfg.Cleaner.Mode, "LOVANOTE_CLEANER_MODE")
	overrideString(&cfg.Cleaner.Endpoint, "LOVANOTE_CLEANER_ENDPOINT")
	overrideString(&cfg.Cleaner.Command, "LOVANOTE_CLEANER_COMMAND")
	overrideString(&cfg.Cleaner.Model, "LOVANOTE_CLEANER_MODEL")
	overrideString(&cfg.Cleaner.APIKey, "LOVANOTE_CLEANER_API_KEY")
	overrideString(&cfg.Cleaner.SystemPrompt, "LOVANOTE_CLEANER_SYSTEM_PROMPT")
	overrideInt(&cfg.Cleaner.MaxTokens, "LOVANOTE_CLEANER_MAX_TOKENS")
	overrideFloat(&cfg.Cleaner.Temperature, "LOVANOTE_CLEANER_TEMPERATURE")
	overrideInt(&cfg.Cleaner.TimeoutMS, "LOVANOTE_CLEANER_TIMEOUT_MS")
	overrideInt(&cfg.Cleaner.RequestsPerMinute, "LOVANOTE_CLEANER_REQUESTS_PER_MINUTE")
	overrideBool(&cfg.Bus.Enabled, "LOVANOTE_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOVANOTE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOVANOTE_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOVANOTE_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOVANOTE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOVANOTE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOVANOTE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOVANOTE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOVANOTE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOVANOTE_BUS_CONNECT_TIMEOUT_MS")
	overrideBool(&cfg.Router.Enabled, "LOVANOTE_ROUTER_ENABLED")
	overrideString(&cfg.Router.QueueGroup, "LOVANOTE_ROUTER_QUEUE_GROUP")
	overrideInt(&cfg.Router.MaxConcurrent, "LOVANOTE_ROUTER_MAX_CONCURRENT")
	overrideInt(&cfg.Router.MaxPending, "LOVANOTE_ROUTER_MAX_PENDING")
	overrideInt(&cfg.Router.TimeoutMS, "LOVANOTE_ROUTER_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "LOVANOTE_NODE_ID")
	overrideInt(&cfg.Node.HeartbeatIntervalMS, "LOVANOTE_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeoutMS, "LOVANOTE_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOVANOTE_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOVANOTE_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOVANOTE_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxRequests, "LOVANOTE_EVENT_STORE_MAX_REQUESTS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOVANOTE_EVENT_STORE_VACUUM_ON_START")
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

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

// Millis converts a millisecond config value to a duration.
func Millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch cfg.HTTP.Surface {
	case "primary", "alternate", "both":
	default:
		return errors.New("http.surface must be one of primary|alternate|both")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Storage.UploadsDir == "" || cfg.Storage.TranscriptsDir == "" {
		return errors.New("storage.uploads_dir and storage.transcripts_dir must not be empty")
	}
	if cfg.Storage.MaxUploadBytes <= 0 {
		return errors.New("storage.max_upload_bytes must be positive")
	}
	if cfg.Acquire.FetchTimeoutMS <= 0 {
		return errors.New("acquire.fetch_timeout_ms must be positive")
	}
	if cfg.Acquire.FetchRetries < 0 {
		return errors.New("acquire.fetch_retries must be >= 0")
	}
	if cfg.Acquire.ExtractTimeoutMS <= 0 {
		return errors.New("acquire.extract_timeout_ms must be positive")
	}
	if cfg.Audio.SampleRate <= 0 {
		return errors.New("audio.sample_rate must be positive")
	}
	switch cfg.STT.Engine {
	case "mock", "exec", "whisper":
	default:
		return errors.New("stt.engine must be one of mock|exec|whisper")
	}
	if cfg.STT.Engine == "exec" && cfg.STT.Command == "" {
		return errors.New("stt.command must be set when engine=exec")
	}
	if cfg.STT.Engine == "whisper" && cfg.STT.ModelDir == "" {
		return errors.New("stt.model_dir must be set when engine=whisper")
	}
	if cfg.STT.DetectionWindowMS <= 0 {
		return errors.New("stt.detection_window_ms must be positive")
	}
	if cfg.STT.DecodeTimeoutMS <= 0 {
		return errors.New("stt.decode_timeout_ms must be positive")
	}
	if t := cfg.Acquire.RemoteURLTemplate; t != "" && strings.Count(t, "%s") != 1 {
		return errors.New("acquire.remote_url_template must contain exactly one %s")
	}
	switch cfg.Cleaner.Mode {
	case "openai", "ollama", "exec", "mock", "off":
	default:
		return errors.New("cleaner.mode must be one of openai|ollama|exec|mock|off")
	}
	if cfg.Cleaner.Mode == "ollama" && cfg.Cleaner.Endpoint == "" {
		return errors.New("cleaner.endpoint must be set when mode=ollama")
	}
	if cfg.Cleaner.Mode == "exec" && cfg.Cleaner.Command == "" {
		return errors.New("cleaner.command must be set when mode=exec")
	}
	if cfg.Cleaner.MaxTokens < 0 {
		return errors.New("cleaner.max_tokens must be >= 0")
	}
	if cfg.Cleaner.RequestsPerMinute < 0 {
		return errors.New("cleaner.requests_per_minute must be >= 0")
	}
	if cfg.Cleaner.TimeoutMS <= 0 {
		return errors.New("cleaner.timeout_ms must be positive")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Router.Enabled {
		if !cfg.Bus.Enabled {
			return errors.New("router.enabled requires bus.enabled")
		}
		if cfg.Router.MaxConcurrent <= 0 {
			return errors.New("router.max_concurrent must be positive")
		}
		if cfg.Router.MaxPending < 0 {
			return errors.New("router.max_pending must not be negative")
		}
		if cfg.Router.TimeoutMS <= 0 {
			return errors.New("router.timeout_ms must be positive")
		}
	}
	if cfg.Bus.Enabled {
		if cfg.Node.HeartbeatIntervalMS <= 0 {
			return errors.New("node.heartbeat_interval_ms must be positive")
		}
		if cfg.Node.HeartbeatTimeoutMS <= cfg.Node.HeartbeatIntervalMS {
			return errors.New("node.heartbeat_timeout_ms must exceed node.heartbeat_interval_ms")
		}
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionMode != "ephemeral" && cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	return nil
}
