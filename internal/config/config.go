package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var validate = validator.New()

// Journal modes
const (
	JournalEphemeral = "ephemeral"
	JournalSQLite    = "sqlite"
)

// Config is the server configuration. Values come from Default, then an
// optional YAML file, then the environment.
type Config struct {
	AppName       string `yaml:"app_name" env:"APP_NAME" validate:"required"`
	Environment   string `yaml:"environment" env:"APP_ENV" validate:"required"`
	Port          int    `yaml:"port" env:"PORT" validate:"gte=1,lte=65535"`
	PublicBaseURL string `yaml:"public_base_url" env:"PUBLIC_BASE_URL" validate:"omitempty,url"`
	CORSOrigins   string `yaml:"cors_origins" env:"CORS_ORIGINS"`
	LogLevel      string `yaml:"log_level" env:"LOG_LEVEL" validate:"oneof=debug info warn error"`

	TokenSecret    string        `yaml:"token_secret" env:"TOKEN_SECRET" validate:"required"`
	TokenTTL       time.Duration `yaml:"token_ttl" env:"TOKEN_TTL" validate:"gt=0"`
	ReservationTTL time.Duration `yaml:"reservation_ttl" env:"RESERVATION_TTL" validate:"gt=0"`

	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout" env:"HEARTBEAT_TIMEOUT" validate:"gt=0"`
	ReconnectGrace   time.Duration `yaml:"reconnect_grace" env:"RECONNECT_GRACE" validate:"gt=0"`
	RoomIdleTimeout  time.Duration `yaml:"room_idle_timeout" env:"ROOM_IDLE_TIMEOUT" validate:"gt=0"`
	ReaperInterval   time.Duration `yaml:"reaper_interval" env:"REAPER_INTERVAL" validate:"gt=0"`
	DedupWindow      time.Duration `yaml:"dedup_window" env:"DEDUP_WINDOW" validate:"gte=0"`
	AudioQueueDepth  int           `yaml:"audio_queue_depth" env:"AUDIO_QUEUE_DEPTH" validate:"gte=1,lte=1024"`

	UseMockLyria            bool   `yaml:"use_mock_lyria" env:"USE_MOCK_LYRIA"`
	GeminiAPIKey            string `yaml:"gemini_api_key" env:"GEMINI_API_KEY"`
	GeminiModel             string `yaml:"gemini_model" env:"GEMINI_MODEL" validate:"required"`
	GeminiEndpoint          string `yaml:"gemini_endpoint" env:"GEMINI_ENDPOINT" validate:"omitempty,url"`
	UpstreamConnectAttempts int    `yaml:"upstream_connect_attempts" env:"UPSTREAM_CONNECT_ATTEMPTS" validate:"gte=1,lte=10"`

	JournalMode string `yaml:"journal_mode" env:"JOURNAL_MODE" validate:"oneof=ephemeral sqlite"`
	JournalPath string `yaml:"journal_path" env:"JOURNAL_PATH" validate:"required_if=JournalMode sqlite"`

	SentryDSN      string `yaml:"sentry_dsn" env:"SENTRY_DSN"`
	MetricsEnabled bool   `yaml:"metrics_enabled" env:"METRICS_ENABLED"`
}

// Default returns the development defaults
func Default() Config {
	return Config{
		AppName:                 "lyeria",
		Environment:             "development",
		Port:                    8080,
		CORSOrigins:             "*",
		LogLevel:                "info",
		TokenSecret:             "change-me",
		TokenTTL:                24 * time.Hour,
		ReservationTTL:          30 * time.Second,
		HeartbeatTimeout:        60 * time.Second,
		ReconnectGrace:          30 * time.Second,
		RoomIdleTimeout:         30 * time.Minute,
		ReaperInterval:          20 * time.Second,
		DedupWindow:             5 * time.Second,
		AudioQueueDepth:         16,
		UseMockLyria:            true,
		GeminiModel:             "models/lyria-realtime-exp",
		UpstreamConnectAttempts: 3,
		JournalMode:             JournalEphemeral,
		JournalPath:             "./data/lyeria-journal.db",
		MetricsEnabled:          true,
	}
}

// Load builds the configuration. path may be empty.
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

	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return cfg, fmt.Errorf("failed to read environment: %w", err)
	}

	if err := validate.Struct(cfg); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// IsDevelopment reports whether the server runs in development mode
func (c Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// AllowedOrigins splits CORSOrigins into a list
func (c Config) AllowedOrigins() []string {
	var origins []string
	for _, o := range strings.Split(c.CORSOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}
