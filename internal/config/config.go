package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	StatePath       string        `envconfig:"STATE_PATH" default:"fetchq/queue.json"`
	ManifestPath    string        `envconfig:"MANIFEST_PATH"`
	BackupRetention time.Duration `envconfig:"BACKUP_RETENTION" default:"168h"`

	MaxParallel      int   `envconfig:"MAX_PARALLEL" default:"3"`
	GlobalRateLimit  int64 `envconfig:"GLOBAL_RATE_LIMIT"`   // bytes/sec, 0 = unlimited
	PerItemRateLimit int64 `envconfig:"PER_ITEM_RATE_LIMIT"` // bytes/sec, 0 = unlimited
	ProgressInterval int64 `envconfig:"PROGRESS_INTERVAL" default:"1048576"`

	RetryLimit        int           `envconfig:"RETRY_LIMIT" default:"3"`
	InitialBackoff    time.Duration `envconfig:"INITIAL_BACKOFF" default:"1s"`
	MaxBackoff        time.Duration `envconfig:"MAX_BACKOFF" default:"30s"`
	InactivityTimeout time.Duration `envconfig:"INACTIVITY_TIMEOUT"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"INFO"`

	Telemetry struct {
		Enabled     bool   `split_words:"true" default:"true"`
		BindAddress string `split_words:"true" default:"0.0.0.0:9464"`
	}
}

// LoadConfig reads a .env file when present, then populates the Config
// struct from environment variables.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("FETCHQ", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	return &cfg, nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
