package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	DownloadDir string `envconfig:"DOWNLOAD_DIR" required:"true"`
	DBPath      string `envconfig:"DB_PATH" default:"downloads.db"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"INFO"`

	ContentAPIURL   string        `envconfig:"CONTENT_API_URL" required:"true"`
	ContentAPIToken string        `envconfig:"CONTENT_API_TOKEN"`
	ResolverTimeout time.Duration `envconfig:"RESOLVER_TIMEOUT" default:"30s"`
	ResolverRetries int           `envconfig:"RESOLVER_RETRIES" default:"3"`

	MaterializeWorkers int `envconfig:"MATERIALIZE_WORKERS" default:"8"`
	// ImageTimeout bounds a single image transfer. Zero means no limit.
	ImageTimeout time.Duration `envconfig:"IMAGE_TIMEOUT" default:"0s"`

	DiscordWebhookURL string `envconfig:"DISCORD_WEBHOOK_URL"`
	CleanupSchedule   string `envconfig:"CLEANUP_SCHEDULE" default:"@every 1h"`

	Telemetry struct {
		Enabled      bool   `split_words:"true" default:"true"`
		ServiceName  string `split_words:"true" default:"manhwa_downloader"`
		OTLPEndpoint string `envconfig:"OTLP_ENDPOINT"`
	}

	API struct {
		Username string `split_words:"true"`
		Password string `split_words:"true"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:9092"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the values envconfig cannot.
func (c *Config) Validate() error {
	if c.MaterializeWorkers < 1 {
		return fmt.Errorf("MATERIALIZE_WORKERS must be at least 1, got %d", c.MaterializeWorkers)
	}

	if c.ResolverRetries < 0 {
		return fmt.Errorf("RESOLVER_RETRIES must not be negative, got %d", c.ResolverRetries)
	}

	if c.ImageTimeout < 0 {
		return fmt.Errorf("IMAGE_TIMEOUT must not be negative, got %s", c.ImageTimeout)
	}

	if (c.API.Username == "") != (c.API.Password == "") {
		return fmt.Errorf("API_USERNAME and API_PASSWORD must be set together")
	}

	return nil
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
