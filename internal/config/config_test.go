package config

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()

	t.Setenv("DOWNLOAD_DIR", "/data/manhwa")
	t.Setenv("CONTENT_API_URL", "https://api.example.com")
}

func TestLoadConfig_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "/data/manhwa", cfg.DownloadDir)
	assert.Equal(t, "downloads.db", cfg.DBPath)
	assert.Equal(t, 8, cfg.MaterializeWorkers)
	assert.Equal(t, time.Duration(0), cfg.ImageTimeout)
	assert.Equal(t, 30*time.Second, cfg.ResolverTimeout)
	assert.Equal(t, 3, cfg.ResolverRetries)
	assert.Equal(t, "@every 1h", cfg.CleanupSchedule)
	assert.True(t, cfg.Telemetry.Enabled)
	assert.Equal(t, "manhwa_downloader", cfg.Telemetry.ServiceName)
	assert.Equal(t, "0.0.0.0:9092", cfg.Web.BindAddress)
	assert.Equal(t, 30*time.Second, cfg.Web.ShutdownTimeout)
	assert.Equal(t, slog.LevelInfo, cfg.SlogLevel())
}

func TestLoadConfig_Overrides(t *testing.T) {
	setRequired(t)
	t.Setenv("MATERIALIZE_WORKERS", "4")
	t.Setenv("IMAGE_TIMEOUT", "2m")
	t.Setenv("CONTENT_API_TOKEN", "token")
	t.Setenv("TELEMETRY_ENABLED", "false")
	t.Setenv("TELEMETRY_OTLP_ENDPOINT", "collector:4317")
	t.Setenv("API_USERNAME", "reader")
	t.Setenv("API_PASSWORD", "secret")
	t.Setenv("WEB_BIND_ADDRESS", "127.0.0.1:8080")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.MaterializeWorkers)
	assert.Equal(t, 2*time.Minute, cfg.ImageTimeout)
	assert.Equal(t, "token", cfg.ContentAPIToken)
	assert.False(t, cfg.Telemetry.Enabled)
	assert.Equal(t, "collector:4317", cfg.Telemetry.OTLPEndpoint)
	assert.Equal(t, "reader", cfg.API.Username)
	assert.Equal(t, "secret", cfg.API.Password)
	assert.Equal(t, "127.0.0.1:8080", cfg.Web.BindAddress)
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
}

func TestLoadConfig_MissingRequired(t *testing.T) {
	// Setenv registers the restore; the variables must be absent, not empty.
	t.Setenv("DOWNLOAD_DIR", "")
	t.Setenv("CONTENT_API_URL", "")
	require.NoError(t, os.Unsetenv("DOWNLOAD_DIR"))
	require.NoError(t, os.Unsetenv("CONTENT_API_URL"))

	_, err := LoadConfig()
	assert.Error(t, err)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := map[string]map[string]string{
		"zero workers":     {"MATERIALIZE_WORKERS": "0"},
		"negative retries": {"RESOLVER_RETRIES": "-1"},
		"negative timeout": {"IMAGE_TIMEOUT": "-1s"},
		"half credentials": {"API_USERNAME": "reader"},
	}

	for name, env := range tests {
		t.Run(name, func(t *testing.T) {
			setRequired(t)

			for k, v := range env {
				t.Setenv(k, v)
			}

			_, err := LoadConfig()
			assert.Error(t, err)
		})
	}
}
