// v0
// internal/config/config_test.go
package config

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate clears every variable Load reads; t.Setenv restores them.
func isolate(t *testing.T, props string) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k.env, "")
		require.NoError(t, os.Unsetenv(k.env))
	}
	t.Setenv("OPTIMIZER_PROPERTIES_PATH", props)
}

func writeProps(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "optimizer.properties")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	isolate(t, filepath.Join(t.TempDir(), "missing.properties"))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8090", cfg.ListenAddress)
	assert.Equal(t, "memory", cfg.StoreDriver)
	assert.Equal(t, "memory", cfg.BusDriver)
	assert.Equal(t, 100.0, cfg.Thresholds.DailyMax)
	assert.Equal(t, 50.0, cfg.Thresholds.PeakHourLimit)
	assert.Equal(t, "simulate", cfg.ExecuteMode)
	assert.False(t, cfg.Breaker.Enabled)
	assert.Empty(t, cfg.AIAPIKey)
}

func TestLoadLayersPropertiesThenEnv(t *testing.T) {
	path := writeProps(t, `
# comment
listen_address = :9000
store_driver = sqlite
store_dsn = /tmp/opt.db
threshold_daily_max = 80
cb_enabled = true
cb_open_seconds = 7
retry_max_attempts = 3
unknown_key = ignored
`)
	isolate(t, path)
	t.Setenv("OPTIMIZER_THRESHOLD_DAILY_MAX", "120.5")
	t.Setenv("KAFKA_BROKERS", "a:9092, b:9092")
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.ListenAddress)
	assert.Equal(t, "sqlite", cfg.StoreDriver)
	assert.Equal(t, 120.5, cfg.Thresholds.DailyMax)
	assert.True(t, cfg.Breaker.Enabled)
	assert.Equal(t, 7*time.Second, cfg.Breaker.OpenTimeout)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, path, cfg.PropertiesPath)

	red := cfg.Redacted()
	assert.Equal(t, "***", red.AIAPIKey)
	assert.Equal(t, "sk-test", cfg.AIAPIKey)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"malformed line":   "listen_address",
		"negative max":     "threshold_daily_max = -1",
		"bad bool":         "cb_enabled = maybe",
		"sqlite no dsn":    "store_driver = sqlite",
		"unknown bus":      "bus_driver = nats",
		"http without url": "execute_mode = http",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			isolate(t, writeProps(t, body))
			_, err := Load()
			assert.Error(t, err)
		})
	}

	isolate(t, filepath.Join(t.TempDir(), "missing.properties"))
	t.Setenv("OPTIMIZER_RETRY_BACKOFF_MS", "soon")
	_, err := Load()
	assert.ErrorContains(t, err, "OPTIMIZER_RETRY_BACKOFF_MS")
}

func TestWatchReloadsOnWrite(t *testing.T) {
	path := writeProps(t, "threshold_daily_max = 100\n")
	isolate(t, path)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan Config, 4)
	lg := slog.New(slog.NewTextHandler(io.Discard, nil))
	require.NoError(t, Watch(ctx, path, lg, func(c Config) {
		select {
		case got <- c:
		default:
		}
	}))

	require.NoError(t, os.WriteFile(path, []byte("threshold_daily_max = 42\n"), 0o600))
	// A single write can surface as several events, the first one possibly
	// seeing a truncated file.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case c := <-got:
			if c.Thresholds.DailyMax == 42 {
				return
			}
		case <-deadline:
			t.Fatal("no reload observed")
		}
	}
}
