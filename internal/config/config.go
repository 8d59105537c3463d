// v1
// internal/config/config.go
package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"nrgchamp/optimizer/internal/bus"
	"nrgchamp/optimizer/internal/circuitbreaker"
	"nrgchamp/optimizer/internal/models"
)

// Config captures all runtime settings of the optimizer service. Values
// come from environment variables, a properties file, or defaults so the
// service boots with no setup at all (memory store and bus, no AI key).
type Config struct {
	// ListenAddress defines the TCP address used by the HTTP server.
	ListenAddress string
	// LogFilePath is the absolute or relative path to the log file.
	LogFilePath      string
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	ShutdownTimeout  time.Duration
	// PropertiesPath records the path used to load property values.
	PropertiesPath string

	// StoreDriver is one of memory, sqlite, postgres.
	StoreDriver string
	StoreDSN    string

	// BusDriver is one of memory, kafka.
	BusDriver        string
	KafkaBrokers     []string
	KafkaPartitions  int
	KafkaReplication int
	ConsumerGroup    string
	Retry            bus.RetryPolicy
	Breaker          circuitbreaker.Settings

	// Thresholds apply when no preferences are stored.
	Thresholds models.Thresholds

	AIAPIKey  string
	AIBaseURL string
	AIModel   string
	AITimeout time.Duration

	// ExecuteMode is one of simulate, kafka, http.
	ExecuteMode    string
	ExecuteURL     string
	ExecuteTimeout time.Duration

	// MQTTBroker enables the MQTT ingestion source when set.
	MQTTBroker   string
	MQTTTopic    string
	MQTTClientID string
}

const (
	defaultListenAddress = ":8090"
	defaultLogFile       = "logs/optimizer.log"
	defaultReadTimeout   = 5 * time.Second
	defaultWriteTimeout  = 10 * time.Second
	defaultShutdown      = 5 * time.Second
	defaultPropsPath     = "optimizer.properties"
	defaultKafkaBrokers  = "kafka:9092"
	defaultGroup         = "optimizer"
	defaultAITimeout     = 10 * time.Second
	defaultExecTimeout   = 5 * time.Second
	defaultMQTTTopic     = "nrgchamp/energy/readings"
	defaultMQTTClientID  = "nrgchamp-optimizer"
)

// Default returns the configuration used before any source is applied.
func Default() Config {
	return Config{
		ListenAddress:    defaultListenAddress,
		LogFilePath:      filepath.Clean(defaultLogFile),
		HTTPReadTimeout:  defaultReadTimeout,
		HTTPWriteTimeout: defaultWriteTimeout,
		ShutdownTimeout:  defaultShutdown,
		StoreDriver:      "memory",
		BusDriver:        "memory",
		KafkaBrokers:     splitAndTrim(defaultKafkaBrokers),
		KafkaPartitions:  1,
		KafkaReplication: 1,
		ConsumerGroup:    defaultGroup,
		Retry:            bus.DefaultRetryPolicy(),
		Breaker:          circuitbreaker.DefaultSettings(),
		Thresholds:       models.DefaultThresholds(),
		AITimeout:        defaultAITimeout,
		ExecuteMode:      "simulate",
		ExecuteTimeout:   defaultExecTimeout,
		MQTTTopic:        defaultMQTTTopic,
		MQTTClientID:     defaultMQTTClientID,
	}
}

// Load resolves configuration by layering defaults, an optional
// properties file, and finally environment variables. The properties
// file location can be overridden with OPTIMIZER_PROPERTIES_PATH.
func Load() (Config, error) {
	cfg := Default()

	propsPath := strings.TrimSpace(os.Getenv("OPTIMIZER_PROPERTIES_PATH"))
	if propsPath == "" {
		propsPath = defaultPropsPath
	}
	cfg.PropertiesPath = propsPath

	if err := applyProperties(&cfg, propsPath); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints after all layers are applied.
func (c Config) Validate() error {
	switch c.StoreDriver {
	case "memory":
	case "sqlite", "postgres":
		if c.StoreDSN == "" {
			return fmt.Errorf("store_dsn is required for store driver %s", c.StoreDriver)
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.StoreDriver)
	}
	switch c.BusDriver {
	case "memory", "kafka":
	default:
		return fmt.Errorf("unknown bus driver %q", c.BusDriver)
	}
	switch c.ExecuteMode {
	case "simulate", "kafka":
	case "http":
		if c.ExecuteURL == "" {
			return errors.New("execute_http_url is required when execute_mode=http")
		}
	default:
		return fmt.Errorf("unknown execute mode %q", c.ExecuteMode)
	}
	if c.Thresholds.DailyMax <= 0 {
		return errors.New("threshold_daily_max must be positive")
	}
	return c.Breaker.Validate()
}

// Redacted returns a copy safe to log.
func (c Config) Redacted() Config {
	out := c
	if out.AIAPIKey != "" {
		out.AIAPIKey = "***"
	}
	if out.StoreDSN != "" && out.StoreDriver == "postgres" {
		out.StoreDSN = "***"
	}
	return out
}

func applyProperties(cfg *Config, path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() {
		_ = f.Close()
	}()

	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" || strings.HasPrefix(raw, "#") || strings.HasPrefix(raw, ";") {
			continue
		}
		parts := strings.SplitN(raw, "=", 2)
		if len(parts) != 2 {
			return fmt.Errorf("invalid properties entry on line %d", line)
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if err := setProperty(cfg, key, value); err != nil {
			return fmt.Errorf("property %s: %w", key, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read properties: %w", err)
	}
	return nil
}

// envKeys maps environment variables onto property keys. Both layers go
// through setProperty so they validate identically.
var envKeys = []struct{ env, prop string }{
	{"OPTIMIZER_LISTEN_ADDRESS", "listen_address"},
	{"OPTIMIZER_LOG_PATH", "log_path"},
	{"OPTIMIZER_HTTP_READ_TIMEOUT_MS", "http_read_timeout_ms"},
	{"OPTIMIZER_HTTP_WRITE_TIMEOUT_MS", "http_write_timeout_ms"},
	{"OPTIMIZER_SHUTDOWN_TIMEOUT_MS", "shutdown_timeout_ms"},
	{"OPTIMIZER_STORE_DRIVER", "store_driver"},
	{"OPTIMIZER_STORE_DSN", "store_dsn"},
	{"OPTIMIZER_BUS_DRIVER", "bus_driver"},
	{"KAFKA_BROKERS", "kafka_brokers"},
	{"OPTIMIZER_KAFKA_PARTITIONS", "kafka_partitions"},
	{"OPTIMIZER_KAFKA_REPLICATION", "kafka_replication"},
	{"OPTIMIZER_CONSUMER_GROUP", "consumer_group"},
	{"OPTIMIZER_RETRY_MAX_ATTEMPTS", "retry_max_attempts"},
	{"OPTIMIZER_RETRY_BACKOFF_MS", "retry_backoff_ms"},
	{"OPTIMIZER_RETRY_TIMEOUT_MS", "retry_timeout_ms"},
	{"CB_ENABLED", "cb_enabled"},
	{"CB_KAFKA_FAILURE_THRESHOLD", "cb_failure_threshold"},
	{"CB_KAFKA_SUCCESS_THRESHOLD", "cb_success_threshold"},
	{"CB_KAFKA_OPEN_SECONDS", "cb_open_seconds"},
	{"CB_KAFKA_TIMEOUT_MS", "cb_timeout_ms"},
	{"CB_KAFKA_BACKOFF_MS", "cb_backoff_ms"},
	{"OPTIMIZER_THRESHOLD_DAILY_MAX", "threshold_daily_max"},
	{"OPTIMIZER_THRESHOLD_PEAK_HOUR", "threshold_peak_hour"},
	{"ANTHROPIC_API_KEY", "ai_api_key"},
	{"OPTIMIZER_AI_BASE_URL", "ai_base_url"},
	{"OPTIMIZER_AI_MODEL", "ai_model"},
	{"OPTIMIZER_AI_TIMEOUT_MS", "ai_timeout_ms"},
	{"EXECUTE_MODE", "execute_mode"},
	{"EXECUTE_HTTP_URL", "execute_http_url"},
	{"EXECUTE_TIMEOUT_MS", "execute_timeout_ms"},
	{"MQTT_BROKER", "mqtt_broker"},
	{"MQTT_TOPIC", "mqtt_topic"},
	{"MQTT_CLIENT_ID", "mqtt_client_id"},
}

func applyEnv(cfg *Config) error {
	for _, k := range envKeys {
		v, ok := lookupEnvTrimmed(k.env)
		if !ok {
			continue
		}
		if err := setProperty(cfg, k.prop, v); err != nil {
			return fmt.Errorf("%s: %w", k.env, err)
		}
	}
	return nil
}

func setProperty(cfg *Config, key, value string) error {
	var err error
	switch key {
	case "listen_address":
		err = nonEmpty(&cfg.ListenAddress, value)
	case "log_path":
		if err = nonEmpty(&cfg.LogFilePath, value); err == nil {
			cfg.LogFilePath = filepath.Clean(cfg.LogFilePath)
		}
	case "http_read_timeout_ms":
		cfg.HTTPReadTimeout, err = parsePositiveMillis(value)
	case "http_write_timeout_ms":
		cfg.HTTPWriteTimeout, err = parsePositiveMillis(value)
	case "shutdown_timeout_ms":
		cfg.ShutdownTimeout, err = parsePositiveMillis(value)
	case "store_driver":
		cfg.StoreDriver = strings.ToLower(value)
	case "store_dsn":
		cfg.StoreDSN = value
	case "bus_driver":
		cfg.BusDriver = strings.ToLower(value)
	case "kafka_brokers":
		brokers := splitAndTrim(value)
		if len(brokers) == 0 {
			return errors.New("kafka_brokers cannot be empty")
		}
		cfg.KafkaBrokers = brokers
	case "kafka_partitions":
		cfg.KafkaPartitions, err = parsePositiveInt(value)
	case "kafka_replication":
		cfg.KafkaReplication, err = parsePositiveInt(value)
	case "consumer_group":
		err = nonEmpty(&cfg.ConsumerGroup, value)
	case "retry_max_attempts":
		cfg.Retry.MaxAttempts, err = parsePositiveInt(value)
	case "retry_backoff_ms":
		cfg.Retry.Backoff, err = parseMillis(value)
	case "retry_timeout_ms":
		cfg.Retry.Timeout, err = parseMillis(value)
	case "cb_enabled":
		cfg.Breaker.Enabled, err = strconv.ParseBool(value)
	case "cb_failure_threshold":
		cfg.Breaker.FailureThreshold, err = parsePositiveInt(value)
	case "cb_success_threshold":
		cfg.Breaker.SuccessThreshold, err = parsePositiveInt(value)
	case "cb_open_seconds":
		var n int
		n, err = parsePositiveInt(value)
		cfg.Breaker.OpenTimeout = time.Duration(n) * time.Second
	case "cb_timeout_ms":
		cfg.Breaker.AttemptTimeout, err = parseMillis(value)
	case "cb_backoff_ms":
		cfg.Breaker.Backoff, err = parseMillis(value)
	case "threshold_daily_max":
		cfg.Thresholds.DailyMax, err = parsePositiveFloat(value)
	case "threshold_peak_hour":
		cfg.Thresholds.PeakHourLimit, err = parsePositiveFloat(value)
	case "ai_api_key":
		cfg.AIAPIKey = value
	case "ai_base_url":
		cfg.AIBaseURL = value
	case "ai_model":
		cfg.AIModel = value
	case "ai_timeout_ms":
		cfg.AITimeout, err = parsePositiveMillis(value)
	case "execute_mode":
		cfg.ExecuteMode = strings.ToLower(value)
	case "execute_http_url":
		cfg.ExecuteURL = value
	case "execute_timeout_ms":
		cfg.ExecuteTimeout, err = parsePositiveMillis(value)
	case "mqtt_broker":
		cfg.MQTTBroker = value
	case "mqtt_topic":
		err = nonEmpty(&cfg.MQTTTopic, value)
	case "mqtt_client_id":
		err = nonEmpty(&cfg.MQTTClientID, value)
	default:
		// Unknown keys are ignored to keep the loader forward-compatible.
	}
	return err
}

func nonEmpty(dst *string, value string) error {
	if value == "" {
		return errors.New("value cannot be empty")
	}
	*dst = value
	return nil
}

func lookupEnvTrimmed(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func splitAndTrim(raw string) []string {
	fields := strings.Split(raw, ",")
	out := make([]string, 0, len(fields))
	for _, field := range fields {
		trimmed := strings.TrimSpace(field)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parsePositiveInt(v string) (int, error) {
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid integer: %w", err)
	}
	if n <= 0 {
		return 0, errors.New("value must be greater than zero")
	}
	return n, nil
}

func parsePositiveFloat(v string) (float64, error) {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number: %w", err)
	}
	if f <= 0 {
		return 0, errors.New("value must be greater than zero")
	}
	return f, nil
}

func parseMillis(v string) (time.Duration, error) {
	ms, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid integer: %w", err)
	}
	if ms < 0 {
		return 0, errors.New("value cannot be negative")
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func parsePositiveMillis(v string) (time.Duration, error) {
	if strings.TrimSpace(v) == "" {
		return 0, errors.New("value cannot be empty")
	}
	d, err := parseMillis(v)
	if err != nil {
		return 0, err
	}
	if d == 0 {
		return 0, errors.New("value must be greater than zero")
	}
	return d, nil
}
