// v3
// internal/app/app.go
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"nrgchamp/optimizer/internal/aggregate"
	"nrgchamp/optimizer/internal/bus"
	"nrgchamp/optimizer/internal/circuitbreaker"
	"nrgchamp/optimizer/internal/config"
	"nrgchamp/optimizer/internal/decide"
	"nrgchamp/optimizer/internal/execute"
	httpserver "nrgchamp/optimizer/internal/http"
	"nrgchamp/optimizer/internal/ingest"
	"nrgchamp/optimizer/internal/lifecycle"
	"nrgchamp/optimizer/internal/live"
	"nrgchamp/optimizer/internal/metrics"
	"nrgchamp/optimizer/internal/store"
)

const kafkaSetupTimeout = 15 * time.Second

// Application wires configuration, logging, the four pipeline components
// and their adapters, and owns graceful shutdown.
type Application struct {
	cfg     config.Config
	logger  *slog.Logger
	logFile *os.File
	server  *http.Server
	health  *httpserver.HealthState

	kv      store.Store
	repo    *store.Repository
	bus     bus.Bus
	metrics *metrics.Metrics
	hub     *live.Hub
	mqtt    *ingest.MQTTSource

	aggregator   *aggregate.Aggregator
	orchestrator *lifecycle.Orchestrator
	executor     *execute.Executor
}

// New builds a fully wired instance. Resources opened before a failure are
// released before returning.
func New(cfg config.Config) (_ *Application, err error) {
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		return nil, errors.New("listen address cannot be empty")
	}
	logPath := filepath.Clean(cfg.LogFilePath)
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	lf, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	a := &Application{cfg: cfg, logFile: lf, logger: newLogger(lf, slog.LevelInfo)}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()
	a.logger.Info("config_loaded", slog.Any("config", cfg.Redacted()))

	a.kv, err = store.Open(cfg.StoreDriver, cfg.StoreDSN)
	if err != nil {
		return nil, fmt.Errorf("store init: %w", err)
	}
	a.repo = store.NewRepository(a.kv)
	a.metrics = metrics.New()
	a.hub = live.NewHub(a.logger)

	if a.bus, err = a.openBus(); err != nil {
		return nil, err
	}

	engine := BuildEngine(cfg, a.logger, a.metrics)

	actClient := circuitbreaker.NewHTTPClient("actuator", cfg.Breaker, &http.Client{Timeout: cfg.ExecuteTimeout}, a.logger)
	a.metrics.WatchBreaker(actClient.Breaker())
	actuator, err := execute.NewActuator(cfg.ExecuteMode, a.bus, actClient, cfg.ExecuteURL, a.logger)
	if err != nil {
		return nil, fmt.Errorf("actuator init: %w", err)
	}

	a.aggregator = aggregate.New(a.repo, a.bus, cfg.Thresholds, a.logger).WithRecorder(a.metrics)
	a.orchestrator = lifecycle.New(a.repo, engine, a.bus, a.logger).WithNotifier(a.hub).WithRecorder(a.metrics)
	a.executor = execute.New(a.repo, actuator, a.logger).WithNotifier(a.hub).WithRecorder(a.metrics)

	readings := ingest.NewService(a.repo, a.bus, a.logger)
	if cfg.MQTTBroker != "" {
		a.mqtt = ingest.NewMQTTSource(ingest.MQTTConfig{
			Broker:   cfg.MQTTBroker,
			Topic:    cfg.MQTTTopic,
			ClientID: cfg.MQTTClientID,
			QoS:      1,
		}, readings, a.logger)
	}

	a.health = httpserver.NewHealthState()
	router := httpserver.NewRouter(httpserver.Deps{
		Logger:     a.logger,
		Health:     a.health,
		Readings:   readings,
		Thresholds: a.aggregator,
		Repo:       a.repo,
		Live:       a.hub,
		Metrics:    a.metrics,
		Reload:     a.reload,
	})
	a.server = &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           httpserver.Wrap(a.logger, router),
		ReadTimeout:       cfg.HTTPReadTimeout,
		ReadHeaderTimeout: cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPWriteTimeout,
	}
	return a, nil
}

func (a *Application) openBus() (bus.Bus, error) {
	lg := a.logger.With(slog.String("component", "bus"))
	switch a.cfg.BusDriver {
	case "kafka":
		ctx, cancel := context.WithTimeout(context.Background(), kafkaSetupTimeout)
		defer cancel()
		k, err := bus.NewKafka(ctx, bus.KafkaConfig{
			Brokers: a.cfg.KafkaBrokers,
			Topics: []string{
				bus.TopicReadings,
				bus.TopicOptimizationRequired,
				bus.TopicExecutionRequested,
				execute.TopicCommands,
			},
			Partitions:  a.cfg.KafkaPartitions,
			Replication: a.cfg.KafkaReplication,
			Breaker:     a.cfg.Breaker,
			Retry:       a.cfg.Retry,
		}, lg)
		if err != nil {
			return nil, fmt.Errorf("kafka init: %w", err)
		}
		for _, b := range k.Breakers() {
			a.metrics.WatchBreaker(b)
		}
		return k, nil
	default:
		return bus.NewMemory(a.cfg.Retry, lg), nil
	}
}

// BuildEngine returns the decision engine for cfg. Without an API key the
// engine has no advisor and always uses the fallback tiers.
func BuildEngine(cfg config.Config, lg *slog.Logger, m *metrics.Metrics) *decide.Engine {
	var advisor decide.Advisor
	client := circuitbreaker.NewHTTPClient("ai", cfg.Breaker, &http.Client{Timeout: cfg.AITimeout}, lg)
	if adv := decide.NewAnthropicAdvisor(decide.AnthropicConfig{
		APIKey:  cfg.AIAPIKey,
		BaseURL: cfg.AIBaseURL,
		Model:   cfg.AIModel,
	}, client); adv != nil {
		advisor = adv
		m.WatchBreaker(client.Breaker())
	}
	lg.Info("decision_engine_configured", "ai_enabled", advisor != nil, "timeout", cfg.AITimeout.String())
	engine := decide.NewEngine(advisor, cfg.AITimeout, lg)
	if m != nil {
		engine.WithRecorder(m)
	}
	return engine
}

// Logger exposes the configured logger to main.
func (a *Application) Logger() *slog.Logger {
	return a.logger
}

func (a *Application) reload() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	a.applyConfig(cfg)
	return nil
}

func (a *Application) applyConfig(cfg config.Config) {
	a.aggregator.SetDefaults(cfg.Thresholds)
	a.logger.Info("default_thresholds_applied",
		slog.Float64("dailyMax", cfg.Thresholds.DailyMax),
		slog.Float64("peakHourLimit", cfg.Thresholds.PeakHourLimit),
	)
}

type subscription struct {
	topic, group string
	handler      bus.Handler
}

func (a *Application) subscriptions() []subscription {
	group := a.cfg.ConsumerGroup
	return []subscription{
		{bus.TopicReadings, group + "-aggregator", a.aggregator.HandleMessage},
		{bus.TopicOptimizationRequired, group + "-lifecycle", a.orchestrator.HandleMessage},
		{bus.TopicExecutionRequested, group + "-executor", a.executor.HandleMessage},
	}
}

// Run blocks until ctx is cancelled or a subscription or the HTTP server
// fails, then shuts everything down.
func (a *Application) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 4)
	var wg sync.WaitGroup
	for _, s := range a.subscriptions() {
		wg.Add(1)
		go func(s subscription) {
			defer wg.Done()
			if err := a.bus.Subscribe(ctx, s.topic, s.group, s.handler); err != nil {
				errCh <- fmt.Errorf("subscribe %s: %w", s.topic, err)
			}
		}(s)
	}

	if a.cfg.PropertiesPath != "" {
		if err := config.Watch(ctx, a.cfg.PropertiesPath, a.logger, a.applyConfig); err != nil {
			a.logger.Warn("config_watch_unavailable", slog.Any("err", err))
		}
	}
	if a.mqtt != nil {
		if err := a.mqtt.Start(); err != nil {
			a.logger.Error("mqtt_start_failed", slog.Any("err", err))
		}
	}

	go func() {
		a.logger.Info("http_server_listen", slog.String("address", a.cfg.ListenAddress))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	a.health.SetReady(true)

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown_signal")
	case runErr = <-errCh:
		a.logger.Error("component_failed", slog.Any("err", runErr))
	}

	a.health.SetReady(false)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server_shutdown_failed", slog.Any("err", err))
		if runErr == nil {
			runErr = fmt.Errorf("shutdown: %w", err)
		}
	}
	if a.mqtt != nil {
		a.mqtt.Stop()
	}
	cancel()
	wg.Wait()
	a.logger.Info("shutdown_complete")
	return runErr
}

// Close releases the bus, the store and the log file.
func (a *Application) Close() error {
	var errs []error
	if a.bus != nil {
		errs = append(errs, a.bus.Close())
		a.bus = nil
	}
	if a.kv != nil {
		errs = append(errs, a.kv.Close())
		a.kv = nil
	}
	if a.logFile != nil {
		errs = append(errs, a.logFile.Close())
		a.logFile = nil
	}
	return errors.Join(errs...)
}
