// v1
// internal/ingest/mqtt.go
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTConfig selects the broker and topic readings arrive on.
type MQTTConfig struct {
	Broker   string
	Topic    string
	ClientID string
	QoS      byte
	Timeout  time.Duration
}

// MQTTSource feeds readings published by field devices into the Service.
type MQTTSource struct {
	cfg    MQTTConfig
	svc    *Service
	lg     *slog.Logger
	client mqtt.Client
}

func NewMQTTSource(cfg MQTTConfig, svc *Service, lg *slog.Logger) *MQTTSource {
	if cfg.ClientID == "" {
		cfg.ClientID = "nrgchamp-optimizer"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &MQTTSource{cfg: cfg, svc: svc, lg: lg.With(slog.String("component", "mqtt"))}
}

// Start connects and subscribes. Messages are handled until Stop.
func (m *MQTTSource) Start() error {
	if m.cfg.Broker == "" || m.cfg.Topic == "" {
		return errors.New("mqtt broker and topic are required")
	}
	opts := mqtt.NewClientOptions().
		AddBroker(m.cfg.Broker).
		SetClientID(m.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(m.cfg.Timeout)
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		// subscriptions are lost on reconnect with a clean session
		if token := c.Subscribe(m.cfg.Topic, m.cfg.QoS, m.onMessage); token.WaitTimeout(m.cfg.Timeout) && token.Error() != nil {
			m.lg.Error("mqtt_subscribe_failed", "topic", m.cfg.Topic, "error", token.Error())
			return
		}
		m.lg.Info("mqtt_subscribed", "broker", m.cfg.Broker, "topic", m.cfg.Topic)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		m.lg.Warn("mqtt_connection_lost", "error", err)
	})
	m.client = mqtt.NewClient(opts)
	token := m.client.Connect()
	if !token.WaitTimeout(m.cfg.Timeout) {
		return fmt.Errorf("mqtt connect %s: timeout", m.cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect %s: %w", m.cfg.Broker, err)
	}
	return nil
}

func (m *MQTTSource) onMessage(_ mqtt.Client, msg mqtt.Message) {
	m.handle(msg.Topic(), msg.Payload())
}

func (m *MQTTSource) handle(topic string, payload []byte) {
	var r Reading
	if err := json.Unmarshal(payload, &r); err != nil {
		m.lg.Warn("mqtt_reading_rejected", "topic", topic, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.Timeout)
	defer cancel()
	if _, err := m.svc.Accept(ctx, r); err != nil {
		if errors.Is(err, ErrInvalidReading) {
			m.lg.Warn("mqtt_reading_rejected", "topic", topic, "error", err)
			return
		}
		m.lg.Error("mqtt_reading_failed", "topic", topic, "error", err)
	}
}

// Stop disconnects, giving in-flight work 250ms.
func (m *MQTTSource) Stop() {
	if m.client == nil {
		return
	}
	m.client.Disconnect(250)
	m.lg.Info("mqtt_disconnected")
}
