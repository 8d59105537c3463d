// v2
// internal/bus/kafka.go
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"nrgchamp/optimizer/internal/circuitbreaker"
)

// KafkaConfig describes the brokers and the topics ensured at startup.
type KafkaConfig struct {
	Brokers     []string
	Topics      []string
	Partitions  int
	Replication int
	Breaker     circuitbreaker.Settings
	Retry       RetryPolicy
}

// Kafka publishes and consumes through segmentio/kafka-go with circuit
// breaker wrappers around every reader and writer.
type Kafka struct {
	cfg KafkaConfig
	lg  *slog.Logger

	readerBreaker *circuitbreaker.KafkaBreaker
	writerBreaker *circuitbreaker.KafkaBreaker

	mu       sync.Mutex
	writers  map[string]*kafka.Writer
	cbWriter map[string]*circuitbreaker.CBKafkaWriter
	readers  []*kafka.Reader
}

// NewKafka validates cfg and ensures the configured topics exist. A topic
// creation failure is logged, not fatal, as brokers may auto-create.
func NewKafka(ctx context.Context, cfg KafkaConfig, lg *slog.Logger) (*Kafka, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("no kafka brokers configured")
	}
	if cfg.Partitions < 1 {
		cfg.Partitions = 1
	}
	if cfg.Replication < 1 {
		cfg.Replication = 1
	}
	if cfg.Retry == (RetryPolicy{}) {
		cfg.Retry = DefaultRetryPolicy()
	}
	k := &Kafka{
		cfg:           cfg,
		lg:            lg,
		readerBreaker: circuitbreaker.NewKafkaBreaker("optimizer-kafka-reader", cfg.Breaker, lg),
		writerBreaker: circuitbreaker.NewKafkaBreaker("optimizer-kafka-writer", cfg.Breaker, lg),
		writers:       map[string]*kafka.Writer{},
		cbWriter:      map[string]*circuitbreaker.CBKafkaWriter{},
	}
	if err := k.ensureTopics(ctx); err != nil {
		lg.Warn("topic_ensure_failed", "error", err)
	}
	lg.Info("kafka_breaker", "component", "reader", "enabled", k.readerBreaker.Enabled())
	lg.Info("kafka_breaker", "component", "writer", "enabled", k.writerBreaker.Enabled())
	return k, nil
}

func (k *Kafka) ensureTopics(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, err := kafka.DialContext(dialCtx, "tcp", k.cfg.Brokers[0])
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}
	defer conn.Close()
	ctrl, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("controller: %w", err)
	}
	c, err := kafka.DialContext(dialCtx, "tcp", fmt.Sprintf("%s:%d", ctrl.Host, ctrl.Port))
	if err != nil {
		return fmt.Errorf("dial controller: %w", err)
	}
	defer c.Close()

	cfgs := make([]kafka.TopicConfig, 0, len(k.cfg.Topics))
	for _, t := range k.cfg.Topics {
		cfgs = append(cfgs, kafka.TopicConfig{Topic: t, NumPartitions: k.cfg.Partitions, ReplicationFactor: k.cfg.Replication})
	}
	if err := c.CreateTopics(cfgs...); err != nil {
		k.lg.Warn("create_topics", "error", err)
	}
	k.lg.Info("topics_ensured", "topics", k.cfg.Topics, "partitions", k.cfg.Partitions)
	return nil
}

func (k *Kafka) writer(topic string) *circuitbreaker.CBKafkaWriter {
	k.mu.Lock()
	defer k.mu.Unlock()
	if w, ok := k.cbWriter[topic]; ok {
		return w
	}
	raw := &kafka.Writer{
		Addr:         kafka.TCP(k.cfg.Brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 5 * time.Millisecond,
	}
	w := circuitbreaker.NewCBKafkaWriter(raw, k.writerBreaker)
	k.writers[topic] = raw
	k.cbWriter[topic] = w
	return w
}

func (k *Kafka) Publish(ctx context.Context, topic, key string, v any) error {
	raw, err := encode(topic, v)
	if err != nil {
		return err
	}
	msg := kafka.Message{Key: []byte(key), Value: raw, Time: time.Now().UTC()}
	if err := k.writer(topic).WriteMessages(ctx, msg); err != nil {
		k.lg.Error("kafka_write_err", "topic", topic, "key", key, "err", err)
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe consumes topic as consumer group group. Messages are handled in
// partition order and committed once the handler succeeds or its retries are
// exhausted, so a poison message cannot stall the partition.
func (k *Kafka) Subscribe(ctx context.Context, topic, group string, h Handler) error {
	raw := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  k.cfg.Brokers,
		GroupID:  group,
		Topic:    topic,
		MinBytes: 1, MaxBytes: 10e6, MaxWait: 200 * time.Millisecond,
	})
	k.mu.Lock()
	k.readers = append(k.readers, raw)
	k.mu.Unlock()
	reader := circuitbreaker.NewCBKafkaReader(raw, k.readerBreaker)
	k.lg.Info("kafka_subscribed", "topic", topic, "group", group)

	for {
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			k.lg.Error("kafka_fetch_err", "topic", topic, "group", group, "err", err)
			continue
		}
		msg := Message{Topic: m.Topic, Key: string(m.Key), Value: m.Value, Time: m.Time}
		if err := Deliver(ctx, k.cfg.Retry, msg, h, k.lg); err != nil && ctx.Err() != nil {
			return nil
		}
		if err := raw.CommitMessages(ctx, m); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			k.lg.Error("kafka_commit_err", "topic", topic, "partition", m.Partition, "offset", m.Offset, "err", err)
		}
	}
}

// Breakers returns the reader and writer breakers for state export.
func (k *Kafka) Breakers() []*circuitbreaker.Breaker {
	return []*circuitbreaker.Breaker{k.readerBreaker.Breaker(), k.writerBreaker.Breaker()}
}

func (k *Kafka) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	var errs []error
	for t, w := range k.writers {
		if err := w.Close(); err != nil {
			errs = append(errs, fmt.Errorf("writer %s: %w", t, err))
		}
	}
	for _, r := range k.readers {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	k.lg.Info("kafka_closed", "writers", len(k.writers), "readers", len(k.readers))
	return errors.Join(errs...)
}
