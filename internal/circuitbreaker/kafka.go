// v3
// internal/circuitbreaker/kafka.go
package circuitbreaker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// kafkaMessageWriter mirrors the subset of kafka.Writer used by the wrapper.
type kafkaMessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// kafkaMessageReader mirrors the subset of kafka.Reader used by the wrapper.
type kafkaMessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
}

// KafkaBreaker combines a Breaker with per-attempt timeout and back-off.
type KafkaBreaker struct {
	settings Settings
	breaker  *Breaker
}

// NewKafkaBreaker builds the wrapper policy. When s.Enabled is false the
// returned value passes calls straight through.
func NewKafkaBreaker(name string, s Settings, logger *slog.Logger) *KafkaBreaker {
	kb := &KafkaBreaker{settings: s}
	if s.Enabled {
		kb.breaker = New(name, s.breakerConfig(), logger)
	}
	return kb
}

// Enabled reports whether breaker protections are active.
func (k *KafkaBreaker) Enabled() bool {
	return k != nil && k.settings.Enabled && k.breaker != nil
}

// Breaker exposes the underlying breaker for inspection.
func (k *KafkaBreaker) Breaker() *Breaker {
	if k == nil {
		return nil
	}
	return k.breaker
}

// CBKafkaWriter wraps a kafka writer with breaker protection.
type CBKafkaWriter struct {
	breaker *KafkaBreaker
	writer  kafkaMessageWriter
}

func NewCBKafkaWriter(writer kafkaMessageWriter, breaker *KafkaBreaker) *CBKafkaWriter {
	return &CBKafkaWriter{writer: writer, breaker: breaker}
}

// WriteMessages publishes with retry and back-off driven by the breaker policy.
func (w *CBKafkaWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w == nil || w.writer == nil {
		return errors.New("nil kafka writer")
	}
	return w.breaker.do(ctx, func(execCtx context.Context) error {
		return w.writer.WriteMessages(execCtx, msgs...)
	})
}

// CBKafkaReader wraps a kafka reader with breaker protection.
type CBKafkaReader struct {
	breaker *KafkaBreaker
	reader  kafkaMessageReader
}

func NewCBKafkaReader(reader kafkaMessageReader, breaker *KafkaBreaker) *CBKafkaReader {
	return &CBKafkaReader{reader: reader, breaker: breaker}
}

// FetchMessage retrieves a message through the breaker. Fetches block until a
// message arrives, so no per-attempt timeout is applied here.
func (r *CBKafkaReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if r == nil || r.reader == nil {
		return kafka.Message{}, errors.New("nil kafka reader")
	}
	if !r.breaker.Enabled() {
		return r.reader.FetchMessage(ctx)
	}
	var msg kafka.Message
	err := r.breaker.retry(ctx, false, func(execCtx context.Context) error {
		var innerErr error
		msg, innerErr = r.reader.FetchMessage(execCtx)
		return innerErr
	})
	return msg, err
}

func (k *KafkaBreaker) do(ctx context.Context, op func(ctx context.Context) error) error {
	if !k.Enabled() {
		return op(ctx)
	}
	return k.retry(ctx, true, op)
}

func (k *KafkaBreaker) retry(ctx context.Context, bounded bool, op func(ctx context.Context) error) error {
	attempts := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		attempts++
		attemptCtx, cancel := ctx, context.CancelFunc(func() {})
		if bounded && k.settings.AttemptTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, k.settings.AttemptTimeout)
		}
		err := k.breaker.Execute(attemptCtx, op)
		cancel()
		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if !errors.Is(err, ErrOpen) && attempts >= k.settings.FailureThreshold {
			return err
		}
		if waitErr := k.waitBackoff(ctx); waitErr != nil {
			return waitErr
		}
	}
}

func (k *KafkaBreaker) waitBackoff(ctx context.Context) error {
	if k.settings.Backoff <= 0 {
		return nil
	}
	timer := time.NewTimer(k.settings.Backoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
