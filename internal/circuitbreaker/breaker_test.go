// v1
// internal/circuitbreaker/breaker_test.go
package circuitbreaker

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSettings() Settings {
	return Settings{
		Enabled:          true,
		FailureThreshold: 2,
		SuccessThreshold: 2,
		OpenTimeout:      50 * time.Millisecond,
		AttemptTimeout:   50 * time.Millisecond,
		Backoff:          10 * time.Millisecond,
	}
}

func TestBreakerOpensAndFastFails(t *testing.T) {
	b := New("unit", Config{MaxFailures: 2, ResetTimeout: time.Hour, SuccessesToClose: 1}, nil)
	boom := errors.New("boom")
	calls := 0
	op := func(context.Context) error { calls++; return boom }

	assert.ErrorIs(t, b.Execute(context.Background(), op), boom)
	assert.Equal(t, Closed, b.State())
	assert.ErrorIs(t, b.Execute(context.Background(), op), boom)
	assert.Equal(t, Open, b.State())

	assert.ErrorIs(t, b.Execute(context.Background(), op), ErrOpen)
	assert.Equal(t, 2, calls)
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := New("unit", Config{MaxFailures: 1, ResetTimeout: time.Minute, SuccessesToClose: 1}, nil)
	now := time.Unix(1000, 0)
	b.now = func() time.Time { return now }

	_ = b.Execute(context.Background(), func(context.Context) error { return errors.New("x") })
	require.Equal(t, Open, b.State())

	now = now.Add(2 * time.Minute)
	_ = b.Execute(context.Background(), func(context.Context) error { return errors.New("still down") })
	assert.Equal(t, Open, b.State())

	now = now.Add(2 * time.Minute)
	require.NoError(t, b.Execute(context.Background(), func(context.Context) error { return nil }))
	assert.Equal(t, Closed, b.State())
}

func TestCBKafkaWriterStateTransitions(t *testing.T) {
	var logBuf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logBuf, nil))
	kb := NewKafkaBreaker("writer-breaker", testSettings(), logger)
	require.True(t, kb.Enabled())

	stub := &stubKafkaWriter{failuresBeforeSuccess: 2}
	writer := NewCBKafkaWriter(stub, kb)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := writer.WriteMessages(ctx, kafka.Message{Value: []byte("payload")})
	require.Error(t, err)
	assert.Equal(t, Open, kb.Breaker().State())

	require.NoError(t, writer.WriteMessages(ctx, kafka.Message{Value: []byte("payload")}))
	assert.Equal(t, HalfOpen, kb.Breaker().State())

	require.NoError(t, writer.WriteMessages(ctx, kafka.Message{Value: []byte("payload")}))
	assert.Equal(t, Closed, kb.Breaker().State())
	assert.Equal(t, 4, stub.calls)

	logs := logBuf.String()
	assert.Contains(t, logs, "breaker_opened")
	assert.Contains(t, logs, "breaker_half_open")
	assert.Contains(t, logs, "breaker_closed")
}

func TestCBKafkaReaderDisabled(t *testing.T) {
	s := testSettings()
	s.Enabled = false
	kb := NewKafkaBreaker("reader-breaker", s, nil)
	assert.False(t, kb.Enabled())

	msg := kafka.Message{Topic: "energy.readings", Value: []byte("v")}
	reader := &stubKafkaReader{message: msg}
	out, err := NewCBKafkaReader(reader, kb).FetchMessage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, reader.calls)
	assert.Equal(t, msg.Value, out.Value)
}

func TestSettingsValidate(t *testing.T) {
	require.NoError(t, DefaultSettings().Validate())
	s := DefaultSettings()
	s.FailureThreshold = 0
	assert.Error(t, s.Validate())
	s = DefaultSettings()
	s.OpenTimeout = 0
	assert.Error(t, s.Validate())
}

func TestHTTPClientCountsServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	s := testSettings()
	s.OpenTimeout = time.Hour
	c := NewHTTPClient("actuator", s, srv.Client(), nil)

	for i := 0; i < 2; i++ {
		req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
		resp, err := c.Do(req)
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
		resp.Body.Close()
	}
	assert.Equal(t, Open, c.Breaker().State())

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	_, err := c.Do(req)
	assert.ErrorIs(t, err, ErrOpen)
	assert.EqualValues(t, 2, hits.Load())
}

type stubKafkaWriter struct {
	mu                    sync.Mutex
	calls                 int
	failuresBeforeSuccess int
}

func (s *stubKafkaWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	s.calls++
	if s.calls <= s.failuresBeforeSuccess {
		return errors.New("synthetic failure")
	}
	return nil
}

type stubKafkaReader struct {
	mu      sync.Mutex
	calls   int
	message kafka.Message
}

func (s *stubKafkaReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ctx.Err() != nil {
		return kafka.Message{}, ctx.Err()
	}
	s.calls++
	return s.message, nil
}
