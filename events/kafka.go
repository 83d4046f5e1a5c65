package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/kbukum/flowgraph/config"
	"github.com/kbukum/flowgraph/errors"
	"github.com/kbukum/flowgraph/logger"
)

// MessageWriter is the subset of *kafkago.Writer the sink uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// KafkaSink publishes events as JSON messages keyed by execution id, so all
// events of one execution land on one partition in order.
type KafkaSink struct {
	writer  MessageWriter
	topic   string
	retries int
	log     *logger.Logger

	mu     sync.RWMutex
	closed bool
}

// NewKafkaSink creates a sink writing to cfg.Topic on cfg.Brokers.
func NewKafkaSink(cfg config.KafkaConfig, log *logger.Logger) (*KafkaSink, error) {
	if !cfg.Enabled {
		return nil, errors.InvalidInput("kafka.enabled", "kafka is disabled")
	}
	if len(cfg.Brokers) == 0 {
		return nil, errors.InvalidInput("kafka.brokers", "at least one broker is required")
	}
	if cfg.Topic == "" {
		return nil, errors.InvalidInput("kafka.topic", "topic is required")
	}
	if log == nil {
		log = logger.Nop()
	}
	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 100 * time.Millisecond
	}

	sinkLog := log.WithComponent("events.kafka")
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafkago.Hash{},
		BatchTimeout: batchTimeout,
		RequiredAcks: kafkago.RequireOne,
		ErrorLogger: kafkago.LoggerFunc(func(msg string, args ...interface{}) {
			sinkLog.Error("writer: "+msg, map[string]interface{}{
				"args": fmt.Sprintf("%v", args),
			})
		}),
	}
	sinkLog.Info("Kafka event sink initialized", map[string]interface{}{
		"brokers": cfg.Brokers,
		"topic":   cfg.Topic,
	})
	return NewKafkaSinkWithWriter(w, cfg.Topic, sinkLog), nil
}

// NewKafkaSinkWithWriter wraps an existing writer. The writer must already
// target topic; messages do not set one.
func NewKafkaSinkWithWriter(w MessageWriter, topic string, log *logger.Logger) *KafkaSink {
	if log == nil {
		log = logger.Nop()
	}
	return &KafkaSink{writer: w, topic: topic, retries: 3, log: log}
}

// Publish writes e, retrying transient failures.
func (s *KafkaSink) Publish(ctx context.Context, e Event) error {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return errors.Conflict("kafka sink is closed")
	}

	data, err := json.Marshal(e)
	if err != nil {
		return errors.InvalidInput("event", err.Error())
	}
	msg := kafkago.Message{
		Key:   []byte(e.ExecutionID),
		Value: data,
		Time:  e.Timestamp,
		Headers: []kafkago.Header{
			{Key: "content-type", Value: []byte("application/json")},
			{Key: "event-type", Value: []byte(e.Type)},
		},
	}

	var lastErr error
	for attempt := 1; attempt <= s.retries; attempt++ {
		if lastErr = s.writer.WriteMessages(ctx, msg); lastErr == nil {
			return nil
		}
		if attempt < s.retries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
			}
		}
	}
	return errors.Storage("kafka.publish", lastErr).WithDetail("topic", s.topic)
}

// Close flushes and closes the writer.
func (s *KafkaSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.log.Info("Kafka event sink closing")
	return s.writer.Close()
}
