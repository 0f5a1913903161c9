// Package stream forwards committed receipts to Kafka for downstream
// consumers. Delivery is at-least-once and never blocks the ledger on
// broker outages beyond the configured attempts.
package stream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/jmerrifield20/auditledger/internal/canonical"
	"github.com/jmerrifield20/auditledger/internal/ledger"
)

// Config configures a KafkaPublisher.
type Config struct {
	Brokers []string
	Topic   string
	// MaxAttempts defaults to 3.
	MaxAttempts int
	// WriteTimeout bounds each attempt. Defaults to 5s.
	WriteTimeout time.Duration
}

// Enabled reports whether enough is configured to publish.
func (c Config) Enabled() bool {
	return len(c.Brokers) > 0 && c.Topic != ""
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher implements ledger.ReceiptPublisher. Messages are keyed by
// receipt id and carry the canonical receipt JSON.
type KafkaPublisher struct {
	writer       messageWriter
	topic        string
	maxAttempts  int
	writeTimeout time.Duration
	logger       *zap.Logger
}

var _ ledger.ReceiptPublisher = (*KafkaPublisher)(nil)

// NewKafkaPublisher returns a publisher writing to cfg.Topic.
func NewKafkaPublisher(cfg Config, logger *zap.Logger) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: at least one broker required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka: topic required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireAll,
	}
	return newPublisher(w, cfg, logger), nil
}

func newPublisher(w messageWriter, cfg Config, logger *zap.Logger) *KafkaPublisher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &KafkaPublisher{
		writer:       w,
		topic:        cfg.Topic,
		maxAttempts:  cfg.MaxAttempts,
		writeTimeout: cfg.WriteTimeout,
		logger:       logger,
	}
}

// Message builds the Kafka message for r.
func Message(r *ledger.Receipt) (kafka.Message, error) {
	value, err := canonical.Marshal(r)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode receipt: %w", err)
	}
	return kafka.Message{
		Key:   []byte(r.ReceiptID),
		Value: value,
		Time:  r.IssuedAt,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(r.Event.EventType)},
			{Key: "key_id", Value: []byte(r.Signature.KeyID)},
			{Key: "root_hash", Value: []byte(r.Merkle.RootHash)},
		},
	}, nil
}

// PublishReceipt writes r, retrying transient failures with backoff.
func (p *KafkaPublisher) PublishReceipt(ctx context.Context, r *ledger.Receipt) error {
	msg, err := Message(r)
	if err != nil {
		return err
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		msg.Headers = append(msg.Headers, kafka.Header{Key: "trace_id", Value: []byte(sc.TraceID().String())})
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second

	attempt := 0
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		actx, cancel := context.WithTimeout(ctx, p.writeTimeout)
		defer cancel()
		if err := p.writer.WriteMessages(actx, msg); err != nil {
			p.logger.Debug("kafka write failed",
				zap.String("receipt_id", r.ReceiptID),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			return struct{}{}, err
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(p.maxAttempts)),
	)
	if err != nil {
		return fmt.Errorf("publish receipt %s to %s after %d attempts: %w", r.ReceiptID, p.topic, attempt, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
