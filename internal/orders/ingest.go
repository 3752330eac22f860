package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/mbd888/storeguard/internal/metrics"
	"github.com/mbd888/storeguard/internal/retry"
	"github.com/mbd888/storeguard/internal/validation"
)

// Ingestor normalises, validates and stores raw order events. Both the
// Kafka consumer and the HTTP endpoint go through it.
type Ingestor struct {
	store  Store
	retry  retry.Policy
	logger *slog.Logger
}

// NewIngestor creates an Ingestor writing to store.
func NewIngestor(store Store, logger *slog.Logger) *Ingestor {
	return &Ingestor{store: store, retry: retry.Default, logger: logger}
}

// Ingest stores r. Validation failures are returned unwrapped and are not
// retried; store failures are retried with backoff.
func (i *Ingestor) Ingest(ctx context.Context, source string, r *Record) error {
	r.Normalize()
	if err := r.Validate(); err != nil {
		return err
	}
	err := i.retry.Do(ctx, func(ctx context.Context) error {
		err := i.store.Upsert(ctx, r)
		var verr validation.ValidationErrors
		if errors.As(err, &verr) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		return err
	}
	metrics.OrdersIngestedTotal.WithLabelValues(source).Inc()
	return nil
}

// MessageReader is the subset of *kafkago.Reader the consumer needs.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafkago.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// NewKafkaReader builds a consumer-group reader for the checkout order topic.
func NewKafkaReader(brokers []string, topic, group string) *kafkago.Reader {
	return kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  group,
		MinBytes: 1,
		MaxBytes: 10 * 1024 * 1024, // 10 MB
	})
}

// KafkaConsumer feeds order events from Kafka into an Ingestor.
type KafkaConsumer struct {
	reader   MessageReader
	ingestor *Ingestor
	logger   *slog.Logger
}

// NewKafkaConsumer creates a consumer over reader.
func NewKafkaConsumer(reader MessageReader, ingestor *Ingestor, logger *slog.Logger) *KafkaConsumer {
	return &KafkaConsumer{reader: reader, ingestor: ingestor, logger: logger}
}

// Start consumes until ctx is cancelled. Malformed events are logged and
// committed so they do not block the partition; store failures leave the
// offset uncommitted.
func (c *KafkaConsumer) Start(ctx context.Context) error {
	c.logger.Info("order consumer starting")

	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				c.logger.Info("order consumer stopping")
				return nil
			}
			return fmt.Errorf("fetching message: %w", err)
		}

		if err := c.handle(ctx, m); err != nil {
			var verr validation.ValidationErrors
			if !errors.As(err, &verr) && !errors.Is(err, errUndecodable) {
				c.logger.Error("order event not stored",
					"partition", m.Partition, "offset", m.Offset, "error", err)
				continue
			}
			c.logger.Warn("dropping malformed order event",
				"partition", m.Partition, "offset", m.Offset, "error", err)
		}

		if err := c.reader.CommitMessages(ctx, m); err != nil {
			c.logger.Error("commit error", "partition", m.Partition, "offset", m.Offset, "error", err)
		}
	}
}

var errUndecodable = errors.New("orders: undecodable event")

func (c *KafkaConsumer) handle(ctx context.Context, m kafkago.Message) error {
	var r Record
	if err := json.Unmarshal(m.Value, &r); err != nil {
		return fmt.Errorf("%w: %v", errUndecodable, err)
	}
	if r.ID == "" {
		r.ID = string(m.Key)
	}
	return c.ingestor.Ingest(ctx, "kafka", &r)
}

// Close closes the reader.
func (c *KafkaConsumer) Close() error {
	if err := c.reader.Close(); err != nil {
		return fmt.Errorf("closing kafka reader: %w", err)
	}
	return nil
}
