package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/campaign-agent/backend/internal/storage/models"
	"github.com/campaign-agent/backend/pkg/apperr"
	"github.com/campaign-agent/backend/pkg/logger"
)

// Recorder receives decoded metric events.
type Recorder interface {
	RecordEvent(ctx context.Context, experimentID, variantID string, kind models.EventKind) error
}

type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type ConsumerConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// MetricEvent is the message value on the metrics topic.
type MetricEvent struct {
	ExperimentID string `json:"experiment_id"`
	VariantID    string `json:"variant_id"`
	EventKind    string `json:"event_kind"`
}

// Consumer feeds experiment metric events from a Kafka topic into the
// experiment engine. Offsets are committed after each message is handled.
type Consumer struct {
	reader   MessageReader
	recorder Recorder
}

func NewConsumer(cfg ConsumerConfig, recorder Recorder) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka: topic required")
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  500 * time.Millisecond,
	})

	logger.Info("Kafka metrics consumer initialized",
		zap.Strings("brokers", cfg.Brokers),
		zap.String("topic", cfg.Topic),
	)
	return NewConsumerFromReader(reader, recorder), nil
}

func NewConsumerFromReader(reader MessageReader, recorder Recorder) *Consumer {
	return &Consumer{reader: reader, recorder: recorder}
}

// Run consumes until ctx is done. Malformed messages and rejected events
// are logged and committed so they do not block the partition.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to fetch message: %w", err)
		}

		if err := c.Handle(ctx, msg.Value); err != nil {
			logger.Warn("Dropping metric event",
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(err),
			)
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to commit message: %w", err)
		}
	}
}

func (c *Consumer) Handle(ctx context.Context, value []byte) error {
	var ev MetricEvent
	if err := json.Unmarshal(value, &ev); err != nil {
		return apperr.Validation("malformed metric event: %v", err)
	}
	if ev.ExperimentID == "" || ev.VariantID == "" {
		return apperr.Validation("metric event missing experiment_id or variant_id")
	}
	kind, err := models.ParseEventKind(ev.EventKind)
	if err != nil {
		return err
	}
	return c.recorder.RecordEvent(ctx, ev.ExperimentID, ev.VariantID, kind)
}

func (c *Consumer) Close() error {
	if c == nil || c.reader == nil {
		return nil
	}
	return c.reader.Close()
}
