package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/miradorstack/mirador-remediator/internal/config"
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSource consumes JSON events from the events topic as part of a consumer group.
// Offsets are committed only after the loop has processed the batch.
type KafkaSource struct {
	reader      messageReader
	batchSize   int
	drainWindow time.Duration
	logger      *slog.Logger
}

// NewKafkaSource creates a group reader on the events topic.
func NewKafkaSource(cfg config.KafkaConfig, logger *slog.Logger) (*KafkaSource, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	if cfg.EventsTopic == "" {
		return nil, errors.New("events topic must not be empty")
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupID:        cfg.GroupID,
		Topic:          cfg.EventsTopic,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0,
		StartOffset:    kafka.FirstOffset,
	})
	return newKafkaSourceWithReader(reader, cfg.BatchSize, cfg.DrainWindow, logger), nil
}

func newKafkaSourceWithReader(reader messageReader, batchSize int, drainWindow time.Duration, logger *slog.Logger) *KafkaSource {
	if batchSize <= 0 {
		batchSize = 500
	}
	if drainWindow <= 0 {
		drainWindow = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaSource{
		reader:      reader,
		batchSize:   batchSize,
		drainWindow: drainWindow,
		logger:      logger.With(slog.String("component", "kafka_source")),
	}
}

// Next drains messages until the batch is full or the drain window elapses. An empty
// batch is a normal result when the topic is idle.
func (s *KafkaSource) Next(ctx context.Context) (Batch, error) {
	drainCtx, cancel := context.WithTimeout(ctx, s.drainWindow)
	defer cancel()

	var (
		batch Batch
		msgs  []kafka.Message
	)
	for len(msgs) < s.batchSize {
		msg, err := s.reader.FetchMessage(drainCtx)
		if err != nil {
			if ctx.Err() != nil {
				return Batch{}, ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				break
			}
			if len(msgs) > 0 {
				s.logger.Warn("fetch interrupted, delivering partial batch", slog.Any("error", err))
				break
			}
			return Batch{}, fmt.Errorf("fetch events: %w", err)
		}
		msgs = append(msgs, msg)

		event, err := DecodeEvent(msg.Value)
		if err != nil {
			batch.Undecodable++
			s.logger.Warn("skipping undecodable message",
				slog.Int("partition", msg.Partition),
				slog.Int64("offset", msg.Offset),
				slog.Any("error", err))
			continue
		}
		batch.Events = append(batch.Events, event)
	}

	if len(msgs) > 0 {
		batch.commit = func(ctx context.Context) error {
			return s.reader.CommitMessages(ctx, msgs...)
		}
	}
	return batch, nil
}

// Commit acknowledges every message in the batch, including undecodable ones.
func (s *KafkaSource) Commit(ctx context.Context, batch Batch) error {
	if batch.commit == nil {
		return nil
	}
	if err := batch.commit(ctx); err != nil {
		return fmt.Errorf("commit offsets: %w", err)
	}
	return nil
}

func (s *KafkaSource) Close() error {
	return s.reader.Close()
}
