package effects

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"github.com/miradorstack/mirador-remediator/internal/config"
	"github.com/miradorstack/mirador-remediator/internal/models"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaEffector publishes effect commands keyed by cooldown key, so every command for the
// same (type, target) lands on one partition in order.
type KafkaEffector struct {
	topic  string
	writer messageWriter
	logger *slog.Logger
}

// NewKafkaEffector builds a hash-balanced writer on the effects topic.
func NewKafkaEffector(cfg config.KafkaConfig, logger *slog.Logger) (*KafkaEffector, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	if cfg.EffectsTopic == "" {
		return nil, errors.New("effects topic must not be empty")
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.EffectsTopic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: false,
	}
	return newKafkaEffectorWithWriter(cfg.EffectsTopic, writer, logger), nil
}

func newKafkaEffectorWithWriter(topic string, writer messageWriter, logger *slog.Logger) *KafkaEffector {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaEffector{topic: topic, writer: writer, logger: logger.With(slog.String("component", "kafka_effector"))}
}

// Apply publishes an apply command.
func (e *KafkaEffector) Apply(ctx context.Context, action models.Action) error {
	return e.publish(ctx, newCommand(OpApply, action), action.CooldownKey())
}

// Revert publishes a revert command.
func (e *KafkaEffector) Revert(ctx context.Context, action models.Action) error {
	return e.publish(ctx, newCommand(OpRevert, action), action.CooldownKey())
}

func (e *KafkaEffector) publish(ctx context.Context, cmd Command, key string) error {
	value, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(key),
		Value: value,
		Headers: []kafka.Header{
			{Key: "op", Value: []byte(cmd.Op)},
			{Key: "action_id", Value: []byte(cmd.Action.ID)},
		},
	}
	if err := e.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish %s to %s: %w", cmd.Op, e.topic, err)
	}
	e.logger.Debug("effect command published",
		slog.String("op", string(cmd.Op)),
		slog.String("action_id", cmd.Action.ID),
		slog.String("key", key))
	return nil
}

// Close flushes and closes the writer.
func (e *KafkaEffector) Close() error {
	return e.writer.Close()
}
