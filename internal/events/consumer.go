package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/aegisshield/compliance-audit/internal/compliance"
)

// VerdictApplier folds a verdict event into a read model. It must tolerate
// redelivery of the same event.
type VerdictApplier interface {
	ApplyVerdict(ctx context.Context, event compliance.VerdictEvent) (bool, error)
}

// errPoisonMessage marks a message that will never decode; it is committed
// and skipped.
var errPoisonMessage = errors.New("undecodable verdict message")

// VerdictConsumer feeds the verdict topic into a VerdictApplier.
type VerdictConsumer struct {
	group          sarama.ConsumerGroup
	topic          string
	applier        VerdictApplier
	maxRetries     int
	initialBackoff time.Duration
	logger         *zap.Logger
}

// NewVerdictConsumer joins the consumer group for topic.
func NewVerdictConsumer(cfg KafkaConfig, topic string, applier VerdictApplier, logger *zap.Logger) (*VerdictConsumer, error) {
	saramaConfig := sarama.NewConfig()
	if cfg.ClientID != "" {
		saramaConfig.ClientID = cfg.ClientID
	}
	saramaConfig.Consumer.Group.Rebalance.Strategy = sarama.BalanceStrategyRoundRobin
	saramaConfig.Consumer.Offsets.Initial = sarama.OffsetOldest
	saramaConfig.Consumer.Group.Session.Timeout = 10 * time.Second
	saramaConfig.Consumer.Group.Heartbeat.Interval = 3 * time.Second
	saramaConfig.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.ConsumerGroup, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka consumer: %w", err)
	}
	return NewVerdictConsumerFromGroup(group, topic, applier, logger), nil
}

// NewVerdictConsumerFromGroup wraps an existing consumer group.
func NewVerdictConsumerFromGroup(group sarama.ConsumerGroup, topic string, applier VerdictApplier, logger *zap.Logger) *VerdictConsumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &VerdictConsumer{
		group:          group,
		topic:          topic,
		applier:        applier,
		maxRetries:     3,
		initialBackoff: 100 * time.Millisecond,
		logger:         logger,
	}
}

// Start consumes until ctx is cancelled.
func (c *VerdictConsumer) Start(ctx context.Context) error {
	handler := &consumerGroupHandler{consumer: c}

	go func() {
		for err := range c.group.Errors() {
			c.logger.Error("Kafka consumer group error", zap.Error(err))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Kafka consumer context cancelled")
			return nil
		default:
			if err := c.group.Consume(ctx, []string{c.topic}, handler); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return nil
				}
				c.logger.Error("Kafka consumer error", zap.Error(err))
				return err
			}
		}
	}
}

// Close leaves the consumer group.
func (c *VerdictConsumer) Close() error {
	return c.group.Close()
}

// HandleMessage decodes and applies one message. A nil return means the
// message may be committed.
func (c *VerdictConsumer) HandleMessage(ctx context.Context, message *sarama.ConsumerMessage) error {
	event, err := decodeVerdict(message)
	if err != nil {
		c.logger.Warn("Skipping undecodable verdict",
			zap.String("topic", message.Topic),
			zap.Int32("partition", message.Partition),
			zap.Int64("offset", message.Offset),
			zap.Error(err),
		)
		return nil
	}
	if event.SchemaVersion > compliance.VerdictSchemaVersion {
		c.logger.Warn("Skipping verdict with newer schema",
			zap.String("check_id", event.CheckID),
			zap.Int("schema_version", event.SchemaVersion),
		)
		return nil
	}

	var applied bool
	op := func() error {
		var applyErr error
		applied, applyErr = c.applier.ApplyVerdict(ctx, event)
		return applyErr
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initialBackoff
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.maxRetries)), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return fmt.Errorf("apply verdict %s: %w", event.CheckID, err)
	}

	c.logger.Debug("Verdict applied",
		zap.String("check_id", event.CheckID),
		zap.String("entity_id", event.EntityID),
		zap.String("status", string(event.Status)),
		zap.Bool("changed", applied),
	)
	return nil
}

func decodeVerdict(message *sarama.ConsumerMessage) (compliance.VerdictEvent, error) {
	var event compliance.VerdictEvent
	for _, h := range message.Headers {
		if h == nil || string(h.Key) != HeaderSchemaVersion {
			continue
		}
		if _, err := strconv.Atoi(string(h.Value)); err != nil {
			return event, fmt.Errorf("%w: bad schema header %q", errPoisonMessage, h.Value)
		}
	}
	if err := json.Unmarshal(message.Value, &event); err != nil {
		return event, fmt.Errorf("%w: %v", errPoisonMessage, err)
	}
	if event.CheckID == "" || event.EntityID == "" {
		return event, fmt.Errorf("%w: missing check or entity id", errPoisonMessage)
	}
	return event, nil
}

// consumerGroupHandler implements sarama.ConsumerGroupHandler.
type consumerGroupHandler struct {
	consumer *VerdictConsumer
}

func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	h.consumer.logger.Info("Kafka consumer group setup")
	return nil
}

func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	h.consumer.logger.Info("Kafka consumer group cleanup")
	return nil
}

func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok || message == nil {
				return nil
			}
			if err := h.consumer.HandleMessage(session.Context(), message); err != nil {
				// Offsets commit cumulatively, so nothing past a failed message may
				// be marked. Ending the claim restarts it from the last commit.
				h.consumer.logger.Error("Failed to process message",
					zap.String("topic", message.Topic),
					zap.Int32("partition", message.Partition),
					zap.Int64("offset", message.Offset),
					zap.Error(err),
				)
				return err
			}
			session.MarkMessage(message, "")
		case <-session.Context().Done():
			return nil
		}
	}
}
