package events

import (
	"context"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

// KafkaConfig holds broker settings shared by the producer and consumer.
type KafkaConfig struct {
	Brokers       []string `mapstructure:"brokers"`
	ClientID      string   `mapstructure:"client_id"`
	ConsumerGroup string   `mapstructure:"consumer_group"`
}

// KafkaSink writes messages through a synchronous producer, so Send returns
// after the brokers have acknowledged the write.
type KafkaSink struct {
	producer sarama.SyncProducer
	logger   *zap.Logger
}

// NewKafkaSink connects a producer requiring acknowledgement from all in-sync replicas.
func NewKafkaSink(cfg KafkaConfig, logger *zap.Logger) (*KafkaSink, error) {
	saramaConfig := sarama.NewConfig()
	if cfg.ClientID != "" {
		saramaConfig.ClientID = cfg.ClientID
	}
	saramaConfig.Producer.Return.Successes = true
	saramaConfig.Producer.Retry.Max = 3
	saramaConfig.Producer.RequiredAcks = sarama.WaitForAll
	saramaConfig.Producer.Compression = sarama.CompressionSnappy
	saramaConfig.Producer.Idempotent = true
	saramaConfig.Net.MaxOpenRequests = 1
	saramaConfig.Version = sarama.V2_8_0_0

	producer, err := sarama.NewSyncProducer(cfg.Brokers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}
	return NewKafkaSinkFromProducer(producer, logger), nil
}

// NewKafkaSinkFromProducer wraps an existing producer.
func NewKafkaSinkFromProducer(producer sarama.SyncProducer, logger *zap.Logger) *KafkaSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaSink{producer: producer, logger: logger}
}

// Send publishes msg and blocks until it is acknowledged.
func (s *KafkaSink) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	headers := make([]sarama.RecordHeader, 0, len(msg.Headers))
	for k, v := range msg.Headers {
		headers = append(headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}
	message := &sarama.ProducerMessage{
		Topic:   msg.Topic,
		Key:     sarama.StringEncoder(msg.Key),
		Value:   sarama.ByteEncoder(msg.Value),
		Headers: headers,
	}
	if !msg.CreatedAt.IsZero() {
		message.Timestamp = msg.CreatedAt
	}

	partition, offset, err := s.producer.SendMessage(message)
	if err != nil {
		s.logger.Error("Failed to publish event",
			zap.String("topic", msg.Topic),
			zap.String("key", msg.Key),
			zap.Error(err),
		)
		return fmt.Errorf("failed to publish event: %w", err)
	}

	s.logger.Debug("Event published",
		zap.String("topic", msg.Topic),
		zap.String("key", msg.Key),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset),
	)
	return nil
}

// Close closes the producer.
func (s *KafkaSink) Close() error {
	return s.producer.Close()
}

// LogSink writes events to the logger only. It is used when no brokers are
// configured.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.logger.Info("Event emitted",
		zap.String("topic", msg.Topic),
		zap.String("key", msg.Key),
		zap.String("event_type", msg.Headers[HeaderEventType]),
		zap.Time("event_time", msg.CreatedAt.UTC().Truncate(time.Microsecond)),
		zap.ByteString("payload", msg.Value),
	)
	return nil
}

func (s *LogSink) Close() error { return nil }
