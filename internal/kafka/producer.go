package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Dhoini/Billing-orchestrator/pkg/logger"

	"github.com/segmentio/kafka-go"
)

const writeTimeout = 15 * time.Second

// Producer публикует JSON сообщения. Ключ сообщения определяет партицию:
// события одного клиента или подписки попадают в одну партицию и сохраняют порядок.
type Producer interface {
	Publish(ctx context.Context, topic, key string, payload any) error
	Close() error
}

// messageWriter часть kafka.Writer, которую использует продюсер
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type kafkaProducer struct {
	writer messageWriter
	log    *logger.Logger
}

// NewKafkaProducer создает и настраивает новый продюсер Kafka.
func NewKafkaProducer(brokers []string, log *logger.Logger) (Producer, error) {
	if len(brokers) == 0 {
		log.Errorw("Kafka brokers list is empty in config, cannot create producer")
		return nil, errors.New("kafka brokers are not configured")
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		ReadTimeout:  10 * time.Second,
	}

	log.Infow("Kafka producer initialized", "brokers", brokers)
	return newProducer(writer, log), nil
}

func newProducer(writer messageWriter, log *logger.Logger) *kafkaProducer {
	return &kafkaProducer{writer: writer, log: log}
}

// Publish сериализует payload в JSON и пишет одно сообщение в topic.
func (k *kafkaProducer) Publish(ctx context.Context, topic, key string, payload any) error {
	value, err := json.Marshal(payload)
	if err != nil {
		k.log.Errorw("Failed to marshal message for Kafka", "error", err, "topic", topic, "key", key)
		return fmt.Errorf("kafka: failed to marshal message data: %w", err)
	}

	message := kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
		Time:  time.Now(),
	}

	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	if err := k.writer.WriteMessages(writeCtx, message); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			k.log.Errorw("Kafka write timeout exceeded", "error", err, "topic", topic, "key", key)
			return fmt.Errorf("kafka: write timeout: %w", err)
		}
		k.log.Errorw("Failed to write message to Kafka", "error", err, "topic", topic, "key", key)
		return fmt.Errorf("kafka: failed to write message: %w", err)
	}

	k.log.Debugw("Published message to Kafka", "topic", topic, "key", key)
	return nil
}

// Close закрывает writer. Вызывается при graceful shutdown.
func (k *kafkaProducer) Close() error {
	k.log.Infow("Closing Kafka producer writer...")
	if err := k.writer.Close(); err != nil {
		k.log.Errorw("Failed to close Kafka writer", "error", err)
		return fmt.Errorf("kafka: failed to close writer: %w", err)
	}
	k.log.Infow("Kafka producer writer closed successfully")
	return nil
}
