package kafka

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/Dhoini/Billing-orchestrator/pkg/logger"

	kafkaGo "github.com/segmentio/kafka-go"
)

const defaultPartitions = 3

// TopicConfigs конфигурация топиков сервиса: уведомления и события подписок
func TopicConfigs(topics ...string) []kafkaGo.TopicConfig {
	configs := make([]kafkaGo.TopicConfig, 0, len(topics))
	for _, t := range topics {
		if t = strings.TrimSpace(t); t == "" {
			continue
		}
		configs = append(configs, kafkaGo.TopicConfig{
			Topic:             t,
			NumPartitions:     defaultPartitions,
			ReplicationFactor: 1,
		})
	}
	return configs
}

// EnsureKafkaTopics проверяет и создает необходимые топики Kafka.
func EnsureKafkaTopics(ctx context.Context, brokers []string, required []kafkaGo.TopicConfig, log *logger.Logger) error {
	log.Infow("Ensuring Kafka topics exist...", "topics", topicNames(required))

	if err := validateBroker(brokers); err != nil {
		log.Errorw("Invalid Kafka broker address", "brokers", brokers, "error", err)
		return err
	}

	connCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	conn, err := kafkaGo.DialLeader(connCtx, "tcp", brokers[0], "", 0)
	if err != nil {
		log.Errorw("Failed to connect to Kafka broker for topic creation", "broker", brokers[0], "error", err)
		return fmt.Errorf("kafka connection failed: %w", err)
	}
	defer conn.Close()

	partitions, err := conn.ReadPartitions()
	if err != nil {
		log.Errorw("Failed to read partitions from Kafka", "error", err)
		return fmt.Errorf("kafka read partitions failed: %w", err)
	}

	toCreate := missingTopics(required, partitions)
	if len(toCreate) == 0 {
		log.Infow("All required topics already exist.")
		return nil
	}

	log.Infow("Attempting to create topics...", "topics", topicNames(toCreate))
	if err := conn.CreateTopics(toCreate...); err != nil {
		if !errors.Is(err, kafkaGo.TopicAlreadyExists) {
			log.Errorw("Failed to create topics", "error", err, "topics", topicNames(toCreate))
			return fmt.Errorf("kafka create topics failed: %w", err)
		}
		log.Warnw("One or more topics already existed during creation attempt", "topics", topicNames(toCreate))
	}

	log.Infow("Successfully created or verified topics", "topics", topicNames(toCreate))
	return nil
}

func validateBroker(brokers []string) error {
	if len(brokers) == 0 || strings.TrimSpace(brokers[0]) == "" {
		return errors.New("kafka broker address is empty")
	}
	_, portStr, err := net.SplitHostPort(strings.TrimSpace(brokers[0]))
	if err != nil {
		return fmt.Errorf("invalid broker address %s: %w", brokers[0], err)
	}
	if _, err := strconv.Atoi(portStr); err != nil {
		return fmt.Errorf("invalid broker port %s: %w", brokers[0], err)
	}
	return nil
}

func missingTopics(required []kafkaGo.TopicConfig, partitions []kafkaGo.Partition) []kafkaGo.TopicConfig {
	existing := make(map[string]bool, len(partitions))
	for _, p := range partitions {
		existing[p.Topic] = true
	}

	var out []kafkaGo.TopicConfig
	for _, tc := range required {
		if !existing[tc.Topic] {
			out = append(out, tc)
		}
	}
	return out
}

func topicNames(configs []kafkaGo.TopicConfig) []string {
	names := make([]string, 0, len(configs))
	for _, tc := range configs {
		names = append(names, tc.Topic)
	}
	return names
}
