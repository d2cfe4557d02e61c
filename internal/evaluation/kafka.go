package evaluation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"

	"github.com/ecomsec/sentinel/internal/retry"
)

// KafkaSink publishes completed evaluations to a Kafka topic so downstream
// consumers (case management, model training pipelines) see every decision.
type KafkaSink struct {
	producer sarama.SyncProducer
	topic    string
}

// NewKafkaSink connects a synchronous producer to brokers. The producer is
// synchronous because the sink already runs off the hot path and delivery
// confirmation is worth more than throughput here.
func NewKafkaSink(brokers []string, topic string) (*KafkaSink, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Timeout = 5 * time.Second

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating Kafka producer: %w", err)
	}
	return &KafkaSink{producer: producer, topic: topic}, nil
}

func (k *KafkaSink) Name() string { return "kafka" }

// Publish sends the evaluation keyed by transaction ID, so replays of the
// same transaction land in the same partition.
func (k *KafkaSink) Publish(ctx context.Context, result *EvaluationResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return retry.Permanent(fmt.Errorf("marshaling evaluation: %w", err))
	}

	return retry.Do(ctx, 3, 100*time.Millisecond, func() error {
		_, _, err := k.producer.SendMessage(&sarama.ProducerMessage{
			Topic: k.topic,
			Key:   sarama.StringEncoder(result.TransactionID),
			Value: sarama.ByteEncoder(payload),
		})
		return err
	})
}

// Close shuts the producer down.
func (k *KafkaSink) Close() error {
	return k.producer.Close()
}
