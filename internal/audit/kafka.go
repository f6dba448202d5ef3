package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
)

// Kafka publishes entries as JSON messages keyed by request id.
type Kafka struct {
	producer sarama.SyncProducer
	topic    string
}

var _ Sink = (*Kafka)(nil)

// NewKafkaProducer creates a synchronous producer that waits for all
// in-sync replicas.
func NewKafkaProducer(brokers []string) (sarama.SyncProducer, error) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Timeout = 10 * time.Second

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return producer, nil
}

// NewKafka creates a sink on an existing producer.
func NewKafka(producer sarama.SyncProducer, topic string) *Kafka {
	return &Kafka{producer: producer, topic: topic}
}

// Emit implements Sink. All entries of a call are sent as one batch.
func (k *Kafka) Emit(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	msgs := make([]*sarama.ProducerMessage, len(entries))
	for i, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode audit entry: %w", err)
		}
		msgs[i] = &sarama.ProducerMessage{
			Topic: k.topic,
			Key:   sarama.StringEncoder(e.RequestID),
			Value: sarama.ByteEncoder(data),
			Headers: []sarama.RecordHeader{
				{Key: []byte("stage"), Value: []byte(e.Stage)},
				{Key: []byte("type"), Value: []byte(e.Type)},
			},
			Timestamp: e.Timestamp,
		}
	}

	if err := k.producer.SendMessages(msgs); err != nil {
		return fmt.Errorf("send audit entries: %w", err)
	}
	return nil
}

// Close closes the producer.
func (k *Kafka) Close() error {
	return k.producer.Close()
}
