package broker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/abdelmounim-dev/voicesync/metrics"
	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"
)

const (
	kafkaMaxRetries     = 3
	kafkaInitialBackoff = 100 * time.Millisecond
	kafkaMaxBackoff     = 5 * time.Second
)

// KafkaPublisher implements Publisher using Apache Kafka
type KafkaPublisher struct {
	topic    string
	serverID string
	producer sarama.SyncProducer
	mu       sync.RWMutex
	closed   bool
}

// NewKafkaPublisher creates a Kafka producer for the room event topic.
func NewKafkaPublisher(brokers []string, topic, serverID string) (*KafkaPublisher, error) {
	config := sarama.NewConfig()

	// Producer configuration
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = kafkaMaxRetries
	config.Producer.Return.Successes = true
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.Flush.Frequency = 500 * time.Millisecond
	config.ClientID = "voicesync"

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Kafka producer")
	}

	return newKafkaPublisher(producer, topic, serverID), nil
}

func newKafkaPublisher(producer sarama.SyncProducer, topic, serverID string) *KafkaPublisher {
	return &KafkaPublisher{
		topic:    topic,
		serverID: serverID,
		producer: producer,
	}
}

// Publish sends the event keyed by room, so one room's events stay ordered
// within a partition.
func (p *KafkaPublisher) Publish(ctx context.Context, event Event) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return errors.New("publisher is closed")
	}
	p.mu.RUnlock()

	if event.ServerID == "" {
		event.ServerID = p.serverID
	}
	data, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "failed to marshal event")
	}

	kafkaMsg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(event.RoomID),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{
				Key:   []byte("event_type"),
				Value: []byte(event.Type),
			},
		},
		Timestamp: event.At,
	}

	operation := func() error {
		_, _, err := p.producer.SendMessage(kafkaMsg)
		return err
	}

	backoffStrategy := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(kafkaInitialBackoff),
				backoff.WithMaxInterval(kafkaMaxBackoff),
			),
			kafkaMaxRetries,
		),
		ctx,
	)

	err = backoff.RetryNotify(operation, backoffStrategy, func(err error, d time.Duration) {
		metrics.BrokerPublishRetries.WithLabelValues("kafka").Inc()
		zlog.Warn().Err(err).Str("room", event.RoomID).Dur("wait", d).Msg("retrying Kafka publish")
	})
	if err != nil {
		return err
	}
	metrics.BrokerMessagesPublished.WithLabelValues("kafka").Inc()
	return nil
}

// Close cleans up resources
func (p *KafkaPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	if err := p.producer.Close(); err != nil {
		return errors.Wrap(err, "failed to close producer")
	}
	return nil
}
