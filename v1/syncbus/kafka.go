package syncbus

import (
	"context"
	"sync/atomic"

	sarama "github.com/IBM/sarama"
)

const defaultKafkaTopic = "sesslock.leases"

// KafkaBus implements Bus by writing lease events to a Kafka topic, keyed by
// lease key so every event of one lease lands on the same partition.
type KafkaBus struct {
	producer  sarama.SyncProducer
	topic     string
	published uint64
}

// NewKafkaBus creates a new KafkaBus connecting to the given brokers.
func NewKafkaBus(brokers []string, cfg *sarama.Config, topic string) (*KafkaBus, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	if !cfg.Producer.Return.Successes {
		cfg.Producer.Return.Successes = true
	}
	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, err
	}
	return NewKafkaBusFromProducer(producer, topic), nil
}

// NewKafkaBusFromProducer wraps an existing producer.
func NewKafkaBusFromProducer(producer sarama.SyncProducer, topic string) *KafkaBus {
	if topic == "" {
		topic = defaultKafkaTopic
	}
	return &KafkaBus{producer: producer, topic: topic}
}

// Publish implements Bus.Publish.
func (b *KafkaBus) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := ev.encode()
	if err != nil {
		return err
	}
	_, _, err = b.producer.SendMessage(&sarama.ProducerMessage{
		Topic: b.topic,
		Key:   sarama.StringEncoder(ev.Key),
		Value: sarama.ByteEncoder(data),
	})
	if err != nil {
		return err
	}
	atomic.AddUint64(&b.published, 1)
	return nil
}

// Close closes the underlying producer.
func (b *KafkaBus) Close() error {
	return b.producer.Close()
}

// Metrics returns the published count. Kafka delivery is not tracked.
func (b *KafkaBus) Metrics() Metrics {
	return Metrics{Published: atomic.LoadUint64(&b.published)}
}
