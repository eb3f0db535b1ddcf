package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaPublisher forwards gift events to a Kafka topic so downstream
// consumers (analytics, fulfilment) see which gifts were attached to carts.
type KafkaPublisher struct {
	writer *kafka.Writer
	kinds  map[Kind]bool
}

// NewKafkaPublisher creates a publisher writing to topic on brokers.
// Only events of the listed kinds are forwarded; none means gift:added only.
func NewKafkaPublisher(brokers []string, topic string, kinds ...Kind) *KafkaPublisher {
	if len(kinds) == 0 {
		kinds = []Kind{KindGiftAdded}
	}
	allowed := make(map[Kind]bool, len(kinds))
	for _, k := range kinds {
		allowed[k] = true
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.LeastBytes{},
			// Gift events trickle in one at a time; don't hold each for a
			// full default batch window.
			BatchTimeout: 10 * time.Millisecond,
			WriteTimeout: 5 * time.Second,
		},
		kinds: allowed,
	}
}

// Publish writes ev keyed by its origin. Events of other kinds are skipped.
func (p *KafkaPublisher) Publish(ctx context.Context, ev Event) error {
	if !p.kinds[ev.Kind] {
		return nil
	}
	msg, err := Message(ev)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("writing %s to kafka: %w", ev.Kind, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// Message encodes ev as a Kafka message. Sections markup is dropped: it is
// page-local and can be large.
func Message(ev Event) (kafka.Message, error) {
	ev.Sections = nil
	value, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshaling event: %w", err)
	}
	return kafka.Message{
		Key:   []byte(ev.Origin),
		Value: value,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(ev.Kind)},
		},
	}, nil
}

var _ Publisher = (*KafkaPublisher)(nil)
