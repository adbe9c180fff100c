// Package kafka delivers outbox envelopes to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/droidbss/outbox"
)

// Publisher delivers envelopes to a Kafka topic. The routing key becomes
// the message key, so all events of one aggregate land on one partition
// and consumers observe them in append order.
type Publisher struct {
	writer *kafka.Writer
}

// NewPublisher creates a Publisher over an existing kafka-go writer.
// The writer's lifecycle (Close) stays with the caller.
func NewPublisher(writer *kafka.Writer) *Publisher {
	return &Publisher{writer: writer}
}

// NewPublisherForTopic creates a Publisher with its own writer for the
// given brokers and topic. Close releases the writer.
func NewPublisherForTopic(brokers []string, topic string) *Publisher {
	return &Publisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
		},
	}
}

// Deliver implements outbox.DeliveryAdapter.
func (p *Publisher) Deliver(ctx context.Context, key string, env *outbox.Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return outbox.Permanent(fmt.Errorf("marshaling envelope %s: %w", env.EventID, err))
	}

	headers := []kafka.Header{
		{Key: "event_id", Value: []byte(env.EventID)},
		{Key: "event_type", Value: []byte(env.EventType)},
		{Key: "event_name", Value: []byte(env.EventName)},
	}
	for k, v := range env.MetadataHeaders() {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}

	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(key),
		Value:   body,
		Headers: headers,
	})
}

// Close releases the underlying writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}
