// Package rabbit delivers outbox envelopes to a RabbitMQ exchange.
package rabbit

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/droidbss/outbox"
)

// Publisher delivers envelopes to a RabbitMQ exchange using the record's
// routing key, with persistent delivery mode so messages survive a broker
// restart.
type Publisher struct {
	channel  *amqp.Channel
	exchange string
}

// NewPublisher creates a Publisher over an existing channel. The channel
// and connection lifecycle stays with the caller. An empty exchange
// publishes to the default exchange, where the routing key addresses a
// queue directly.
func NewPublisher(channel *amqp.Channel, exchange string) *Publisher {
	return &Publisher{channel: channel, exchange: exchange}
}

// Deliver implements outbox.DeliveryAdapter.
func (p *Publisher) Deliver(ctx context.Context, key string, env *outbox.Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return outbox.Permanent(fmt.Errorf("marshaling envelope %s: %w", env.EventID, err))
	}

	headers := amqp.Table{
		"event_type": env.EventType,
		"event_name": env.EventName,
	}
	for k, v := range env.MetadataHeaders() {
		headers[k] = v
	}

	return p.channel.PublishWithContext(
		ctx,
		p.exchange,
		key,   // routing key
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:   "application/json",
			Body:          body,
			MessageId:     env.EventID,
			Type:          env.EventName,
			CorrelationId: env.CorrelationID,
			Headers:       headers,
			DeliveryMode:  amqp.Persistent,
			Timestamp:     env.Timestamp,
		},
	)
}
