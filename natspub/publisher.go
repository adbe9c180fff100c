// Package natspub delivers outbox envelopes to NATS subjects.
package natspub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/droidbss/outbox"
)

// Publisher delivers envelopes to NATS. The subject is the configured
// prefix joined with the routing key, e.g. "events.INV-42".
type Publisher struct {
	conn          *nats.Conn
	subjectPrefix string
}

// NewPublisher creates a Publisher over an existing connection. The
// connection lifecycle stays with the caller.
func NewPublisher(conn *nats.Conn, subjectPrefix string) *Publisher {
	return &Publisher{conn: conn, subjectPrefix: subjectPrefix}
}

// Deliver implements outbox.DeliveryAdapter.
func (p *Publisher) Deliver(ctx context.Context, key string, env *outbox.Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return outbox.Permanent(fmt.Errorf("marshaling envelope %s: %w", env.EventID, err))
	}

	msg := &nats.Msg{
		Subject: p.subjectPrefix + "." + key,
		Data:    body,
		Header:  make(nats.Header),
	}
	msg.Header.Set("event_id", env.EventID)
	msg.Header.Set("event_type", env.EventType)
	msg.Header.Set("event_name", env.EventName)
	for k, v := range env.MetadataHeaders() {
		msg.Header.Set(k, v)
	}

	if err := p.conn.PublishMsg(msg); err != nil {
		return err
	}

	// Core NATS publish is fire-and-forget; flush so a dead connection
	// surfaces as a delivery failure instead of a silent drop.
	return p.conn.FlushWithContext(ctx)
}
