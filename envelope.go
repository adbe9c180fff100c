package outbox

import (
	"encoding/json"
	"time"
)

// Envelope is the wire shape of an event on the external bus.
// Payload and metadata are forwarded verbatim; everything else is copied
// from the record so consumers can de-duplicate and correlate without
// parsing the payload.
type Envelope struct {
	EventID       string          `json:"eventId"`
	EventType     string          `json:"eventType"`
	EventName     string          `json:"eventName"`
	AggregateID   string          `json:"aggregateId,omitempty"`
	AggregateType string          `json:"aggregateType,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	CausationID   string          `json:"causationId,omitempty"`
	UserID        string          `json:"userId,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// NewEnvelope builds the bus envelope for a record.
func NewEnvelope(r *EventRecord) *Envelope {
	return &Envelope{
		EventID:       r.EventID.String(),
		EventType:     r.EventType,
		EventName:     r.EventName,
		AggregateID:   r.AggregateID,
		AggregateType: r.AggregateType,
		Payload:       json.RawMessage(r.Payload),
		Metadata:      json.RawMessage(r.Metadata),
		CorrelationID: r.CorrelationID,
		CausationID:   r.CausationID,
		UserID:        r.UserID,
		Timestamp:     r.CreatedAt,
	}
}

// MetadataHeaders decodes the record metadata as a flat string map, the
// conventional header shape for bus adapters. Returns nil when the
// metadata is absent or not a JSON object.
func (e *Envelope) MetadataHeaders() map[string]string {
	if len(e.Metadata) == 0 {
		return nil
	}

	headers := map[string]string{}
	if err := json.Unmarshal(e.Metadata, &headers); err != nil {
		return nil
	}

	return headers
}
