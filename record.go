package outbox

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status represents the delivery lifecycle state of an event record.
type Status string

// Record lifecycle states.
const (
	// StatusPending marks a record that has been committed alongside its
	// business change and is waiting to be picked up by a dispatcher.
	StatusPending Status = "PENDING"

	// StatusPublishing marks a record claimed by exactly one dispatcher
	// instance for an in-flight delivery attempt.
	StatusPublishing Status = "PUBLISHING"

	// StatusPublished marks a record delivered to the external bus at
	// least once. Terminal.
	StatusPublished Status = "PUBLISHED"

	// StatusRetry marks a record whose last delivery attempt failed and
	// that becomes eligible again once NextRetryAt is due.
	StatusRetry Status = "RETRY"

	// StatusDeadLetter marks a record that exhausted its retry budget or
	// failed permanently. Terminal except for an explicit operator retry.
	StatusDeadLetter Status = "DEAD_LETTER"
)

// ParseStatus validates and converts a raw string status.
func ParseStatus(raw string) (Status, error) {
	status := Status(raw)
	if !status.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrStatusInvalid, raw)
	}

	return status, nil
}

// IsValid reports whether the status is part of the record lifecycle.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusPublishing, StatusPublished, StatusRetry, StatusDeadLetter:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status ends automatic processing.
func (s Status) IsTerminal() bool {
	return s == StatusPublished || s == StatusDeadLetter
}

// CanTransitionTo reports whether a transition from s to next is allowed.
// DEAD_LETTER -> PENDING is only reachable through an explicit operator
// retry, never through the dispatcher.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusPublishing
	case StatusRetry:
		return next == StatusPublishing
	case StatusPublishing:
		return next == StatusPublished || next == StatusRetry || next == StatusDeadLetter
	case StatusDeadLetter:
		return next == StatusPending
	default:
		return false
	}
}

func (s Status) String() string {
	return string(s)
}

// EventRecord is an event persisted in the outbox table in the same
// transaction as the business change that produced it.
type EventRecord struct {
	// ID is the store-assigned key, populated when the record is read back.
	ID int64

	// EventID is a globally unique token assigned at creation.
	// Consumers use it for de-duplication; it is never reused.
	EventID uuid.UUID

	// EventType and EventName classify the business change.
	EventType string
	EventName string

	// AggregateID and AggregateType identify the origin aggregate.
	// AggregateID doubles as the bus routing key when present.
	AggregateID   string
	AggregateType string

	// Payload contains the serialized business event body, opaque here.
	Payload []byte

	// Metadata carries serialized producer side-channel data.
	Metadata []byte

	// Provenance fields, optional.
	CorrelationID string
	CausationID   string
	UserID        string
	TraceID       string

	CreatedAt time.Time
	UpdatedAt time.Time

	Status Status

	// RetryCount is the number of failed delivery attempts so far.
	RetryCount int

	// MaxRetries is the retry budget, fixed at creation.
	MaxRetries int

	// NextRetryAt is set while the record waits in RETRY.
	NextRetryAt *time.Time

	// PublishedAt is set when the record reaches PUBLISHED.
	PublishedAt *time.Time

	// ErrorMessage records the last delivery failure, sanitized and bounded.
	ErrorMessage string
}

// RoutingKey returns the bus partition/ordering key for the record:
// the aggregate ID when present, the event ID otherwise.
func (r *EventRecord) RoutingKey() string {
	if r.AggregateID != "" {
		return r.AggregateID
	}

	return r.EventID.String()
}

// RecordOption is a function that configures an EventRecord at creation.
type RecordOption func(*EventRecord)

// WithEventID sets the caller-assigned event ID.
// If not provided, a new UUID is generated.
func WithEventID(id uuid.UUID) RecordOption {
	return func(r *EventRecord) {
		r.EventID = id
	}
}

// WithAggregate sets the origin aggregate of the event.
func WithAggregate(aggregateType, aggregateID string) RecordOption {
	return func(r *EventRecord) {
		r.AggregateType = aggregateType
		r.AggregateID = aggregateID
	}
}

// WithMetadata attaches serialized producer context (headers, tenant, etc).
func WithMetadata(metadata []byte) RecordOption {
	return func(r *EventRecord) {
		r.Metadata = metadata
	}
}

// WithCorrelation sets correlation and causation identifiers.
func WithCorrelation(correlationID, causationID string) RecordOption {
	return func(r *EventRecord) {
		r.CorrelationID = correlationID
		r.CausationID = causationID
	}
}

// WithUserID sets the acting user identifier.
func WithUserID(userID string) RecordOption {
	return func(r *EventRecord) {
		r.UserID = userID
	}
}

// WithTraceID sets the distributed tracing identifier.
func WithTraceID(traceID string) RecordOption {
	return func(r *EventRecord) {
		r.TraceID = traceID
	}
}

// WithMaxRetries overrides the retry budget for this record.
// The budget is fixed once the record is created.
func WithMaxRetries(maxRetries int) RecordOption {
	return func(r *EventRecord) {
		if maxRetries > 0 {
			r.MaxRetries = maxRetries
		}
	}
}

// WithCreatedAt sets the creation time. If not provided, the current
// UTC time is used.
func WithCreatedAt(createdAt time.Time) RecordOption {
	return func(r *EventRecord) {
		r.CreatedAt = createdAt
		r.UpdatedAt = createdAt
	}
}

// DefaultMaxRetries is the retry budget applied when no override is given.
const DefaultMaxRetries = 3

// NewRecord creates a PENDING event record with the given classification
// and payload. Returns an error when a required field is missing so a
// malformed event can never abort the caller's transaction half-built.
func NewRecord(eventType, eventName string, payload []byte, opts ...RecordOption) (*EventRecord, error) {
	if eventType == "" {
		return nil, ErrEventTypeRequired
	}

	if eventName == "" {
		return nil, ErrEventNameRequired
	}

	if len(payload) == 0 {
		return nil, ErrPayloadRequired
	}

	now := time.Now().UTC()

	r := &EventRecord{
		EventID:    uuid.New(),
		EventType:  eventType,
		EventName:  eventName,
		Payload:    payload,
		Status:     StatusPending,
		RetryCount: 0,
		MaxRetries: DefaultMaxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r, nil
}
