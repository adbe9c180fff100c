package outbox

import "errors"

var (
	// ErrEventTypeRequired is returned when a record is created without an event type.
	ErrEventTypeRequired = errors.New("outbox: event type is required")

	// ErrEventNameRequired is returned when a record is created without an event name.
	ErrEventNameRequired = errors.New("outbox: event name is required")

	// ErrPayloadRequired is returned when a record is created without a payload.
	ErrPayloadRequired = errors.New("outbox: event payload is required")

	// ErrStatusInvalid is returned when a raw status value is not part of the lifecycle.
	ErrStatusInvalid = errors.New("outbox: invalid status")

	// ErrRecordNotFound is returned when no record exists for the given event ID.
	ErrRecordNotFound = errors.New("outbox: record not found")

	// ErrAlreadyInFlight is returned by manual retry when the record is not
	// dead-lettered: retrying a PENDING, PUBLISHING or RETRY record would
	// risk a duplicate concurrent dispatch.
	ErrAlreadyInFlight = errors.New("outbox: record already in flight")

	// ErrStorageRequired is returned when a component is built without storage.
	ErrStorageRequired = errors.New("outbox: storage is required")

	// ErrAdapterRequired is returned when a dispatcher is built without a delivery adapter.
	ErrAdapterRequired = errors.New("outbox: delivery adapter is required")
)
