package outbox

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Operator exposes the manual intervention surface: replaying
// dead-lettered records, listing the dead-letter backlog and reading the
// per-status census. It is the API behind the management CLI.
type Operator struct {
	storage    Storage
	dispatcher *Dispatcher
	logger     *zap.Logger
}

// OperatorOption is a function that configures an Operator instance.
type OperatorOption func(*Operator)

// WithOperatorDispatcher attaches a dispatcher so a replayed record is
// delivered immediately instead of waiting for the next polling cycle.
func WithOperatorDispatcher(dispatcher *Dispatcher) OperatorOption {
	return func(o *Operator) {
		o.dispatcher = dispatcher
	}
}

// WithOperatorLogger sets the structured logger. Default is a no-op logger.
func WithOperatorLogger(logger *zap.Logger) OperatorOption {
	return func(o *Operator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// NewOperator creates an Operator with the given storage and options.
func NewOperator(storage Storage, opts ...OperatorOption) (*Operator, error) {
	if storage == nil {
		return nil, ErrStorageRequired
	}

	o := &Operator{
		storage: storage,
		logger:  zap.NewNop(),
	}

	for _, opt := range opts {
		opt(o)
	}

	return o, nil
}

// Retry replays a dead-lettered record: its status returns to PENDING,
// the retry counter resets to zero and the stored error is cleared, so
// the record re-enters the pipeline with a full retry budget.
//
// Only DEAD_LETTER records can be replayed. A record in any live status
// is already owned by the pipeline and Retry reports ErrAlreadyInFlight;
// racing a concurrent replay of the same record is resolved by the
// status-guarded reset, the loser gets ErrAlreadyInFlight too.
//
// When a dispatcher is attached, Retry also runs one synchronous
// delivery attempt so the operator sees the outcome without waiting for
// the next cycle. A failed attempt is not an error from Retry's point of
// view: the record is back in the pipeline and retries resume normally.
func (o *Operator) Retry(ctx context.Context, eventID uuid.UUID) error {
	record, err := o.storage.FindByEventID(ctx, eventID)
	if err != nil {
		return err
	}

	switch record.Status {
	case StatusDeadLetter:
	case StatusPublished:
		return fmt.Errorf("record %s already published", eventID)
	default:
		return fmt.Errorf("%w: %s is %s", ErrAlreadyInFlight, eventID, record.Status)
	}

	reset, err := o.storage.ResetDeadLetter(ctx, eventID)
	if err != nil {
		return err
	}

	if !reset {
		return fmt.Errorf("%w: %s", ErrAlreadyInFlight, eventID)
	}

	o.logger.Info("dead-lettered record queued for replay",
		zap.String("event_id", eventID.String()),
		zap.String("event_name", record.EventName))

	if o.dispatcher == nil {
		return nil
	}

	if err := o.dispatcher.DispatchEvent(ctx, eventID); err != nil {
		o.logger.Warn("immediate replay attempt did not complete, record remains queued",
			zap.String("event_id", eventID.String()),
			zap.Error(err))
	}

	return nil
}

// GetStatistics returns the number of records per status.
func (o *Operator) GetStatistics(ctx context.Context) (Statistics, error) {
	return o.storage.CountByStatus(ctx)
}

// ListDeadLetter returns one page of dead-lettered records ordered by
// last update, newest first. Pages are 1-based.
func (o *Operator) ListDeadLetter(ctx context.Context, page, perPage int) ([]*EventRecord, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 50
	}

	return o.storage.ListDeadLetter(ctx, (page-1)*perPage, perPage)
}
