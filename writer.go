package outbox

import (
	"context"
	"fmt"
)

// Writer stores event records in the outbox table as part of user-defined
// queries within a database transaction. This is the producer-facing side
// of the pipeline: a record appended through the Writer commits or rolls
// back atomically with the business change that produced it.
type Writer struct {
	dbCtx *DBContext
	store *Store

	notify func()
}

// UnmanagedWriter provides low-level access to outbox table persistence.
//
// Unlike Writer, UnmanagedWriter does not start, commit, or rollback
// transactions. It is intended for callers who manage the transaction
// lifecycle themselves and only need to persist event records.
//
// An UnmanagedWriter must be obtained via Writer.Unmanaged().
type UnmanagedWriter struct {
	store *Store
}

// TxWorkFunc is the user supplied callback for [Writer.WriteOne].
// It executes user defined queries within the same transaction that stores
// the given event record. The Writer commits or rolls back the transaction
// once the callback completes.
type TxWorkFunc func(ctx context.Context, tx TxQueryer) error

// WorkFunc is the user supplied callback for [Writer.Write].
// It executes user defined queries and appends event records within the
// same transaction. The Writer commits or rolls back the transaction once
// the callback completes.
type WorkFunc func(ctx context.Context, tx TxQueryer, appender Appender) error

// Appender stores event records within a managed transaction.
type Appender interface {
	// Append persists a PENDING event record in the outbox table.
	// The record is committed when the enclosing transaction commits;
	// a storage error propagates to the caller and aborts the whole
	// transaction, so no event is ever silently dropped at creation.
	Append(ctx context.Context, r *EventRecord) error
}

// WriterOption is a function that configures a Writer instance.
type WriterOption func(*Writer)

// WithDispatchNotifier registers a callback invoked after a transaction
// carrying at least one record commits. Wiring it to Dispatcher.Kick
// shortens delivery latency below the polling interval without touching
// the correctness path: if the nudge is lost, the next poll delivers.
func WithDispatchNotifier(notify func()) WriterOption {
	return func(w *Writer) {
		w.notify = notify
	}
}

// NewWriter creates a new outbox Writer with the given database context and options.
func NewWriter(dbCtx *DBContext, opts ...WriterOption) *Writer {
	w := &Writer{
		dbCtx: dbCtx,
		store: NewStore(dbCtx),
	}

	for _, opt := range opts {
		opt(w)
	}

	return w
}

// Write executes user defined queries and appends event records within the
// same managed transaction.
//
// This is the recommended approach when you need to:
//   - Conditionally append records based on business logic
//   - Append multiple records per transaction
//
// The transaction commits if the callback returns nil, or rolls back if it
// returns an error or panics. Records are committed atomically with your
// database changes.
//
// Example:
//
//	err := writer.Write(ctx, func(ctx context.Context, tx outbox.TxQueryer, appender outbox.Appender) error {
//	    result, err := tx.ExecContext(ctx,
//	        "UPDATE invoices SET status = 'ISSUED' WHERE id = $1 AND status = 'DRAFT'",
//	        invoiceID)
//	    if err != nil {
//	        return err
//	    }
//
//	    rows, _ := result.RowsAffected()
//	    if rows == 0 {
//	        return ErrInvoiceNotDraft // no record appended, transaction rolled back
//	    }
//
//	    record, err := outbox.NewRecord("invoice", "invoice.issued", payload,
//	        outbox.WithAggregate("invoice", invoiceID))
//	    if err != nil {
//	        return err
//	    }
//
//	    return appender.Append(ctx, record)
//	})
func (w *Writer) Write(ctx context.Context, fn WorkFunc) error {
	tx, err := w.dbCtx.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	var txCommitted bool
	defer func() {
		if !txCommitted {
			_ = tx.Rollback()
		}
	}()

	appender := &txAppender{
		store: w.store,
		tx:    tx,
	}

	err = fn(ctx, tx, appender)
	if err != nil {
		return err
	}

	err = tx.Commit()
	txCommitted = err == nil

	if txCommitted && w.notify != nil && appender.appended > 0 {
		w.notify()
	}

	if err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	return nil
}

// WriteOne executes the provided callback and appends one event record as
// part of a managed transaction.
//
// The transaction commits if the callback returns nil, or rolls back if it
// returns an error or panics.
//
// For conditional or multiple record appends use [Writer.Write] instead.
func (w *Writer) WriteOne(ctx context.Context, r *EventRecord, fn TxWorkFunc) error {
	return w.Write(ctx, func(ctx context.Context, tx TxQueryer, appender Appender) error {
		err := fn(ctx, tx)
		if err != nil {
			return err
		}

		return appender.Append(ctx, r)
	})
}

// Unmanaged returns an UnmanagedWriter that does not manage the transaction
// lifecycle. Useful for callers whose transaction orchestration lives
// elsewhere (e.g. a service layer that already owns a *sql.Tx).
func (w *Writer) Unmanaged() *UnmanagedWriter {
	return &UnmanagedWriter{store: w.store}
}

// Append persists an event record into the outbox table using a caller
// provided transaction.
//
// Append only makes the record durable if the provided transaction is
// committed successfully. It does not manage the transaction lifecycle;
// committing or rolling back is the caller's responsibility.
func (w *UnmanagedWriter) Append(ctx context.Context, tx TxQueryer, r *EventRecord) error {
	return w.store.Insert(ctx, tx, r)
}

type txAppender struct {
	store    *Store
	tx       TxQueryer
	appended int
}

func (a *txAppender) Append(ctx context.Context, r *EventRecord) error {
	err := a.store.Insert(ctx, a.tx, r)
	if err != nil {
		return err
	}
	a.appended++
	return nil
}
