package outbox

import (
	"context"
	"database/sql"
	"errors"
	"testing"
)

type fakeResult struct{}

func (fakeResult) LastInsertId() (int64, error) { return 1, nil }
func (fakeResult) RowsAffected() (int64, error) { return 1, nil }

type fakeDB struct {
	beginTxErr error
	tx         *fakeTx
}

func (f *fakeDB) BeginTx(_ context.Context, _ *sql.TxOptions) (Tx, error) {
	if f.beginTxErr != nil {
		return nil, f.beginTxErr
	}
	return f.tx, nil
}

func (f *fakeDB) ExecContext(_ context.Context, _ string, _ ...any) (sql.Result, error) {
	return fakeResult{}, nil
}

func (f *fakeDB) QueryContext(_ context.Context, _ string, _ ...any) (*sql.Rows, error) {
	return nil, nil
}

type fakeTx struct {
	execErr     error
	commitErr   error
	rollbackErr error

	execCalled bool
	committed  bool
	rolledBack bool
}

func (f *fakeTx) ExecContext(_ context.Context, _ string, _ ...any) (sql.Result, error) {
	f.execCalled = true
	if f.execErr != nil {
		return nil, f.execErr
	}
	return fakeResult{}, nil
}

func (f *fakeTx) QueryContext(_ context.Context, _ string, _ ...any) (*sql.Rows, error) {
	return nil, nil
}

func (f *fakeTx) QueryRowContext(_ context.Context, _ string, _ ...any) *sql.Row {
	return nil
}

func (f *fakeTx) Commit() error {
	f.committed = true
	return f.commitErr
}

func (f *fakeTx) Rollback() error {
	f.rolledBack = true
	return f.rollbackErr
}

func testRecord(t *testing.T) *EventRecord {
	t.Helper()

	r, err := NewRecord("invoice", "invoice.issued", []byte(`{}`))
	if err != nil {
		t.Fatalf("creating record: %v", err)
	}
	return r
}

func TestWriterSucceed(t *testing.T) {
	tx := &fakeTx{}
	db := &fakeDB{tx: tx}

	var notified bool
	writer := NewWriter(NewDBContextWithDB(db, SQLDialectPostgres),
		WithDispatchNotifier(func() { notified = true }))

	var callbackCalled bool
	err := writer.Write(context.Background(), func(ctx context.Context, _ TxQueryer, appender Appender) error {
		callbackCalled = true
		return appender.Append(ctx, testRecord(t))
	})

	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if !callbackCalled {
		t.Fatal("expected callback to be called")
	}
	if !tx.execCalled {
		t.Fatal("expected tx.ExecContext to be called")
	}
	if tx.rolledBack {
		t.Fatal("expected tx not to be rolled back")
	}
	if !tx.committed {
		t.Fatal("expected tx to be committed")
	}
	if !notified {
		t.Fatal("expected dispatch notifier to be called")
	}
}

func TestWriterRollsBackOnCallbackError(t *testing.T) {
	tx := &fakeTx{}
	db := &fakeDB{tx: tx}

	var notified bool
	writer := NewWriter(NewDBContextWithDB(db, SQLDialectPostgres),
		WithDispatchNotifier(func() { notified = true }))

	callbackErr := errors.New("business rule violated")
	err := writer.Write(context.Background(), func(ctx context.Context, _ TxQueryer, appender Appender) error {
		if err := appender.Append(ctx, testRecord(t)); err != nil {
			return err
		}
		return callbackErr
	})

	if !errors.Is(err, callbackErr) {
		t.Fatalf("expected error to be %v, got: %v", callbackErr, err)
	}

	if tx.committed {
		t.Fatal("expected tx not to be committed")
	}
	if !tx.rolledBack {
		t.Fatal("expected tx to be rolled back")
	}
	if notified {
		t.Fatal("expected dispatch notifier not to be called")
	}
}

func TestWriterRollsBackOnAppendError(t *testing.T) {
	tx := &fakeTx{execErr: errors.New("unique constraint violation")}
	db := &fakeDB{tx: tx}
	writer := NewWriter(NewDBContextWithDB(db, SQLDialectPostgres))

	err := writer.Write(context.Background(), func(ctx context.Context, _ TxQueryer, appender Appender) error {
		return appender.Append(ctx, testRecord(t))
	})

	if !errors.Is(err, tx.execErr) {
		t.Fatalf("expected error to be %v, got: %v", tx.execErr, err)
	}

	if tx.committed {
		t.Fatal("expected tx not to be committed")
	}
	if !tx.rolledBack {
		t.Fatal("expected tx to be rolled back")
	}
}

func TestWriterErrorOnTxBegin(t *testing.T) {
	tx := &fakeTx{}
	db := &fakeDB{beginTxErr: errors.New("failed to begin transaction"), tx: tx}
	writer := NewWriter(NewDBContextWithDB(db, SQLDialectPostgres))

	err := writer.Write(context.Background(), func(_ context.Context, _ TxQueryer, _ Appender) error {
		t.Fatal("should not be called")
		return nil
	})

	if err == nil {
		t.Fatal("expected an error")
	}
	if !errors.Is(err, db.beginTxErr) {
		t.Fatalf("expected error to be %v, got: %v", db.beginTxErr, err)
	}

	if tx.execCalled {
		t.Fatal("expected tx.ExecContext not to be called")
	}
	if tx.committed {
		t.Fatal("expected tx not to be committed")
	}
	if tx.rolledBack {
		t.Fatal("expected tx not to be rolled back")
	}
}

func TestWriterErrorOnTxCommit(t *testing.T) {
	tx := &fakeTx{commitErr: errors.New("failed to commit transaction")}
	db := &fakeDB{tx: tx}

	var notified bool
	writer := NewWriter(NewDBContextWithDB(db, SQLDialectPostgres),
		WithDispatchNotifier(func() { notified = true }))

	err := writer.Write(context.Background(), func(ctx context.Context, _ TxQueryer, appender Appender) error {
		return appender.Append(ctx, testRecord(t))
	})

	if !errors.Is(err, tx.commitErr) {
		t.Fatalf("expected error to be %v, got: %v", tx.commitErr, err)
	}

	if !tx.rolledBack {
		t.Fatal("expected tx to be rolled back")
	}
	if notified {
		t.Fatal("expected dispatch notifier not to be called")
	}
}

func TestWriterSkipsNotifyWithoutAppends(t *testing.T) {
	tx := &fakeTx{}
	db := &fakeDB{tx: tx}

	var notified bool
	writer := NewWriter(NewDBContextWithDB(db, SQLDialectPostgres),
		WithDispatchNotifier(func() { notified = true }))

	err := writer.Write(context.Background(), func(_ context.Context, _ TxQueryer, _ Appender) error {
		return nil
	})

	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if !tx.committed {
		t.Fatal("expected tx to be committed")
	}
	if notified {
		t.Fatal("expected dispatch notifier not to be called when nothing was appended")
	}
}

func TestWriteOne(t *testing.T) {
	tx := &fakeTx{}
	db := &fakeDB{tx: tx}
	writer := NewWriter(NewDBContextWithDB(db, SQLDialectPostgres))

	var callbackCalled bool
	err := writer.WriteOne(context.Background(), testRecord(t), func(_ context.Context, _ TxQueryer) error {
		callbackCalled = true
		return nil
	})

	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if !callbackCalled {
		t.Fatal("expected callback to be called")
	}
	if !tx.committed {
		t.Fatal("expected tx to be committed")
	}
}

func TestUnmanagedWriterAppend(t *testing.T) {
	tx := &fakeTx{}
	db := &fakeDB{tx: tx}
	writer := NewWriter(NewDBContextWithDB(db, SQLDialectPostgres))

	err := writer.Unmanaged().Append(context.Background(), tx, testRecord(t))
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if !tx.execCalled {
		t.Fatal("expected tx.ExecContext to be called")
	}
	if tx.committed || tx.rolledBack {
		t.Fatal("expected transaction lifecycle to stay with the caller")
	}
}
