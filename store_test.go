package outbox

import (
	"context"
	"database/sql"
	"strings"
	"testing"

	"github.com/google/uuid"
)

type recordingDB struct {
	fakeDB
	queries []string
	args    [][]any
}

func (r *recordingDB) ExecContext(_ context.Context, query string, args ...any) (sql.Result, error) {
	r.queries = append(r.queries, query)
	r.args = append(r.args, args)
	return fakeResult{}, nil
}

func TestResetDeadLetterRestoresFullRetryBudget(t *testing.T) {
	db := &recordingDB{}
	store := NewStore(NewDBContextWithDB(db, SQLDialectPostgres))

	eventID := uuid.New()
	reset, err := store.ResetDeadLetter(context.Background(), eventID)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if !reset {
		t.Fatal("expected the record to be reset")
	}

	if len(db.queries) != 1 {
		t.Fatalf("expected exactly one statement, got %d", len(db.queries))
	}
	query := db.queries[0]

	if !strings.Contains(query, "retry_count = 0") {
		t.Errorf("expected the update to zero the retry counter, got: %s", query)
	}
	if !strings.Contains(query, "error_message = NULL") {
		t.Errorf("expected the update to clear the stored error, got: %s", query)
	}
	if !strings.Contains(query, "next_retry_at = NULL") {
		t.Errorf("expected the update to clear the retry schedule, got: %s", query)
	}

	args := db.args[0]
	if len(args) != 3 {
		t.Fatalf("expected 3 arguments, got %d", len(args))
	}
	if args[0] != string(StatusPending) {
		t.Errorf("expected the record to return to PENDING, got: %v", args[0])
	}
	if args[2] != string(StatusDeadLetter) {
		t.Errorf("expected the update to be guarded on DEAD_LETTER, got: %v", args[2])
	}
}
