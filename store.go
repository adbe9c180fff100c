package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Statistics holds the per-status record counts used for operational
// dashboards and alerting.
type Statistics struct {
	Pending    int64
	Publishing int64
	Published  int64
	Retry      int64
	DeadLetter int64
	Total      int64
}

// Storage defines the record lifecycle operations the dispatcher,
// retention job and operator API run against. Store is the SQL
// implementation; tests substitute an in-memory fake.
type Storage interface {
	// SelectReady returns records eligible for dispatch: PENDING, or
	// RETRY with nextRetryAt due, ordered by creation time ascending.
	SelectReady(ctx context.Context, limit int) ([]*EventRecord, error)

	// Claim atomically transitions a record from the expected status to
	// PUBLISHING. Returns false when another dispatcher instance won the
	// transition (zero rows affected).
	Claim(ctx context.Context, id int64, expected Status) (bool, error)

	// MarkPublished transitions a PUBLISHING record to PUBLISHED.
	MarkPublished(ctx context.Context, id int64, publishedAt time.Time) error

	// MarkRetry transitions a PUBLISHING record to RETRY with the new
	// retry count, next attempt time and failure message.
	MarkRetry(ctx context.Context, id int64, retryCount int, nextRetryAt time.Time, errMsg string) error

	// MarkDeadLetter transitions a PUBLISHING record to DEAD_LETTER.
	MarkDeadLetter(ctx context.Context, id int64, retryCount int, errMsg string) error

	// ReclaimStale returns PUBLISHING records whose last update is older
	// than before to RETRY, making them immediately eligible again.
	// The retry count is left untouched: the outcome of the interrupted
	// attempt is unknown, so it is not charged against the budget.
	ReclaimStale(ctx context.Context, before time.Time) (int64, error)

	// FindByEventID loads a record by its globally unique event ID.
	FindByEventID(ctx context.Context, eventID uuid.UUID) (*EventRecord, error)

	// ResetDeadLetter atomically transitions a DEAD_LETTER record back to
	// PENDING, zeroing the retry counter and clearing the failure fields.
	// Returns false when the record was not in DEAD_LETTER.
	ResetDeadLetter(ctx context.Context, eventID uuid.UUID) (bool, error)

	// CountByStatus aggregates record counts per status.
	CountByStatus(ctx context.Context) (Statistics, error)

	// ListDeadLetter returns a page of dead-lettered records ordered by
	// last update descending.
	ListDeadLetter(ctx context.Context, offset, limit int) ([]*EventRecord, error)

	// DeleteTerminalBefore bulk deletes terminal records older than the
	// cutoff. Only PUBLISHED (by publishedAt) and DEAD_LETTER (by
	// updatedAt) are accepted; any other status is rejected.
	DeleteTerminalBefore(ctx context.Context, status Status, cutoff time.Time) (int64, error)
}

// errNoRowsAffected signals a conditional update that matched no row,
// meaning the record left the expected status under our feet.
var errNoRowsAffected = errors.New("outbox: conditional update affected no rows")

const recordColumns = `id, event_id, event_type, event_name, aggregate_id, aggregate_type,
	payload, metadata, correlation_id, causation_id, user_id, trace_id,
	status, retry_count, max_retries, next_retry_at, published_at, error_message,
	created_at, updated_at`

// Store persists event records through dialect-aware SQL built on a
// DBContext.
type Store struct {
	dbCtx *DBContext
}

var _ Storage = (*Store)(nil)

// NewStore creates a Store bound to the given database context.
func NewStore(dbCtx *DBContext) *Store {
	return &Store{dbCtx: dbCtx}
}

// Insert stores a record inside the caller's transaction. The record is
// only durable once that transaction commits.
func (s *Store) Insert(ctx context.Context, tx TxQueryer, r *EventRecord) error {
	c := s.dbCtx

	placeholders := make([]string, 0, 19)
	for i := 1; i <= 19; i++ {
		placeholders = append(placeholders, c.getSQLPlaceholder(i))
	}

	// nolint:gosec
	query := fmt.Sprintf(`INSERT INTO %s (event_id, event_type, event_name, aggregate_id, aggregate_type,
		payload, metadata, correlation_id, causation_id, user_id, trace_id,
		status, retry_count, max_retries, next_retry_at, published_at, error_message, created_at, updated_at)
		VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s)`,
		c.tableName,
		placeholders[0], placeholders[1], placeholders[2], placeholders[3], placeholders[4],
		placeholders[5], placeholders[6], placeholders[7], placeholders[8], placeholders[9],
		placeholders[10], placeholders[11], placeholders[12], placeholders[13], placeholders[14],
		placeholders[15], placeholders[16], placeholders[17], placeholders[18])

	_, err := tx.ExecContext(ctx, query,
		c.formatUUIDForDB(r.EventID),
		r.EventType,
		r.EventName,
		nullableString(r.AggregateID),
		nullableString(r.AggregateType),
		r.Payload,
		r.Metadata,
		nullableString(r.CorrelationID),
		nullableString(r.CausationID),
		nullableString(r.UserID),
		nullableString(r.TraceID),
		string(r.Status),
		r.RetryCount,
		r.MaxRetries,
		nullableTime(r.NextRetryAt),
		nullableTime(r.PublishedAt),
		nullableString(r.ErrorMessage),
		r.CreatedAt,
		r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("storing event record: %w", err)
	}

	return nil
}

// SelectReady implements Storage.
func (s *Store) SelectReady(ctx context.Context, limit int) ([]*EventRecord, error) {
	c := s.dbCtx

	// nolint:gosec
	query := fmt.Sprintf(`SELECT %s FROM %s
		WHERE status = %s OR (status = %s AND next_retry_at <= %s)
		ORDER BY created_at ASC %s`,
		recordColumns, c.tableName,
		c.getSQLPlaceholder(1), c.getSQLPlaceholder(2), c.getCurrentTimestampInUTC(),
		c.limitClause(3))

	rows, err := c.db.QueryContext(ctx, query, string(StatusPending), string(StatusRetry), limit)
	if err != nil {
		return nil, fmt.Errorf("querying ready records: %w", err)
	}

	return scanRecords(rows)
}

// Claim implements Storage. This single-row compare-and-set is the only
// cross-instance coordination point: under concurrent dispatchers exactly
// one caller observes one affected row.
func (s *Store) Claim(ctx context.Context, id int64, expected Status) (bool, error) {
	c := s.dbCtx

	// nolint:gosec
	query := fmt.Sprintf(`UPDATE %s SET status = %s, updated_at = %s
		WHERE id = %s AND status = %s`,
		c.tableName,
		c.getSQLPlaceholder(1), c.getCurrentTimestampInUTC(),
		c.getSQLPlaceholder(2), c.getSQLPlaceholder(3))

	result, err := c.db.ExecContext(ctx, query, string(StatusPublishing), id, string(expected))
	if err != nil {
		return false, fmt.Errorf("claiming record %d: %w", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claiming record %d: %w", id, err)
	}

	return affected == 1, nil
}

// MarkPublished implements Storage.
func (s *Store) MarkPublished(ctx context.Context, id int64, publishedAt time.Time) error {
	c := s.dbCtx

	// nolint:gosec
	query := fmt.Sprintf(`UPDATE %s SET status = %s, published_at = %s,
		error_message = NULL, next_retry_at = NULL, updated_at = %s
		WHERE id = %s AND status = %s`,
		c.tableName,
		c.getSQLPlaceholder(1), c.getSQLPlaceholder(2), c.getCurrentTimestampInUTC(),
		c.getSQLPlaceholder(3), c.getSQLPlaceholder(4))

	result, err := c.db.ExecContext(ctx, query,
		string(StatusPublished), publishedAt.UTC(), id, string(StatusPublishing))
	if err != nil {
		return fmt.Errorf("marking record %d published: %w", id, err)
	}

	return ensureOneRowAffected(result, id)
}

// MarkRetry implements Storage.
func (s *Store) MarkRetry(ctx context.Context, id int64, retryCount int, nextRetryAt time.Time, errMsg string) error {
	c := s.dbCtx

	// nolint:gosec
	query := fmt.Sprintf(`UPDATE %s SET status = %s, retry_count = %s,
		next_retry_at = %s, error_message = %s, updated_at = %s
		WHERE id = %s AND status = %s`,
		c.tableName,
		c.getSQLPlaceholder(1), c.getSQLPlaceholder(2),
		c.getSQLPlaceholder(3), c.getSQLPlaceholder(4), c.getCurrentTimestampInUTC(),
		c.getSQLPlaceholder(5), c.getSQLPlaceholder(6))

	result, err := c.db.ExecContext(ctx, query,
		string(StatusRetry), retryCount, nextRetryAt.UTC(), errMsg, id, string(StatusPublishing))
	if err != nil {
		return fmt.Errorf("marking record %d for retry: %w", id, err)
	}

	return ensureOneRowAffected(result, id)
}

// MarkDeadLetter implements Storage.
func (s *Store) MarkDeadLetter(ctx context.Context, id int64, retryCount int, errMsg string) error {
	c := s.dbCtx

	// nolint:gosec
	query := fmt.Sprintf(`UPDATE %s SET status = %s, retry_count = %s,
		next_retry_at = NULL, error_message = %s, updated_at = %s
		WHERE id = %s AND status = %s`,
		c.tableName,
		c.getSQLPlaceholder(1), c.getSQLPlaceholder(2),
		c.getSQLPlaceholder(3), c.getCurrentTimestampInUTC(),
		c.getSQLPlaceholder(4), c.getSQLPlaceholder(5))

	result, err := c.db.ExecContext(ctx, query,
		string(StatusDeadLetter), retryCount, errMsg, id, string(StatusPublishing))
	if err != nil {
		return fmt.Errorf("dead-lettering record %d: %w", id, err)
	}

	return ensureOneRowAffected(result, id)
}

// ReclaimStale implements Storage.
func (s *Store) ReclaimStale(ctx context.Context, before time.Time) (int64, error) {
	c := s.dbCtx

	// nolint:gosec
	query := fmt.Sprintf(`UPDATE %s SET status = %s, next_retry_at = %s, updated_at = %s
		WHERE status = %s AND updated_at < %s`,
		c.tableName,
		c.getSQLPlaceholder(1), c.getCurrentTimestampInUTC(), c.getCurrentTimestampInUTC(),
		c.getSQLPlaceholder(2), c.getSQLPlaceholder(3))

	result, err := c.db.ExecContext(ctx, query,
		string(StatusRetry), string(StatusPublishing), before.UTC())
	if err != nil {
		return 0, fmt.Errorf("reclaiming stale records: %w", err)
	}

	return result.RowsAffected()
}

// FindByEventID implements Storage.
func (s *Store) FindByEventID(ctx context.Context, eventID uuid.UUID) (*EventRecord, error) {
	c := s.dbCtx

	// nolint:gosec
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE event_id = %s`,
		recordColumns, c.tableName, c.getSQLPlaceholder(1))

	rows, err := c.db.QueryContext(ctx, query, c.formatUUIDForDB(eventID))
	if err != nil {
		return nil, fmt.Errorf("querying record %s: %w", eventID, err)
	}

	records, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}

	if len(records) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, eventID)
	}

	return records[0], nil
}

// ResetDeadLetter implements Storage.
func (s *Store) ResetDeadLetter(ctx context.Context, eventID uuid.UUID) (bool, error) {
	c := s.dbCtx

	// nolint:gosec
	query := fmt.Sprintf(`UPDATE %s SET status = %s, retry_count = 0, error_message = NULL,
		next_retry_at = NULL, updated_at = %s
		WHERE event_id = %s AND status = %s`,
		c.tableName,
		c.getSQLPlaceholder(1), c.getCurrentTimestampInUTC(),
		c.getSQLPlaceholder(2), c.getSQLPlaceholder(3))

	result, err := c.db.ExecContext(ctx, query,
		string(StatusPending), c.formatUUIDForDB(eventID), string(StatusDeadLetter))
	if err != nil {
		return false, fmt.Errorf("resetting dead-lettered record %s: %w", eventID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("resetting dead-lettered record %s: %w", eventID, err)
	}

	return affected == 1, nil
}

// CountByStatus implements Storage.
func (s *Store) CountByStatus(ctx context.Context) (Statistics, error) {
	c := s.dbCtx

	// nolint:gosec
	query := fmt.Sprintf(`SELECT status, COUNT(*) FROM %s GROUP BY status`, c.tableName)

	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return Statistics{}, fmt.Errorf("counting records by status: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var stats Statistics
	for rows.Next() {
		var (
			status string
			count  int64
		)
		if err := rows.Scan(&status, &count); err != nil {
			return Statistics{}, fmt.Errorf("scanning status count: %w", err)
		}

		switch Status(status) {
		case StatusPending:
			stats.Pending = count
		case StatusPublishing:
			stats.Publishing = count
		case StatusPublished:
			stats.Published = count
		case StatusRetry:
			stats.Retry = count
		case StatusDeadLetter:
			stats.DeadLetter = count
		}

		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return Statistics{}, fmt.Errorf("iterating status counts: %w", err)
	}

	return stats, nil
}

// ListDeadLetter implements Storage.
func (s *Store) ListDeadLetter(ctx context.Context, offset, limit int) ([]*EventRecord, error) {
	c := s.dbCtx

	// nolint:gosec
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE status = %s
		ORDER BY updated_at DESC %s`,
		recordColumns, c.tableName, c.getSQLPlaceholder(1), c.pageClause(2, 3))

	var args []any
	switch c.dialect {
	case SQLDialectOracle, SQLDialectSQLServer:
		args = []any{string(StatusDeadLetter), offset, limit}
	default:
		args = []any{string(StatusDeadLetter), limit, offset}
	}

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying dead-lettered records: %w", err)
	}

	return scanRecords(rows)
}

// DeleteTerminalBefore implements Storage. The status scoping is the
// retention safety guarantee: non-terminal records are never deleted,
// regardless of age.
func (s *Store) DeleteTerminalBefore(ctx context.Context, status Status, cutoff time.Time) (int64, error) {
	c := s.dbCtx

	var ageColumn string
	switch status {
	case StatusPublished:
		ageColumn = "published_at"
	case StatusDeadLetter:
		ageColumn = "updated_at"
	default:
		return 0, fmt.Errorf("%w: cannot prune records in status %s", ErrStatusInvalid, status)
	}

	// nolint:gosec
	query := fmt.Sprintf(`DELETE FROM %s WHERE status = %s AND %s < %s`,
		c.tableName, c.getSQLPlaceholder(1), ageColumn, c.getSQLPlaceholder(2))

	result, err := c.db.ExecContext(ctx, query, string(status), cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("pruning %s records: %w", status, err)
	}

	return result.RowsAffected()
}

func scanRecords(rows *sql.Rows) ([]*EventRecord, error) {
	defer func() {
		_ = rows.Close()
	}()

	var records []*EventRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating event records: %w", err)
	}

	return records, nil
}

func scanRecord(rows *sql.Rows) (*EventRecord, error) {
	var (
		r             EventRecord
		aggregateID   sql.NullString
		aggregateType sql.NullString
		correlationID sql.NullString
		causationID   sql.NullString
		userID        sql.NullString
		traceID       sql.NullString
		status        string
		nextRetryAt   sql.NullTime
		publishedAt   sql.NullTime
		errorMessage  sql.NullString
	)

	// uuid.UUID implements sql.Scanner for both textual and 16-byte
	// binary storage, covering every dialect's event_id representation.
	err := rows.Scan(
		&r.ID, &r.EventID, &r.EventType, &r.EventName, &aggregateID, &aggregateType,
		&r.Payload, &r.Metadata, &correlationID, &causationID, &userID, &traceID,
		&status, &r.RetryCount, &r.MaxRetries, &nextRetryAt, &publishedAt, &errorMessage,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning event record: %w", err)
	}

	r.Status, err = ParseStatus(status)
	if err != nil {
		return nil, err
	}

	r.AggregateID = aggregateID.String
	r.AggregateType = aggregateType.String
	r.CorrelationID = correlationID.String
	r.CausationID = causationID.String
	r.UserID = userID.String
	r.TraceID = traceID.String
	r.ErrorMessage = errorMessage.String

	if nextRetryAt.Valid {
		t := nextRetryAt.Time
		r.NextRetryAt = &t
	}

	if publishedAt.Valid {
		t := publishedAt.Time
		r.PublishedAt = &t
	}

	return &r, nil
}

func ensureOneRowAffected(result sql.Result, id int64) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking affected rows for record %d: %w", id, err)
	}

	if affected != 1 {
		return fmt.Errorf("record %d: %w", id, errNoRowsAffected)
	}

	return nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
