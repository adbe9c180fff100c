package outbox

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memStore is an in-memory Storage used to exercise the dispatcher,
// retention job and operator without a database.
type memStore struct {
	mu      sync.Mutex
	nextID  int64
	records map[int64]*EventRecord

	failSelect  error
	failClaim   error
	failReclaim error
}

var _ Storage = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{records: map[int64]*EventRecord{}}
}

func (m *memStore) add(r *EventRecord) *EventRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	clone := *r
	clone.ID = m.nextID
	if clone.UpdatedAt.IsZero() {
		clone.UpdatedAt = clone.CreatedAt
	}
	m.records[clone.ID] = &clone

	return &clone
}

func (m *memStore) get(id int64) *EventRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[id]
	if !ok {
		return nil
	}
	clone := *r
	return &clone
}

func (m *memStore) SelectReady(_ context.Context, limit int) ([]*EventRecord, error) {
	if m.failSelect != nil {
		return nil, m.failSelect
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	var ready []*EventRecord
	for _, r := range m.records {
		switch {
		case r.Status == StatusPending:
		case r.Status == StatusRetry && r.NextRetryAt != nil && !r.NextRetryAt.After(now):
		default:
			continue
		}
		clone := *r
		ready = append(ready, &clone)
	}

	sort.Slice(ready, func(i, j int) bool { return ready[i].CreatedAt.Before(ready[j].CreatedAt) })
	if len(ready) > limit {
		ready = ready[:limit]
	}

	return ready, nil
}

func (m *memStore) Claim(_ context.Context, id int64, expected Status) (bool, error) {
	if m.failClaim != nil {
		return false, m.failClaim
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[id]
	if !ok || r.Status != expected {
		return false, nil
	}

	r.Status = StatusPublishing
	r.UpdatedAt = time.Now().UTC()

	return true, nil
}

func (m *memStore) MarkPublished(_ context.Context, id int64, publishedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[id]
	if !ok || r.Status != StatusPublishing {
		return errNoRowsAffected
	}

	r.Status = StatusPublished
	r.PublishedAt = &publishedAt
	r.NextRetryAt = nil
	r.ErrorMessage = ""
	r.UpdatedAt = time.Now().UTC()

	return nil
}

func (m *memStore) MarkRetry(_ context.Context, id int64, retryCount int, nextRetryAt time.Time, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[id]
	if !ok || r.Status != StatusPublishing {
		return errNoRowsAffected
	}

	r.Status = StatusRetry
	r.RetryCount = retryCount
	r.NextRetryAt = &nextRetryAt
	r.ErrorMessage = errMsg
	r.UpdatedAt = time.Now().UTC()

	return nil
}

func (m *memStore) MarkDeadLetter(_ context.Context, id int64, retryCount int, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[id]
	if !ok || r.Status != StatusPublishing {
		return errNoRowsAffected
	}

	r.Status = StatusDeadLetter
	r.RetryCount = retryCount
	r.NextRetryAt = nil
	r.ErrorMessage = errMsg
	r.UpdatedAt = time.Now().UTC()

	return nil
}

func (m *memStore) ReclaimStale(_ context.Context, before time.Time) (int64, error) {
	if m.failReclaim != nil {
		return 0, m.failReclaim
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	var reclaimed int64
	for _, r := range m.records {
		if r.Status == StatusPublishing && r.UpdatedAt.Before(before) {
			r.Status = StatusRetry
			r.NextRetryAt = &now
			r.UpdatedAt = now
			reclaimed++
		}
	}

	return reclaimed, nil
}

func (m *memStore) FindByEventID(_ context.Context, eventID uuid.UUID) (*EventRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.records {
		if r.EventID == eventID {
			clone := *r
			return &clone, nil
		}
	}

	return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, eventID)
}

func (m *memStore) ResetDeadLetter(_ context.Context, eventID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.records {
		if r.EventID == eventID {
			if r.Status != StatusDeadLetter {
				return false, nil
			}
			r.Status = StatusPending
			r.RetryCount = 0
			r.NextRetryAt = nil
			r.ErrorMessage = ""
			r.UpdatedAt = time.Now().UTC()
			return true, nil
		}
	}

	return false, nil
}

func (m *memStore) CountByStatus(_ context.Context) (Statistics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var stats Statistics
	for _, r := range m.records {
		switch r.Status {
		case StatusPending:
			stats.Pending++
		case StatusPublishing:
			stats.Publishing++
		case StatusPublished:
			stats.Published++
		case StatusRetry:
			stats.Retry++
		case StatusDeadLetter:
			stats.DeadLetter++
		}
		stats.Total++
	}

	return stats, nil
}

func (m *memStore) ListDeadLetter(_ context.Context, offset, limit int) ([]*EventRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var dead []*EventRecord
	for _, r := range m.records {
		if r.Status == StatusDeadLetter {
			clone := *r
			dead = append(dead, &clone)
		}
	}

	sort.Slice(dead, func(i, j int) bool { return dead[i].UpdatedAt.After(dead[j].UpdatedAt) })

	if offset >= len(dead) {
		return nil, nil
	}
	dead = dead[offset:]
	if len(dead) > limit {
		dead = dead[:limit]
	}

	return dead, nil
}

func (m *memStore) DeleteTerminalBefore(_ context.Context, status Status, cutoff time.Time) (int64, error) {
	if status != StatusPublished && status != StatusDeadLetter {
		return 0, fmt.Errorf("%w: cannot prune records in status %s", ErrStatusInvalid, status)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var deleted int64
	for id, r := range m.records {
		if r.Status != status {
			continue
		}

		age := r.UpdatedAt
		if status == StatusPublished && r.PublishedAt != nil {
			age = *r.PublishedAt
		}

		if age.Before(cutoff) {
			delete(m.records, id)
			deleted++
		}
	}

	return deleted, nil
}
