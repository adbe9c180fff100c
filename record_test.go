package outbox

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestNewRecordDefaults(t *testing.T) {
	r, err := NewRecord("invoice", "invoice.issued", []byte(`{"amount":42}`))
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if r.EventID == uuid.Nil {
		t.Error("expected a generated event ID")
	}
	if r.Status != StatusPending {
		t.Errorf("expected status PENDING, got %v", r.Status)
	}
	if r.RetryCount != 0 {
		t.Errorf("expected retry count 0, got %d", r.RetryCount)
	}
	if r.MaxRetries != DefaultMaxRetries {
		t.Errorf("expected max retries %d, got %d", DefaultMaxRetries, r.MaxRetries)
	}
	if r.CreatedAt.IsZero() || !r.CreatedAt.Equal(r.UpdatedAt) {
		t.Error("expected created and updated timestamps to be set and equal")
	}
}

func TestNewRecordValidation(t *testing.T) {
	tests := []struct {
		name      string
		eventType string
		eventName string
		payload   []byte
		wantErr   error
	}{
		{name: "missing event type", eventName: "invoice.issued", payload: []byte(`{}`), wantErr: ErrEventTypeRequired},
		{name: "missing event name", eventType: "invoice", payload: []byte(`{}`), wantErr: ErrEventNameRequired},
		{name: "missing payload", eventType: "invoice", eventName: "invoice.issued", wantErr: ErrPayloadRequired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRecord(tt.eventType, tt.eventName, tt.payload)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestRecordOptions(t *testing.T) {
	customID := uuid.New()
	customTime := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	r, err := NewRecord("invoice", "invoice.issued", []byte(`{}`),
		WithEventID(customID),
		WithAggregate("invoice", "INV-42"),
		WithMetadata([]byte(`{"tenant":"acme"}`)),
		WithCorrelation("corr-1", "cause-1"),
		WithUserID("user-7"),
		WithTraceID("trace-9"),
		WithMaxRetries(5),
		WithCreatedAt(customTime),
	)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if r.EventID != customID {
		t.Errorf("expected event ID %v, got %v", customID, r.EventID)
	}
	if r.AggregateType != "invoice" || r.AggregateID != "INV-42" {
		t.Errorf("unexpected aggregate: %s/%s", r.AggregateType, r.AggregateID)
	}
	if !bytes.Equal(r.Metadata, []byte(`{"tenant":"acme"}`)) {
		t.Errorf("unexpected metadata: %s", r.Metadata)
	}
	if r.CorrelationID != "corr-1" || r.CausationID != "cause-1" {
		t.Errorf("unexpected correlation: %s/%s", r.CorrelationID, r.CausationID)
	}
	if r.UserID != "user-7" {
		t.Errorf("unexpected user ID: %s", r.UserID)
	}
	if r.TraceID != "trace-9" {
		t.Errorf("unexpected trace ID: %s", r.TraceID)
	}
	if r.MaxRetries != 5 {
		t.Errorf("expected max retries 5, got %d", r.MaxRetries)
	}
	if !r.CreatedAt.Equal(customTime) {
		t.Errorf("expected created at %v, got %v", customTime, r.CreatedAt)
	}
}

func TestWithMaxRetriesIgnoresNonPositive(t *testing.T) {
	r, err := NewRecord("invoice", "invoice.issued", []byte(`{}`), WithMaxRetries(0))
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if r.MaxRetries != DefaultMaxRetries {
		t.Errorf("expected default max retries, got %d", r.MaxRetries)
	}
}

func TestRoutingKey(t *testing.T) {
	r, _ := NewRecord("invoice", "invoice.issued", []byte(`{}`),
		WithAggregate("invoice", "INV-42"))
	if key := r.RoutingKey(); key != "INV-42" {
		t.Errorf("expected aggregate ID as routing key, got %q", key)
	}

	r, _ = NewRecord("invoice", "invoice.issued", []byte(`{}`))
	if key := r.RoutingKey(); key != r.EventID.String() {
		t.Errorf("expected event ID as routing key, got %q", key)
	}
}

func TestParseStatus(t *testing.T) {
	for _, valid := range []string{"PENDING", "PUBLISHING", "PUBLISHED", "RETRY", "DEAD_LETTER"} {
		if _, err := ParseStatus(valid); err != nil {
			t.Errorf("expected %q to parse, got: %v", valid, err)
		}
	}

	for _, invalid := range []string{"", "pending", "UNKNOWN"} {
		if _, err := ParseStatus(invalid); !errors.Is(err, ErrStatusInvalid) {
			t.Errorf("expected %q to fail with ErrStatusInvalid, got: %v", invalid, err)
		}
	}
}

func TestStatusTransitions(t *testing.T) {
	allowed := map[Status][]Status{
		StatusPending:    {StatusPublishing},
		StatusRetry:      {StatusPublishing},
		StatusPublishing: {StatusPublished, StatusRetry, StatusDeadLetter},
		StatusDeadLetter: {StatusPending},
		StatusPublished:  {},
	}

	all := []Status{StatusPending, StatusPublishing, StatusPublished, StatusRetry, StatusDeadLetter}

	for from, targets := range allowed {
		allowedSet := map[Status]bool{}
		for _, to := range targets {
			allowedSet[to] = true
		}

		for _, to := range all {
			got := from.CanTransitionTo(to)
			if got != allowedSet[to] {
				t.Errorf("%s -> %s: expected %v, got %v", from, to, allowedSet[to], got)
			}
		}
	}
}

func TestStatusIsTerminal(t *testing.T) {
	if !StatusPublished.IsTerminal() || !StatusDeadLetter.IsTerminal() {
		t.Error("expected PUBLISHED and DEAD_LETTER to be terminal")
	}
	for _, s := range []Status{StatusPending, StatusPublishing, StatusRetry} {
		if s.IsTerminal() {
			t.Errorf("expected %s not to be terminal", s)
		}
	}
}
