package outbox

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DeliveryAdapter abstracts the outbound transport. Implementations send
// the envelope to an external system (message broker) using key as the
// partition/ordering key.
type DeliveryAdapter interface {
	// Deliver sends an envelope to the external system.
	// It may be called multiple times for the same event; consumers must
	// de-duplicate on the envelope's event ID.
	// Return nil on success. On error the record is retried according to
	// the retry policy, or dead-lettered when the error is wrapped with
	// Permanent (or flagged by a custom RetryClassifier).
	Deliver(ctx context.Context, key string, env *Envelope) error
}

// DeliveryAdapterFunc adapts a function to the DeliveryAdapter interface.
type DeliveryAdapterFunc func(ctx context.Context, key string, env *Envelope) error

// Deliver implements DeliveryAdapter.
func (fn DeliveryAdapterFunc) Deliver(ctx context.Context, key string, env *Envelope) error {
	return fn(ctx, key, env)
}

// Dispatcher periodically selects ready records, claims them with a
// compare-and-set status transition, attempts delivery and persists the
// outcome. Any number of Dispatcher instances may run concurrently against
// the same table, in one process or across processes: the claim is the
// only coordination point, losers skip the record.
type Dispatcher struct {
	storage Storage
	adapter DeliveryAdapter

	interval       time.Duration
	publishTimeout time.Duration
	staleTimeout   time.Duration
	batchSize      int
	maxRetries     int
	delayFunc      DelayFunc
	classifier     RetryClassifier
	logger         *zap.Logger
	metrics        *Metrics

	started int32
	closed  int32
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	kick    chan struct{}
	errCh   chan error
}

// DispatchResult captures the outcome of one dispatch cycle.
type DispatchResult struct {
	Reclaimed    int64
	Selected     int
	Published    int
	Retried      int
	DeadLettered int
	Conflicts    int
}

// DispatcherOption is a function that configures a Dispatcher instance.
type DispatcherOption func(*Dispatcher)

// WithInterval sets the time between dispatch cycles.
// Default is 5 seconds.
func WithInterval(interval time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if interval > 0 {
			d.interval = interval
		}
	}
}

// WithBatchSize sets the maximum number of records processed in a single
// cycle. Default is 100. Must be positive.
func WithBatchSize(batchSize int) DispatcherOption {
	return func(d *Dispatcher) {
		if batchSize > 0 {
			d.batchSize = batchSize
		}
	}
}

// WithPublishTimeout bounds each delivery attempt. A non-responding
// adapter call counts as a failure instead of suspending the cycle.
// Default is 5 seconds.
func WithPublishTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.publishTimeout = timeout
		}
	}
}

// WithStaleTimeout sets how long a record may sit in PUBLISHING before a
// recovery sweep returns it to RETRY. This is the crash-recovery window:
// a dispatcher that dies mid-delivery leaves the record PUBLISHING, and
// the next cycle of any surviving instance reclaims it once the timeout
// passes. Must exceed the publish timeout by a comfortable margin.
// Default is 2 minutes.
func WithStaleTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.staleTimeout = timeout
		}
	}
}

// WithDispatcherMaxRetries sets the retry budget applied to records that
// carry none of their own, e.g. rows inserted by a foreign producer with
// max_retries 0. Records with a positive budget keep it. Default is
// DefaultMaxRetries.
func WithDispatcherMaxRetries(maxRetries int) DispatcherOption {
	return func(d *Dispatcher) {
		if maxRetries > 0 {
			d.maxRetries = maxRetries
		}
	}
}

// WithDelay sets the retry policy applied after a failed attempt.
// Default is ExponentialWithJitter(1s, 5m).
func WithDelay(delayFunc DelayFunc) DispatcherOption {
	return func(d *Dispatcher) {
		if delayFunc != nil {
			d.delayFunc = delayFunc
		}
	}
}

// WithFixedDelay sets a fixed delay between attempts.
func WithFixedDelay(delay time.Duration) DispatcherOption {
	return WithDelay(Fixed(delay))
}

// WithExponentialDelay sets an exponential delay between attempts.
func WithExponentialDelay(initialDelay, maxDelay time.Duration) DispatcherOption {
	return WithDelay(Exponential(initialDelay, maxDelay))
}

// WithRetryClassifier overrides how non-retryable delivery errors are
// recognized. The default treats errors wrapped with Permanent as
// non-retryable.
func WithRetryClassifier(classifier RetryClassifier) DispatcherOption {
	return func(d *Dispatcher) {
		if classifier != nil {
			d.classifier = classifier
		}
	}
}

// WithLogger sets the structured logger. Default is a no-op logger.
func WithLogger(logger *zap.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithMetrics injects the metric collectors. Default is nil (disabled).
func WithMetrics(metrics *Metrics) DispatcherOption {
	return func(d *Dispatcher) {
		d.metrics = metrics
	}
}

// WithErrorChannelSize sets the size of the error channel.
// Default is 128. Size must be positive.
func WithErrorChannelSize(size int) DispatcherOption {
	return func(d *Dispatcher) {
		if size > 0 {
			d.errCh = make(chan error, size)
		}
	}
}

// NewDispatcher creates a Dispatcher with the given storage, delivery
// adapter, and options.
func NewDispatcher(storage Storage, adapter DeliveryAdapter, opts ...DispatcherOption) (*Dispatcher, error) {
	if storage == nil {
		return nil, ErrStorageRequired
	}

	if adapter == nil {
		return nil, ErrAdapterRequired
	}

	ctx, cancel := context.WithCancel(context.Background())

	d := &Dispatcher{
		storage:        storage,
		adapter:        adapter,
		ctx:            ctx,
		cancel:         cancel,
		interval:       5 * time.Second,
		publishTimeout: 5 * time.Second,
		staleTimeout:   2 * time.Minute,
		batchSize:      100,
		maxRetries:     DefaultMaxRetries,
		delayFunc:      ExponentialWithJitter(1*time.Second, 5*time.Minute),
		classifier:     defaultClassifier,
		logger:         zap.NewNop(),
		kick:           make(chan struct{}, 1),
	}

	for _, opt := range opts {
		opt(d)
	}

	if d.errCh == nil {
		d.errCh = make(chan error, 128)
	}

	return d, nil
}

// Start begins the background processing of outbox records.
// If Start is called multiple times, only the first call has an effect.
func (d *Dispatcher) Start() {
	if !atomic.CompareAndSwapInt32(&d.started, 0, 1) {
		return
	}

	d.wg.Add(1)
	go func() {
		ticker := time.NewTicker(d.interval)

		defer d.wg.Done()
		defer close(d.errCh)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				d.DispatchOnce(d.ctx)
			case <-d.kick:
				d.DispatchOnce(d.ctx)
			case <-d.ctx.Done():
				return
			}
		}
	}()
}

// Kick requests an immediate dispatch cycle outside the polling schedule.
// Non-blocking; a nudge arriving while one is already queued is dropped.
func (d *Dispatcher) Kick() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// Stop gracefully shuts down the dispatcher. It prevents new cycles from
// starting and waits for any in-flight cycle to complete. The provided
// context controls how long to wait before giving up.
// Calling Stop multiple times is safe and only the first call has an effect.
func (d *Dispatcher) Stop(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&d.closed, 0, 1) {
		return nil
	}

	d.cancel() // signal stop

	done := make(chan struct{})
	go func() {
		defer close(done)
		d.wg.Wait()
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReadError indicates a failure to read ready records from the store.
type ReadError struct {
	Err error
}

func (e *ReadError) Error() string { return fmt.Sprintf("reading ready records: %v", e.Err) }
func (e *ReadError) Unwrap() error { return e.Err }

// ReclaimError indicates a failure of the stale-PUBLISHING recovery sweep.
type ReclaimError struct {
	Err error
}

func (e *ReclaimError) Error() string { return fmt.Sprintf("reclaiming stale records: %v", e.Err) }
func (e *ReclaimError) Unwrap() error { return e.Err }

// ClaimError indicates a storage failure while claiming a record.
// A lost claim (another instance won) is not an error and is never reported.
type ClaimError struct {
	Record EventRecord
	Err    error
}

func (e *ClaimError) Error() string {
	return fmt.Sprintf("claiming record %s: %v", e.Record.EventID, e.Err)
}
func (e *ClaimError) Unwrap() error { return e.Err }

// PublishError indicates a failed delivery attempt for a record.
type PublishError struct {
	Record EventRecord
	Err    error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publishing record %s: %v", e.Record.EventID, e.Err)
}
func (e *PublishError) Unwrap() error { return e.Err }

// UpdateError indicates a failure to persist a record's status transition.
type UpdateError struct {
	Record EventRecord
	Err    error
}

func (e *UpdateError) Error() string {
	return fmt.Sprintf("updating record %s: %v", e.Record.EventID, e.Err)
}
func (e *UpdateError) Unwrap() error { return e.Err }

// Errors returns a channel that receives errors from the dispatcher.
// The channel is buffered to prevent blocking; if the buffer becomes full,
// subsequent errors are dropped to maintain throughput. The channel is
// closed when the dispatcher is stopped.
//
// The returned error will be one of *ReadError, *ReclaimError,
// *ClaimError, *PublishError or *UpdateError, which can be distinguished
// with a type switch.
func (d *Dispatcher) Errors() <-chan error {
	return d.errCh
}

func (d *Dispatcher) sendError(err error) {
	select {
	case d.errCh <- err:
	default:
		// Channel buffer full, drop the error to prevent blocking
	}
}

// DispatchOnce runs a single dispatch cycle: recover stale PUBLISHING
// records, select the ready batch, then claim and deliver each record.
func (d *Dispatcher) DispatchOnce(ctx context.Context) DispatchResult {
	start := time.Now()

	var result DispatchResult

	reclaimed, err := d.storage.ReclaimStale(ctx, time.Now().UTC().Add(-d.staleTimeout))
	if err != nil {
		d.sendError(&ReclaimError{Err: err})
		d.logger.Error("stale record recovery failed", zap.Error(err))
	} else if reclaimed > 0 {
		result.Reclaimed = reclaimed
		d.metrics.addReclaimed(float64(reclaimed))
		d.logger.Warn("reclaimed stale in-flight records",
			zap.Int64("count", reclaimed),
			zap.Duration("stale_timeout", d.staleTimeout))
	}

	records, err := d.storage.SelectReady(ctx, d.batchSize)
	if err != nil {
		d.sendError(&ReadError{Err: err})
		d.logger.Error("reading ready records failed", zap.Error(err))

		return result
	}

	result.Selected = len(records)
	d.metrics.setQueueDepth(float64(len(records)))

	for _, record := range records {
		if ctx.Err() != nil {
			break
		}

		switch d.dispatchRecord(ctx, record) {
		case dispatchPublished:
			result.Published++
		case dispatchRetried:
			result.Retried++
		case dispatchDeadLettered:
			result.DeadLettered++
		case dispatchConflict:
			result.Conflicts++
		}
	}

	d.metrics.addDispatched(float64(result.Published))
	d.metrics.observeCycle(time.Since(start).Seconds())

	return result
}

// DispatchEvent synchronously dispatches a single record by event ID,
// outside the normal polling cycle. Used by the operator API after a
// manual retry. It goes through the same claim path as the cycle, so it
// cannot double-publish against a concurrent poller; losing the claim is
// reported as ErrAlreadyInFlight.
func (d *Dispatcher) DispatchEvent(ctx context.Context, eventID uuid.UUID) error {
	record, err := d.storage.FindByEventID(ctx, eventID)
	if err != nil {
		return err
	}

	switch record.Status {
	case StatusPending, StatusRetry:
	case StatusPublished:
		return nil // already delivered, nothing to do
	default:
		return fmt.Errorf("%w: %s is %s", ErrAlreadyInFlight, eventID, record.Status)
	}

	switch d.dispatchRecord(ctx, record) {
	case dispatchConflict:
		return fmt.Errorf("%w: %s", ErrAlreadyInFlight, eventID)
	case dispatchFailed:
		return fmt.Errorf("dispatching record %s: claim could not be persisted", eventID)
	default:
		return nil
	}
}

type dispatchOutcome int

const (
	dispatchPublished dispatchOutcome = iota
	dispatchRetried
	dispatchDeadLettered
	dispatchConflict
	dispatchFailed
)

func (d *Dispatcher) dispatchRecord(ctx context.Context, record *EventRecord) dispatchOutcome {
	claimed, err := d.storage.Claim(ctx, record.ID, record.Status)
	if err != nil {
		d.sendError(&ClaimError{Record: *record, Err: err})
		d.logger.Error("claim failed",
			zap.String("event_id", record.EventID.String()),
			zap.Error(err))

		return dispatchFailed
	}

	if !claimed {
		// Another dispatcher instance is handling it.
		d.metrics.incClaimConflicts()

		return dispatchConflict
	}

	err = d.deliver(ctx, record)
	if err == nil {
		return d.completePublished(ctx, record)
	}

	d.metrics.incFailed()
	d.sendError(&PublishError{Record: *record, Err: err})

	return d.completeFailed(ctx, record, err)
}

// deliver invokes the adapter with a bounded timeout. The status
// transition happens only after the call returns, so network-level
// failures surface as errors here rather than as silent losses.
func (d *Dispatcher) deliver(ctx context.Context, record *EventRecord) error {
	ctx, cancel := context.WithTimeout(ctx, d.publishTimeout)
	defer cancel()

	return d.adapter.Deliver(ctx, record.RoutingKey(), NewEnvelope(record))
}

func (d *Dispatcher) completePublished(ctx context.Context, record *EventRecord) dispatchOutcome {
	if err := d.storage.MarkPublished(ctx, record.ID, time.Now().UTC()); err != nil {
		// Delivered but not recorded: the record will be reclaimed and
		// delivered again. At-least-once semantics absorb this.
		d.sendError(&UpdateError{Record: *record, Err: err})
		d.logger.Error("record delivered but PUBLISHED state not persisted; delivery may repeat",
			zap.String("event_id", record.EventID.String()),
			zap.Error(err))

		return dispatchFailed
	}

	d.logger.Debug("record published",
		zap.String("event_id", record.EventID.String()),
		zap.String("event_name", record.EventName),
		zap.Int("retry_count", record.RetryCount))

	return dispatchPublished
}

func (d *Dispatcher) completeFailed(ctx context.Context, record *EventRecord, deliveryErr error) dispatchOutcome {
	errMsg := sanitizeErrorForStorage(deliveryErr)

	if d.classifier.IsNonRetryable(deliveryErr) {
		// Retrying cannot help; go straight to DEAD_LETTER without
		// consuming the retry budget.
		if err := d.storage.MarkDeadLetter(ctx, record.ID, record.RetryCount, errMsg); err != nil {
			d.sendError(&UpdateError{Record: *record, Err: err})
			d.logger.Error("failed to persist DEAD_LETTER state",
				zap.String("event_id", record.EventID.String()),
				zap.Error(err))

			return dispatchFailed
		}

		d.metrics.incDeadLettered()
		d.logger.Warn("record dead-lettered on permanent delivery error",
			zap.String("event_id", record.EventID.String()),
			zap.String("error", errMsg))

		return dispatchDeadLettered
	}

	budget := record.MaxRetries
	if budget <= 0 {
		budget = d.maxRetries
	}

	retryCount := record.RetryCount + 1
	if retryCount >= budget {
		if err := d.storage.MarkDeadLetter(ctx, record.ID, retryCount, errMsg); err != nil {
			d.sendError(&UpdateError{Record: *record, Err: err})
			d.logger.Error("failed to persist DEAD_LETTER state",
				zap.String("event_id", record.EventID.String()),
				zap.Error(err))

			return dispatchFailed
		}

		d.metrics.incDeadLettered()
		d.logger.Warn("record dead-lettered after exhausting retry budget",
			zap.String("event_id", record.EventID.String()),
			zap.Int("retry_count", retryCount),
			zap.String("error", errMsg))

		return dispatchDeadLettered
	}

	nextRetryAt := time.Now().UTC().Add(d.delayFunc(record.RetryCount))
	if err := d.storage.MarkRetry(ctx, record.ID, retryCount, nextRetryAt, errMsg); err != nil {
		d.sendError(&UpdateError{Record: *record, Err: err})
		d.logger.Error("failed to persist RETRY state",
			zap.String("event_id", record.EventID.String()),
			zap.Error(err))

		return dispatchFailed
	}

	d.logger.Warn("delivery attempt failed, scheduled for retry",
		zap.String("event_id", record.EventID.String()),
		zap.Int("retry_count", retryCount),
		zap.Time("next_retry_at", nextRetryAt),
		zap.String("error", errMsg))

	return dispatchRetried
}
