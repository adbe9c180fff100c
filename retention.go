package outbox

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// RetentionJob periodically deletes terminal records that have aged past
// their retention window and reports a per-status census of the table.
// Only PUBLISHED and DEAD_LETTER records are ever deleted; live records
// (PENDING, PUBLISHING, RETRY) are never touched regardless of age.
type RetentionJob struct {
	storage Storage

	interval            time.Duration
	publishedRetention  time.Duration
	deadLetterRetention time.Duration
	logger              *zap.Logger
	metrics             *Metrics

	started int32
	closed  int32
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// RetentionResult captures the outcome of one retention sweep.
type RetentionResult struct {
	PublishedDeleted  int64
	DeadLetterDeleted int64
	Report            Statistics
}

// RetentionOption is a function that configures a RetentionJob instance.
type RetentionOption func(*RetentionJob)

// WithRetentionInterval sets the time between retention sweeps.
// Default is 1 hour.
func WithRetentionInterval(interval time.Duration) RetentionOption {
	return func(j *RetentionJob) {
		if interval > 0 {
			j.interval = interval
		}
	}
}

// WithPublishedRetention sets how long PUBLISHED records are kept after
// delivery. Default is 30 days.
func WithPublishedRetention(retention time.Duration) RetentionOption {
	return func(j *RetentionJob) {
		if retention > 0 {
			j.publishedRetention = retention
		}
	}
}

// WithDeadLetterRetention sets how long DEAD_LETTER records are kept.
// The window is deliberately longer than the published one so operators
// have time to notice and replay failures. Default is 90 days.
func WithDeadLetterRetention(retention time.Duration) RetentionOption {
	return func(j *RetentionJob) {
		if retention > 0 {
			j.deadLetterRetention = retention
		}
	}
}

// WithRetentionLogger sets the structured logger. Default is a no-op logger.
func WithRetentionLogger(logger *zap.Logger) RetentionOption {
	return func(j *RetentionJob) {
		if logger != nil {
			j.logger = logger
		}
	}
}

// WithRetentionMetrics injects the metric collectors. Default is nil (disabled).
func WithRetentionMetrics(metrics *Metrics) RetentionOption {
	return func(j *RetentionJob) {
		j.metrics = metrics
	}
}

// NewRetentionJob creates a RetentionJob with the given storage and options.
func NewRetentionJob(storage Storage, opts ...RetentionOption) (*RetentionJob, error) {
	if storage == nil {
		return nil, ErrStorageRequired
	}

	ctx, cancel := context.WithCancel(context.Background())

	j := &RetentionJob{
		storage:             storage,
		ctx:                 ctx,
		cancel:              cancel,
		interval:            1 * time.Hour,
		publishedRetention:  30 * 24 * time.Hour,
		deadLetterRetention: 90 * 24 * time.Hour,
		logger:              zap.NewNop(),
	}

	for _, opt := range opts {
		opt(j)
	}

	return j, nil
}

// Start begins the periodic retention sweeps.
// If Start is called multiple times, only the first call has an effect.
func (j *RetentionJob) Start() {
	if !atomic.CompareAndSwapInt32(&j.started, 0, 1) {
		return
	}

	j.wg.Add(1)
	go func() {
		ticker := time.NewTicker(j.interval)

		defer j.wg.Done()
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if _, err := j.RunOnce(j.ctx); err != nil {
					j.logger.Error("retention sweep failed", zap.Error(err))
				}
			case <-j.ctx.Done():
				return
			}
		}
	}()
}

// Stop gracefully shuts down the retention job, waiting for any in-flight
// sweep to complete. The provided context controls how long to wait.
// Calling Stop multiple times is safe and only the first call has an effect.
func (j *RetentionJob) Stop(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&j.closed, 0, 1) {
		return nil
	}

	j.cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		j.wg.Wait()
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce performs a single retention sweep: delete expired terminal
// records, then count what remains and log the census. A lingering
// DEAD_LETTER backlog is surfaced at warn level since it means events
// were lost to consumers and nobody has replayed them.
func (j *RetentionJob) RunOnce(ctx context.Context) (RetentionResult, error) {
	var result RetentionResult

	now := time.Now().UTC()

	published, err := j.storage.DeleteTerminalBefore(ctx, StatusPublished, now.Add(-j.publishedRetention))
	if err != nil {
		return result, err
	}
	result.PublishedDeleted = published
	j.metrics.addPruned(StatusPublished, float64(published))

	deadLettered, err := j.storage.DeleteTerminalBefore(ctx, StatusDeadLetter, now.Add(-j.deadLetterRetention))
	if err != nil {
		return result, err
	}
	result.DeadLetterDeleted = deadLettered
	j.metrics.addPruned(StatusDeadLetter, float64(deadLettered))

	report, err := j.storage.CountByStatus(ctx)
	if err != nil {
		return result, err
	}
	result.Report = report

	fields := []zap.Field{
		zap.Int64("published_deleted", published),
		zap.Int64("dead_letter_deleted", deadLettered),
		zap.Int64("pending", report.Pending),
		zap.Int64("publishing", report.Publishing),
		zap.Int64("published", report.Published),
		zap.Int64("retry", report.Retry),
		zap.Int64("dead_letter", report.DeadLetter),
		zap.Int64("total", report.Total),
	}

	if report.DeadLetter > 0 {
		j.logger.Warn("retention sweep completed with dead-lettered records awaiting replay", fields...)
	} else {
		j.logger.Info("retention sweep completed", fields...)
	}

	return result, nil
}
