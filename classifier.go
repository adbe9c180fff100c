package outbox

import "errors"

// RetryClassifier determines whether a delivery error should not be retried.
// Non-retryable failures (malformed payload, serialization errors) go
// straight to DEAD_LETTER without consuming the retry budget.
type RetryClassifier interface {
	IsNonRetryable(err error) bool
}

// RetryClassifierFunc adapts a function to the RetryClassifier interface.
type RetryClassifierFunc func(err error) bool

// IsNonRetryable implements RetryClassifier.
func (fn RetryClassifierFunc) IsNonRetryable(err error) bool {
	if fn == nil {
		return false
	}

	return fn(err)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks a delivery error as non-retryable. Adapters wrap errors
// that retrying cannot fix, such as a payload the broker rejects as
// malformed.
func Permanent(err error) error {
	if err == nil {
		return nil
	}

	return &permanentError{err: err}
}

// IsPermanent reports whether err (or any wrapped error) carries the
// Permanent marker.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// defaultClassifier treats Permanent-marked errors as non-retryable.
var defaultClassifier RetryClassifier = RetryClassifierFunc(IsPermanent)
