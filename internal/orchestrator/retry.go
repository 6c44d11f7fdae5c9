package orchestrator

import (
	"context"
	"errors"
	"net"
)

// RetryClassifier decides whether an error surfacing from the graph
// executor should trigger a retry rather than an immediate failure. What
// counts as transient is deployment-specific; callers may supply their
// own via WithRetryClassifier.
type RetryClassifier interface {
	IsTransient(err error) bool
}

// TransientError explicitly marks an underlying error as retryable, for
// graph executors and tests whose faults aren't a net.Error or
// context.DeadlineExceeded but should still drive retry behavior.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// defaultClassifier treats network timeouts, context deadline exceeded,
// and explicitly wrapped TransientError as retryable; everything else is
// permanent.
type defaultClassifier struct{}

func (defaultClassifier) IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var transient *TransientError
	if errors.As(err, &transient) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}
