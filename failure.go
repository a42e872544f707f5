package outbox

import (
	"context"
	"errors"
)

// FailureAction defines how a failed message should be handled.
type FailureAction int

const (
	// FailureRetry returns the message to pending until MaxAttempts is reached.
	FailureRetry FailureAction = iota
	// FailureDead fails the message immediately.
	FailureDead
)

// FailureClassifier decides whether a handler error is retryable. It is not
// consulted for lost leases, which are never settled by the losing owner.
type FailureClassifier func(ctx context.Context, msg Message, err error) FailureAction

func defaultFailureClassifier(context.Context, Message, error) FailureAction {
	return FailureRetry
}

// DeadOn returns a classifier that fails messages whose handler error
// matches any of targets per errors.Is and retries everything else.
func DeadOn(targets ...error) FailureClassifier {
	return func(_ context.Context, _ Message, err error) FailureAction {
		for _, target := range targets {
			if errors.Is(err, target) {
				return FailureDead
			}
		}

		return FailureRetry
	}
}
