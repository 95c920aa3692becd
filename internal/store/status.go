package store

import (
	"fmt"

	"lightning-store/pkg/schemas"
)

// PropagateStatus derives a rollout's status from its latest attempt and
// retry policy. Preparing, running and succeeded pass through. Failed,
// timeout and unresponsive become requeuing while the status is retryable and
// attempts remain, failed otherwise. Any other attempt status is an error.
func PropagateStatus(attempt schemas.Attempt, config schemas.RolloutConfig) (schemas.RolloutStatus, error) {
	switch attempt.Status {
	case schemas.AttemptPreparing:
		return schemas.RolloutPreparing, nil
	case schemas.AttemptRunning:
		return schemas.RolloutRunning, nil
	case schemas.AttemptSucceeded:
		return schemas.RolloutSucceeded, nil
	case schemas.AttemptFailed, schemas.AttemptTimeout, schemas.AttemptUnresponsive:
		if config.Retries(attempt.Status) && attempt.SequenceID < int64(config.MaxAttempts) {
			return schemas.RolloutRequeuing, nil
		}
		return schemas.RolloutFailed, nil
	}
	return "", fmt.Errorf("%w: cannot propagate attempt status %q", ErrInvalidStatus, attempt.Status)
}
