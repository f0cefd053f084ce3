package queue

import (
	"time"

	"github.com/talkincode/wablast/internal/domain"
)

// Outcome of one delivery attempt.
type Outcome struct {
	ExternalID string
	Err        error
	At         time.Time
}

// OutcomeOf converts a driver send result.
func OutcomeOf(r domain.SendResult, at time.Time) Outcome {
	if r.Success {
		return Outcome{ExternalID: r.ExternalID, At: at}
	}
	err := r.Err
	if err == nil {
		err = &domain.SendError{Err: errUnknownFailure}
	}
	return Outcome{Err: err, At: at}
}

// Apply is the retry policy. It returns the next state of item and the status
// event to append, leaving the input untouched.
//
// Success moves to sent. A non retryable failure moves straight to failed.
// Otherwise the retry counter grows by one and the item returns to pending
// while RetryCount < MaxRetries, and becomes failed when they are equal.
func Apply(item domain.WaQueueItem, out Outcome) (domain.WaQueueItem, domain.WaStatusEvent) {
	at := out.At
	if at.IsZero() {
		at = time.Now()
	}
	next := item
	next.UpdatedAt = at
	ev := domain.WaStatusEvent{
		QueueID:   item.ID,
		Timestamp: at,
	}

	if out.Err == nil {
		next.Status = domain.QueueSent
		next.LastError = ""
		ev.Status = domain.QueueSent
		ev.ExternalID = out.ExternalID
		return next, ev
	}

	next.LastError = domain.Reason(out.Err)
	ev.ErrorMessage = next.LastError

	switch {
	case !domain.Retryable(out.Err), next.RetryCount >= next.MaxRetries:
		next.Status = domain.QueueFailed
	default:
		next.RetryCount++
		if next.RetryCount < next.MaxRetries {
			next.Status = domain.QueuePending
		} else {
			next.Status = domain.QueueFailed
		}
	}
	ev.Status = next.Status
	return next, ev
}
