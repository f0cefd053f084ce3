package queue

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/talkincode/wablast/internal/domain"
)

func TestApplyRetriesUntilExhausted(t *testing.T) {
	for _, maxRetries := range []int{1, 2, 3, 5} {
		item := domain.WaQueueItem{ID: 1, Status: domain.QueueProcessing, MaxRetries: maxRetries}
		sendErr := &domain.SendError{Recipient: ukMobile, Err: errors.New("click failed")}

		attempts := 0
		for item.Status != domain.QueueFailed {
			attempts++
			if attempts > maxRetries+1 {
				t.Fatalf("max %d: retry loop did not terminate", maxRetries)
			}
			var ev domain.WaStatusEvent
			item, ev = Apply(item, Outcome{Err: sendErr, At: time.Now()})
			assert.LessOrEqual(t, item.RetryCount, item.MaxRetries)
			assert.Equal(t, item.Status, ev.Status)
			assert.Contains(t, ev.ErrorMessage, "SendError")
			if item.Status == domain.QueuePending {
				assert.Less(t, item.RetryCount, item.MaxRetries)
			}
		}
		assert.Equal(t, maxRetries, attempts)
		assert.Equal(t, maxRetries, item.RetryCount)
	}
}

func TestApplyValidationIsTerminal(t *testing.T) {
	item := domain.WaQueueItem{ID: 1, MaxRetries: 3}
	next, ev := Apply(item, Outcome{Err: &domain.ValidationError{Field: "recipient", Reason: "bad"}})
	assert.Equal(t, domain.QueueFailed, next.Status)
	assert.Zero(t, next.RetryCount)
	assert.Equal(t, domain.QueueFailed, ev.Status)
	assert.False(t, ev.Timestamp.IsZero())
}

func TestApplySuccess(t *testing.T) {
	item := domain.WaQueueItem{ID: 9, RetryCount: 2, MaxRetries: 3, LastError: "SendError: x"}
	next, ev := Apply(item, Outcome{ExternalID: "ext-1"})
	assert.Equal(t, domain.QueueSent, next.Status)
	assert.Equal(t, 2, next.RetryCount)
	assert.Empty(t, next.LastError)
	assert.Equal(t, "ext-1", ev.ExternalID)
	assert.Equal(t, int64(9), ev.QueueID)
	// input is not mutated
	assert.Equal(t, "SendError: x", item.LastError)
}

func TestApplyZeroMaxRetries(t *testing.T) {
	next, _ := Apply(domain.WaQueueItem{MaxRetries: 0}, Outcome{Err: errors.New("x")})
	assert.Equal(t, domain.QueueFailed, next.Status)
	assert.Zero(t, next.RetryCount)
}

func TestOutcomeOf(t *testing.T) {
	out := OutcomeOf(domain.SendResult{Success: false}, time.Now())
	var serr *domain.SendError
	assert.True(t, errors.As(out.Err, &serr))

	out = OutcomeOf(domain.SendResult{Success: true, ExternalID: "id"}, time.Now())
	assert.NoError(t, out.Err)
	assert.Equal(t, "id", out.ExternalID)
}
