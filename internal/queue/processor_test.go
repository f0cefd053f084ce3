package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talkincode/wablast/internal/domain"
)

type fakeSender struct {
	mu         sync.Mutex
	connectErr error
	results    map[string][]domain.SendResult // by body, consumed in order
	sent       []string
}

func (f *fakeSender) EnsureConnected(_ context.Context, sessionID int64) error {
	return f.connectErr
}

func (f *fakeSender) Send(_ context.Context, sessionID int64, recipient, body, mediaRef string) domain.SendResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, body)
	if rs := f.results[body]; len(rs) > 0 {
		f.results[body] = rs[1:]
		return rs[0]
	}
	return domain.SendResult{Success: true, ExternalID: "ext-" + body}
}

func TestProcessBatch(t *testing.T) {
	s, c := newTestStore(t)
	ctx := context.Background()
	base := c.t.Add(-time.Hour)
	ok := enqueueAt(t, s, c, base, EnqueueRequest{SessionID: 1, Recipient: ukMobile, Body: "ok", Priority: 1})
	flaky := enqueueAt(t, s, c, base.Add(time.Second), EnqueueRequest{SessionID: 1, Recipient: ukMobile, Body: "flaky", Priority: 5})
	bad := enqueueAt(t, s, c, base.Add(2*time.Second), EnqueueRequest{SessionID: 1, Recipient: ukMobile, Body: "bad"})

	sender := &fakeSender{results: map[string][]domain.SendResult{
		"flaky": {{Err: &domain.SendError{Err: errors.New("timeout")}}},
		"bad":   {{Err: &domain.ValidationError{Field: "recipient", Reason: "not on whatsapp"}}},
	}}
	p := NewProcessor(s, sender)
	p.now = c.now

	report, err := p.ProcessBatch(ctx, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Fetched)
	assert.Equal(t, 1, report.Sent)
	assert.Equal(t, 1, report.Retrying)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, []string{"flaky", "ok", "bad"}, sender.sent)

	got, err := s.Get(ctx, ok.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueSent, got.Status)

	got, err = s.Get(ctx, flaky.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.QueuePending, got.Status)
	assert.Equal(t, 1, got.RetryCount)

	view, err := s.StatusOf(ctx, bad.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueFailed, view.Status)
	assert.Contains(t, view.LatestEvent.ErrorMessage, "not on whatsapp")

	// second pass delivers the retried item
	report, err = p.ProcessBatch(ctx, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Fetched)
	assert.Equal(t, 1, report.Sent)
	assert.Equal(t, int64(2), p.Stats().Sent)
}

func TestProcessBatchExhaustsRetries(t *testing.T) {
	s, c := newTestStore(t)
	ctx := context.Background()
	item := enqueueAt(t, s, c, c.t, EnqueueRequest{SessionID: 1, Recipient: ukMobile, Body: "never", MaxRetries: 2})

	fail := domain.SendResult{Err: &domain.MediaFetchError{URL: "http://x", Err: errors.New("404")}}
	sender := &fakeSender{results: map[string][]domain.SendResult{"never": {fail, fail, fail, fail}}}
	p := NewProcessor(s, sender)

	for i := 0; i < 4; i++ {
		_, err := p.ProcessBatch(ctx, 1, 10)
		require.NoError(t, err)
	}
	got, err := s.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueFailed, got.Status)
	assert.Equal(t, 2, got.RetryCount)
	assert.Len(t, sender.sent, 2)
}

func TestProcessBatchNotConnected(t *testing.T) {
	s, c := newTestStore(t)
	item := enqueueAt(t, s, c, c.t, EnqueueRequest{SessionID: 1, Recipient: ukMobile, Body: "x"})

	sender := &fakeSender{connectErr: &domain.NotConnectedError{SessionID: 1, Status: domain.SessionError}}
	p := NewProcessor(s, sender)

	_, err := p.ProcessBatch(context.Background(), 1, 10)
	var nc *domain.NotConnectedError
	assert.True(t, errors.As(err, &nc))
	assert.Empty(t, sender.sent)

	got, err := s.Get(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.QueuePending, got.Status)
}

func TestProcessDue(t *testing.T) {
	s, c := newTestStore(t)
	enqueueAt(t, s, c, c.t, EnqueueRequest{SessionID: 1, Recipient: ukMobile, Body: "a"})
	enqueueAt(t, s, c, c.t, EnqueueRequest{SessionID: 2, Recipient: usNumber, Body: "b"})

	sender := &fakeSender{}
	p := NewProcessor(s, sender)
	reports, err := p.ProcessDue(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, reports, 2)
	assert.ElementsMatch(t, []string{"a", "b"}, sender.sent)

	counts, err := s.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts[domain.QueueSent])
}

func TestProcessDueSkipsOverlap(t *testing.T) {
	s, _ := newTestStore(t)
	p := NewProcessor(s, &fakeSender{})
	p.running.Store(true)
	reports, err := p.ProcessDue(context.Background(), 10)
	assert.NoError(t, err)
	assert.Nil(t, reports)
}
