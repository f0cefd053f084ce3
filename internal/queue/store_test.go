package queue

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/talkincode/wablast/internal/domain"
	"github.com/talkincode/wablast/internal/testutil"
)

const (
	ukMobile = "+447911123456"
	usNumber = "+16502530000"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestStore(t *testing.T) (*GormStore, *clock) {
	t.Helper()
	c := &clock{t: time.Date(2025, 3, 1, 10, 0, 0, 0, time.Local)}
	db := testutil.NewDB(t)
	testutil.CreateSession(t, db, 1, "primary")
	testutil.CreateSession(t, db, 2, "secondary")
	s := NewGormStore(db, 3)
	s.now = c.now
	return s, c
}

func enqueueAt(t *testing.T, s *GormStore, c *clock, at time.Time, req EnqueueRequest) *domain.WaQueueItem {
	t.Helper()
	prev := c.t
	c.t = at
	defer func() { c.t = prev }()
	item, err := s.Enqueue(context.Background(), req)
	require.NoError(t, err)
	return item
}

func TestFetchDueOrdering(t *testing.T) {
	s, c := newTestStore(t)
	base := c.t.Add(-time.Hour)

	a := enqueueAt(t, s, c, base.Add(1*time.Second), EnqueueRequest{SessionID: 1, Recipient: ukMobile, Body: "A", Priority: 5})
	b := enqueueAt(t, s, c, base.Add(2*time.Second), EnqueueRequest{SessionID: 1, Recipient: ukMobile, Body: "B", Priority: 10})
	cc := enqueueAt(t, s, c, base, EnqueueRequest{SessionID: 1, Recipient: ukMobile, Body: "C", Priority: 5})

	sid := int64(1)
	items, err := s.FetchDue(context.Background(), &sid, 3)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, []int64{b.ID, cc.ID, a.ID}, []int64{items[0].ID, items[1].ID, items[2].ID})
}

func TestFetchDueSchedule(t *testing.T) {
	s, c := newTestStore(t)
	future := c.t.Add(time.Hour)
	past := c.t.Add(-time.Minute)

	enqueueAt(t, s, c, c.t, EnqueueRequest{SessionID: 1, Recipient: ukMobile, Body: "later", Priority: 99, ScheduledAt: &future})
	due := enqueueAt(t, s, c, c.t, EnqueueRequest{SessionID: 1, Recipient: ukMobile, Body: "due", ScheduledAt: &past})
	other := enqueueAt(t, s, c, c.t, EnqueueRequest{SessionID: 2, Recipient: usNumber, Body: "other session"})

	sid := int64(1)
	items, err := s.FetchDue(context.Background(), &sid, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, due.ID, items[0].ID)

	all, err := s.FetchDue(context.Background(), nil, 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	ids, err := s.SessionsWithDue(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{1, 2}, ids)

	// the future item becomes due once the clock passes it
	c.t = future.Add(time.Second)
	items, err = s.FetchDue(context.Background(), &sid, 10)
	require.NoError(t, err)
	assert.Len(t, items, 2)
	assert.Equal(t, "later", items[0].Body)
	_ = other
}

func TestFetchDueSkipsNonPending(t *testing.T) {
	s, c := newTestStore(t)
	item := enqueueAt(t, s, c, c.t, EnqueueRequest{SessionID: 1, Recipient: ukMobile, Body: "x"})
	require.NoError(t, s.MarkProcessing(context.Background(), item.ID))
	assert.ErrorIs(t, s.MarkProcessing(context.Background(), item.ID), ErrNotPending)

	items, err := s.FetchDue(context.Background(), nil, 10)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestEnqueueValidation(t *testing.T) {
	s, _ := newTestStore(t)
	tests := []struct {
		name string
		req  EnqueueRequest
	}{
		{"missing recipient", EnqueueRequest{SessionID: 1, Body: "hi"}},
		{"bad recipient", EnqueueRequest{SessionID: 1, Recipient: "12", Body: "hi"}},
		{"no payload", EnqueueRequest{SessionID: 1, Recipient: ukMobile}},
		{"body too long", EnqueueRequest{SessionID: 1, Recipient: ukMobile, Body: strings.Repeat("x", MaxBodyLength+1)}},
		{"bad media url", EnqueueRequest{SessionID: 1, Recipient: ukMobile, MediaRef: "ftp://files/a.png"}},
		{"no session", EnqueueRequest{Recipient: ukMobile, Body: "hi"}},
		{"unknown session", EnqueueRequest{SessionID: 77, Recipient: ukMobile, Body: "hi"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Enqueue(context.Background(), tt.req)
			var verr *domain.ValidationError
			assert.True(t, errors.As(err, &verr), "got %v", err)
		})
	}

	item, err := s.Enqueue(context.Background(), EnqueueRequest{SessionID: 1, Recipient: "44 7911 123456", MediaRef: "https://cdn.example.com/a.png"})
	require.NoError(t, err)
	assert.Equal(t, ukMobile, item.Recipient)
	assert.Equal(t, 3, item.MaxRetries)
	assert.Equal(t, domain.QueuePending, item.Status)
}

func TestCommitAndStatusOf(t *testing.T) {
	s, c := newTestStore(t)
	ctx := context.Background()
	item := enqueueAt(t, s, c, c.t, EnqueueRequest{SessionID: 1, Recipient: ukMobile, Body: "x"})

	view, err := s.StatusOf(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.QueuePending, view.Status)
	require.NotNil(t, view.LatestEvent)
	assert.Equal(t, domain.QueuePending, view.LatestEvent.Status)

	c.t = c.t.Add(time.Minute)
	next, ev := Apply(*item, Outcome{ExternalID: "true_447911123456@c.us_3EB0", At: c.t})
	require.NoError(t, s.Commit(ctx, &next, &ev))

	view, err = s.StatusOf(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueSent, view.Status)
	assert.Equal(t, "true_447911123456@c.us_3EB0", view.LatestEvent.ExternalID)

	history, err := s.History(ctx, item.ID)
	require.NoError(t, err)
	assert.Len(t, history, 2)

	bad := next
	bad.RetryCount = bad.MaxRetries + 1
	assert.Error(t, s.Commit(ctx, &bad, nil))
}

func TestStatusOfMissing(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.StatusOf(context.Background(), 42)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestOperatorActions(t *testing.T) {
	s, c := newTestStore(t)
	ctx := context.Background()
	stuck := enqueueAt(t, s, c, c.t, EnqueueRequest{SessionID: 1, Recipient: ukMobile, Body: "stuck"})
	keep := enqueueAt(t, s, c, c.t, EnqueueRequest{SessionID: 2, Recipient: usNumber, Body: "keep"})
	require.NoError(t, s.MarkProcessing(ctx, stuck.ID))

	counts, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[domain.QueueProcessing])
	assert.Equal(t, int64(1), counts[domain.QueuePending])

	n, err := s.RequeueStuck(ctx, time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)

	c.t = c.t.Add(10 * time.Minute)
	n, err = s.RequeueStuck(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	released, err := s.Get(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.QueuePending, released.Status)
	assert.Equal(t, 1, released.RetryCount)
	assert.Contains(t, released.LastError, "interrupted while processing")
	events, err := s.History(ctx, stuck.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, domain.QueuePending, events[1].Status)

	items, total, err := s.List(ctx, Filter{SessionID: 2}, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Equal(t, keep.ID, items[0].ID)

	require.NoError(t, s.Delete(ctx, keep.ID))
	assert.ErrorIs(t, s.Delete(ctx, keep.ID), gorm.ErrRecordNotFound)
	history, err := s.History(ctx, keep.ID)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestRequeueStuckFailsExhaustedItem(t *testing.T) {
	s, c := newTestStore(t)
	ctx := context.Background()
	item := enqueueAt(t, s, c, c.t, EnqueueRequest{SessionID: 1, Recipient: ukMobile, Body: "once more"})

	// two interrupted attempts already charged
	require.NoError(t, s.db.Model(&domain.WaQueueItem{}).Where("id = ?", item.ID).
		Update("retry_count", 2).Error)
	require.NoError(t, s.MarkProcessing(ctx, item.ID))

	c.t = c.t.Add(time.Hour)
	n, err := s.RequeueStuck(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := s.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueFailed, got.Status)
	assert.Equal(t, 3, got.RetryCount)

	// failed items are never picked up again
	n, err = s.RequeueStuck(ctx, time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)
	due, err := s.FetchDue(ctx, nil, 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestEnqueueRejectsRemovedSession(t *testing.T) {
	s, c := newTestStore(t)
	ctx := context.Background()
	enqueueAt(t, s, c, c.t, EnqueueRequest{SessionID: 2, Recipient: usNumber, Body: "before removal"})
	require.NoError(t, s.db.Model(&domain.WaSession{}).Where("id = ?", 2).Update("is_active", false).Error)

	_, err := s.Enqueue(ctx, EnqueueRequest{SessionID: 2, Recipient: usNumber, Body: "after removal"})
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "session_id", verr.Field)

	// leftover items of a removed session are not scheduled
	ids, err := s.SessionsWithDue(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)

	enqueueAt(t, s, c, c.t, EnqueueRequest{SessionID: 1, Recipient: ukMobile, Body: "live"})
	ids, err = s.SessionsWithDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, ids)
}
