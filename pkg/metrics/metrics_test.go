package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGaugesWithoutStorage(t *testing.T) {
	SetGauge("test_gauge", 7)
	assert.Equal(t, int64(7), GetGauge("test_gauge"))
	assert.Equal(t, int64(0), GetGauge("missing"))
	assert.Equal(t, int64(7), Snapshot()["test_gauge"])

	_, err := Query("test_gauge", time.Now().Add(-time.Minute), time.Now())
	assert.Error(t, err)
}

func TestQueryStoredSamples(t *testing.T) {
	require.NoError(t, InitMetrics(t.TempDir()))
	defer func() { require.NoError(t, Close()) }()

	SetGauge(QueuePending, 3)
	SetGauge(QueuePending, 5)

	points, err := Query(QueuePending, time.Now().Add(-time.Minute), time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.Equal(t, int64(5), points[1].Value)

	points, err = Query("never_written", time.Now().Add(-time.Minute), time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, points)
}

func TestQueryKeepsBurstOfSamples(t *testing.T) {
	require.NoError(t, InitMetrics(t.TempDir()))
	defer func() { require.NoError(t, Close()) }()

	start := time.Now()
	for i := int64(1); i <= 5; i++ {
		SetGauge(SessionsConnected, i)
	}

	points, err := Query(SessionsConnected, start.Add(-time.Second), time.Now().Add(time.Second))
	require.NoError(t, err)
	require.Len(t, points, 5)
	for i, p := range points {
		assert.Equal(t, int64(i+1), p.Value)
		assert.GreaterOrEqual(t, p.Timestamp, start.UnixMilli())
		if i > 0 {
			assert.Greater(t, p.Timestamp, points[i-1].Timestamp)
		}
	}
}
