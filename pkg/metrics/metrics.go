// Package metrics keeps runtime gauges in memory and appends every update to
// a time-series store under the workdir.
package metrics

import (
	"errors"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/nakabonne/tstorage"
	"go.uber.org/zap"
)

// Gauge names
const (
	SystemCPUUse      = "system_cpuuse"
	SystemMemUse      = "system_memuse"
	ProcessCPUUse     = "wablast_cpuuse"
	ProcessMemUse     = "wablast_memuse"
	QueuePending      = "queue_pending"
	QueueProcessing   = "queue_processing"
	QueueSent         = "queue_sent"
	QueueFailed       = "queue_failed"
	SessionsConnected = "sessions_connected"
	SessionsError     = "sessions_error"
)

// Point is one stored sample.
type Point struct {
	Timestamp int64 `json:"timestamp"` // unix milliseconds
	Value     int64 `json:"value"`
}

var (
	mu      sync.RWMutex
	gauges  = map[string]int64{}
	storage tstorage.Storage
	lastTS  int64
)

// InitMetrics opens the time-series store in <workdir>/data/metrics.
func InitMetrics(workdir string) error {
	s, err := tstorage.NewStorage(
		tstorage.WithDataPath(path.Join(workdir, "data", "metrics")),
		tstorage.WithTimestampPrecision(tstorage.Milliseconds),
		tstorage.WithPartitionDuration(time.Hour),
		tstorage.WithRetention(7*24*time.Hour),
	)
	if err != nil {
		return err
	}
	mu.Lock()
	storage = s
	mu.Unlock()
	return nil
}

// SetGauge records the latest value of a gauge.
func SetGauge(name string, value int64) {
	mu.Lock()
	gauges[name] = value
	s := storage
	// samples never share a timestamp, so none overwrites another
	ts := time.Now().UnixMilli()
	if ts <= lastTS {
		ts = lastTS + 1
	}
	lastTS = ts
	mu.Unlock()
	if s == nil {
		return
	}
	err := s.InsertRows([]tstorage.Row{{
		Metric:    name,
		DataPoint: tstorage.DataPoint{Timestamp: ts, Value: float64(value)},
	}})
	if err != nil {
		zap.L().Debug("metrics: insert failed", zap.String("metric", name), zap.Error(err))
	}
}

// GetGauge returns the latest value, 0 when never set.
func GetGauge(name string) int64 {
	mu.RLock()
	defer mu.RUnlock()
	return gauges[name]
}

// Snapshot returns every gauge.
func Snapshot() map[string]int64 {
	mu.RLock()
	defer mu.RUnlock()
	out := make(map[string]int64, len(gauges))
	for k, v := range gauges {
		out[k] = v
	}
	return out
}

// Query returns the stored samples of a gauge in [from, to).
func Query(name string, from, to time.Time) ([]Point, error) {
	mu.RLock()
	s := storage
	mu.RUnlock()
	if s == nil {
		return nil, errors.New("metrics storage not initialized")
	}
	dps, err := s.Select(name, nil, from.UnixMilli(), to.UnixMilli())
	if errors.Is(err, tstorage.ErrNoDataPoints) {
		return []Point{}, nil
	}
	if err != nil {
		return nil, err
	}
	points := make([]Point, 0, len(dps))
	for _, dp := range dps {
		points = append(points, Point{Timestamp: dp.Timestamp, Value: int64(dp.Value)})
	}
	sort.SliceStable(points, func(i, j int) bool { return points[i].Timestamp < points[j].Timestamp })
	return points, nil
}

// Close flushes and closes the store.
func Close() error {
	mu.Lock()
	s := storage
	storage = nil
	mu.Unlock()
	if s == nil {
		return nil
	}
	return s.Close()
}
