package metrics

import (
	"context"
	"time"
)

// FinishedRequest is the record the engine emits once a request has produced all its tokens
type FinishedRequest struct {
	RequestID    string
	ArrivalTime  time.Time
	FinishedTime time.Time
	// TimeInQueue is nil when the engine did not measure queueing for the request
	TimeInQueue *time.Duration
}

// RequestLatency is the reduced latency breakdown of one finished request
type RequestLatency struct {
	RequestID string
	Arrival   time.Time
	E2E       time.Duration
	Queueing  time.Duration
	Serving   time.Duration
}

// TimeSeriesSample represents a recorded value at a point in time
type TimeSeriesSample struct {
	Timestamp time.Time
	Value     float64
}

// AutoscalerHistory holds the three parallel records kept by the engine autoscaler
type AutoscalerHistory struct {
	Timestamps []time.Time
	TPLevel    []TimeSeriesSample
	CacheUsage []TimeSeriesSample
}

// Len returns the number of recorded autoscaler steps
func (h *AutoscalerHistory) Len() int {
	if h == nil {
		return 0
	}
	return len(h.Timestamps)
}

// Consistent reports whether the three records have the same length
func (h *AutoscalerHistory) Consistent() bool {
	if h == nil {
		return true
	}
	return len(h.Timestamps) == len(h.TPLevel) && len(h.Timestamps) == len(h.CacheUsage)
}

// Append records one autoscaler observation
func (h *AutoscalerHistory) Append(ts time.Time, tpLevel int, cacheUsage float64) {
	h.Timestamps = append(h.Timestamps, ts)
	h.TPLevel = append(h.TPLevel, TimeSeriesSample{Timestamp: ts, Value: float64(tpLevel)})
	h.CacheUsage = append(h.CacheUsage, TimeSeriesSample{Timestamp: ts, Value: cacheUsage})
}

// HistoryClient reads the autoscaler history of a run window
type HistoryClient interface {
	GetAutoscalerHistory(ctx context.Context, start, end time.Time) (*AutoscalerHistory, error)
}
