package metrics

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

const (
	defaultMockInterval    = time.Second
	defaultMockBaseUsage   = 0.5
	defaultMockVariance    = 0.3
	mockVarianceOffset     = 0.5
	mockVarianceMultiplier = 2
)

// MockHistoryClient provides a synthetic autoscaler history for testing
type MockHistoryClient struct {
	// Interval between generated samples
	Interval time.Duration
	// MaxTPLevel is the highest level the synthetic autoscaler reaches
	MaxTPLevel int
	// BaseUsage is the mean cache usage (0-1)
	BaseUsage float64
	Variance  float64
	// Err, if set, is returned instead of a history
	Err error

	rng *rand.Rand
}

// NewMockHistoryClient creates a mock history client with a fixed seed
func NewMockHistoryClient(maxTPLevel int) *MockHistoryClient {
	return &MockHistoryClient{
		Interval:   defaultMockInterval,
		MaxTPLevel: maxTPLevel,
		BaseUsage:  defaultMockBaseUsage,
		Variance:   defaultMockVariance,
		rng:        rand.New(rand.NewSource(1)),
	}
}

// GetAutoscalerHistory generates one sample per interval over [start, end]
func (m *MockHistoryClient) GetAutoscalerHistory(_ context.Context, start, end time.Time) (*AutoscalerHistory, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	if end.Before(start) {
		return nil, fmt.Errorf("invalid window: end %s before start %s", end, start)
	}
	if m.rng == nil {
		m.rng = rand.New(rand.NewSource(1))
	}

	interval := m.Interval
	if interval <= 0 {
		interval = defaultMockInterval
	}

	history := &AutoscalerHistory{}
	level := 1
	for ts := start; !ts.After(end); ts = ts.Add(interval) {
		usage := m.BaseUsage * (1 + (m.rng.Float64()-mockVarianceOffset)*mockVarianceMultiplier*m.Variance)
		usage = min(max(usage, 0), 1)

		// climb while hot, fall back while cold
		switch {
		case usage > 0.7 && level < m.MaxTPLevel:
			level++
		case usage < 0.3 && level > 1:
			level--
		}

		history.Append(ts, level, usage)
	}

	return history, nil
}
