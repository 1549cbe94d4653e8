package engine

import (
	"context"
	"sync"
	"time"

	"github.com/wesleyemery/liquid-bench/api/v1alpha1"
	"github.com/wesleyemery/liquid-bench/pkg/metrics"
)

// MockEngine replays scripted outputs for testing. Every Step emits the next
// batch of Script; once the script is exhausted Step emits nothing.
type MockEngine struct {
	mu sync.Mutex

	Script  [][]metrics.FinishedRequest
	History *metrics.AutoscalerHistory
	// StepErr, if set, is returned by Step after StepErrAt successful steps
	StepErr   error
	StepErrAt int
	// AddErr, if set, is returned by AddRequest
	AddErr error
	// Unfinished is reported by HasUnfinishedRequests while the script has batches left
	Unfinished bool

	Requests []v1alpha1.CompletionRequest
	Steps    int
	Drains   int

	output []metrics.FinishedRequest
	closed bool
}

var _ Engine = &MockEngine{}

// NewMockEngine creates a mock engine replaying script
func NewMockEngine(script ...[]metrics.FinishedRequest) *MockEngine {
	return &MockEngine{
		Script:  script,
		History: &metrics.AutoscalerHistory{},
	}
}

func (m *MockEngine) AddRequest(_ context.Context, req v1alpha1.CompletionRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrEngineClosed
	}
	if m.AddErr != nil {
		return m.AddErr
	}
	m.Requests = append(m.Requests, req)
	return nil
}

func (m *MockEngine) Step(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrEngineClosed
	}
	if m.StepErr != nil && m.Steps >= m.StepErrAt {
		return m.StepErr
	}

	if m.Steps < len(m.Script) {
		m.output = append(m.output, m.Script[m.Steps]...)
	}
	m.Steps++
	return nil
}

func (m *MockEngine) Drain() []metrics.FinishedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Drains++
	out := m.output
	m.output = nil
	return out
}

func (m *MockEngine) HasUnfinishedRequests() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.Unfinished && m.Steps < len(m.Script)
}

func (m *MockEngine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Status{TPLevel: 1, Running: len(m.Script) - min(m.Steps, len(m.Script))}
}

func (m *MockEngine) GetAutoscalerHistory(_ context.Context, _, _ time.Time) (*metrics.AutoscalerHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.History, nil
}

func (m *MockEngine) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	return nil
}

// Closed reports whether Close was called
func (m *MockEngine) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.closed
}
