package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"k8s.io/utils/clock"

	"github.com/wesleyemery/liquid-bench/api/v1alpha1"
	"github.com/wesleyemery/liquid-bench/pkg/metrics"
)

var (
	// ErrRequestTooLarge is returned when a request cannot fit in the KV cache even at the highest TP level
	ErrRequestTooLarge = errors.New("request exceeds KV cache capacity")
	// ErrEngineClosed is returned by every operation after Close
	ErrEngineClosed = errors.New("engine is closed")
)

// Status is a point-in-time view of the engine scheduler
type Status struct {
	TPLevel    int
	CacheUsage float64
	Waiting    int
	Running    int
}

// Engine is the inference engine driven by the benchmark
type Engine interface {
	// AddRequest enqueues a request; it never blocks on generation
	AddRequest(ctx context.Context, req v1alpha1.CompletionRequest) error
	// Step runs one scheduling and generation iteration
	Step(ctx context.Context) error
	// Drain removes and returns every finished record currently in the output queue
	Drain() []metrics.FinishedRequest
	HasUnfinishedRequests() bool
	Status() Status
	GetAutoscalerHistory(ctx context.Context, start, end time.Time) (*metrics.AutoscalerHistory, error)
	Close() error
}

// New creates the engine selected by spec.Type
func New(spec v1alpha1.EngineSpec, clk clock.Clock) (Engine, error) {
	switch spec.Type {
	case v1alpha1.EngineTypeSim, "":
		return NewSimEngine(spec, clk)
	default:
		return nil, fmt.Errorf("unsupported engine type: %s", spec.Type)
	}
}
