package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/wesleyemery/liquid-bench/api/v1alpha1"
	"github.com/wesleyemery/liquid-bench/pkg/metrics"
)

type simRequest struct {
	id        string
	arrival   time.Time
	admitted  time.Time
	tokens    int64
	maxTokens int
	generated int
}

// SimEngine is a deterministic stand-in for the liquid engine: a FIFO scheduler with
// KV-cache accounting and a shard autoscaler. It generates one token per running
// request per step and never produces text.
type SimEngine struct {
	mu sync.Mutex

	clock        clock.Clock
	tokensPerGPU int64
	maxRunning   int
	stepLatency  time.Duration

	waiting  []*simRequest
	running  []*simRequest
	output   []metrics.FinishedRequest
	reserved int64
	// blocked is set when the head of the waiting queue did not fit in the cache
	blocked bool

	scaler *Autoscaler
	closed bool
}

var _ Engine = &SimEngine{}

// NewSimEngine creates a simulated engine from the engine configuration
func NewSimEngine(spec v1alpha1.EngineSpec, clk clock.Clock) (*SimEngine, error) {
	if clk == nil {
		clk = clock.RealClock{}
	}

	kvBytes := spec.KVBytesPerToken.Value()
	if kvBytes <= 0 {
		return nil, fmt.Errorf("invalid KV bytes per token: %s", spec.KVBytesPerToken.String())
	}
	tokensPerGPU := spec.GPUSpace.Value() / kvBytes
	if tokensPerGPU <= 0 {
		return nil, fmt.Errorf("GPU space %s holds no tokens", spec.GPUSpace.String())
	}
	if spec.MaxGPUs() == 0 {
		return nil, fmt.Errorf("GPU range is empty")
	}

	maxRunning := spec.MaxRunning
	if maxRunning <= 0 {
		maxRunning = 1
	}

	return &SimEngine{
		clock:        clk,
		tokensPerGPU: tokensPerGPU,
		maxRunning:   maxRunning,
		stepLatency:  spec.StepLatency.Duration,
		scaler:       NewAutoscaler(spec.Autoscaler, spec.MaxGPUs(), spec.TotalNumShards),
	}, nil
}

// AddRequest enqueues a request at the tail of the waiting queue
func (e *SimEngine) AddRequest(_ context.Context, req v1alpha1.CompletionRequest) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrEngineClosed
	}

	maxTokens := req.MaxResponseLength + 1
	tokens := int64(len(strings.Fields(req.Prompt)) + maxTokens)
	if limit := int64(e.scaler.MaxLevel()) * e.tokensPerGPU; tokens > limit {
		return fmt.Errorf("%w: %d tokens, limit %d", ErrRequestTooLarge, tokens, limit)
	}

	id := req.RequestID
	if id == "" {
		id = uuid.NewString()
	}

	e.waiting = append(e.waiting, &simRequest{
		id:        id,
		arrival:   e.clock.Now(),
		tokens:    tokens,
		maxTokens: maxTokens,
	})
	return nil
}

// Step admits waiting requests, generates one token for each running request and
// feeds the autoscaler
func (e *SimEngine) Step(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	e.admit()
	e.mu.Unlock()

	if e.stepLatency > 0 {
		e.clock.Sleep(e.stepLatency)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now()
	still := e.running[:0]
	for _, r := range e.running {
		r.generated++
		if r.generated < r.maxTokens {
			still = append(still, r)
			continue
		}
		inQueue := r.admitted.Sub(r.arrival)
		e.output = append(e.output, metrics.FinishedRequest{
			RequestID:    r.id,
			ArrivalTime:  r.arrival,
			FinishedTime: now,
			TimeInQueue:  &inQueue,
		})
		e.reserved -= r.tokens
	}
	e.running = still

	before := e.scaler.Level()
	if delta := e.scaler.Observe(now, e.reserved, e.tokensPerGPU, e.blocked); delta != 0 {
		log.FromContext(ctx).V(1).Info("Autoscaler changed TP level",
			"from", before, "to", e.scaler.Level(), "reservedTokens", e.reserved)
	}

	return nil
}

// admit moves requests from the head of the waiting queue while they fit; callers hold mu
func (e *SimEngine) admit() {
	capacity := int64(e.scaler.Level()) * e.tokensPerGPU
	now := e.clock.Now()

	e.blocked = false
	n := 0
	for _, r := range e.waiting {
		if len(e.running) >= e.maxRunning {
			break
		}
		if e.reserved+r.tokens > capacity {
			e.blocked = true
			break
		}
		r.admitted = now
		e.reserved += r.tokens
		e.running = append(e.running, r)
		n++
	}
	e.waiting = e.waiting[n:]
}

// Drain hands the current output queue to the caller
func (e *SimEngine) Drain() []metrics.FinishedRequest {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := e.output
	e.output = nil
	return out
}

// HasUnfinishedRequests reports whether any request is still waiting or running
func (e *SimEngine) HasUnfinishedRequests() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return len(e.waiting)+len(e.running) > 0
}

// Status returns the current scheduler state
func (e *SimEngine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	return Status{
		TPLevel:    e.scaler.Level(),
		CacheUsage: usageAt(e.reserved, e.scaler.Level(), e.tokensPerGPU),
		Waiting:    len(e.waiting),
		Running:    len(e.running),
	}
}

// GetAutoscalerHistory returns the full autoscaler record; the engine keeps exactly
// one run so the window is not applied
func (e *SimEngine) GetAutoscalerHistory(_ context.Context, _, _ time.Time) (*metrics.AutoscalerHistory, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.scaler.History(), nil
}

// ScaleEvents returns how often the autoscaler changed level
func (e *SimEngine) ScaleEvents() (ups, downs int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.scaler.ScaleEvents()
}

// Close stops accepting requests. The recorded history stays readable.
func (e *SimEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.closed = true
	return nil
}
