package engine

import (
	"time"

	"github.com/wesleyemery/liquid-bench/api/v1alpha1"
	"github.com/wesleyemery/liquid-bench/pkg/metrics"
)

// Autoscaler moves the engine between tensor-parallel levels based on KV-cache pressure
// and keeps the per-step record exported in the report.
type Autoscaler struct {
	spec   v1alpha1.AutoscalerSpec
	levels []int
	idx    int

	steps      int
	lastChange int

	scaleUps   int
	scaleDowns int

	history metrics.AutoscalerHistory
}

// NewAutoscaler creates an autoscaler starting at the lowest level. Valid levels are
// 1..maxGPUs restricted to divisors of totalNumShards.
func NewAutoscaler(spec v1alpha1.AutoscalerSpec, maxGPUs, totalNumShards int) *Autoscaler {
	levels := []int{1}
	for l := 2; l <= maxGPUs; l++ {
		if totalNumShards%l == 0 {
			levels = append(levels, l)
		}
	}
	return &Autoscaler{
		spec:       spec,
		levels:     levels,
		lastChange: -spec.CooldownSteps,
	}
}

// Level returns the current TP level
func (a *Autoscaler) Level() int {
	return a.levels[a.idx]
}

// MaxLevel returns the highest reachable TP level
func (a *Autoscaler) MaxLevel() int {
	return a.levels[len(a.levels)-1]
}

// Observe records the state of one step and applies a scaling decision.
// reserved is the number of KV tokens held by running requests; blocked reports that
// the head of the waiting queue could not be admitted for lack of cache.
// It returns the level delta (-1, 0 or 1 level positions).
func (a *Autoscaler) Observe(now time.Time, reserved, tokensPerGPU int64, blocked bool) int {
	usage := usageAt(reserved, a.Level(), tokensPerGPU)
	a.history.Append(now, a.Level(), usage)
	a.steps++

	if a.steps-a.lastChange < a.spec.CooldownSteps {
		return 0
	}

	switch {
	case (usage >= a.spec.ScaleUpThreshold || blocked) && a.idx < len(a.levels)-1:
		a.idx++
		a.scaleUps++
		a.lastChange = a.steps
		return 1
	case !blocked && usage <= a.spec.ScaleDownThreshold && a.idx > 0:
		lower := a.levels[a.idx-1]
		if usageAt(reserved, lower, tokensPerGPU) < a.spec.ScaleUpThreshold {
			a.idx--
			a.scaleDowns++
			a.lastChange = a.steps
			return -1
		}
	}
	return 0
}

// History returns a copy of the recorded timeline
func (a *Autoscaler) History() *metrics.AutoscalerHistory {
	return &metrics.AutoscalerHistory{
		Timestamps: append([]time.Time{}, a.history.Timestamps...),
		TPLevel:    append([]metrics.TimeSeriesSample{}, a.history.TPLevel...),
		CacheUsage: append([]metrics.TimeSeriesSample{}, a.history.CacheUsage...),
	}
}

// ScaleEvents returns the number of scale-up and scale-down decisions taken
func (a *Autoscaler) ScaleEvents() (ups, downs int) {
	return a.scaleUps, a.scaleDowns
}

func usageAt(reserved int64, level int, tokensPerGPU int64) float64 {
	capacity := int64(level) * tokensPerGPU
	if capacity <= 0 {
		return 0
	}
	return float64(reserved) / float64(capacity)
}
