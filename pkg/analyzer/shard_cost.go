package analyzer

import (
	"fmt"

	"github.com/wesleyemery/liquid-bench/pkg/metrics"
)

const secondsPerHour = 3600.0

// ShardCostCalculator turns the autoscaler history into GPU usage and cost
type ShardCostCalculator struct {
	// PricePerGPUHour is the cost of one GPU for one hour (USD)
	PricePerGPUHour float64
	// MaxGPUs is the size of the GPU range, used as the static baseline
	MaxGPUs int
}

// NewShardCostCalculator creates a cost calculator for a GPU range of maxGPUs
func NewShardCostCalculator(pricePerGPUHour float64, maxGPUs int) *ShardCostCalculator {
	return &ShardCostCalculator{
		PricePerGPUHour: pricePerGPUHour,
		MaxGPUs:         maxGPUs,
	}
}

// ShardUsage describes how many GPUs the engine held over the run
type ShardUsage struct {
	Samples        int     `json:"samples"`
	Duration       float64 `json:"durationSeconds"`
	GPUSeconds     float64 `json:"gpuSeconds"`
	MeanTPLevel    float64 `json:"meanTpLevel"`
	MaxTPLevel     int     `json:"maxTpLevel"`
	ScaleUps       int     `json:"scaleUps"`
	ScaleDowns     int     `json:"scaleDowns"`
	PeakCacheUsage float64 `json:"peakCacheUsage"`
	// EstimatedCost is the cost of the GPU-seconds actually held
	EstimatedCost float64 `json:"estimatedCostUsd"`
	// StaticCost is the cost of holding every GPU of the range for the whole run
	StaticCost float64 `json:"staticCostUsd"`
	// Savings is StaticCost minus EstimatedCost, formatted for humans
	Savings string `json:"savings,omitempty"`
}

// Calculate integrates the TP level over time. Each sample holds its level until the next
// sample; the last sample has no width.
func (c *ShardCostCalculator) Calculate(history *metrics.AutoscalerHistory) (ShardUsage, error) {
	usage := ShardUsage{}
	if history.Len() == 0 {
		return usage, nil
	}
	if !history.Consistent() {
		return usage, fmt.Errorf("autoscaler history length mismatch: %d timestamps, %d tp levels, %d cache samples",
			len(history.Timestamps), len(history.TPLevel), len(history.CacheUsage))
	}

	usage.Samples = history.Len()
	usage.Duration = history.Timestamps[usage.Samples-1].Sub(history.Timestamps[0]).Seconds()

	for i, s := range history.TPLevel {
		level := int(s.Value)
		if level > usage.MaxTPLevel {
			usage.MaxTPLevel = level
		}
		if i > 0 {
			prev := int(history.TPLevel[i-1].Value)
			switch {
			case level > prev:
				usage.ScaleUps++
			case level < prev:
				usage.ScaleDowns++
			}
		}
		if i+1 < usage.Samples {
			width := history.Timestamps[i+1].Sub(history.Timestamps[i]).Seconds()
			usage.GPUSeconds += s.Value * width
		}
	}

	for _, s := range history.CacheUsage {
		if s.Value > usage.PeakCacheUsage {
			usage.PeakCacheUsage = s.Value
		}
	}

	if usage.Duration > 0 {
		usage.MeanTPLevel = usage.GPUSeconds / usage.Duration
	} else {
		usage.MeanTPLevel = history.TPLevel[0].Value
	}

	usage.EstimatedCost = usage.GPUSeconds / secondsPerHour * c.PricePerGPUHour
	usage.StaticCost = float64(c.MaxGPUs) * usage.Duration / secondsPerHour * c.PricePerGPUHour
	if saved := usage.StaticCost - usage.EstimatedCost; saved > 0 {
		usage.Savings = fmt.Sprintf("$%.4f (%.1f%%)", saved, saved/usage.StaticCost*100)
	}

	return usage, nil
}
