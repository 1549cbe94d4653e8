package analyzer

import (
	"context"
	"fmt"
	"time"

	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/wesleyemery/liquid-bench/api/v1alpha1"
	"github.com/wesleyemery/liquid-bench/pkg/metrics"
)

// RunAnalysis is the summary written next to the report
type RunAnalysis struct {
	RunID        string                 `json:"runId,omitempty"`
	ModelName    string                 `json:"modelName"`
	Pattern      string                 `json:"pattern,omitempty"`
	Requests     int                    `json:"requests"`
	Throughput   float64                `json:"throughputRps"`
	Latency      LatencyAnalysis        `json:"latency"`
	Traffic      *TrafficClassification `json:"traffic,omitempty"`
	Shards       ShardUsage             `json:"shards"`
	AnalysisTime time.Time              `json:"analysisTime"`
}

// RunAnalyzer combines latency statistics, traffic classification and shard cost
type RunAnalyzer struct {
	Classifier *TrafficClassifier
	Cost       *ShardCostCalculator
	now        func() time.Time
}

// NewRunAnalyzer creates an analyzer for the given benchmark
func NewRunAnalyzer(spec v1alpha1.BenchmarkSpec) *RunAnalyzer {
	return &RunAnalyzer{
		Classifier: NewTrafficClassifier(),
		Cost:       NewShardCostCalculator(spec.Report.PricePerGPUHour, spec.Engine.MaxGPUs()),
		now:        time.Now,
	}
}

// Analyze summarizes a finished run. Traffic classification is skipped when the run is too
// short to classify.
func (a *RunAnalyzer) Analyze(ctx context.Context, latencies []metrics.RequestLatency, history *metrics.AutoscalerHistory) (*RunAnalysis, error) {
	logger := log.FromContext(ctx)

	shards, err := a.Cost.Calculate(history)
	if err != nil {
		return nil, fmt.Errorf("failed to calculate shard usage: %w", err)
	}

	analysis := &RunAnalysis{
		Requests:     len(latencies),
		Latency:      AnalyzeLatencies(latencies),
		Shards:       shards,
		AnalysisTime: a.now(),
	}

	if _, span := arrivalSpan(latencies); span > 0 {
		analysis.Throughput = float64(len(latencies)) / span.Seconds()
	}

	traffic, err := a.Classifier.ClassifyTraffic(latencies, history)
	if err != nil {
		logger.V(1).Info("Skipping traffic classification", "reason", err.Error())
	} else {
		analysis.Traffic = traffic
		logger.V(1).Info("Traffic classified", "class", traffic.Class, "confidence", traffic.Confidence)
	}

	logger.Info("Run analyzed",
		"requests", analysis.Requests,
		"p50E2E", analysis.Latency.E2E.P50,
		"p99E2E", analysis.Latency.E2E.P99,
		"gpuSeconds", shards.GPUSeconds,
		"estimatedCost", fmt.Sprintf("$%.4f", shards.EstimatedCost))

	return analysis, nil
}
