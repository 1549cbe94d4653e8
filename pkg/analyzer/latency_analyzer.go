package analyzer

import (
	"time"

	"github.com/wesleyemery/liquid-bench/pkg/metrics"
)

// LatencyStats summarizes one latency component, in seconds
type LatencyStats struct {
	Count  int     `json:"count"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stddev"`
	P50    float64 `json:"p50"`
	P90    float64 `json:"p90"`
	P95    float64 `json:"p95"`
	P99    float64 `json:"p99"`
}

// LatencyAnalysis holds the statistics of every latency component of a run
type LatencyAnalysis struct {
	E2E      LatencyStats `json:"e2e"`
	Queueing LatencyStats `json:"queueing"`
	Serving  LatencyStats `json:"serving"`
}

// AnalyzeLatencies computes count, spread and percentiles of the reduced latencies
func AnalyzeLatencies(latencies []metrics.RequestLatency) LatencyAnalysis {
	e2e := make([]float64, len(latencies))
	queueing := make([]float64, len(latencies))
	serving := make([]float64, len(latencies))
	for i, l := range latencies {
		e2e[i] = l.E2E.Seconds()
		queueing[i] = l.Queueing.Seconds()
		serving[i] = l.Serving.Seconds()
	}

	return LatencyAnalysis{
		E2E:      computeLatencyStats(e2e),
		Queueing: computeLatencyStats(queueing),
		Serving:  computeLatencyStats(serving),
	}
}

func computeLatencyStats(values []float64) LatencyStats {
	if len(values) == 0 {
		return LatencyStats{}
	}

	sorted := sortedCopy(values)
	mean := calculateMean(sorted)

	return LatencyStats{
		Count:  len(sorted),
		Min:    sorted[0],
		Max:    sorted[len(sorted)-1],
		Mean:   mean,
		StdDev: calculateStandardDeviation(sorted, mean),
		P50:    calculatePercentile(sorted, 50),
		P90:    calculatePercentile(sorted, 90),
		P95:    calculatePercentile(sorted, 95),
		P99:    calculatePercentile(sorted, 99),
	}
}

// arrivalSpan returns the first arrival and the time between first and last arrival
func arrivalSpan(latencies []metrics.RequestLatency) (time.Time, time.Duration) {
	if len(latencies) == 0 {
		return time.Time{}, 0
	}
	first, last := latencies[0].Arrival, latencies[0].Arrival
	for _, l := range latencies[1:] {
		if l.Arrival.Before(first) {
			first = l.Arrival
		}
		if l.Arrival.After(last) {
			last = l.Arrival
		}
	}
	return first, last.Sub(first)
}
