package report

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/wesleyemery/liquid-bench/pkg/metrics"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644
	indent   = "    "
)

// Report is the result document consumed by the plotting scripts. Field order and
// key spellings are part of the file format.
type Report struct {
	Timestamps        []float64 `json:"timestamps"`
	TPLevelRecords    []int     `json:"tp_level_records"`
	CacheUsageRecords []float64 `json:"cache_usage_records"`
	ArrivalTimes      []float64 `json:"arrival_times"`
	E2ELatencies      []float64 `json:"e2e_latencys"`
	QueueingLatencies []float64 `json:"queueing_latencys"`
	ServingLatencies  []float64 `json:"serving_latencys"`
}

// Build assembles a report from the autoscaler history and the reduced latencies.
// The history records must be parallel.
func Build(history *metrics.AutoscalerHistory, latencies []metrics.RequestLatency) (*Report, error) {
	if !history.Consistent() {
		return nil, fmt.Errorf("autoscaler history length mismatch: %d timestamps, %d tp levels, %d cache usages",
			len(history.Timestamps), len(history.TPLevel), len(history.CacheUsage))
	}

	n := history.Len()
	r := &Report{
		Timestamps:        make([]float64, 0, n),
		TPLevelRecords:    make([]int, 0, n),
		CacheUsageRecords: make([]float64, 0, n),
		ArrivalTimes:      make([]float64, 0, len(latencies)),
		E2ELatencies:      make([]float64, 0, len(latencies)),
		QueueingLatencies: make([]float64, 0, len(latencies)),
		ServingLatencies:  make([]float64, 0, len(latencies)),
	}

	for i := 0; i < n; i++ {
		tp, cache := history.TPLevel[i].Value, history.CacheUsage[i].Value
		if math.IsNaN(tp) || math.IsInf(tp, 0) || tp != math.Trunc(tp) {
			return nil, fmt.Errorf("autoscaler history sample %d: tp level %v is not a whole number", i, tp)
		}
		if math.IsNaN(cache) || math.IsInf(cache, 0) {
			return nil, fmt.Errorf("autoscaler history sample %d: cache usage %v is not finite", i, cache)
		}

		r.Timestamps = append(r.Timestamps, unixSeconds(history.Timestamps[i]))
		r.TPLevelRecords = append(r.TPLevelRecords, int(tp))
		r.CacheUsageRecords = append(r.CacheUsageRecords, cache)
	}

	for _, lat := range latencies {
		r.ArrivalTimes = append(r.ArrivalTimes, unixSeconds(lat.Arrival))
		r.E2ELatencies = append(r.E2ELatencies, lat.E2E.Seconds())
		r.QueueingLatencies = append(r.QueueingLatencies, lat.Queueing.Seconds())
		r.ServingLatencies = append(r.ServingLatencies, lat.Serving.Seconds())
	}

	return r, nil
}

// WriteFile writes the report to path, creating the parent directory and
// replacing any previous file
func (r *Report) WriteFile(path string) error {
	return writeJSON(path, r.normalized())
}

// ReadFile decodes a report written by WriteFile
func ReadFile(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read report %s: %w", path, err)
	}

	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to decode report %s: %w", path, err)
	}
	return r.normalized(), nil
}

// WriteSummary writes an arbitrary summary document next to the report
func WriteSummary(path string, summary any) error {
	return writeJSON(path, summary)
}

// normalized returns a copy with nil slices replaced by empty ones so they encode as []
func (r *Report) normalized() *Report {
	out := *r
	out.Timestamps = nonNil(out.Timestamps)
	out.CacheUsageRecords = nonNil(out.CacheUsageRecords)
	out.ArrivalTimes = nonNil(out.ArrivalTimes)
	out.E2ELatencies = nonNil(out.E2ELatencies)
	out.QueueingLatencies = nonNil(out.QueueingLatencies)
	out.ServingLatencies = nonNil(out.ServingLatencies)
	if out.TPLevelRecords == nil {
		out.TPLevelRecords = []int{}
	}
	return &out
}

func nonNil(s []float64) []float64 {
	if s == nil {
		return []float64{}
	}
	return s
}

func unixSeconds(t time.Time) float64 {
	return float64(t.Unix()) + float64(t.Nanosecond())/float64(time.Second)
}

func writeJSON(path string, v any) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, dirPerm); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	data, err := json.MarshalIndent(v, "", indent)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}

	if err := os.WriteFile(path, data, filePerm); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
