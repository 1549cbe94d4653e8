package metrics

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"sort"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

const defaultQueryStep = time.Second

// PrometheusClient implements HistoryClient by range-querying the engine's exported gauges
type PrometheusClient struct {
	client   api.Client
	queryAPI v1.API

	modelName       string
	tpLevelQuery    string
	cacheUsageQuery string
	step            time.Duration
}

// PrometheusQueries holds the PromQL templates; "%s" is replaced by the model name
type PrometheusQueries struct {
	TPLevel    string
	CacheUsage string
	Step       time.Duration
}

// NewPrometheusClient creates a new Prometheus client
func NewPrometheusClient(prometheusURL, modelName string, queries PrometheusQueries, roundTripper http.RoundTripper) (*PrometheusClient, error) {
	client, err := api.NewClient(api.Config{
		Address:      prometheusURL,
		RoundTripper: roundTripper,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}

	step := queries.Step
	if step <= 0 {
		step = defaultQueryStep
	}

	return &PrometheusClient{
		client:          client,
		queryAPI:        v1.NewAPI(client),
		modelName:       modelName,
		tpLevelQuery:    queries.TPLevel,
		cacheUsageQuery: queries.CacheUsage,
		step:            step,
	}, nil
}

// GetAutoscalerHistory reads the TP level and cache usage series of [start, end].
// Timestamps present in only one of the two series are dropped.
func (p *PrometheusClient) GetAutoscalerHistory(ctx context.Context, start, end time.Time) (*AutoscalerHistory, error) {
	rng := v1.Range{Start: start, End: end, Step: p.step}

	tpResult, _, err := p.queryAPI.QueryRange(ctx, fmt.Sprintf(p.tpLevelQuery, p.modelName), rng)
	if err != nil {
		return nil, fmt.Errorf("failed to query TP level: %w", err)
	}

	cacheResult, _, err := p.queryAPI.QueryRange(ctx, fmt.Sprintf(p.cacheUsageQuery, p.modelName), rng)
	if err != nil {
		return nil, fmt.Errorf("failed to query cache usage: %w", err)
	}

	tp := p.convertMatrixToSamples(ctx, "tpLevel", tpResult)
	cache := p.convertMatrixToSamples(ctx, "cacheUsage", cacheResult)

	timestamps := make([]model.Time, 0, len(tp))
	for ts := range tp {
		if _, ok := cache[ts]; ok {
			timestamps = append(timestamps, ts)
		}
	}
	sort.Slice(timestamps, func(i, j int) bool { return timestamps[i].Before(timestamps[j]) })

	history := &AutoscalerHistory{
		Timestamps: make([]time.Time, 0, len(timestamps)),
		TPLevel:    make([]TimeSeriesSample, 0, len(timestamps)),
		CacheUsage: make([]TimeSeriesSample, 0, len(timestamps)),
	}
	for _, ts := range timestamps {
		t := ts.Time()
		history.Timestamps = append(history.Timestamps, t)
		history.TPLevel = append(history.TPLevel, TimeSeriesSample{Timestamp: t, Value: tp[ts]})
		history.CacheUsage = append(history.CacheUsage, TimeSeriesSample{Timestamp: t, Value: cache[ts]})
	}

	return history, nil
}

// convertMatrixToSamples flattens a matrix keyed by timestamp, keeping the highest value
// when several series report the same instant. NaN and infinite samples are dropped.
func (p *PrometheusClient) convertMatrixToSamples(ctx context.Context, series string, result model.Value) map[model.Time]float64 {
	samples := make(map[model.Time]float64)
	matrix, ok := result.(model.Matrix)
	if !ok {
		return samples
	}

	dropped := 0
	for _, stream := range matrix {
		for _, value := range stream.Values {
			v := float64(value.Value)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				dropped++
				continue
			}
			if prev, exists := samples[value.Timestamp]; !exists || v > prev {
				samples[value.Timestamp] = v
			}
		}
	}

	if dropped > 0 {
		log.FromContext(ctx).Info("Dropped non-finite Prometheus samples", "series", series, "dropped", dropped)
	}
	return samples
}
