/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package telemetry

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wesleyemery/liquid-bench/pkg/engine"
	"github.com/wesleyemery/liquid-bench/pkg/metrics"
)

const (
	namespace = "liquid"

	LabelModelName = "model_name"
	LabelReason    = "reason"

	ReasonBadRequest   = "bad_request"
	ReasonTooLarge     = "too_large"
	ReasonEngineClosed = "engine_closed"
	ReasonEngineError  = "engine_error"
)

var latencyBuckets = prometheus.ExponentialBuckets(0.01, 2, 16)

// Metrics holds the run telemetry of one benchmark
type Metrics struct {
	modelName string

	requestsReceived *prometheus.CounterVec
	requestsRejected *prometheus.CounterVec
	requestsFinished *prometheus.CounterVec

	e2eLatency      *prometheus.HistogramVec
	queueingLatency *prometheus.HistogramVec
	servingLatency  *prometheus.HistogramVec

	tpLevel         *prometheus.GaugeVec
	cacheUsage      *prometheus.GaugeVec
	waitingRequests *prometheus.GaugeVec
	runningRequests *prometheus.GaugeVec
	loadGenRunning  *prometheus.GaugeVec
}

// New creates the run metrics and registers them with registry
func New(registry prometheus.Registerer, modelName string) (*Metrics, error) {
	labels := []string{LabelModelName}
	m := &Metrics{
		modelName: modelName,
		requestsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_received_total",
			Help:      "Total number of completion requests received",
		}, labels),
		requestsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_rejected_total",
			Help:      "Total number of completion requests rejected, by reason",
		}, []string{LabelModelName, LabelReason}),
		requestsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_finished_total",
			Help:      "Total number of finished requests collected from the engine",
		}, labels),
		e2eLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "e2e_latency_seconds",
			Help:      "End-to-end latency of finished requests",
			Buckets:   latencyBuckets,
		}, labels),
		queueingLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "queueing_latency_seconds",
			Help:      "Time finished requests spent waiting for admission",
			Buckets:   latencyBuckets,
		}, labels),
		servingLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "serving_latency_seconds",
			Help:      "Time finished requests spent being served",
			Buckets:   latencyBuckets,
		}, labels),
		tpLevel: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tp_level",
			Help:      "Current tensor-parallel level of the engine",
		}, labels),
		cacheUsage: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "kv_cache_usage_perc",
			Help:      "Fraction of the KV cache reserved by running requests",
		}, labels),
		waitingRequests: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "requests_waiting",
			Help:      "Number of requests waiting for admission",
		}, labels),
		runningRequests: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "requests_running",
			Help:      "Number of requests being served",
		}, labels),
		loadGenRunning: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "loadgen_running",
			Help:      "1 while the load driver process is alive",
		}, labels),
	}

	collectors := map[string]prometheus.Collector{
		"requestsReceived": m.requestsReceived,
		"requestsRejected": m.requestsRejected,
		"requestsFinished": m.requestsFinished,
		"e2eLatency":       m.e2eLatency,
		"queueingLatency":  m.queueingLatency,
		"servingLatency":   m.servingLatency,
		"tpLevel":          m.tpLevel,
		"cacheUsage":       m.cacheUsage,
		"waitingRequests":  m.waitingRequests,
		"runningRequests":  m.runningRequests,
		"loadGenRunning":   m.loadGenRunning,
	}
	for name, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register %s metric: %w", name, err)
		}
	}

	return m, nil
}

// RequestReceived counts an incoming completion request
func (m *Metrics) RequestReceived() {
	m.requestsReceived.WithLabelValues(m.modelName).Inc()
}

// RequestRejected counts a request the server refused
func (m *Metrics) RequestRejected(reason string) {
	m.requestsRejected.WithLabelValues(m.modelName, reason).Inc()
}

// RequestFinished counts a finished request drained from the engine
func (m *Metrics) RequestFinished(n int) {
	m.requestsFinished.WithLabelValues(m.modelName).Add(float64(n))
}

// ObserveLatency records the latency breakdown of one request
func (m *Metrics) ObserveLatency(lat metrics.RequestLatency) {
	m.e2eLatency.WithLabelValues(m.modelName).Observe(lat.E2E.Seconds())
	m.queueingLatency.WithLabelValues(m.modelName).Observe(lat.Queueing.Seconds())
	m.servingLatency.WithLabelValues(m.modelName).Observe(lat.Serving.Seconds())
}

// SetEngineStatus exports the engine scheduler state
func (m *Metrics) SetEngineStatus(status engine.Status) {
	m.tpLevel.WithLabelValues(m.modelName).Set(float64(status.TPLevel))
	m.cacheUsage.WithLabelValues(m.modelName).Set(status.CacheUsage)
	m.waitingRequests.WithLabelValues(m.modelName).Set(float64(status.Waiting))
	m.runningRequests.WithLabelValues(m.modelName).Set(float64(status.Running))
}

// SetLoadGenRunning exports load driver liveness
func (m *Metrics) SetLoadGenRunning(running bool) {
	v := 0.0
	if running {
		v = 1
	}
	m.loadGenRunning.WithLabelValues(m.modelName).Set(v)
}
