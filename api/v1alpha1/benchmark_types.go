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

package v1alpha1

import (
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// BenchmarkSpec defines a single benchmark run of the liquid serving engine.
type BenchmarkSpec struct {
	// ModelName is the model served by the engine and announced to the load driver
	ModelName string `json:"modelName"`

	// Server defines where the completion endpoint listens
	Server ServerSpec `json:"server,omitempty"`

	// Engine defines the inference engine configuration
	Engine EngineSpec `json:"engine,omitempty"`

	// LoadGen defines the load driver subprocess
	LoadGen LoadGenSpec `json:"loadGen,omitempty"`

	// Collector defines how finished requests are collected
	Collector CollectorSpec `json:"collector,omitempty"`

	// History defines where the autoscaler history is read from
	History HistorySpec `json:"history,omitempty"`

	// Report defines where results are written
	Report ReportSpec `json:"report,omitempty"`

	// Store defines optional run-history persistence
	Store StoreSpec `json:"store,omitempty"`
}

// ServerSpec defines the completion HTTP endpoint.
type ServerSpec struct {
	// Host to bind, e.g. "localhost"
	Host string `json:"host,omitempty"`

	// Port to bind
	// +kubebuilder:default=8000
	Port int `json:"port,omitempty"`

	// ShutdownTimeout bounds graceful shutdown of the server
	ShutdownTimeout metav1.Duration `json:"shutdownTimeout,omitempty"`
}

// EngineSpec configures the liquid engine.
type EngineSpec struct {
	// Type selects the engine implementation: "sim"
	// +kubebuilder:default="sim"
	Type EngineType `json:"type,omitempty"`

	// EnforceEager disables graph capture in the engine. The simulated engine has no
	// graph capture and only records the setting.
	EnforceEager bool `json:"enforceEager,omitempty"`

	// GPURange lists the GPU ids the engine may spread shards across
	GPURange []int `json:"gpuRange,omitempty"`

	// GPUSpace is the KV-cache space available on each GPU
	GPUSpace resource.Quantity `json:"gpuSpace,omitempty"`

	// DriverGPUID is the GPU that hosts the driver worker. The simulated engine places no
	// work on it; it is validated against GPURange and recorded only.
	DriverGPUID int `json:"driverGpuId"`

	// TotalNumShards is the number of shards the model weights are split into
	// +kubebuilder:default=2
	TotalNumShards int `json:"totalNumShards,omitempty"`

	// KVBytesPerToken is the KV-cache footprint of one token
	KVBytesPerToken resource.Quantity `json:"kvBytesPerToken,omitempty"`

	// MaxRunning caps the number of concurrently running requests
	MaxRunning int `json:"maxRunning,omitempty"`

	// StepLatency is the simulated duration of one engine step; zero disables sleeping
	StepLatency metav1.Duration `json:"stepLatency,omitempty"`

	// Autoscaler configures shard-level scaling
	Autoscaler AutoscalerSpec `json:"autoscaler,omitempty"`
}

// EngineType defines the engine implementation
// +kubebuilder:validation:Enum=sim
type EngineType string

const (
	EngineTypeSim EngineType = "sim"
)

// AutoscalerSpec defines when the engine changes its tensor-parallel level.
type AutoscalerSpec struct {
	// ScaleUpThreshold is the cache usage (0-1) at or above which the level grows
	ScaleUpThreshold float64 `json:"scaleUpThreshold,omitempty"`

	// ScaleDownThreshold is the cache usage (0-1) at or below which the level shrinks
	ScaleDownThreshold float64 `json:"scaleDownThreshold,omitempty"`

	// CooldownSteps is the minimum number of steps between two level changes
	CooldownSteps int `json:"cooldownSteps,omitempty"`
}

// LoadGenSpec defines the load driver subprocess.
type LoadGenSpec struct {
	// Command is the load driver binary
	Command string `json:"command"`

	// WorkingDir is the directory the binary runs in
	WorkingDir string `json:"workingDir,omitempty"`

	// Pattern is the named traffic arrival pattern
	Pattern string `json:"pattern"`

	// Dataset is the prompt dataset
	Dataset string `json:"dataset"`

	// Destination names the serving system under test
	Destination string `json:"destination,omitempty"`

	// Host is the address the load driver sends requests to
	Host string `json:"host,omitempty"`

	// Port is the port the load driver sends requests to
	Port int `json:"port,omitempty"`

	// Limit caps concurrently outstanding requests
	Limit int `json:"limit,omitempty"`

	// MaxDrift is the tolerated drift from the arrival schedule
	MaxDrift int `json:"maxDrift,omitempty"`

	// ExtraArgs are appended verbatim to the command line
	ExtraArgs []string `json:"extraArgs,omitempty"`
}

// CollectorSpec defines the completion collection loop.
type CollectorSpec struct {
	// PollInterval is the pause between loop passes; zero busy-polls
	PollInterval metav1.Duration `json:"pollInterval,omitempty"`

	// Timeout bounds the whole collection; zero waits for the load driver indefinitely
	Timeout metav1.Duration `json:"timeout,omitempty"`

	// GraceDrainTimeout bounds draining of in-flight requests after the load driver exits
	GraceDrainTimeout metav1.Duration `json:"graceDrainTimeout,omitempty"`

	// MaxGraceSteps bounds the number of engine steps taken while grace draining
	MaxGraceSteps int `json:"maxGraceSteps,omitempty"`
}

// HistorySpec defines where the autoscaler history comes from.
type HistorySpec struct {
	// Source is "engine" or "prometheus"
	// +kubebuilder:default="engine"
	Source HistorySourceType `json:"source,omitempty"`

	// PrometheusConfig is required when Source is prometheus
	PrometheusConfig *PrometheusConfig `json:"prometheusConfig,omitempty"`
}

// HistorySourceType defines the type of history source
// +kubebuilder:validation:Enum=engine;prometheus
type HistorySourceType string

const (
	HistorySourceEngine     HistorySourceType = "engine"
	HistorySourcePrometheus HistorySourceType = "prometheus"
)

// PrometheusConfig defines Prometheus connection details and queries
type PrometheusConfig struct {
	// URL is the Prometheus server URL
	URL string `json:"url,omitempty"`

	// TPLevelQuery is the PromQL expression for the tensor-parallel level.
	// "%s" is replaced by the model name.
	TPLevelQuery string `json:"tpLevelQuery,omitempty"`

	// CacheUsageQuery is the PromQL expression for KV-cache usage (0-1).
	// "%s" is replaced by the model name.
	CacheUsageQuery string `json:"cacheUsageQuery,omitempty"`

	// Step is the range query resolution
	Step metav1.Duration `json:"step,omitempty"`
}

// ReportSpec defines the result files.
type ReportSpec struct {
	// Path of the JSON report, overwritten on every run
	Path string `json:"path"`

	// SummaryPath of the analysis summary; empty disables it
	SummaryPath string `json:"summaryPath,omitempty"`

	// PricePerGPUHour is used to estimate the cost of the run (USD)
	PricePerGPUHour float64 `json:"pricePerGpuHour,omitempty"`
}

// StoreSpec defines optional SQLite persistence of runs.
type StoreSpec struct {
	// Path to the SQLite file; empty disables the store
	Path string `json:"path,omitempty"`
}

// CompletionRequest is the body accepted by POST /v1/completions.
type CompletionRequest struct {
	// RequestID identifies the request; assigned by the server when empty
	RequestID string `json:"request_id"`

	// Prompt is the input text
	Prompt string `json:"prompt"`

	// MaxResponseLength is the number of tokens the response must contain
	MaxResponseLength int `json:"max_response_length"`
}

// BenchmarkStatus defines the observed state of a run
type BenchmarkStatus struct {
	// Phase indicates the current phase of the run
	Phase BenchmarkPhase `json:"phase,omitempty"`

	// Message provides a human-readable status message
	Message string `json:"message,omitempty"`

	// RunID uniquely identifies the run
	RunID string `json:"runId,omitempty"`

	// StartTime indicates when the run started
	StartTime *metav1.Time `json:"startTime,omitempty"`

	// CompletionTime indicates when the run ended
	CompletionTime *metav1.Time `json:"completionTime,omitempty"`

	// CollectedRequests is the number of finished requests collected
	CollectedRequests int `json:"collectedRequests,omitempty"`

	// LoadGenExitCode is the exit code of the load driver; -1 if it did not exit normally
	LoadGenExitCode int `json:"loadGenExitCode"`
}

// BenchmarkPhase defines the phase of a run
// +kubebuilder:validation:Enum=Initializing;Serving;Collecting;Reducing;Exporting;Completed;Error
type BenchmarkPhase string

const (
	PhaseInitializing BenchmarkPhase = "Initializing"
	PhaseServing      BenchmarkPhase = "Serving"
	PhaseCollecting   BenchmarkPhase = "Collecting"
	PhaseReducing     BenchmarkPhase = "Reducing"
	PhaseExporting    BenchmarkPhase = "Exporting"
	PhaseCompleted    BenchmarkPhase = "Completed"
	PhaseError        BenchmarkPhase = "Error"
)

// MaxGPUs returns the highest tensor-parallel level the engine may reach.
func (e EngineSpec) MaxGPUs() int {
	return len(e.GPURange)
}
