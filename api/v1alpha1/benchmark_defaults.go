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
	"time"

	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

const (
	DefaultModelName          = "facebook/opt-6.7b"
	DefaultServerHost         = "localhost"
	DefaultServerPort         = 8000
	DefaultLoadGenCommand     = "./LLMLoadgen"
	DefaultLoadGenWorkingDir  = "./LLMLoadgen/LLMLoadgen-0.9/release"
	DefaultLoadGenPattern     = "azure-multiplex-70-5"
	DefaultLoadGenDataset     = "azure-multiplex"
	DefaultLoadGenDestination = "liquid"
	DefaultLoadGenLimit       = 100
	DefaultLoadGenMaxDrift    = 100
	DefaultReportPath         = "liquid_results/liquid_results.json"
	DefaultSummaryPath        = "liquid_results/liquid_summary.json"
	DefaultPricePerGPUHour    = 2.5

	DefaultTPLevelQuery    = `max(liquid_tp_level{model_name="%s"})`
	DefaultCacheUsageQuery = `max(liquid_kv_cache_usage_perc{model_name="%s"})`
)

// DefaultBenchmarkSpec returns the configuration of the reference liquid run:
// OPT-6.7B on GPUs 0 and 1 with 32Gi of cache space each, split into two shards.
func DefaultBenchmarkSpec() BenchmarkSpec {
	return BenchmarkSpec{
		ModelName: DefaultModelName,
		Server: ServerSpec{
			Host:            DefaultServerHost,
			Port:            DefaultServerPort,
			ShutdownTimeout: metav1.Duration{Duration: 10 * time.Second},
		},
		Engine: EngineSpec{
			Type:            EngineTypeSim,
			EnforceEager:    true,
			GPURange:        []int{0, 1},
			GPUSpace:        resource.MustParse("32Gi"),
			DriverGPUID:     0,
			TotalNumShards:  2,
			KVBytesPerToken: resource.MustParse("512Ki"),
			MaxRunning:      256,
			StepLatency:     metav1.Duration{Duration: 10 * time.Millisecond},
			Autoscaler: AutoscalerSpec{
				ScaleUpThreshold:   0.8,
				ScaleDownThreshold: 0.3,
				CooldownSteps:      10,
			},
		},
		LoadGen: LoadGenSpec{
			Command:     DefaultLoadGenCommand,
			WorkingDir:  DefaultLoadGenWorkingDir,
			Pattern:     DefaultLoadGenPattern,
			Dataset:     DefaultLoadGenDataset,
			Destination: DefaultLoadGenDestination,
			Host:        DefaultServerHost,
			Port:        DefaultServerPort,
			Limit:       DefaultLoadGenLimit,
			MaxDrift:    DefaultLoadGenMaxDrift,
		},
		Collector: CollectorSpec{
			GraceDrainTimeout: metav1.Duration{Duration: 30 * time.Second},
			MaxGraceSteps:     100000,
		},
		History: HistorySpec{
			Source: HistorySourceEngine,
		},
		Report: ReportSpec{
			Path:            DefaultReportPath,
			SummaryPath:     DefaultSummaryPath,
			PricePerGPUHour: DefaultPricePerGPUHour,
		},
	}
}
