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
	"fmt"
	"strings"

	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/apimachinery/pkg/util/validation/field"
)

// ValidateBenchmarkSpec performs comprehensive validation of the benchmark configuration
func (s *BenchmarkSpec) ValidateBenchmarkSpec() error {
	var allErrs field.ErrorList

	if strings.TrimSpace(s.ModelName) == "" {
		allErrs = append(allErrs, field.Required(field.NewPath("modelName"), "model name is required"))
	}

	allErrs = append(allErrs, s.validateServer()...)
	allErrs = append(allErrs, s.validateEngine()...)
	allErrs = append(allErrs, s.validateLoadGen()...)
	allErrs = append(allErrs, s.validateCollector()...)
	allErrs = append(allErrs, s.validateHistory()...)
	allErrs = append(allErrs, s.validateReport()...)

	if len(allErrs) == 0 {
		return nil
	}

	return fmt.Errorf("validation errors: %v", allErrs.ToAggregate())
}

// validateServer validates the completion endpoint
func (s *BenchmarkSpec) validateServer() field.ErrorList {
	var allErrs field.ErrorList
	serverPath := field.NewPath("server")

	if s.Server.Port < 0 || s.Server.Port > 65535 {
		allErrs = append(allErrs, field.Invalid(serverPath.Child("port"), s.Server.Port,
			"must be between 0 and 65535"))
	}

	if s.Server.ShutdownTimeout.Duration < 0 {
		allErrs = append(allErrs, field.Invalid(serverPath.Child("shutdownTimeout"),
			s.Server.ShutdownTimeout.Duration.String(), "must be non-negative"))
	}

	return allErrs
}

// validateEngine validates the engine and autoscaler settings
func (s *BenchmarkSpec) validateEngine() field.ErrorList {
	var allErrs field.ErrorList
	enginePath := field.NewPath("engine")

	if s.Engine.Type != "" && s.Engine.Type != EngineTypeSim {
		allErrs = append(allErrs, field.NotSupported(enginePath.Child("type"), s.Engine.Type,
			[]EngineType{EngineTypeSim}))
	}

	if len(s.Engine.GPURange) == 0 {
		allErrs = append(allErrs, field.Required(enginePath.Child("gpuRange"),
			"at least one GPU is required"))
	}

	seen := sets.New[int]()
	for i, id := range s.Engine.GPURange {
		if id < 0 {
			allErrs = append(allErrs, field.Invalid(enginePath.Child("gpuRange").Index(i), id,
				"must be non-negative"))
		}
		if seen.Has(id) {
			allErrs = append(allErrs, field.Duplicate(enginePath.Child("gpuRange").Index(i), id))
		}
		seen.Insert(id)
	}

	if len(s.Engine.GPURange) > 0 && !seen.Has(s.Engine.DriverGPUID) {
		allErrs = append(allErrs, field.Invalid(enginePath.Child("driverGpuId"), s.Engine.DriverGPUID,
			"driver GPU must be part of gpuRange"))
	}

	if s.Engine.TotalNumShards <= 0 {
		allErrs = append(allErrs, field.Invalid(enginePath.Child("totalNumShards"), s.Engine.TotalNumShards,
			"must be positive"))
	} else if len(s.Engine.GPURange) > s.Engine.TotalNumShards {
		allErrs = append(allErrs, field.Invalid(enginePath.Child("totalNumShards"), s.Engine.TotalNumShards,
			"must be at least the number of GPUs in gpuRange"))
	}

	if s.Engine.GPUSpace.Sign() <= 0 {
		allErrs = append(allErrs, field.Invalid(enginePath.Child("gpuSpace"), s.Engine.GPUSpace.String(),
			"must be positive"))
	}

	if s.Engine.KVBytesPerToken.Sign() <= 0 {
		allErrs = append(allErrs, field.Invalid(enginePath.Child("kvBytesPerToken"), s.Engine.KVBytesPerToken.String(),
			"must be positive"))
	} else if s.Engine.GPUSpace.Cmp(s.Engine.KVBytesPerToken) < 0 {
		allErrs = append(allErrs, field.Invalid(enginePath.Child("kvBytesPerToken"), s.Engine.KVBytesPerToken.String(),
			"must not exceed gpuSpace"))
	}

	if s.Engine.MaxRunning <= 0 {
		allErrs = append(allErrs, field.Invalid(enginePath.Child("maxRunning"), s.Engine.MaxRunning,
			"must be positive"))
	}

	if s.Engine.StepLatency.Duration < 0 {
		allErrs = append(allErrs, field.Invalid(enginePath.Child("stepLatency"),
			s.Engine.StepLatency.Duration.String(), "must be non-negative"))
	}

	scalerPath := enginePath.Child("autoscaler")
	up := s.Engine.Autoscaler.ScaleUpThreshold
	down := s.Engine.Autoscaler.ScaleDownThreshold
	if up <= 0 || up > 1 {
		allErrs = append(allErrs, field.Invalid(scalerPath.Child("scaleUpThreshold"), up,
			"must be in (0, 1]"))
	}
	if down < 0 || down >= 1 {
		allErrs = append(allErrs, field.Invalid(scalerPath.Child("scaleDownThreshold"), down,
			"must be in [0, 1)"))
	}
	if down >= up {
		allErrs = append(allErrs, field.Invalid(scalerPath.Child("scaleDownThreshold"), down,
			"must be lower than scaleUpThreshold"))
	}
	if s.Engine.Autoscaler.CooldownSteps < 0 {
		allErrs = append(allErrs, field.Invalid(scalerPath.Child("cooldownSteps"),
			s.Engine.Autoscaler.CooldownSteps, "must be non-negative"))
	}

	return allErrs
}

// validateLoadGen validates the load driver command line
func (s *BenchmarkSpec) validateLoadGen() field.ErrorList {
	var allErrs field.ErrorList
	loadGenPath := field.NewPath("loadGen")

	if s.LoadGen.Command == "" {
		allErrs = append(allErrs, field.Required(loadGenPath.Child("command"), "load driver command is required"))
	}
	if s.LoadGen.Pattern == "" {
		allErrs = append(allErrs, field.Required(loadGenPath.Child("pattern"), "traffic pattern is required"))
	}
	if s.LoadGen.Dataset == "" {
		allErrs = append(allErrs, field.Required(loadGenPath.Child("dataset"), "dataset is required"))
	}
	if s.LoadGen.Port < 0 || s.LoadGen.Port > 65535 {
		allErrs = append(allErrs, field.Invalid(loadGenPath.Child("port"), s.LoadGen.Port,
			"must be between 0 and 65535"))
	}
	if s.LoadGen.Limit < 0 {
		allErrs = append(allErrs, field.Invalid(loadGenPath.Child("limit"), s.LoadGen.Limit,
			"must be non-negative"))
	}
	if s.LoadGen.MaxDrift < 0 {
		allErrs = append(allErrs, field.Invalid(loadGenPath.Child("maxDrift"), s.LoadGen.MaxDrift,
			"must be non-negative"))
	}

	return allErrs
}

// validateCollector validates the collection loop bounds
func (s *BenchmarkSpec) validateCollector() field.ErrorList {
	var allErrs field.ErrorList
	collectorPath := field.NewPath("collector")

	durations := map[string]int64{
		"pollInterval":      int64(s.Collector.PollInterval.Duration),
		"timeout":           int64(s.Collector.Timeout.Duration),
		"graceDrainTimeout": int64(s.Collector.GraceDrainTimeout.Duration),
	}
	for _, name := range sets.List(sets.KeySet(durations)) {
		if durations[name] < 0 {
			allErrs = append(allErrs, field.Invalid(collectorPath.Child(name), durations[name],
				"must be non-negative"))
		}
	}

	if s.Collector.MaxGraceSteps < 0 {
		allErrs = append(allErrs, field.Invalid(collectorPath.Child("maxGraceSteps"),
			s.Collector.MaxGraceSteps, "must be non-negative"))
	}

	// the grace drain needs at least one bound
	if s.Collector.GraceDrainTimeout.Duration == 0 && s.Collector.MaxGraceSteps == 0 && s.Collector.Timeout.Duration == 0 {
		allErrs = append(allErrs, field.Invalid(collectorPath.Child("graceDrainTimeout"),
			s.Collector.GraceDrainTimeout.Duration.String(),
			"graceDrainTimeout, maxGraceSteps or timeout must be set to bound the grace drain"))
	}

	return allErrs
}

// validateHistory validates the autoscaler history source
func (s *BenchmarkSpec) validateHistory() field.ErrorList {
	var allErrs field.ErrorList
	historyPath := field.NewPath("history")

	validSources := sets.New(HistorySourceEngine, HistorySourcePrometheus)
	if s.History.Source != "" && !validSources.Has(s.History.Source) {
		allErrs = append(allErrs, field.NotSupported(historyPath.Child("source"), s.History.Source,
			sets.List(validSources)))
	}

	if s.History.Source == HistorySourcePrometheus {
		prometheusPath := historyPath.Child("prometheusConfig")
		if s.History.PrometheusConfig == nil || s.History.PrometheusConfig.URL == "" {
			allErrs = append(allErrs, field.Required(prometheusPath.Child("url"),
				"Prometheus URL is required when using prometheus history source"))
		} else if s.History.PrometheusConfig.Step.Duration < 0 {
			allErrs = append(allErrs, field.Invalid(prometheusPath.Child("step"),
				s.History.PrometheusConfig.Step.Duration.String(), "must be non-negative"))
		}
	}

	return allErrs
}

// validateReport validates the output files
func (s *BenchmarkSpec) validateReport() field.ErrorList {
	var allErrs field.ErrorList
	reportPath := field.NewPath("report")

	if s.Report.Path == "" {
		allErrs = append(allErrs, field.Required(reportPath.Child("path"), "report path is required"))
	}
	if s.Report.SummaryPath != "" && s.Report.SummaryPath == s.Report.Path {
		allErrs = append(allErrs, field.Invalid(reportPath.Child("summaryPath"), s.Report.SummaryPath,
			"must differ from the report path"))
	}
	if s.Report.PricePerGPUHour < 0 {
		allErrs = append(allErrs, field.Invalid(reportPath.Child("pricePerGpuHour"), s.Report.PricePerGPUHour,
			"must be non-negative"))
	}

	return allErrs
}

// Validate checks a completion request body before it reaches the engine
func (r *CompletionRequest) Validate() error {
	var allErrs field.ErrorList

	if strings.TrimSpace(r.Prompt) == "" {
		allErrs = append(allErrs, field.Required(field.NewPath("prompt"), "prompt must not be empty"))
	}
	if r.MaxResponseLength < 0 {
		allErrs = append(allErrs, field.Invalid(field.NewPath("max_response_length"), r.MaxResponseLength,
			"must be non-negative"))
	}

	return allErrs.ToAggregate()
}
