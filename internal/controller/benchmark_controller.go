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

package controller

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/utils/clock"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/wesleyemery/liquid-bench/api/v1alpha1"
	"github.com/wesleyemery/liquid-bench/internal/loadgen"
	"github.com/wesleyemery/liquid-bench/internal/server"
	"github.com/wesleyemery/liquid-bench/internal/store"
	"github.com/wesleyemery/liquid-bench/internal/telemetry"
	"github.com/wesleyemery/liquid-bench/pkg/analyzer"
	"github.com/wesleyemery/liquid-bench/pkg/engine"
	"github.com/wesleyemery/liquid-bench/pkg/metrics"
	"github.com/wesleyemery/liquid-bench/pkg/report"
)

// LoadGenProcess is the handle on a running load driver
type LoadGenProcess interface {
	Process
	Done() <-chan struct{}
	ExitCode() int
	// Err is the wait error of the exited process, nil on a zero exit
	Err() error
	Kill() error
}

// LoadGenStarter launches the load driver
type LoadGenStarter func(ctx context.Context, spec v1alpha1.LoadGenSpec, modelName string) (LoadGenProcess, error)

// EngineFactory builds the engine of a run
type EngineFactory func(spec v1alpha1.EngineSpec, clk clock.Clock) (engine.Engine, error)

// BenchmarkReconciler drives one benchmark run from validation to the written report
type BenchmarkReconciler struct {
	Spec     v1alpha1.BenchmarkSpec
	Clock    clock.Clock
	Registry *prometheus.Registry

	NewEngine    EngineFactory
	StartLoadGen LoadGenStarter
	// HistoryClient overrides the history source selected by Spec.History
	HistoryClient metrics.HistoryClient

	mu     sync.Mutex
	status v1alpha1.BenchmarkStatus
}

// NewBenchmarkReconciler creates a reconciler with the real engine, load driver and clock
func NewBenchmarkReconciler(spec v1alpha1.BenchmarkSpec) *BenchmarkReconciler {
	return &BenchmarkReconciler{
		Spec:      spec,
		Clock:     clock.RealClock{},
		Registry:  prometheus.NewRegistry(),
		NewEngine: engine.New,
		StartLoadGen: func(ctx context.Context, spec v1alpha1.LoadGenSpec, modelName string) (LoadGenProcess, error) {
			return loadgen.Start(ctx, spec, modelName)
		},
	}
}

// Status returns a copy of the run status
func (r *BenchmarkReconciler) Status() v1alpha1.BenchmarkStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Reconcile runs the benchmark once. The report is written even when the load driver
// exits with a non-zero code; that run still ends in PhaseError.
func (r *BenchmarkReconciler) Reconcile(ctx context.Context) error {
	runID := uuid.NewString()
	logger := log.FromContext(ctx).WithValues("runID", runID, "model", r.Spec.ModelName)
	ctx = log.IntoContext(ctx, logger)

	r.mu.Lock()
	r.status = v1alpha1.BenchmarkStatus{
		RunID:           runID,
		StartTime:       &metav1.Time{Time: r.Clock.Now()},
		LoadGenExitCode: -1,
	}
	r.mu.Unlock()

	r.updatePhase(logger, v1alpha1.PhaseInitializing, "Validating benchmark spec")
	if err := r.Spec.ValidateBenchmarkSpec(); err != nil {
		return r.fail(logger, err, "Invalid benchmark spec")
	}

	m, err := telemetry.New(r.Registry, r.Spec.ModelName)
	if err != nil {
		return r.fail(logger, err, "Failed to register metrics")
	}

	eng, err := r.NewEngine(r.Spec.Engine, r.Clock)
	if err != nil {
		return r.fail(logger, fmt.Errorf("failed to create engine: %w", err), "Failed to create engine")
	}
	defer func() {
		if err := eng.Close(); err != nil {
			logger.Error(err, "Failed to close engine")
		}
	}()
	logger.Info("Engine created",
		"type", r.Spec.Engine.Type,
		"gpuRange", r.Spec.Engine.GPURange,
		"totalNumShards", r.Spec.Engine.TotalNumShards,
		"driverGPU", r.Spec.Engine.DriverGPUID,
		"enforceEager", r.Spec.Engine.EnforceEager)

	r.updatePhase(logger, v1alpha1.PhaseServing, "Starting completion server")
	srv := server.New(r.Spec.Server, eng, m, r.Registry)
	if err := srv.Start(ctx); err != nil {
		return r.fail(logger, err, "Failed to start completion server")
	}
	defer func() {
		if err := srv.Stop(context.Background()); err != nil {
			logger.Error(err, "Failed to stop completion server")
		}
	}()

	runStart := r.Clock.Now()
	records, exitCode, exitErr, err := r.collect(ctx, logger, eng, m, srv.Addr())
	r.mu.Lock()
	r.status.CollectedRequests = len(records)
	r.status.LoadGenExitCode = exitCode
	r.mu.Unlock()
	if err != nil {
		return r.fail(logger, err, "Collection failed")
	}
	runEnd := r.Clock.Now()

	r.updatePhase(logger, v1alpha1.PhaseReducing, fmt.Sprintf("Reducing %d finished requests", len(records)))
	latencies, err := metrics.ReduceAll(records)
	if err != nil {
		return r.fail(logger, err, "Malformed finished request")
	}
	for _, lat := range latencies {
		m.ObserveLatency(lat)
	}

	r.updatePhase(logger, v1alpha1.PhaseExporting, "Writing report")
	finalPhase, finalMessage := v1alpha1.PhaseCompleted,
		fmt.Sprintf("Benchmark completed. Collected %d requests", len(latencies))
	var runErr error
	if exitCode != 0 {
		runErr = fmt.Errorf("load driver exited with code %d", exitCode)
		if exitErr != nil {
			runErr = fmt.Errorf("load driver exited with code %d: %w", exitCode, exitErr)
		}
		finalPhase, finalMessage = v1alpha1.PhaseError, runErr.Error()
	}

	if err := r.export(ctx, logger, eng, runID, runStart, runEnd, latencies, finalPhase, exitCode); err != nil {
		return r.fail(logger, err, "Export failed")
	}

	r.mu.Lock()
	r.status.CompletionTime = &metav1.Time{Time: r.Clock.Now()}
	r.mu.Unlock()

	if runErr != nil {
		return r.fail(logger, runErr, "Load driver failed")
	}
	r.updatePhase(logger, finalPhase, finalMessage)
	logger.Info("Benchmark completed successfully",
		"requests", len(latencies),
		"report", r.Spec.Report.Path)
	return nil
}

// collect launches the load driver and runs the completion collector until it exits.
// It returns the records, the load driver exit code and wait error, and the collection error.
func (r *BenchmarkReconciler) collect(ctx context.Context, logger logr.Logger, eng engine.Engine, m *telemetry.Metrics, addr string) ([]metrics.FinishedRequest, int, error, error) {
	loadSpec := r.Spec.LoadGen
	if r.Spec.Server.Port == 0 || loadSpec.Port == 0 {
		// the server picked its own port
		if _, port, err := net.SplitHostPort(addr); err == nil {
			loadSpec.Port, _ = strconv.Atoi(port)
		}
	}

	r.updatePhase(logger, v1alpha1.PhaseCollecting, "Running load driver")
	proc, err := r.StartLoadGen(ctx, loadSpec, r.Spec.ModelName)
	if err != nil {
		return nil, -1, nil, err
	}
	m.SetLoadGenRunning(true)

	collector := NewCompletionCollector(eng, m, r.Clock, r.Spec.Collector)
	records, err := collector.Collect(ctx, proc)
	if err != nil {
		logger.Info("Terminating load driver", "collected", len(records))
		if killErr := proc.Kill(); killErr != nil {
			logger.Error(killErr, "Failed to kill load driver")
		}
		<-proc.Done()
		m.SetLoadGenRunning(false)
		return records, proc.ExitCode(), proc.Err(), err
	}

	return records, proc.ExitCode(), proc.Err(), nil
}

// export writes the report, the analysis summary and the optional store entry
func (r *BenchmarkReconciler) export(
	ctx context.Context,
	logger logr.Logger,
	eng engine.Engine,
	runID string,
	start, end time.Time,
	latencies []metrics.RequestLatency,
	phase v1alpha1.BenchmarkPhase,
	exitCode int,
) error {
	source, err := r.historySource(eng)
	if err != nil {
		return err
	}
	history, err := source.GetAutoscalerHistory(ctx, start, end)
	if err != nil {
		return fmt.Errorf("failed to get autoscaler history: %w", err)
	}

	rep, err := report.Build(history, latencies)
	if err != nil {
		return err
	}
	if err := rep.WriteFile(r.Spec.Report.Path); err != nil {
		return err
	}
	logger.Info("Report written", "path", r.Spec.Report.Path,
		"requests", len(latencies), "autoscalerSamples", history.Len())

	analysis, err := analyzer.NewRunAnalyzer(r.Spec).Analyze(ctx, latencies, history)
	if err != nil {
		return fmt.Errorf("failed to analyze run: %w", err)
	}
	analysis.RunID = runID
	analysis.ModelName = r.Spec.ModelName
	analysis.Pattern = r.Spec.LoadGen.Pattern
	if path := r.Spec.Report.SummaryPath; path != "" {
		if err := report.WriteSummary(path, analysis); err != nil {
			return err
		}
		logger.V(1).Info("Summary written", "path", path)
	}

	if r.Spec.Store.Path == "" {
		return nil
	}
	db, err := store.NewSQLite(r.Spec.Store.Path, logger.WithName("store"))
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error(err, "Failed to close run store")
		}
	}()

	run := store.Run{
		ID:              runID,
		ModelName:       r.Spec.ModelName,
		Pattern:         r.Spec.LoadGen.Pattern,
		Phase:           string(phase),
		StartTime:       start,
		EndTime:         end,
		LoadGenExitCode: exitCode,
		ReportPath:      r.Spec.Report.Path,
	}
	if err := db.Save(ctx, run, latencies, history); err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

// historySource picks where the autoscaler history is read from
func (r *BenchmarkReconciler) historySource(eng engine.Engine) (metrics.HistoryClient, error) {
	if r.HistoryClient != nil {
		return r.HistoryClient, nil
	}

	switch r.Spec.History.Source {
	case v1alpha1.HistorySourcePrometheus:
		cfg := r.Spec.History.PrometheusConfig
		client, err := metrics.NewPrometheusClient(cfg.URL, r.Spec.ModelName, metrics.PrometheusQueries{
			TPLevel:    cfg.TPLevelQuery,
			CacheUsage: cfg.CacheUsageQuery,
			Step:       cfg.Step.Duration,
		}, nil)
		if err != nil {
			return nil, err
		}
		return client, nil
	default:
		return eng, nil
	}
}

// updatePhase records the phase of the run
func (r *BenchmarkReconciler) updatePhase(logger logr.Logger, phase v1alpha1.BenchmarkPhase, message string) {
	r.mu.Lock()
	r.status.Phase = phase
	r.status.Message = message
	r.mu.Unlock()

	logger.Info("Benchmark phase changed", "phase", phase, "message", message)
}

// fail moves the run to PhaseError and returns err
func (r *BenchmarkReconciler) fail(logger logr.Logger, err error, msg string) error {
	logger.Error(err, msg)

	r.mu.Lock()
	r.status.Phase = v1alpha1.PhaseError
	r.status.Message = fmt.Sprintf("%s: %v", msg, err)
	if r.status.CompletionTime == nil {
		r.status.CompletionTime = &metav1.Time{Time: r.Clock.Now()}
	}
	r.mu.Unlock()

	return err
}
