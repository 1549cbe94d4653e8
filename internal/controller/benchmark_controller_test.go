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
	"errors"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/utils/clock"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/wesleyemery/liquid-bench/api/v1alpha1"
	"github.com/wesleyemery/liquid-bench/internal/store"
	"github.com/wesleyemery/liquid-bench/pkg/engine"
	"github.com/wesleyemery/liquid-bench/pkg/metrics"
	"github.com/wesleyemery/liquid-bench/pkg/report"
)

func durationPtr(d time.Duration) *time.Duration {
	return &d
}

var _ = Describe("BenchmarkReconciler", func() {
	var (
		ctx        context.Context
		clk        *clocktesting.FakeClock
		dir        string
		spec       v1alpha1.BenchmarkSpec
		mock       *engine.MockEngine
		proc       *fakeProcess
		started    []v1alpha1.LoadGenSpec
		reconciler *BenchmarkReconciler
	)

	BeforeEach(func() {
		ctx = context.Background()
		clk = clocktesting.NewFakeClock(epoch)
		dir = GinkgoT().TempDir()

		spec = v1alpha1.DefaultBenchmarkSpec()
		spec.Server.Host = "127.0.0.1"
		spec.Server.Port = 0
		spec.Report.Path = filepath.Join(dir, "liquid_results", "liquid_results.json")
		spec.Report.SummaryPath = filepath.Join(dir, "liquid_results", "liquid_summary.json")

		// (0,10) with 2s queued, (5,12) unmeasured, (9,9)
		mock = engine.NewMockEngine(
			[]metrics.FinishedRequest{{
				RequestID:    "a",
				ArrivalTime:  epoch,
				FinishedTime: epoch.Add(10 * time.Second),
				TimeInQueue:  durationPtr(2 * time.Second),
			}},
			[]metrics.FinishedRequest{
				finished("b", 5, 12),
				{
					RequestID:    "c",
					ArrivalTime:  epoch.Add(9 * time.Second),
					FinishedTime: epoch.Add(9 * time.Second),
					TimeInQueue:  durationPtr(0),
				},
			},
		)
		mock.History.Append(epoch, 1, 0.25)
		mock.History.Append(epoch.Add(time.Second), 2, 0.8)

		proc = newFakeProcess(3, 0)
		started = nil

		reconciler = &BenchmarkReconciler{
			Spec:     spec,
			Clock:    clk,
			Registry: prometheus.NewRegistry(),
			NewEngine: func(v1alpha1.EngineSpec, clock.Clock) (engine.Engine, error) {
				return mock, nil
			},
			StartLoadGen: func(_ context.Context, lg v1alpha1.LoadGenSpec, _ string) (LoadGenProcess, error) {
				started = append(started, lg)
				return proc, nil
			},
		}
	})

	It("runs the benchmark and writes the report", func() {
		Expect(reconciler.Reconcile(ctx)).To(Succeed())

		status := reconciler.Status()
		Expect(status.Phase).To(Equal(v1alpha1.PhaseCompleted))
		Expect(status.RunID).NotTo(BeEmpty())
		Expect(status.CollectedRequests).To(Equal(3))
		Expect(status.LoadGenExitCode).To(BeZero())
		Expect(status.CompletionTime).NotTo(BeNil())
		Expect(mock.Closed()).To(BeTrue())

		By("pointing the load driver at the bound server port")
		Expect(started).To(HaveLen(1))
		Expect(started[0].Port).NotTo(BeZero())

		By("writing the seven report sequences")
		rep, err := report.ReadFile(spec.Report.Path)
		Expect(err).NotTo(HaveOccurred())
		Expect(rep.E2ELatencies).To(Equal([]float64{10, 7, 0}))
		Expect(rep.QueueingLatencies).To(Equal([]float64{2, 0, 0}))
		Expect(rep.ServingLatencies).To(Equal([]float64{8, 7, 0}))
		Expect(rep.ArrivalTimes).To(HaveLen(3))
		Expect(rep.TPLevelRecords).To(Equal([]int{1, 2}))
		Expect(rep.CacheUsageRecords).To(Equal([]float64{0.25, 0.8}))
		Expect(rep.Timestamps).To(HaveLen(2))

		By("writing the analysis summary")
		Expect(spec.Report.SummaryPath).To(BeAnExistingFile())
	})

	It("overwrites a previous report", func() {
		Expect(os.MkdirAll(filepath.Dir(spec.Report.Path), 0o755)).To(Succeed())
		Expect(os.WriteFile(spec.Report.Path, []byte(`{"stale": true}`), 0o644)).To(Succeed())

		Expect(reconciler.Reconcile(ctx)).To(Succeed())

		rep, err := report.ReadFile(spec.Report.Path)
		Expect(err).NotTo(HaveOccurred())
		Expect(rep.E2ELatencies).To(HaveLen(3))
	})

	It("saves the run to the store when configured", func() {
		reconciler.Spec.Store.Path = filepath.Join(dir, "runs.db")

		Expect(reconciler.Reconcile(ctx)).To(Succeed())

		db, err := store.NewSQLite(reconciler.Spec.Store.Path, GinkgoLogr)
		Expect(err).NotTo(HaveOccurred())
		defer db.Close()

		record, err := db.LoadRun(ctx, reconciler.Status().RunID)
		Expect(err).NotTo(HaveOccurred())
		Expect(record.Run.Phase).To(Equal(string(v1alpha1.PhaseCompleted)))
		Expect(record.Run.ModelName).To(Equal(spec.ModelName))
		Expect(record.Latencies).To(HaveLen(3))
		Expect(record.History.Len()).To(Equal(2))
	})

	It("reads the history from the configured history client", func() {
		reconciler.HistoryClient = metrics.NewMockHistoryClient(2)

		Expect(reconciler.Reconcile(ctx)).To(Succeed())

		rep, err := report.ReadFile(spec.Report.Path)
		Expect(err).NotTo(HaveOccurred())
		// start == end on a frozen clock: one synthetic sample
		Expect(rep.TPLevelRecords).To(HaveLen(1))
	})

	It("writes the report but fails the run on a non-zero load driver exit", func() {
		proc = newFakeProcess(3, 2)

		err := reconciler.Reconcile(ctx)

		Expect(err).To(MatchError(ContainSubstring("load driver exited with code 2")))
		Expect(err).To(MatchError(ContainSubstring("exit status 2")))
		Expect(reconciler.Status().Phase).To(Equal(v1alpha1.PhaseError))
		Expect(reconciler.Status().LoadGenExitCode).To(Equal(2))
		Expect(spec.Report.Path).To(BeAnExistingFile())
	})

	It("rejects an invalid spec before starting anything", func() {
		reconciler.Spec.Engine.GPURange = nil

		err := reconciler.Reconcile(ctx)

		Expect(err).To(MatchError(ContainSubstring("engine.gpuRange")))
		Expect(reconciler.Status().Phase).To(Equal(v1alpha1.PhaseError))
		Expect(started).To(BeEmpty())
	})

	It("aborts on a malformed finished request", func() {
		mock.Script = [][]metrics.FinishedRequest{{finished("bad", 5, 1)}}

		err := reconciler.Reconcile(ctx)

		Expect(errors.Is(err, metrics.ErrMalformedRecord)).To(BeTrue())
		Expect(reconciler.Status().Phase).To(Equal(v1alpha1.PhaseError))
		Expect(spec.Report.Path).NotTo(BeAnExistingFile())
	})

	It("kills the load driver when collection times out", func() {
		proc = newFakeProcess(-1, 0)
		reconciler.NewEngine = func(v1alpha1.EngineSpec, clock.Clock) (engine.Engine, error) {
			return &tickingEngine{Engine: mock, clock: clk, tick: time.Second}, nil
		}
		reconciler.Spec.Collector.Timeout.Duration = 5 * time.Second

		err := reconciler.Reconcile(ctx)

		Expect(errors.Is(err, context.DeadlineExceeded)).To(BeTrue())
		Expect(proc.Killed()).To(BeTrue())
		Expect(reconciler.Status().LoadGenExitCode).To(Equal(-1))
		Expect(reconciler.Status().Phase).To(Equal(v1alpha1.PhaseError))
	})

	It("fails when the load driver cannot start", func() {
		reconciler.StartLoadGen = func(context.Context, v1alpha1.LoadGenSpec, string) (LoadGenProcess, error) {
			return nil, errors.New("no such file")
		}

		err := reconciler.Reconcile(ctx)

		Expect(err).To(MatchError("no such file"))
		Expect(reconciler.Status().Phase).To(Equal(v1alpha1.PhaseError))
		Expect(mock.Closed()).To(BeTrue())
	})
})
