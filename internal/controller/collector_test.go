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
	"fmt"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/wesleyemery/liquid-bench/api/v1alpha1"
	"github.com/wesleyemery/liquid-bench/internal/telemetry"
	"github.com/wesleyemery/liquid-bench/pkg/engine"
	"github.com/wesleyemery/liquid-bench/pkg/metrics"
)

var epoch = time.Unix(1700000000, 0)

func finished(id string, arrival, done float64) metrics.FinishedRequest {
	return metrics.FinishedRequest{
		RequestID:    id,
		ArrivalTime:  epoch.Add(time.Duration(arrival * float64(time.Second))),
		FinishedTime: epoch.Add(time.Duration(done * float64(time.Second))),
	}
}

func batches(n int) [][]metrics.FinishedRequest {
	script := make([][]metrics.FinishedRequest, n)
	for i := range script {
		script[i] = []metrics.FinishedRequest{finished(fmt.Sprintf("r-%d", i), float64(i), float64(i+1))}
	}
	return script
}

func ids(records []metrics.FinishedRequest) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.RequestID
	}
	return out
}

var _ = Describe("CompletionCollector", func() {
	var (
		ctx      context.Context
		clk      *clocktesting.FakeClock
		registry *prometheus.Registry
		m        *telemetry.Metrics
		spec     v1alpha1.CollectorSpec
	)

	BeforeEach(func() {
		ctx = context.Background()
		clk = clocktesting.NewFakeClock(epoch)
		registry = prometheus.NewRegistry()

		var err error
		m, err = telemetry.New(registry, "m")
		Expect(err).NotTo(HaveOccurred())

		spec = v1alpha1.DefaultBenchmarkSpec().Collector
	})

	It("collects records in emission order until the load driver exits", func() {
		eng := engine.NewMockEngine(
			[]metrics.FinishedRequest{finished("a", 0, 1)},
			[]metrics.FinishedRequest{finished("b", 0, 2), finished("c", 1, 2)},
			nil,
			[]metrics.FinishedRequest{finished("d", 2, 4)},
		)
		proc := newFakeProcess(4, 0)

		records, err := NewCompletionCollector(eng, m, clk, spec).Collect(ctx, proc)

		Expect(err).NotTo(HaveOccurred())
		Expect(ids(records)).To(Equal([]string{"a", "b", "c", "d"}))
		Expect(eng.Steps).To(Equal(4))
		// one drain per pass plus the final drain
		Expect(eng.Drains).To(Equal(5))

		expected := `
# HELP liquid_requests_finished_total Total number of finished requests collected from the engine
# TYPE liquid_requests_finished_total counter
liquid_requests_finished_total{model_name="m"} 4
`
		Expect(testutil.GatherAndCompare(registry, strings.NewReader(expected), "liquid_requests_finished_total")).To(Succeed())
	})

	It("returns an empty list when the load driver exits immediately", func() {
		eng := engine.NewMockEngine()

		records, err := NewCompletionCollector(eng, m, clk, spec).Collect(ctx, newFakeProcess(0, 0))

		Expect(err).NotTo(HaveOccurred())
		Expect(records).NotTo(BeNil())
		Expect(records).To(BeEmpty())
		Expect(eng.Steps).To(BeZero())
	})

	It("grace drains requests still in flight after exit", func() {
		eng := engine.NewMockEngine(batches(5)...)
		eng.Unfinished = true

		records, err := NewCompletionCollector(eng, m, clk, spec).Collect(ctx, newFakeProcess(2, 0))

		Expect(err).NotTo(HaveOccurred())
		Expect(ids(records)).To(Equal([]string{"r-0", "r-1", "r-2", "r-3", "r-4"}))
		Expect(eng.Steps).To(Equal(5))
	})

	It("bounds the grace drain by the step budget", func() {
		eng := engine.NewMockEngine(batches(10)...)
		eng.Unfinished = true
		spec.MaxGraceSteps = 3

		records, err := NewCompletionCollector(eng, m, clk, spec).Collect(ctx, newFakeProcess(1, 0))

		Expect(err).NotTo(HaveOccurred())
		Expect(records).To(HaveLen(4))
		Expect(eng.Steps).To(Equal(4))
	})

	It("bounds the grace drain by the grace timeout", func() {
		mock := engine.NewMockEngine(batches(10)...)
		mock.Unfinished = true
		eng := &tickingEngine{Engine: mock, clock: clk, tick: time.Second}
		spec.GraceDrainTimeout = metav1.Duration{Duration: 3 * time.Second}

		records, err := NewCompletionCollector(eng, m, clk, spec).Collect(ctx, newFakeProcess(0, 0))

		Expect(err).NotTo(HaveOccurred())
		Expect(records).To(HaveLen(3))
		Expect(mock.Steps).To(Equal(3))
	})

	It("fails with DeadlineExceeded when the collection timeout expires", func() {
		mock := engine.NewMockEngine(batches(10)...)
		eng := &tickingEngine{Engine: mock, clock: clk, tick: time.Second}
		spec.Timeout = metav1.Duration{Duration: 2 * time.Second}

		records, err := NewCompletionCollector(eng, m, clk, spec).Collect(ctx, newFakeProcess(-1, 0))

		Expect(errors.Is(err, context.DeadlineExceeded)).To(BeTrue())
		Expect(err.Error()).To(ContainSubstring("timed out after 2s"))
		Expect(ids(records)).To(Equal([]string{"r-0", "r-1"}))
	})

	It("stops when the context is cancelled", func() {
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		_, err := NewCompletionCollector(engine.NewMockEngine(), m, clk, spec).Collect(cctx, newFakeProcess(-1, 0))

		Expect(errors.Is(err, context.Canceled)).To(BeTrue())
	})

	It("waits the poll interval between passes", func() {
		eng := engine.NewMockEngine(batches(2)...)
		spec.PollInterval = metav1.Duration{Duration: time.Second}

		type result struct {
			records []metrics.FinishedRequest
			err     error
		}
		out := make(chan result, 1)
		go func() {
			records, err := NewCompletionCollector(eng, m, clk, spec).Collect(ctx, newFakeProcess(2, 0))
			out <- result{records, err}
		}()

		for i := 0; i < 2; i++ {
			Eventually(clk.HasWaiters).Should(BeTrue())
			clk.Step(time.Second)
		}

		var res result
		Eventually(out).Should(Receive(&res))
		Expect(res.err).NotTo(HaveOccurred())
		Expect(res.records).To(HaveLen(2))
	})

	It("propagates engine step failures", func() {
		eng := engine.NewMockEngine(batches(3)...)
		eng.StepErr = errors.New("gpu fault")
		eng.StepErrAt = 1

		records, err := NewCompletionCollector(eng, m, clk, spec).Collect(ctx, newFakeProcess(-1, 0))

		Expect(err).To(MatchError(ContainSubstring("failed to step engine: gpu fault")))
		Expect(records).To(HaveLen(1))
	})
})
