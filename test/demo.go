package main

import (
	"context"
	"fmt"
	"time"

	"k8s.io/apimachinery/pkg/api/resource"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/wesleyemery/liquid-bench/api/v1alpha1"
	"github.com/wesleyemery/liquid-bench/pkg/analyzer"
	"github.com/wesleyemery/liquid-bench/pkg/engine"
	"github.com/wesleyemery/liquid-bench/pkg/metrics"
	"github.com/wesleyemery/liquid-bench/pkg/report"
)

func main() {
	fmt.Println("🚀 Testing liquid-bench in process")
	fmt.Println("==================================")

	ctx := context.Background()
	clk := clocktesting.NewFakeClock(time.Now())

	// 1. Simulated engine on a small GPU so the autoscaler has work to do
	fmt.Println("\n⚙️  Starting simulated engine...")
	spec := v1alpha1.DefaultBenchmarkSpec()
	spec.Engine.GPURange = []int{0, 1, 2, 3}
	spec.Engine.TotalNumShards = 4
	spec.Engine.GPUSpace = resource.MustParse("256Ki")
	spec.Engine.KVBytesPerToken = resource.MustParse("1Ki")
	spec.Engine.StepLatency.Duration = 50 * time.Millisecond
	spec.Engine.Autoscaler.CooldownSteps = 2

	eng, err := engine.New(spec.Engine, clk)
	if err != nil {
		panic(err)
	}
	defer eng.Close()

	// 2. Bursty arrivals: a wave of long requests every 40 steps
	fmt.Println("\n📨 Replaying synthetic arrivals...")
	var records []metrics.FinishedRequest
	for step := 0; step < 400 || eng.HasUnfinishedRequests(); step++ {
		if step < 400 && step%40 == 0 {
			for i := 0; i < 12; i++ {
				req := v1alpha1.CompletionRequest{
					RequestID:         fmt.Sprintf("req-%d-%d", step, i),
					Prompt:            "the quick brown fox jumps over the lazy dog",
					MaxResponseLength: 16 + 8*i,
				}
				if err := eng.AddRequest(ctx, req); err != nil {
					fmt.Printf("❌ %s rejected: %v\n", req.RequestID, err)
				}
			}
		}
		if err := eng.Step(ctx); err != nil {
			panic(err)
		}
		records = append(records, eng.Drain()...)
	}
	fmt.Printf("✅ Collected %d finished requests\n", len(records))

	// 3. Reduce and export
	latencies, err := metrics.ReduceAll(records)
	if err != nil {
		panic(err)
	}
	history, err := eng.GetAutoscalerHistory(ctx, time.Time{}, clk.Now())
	if err != nil {
		panic(err)
	}
	rep, err := report.Build(history, latencies)
	if err != nil {
		panic(err)
	}
	fmt.Printf("✅ Report holds %d autoscaler samples and %d latencies\n",
		len(rep.Timestamps), len(rep.E2ELatencies))

	// 4. Analysis
	fmt.Println("\n🔬 Analyzing run...")
	analysis, err := analyzer.NewRunAnalyzer(spec).Analyze(ctx, latencies, history)
	if err != nil {
		panic(err)
	}

	e2e := analysis.Latency.E2E
	fmt.Printf("   ⏱️  E2E: p50 %.2fs, p95 %.2fs, p99 %.2fs\n", e2e.P50, e2e.P95, e2e.P99)
	fmt.Printf("   ⏳ Queueing: mean %.2fs, max %.2fs\n", analysis.Latency.Queueing.Mean, analysis.Latency.Queueing.Max)
	fmt.Printf("   🧮 Shards: mean TP %.2f, max TP %d, %d up / %d down\n",
		analysis.Shards.MeanTPLevel, analysis.Shards.MaxTPLevel, analysis.Shards.ScaleUps, analysis.Shards.ScaleDowns)
	fmt.Printf("   💰 Estimated cost: $%.4f (static: $%.4f)\n", analysis.Shards.EstimatedCost, analysis.Shards.StaticCost)

	if analysis.Traffic != nil {
		fmt.Printf("\n🏷️  %s", analysis.Traffic.Summary())
	} else {
		fmt.Println("\n🏷️  Run too short to classify traffic")
	}

	fmt.Println("\n🎉 Dry run completed successfully!")
}
