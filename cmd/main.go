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

package main

import (
	"flag"
	"os"
	"strconv"

	"github.com/spf13/pflag"
	"go.uber.org/zap/zapcore"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/wesleyemery/liquid-bench/internal/config"
	"github.com/wesleyemery/liquid-bench/internal/controller"
	"github.com/wesleyemery/liquid-bench/pkg/metrics"
)

var setupLog = ctrl.Log.WithName("setup")

func main() {
	var useMockHistory bool

	pflag.BoolVar(&useMockHistory, "use-mock-history", false,
		"Use a synthetic autoscaler history instead of the configured source (for testing)")
	config.BindFlags(pflag.CommandLine)

	opts := zap.Options{
		Development: true,
		TimeEncoder: zapcore.ISO8601TimeEncoder,
	}
	opts.BindFlags(flag.CommandLine)
	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)
	pflag.Parse()

	ctrl.SetLogger(zap.New(zap.UseFlagOptions(&opts)))

	spec, err := config.Load(pflag.CommandLine)
	if err != nil {
		setupLog.Error(err, "unable to load configuration")
		os.Exit(1)
	}

	reconciler := controller.NewBenchmarkReconciler(*spec)

	if useMockHistory {
		setupLog.Info("Using mock autoscaler history for testing")
		mockClient := metrics.NewMockHistoryClient(spec.Engine.MaxGPUs())

		// Configure mock variance from environment variable
		if mockVarianceStr := os.Getenv("MOCK_VARIANCE"); mockVarianceStr != "" {
			if mockVariance, err := strconv.ParseFloat(mockVarianceStr, 64); err == nil {
				mockClient.Variance = mockVariance
				setupLog.Info("Using custom mock variance", "variance", mockVariance)
			}
		}

		reconciler.HistoryClient = mockClient
	}

	setupLog.Info("starting benchmark",
		"model", spec.ModelName,
		"pattern", spec.LoadGen.Pattern,
		"historySource", spec.History.Source)
	if err := reconciler.Reconcile(ctrl.SetupSignalHandler()); err != nil {
		setupLog.Error(err, "benchmark failed", "phase", reconciler.Status().Phase)
		os.Exit(1)
	}
}
