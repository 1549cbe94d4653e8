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

package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/wesleyemery/liquid-bench/api/v1alpha1"
)

const (
	EnvPrefix         = "LIQUID"
	DefaultConfigName = "liquid-bench"
	ConfigFlag        = "config"
)

// flagBindings maps command-line flags to configuration keys
var flagBindings = map[string]string{
	"model-name":         "model_name",
	"host":               "server.host",
	"port":               "server.port",
	"engine-type":        "engine.type",
	"gpu-range":          "engine.gpu_range",
	"gpu-space":          "engine.gpu_space",
	"driver-gpu-id":      "engine.driver_gpu_id",
	"total-num-shards":   "engine.total_num_shards",
	"kv-bytes-per-token": "engine.kv_bytes_per_token",
	"step-latency":       "engine.step_latency",
	"loadgen-command":    "loadgen.command",
	"loadgen-dir":        "loadgen.working_dir",
	"loadgen-host":       "loadgen.host",
	"loadgen-port":       "loadgen.port",
	"pattern":            "loadgen.pattern",
	"dataset":            "loadgen.dataset",
	"limit":              "loadgen.limit",
	"max-drift":          "loadgen.max_drift",
	"collector-timeout":  "collector.timeout",
	"history-source":     "history.source",
	"prometheus-url":     "history.prometheus.url",
	"report-path":        "report.path",
	"summary-path":       "report.summary_path",
	"price-per-gpu-hour": "report.price_per_gpu_hour",
	"store-path":         "store.path",
}

// BindFlags registers the benchmark flags on fs
func BindFlags(fs *pflag.FlagSet) {
	d := v1alpha1.DefaultBenchmarkSpec()

	fs.String(ConfigFlag, "", "Path to a YAML config file (default: ./configs/liquid-bench.yaml or ./liquid-bench.yaml if present)")
	fs.String("model-name", d.ModelName, "Model served by the engine.")
	fs.String("host", d.Server.Host, "Address the completion endpoint binds to.")
	fs.Int("port", d.Server.Port, "Port the completion endpoint binds to.")
	fs.String("engine-type", string(d.Engine.Type), "Engine implementation.")
	fs.IntSlice("gpu-range", d.Engine.GPURange, "GPU ids the engine may use.")
	fs.String("gpu-space", d.Engine.GPUSpace.String(), "KV-cache space per GPU, e.g. 32Gi.")
	fs.Int("driver-gpu-id", d.Engine.DriverGPUID, "GPU hosting the driver worker.")
	fs.Int("total-num-shards", d.Engine.TotalNumShards, "Number of shards the model is split into.")
	fs.String("kv-bytes-per-token", d.Engine.KVBytesPerToken.String(), "KV-cache footprint of one token.")
	fs.Duration("step-latency", d.Engine.StepLatency.Duration, "Simulated duration of one engine step.")
	fs.String("loadgen-command", d.LoadGen.Command, "Load driver binary.")
	fs.String("loadgen-dir", d.LoadGen.WorkingDir, "Working directory of the load driver.")
	fs.String("loadgen-host", "", "Address the load driver sends requests to (default: the completion endpoint host).")
	fs.Int("loadgen-port", 0, "Port the load driver sends requests to (default: the completion endpoint port).")
	fs.String("pattern", d.LoadGen.Pattern, "Traffic arrival pattern.")
	fs.String("dataset", d.LoadGen.Dataset, "Prompt dataset.")
	fs.Int("limit", d.LoadGen.Limit, "Maximum outstanding requests of the load driver.")
	fs.Int("max-drift", d.LoadGen.MaxDrift, "Tolerated drift from the arrival schedule.")
	fs.Duration("collector-timeout", d.Collector.Timeout.Duration, "Upper bound of the collection phase; 0 waits indefinitely.")
	fs.String("history-source", string(d.History.Source), "Autoscaler history source: engine or prometheus.")
	fs.String("prometheus-url", "", "Prometheus server URL for the prometheus history source.")
	fs.String("report-path", d.Report.Path, "Path of the JSON report.")
	fs.String("summary-path", d.Report.SummaryPath, "Path of the analysis summary; empty disables it.")
	fs.Float64("price-per-gpu-hour", d.Report.PricePerGPUHour, "GPU price used for the cost estimate.")
	fs.String("store-path", "", "SQLite file recording every run; empty disables it.")
}

// Load reads configuration from (in decreasing priority):
//  1. command-line flags that were set explicitly
//  2. LIQUID_* environment variables (e.g. LIQUID_SERVER_PORT)
//  3. a YAML file, from --config or ./configs/liquid-bench.yaml if it exists
//  4. built-in defaults
func Load(fs *pflag.FlagSet) (*v1alpha1.BenchmarkSpec, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		for name, key := range flagBindings {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
	}

	if err := readConfigFile(v, fs); err != nil {
		return nil, err
	}

	return decode(v)
}

func readConfigFile(v *viper.Viper, fs *pflag.FlagSet) error {
	var path string
	if fs != nil {
		if f := fs.Lookup(ConfigFlag); f != nil {
			path = f.Value.String()
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		return nil
	}

	v.SetConfigName(DefaultConfigName)
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	d := v1alpha1.DefaultBenchmarkSpec()

	v.SetDefault("model_name", d.ModelName)

	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout.Duration)

	v.SetDefault("engine.type", string(d.Engine.Type))
	v.SetDefault("engine.enforce_eager", d.Engine.EnforceEager)
	v.SetDefault("engine.gpu_range", d.Engine.GPURange)
	v.SetDefault("engine.gpu_space", d.Engine.GPUSpace.String())
	v.SetDefault("engine.driver_gpu_id", d.Engine.DriverGPUID)
	v.SetDefault("engine.total_num_shards", d.Engine.TotalNumShards)
	v.SetDefault("engine.kv_bytes_per_token", d.Engine.KVBytesPerToken.String())
	v.SetDefault("engine.max_running", d.Engine.MaxRunning)
	v.SetDefault("engine.step_latency", d.Engine.StepLatency.Duration)
	v.SetDefault("engine.autoscaler.scale_up_threshold", d.Engine.Autoscaler.ScaleUpThreshold)
	v.SetDefault("engine.autoscaler.scale_down_threshold", d.Engine.Autoscaler.ScaleDownThreshold)
	v.SetDefault("engine.autoscaler.cooldown_steps", d.Engine.Autoscaler.CooldownSteps)

	v.SetDefault("loadgen.command", d.LoadGen.Command)
	v.SetDefault("loadgen.working_dir", d.LoadGen.WorkingDir)
	v.SetDefault("loadgen.pattern", d.LoadGen.Pattern)
	v.SetDefault("loadgen.dataset", d.LoadGen.Dataset)
	v.SetDefault("loadgen.destination", d.LoadGen.Destination)
	v.SetDefault("loadgen.limit", d.LoadGen.Limit)
	v.SetDefault("loadgen.max_drift", d.LoadGen.MaxDrift)
	v.SetDefault("loadgen.extra_args", []string{})

	v.SetDefault("collector.poll_interval", d.Collector.PollInterval.Duration)
	v.SetDefault("collector.timeout", d.Collector.Timeout.Duration)
	v.SetDefault("collector.grace_drain_timeout", d.Collector.GraceDrainTimeout.Duration)
	v.SetDefault("collector.max_grace_steps", d.Collector.MaxGraceSteps)

	v.SetDefault("history.source", string(d.History.Source))
	v.SetDefault("history.prometheus.url", "")
	v.SetDefault("history.prometheus.tp_level_query", v1alpha1.DefaultTPLevelQuery)
	v.SetDefault("history.prometheus.cache_usage_query", v1alpha1.DefaultCacheUsageQuery)
	v.SetDefault("history.prometheus.step", "1s")

	v.SetDefault("report.path", d.Report.Path)
	v.SetDefault("report.summary_path", d.Report.SummaryPath)
	v.SetDefault("report.price_per_gpu_hour", d.Report.PricePerGPUHour)

	v.SetDefault("store.path", "")
}

func decode(v *viper.Viper) (*v1alpha1.BenchmarkSpec, error) {
	gpuSpace, err := resource.ParseQuantity(v.GetString("engine.gpu_space"))
	if err != nil {
		return nil, fmt.Errorf("cannot decode engine.gpu_space: %w", err)
	}
	kvBytes, err := resource.ParseQuantity(v.GetString("engine.kv_bytes_per_token"))
	if err != nil {
		return nil, fmt.Errorf("cannot decode engine.kv_bytes_per_token: %w", err)
	}
	gpuRange, err := getIntSlice(v, "engine.gpu_range")
	if err != nil {
		return nil, err
	}

	spec := &v1alpha1.BenchmarkSpec{
		ModelName: v.GetString("model_name"),
		Server: v1alpha1.ServerSpec{
			Host:            v.GetString("server.host"),
			Port:            v.GetInt("server.port"),
			ShutdownTimeout: duration(v, "server.shutdown_timeout"),
		},
		Engine: v1alpha1.EngineSpec{
			Type:            v1alpha1.EngineType(v.GetString("engine.type")),
			EnforceEager:    v.GetBool("engine.enforce_eager"),
			GPURange:        gpuRange,
			GPUSpace:        gpuSpace,
			DriverGPUID:     v.GetInt("engine.driver_gpu_id"),
			TotalNumShards:  v.GetInt("engine.total_num_shards"),
			KVBytesPerToken: kvBytes,
			MaxRunning:      v.GetInt("engine.max_running"),
			StepLatency:     duration(v, "engine.step_latency"),
			Autoscaler: v1alpha1.AutoscalerSpec{
				ScaleUpThreshold:   v.GetFloat64("engine.autoscaler.scale_up_threshold"),
				ScaleDownThreshold: v.GetFloat64("engine.autoscaler.scale_down_threshold"),
				CooldownSteps:      v.GetInt("engine.autoscaler.cooldown_steps"),
			},
		},
		LoadGen: v1alpha1.LoadGenSpec{
			Command:     v.GetString("loadgen.command"),
			WorkingDir:  v.GetString("loadgen.working_dir"),
			Pattern:     v.GetString("loadgen.pattern"),
			Dataset:     v.GetString("loadgen.dataset"),
			Destination: v.GetString("loadgen.destination"),
			Host:        loadGenHost(v),
			Port:        loadGenPort(v),
			Limit:       v.GetInt("loadgen.limit"),
			MaxDrift:    v.GetInt("loadgen.max_drift"),
			ExtraArgs:   v.GetStringSlice("loadgen.extra_args"),
		},
		Collector: v1alpha1.CollectorSpec{
			PollInterval:      duration(v, "collector.poll_interval"),
			Timeout:           duration(v, "collector.timeout"),
			GraceDrainTimeout: duration(v, "collector.grace_drain_timeout"),
			MaxGraceSteps:     v.GetInt("collector.max_grace_steps"),
		},
		History: v1alpha1.HistorySpec{
			Source: v1alpha1.HistorySourceType(v.GetString("history.source")),
		},
		Report: v1alpha1.ReportSpec{
			Path:            v.GetString("report.path"),
			SummaryPath:     v.GetString("report.summary_path"),
			PricePerGPUHour: v.GetFloat64("report.price_per_gpu_hour"),
		},
		Store: v1alpha1.StoreSpec{
			Path: v.GetString("store.path"),
		},
	}

	if url := v.GetString("history.prometheus.url"); url != "" || spec.History.Source == v1alpha1.HistorySourcePrometheus {
		spec.History.PrometheusConfig = &v1alpha1.PrometheusConfig{
			URL:             url,
			TPLevelQuery:    v.GetString("history.prometheus.tp_level_query"),
			CacheUsageQuery: v.GetString("history.prometheus.cache_usage_query"),
			Step:            duration(v, "history.prometheus.step"),
		}
	}

	return spec, nil
}

// loadGenHost targets the completion endpoint unless loadgen.host is set
func loadGenHost(v *viper.Viper) string {
	if v.IsSet("loadgen.host") {
		return v.GetString("loadgen.host")
	}
	switch host := v.GetString("server.host"); host {
	case "", "0.0.0.0", "::":
		return v1alpha1.DefaultServerHost
	default:
		return host
	}
}

// loadGenPort targets the completion endpoint unless loadgen.port is set
func loadGenPort(v *viper.Viper) int {
	if v.IsSet("loadgen.port") {
		return v.GetInt("loadgen.port")
	}
	return v.GetInt("server.port")
}

func duration(v *viper.Viper, key string) metav1.Duration {
	return metav1.Duration{Duration: v.GetDuration(key)}
}

// getIntSlice accepts YAML lists, repeated flags and comma separated env values like "0,1"
func getIntSlice(v *viper.Viper, key string) ([]int, error) {
	s, ok := v.Get(key).(string)
	if !ok {
		return v.GetIntSlice(key), nil
	}

	var out []int
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '[' || r == ']'
	})
	for _, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("cannot decode %s: %q is not an integer", key, f)
		}
		out = append(out, n)
	}
	return out, nil
}
