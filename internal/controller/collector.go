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
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/wesleyemery/liquid-bench/api/v1alpha1"
	"github.com/wesleyemery/liquid-bench/internal/telemetry"
	"github.com/wesleyemery/liquid-bench/pkg/engine"
	"github.com/wesleyemery/liquid-bench/pkg/metrics"
)

// Process is the liveness view of the load driver. Exited must not block.
type Process interface {
	Exited() bool
}

// CompletionCollector steps the engine and drains finished requests while the load driver runs
type CompletionCollector struct {
	Engine  engine.Engine
	Metrics *telemetry.Metrics
	Clock   clock.Clock
	Spec    v1alpha1.CollectorSpec
}

// NewCompletionCollector creates a collector for eng
func NewCompletionCollector(eng engine.Engine, m *telemetry.Metrics, clk clock.Clock, spec v1alpha1.CollectorSpec) *CompletionCollector {
	return &CompletionCollector{
		Engine:  eng,
		Metrics: m,
		Clock:   clk,
		Spec:    spec,
	}
}

// Collect returns every finished record in the order the engine emitted them. It loops
// until proc exits, then grace drains the requests still in flight. On error the records
// collected so far are returned with it.
func (c *CompletionCollector) Collect(ctx context.Context, proc Process) ([]metrics.FinishedRequest, error) {
	logger := log.FromContext(ctx).WithName("collector")

	var deadline time.Time
	if timeout := c.Spec.Timeout.Duration; timeout > 0 {
		deadline = c.Clock.Now().Add(timeout)
	}

	records := []metrics.FinishedRequest{}
	passes := 0
	for !proc.Exited() {
		if err := c.checkDeadline(ctx, deadline); err != nil {
			return records, err
		}
		if err := c.Engine.Step(ctx); err != nil {
			return records, fmt.Errorf("failed to step engine: %w", err)
		}
		records = c.drain(logger, records)
		passes++

		if err := c.pause(ctx); err != nil {
			return records, err
		}
	}

	c.Metrics.SetLoadGenRunning(false)
	logger.Info("Load driver exited, draining in-flight requests",
		"passes", passes, "collected", len(records))

	records, err := c.graceDrain(ctx, logger, deadline, records)
	if err != nil {
		return records, err
	}

	logger.Info("Collection finished", "collected", len(records))
	return records, nil
}

// graceDrain keeps stepping while the engine has unfinished requests, bounded by the
// grace timeout and step budget, then drains one last time
func (c *CompletionCollector) graceDrain(ctx context.Context, logger logr.Logger, deadline time.Time, records []metrics.FinishedRequest) ([]metrics.FinishedRequest, error) {
	start := c.Clock.Now()
	timeout := c.Spec.GraceDrainTimeout.Duration
	steps := 0

	for c.Engine.HasUnfinishedRequests() {
		if c.Spec.MaxGraceSteps > 0 && steps >= c.Spec.MaxGraceSteps {
			c.abandon(logger, "step budget exhausted", steps)
			break
		}
		if timeout > 0 && c.Clock.Since(start) >= timeout {
			c.abandon(logger, "grace timeout expired", steps)
			break
		}
		if err := c.checkDeadline(ctx, deadline); err != nil {
			return records, err
		}
		if err := c.Engine.Step(ctx); err != nil {
			return records, fmt.Errorf("failed to step engine while draining: %w", err)
		}
		records = c.drain(logger, records)
		steps++
	}

	return c.drain(logger, records), nil
}

func (c *CompletionCollector) abandon(logger logr.Logger, reason string, steps int) {
	status := c.Engine.Status()
	logger.Info("Abandoning unfinished requests",
		"reason", reason,
		"steps", steps,
		"abandoned", status.Waiting+status.Running)
}

// drain moves the engine output queue into records and exports the engine status
func (c *CompletionCollector) drain(logger logr.Logger, records []metrics.FinishedRequest) []metrics.FinishedRequest {
	batch := c.Engine.Drain()
	for _, rec := range batch {
		logger.V(1).Info("Collected finished request", "requestID", rec.RequestID)
	}
	records = append(records, batch...)

	if len(batch) > 0 {
		c.Metrics.RequestFinished(len(batch))
	}
	c.Metrics.SetEngineStatus(c.Engine.Status())
	return records
}

func (c *CompletionCollector) checkDeadline(ctx context.Context, deadline time.Time) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("collection interrupted: %w", err)
	}
	if !deadline.IsZero() && !c.Clock.Now().Before(deadline) {
		return fmt.Errorf("collection timed out after %s: %w", c.Spec.Timeout.Duration, context.DeadlineExceeded)
	}
	return nil
}

func (c *CompletionCollector) pause(ctx context.Context) error {
	interval := c.Spec.PollInterval.Duration
	if interval <= 0 {
		return nil
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("collection interrupted: %w", ctx.Err())
	case <-c.Clock.After(interval):
		return nil
	}
}
