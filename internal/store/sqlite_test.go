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

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesleyemery/liquid-bench/pkg/metrics"
)

func newTestStore(t *testing.T) *SQLite {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "runs.db"), logr.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testRun() (Run, []metrics.RequestLatency, *metrics.AutoscalerHistory) {
	start := time.Unix(1700000000, 123456789)
	run := Run{
		ID:              "run-1",
		ModelName:       "facebook/opt-6.7b",
		Pattern:         "azure-multiplex-70-5",
		Phase:           "Completed",
		StartTime:       start,
		EndTime:         start.Add(time.Minute),
		LoadGenExitCode: 0,
		ReportPath:      "liquid_results/liquid_results.json",
	}
	latencies := []metrics.RequestLatency{
		{RequestID: "a", Arrival: start, E2E: 10 * time.Second, Queueing: 2 * time.Second, Serving: 8 * time.Second},
		{RequestID: "b", Arrival: start.Add(time.Second), E2E: 7 * time.Second, Serving: 7 * time.Second},
	}
	history := &metrics.AutoscalerHistory{}
	history.Append(start, 1, 0.5)
	history.Append(start.Add(time.Second), 2, 0.25)
	return run, latencies, history
}

func TestSQLite_SaveAndLoad(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run, latencies, history := testRun()

	require.NoError(t, s.Save(ctx, run, latencies, history))

	record, err := s.LoadRun(ctx, run.ID)
	require.NoError(t, err)

	assert.Equal(t, run.ID, record.Run.ID)
	assert.Equal(t, run.ModelName, record.Run.ModelName)
	assert.Equal(t, run.Pattern, record.Run.Pattern)
	assert.Equal(t, run.Phase, record.Run.Phase)
	assert.True(t, run.StartTime.Equal(record.Run.StartTime))
	assert.True(t, run.EndTime.Equal(record.Run.EndTime))
	assert.Equal(t, run.ReportPath, record.Run.ReportPath)

	require.Len(t, record.Latencies, 2)
	for i, lat := range record.Latencies {
		assert.Equal(t, latencies[i].RequestID, lat.RequestID)
		assert.True(t, latencies[i].Arrival.Equal(lat.Arrival))
		assert.Equal(t, latencies[i].E2E, lat.E2E)
		assert.Equal(t, latencies[i].Queueing, lat.Queueing)
		assert.Equal(t, latencies[i].Serving, lat.Serving)
	}

	require.Equal(t, 2, record.History.Len())
	assert.True(t, record.History.Consistent())
	assert.Equal(t, 2.0, record.History.TPLevel[1].Value)
	assert.Equal(t, 0.25, record.History.CacheUsage[1].Value)
}

func TestSQLite_SaveReplacesRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run, latencies, history := testRun()

	require.NoError(t, s.Save(ctx, run, latencies, history))

	run.Phase = "Error"
	run.LoadGenExitCode = 3
	require.NoError(t, s.Save(ctx, run, latencies[:1], &metrics.AutoscalerHistory{}))

	record, err := s.LoadRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "Error", record.Run.Phase)
	assert.Equal(t, 3, record.Run.LoadGenExitCode)
	assert.Len(t, record.Latencies, 1)
	assert.Equal(t, 0, record.History.Len())
}

func TestSQLite_LoadRunNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.LoadRun(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestSQLite_SaveRejectsInconsistentHistory(t *testing.T) {
	s := newTestStore(t)
	run, latencies, history := testRun()
	history.CacheUsage = history.CacheUsage[:1]

	err := s.Save(context.Background(), run, latencies, history)
	assert.ErrorContains(t, err, "length mismatch")

	_, err = s.LoadRun(context.Background(), run.ID)
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestNewSQLite_BadPath(t *testing.T) {
	_, err := NewSQLite(filepath.Join(t.TempDir(), "missing", "dir", "runs.db"), logr.Discard())
	assert.Error(t, err)
}
