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
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	_ "modernc.org/sqlite"

	"github.com/wesleyemery/liquid-bench/pkg/metrics"
)

// ErrRunNotFound is returned by LoadRun for an unknown run ID
var ErrRunNotFound = errors.New("run not found")

// Run describes one benchmark run
type Run struct {
	ID              string
	ModelName       string
	Pattern         string
	Phase           string
	StartTime       time.Time
	EndTime         time.Time
	LoadGenExitCode int
	ReportPath      string
}

// RunRecord is a run with everything it measured
type RunRecord struct {
	Run       Run
	Latencies []metrics.RequestLatency
	History   *metrics.AutoscalerHistory
}

// SQLite persists benchmark runs
type SQLite struct {
	db  *sql.DB
	log logr.Logger
}

// NewSQLite opens (or creates) the SQLite file at dbPath and applies the schema.
// The caller must call Close() when the run ends.
func NewSQLite(dbPath string, log logr.Logger) (*SQLite, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping sqlite db: %w", err)
	}

	s := &SQLite{db: db, log: log}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migration: %w", err)
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	const stmt = `
CREATE TABLE IF NOT EXISTS runs (
    id                 TEXT PRIMARY KEY,
    model_name         TEXT NOT NULL,
    pattern            TEXT NOT NULL,
    phase              TEXT NOT NULL,
    start_ns           INTEGER NOT NULL,
    end_ns             INTEGER NOT NULL,
    loadgen_exit_code  INTEGER NOT NULL,
    report_path        TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS request_latencies (
    run_id       TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    seq          INTEGER NOT NULL,
    request_id   TEXT NOT NULL,
    arrival_ns   INTEGER NOT NULL,
    e2e_ns       INTEGER NOT NULL,
    queueing_ns  INTEGER NOT NULL,
    serving_ns   INTEGER NOT NULL,
    PRIMARY KEY (run_id, seq)
);
CREATE TABLE IF NOT EXISTS autoscaler_samples (
    run_id       TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    seq          INTEGER NOT NULL,
    ts_ns        INTEGER NOT NULL,
    tp_level     REAL NOT NULL,
    cache_usage  REAL NOT NULL,
    PRIMARY KEY (run_id, seq)
);
`
	if _, err := s.db.Exec(stmt); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}
	s.log.V(1).Info("SQLite migration applied")
	return nil
}

// Save stores a run, its latencies and its autoscaler history in a single transaction.
// Saving an existing run ID replaces it.
func (s *SQLite) Save(ctx context.Context, run Run, latencies []metrics.RequestLatency, history *metrics.AutoscalerHistory) error {
	if !history.Consistent() {
		return fmt.Errorf("autoscaler history length mismatch for run %s", run.ID)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"request_latencies", "autoscaler_samples"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE run_id = ?`, run.ID); err != nil {
			return fmt.Errorf("failed to clear %s of run %s: %w", table, run.ID, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, run.ID); err != nil {
		return fmt.Errorf("failed to replace run %s: %w", run.ID, err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs (id, model_name, pattern, phase, start_ns, end_ns, loadgen_exit_code, report_path)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.ModelName, run.Pattern, run.Phase,
		run.StartTime.UnixNano(), run.EndTime.UnixNano(), run.LoadGenExitCode, run.ReportPath,
	); err != nil {
		return fmt.Errorf("failed to insert run %s: %w", run.ID, err)
	}

	latStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO request_latencies (run_id, seq, request_id, arrival_ns, e2e_ns, queueing_ns, serving_ns)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare latency insert: %w", err)
	}
	defer latStmt.Close()

	for i, lat := range latencies {
		if _, err := latStmt.ExecContext(ctx, run.ID, i, lat.RequestID,
			lat.Arrival.UnixNano(), int64(lat.E2E), int64(lat.Queueing), int64(lat.Serving)); err != nil {
			return fmt.Errorf("failed to insert latency for %s: %w", lat.RequestID, err)
		}
	}

	sampleStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO autoscaler_samples (run_id, seq, ts_ns, tp_level, cache_usage) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare sample insert: %w", err)
	}
	defer sampleStmt.Close()

	for i := 0; i < history.Len(); i++ {
		if _, err := sampleStmt.ExecContext(ctx, run.ID, i, history.Timestamps[i].UnixNano(),
			history.TPLevel[i].Value, history.CacheUsage[i].Value); err != nil {
			return fmt.Errorf("failed to insert autoscaler sample %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit tx: %w", err)
	}
	s.log.V(1).Info("Run persisted", "runID", run.ID, "requests", len(latencies), "samples", history.Len())
	return nil
}

// LoadRun reads back a run saved by Save
func (s *SQLite) LoadRun(ctx context.Context, id string) (*RunRecord, error) {
	var (
		run            Run
		startNs, endNs int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, model_name, pattern, phase, start_ns, end_ns, loadgen_exit_code, report_path
		 FROM runs WHERE id = ?`, id,
	).Scan(&run.ID, &run.ModelName, &run.Pattern, &run.Phase, &startNs, &endNs, &run.LoadGenExitCode, &run.ReportPath)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query run %s: %w", id, err)
	}
	run.StartTime = time.Unix(0, startNs)
	run.EndTime = time.Unix(0, endNs)

	record := &RunRecord{
		Run:       run,
		Latencies: []metrics.RequestLatency{},
		History:   &metrics.AutoscalerHistory{},
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT request_id, arrival_ns, e2e_ns, queueing_ns, serving_ns
		 FROM request_latencies WHERE run_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query latencies of run %s: %w", id, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			lat                            metrics.RequestLatency
			arrivalNs, e2e, queue, serving int64
		)
		if err := rows.Scan(&lat.RequestID, &arrivalNs, &e2e, &queue, &serving); err != nil {
			return nil, fmt.Errorf("failed to scan latency: %w", err)
		}
		lat.Arrival = time.Unix(0, arrivalNs)
		lat.E2E = time.Duration(e2e)
		lat.Queueing = time.Duration(queue)
		lat.Serving = time.Duration(serving)
		record.Latencies = append(record.Latencies, lat)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read latencies: %w", err)
	}

	samples, err := s.db.QueryContext(ctx,
		`SELECT ts_ns, tp_level, cache_usage FROM autoscaler_samples WHERE run_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query autoscaler samples of run %s: %w", id, err)
	}
	defer samples.Close()

	for samples.Next() {
		var (
			tsNs        int64
			level, used float64
		)
		if err := samples.Scan(&tsNs, &level, &used); err != nil {
			return nil, fmt.Errorf("failed to scan autoscaler sample: %w", err)
		}
		record.History.Append(time.Unix(0, tsNs), int(level), used)
	}
	if err := samples.Err(); err != nil {
		return nil, fmt.Errorf("failed to read autoscaler samples: %w", err)
	}

	return record, nil
}

// Close shuts down the database connection.
func (s *SQLite) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
