// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sqlite provides a SQLite progress store for single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/tombee/conduit/pkg/progress"
)

// Compile-time interface assertion.
var _ progress.Service = (*Store)(nil)

// Store is a SQLite progress persistence backend.
type Store struct {
	db *sql.DB
}

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// New creates a new SQLite progress store.
func New(cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes, so only 1 connection for writes
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{db: db}

	if err := s.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

// configurePragmas sets SQLite configuration options.
func (s *Store) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}

	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}

	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}

	return nil
}

// migrate runs database migrations.
func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS pipeline_runs (
			id TEXT PRIMARY KEY,
			category TEXT NOT NULL,
			name TEXT NOT NULL,
			run_type TEXT NOT NULL,
			parent_run_id TEXT,
			status TEXT NOT NULL,
			started_at TEXT,
			completed_at TEXT,
			duration_ms INTEGER DEFAULT 0,
			total INTEGER DEFAULT 0,
			completed INTEGER DEFAULT 0,
			failed INTEGER DEFAULT 0,
			skipped INTEGER DEFAULT 0,
			config TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pipeline_runs_category_name ON pipeline_runs(category, name)`,
		`CREATE TABLE IF NOT EXISTS resource_runs (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			resource_id TEXT NOT NULL,
			resource_type TEXT,
			status TEXT NOT NULL,
			started_at TEXT,
			completed_at TEXT,
			processing_ms INTEGER DEFAULT 0,
			error_message TEXT,
			error_step TEXT,
			retry_count INTEGER DEFAULT 0,
			created_at TEXT NOT NULL,
			FOREIGN KEY (run_id) REFERENCES pipeline_runs(id) ON DELETE CASCADE
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_resource_runs_run_resource ON resource_runs(run_id, resource_id)`,
		`CREATE INDEX IF NOT EXISTS idx_resource_runs_status ON resource_runs(status)`,
		`CREATE TABLE IF NOT EXISTS step_progress (
			id TEXT PRIMARY KEY,
			resource_run_id TEXT NOT NULL,
			step_name TEXT NOT NULL,
			status TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			started_at TEXT,
			completed_at TEXT,
			duration_ms INTEGER DEFAULT 0,
			error_message TEXT,
			created_at TEXT NOT NULL,
			FOREIGN KEY (resource_run_id) REFERENCES resource_runs(id) ON DELETE CASCADE
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_step_progress_sequence ON step_progress(resource_run_id, sequence)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// CreateRun persists a new run in pending state.
func (s *Store) CreateRun(ctx context.Context, req progress.CreateRunRequest) (*progress.Run, error) {
	id := req.RunID
	if id == "" {
		id = uuid.NewString()
	}
	runType := req.RunType
	if runType == "" {
		runType = progress.RunTypeFresh
	}

	var configJSON []byte
	if req.Config != nil {
		var err error
		configJSON, err = json.Marshal(req.Config)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal config: %w", err)
		}
	}

	now := time.Now().UTC()
	query := `
		INSERT INTO pipeline_runs (id, category, name, run_type, parent_run_id, status, config, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		id, req.Category, req.Name, string(runType), nullString(req.ParentRunID),
		string(progress.RunPending), nullBytes(configJSON),
		now.Format(time.RFC3339), now.Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	return &progress.Run{
		ID:          id,
		Category:    req.Category,
		Name:        req.Name,
		RunType:     runType,
		ParentRunID: req.ParentRunID,
		Status:      progress.RunPending,
		Config:      req.Config,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// CompleteRun writes the terminal run status exactly once and recomputes
// aggregate counts from the resource run table.
func (s *Store) CompleteRun(ctx context.Context, runID string, status progress.RunStatus) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.aggregateTx(ctx, tx, runID); err != nil {
		return err
	}

	now := time.Now().UTC()
	query := `
		UPDATE pipeline_runs SET
			status = ?,
			completed_at = ?,
			duration_ms = CASE WHEN started_at IS NOT NULL
				THEN CAST((julianday(?) - julianday(started_at)) * 86400000 AS INTEGER)
				ELSE 0 END,
			updated_at = ?
		WHERE id = ? AND status NOT IN ('completed', 'failed', 'cancelled')
	`
	nowStr := now.Format(time.RFC3339)
	if _, err := tx.ExecContext(ctx, query, string(status), nowStr, nowStr, nowStr, runID); err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}

	return tx.Commit()
}

// IncompleteResourceIDs returns resource ids of a previous run that did not
// complete, for retry and continuation runs.
func (s *Store) IncompleteResourceIDs(ctx context.Context, parentRunID string) ([]string, error) {
	query := `
		SELECT resource_id FROM resource_runs
		WHERE run_id = ? AND status != 'completed'
		ORDER BY created_at ASC
	`
	rows, err := s.db.QueryContext(ctx, query, parentRunID)
	if err != nil {
		return nil, fmt.Errorf("failed to list incomplete resources: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan resource id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CreateResourceRuns inserts a batch of resource runs in one transaction.
// Duplicates on (run_id, resource_id) are silently skipped. The first batch
// moves the run from pending to running.
func (s *Store) CreateResourceRuns(ctx context.Context, runID string, creates []progress.ResourceRunCreate) error {
	if len(creates) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	nowStr := now.Format(time.RFC3339)

	startQuery := `
		UPDATE pipeline_runs SET status = 'running', started_at = COALESCE(started_at, ?), updated_at = ?
		WHERE id = ? AND status = 'pending'
	`
	if _, err := tx.ExecContext(ctx, startQuery, nowStr, nowStr, runID); err != nil {
		return fmt.Errorf("failed to mark run running: %w", err)
	}

	insert := `
		INSERT OR IGNORE INTO resource_runs
			(id, run_id, resource_id, resource_type, status, started_at, created_at)
		VALUES (?, ?, ?, ?, 'pending', ?, ?)
	`
	for _, c := range creates {
		_, err := tx.ExecContext(ctx, insert,
			c.ResourceRunID, runID, c.ResourceID, nullString(c.ResourceType),
			c.StartedAt.UTC().Format(time.RFC3339), nowStr,
		)
		if err != nil {
			return fmt.Errorf("failed to create resource run %s: %w", c.ResourceID, err)
		}
	}

	if err := s.aggregateTx(ctx, tx, runID); err != nil {
		return err
	}

	return tx.Commit()
}

// UpdateStepProgress appends a batch of step rows in one transaction.
// Sequence numbers are assigned at write time per resource run, preserving
// batch order. Updates whose resource run row is missing are returned as
// deferred for the caller to retry on the next flush. At most one terminal
// row exists per (resource_run_id, step_name).
func (s *Store) UpdateStepProgress(ctx context.Context, runID string, updates []progress.StepUpdate) ([]progress.StepUpdate, error) {
	if len(updates) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	nowStr := now.Format(time.RFC3339)

	// Next sequence per resource run, computed once then advanced in-batch.
	nextSeq := make(map[string]int)

	var deferred []progress.StepUpdate
	for _, u := range updates {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM resource_runs WHERE id = ?`, u.ResourceRunID).Scan(&exists)
		if err != nil {
			return nil, fmt.Errorf("failed to check resource run: %w", err)
		}
		if exists == 0 {
			deferred = append(deferred, u)
			continue
		}

		if u.Status.IsTerminal() {
			var terminal int
			err := tx.QueryRowContext(ctx, `
				SELECT COUNT(1) FROM step_progress
				WHERE resource_run_id = ? AND step_name = ? AND status IN ('completed', 'failed', 'skipped')
			`, u.ResourceRunID, u.StepName).Scan(&terminal)
			if err != nil {
				return nil, fmt.Errorf("failed to check terminal step: %w", err)
			}
			if terminal > 0 {
				continue
			}
		}

		seq, ok := nextSeq[u.ResourceRunID]
		if !ok {
			err := tx.QueryRowContext(ctx, `
				SELECT COALESCE(MAX(sequence), 0) + 1 FROM step_progress WHERE resource_run_id = ?
			`, u.ResourceRunID).Scan(&seq)
			if err != nil {
				return nil, fmt.Errorf("failed to compute sequence: %w", err)
			}
		}
		nextSeq[u.ResourceRunID] = seq + 1

		_, err = tx.ExecContext(ctx, `
			INSERT INTO step_progress
				(id, resource_run_id, step_name, status, sequence, started_at, completed_at, duration_ms, error_message, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			uuid.NewString(), u.ResourceRunID, u.StepName, string(u.Status), seq,
			u.StartedAt.UTC().Format(time.RFC3339), formatTime(u.CompletedAt),
			u.DurationMS, nullString(u.ErrorMessage), nowStr,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to insert step progress: %w", err)
		}

		if u.Status == progress.StepInProgress {
			_, err := tx.ExecContext(ctx, `
				UPDATE resource_runs SET status = 'processing' WHERE id = ? AND status = 'pending'
			`, u.ResourceRunID)
			if err != nil {
				return nil, fmt.Errorf("failed to mark resource processing: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit step progress: %w", err)
	}
	return deferred, nil
}

// CompleteResourceRuns writes terminal resource run states in one transaction
// and recomputes run aggregates. Already-terminal rows are left untouched.
// Completes whose resource run row is missing are returned as deferred for the
// caller to retry once the create has landed.
func (s *Store) CompleteResourceRuns(ctx context.Context, runID string, completes []progress.ResourceRunComplete) ([]progress.ResourceRunComplete, error) {
	if len(completes) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		UPDATE resource_runs SET
			status = ?, completed_at = ?, processing_ms = ?, error_message = ?, error_step = ?
		WHERE id = ? AND status NOT IN ('completed', 'failed', 'cancelled')
	`
	var deferred []progress.ResourceRunComplete
	for _, c := range completes {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM resource_runs WHERE id = ?`, c.ResourceRunID).Scan(&exists); err != nil {
			return nil, fmt.Errorf("failed to check resource run: %w", err)
		}
		if exists == 0 {
			deferred = append(deferred, c)
			continue
		}

		_, err := tx.ExecContext(ctx, query,
			string(c.Status), c.CompletedAt.UTC().Format(time.RFC3339),
			c.ProcessingMS, nullString(c.ErrorMessage), nullString(c.ErrorStep),
			c.ResourceRunID,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to complete resource run: %w", err)
		}
	}

	if err := s.aggregateTx(ctx, tx, runID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit resource completions: %w", err)
	}
	return deferred, nil
}

// aggregateTx recomputes run-level counts from the resource run table.
func (s *Store) aggregateTx(ctx context.Context, tx *sql.Tx, runID string) error {
	query := `
		UPDATE pipeline_runs SET
			total = (SELECT COUNT(1) FROM resource_runs WHERE run_id = ?),
			completed = (SELECT COUNT(1) FROM resource_runs WHERE run_id = ? AND status = 'completed'),
			failed = (SELECT COUNT(1) FROM resource_runs WHERE run_id = ? AND status = 'failed'),
			skipped = (SELECT COUNT(1) FROM resource_runs WHERE run_id = ? AND status = 'cancelled'),
			updated_at = ?
		WHERE id = ?
	`
	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := tx.ExecContext(ctx, query, runID, runID, runID, runID, now, runID); err != nil {
		return fmt.Errorf("failed to aggregate run counts: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Helper functions

// formatTime converts a *time.Time to RFC3339 string or nil.
func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

// nullString returns nil if string is empty, otherwise the string.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// nullBytes returns nil if byte slice is empty, otherwise the string representation.
func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
