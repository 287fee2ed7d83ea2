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

// Package sqlite provides a relational artifact store with a JSON payload column.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/tombee/conduit/pkg/artifact"
)

// Compile-time interface assertion.
var _ artifact.Store = (*Store)(nil)

// Store is a SQLite artifact storage backend.
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

// New creates a new SQLite artifact store.
func New(cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{db: db}

	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	if cfg.WAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

// migrate runs database migrations.
func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS artifacts (
			id TEXT PRIMARY KEY,
			resource_run_id TEXT NOT NULL,
			run_id TEXT,
			step_name TEXT NOT NULL,
			artifact_name TEXT NOT NULL,
			storage_type TEXT NOT NULL,
			storage_path TEXT,
			payload TEXT,
			metadata TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_artifacts_key ON artifacts(resource_run_id, step_name, artifact_name)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// SaveBatch upserts each artifact in one transaction; identical keys
// overwrite prior rows (last write wins). One result per request.
func (s *Store) SaveBatch(ctx context.Context, requests []artifact.SaveRequest) []artifact.SaveResult {
	results := make([]artifact.SaveResult, len(requests))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		for i := range results {
			results[i] = artifact.SaveResult{Success: false, Error: fmt.Sprintf("begin transaction: %v", err)}
		}
		return results
	}
	defer tx.Rollback()

	query := `
		INSERT INTO artifacts
			(id, resource_run_id, run_id, step_name, artifact_name, storage_type, storage_path, payload, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (resource_run_id, step_name, artifact_name) DO UPDATE SET
			storage_type = excluded.storage_type,
			storage_path = excluded.storage_path,
			payload = excluded.payload,
			metadata = excluded.metadata,
			created_at = excluded.created_at
	`

	now := time.Now().UTC().Format(time.RFC3339)
	for i, req := range requests {
		payload, err := json.Marshal(req.Payload)
		if err != nil {
			results[i] = artifact.SaveResult{Success: false, Error: fmt.Sprintf("marshal payload: %v", err)}
			continue
		}
		var metadataJSON []byte
		if req.Metadata != nil {
			metadataJSON, err = json.Marshal(req.Metadata)
			if err != nil {
				results[i] = artifact.SaveResult{Success: false, Error: fmt.Sprintf("marshal metadata: %v", err)}
				continue
			}
		}

		_, err = tx.ExecContext(ctx, query,
			uuid.NewString(), req.ResourceRunID, nullString(req.RunID),
			req.StepName, req.Name, string(artifact.StorageRelational),
			req.Key(), string(payload), nullBytes(metadataJSON), now,
		)
		if err != nil {
			results[i] = artifact.SaveResult{Success: false, Error: fmt.Sprintf("insert artifact: %v", err)}
			continue
		}
		results[i] = artifact.SaveResult{Success: true, StoragePath: req.Key()}
	}

	if err := tx.Commit(); err != nil {
		for i := range results {
			results[i] = artifact.SaveResult{Success: false, Error: fmt.Sprintf("commit: %v", err)}
		}
	}
	return results
}

// Get returns the stored payload and metadata for one artifact key.
func (s *Store) Get(ctx context.Context, resourceRunID, stepName, name string) ([]byte, map[string]string, error) {
	query := `
		SELECT payload, metadata FROM artifacts
		WHERE resource_run_id = ? AND step_name = ? AND artifact_name = ?
	`
	var payload, metadataJSON sql.NullString
	err := s.db.QueryRowContext(ctx, query, resourceRunID, stepName, name).Scan(&payload, &metadataJSON)
	if err != nil {
		return nil, nil, err
	}

	var metadata map[string]string
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &metadata); err != nil {
			return nil, nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return []byte(payload.String), metadata, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// nullString returns nil if string is empty, otherwise the string.
func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// nullBytes returns nil if byte slice is empty, otherwise the string representation.
func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
