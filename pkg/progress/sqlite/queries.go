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

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tombee/conduit/pkg/errors"
	"github.com/tombee/conduit/pkg/progress"
)

// GetRun retrieves a run by ID.
func (s *Store) GetRun(ctx context.Context, runID string) (*progress.Run, error) {
	query := `
		SELECT id, category, name, run_type, parent_run_id, status,
			started_at, completed_at, duration_ms, total, completed, failed, skipped,
			config, created_at, updated_at
		FROM pipeline_runs WHERE id = ?
	`

	var run progress.Run
	var runType, status string
	var parentRunID, startedAt, completedAt, configJSON, createdAt, updatedAt sql.NullString

	err := s.db.QueryRowContext(ctx, query, runID).Scan(
		&run.ID, &run.Category, &run.Name, &runType, &parentRunID, &status,
		&startedAt, &completedAt, &run.DurationMS,
		&run.Total, &run.Completed, &run.Failed, &run.Skipped,
		&configJSON, &createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "run", ID: runID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	run.RunType = progress.RunType(runType)
	run.Status = progress.RunStatus(status)
	if parentRunID.Valid {
		run.ParentRunID = parentRunID.String
	}
	if configJSON.Valid && configJSON.String != "" {
		if err := json.Unmarshal([]byte(configJSON.String), &run.Config); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}
	run.StartedAt = parseTimePtr(startedAt)
	run.CompletedAt = parseTimePtr(completedAt)
	if createdAt.Valid {
		run.CreatedAt, _ = time.Parse(time.RFC3339, createdAt.String)
	}
	if updatedAt.Valid {
		run.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt.String)
	}

	return &run, nil
}

// ListResourceRuns retrieves all resource runs for a run in create order.
func (s *Store) ListResourceRuns(ctx context.Context, runID string) ([]*progress.ResourceRun, error) {
	query := `
		SELECT id, run_id, resource_id, resource_type, status,
			started_at, completed_at, processing_ms, error_message, error_step, retry_count, created_at
		FROM resource_runs WHERE run_id = ? ORDER BY created_at ASC, resource_id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list resource runs: %w", err)
	}
	defer rows.Close()

	var runs []*progress.ResourceRun
	for rows.Next() {
		var rr progress.ResourceRun
		var status string
		var resourceType, startedAt, completedAt, errMsg, errStep, createdAt sql.NullString

		err := rows.Scan(
			&rr.ID, &rr.RunID, &rr.ResourceID, &resourceType, &status,
			&startedAt, &completedAt, &rr.ProcessingMS, &errMsg, &errStep, &rr.RetryCount, &createdAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan resource run: %w", err)
		}

		rr.Status = progress.ResourceStatus(status)
		if resourceType.Valid {
			rr.ResourceType = resourceType.String
		}
		if errMsg.Valid {
			rr.ErrorMessage = errMsg.String
		}
		if errStep.Valid {
			rr.ErrorStep = errStep.String
		}
		rr.StartedAt = parseTimePtr(startedAt)
		rr.CompletedAt = parseTimePtr(completedAt)
		if createdAt.Valid {
			rr.CreatedAt, _ = time.Parse(time.RFC3339, createdAt.String)
		}

		runs = append(runs, &rr)
	}

	return runs, rows.Err()
}

// ListStepProgress retrieves all step rows for a resource run in sequence order.
func (s *Store) ListStepProgress(ctx context.Context, resourceRunID string) ([]*progress.StepProgress, error) {
	query := `
		SELECT id, resource_run_id, step_name, status, sequence,
			started_at, completed_at, duration_ms, error_message, created_at
		FROM step_progress WHERE resource_run_id = ? ORDER BY sequence ASC
	`

	rows, err := s.db.QueryContext(ctx, query, resourceRunID)
	if err != nil {
		return nil, fmt.Errorf("failed to list step progress: %w", err)
	}
	defer rows.Close()

	var steps []*progress.StepProgress
	for rows.Next() {
		var sp progress.StepProgress
		var status string
		var startedAt, completedAt, errMsg, createdAt sql.NullString

		err := rows.Scan(
			&sp.ID, &sp.ResourceRunID, &sp.StepName, &status, &sp.Sequence,
			&startedAt, &completedAt, &sp.DurationMS, &errMsg, &createdAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step progress: %w", err)
		}

		sp.Status = progress.StepStatus(status)
		if errMsg.Valid {
			sp.ErrorMessage = errMsg.String
		}
		sp.StartedAt = parseTimePtr(startedAt)
		sp.CompletedAt = parseTimePtr(completedAt)
		if createdAt.Valid {
			sp.CreatedAt, _ = time.Parse(time.RFC3339, createdAt.String)
		}

		steps = append(steps, &sp)
	}

	return steps, rows.Err()
}

// parseTimePtr converts a nullable RFC3339 column to *time.Time.
func parseTimePtr(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, v.String)
	if err != nil {
		return nil
	}
	return &t
}
