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

package progress

import (
	"context"
	"time"
)

// CreateRunRequest describes a new pipeline run to persist.
type CreateRunRequest struct {
	// RunID is optional; the service mints one when empty.
	RunID       string
	Category    string
	Name        string
	RunType     RunType
	ParentRunID string
	Config      map[string]any
}

// ResourceRunCreate is one pending resource run insert.
type ResourceRunCreate struct {
	ResourceRunID string
	ResourceID    string
	ResourceType  string
	StartedAt     time.Time
}

// StepUpdate is one pending step progress insert.
// Rows are append-only: an in_progress row at step start, a terminal row at step end.
type StepUpdate struct {
	ResourceRunID string
	StepName      string
	Status        StepStatus
	StartedAt     time.Time
	CompletedAt   *time.Time
	DurationMS    int64
	ErrorMessage  string
}

// ResourceRunComplete is one pending terminal resource run update.
type ResourceRunComplete struct {
	ResourceRunID string
	Status        ResourceStatus
	CompletedAt   time.Time
	ProcessingMS  int64
	ErrorMessage  string
	ErrorStep     string
}

// Service is the durable store for runs, resource runs, and step progress.
// All write operations are bulk: the engine batches updates and drains them
// periodically, so a single call should translate to a single transaction.
//
// Updates arrive in arbitrary order across resources. Duplicate unique-key
// inserts are silently skipped. A step update referencing a resource run that
// is not yet persisted is returned in the deferred list; the caller retries it
// on the next flush.
type Service interface {
	// CreateRun persists a new run in pending state.
	CreateRun(ctx context.Context, req CreateRunRequest) (*Run, error)

	// CompleteRun writes the terminal run status and recomputes aggregate
	// counts from the resource run table. Terminal status is written once;
	// later calls are no-ops.
	CompleteRun(ctx context.Context, runID string, status RunStatus) error

	// IncompleteResourceIDs returns the resource ids of a previous run that
	// did not complete, for retry and continuation runs.
	IncompleteResourceIDs(ctx context.Context, parentRunID string) ([]string, error)

	// CreateResourceRuns inserts a batch of resource runs. Duplicates on
	// (run_id, resource_id) are skipped. The first batch moves the run from
	// pending to running.
	CreateResourceRuns(ctx context.Context, runID string, creates []ResourceRunCreate) error

	// UpdateStepProgress appends a batch of step progress rows. Sequence
	// numbers are assigned at write time per resource run, preserving batch
	// order. Updates whose resource run row is missing are returned as
	// deferred.
	UpdateStepProgress(ctx context.Context, runID string, updates []StepUpdate) ([]StepUpdate, error)

	// CompleteResourceRuns writes terminal resource run states and recomputes
	// run aggregates. Already-terminal rows are left untouched. Updates whose
	// resource run row is missing are returned as deferred, like step updates,
	// so a terminal state queued in the same tick as a failed create batch is
	// retried instead of dropped.
	CompleteResourceRuns(ctx context.Context, runID string, completes []ResourceRunComplete) ([]ResourceRunComplete, error)
}
