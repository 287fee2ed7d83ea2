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

import "time"

// RunStatus represents the lifecycle state of a pipeline run.
type RunStatus string

// Run states
const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// IsTerminal returns true if the run status is terminal.
func (s RunStatus) IsTerminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// ResourceStatus represents the lifecycle state of a single resource run.
type ResourceStatus string

// Resource run states
const (
	ResourcePending    ResourceStatus = "pending"
	ResourceProcessing ResourceStatus = "processing"
	ResourceCompleted  ResourceStatus = "completed"
	ResourceFailed     ResourceStatus = "failed"
	ResourceCancelled  ResourceStatus = "cancelled"
)

// IsTerminal returns true if the resource status is terminal.
func (s ResourceStatus) IsTerminal() bool {
	return s == ResourceCompleted || s == ResourceFailed || s == ResourceCancelled
}

// StepStatus represents the state of one stage execution for one resource run.
type StepStatus string

// Step states
const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
	StepSkipped    StepStatus = "skipped"
)

// IsTerminal returns true if the step status is terminal.
func (s StepStatus) IsTerminal() bool {
	return s == StepCompleted || s == StepFailed || s == StepSkipped
}

// RunType distinguishes how a run relates to earlier runs of the same pipeline.
type RunType string

// Run types
const (
	RunTypeFresh        RunType = "fresh"
	RunTypeRetry        RunType = "retry"
	RunTypeContinuation RunType = "continuation"
)

// Run is the durable identity of one pipeline execution.
type Run struct {
	ID          string         `json:"id"`
	Category    string         `json:"category"`
	Name        string         `json:"name"`
	RunType     RunType        `json:"run_type"`
	ParentRunID string         `json:"parent_run_id,omitempty"`
	Status      RunStatus      `json:"status"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	DurationMS  int64          `json:"duration_ms"`
	Total       int            `json:"total"`
	Completed   int            `json:"completed"`
	Failed      int            `json:"failed"`
	Skipped     int            `json:"skipped"`
	Config      map[string]any `json:"config,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// ResourceRun is one execution of the pipeline for one resource.
// (run_id, resource_id) is unique within the store.
type ResourceRun struct {
	ID           string         `json:"id"`
	RunID        string         `json:"run_id"`
	ResourceID   string         `json:"resource_id"`
	ResourceType string         `json:"resource_type,omitempty"`
	Status       ResourceStatus `json:"status"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	ProcessingMS int64          `json:"processing_ms"`
	ErrorMessage string         `json:"error_message,omitempty"`
	ErrorStep    string         `json:"error_step,omitempty"`
	RetryCount   int            `json:"retry_count"`
	CreatedAt    time.Time      `json:"created_at"`
}

// StepProgress is one execution of one stage for one resource run.
// Rows are append-only; sequence is gap-free and increasing per resource run.
type StepProgress struct {
	ID            string     `json:"id"`
	ResourceRunID string     `json:"resource_run_id"`
	StepName      string     `json:"step_name"`
	Status        StepStatus `json:"status"`
	Sequence      int        `json:"sequence"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	DurationMS    int64      `json:"duration_ms"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}
