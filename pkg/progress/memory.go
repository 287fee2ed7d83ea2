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
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/conduit/pkg/errors"
)

// MemoryService is an in-memory implementation of Service. It is thread-safe
// and suitable for testing or runs that do not need durability. It honors the
// same batching contract as the relational store, including deferral of step
// updates that reference a resource run not yet created.
type MemoryService struct {
	mu           sync.Mutex
	runs         map[string]*Run
	resourceRuns map[string]*ResourceRun   // keyed by resource run id
	byRun        map[string][]string       // run id -> resource run ids in create order
	steps        map[string][]StepProgress // resource run id -> rows in sequence order
}

// NewMemoryService creates a new in-memory progress service.
func NewMemoryService() *MemoryService {
	return &MemoryService{
		runs:         make(map[string]*Run),
		resourceRuns: make(map[string]*ResourceRun),
		byRun:        make(map[string][]string),
		steps:        make(map[string][]StepProgress),
	}
}

// CreateRun persists a new run in pending state.
func (m *MemoryService) CreateRun(ctx context.Context, req CreateRunRequest) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := req.RunID
	if id == "" {
		id = uuid.NewString()
	}
	if _, exists := m.runs[id]; exists {
		return nil, &errors.ValidationError{
			Field:   "run_id",
			Message: "run already exists: " + id,
		}
	}

	now := time.Now().UTC()
	runType := req.RunType
	if runType == "" {
		runType = RunTypeFresh
	}
	run := &Run{
		ID:          id,
		Category:    req.Category,
		Name:        req.Name,
		RunType:     runType,
		ParentRunID: req.ParentRunID,
		Status:      RunPending,
		Config:      req.Config,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.runs[id] = run
	out := *run
	return &out, nil
}

// CompleteRun writes the terminal run status once and recomputes aggregates.
func (m *MemoryService) CompleteRun(ctx context.Context, runID string, status RunStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[runID]
	if !ok {
		return &errors.NotFoundError{Resource: "run", ID: runID}
	}
	if run.Status.IsTerminal() {
		return nil
	}

	now := time.Now().UTC()
	run.Status = status
	run.CompletedAt = &now
	if run.StartedAt != nil {
		run.DurationMS = now.Sub(*run.StartedAt).Milliseconds()
	}
	run.UpdatedAt = now
	m.aggregateLocked(run)
	return nil
}

// IncompleteResourceIDs returns resource ids of parentRunID that never completed.
func (m *MemoryService) IncompleteResourceIDs(ctx context.Context, parentRunID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.runs[parentRunID]; !ok {
		return nil, &errors.NotFoundError{Resource: "run", ID: parentRunID}
	}
	var ids []string
	for _, rrID := range m.byRun[parentRunID] {
		rr := m.resourceRuns[rrID]
		if rr.Status != ResourceCompleted {
			ids = append(ids, rr.ResourceID)
		}
	}
	return ids, nil
}

// CreateResourceRuns inserts a batch, skipping duplicates on (run, resource).
func (m *MemoryService) CreateResourceRuns(ctx context.Context, runID string, creates []ResourceRunCreate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[runID]
	if !ok {
		return &errors.NotFoundError{Resource: "run", ID: runID}
	}

	now := time.Now().UTC()
	if run.Status == RunPending && len(creates) > 0 {
		run.Status = RunRunning
		run.StartedAt = &now
		run.UpdatedAt = now
	}

	seen := make(map[string]bool, len(m.byRun[runID]))
	for _, rrID := range m.byRun[runID] {
		seen[m.resourceRuns[rrID].ResourceID] = true
	}

	for _, c := range creates {
		if seen[c.ResourceID] {
			// The first create wins; the skipped create's minted id never
			// becomes a row. Callers within one run always reuse the cached id
			// per resource, so their later updates still resolve.
			continue
		}
		seen[c.ResourceID] = true
		started := c.StartedAt
		rr := &ResourceRun{
			ID:           c.ResourceRunID,
			RunID:        runID,
			ResourceID:   c.ResourceID,
			ResourceType: c.ResourceType,
			Status:       ResourcePending,
			StartedAt:    &started,
			CreatedAt:    now,
		}
		m.resourceRuns[c.ResourceRunID] = rr
		m.byRun[runID] = append(m.byRun[runID], c.ResourceRunID)
	}
	m.aggregateLocked(run)
	return nil
}

// UpdateStepProgress appends step rows, assigning per-resource sequence
// numbers in batch order. Updates whose resource run is unknown are deferred.
func (m *MemoryService) UpdateStepProgress(ctx context.Context, runID string, updates []StepUpdate) ([]StepUpdate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var deferred []StepUpdate
	now := time.Now().UTC()
	for _, u := range updates {
		rr, ok := m.resourceRuns[u.ResourceRunID]
		if !ok {
			deferred = append(deferred, u)
			continue
		}

		if u.Status.IsTerminal() && m.hasTerminalStepLocked(u.ResourceRunID, u.StepName) {
			continue
		}
		if u.Status == StepInProgress && rr.Status == ResourcePending {
			rr.Status = ResourceProcessing
		}

		rows := m.steps[u.ResourceRunID]
		started := u.StartedAt
		m.steps[u.ResourceRunID] = append(rows, StepProgress{
			ID:            uuid.NewString(),
			ResourceRunID: u.ResourceRunID,
			StepName:      u.StepName,
			Status:        u.Status,
			Sequence:      len(rows) + 1,
			StartedAt:     &started,
			CompletedAt:   u.CompletedAt,
			DurationMS:    u.DurationMS,
			ErrorMessage:  u.ErrorMessage,
			CreatedAt:     now,
		})
	}
	return deferred, nil
}

// CompleteResourceRuns writes terminal states and recomputes run aggregates.
// Completes referencing a resource run not yet created are returned as
// deferred for the caller to retry once the create has landed.
func (m *MemoryService) CompleteResourceRuns(ctx context.Context, runID string, completes []ResourceRunComplete) ([]ResourceRunComplete, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[runID]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "run", ID: runID}
	}

	var deferred []ResourceRunComplete
	for _, c := range completes {
		rr, ok := m.resourceRuns[c.ResourceRunID]
		if !ok {
			deferred = append(deferred, c)
			continue
		}
		if rr.Status.IsTerminal() {
			continue
		}
		completed := c.CompletedAt
		rr.Status = c.Status
		rr.CompletedAt = &completed
		rr.ProcessingMS = c.ProcessingMS
		rr.ErrorMessage = c.ErrorMessage
		rr.ErrorStep = c.ErrorStep
	}
	m.aggregateLocked(run)
	return deferred, nil
}

// GetRun returns a copy of the stored run.
func (m *MemoryService) GetRun(runID string) (*Run, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return nil, false
	}
	out := *run
	return &out, true
}

// ResourceRuns returns copies of the resource runs for a run in create order.
func (m *MemoryService) ResourceRuns(runID string) []ResourceRun {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ResourceRun, 0, len(m.byRun[runID]))
	for _, rrID := range m.byRun[runID] {
		out = append(out, *m.resourceRuns[rrID])
	}
	return out
}

// StepRows returns copies of the step progress rows for a resource run.
func (m *MemoryService) StepRows(resourceRunID string) []StepProgress {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]StepProgress(nil), m.steps[resourceRunID]...)
}

func (m *MemoryService) hasTerminalStepLocked(resourceRunID, stepName string) bool {
	for _, row := range m.steps[resourceRunID] {
		if row.StepName == stepName && row.Status.IsTerminal() {
			return true
		}
	}
	return false
}

// aggregateLocked recomputes run counts from resource run rows. Caller holds m.mu.
func (m *MemoryService) aggregateLocked(run *Run) {
	var total, completed, failed, skipped int
	for _, rrID := range m.byRun[run.ID] {
		rr := m.resourceRuns[rrID]
		total++
		switch rr.Status {
		case ResourceCompleted:
			completed++
		case ResourceFailed:
			failed++
		case ResourceCancelled:
			skipped++
		}
	}
	run.Total = total
	run.Completed = completed
	run.Failed = failed
	run.Skipped = skipped
	run.UpdatedAt = time.Now().UTC()
}
