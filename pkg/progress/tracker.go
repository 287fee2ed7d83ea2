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
	"log/slog"
	"sync"
	"time"
)

// StepMetric is the in-memory record of one stage execution for one resource.
type StepMetric struct {
	Name        string
	Status      StepStatus
	StartedAt   time.Time
	CompletedAt *time.Time
	DurationMS  int64
	Error       string
}

// ResourceState is the in-memory state of one resource within a run.
type ResourceState struct {
	ID          string
	Path        []string
	Type        string
	Status      ResourceStatus
	StartedAt   time.Time
	CompletedAt *time.Time
	Steps       []StepMetric
	Error       string
	ErrorStep   string

	parent          string
	pendingChildren int
	childFailed     bool
}

// Counters are the run-level aggregate counts maintained by the tracker.
// Completed, Failed and Cancelled never decrease during a run.
type Counters struct {
	InProgress int
	Completed  int
	Failed     int
	Cancelled  int
}

// Snapshot is a consistent point-in-time view of tracker state.
type Snapshot struct {
	RunID     string
	Resources map[string]ResourceState
	Counters  Counters
}

// Tracker is the thread-safe, in-memory aggregator of per-resource progress.
//
// The tracker is the single source of truth during a run; durable persistence
// is a derived view. Every mutation also queues a pending update the flusher
// drains into the persistence service.
type Tracker struct {
	mu        sync.Mutex
	runID     string
	cache     *Cache
	logger    *slog.Logger
	resources map[string]*ResourceState
	counters  Counters
	noQueue   bool

	pendingSteps     []StepUpdate
	pendingCompletes []ResourceRunComplete
}

// NewTracker creates a tracker for one run. The cache must belong to the same
// run; it supplies resource run ids for the queued durable updates.
func NewTracker(runID string, cache *Cache, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		runID:     runID,
		cache:     cache,
		logger:    logger,
		resources: make(map[string]*ResourceState),
	}
}

// DisableQueueing stops the tracker from queueing durable updates. Used for
// runs without a persistence service, where no flusher would ever drain them.
func (t *Tracker) DisableQueueing() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.noQueue = true
	t.pendingSteps = nil
	t.pendingCompletes = nil
}

// ResourceStart registers a top-level resource observed at the source stage.
// Returns false if the resource id was already registered in this run.
func (t *Tracker) ResourceStart(resourceID, resourceType string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.resources[resourceID]; exists {
		return false
	}

	t.resources[resourceID] = &ResourceState{
		ID:        resourceID,
		Path:      []string{resourceID},
		Type:      resourceType,
		Status:    ResourceProcessing,
		StartedAt: time.Now().UTC(),
	}
	t.counters.InProgress++
	t.cache.GetOrCreate(resourceID, resourceType)
	return true
}

// RegisterChildren registers the children a transform-many stage produced for
// parentID. The parent completes automatically once every child reaches a
// terminal state; with zero children the parent completes immediately.
// Returns the child ids that were already registered in this run (duplicates).
func (t *Tracker) RegisterChildren(parentID string, childIDs []string, resourceType string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	parent, ok := t.resources[parentID]
	if !ok {
		t.logger.Warn("register children for unknown resource", "resource_id", parentID)
		return nil
	}

	var dups []string
	registered := 0
	for _, id := range childIDs {
		if _, exists := t.resources[id]; exists {
			dups = append(dups, id)
			continue
		}
		path := make([]string, 0, len(parent.Path)+1)
		path = append(path, parent.Path...)
		path = append(path, id)
		t.resources[id] = &ResourceState{
			ID:        id,
			Path:      path,
			Type:      resourceType,
			Status:    ResourceProcessing,
			StartedAt: time.Now().UTC(),
			parent:    parentID,
		}
		t.counters.InProgress++
		t.cache.GetOrCreate(id, resourceType)
		registered++
	}

	parent.pendingChildren += registered
	if parent.pendingChildren == 0 && !parent.Status.IsTerminal() {
		t.completeLocked(parent, ResourceCompleted, "", "")
	}
	return dups
}

// StepStart records that a stage began processing a resource.
// path is the resource path; its last element identifies the resource.
func (t *Tracker) StepStart(path []string, step string) {
	if len(path) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	state, ok := t.resources[path[len(path)-1]]
	if !ok {
		return
	}
	now := time.Now().UTC()
	state.Steps = append(state.Steps, StepMetric{
		Name:      step,
		Status:    StepInProgress,
		StartedAt: now,
	})
	t.queueStepLocked(state.ID, StepUpdate{
		StepName:  step,
		Status:    StepInProgress,
		StartedAt: now,
	})
}

// StepComplete records successful completion of a stage for a resource.
func (t *Tracker) StepComplete(path []string, step string, d time.Duration) {
	t.stepEnd(path, step, StepCompleted, d, "")
}

// StepFailed records a failed stage execution for a resource.
func (t *Tracker) StepFailed(path []string, step string, d time.Duration, errMsg string) {
	t.stepEnd(path, step, StepFailed, d, errMsg)
}

func (t *Tracker) stepEnd(path []string, step string, status StepStatus, d time.Duration, errMsg string) {
	if len(path) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	state, ok := t.resources[path[len(path)-1]]
	if !ok {
		return
	}
	now := time.Now().UTC()

	// Update the matching in-progress metric; append if the start was missed.
	updated := false
	for i := len(state.Steps) - 1; i >= 0; i-- {
		if state.Steps[i].Name == step && state.Steps[i].Status == StepInProgress {
			state.Steps[i].Status = status
			state.Steps[i].CompletedAt = &now
			state.Steps[i].DurationMS = d.Milliseconds()
			state.Steps[i].Error = errMsg
			updated = true
			break
		}
	}
	if !updated {
		state.Steps = append(state.Steps, StepMetric{
			Name:        step,
			Status:      status,
			StartedAt:   now.Add(-d),
			CompletedAt: &now,
			DurationMS:  d.Milliseconds(),
			Error:       errMsg,
		})
	}

	t.queueStepLocked(state.ID, StepUpdate{
		StepName:     step,
		Status:       status,
		StartedAt:    now.Add(-d),
		CompletedAt:  &now,
		DurationMS:   d.Milliseconds(),
		ErrorMessage: errMsg,
	})
}

// ResourceComplete records the terminal state of a resource. The first
// terminal state wins; later calls for the same resource are no-ops.
func (t *Tracker) ResourceComplete(resourceID string, status ResourceStatus, errMsg, errStep string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, ok := t.resources[resourceID]
	if !ok || state.Status.IsTerminal() {
		return
	}
	t.completeLocked(state, status, errMsg, errStep)
}

// completeLocked writes the terminal state and cascades to the parent when
// the last pending child finishes. Caller holds t.mu.
func (t *Tracker) completeLocked(state *ResourceState, status ResourceStatus, errMsg, errStep string) {
	now := time.Now().UTC()
	state.Status = status
	state.CompletedAt = &now
	state.Error = errMsg
	state.ErrorStep = errStep

	t.counters.InProgress--
	switch status {
	case ResourceCompleted:
		t.counters.Completed++
	case ResourceFailed:
		t.counters.Failed++
	case ResourceCancelled:
		t.counters.Cancelled++
	}

	if rrID, ok := t.cache.Get(state.ID); ok && !t.noQueue {
		t.pendingCompletes = append(t.pendingCompletes, ResourceRunComplete{
			ResourceRunID: rrID,
			Status:        status,
			CompletedAt:   now,
			ProcessingMS:  now.Sub(state.StartedAt).Milliseconds(),
			ErrorMessage:  errMsg,
			ErrorStep:     errStep,
		})
	}

	if state.parent == "" {
		return
	}
	parent, ok := t.resources[state.parent]
	if !ok || parent.Status.IsTerminal() {
		return
	}
	if status == ResourceFailed {
		parent.childFailed = true
	}
	parent.pendingChildren--
	if parent.pendingChildren > 0 {
		return
	}
	if parent.childFailed {
		t.completeLocked(parent, ResourceFailed, "one or more child resources failed", errStep)
	} else if status == ResourceCancelled {
		t.completeLocked(parent, ResourceCancelled, "", "")
	} else {
		t.completeLocked(parent, ResourceCompleted, "", "")
	}
}

// CancelRemaining marks every non-terminal resource as cancelled. Called when
// the run's cancellation signal fired and the graph has drained.
func (t *Tracker) CancelRemaining() {
	t.mu.Lock()
	ids := make([]string, 0)
	for id, state := range t.resources {
		if !state.Status.IsTerminal() {
			ids = append(ids, id)
		}
	}
	t.mu.Unlock()

	for _, id := range ids {
		t.ResourceComplete(id, ResourceCancelled, "", "")
	}
}

// Counters returns the current aggregate counts.
func (t *Tracker) Counters() Counters {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counters
}

// Total returns the number of resources observed so far.
func (t *Tracker) Total() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.resources)
}

// Snapshot returns a consistent point-in-time copy of tracker state.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := Snapshot{
		RunID:     t.runID,
		Resources: make(map[string]ResourceState, len(t.resources)),
		Counters:  t.counters,
	}
	for id, state := range t.resources {
		copied := *state
		copied.Path = append([]string(nil), state.Path...)
		copied.Steps = append([]StepMetric(nil), state.Steps...)
		snap.Resources[id] = copied
	}
	return snap
}

// queueStepLocked resolves the resource run id and queues a durable step
// update. Caller holds t.mu.
func (t *Tracker) queueStepLocked(resourceID string, update StepUpdate) {
	if t.noQueue {
		return
	}
	rrID, ok := t.cache.Get(resourceID)
	if !ok {
		rrID, _ = t.cache.GetOrCreate(resourceID, "")
	}
	update.ResourceRunID = rrID
	t.pendingSteps = append(t.pendingSteps, update)
}

// DrainStepUpdates removes and returns all pending step updates in arrival order.
func (t *Tracker) DrainStepUpdates() []StepUpdate {
	t.mu.Lock()
	defer t.mu.Unlock()
	steps := t.pendingSteps
	t.pendingSteps = nil
	return steps
}

// RequeueStepUpdates puts updates back at the front of the pending queue.
func (t *Tracker) RequeueStepUpdates(updates []StepUpdate) {
	if len(updates) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pendingSteps = append(updates, t.pendingSteps...)
}

// DrainCompletes removes and returns all pending terminal resource updates.
func (t *Tracker) DrainCompletes() []ResourceRunComplete {
	t.mu.Lock()
	defer t.mu.Unlock()
	completes := t.pendingCompletes
	t.pendingCompletes = nil
	return completes
}

// RequeueCompletes puts terminal updates back at the front of the pending queue.
func (t *Tracker) RequeueCompletes(completes []ResourceRunComplete) {
	if len(completes) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pendingCompletes = append(completes, t.pendingCompletes...)
}
