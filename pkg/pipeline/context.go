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

package pipeline

import (
	"context"
	"log/slog"

	"github.com/tombee/conduit/pkg/artifact"
	"github.com/tombee/conduit/pkg/errors"
	"github.com/tombee/conduit/pkg/progress"
)

// RunContext bundles everything one run needs: identity, cancellation,
// progress tracking, and the background persistence workers. Pipelines built
// against the same RunContext share its tracker and flusher, so a run can
// span several staged graphs.
type RunContext struct {
	ctx    context.Context
	cancel context.CancelFunc

	meta RunMetadata
	run  *progress.Run

	logger  *slog.Logger
	service progress.Service
	cache   *progress.Cache
	tracker *progress.Tracker
	flusher *progress.Flusher
	batcher *artifact.Batcher
}

// RunID returns the identifier of this run.
func (rc *RunContext) RunID() string {
	if rc.run != nil {
		return rc.run.ID
	}
	return rc.meta.RunID
}

// Context returns the run's cancellation context. Stage functions receive
// contexts derived from it.
func (rc *RunContext) Context() context.Context {
	return rc.ctx
}

// Cancel signals cancellation to every stage of the run. In-flight stage
// functions finish; resources that have not reached a terminal state are
// marked cancelled when the run completes.
func (rc *RunContext) Cancel() {
	rc.cancel()
}

// Metadata returns the run's metadata.
func (rc *RunContext) Metadata() RunMetadata {
	return rc.meta
}

// Run returns the persisted run record, nil when the run is not persisted.
func (rc *RunContext) Run() *progress.Run {
	return rc.run
}

// Tracker returns the run's in-memory progress tracker.
func (rc *RunContext) Tracker() *progress.Tracker {
	return rc.tracker
}

// Snapshot returns a point-in-time view of run progress.
func (rc *RunContext) Snapshot() progress.Snapshot {
	return rc.tracker.Snapshot()
}

// IncompleteResourceIDs returns the resource ids the parent run left
// unfinished. Only valid for retry and continuation runs with a persistence
// service configured.
func (rc *RunContext) IncompleteResourceIDs(ctx context.Context) ([]string, error) {
	if rc.service == nil {
		return nil, &errors.ValidationError{
			Field:      "service",
			Message:    "no persistence service configured",
			Suggestion: "configure a progress service to resume runs",
		}
	}
	if rc.meta.ParentRunID == "" {
		return nil, &errors.ValidationError{
			Field:      "parent_run_id",
			Message:    "run has no parent to resume from",
			Suggestion: "use RunTypeRetry or RunTypeContinuation with a parent run id",
		}
	}
	return rc.service.IncompleteResourceIDs(ctx, rc.meta.ParentRunID)
}
