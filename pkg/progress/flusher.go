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
	"log/slog"
	"sync"
	"time"

	"github.com/tombee/conduit/internal/metrics"
	"github.com/tombee/conduit/pkg/errors"
)

// FlusherConfig configures the periodic persistence drain.
type FlusherConfig struct {
	// Interval between flush ticks. Default: 500ms.
	Interval time.Duration

	// MaxConcurrent bounds concurrent bulk operations (lease pool size).
	// Default: 4.
	MaxConcurrent int
}

// DefaultFlusherConfig returns a FlusherConfig with sensible defaults.
func DefaultFlusherConfig() FlusherConfig {
	return FlusherConfig{
		Interval:      500 * time.Millisecond,
		MaxConcurrent: 4,
	}
}

// Flusher periodically drains tracker and cache queues into the persistence
// service. Updates flush in causal order: resource run creates first, then
// step progress, then terminal resource updates. Step updates the service
// defers (resource run row not yet visible) are retried on the next tick.
//
// Persistence errors never propagate into the dataflow: failed batches are
// logged, counted, and requeued.
type Flusher struct {
	runID   string
	tracker *Tracker
	cache   *Cache
	pool    *Pool
	logger  *slog.Logger

	interval time.Duration
	deferred []StepUpdate

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewFlusher creates a flusher for one run.
func NewFlusher(runID string, tracker *Tracker, cache *Cache, pool *Pool, logger *slog.Logger, cfg FlusherConfig) *Flusher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultFlusherConfig().Interval
	}
	return &Flusher{
		runID:    runID,
		tracker:  tracker,
		cache:    cache,
		pool:     pool,
		logger:   logger.With("component", "flusher", "run_id", runID),
		interval: cfg.Interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the background flush loop.
func (f *Flusher) Start() {
	go func() {
		defer close(f.done)
		ticker := time.NewTicker(f.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				f.flushOnce(context.Background())
			case <-f.stop:
				return
			}
		}
	}()
}

// flushOnce drains whatever is pending right now. Returns true when nothing
// remained pending after the pass.
func (f *Flusher) flushOnce(ctx context.Context) bool {
	svc, release, err := f.pool.Lease(ctx)
	if err != nil {
		return false
	}
	defer release()

	clean := true

	if creates := f.cache.DrainCreates(); len(creates) > 0 {
		if err := svc.CreateResourceRuns(ctx, f.runID, creates); err != nil {
			f.logger.Warn("resource run batch failed", "error", err, "count", len(creates))
			metrics.RecordPersistenceError("CreateResourceRuns")
			f.cache.RequeueCreates(creates)
			clean = false
		}
	}

	steps := append(f.deferred, f.tracker.DrainStepUpdates()...)
	f.deferred = nil
	if len(steps) > 0 {
		deferred, err := svc.UpdateStepProgress(ctx, f.runID, steps)
		if err != nil {
			f.logger.Warn("step progress batch failed", "error", err, "count", len(steps))
			metrics.RecordPersistenceError("UpdateStepProgress")
			f.deferred = steps
			clean = false
		} else if len(deferred) > 0 {
			metrics.RecordDeferredStepUpdates(len(deferred))
			f.deferred = deferred
			clean = false
		}
	}

	if completes := f.tracker.DrainCompletes(); len(completes) > 0 {
		deferred, err := svc.CompleteResourceRuns(ctx, f.runID, completes)
		if err != nil {
			f.logger.Warn("resource completion batch failed", "error", err, "count", len(completes))
			metrics.RecordPersistenceError("CompleteResourceRuns")
			f.tracker.RequeueCompletes(completes)
			clean = false
		} else if len(deferred) > 0 {
			// The matching create batch has not landed yet; retry next tick.
			f.tracker.RequeueCompletes(deferred)
			clean = false
		}
	}

	return clean
}

// finalizeAttempts bounds the drain loop when the service keeps failing.
const finalizeAttempts = 10

// Finalize stops the flush loop and drains every remaining update, retrying
// deferred ones, before returning. Safe to call more than once.
func (f *Flusher) Finalize(ctx context.Context) error {
	f.stopOnce.Do(func() { close(f.stop) })
	<-f.done

	for attempt := 0; attempt < finalizeAttempts; attempt++ {
		if f.flushOnce(ctx) && f.pendingEmpty() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(f.interval / 2):
		}
	}
	f.logger.Error("finalize gave up with pending updates", "deferred", len(f.deferred))
	return &errors.StorageError{Op: "Finalize", Message: "pending progress updates could not be drained"}
}

func (f *Flusher) pendingEmpty() bool {
	if len(f.deferred) > 0 {
		return false
	}
	creates := f.cache.DrainCreates()
	f.cache.RequeueCreates(creates)
	steps := f.tracker.DrainStepUpdates()
	f.tracker.RequeueStepUpdates(steps)
	completes := f.tracker.DrainCompletes()
	f.tracker.RequeueCompletes(completes)
	return len(creates) == 0 && len(steps) == 0 && len(completes) == 0
}
