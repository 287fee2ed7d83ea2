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

package artifact

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tombee/conduit/internal/metrics"
)

// ErrBatcherClosed is returned when enqueueing on a finalized batcher.
var ErrBatcherClosed = &BatcherError{message: "artifact batcher is closed"}

// BatcherError represents a batcher-related error.
type BatcherError struct {
	message string
}

func (e *BatcherError) Error() string {
	return e.message
}

// BatcherConfig configures the artifact batcher.
type BatcherConfig struct {
	// BatchSize is the number of requests that triggers a flush. Default: 50.
	BatchSize int

	// FlushInterval flushes a partial batch after this long. Default: 1s.
	FlushInterval time.Duration

	// HighWaterMark is the queue capacity; Enqueue blocks above it.
	// Default: 1000.
	HighWaterMark int
}

// DefaultBatcherConfig returns a BatcherConfig with sensible defaults.
func DefaultBatcherConfig() BatcherConfig {
	return BatcherConfig{
		BatchSize:     50,
		FlushInterval: time.Second,
		HighWaterMark: 1000,
	}
}

// Batcher is the queue-plus-flush worker for artifact saves.
//
// Enqueue is fire-and-forget up to the high-water mark; above it, callers
// block until the drain catches up. A background worker groups requests by
// batch size or flush interval and invokes the store's bulk save. Per-request
// failures are logged and counted but never tear down the pipeline.
type Batcher struct {
	store  Store
	cfg    BatcherConfig
	logger *slog.Logger

	queue chan SaveRequest
	stop  chan struct{}
	done  chan struct{}

	closedMu sync.RWMutex
	closed   bool

	finalizeOnce sync.Once
}

// NewBatcher creates an artifact batcher over the given store.
func NewBatcher(store Store, cfg BatcherConfig, logger *slog.Logger) *Batcher {
	def := DefaultBatcherConfig()
	if cfg.BatchSize < 1 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.HighWaterMark < 1 {
		cfg.HighWaterMark = def.HighWaterMark
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Batcher{
		store:  store,
		cfg:    cfg,
		logger: logger.With("component", "artifact_batcher"),
		queue:  make(chan SaveRequest, cfg.HighWaterMark),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the background flush worker.
func (b *Batcher) Start() {
	go b.run()
}

// Enqueue adds a save request to the queue. It blocks when the queue is at
// the high-water mark and returns ErrBatcherClosed after Finalize.
//
// The read lock is held across the send: Finalize takes the write lock before
// stopping the worker, so a request that passed the closed check is in the
// queue before the final drain runs.
func (b *Batcher) Enqueue(ctx context.Context, req SaveRequest) error {
	b.closedMu.RLock()
	defer b.closedMu.RUnlock()
	if b.closed {
		return ErrBatcherClosed
	}

	select {
	case b.queue <- req:
		metrics.SetBatcherQueueDepth(len(b.queue))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EnqueueWait adds a save request and returns a channel that receives the
// per-request outcome once the storage adapter has returned.
func (b *Batcher) EnqueueWait(ctx context.Context, req SaveRequest) (<-chan SaveResult, error) {
	done := make(chan SaveResult, 1)
	req.done = done
	if err := b.Enqueue(ctx, req); err != nil {
		return nil, err
	}
	return done, nil
}

// Finalize drains the queue, awaits all in-flight flushes, and stops the
// worker. Safe to call more than once; Enqueue fails afterwards.
func (b *Batcher) Finalize(ctx context.Context) error {
	b.finalizeOnce.Do(func() {
		b.closedMu.Lock()
		b.closed = true
		b.closedMu.Unlock()
		close(b.stop)
	})

	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the background worker loop.
func (b *Batcher) run() {
	defer close(b.done)

	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]SaveRequest, 0, b.cfg.BatchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		b.flush(batch)
		batch = batch[:0]
	}

	for {
		select {
		case req := <-b.queue:
			batch = append(batch, req)
			metrics.SetBatcherQueueDepth(len(b.queue))
			if len(batch) >= b.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-b.stop:
			// Drain whatever is still queued, then flush the remainder.
			for {
				select {
				case req := <-b.queue:
					batch = append(batch, req)
					if len(batch) >= b.cfg.BatchSize {
						flush()
					}
					continue
				default:
				}
				break
			}
			flush()
			metrics.SetBatcherQueueDepth(0)
			return
		}
	}
}

// flush invokes the store's bulk save and resolves completion tokens.
func (b *Batcher) flush(batch []SaveRequest) {
	metrics.RecordBatcherFlush()

	results := b.store.SaveBatch(context.Background(), batch)
	for i, req := range batch {
		var result SaveResult
		if i < len(results) {
			result = results[i]
		} else {
			result = SaveResult{Success: false, Error: "no result returned by store"}
		}

		if !result.Success {
			metrics.RecordArtifactSaveFailure(string(req.StorageType))
			b.logger.Warn("artifact save failed",
				"run_id", req.RunID,
				"step_name", req.StepName,
				"artifact", req.Name,
				"error", result.Error,
			)
		}

		if req.done != nil {
			req.done <- result
		}
	}
}
