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
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/tombee/conduit/internal/log"
	"github.com/tombee/conduit/pkg/artifact"
	"github.com/tombee/conduit/pkg/progress"
)

// Config wires an Engine to its collaborators. All fields are optional:
// without a Service runs are tracked in memory only, without an ArtifactStore
// artifact stages are rejected at build time.
type Config struct {
	// Service persists runs, resource runs, and step progress.
	Service progress.Service

	// ArtifactStore receives batched artifact saves.
	ArtifactStore artifact.Store

	// Logger is the root logger. Defaults to a JSON logger on stderr.
	Logger *slog.Logger

	// Flusher tunes the progress persistence drain.
	Flusher progress.FlusherConfig

	// Batcher tunes artifact batching.
	Batcher artifact.BatcherConfig

	// PoolSize bounds concurrent persistence operations. Default: 4.
	PoolSize int
}

// Engine creates run contexts. One engine is typically shared by all
// pipelines in a process.
type Engine struct {
	cfg    Config
	logger *slog.Logger
}

// NewEngine creates an engine from cfg.
func NewEngine(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(log.FromEnv())
	}
	if cfg.PoolSize < 1 {
		cfg.PoolSize = 4
	}
	return &Engine{cfg: cfg, logger: logger}
}

// NewRun creates a run context: it persists the run record (when a service is
// configured), builds the tracker and cache, and starts the background
// flusher and artifact batcher. The returned context carries cancellation
// derived from ctx.
func (e *Engine) NewRun(ctx context.Context, meta RunMetadata) (*RunContext, error) {
	if err := meta.Validate(); err != nil {
		return nil, err
	}
	if meta.RunType == "" {
		meta.RunType = progress.RunTypeFresh
	}

	var run *progress.Run
	if e.cfg.Service != nil {
		created, err := e.cfg.Service.CreateRun(ctx, progress.CreateRunRequest{
			RunID:       meta.RunID,
			Category:    meta.Category,
			Name:        meta.Name,
			RunType:     meta.RunType,
			ParentRunID: meta.ParentRunID,
			Config:      meta.Config,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create run: %w", err)
		}
		run = created
		meta.RunID = created.ID
	} else if meta.RunID == "" {
		meta.RunID = uuid.NewString()
	}

	runCtx, cancel := context.WithCancel(ctx)
	logger := log.WithRunContext(e.logger, meta.RunID)

	cache := progress.NewCache(meta.RunID)
	tracker := progress.NewTracker(meta.RunID, cache, logger)
	if e.cfg.Service == nil {
		// No flusher will run; queued durable updates would only accumulate.
		cache.DisableQueueing()
		tracker.DisableQueueing()
	}

	rc := &RunContext{
		ctx:     runCtx,
		cancel:  cancel,
		meta:    meta,
		run:     run,
		logger:  logger,
		service: e.cfg.Service,
		cache:   cache,
		tracker: tracker,
	}

	if e.cfg.Service != nil {
		pool := progress.NewPool(e.cfg.Service, e.cfg.PoolSize)
		rc.flusher = progress.NewFlusher(meta.RunID, tracker, cache, pool, logger, e.cfg.Flusher)
		rc.flusher.Start()
	}
	if e.cfg.ArtifactStore != nil {
		rc.batcher = artifact.NewBatcher(e.cfg.ArtifactStore, e.cfg.Batcher, logger)
		rc.batcher.Start()
	}

	logger.Info("run started",
		"category", meta.Category,
		"name", meta.Name,
		"run_type", string(meta.RunType),
	)
	return rc, nil
}
