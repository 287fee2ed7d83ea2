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
	stderrors "errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/conduit/internal/log"
	"github.com/tombee/conduit/pkg/progress"
)

// RunSummary is the final accounting of a run.
type RunSummary struct {
	RunID     string
	Status    progress.RunStatus
	Total     int
	Completed int
	Failed    int
	Cancelled int
	Duration  time.Duration
}

// Completion represents a running pipeline. Wait blocks until the graph has
// drained, then finalizes persistence and returns the summary.
type Completion struct {
	p       *Pipeline
	started time.Time
	done    chan struct{}

	finishOnce sync.Once
	summary    *RunSummary
	finishErr  error
}

// Execute attaches the sink stage and starts the pipeline. The sink is the
// terminal stage: a successful sink call completes the resource, a failed one
// fails it. Build errors collected while chaining stages are returned here.
func Execute[T any](p *Pipeline, b *Builder[T], name string, sink func(context.Context, T) error, opts ...StepOptions) (*Completion, error) {
	p.registerStep(name)
	cfg := resolveStep(opts)
	upstream := b.take()
	if err := p.Err(); err != nil {
		return nil, err
	}

	c := &Completion{
		p:       p,
		started: time.Now(),
		done:    make(chan struct{}),
	}

	in := upstream()
	rc := p.rc
	var wg sync.WaitGroup
	for i := 0; i < cfg.parallelism; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-rc.ctx.Done():
					return
				case r, ok := <-in:
					if !ok {
						return
					}
					consume(p, name, cfg, r, sink)
				}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(c.done)
	}()
	return c, nil
}

// consume runs the sink for one result and records terminal resource states.
func consume[T any](p *Pipeline, name string, cfg stepConfig, r Result[T], sink func(context.Context, T) error) {
	rc := p.rc

	if r.Failed() {
		for _, path := range r.terminalPaths() {
			rc.tracker.ResourceComplete(path[len(path)-1], progress.ResourceFailed, r.Err(), r.ErrStep())
		}
		return
	}

	track := cfg.track
	if track {
		rc.tracker.StepStart(r.Path(), name)
	}

	ctx, span := p.tracer.Start(rc.ctx, name,
		trace.WithAttributes(
			attribute.String("step_name", name),
			attribute.String("resource_id", r.ResourceID()),
		))
	start := time.Now()
	err := sink(ctx, r.Value())
	d := time.Since(start)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		if track {
			rc.tracker.StepFailed(r.Path(), name, d, err.Error())
		}
		rc.logger.Warn("sink failed",
			log.StepNameKey, name,
			log.ResourceIDKey, r.ResourceID(),
			log.Error(err),
			log.Duration(d.Milliseconds()),
		)
		for _, path := range r.terminalPaths() {
			rc.tracker.ResourceComplete(path[len(path)-1], progress.ResourceFailed, err.Error(), name)
		}
		return
	}
	span.End()
	if track {
		rc.tracker.StepComplete(r.Path(), name, d)
	}
	for _, path := range r.terminalPaths() {
		rc.tracker.ResourceComplete(path[len(path)-1], progress.ResourceCompleted, "", "")
	}
}

// Wait blocks until the pipeline has drained, finalizes the flusher and the
// artifact batcher, writes the terminal run status, and returns the run
// summary. It is safe to call more than once; the first call does the
// finalization. A non-nil error reports finalization trouble, not resource
// failures; those are in the summary.
func (c *Completion) Wait(ctx context.Context) (*RunSummary, error) {
	select {
	case <-c.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	c.finishOnce.Do(func() {
		c.summary, c.finishErr = c.finish(ctx)
	})
	return c.summary, c.finishErr
}

func (c *Completion) finish(ctx context.Context) (*RunSummary, error) {
	rc := c.p.rc
	cancelled := rc.ctx.Err() != nil
	if cancelled {
		rc.tracker.CancelRemaining()
	}

	var errs []error
	if rc.flusher != nil {
		if err := rc.flusher.Finalize(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if rc.batcher != nil {
		if err := rc.batcher.Finalize(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	counters := rc.tracker.Counters()
	status := progress.RunCompleted
	switch {
	case cancelled:
		status = progress.RunCancelled
	case counters.Failed > 0, c.p.dupViolation.Load():
		status = progress.RunFailed
	}

	if rc.service != nil {
		if err := rc.service.CompleteRun(ctx, rc.RunID(), status); err != nil {
			errs = append(errs, err)
		}
	}
	rc.cancel()

	summary := &RunSummary{
		RunID:     rc.RunID(),
		Status:    status,
		Total:     rc.tracker.Total(),
		Completed: counters.Completed,
		Failed:    counters.Failed,
		Cancelled: counters.Cancelled,
		Duration:  time.Since(c.started),
	}
	rc.logger.Info("run finished",
		"status", string(status),
		"total", summary.Total,
		"completed", summary.Completed,
		"failed", summary.Failed,
		"cancelled", summary.Cancelled,
		log.Duration(summary.Duration.Milliseconds()),
	)
	return summary, stderrors.Join(errs...)
}
