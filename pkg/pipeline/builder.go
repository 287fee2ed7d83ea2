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

// Package pipeline implements a typed streaming dataflow engine. Pipelines
// are built as linear chains of stages (source, transform, transform-many,
// batch, sink); each resource flows through the chain in a result envelope
// that survives per-resource failures, and progress is tracked per resource
// and per stage.
//
// Stage chaining uses package functions rather than methods because a method
// cannot introduce a new type parameter:
//
//	rc, _ := engine.NewRun(ctx, pipeline.RunMetadata{Category: "ingest", Name: "orders"})
//	p := pipeline.New(rc)
//	src := pipeline.Source(p, "list", producer, func(o Order) string { return o.ID })
//	valid := pipeline.Transform(p, src, "validate", validateOrder)
//	completion, err := pipeline.Execute(p, valid, "save", saveOrder)
//	summary, err := completion.Wait(ctx)
package pipeline

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/conduit/internal/log"
	"github.com/tombee/conduit/pkg/errors"
)

// Pipeline accumulates the stage graph for one run. Construction is lazy:
// nothing executes until Execute attaches a sink.
//
// Build-time mistakes (duplicate step names, reusing a consumed builder) are
// collected and surfaced once, from Execute.
type Pipeline struct {
	rc        *RunContext
	tracer    trace.Tracer
	dupPolicy DuplicatePolicy

	mu       sync.Mutex
	steps    map[string]struct{}
	buildErr error

	// dupViolation latches when a duplicate id was seen under DuplicateFail,
	// so the run fails even if the duplicated resource already completed.
	dupViolation atomic.Bool
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithDuplicatePolicy sets how duplicate resource ids are handled.
func WithDuplicatePolicy(policy DuplicatePolicy) Option {
	return func(p *Pipeline) {
		p.dupPolicy = policy
	}
}

// New creates an empty pipeline bound to a run context.
func New(rc *RunContext, opts ...Option) *Pipeline {
	p := &Pipeline{
		rc:     rc,
		tracer: otel.Tracer("github.com/tombee/conduit/pkg/pipeline"),
		steps:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// RunContext returns the run context this pipeline is bound to.
func (p *Pipeline) RunContext() *RunContext {
	return p.rc
}

// registerStep records a stage name, flagging duplicates and empty names.
func (p *Pipeline) registerStep(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if name == "" {
		p.setErrLocked(&errors.ValidationError{
			Field:   "step_name",
			Message: "step name cannot be empty",
		})
		return
	}
	if _, exists := p.steps[name]; exists {
		p.setErrLocked(&errors.ValidationError{
			Field:      "step_name",
			Message:    fmt.Sprintf("duplicate step name %q", name),
			Suggestion: "every stage in a pipeline needs a distinct name",
		})
		return
	}
	p.steps[name] = struct{}{}
}

func (p *Pipeline) setErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.setErrLocked(err)
}

// setErrLocked keeps the first build error. Caller holds p.mu.
func (p *Pipeline) setErrLocked(err error) {
	if p.buildErr == nil {
		p.buildErr = err
	}
}

// Err returns the first build error, if any.
func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buildErr
}

// Builder is one end of a partially built pipeline: a typed stream of results
// that the next stage consumes. Each builder feeds exactly one downstream
// stage; consuming it twice is a build error.
type Builder[T any] struct {
	p        *Pipeline
	stepName string
	start    func() <-chan Result[T]
	used     bool
}

// take marks the builder consumed and returns its start function.
func (b *Builder[T]) take() func() <-chan Result[T] {
	b.p.mu.Lock()
	defer b.p.mu.Unlock()
	if b.used {
		b.p.setErrLocked(&errors.ValidationError{
			Field:      "stage",
			Message:    fmt.Sprintf("stage %q already has a downstream consumer", b.stepName),
			Suggestion: "each stage output can feed only one stage",
		})
	}
	b.used = true
	if b.start == nil {
		b.p.setErrLocked(&errors.ValidationError{
			Field:   "stage",
			Message: "stage was not constructed by this pipeline",
		})
		return func() <-chan Result[T] {
			ch := make(chan Result[T])
			close(ch)
			return ch
		}
	}
	return b.start
}

// emit sends r downstream unless the run has been cancelled.
func emit[T any](p *Pipeline, out chan<- Result[T], r Result[T]) {
	select {
	case out <- r:
	case <-p.rc.ctx.Done():
	}
}

// startWorkers runs n copies of work and closes out when all return.
func startWorkers[T any](n int, out chan Result[T], work func()) {
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			work()
		}()
	}
	go func() {
		wg.Wait()
		close(out)
	}()
}

// Source creates the head of a pipeline. The producer is drained from a
// single goroutine; idFn extracts each item's resource id, which registers
// the resource with the tracker. Duplicate ids follow the pipeline's
// duplicate policy, and items with an empty id are dropped with an error log.
func Source[T any](p *Pipeline, name string, producer Producer[T], idFn func(T) string, opts ...StepOptions) *Builder[T] {
	p.registerStep(name)
	cfg := resolveStep(opts)
	rc := p.rc

	b := &Builder[T]{p: p, stepName: name}
	b.start = func() <-chan Result[T] {
		out := make(chan Result[T], cfg.buffer)
		go func() {
			defer close(out)
			ctx := rc.ctx
			for {
				if ctx.Err() != nil {
					return
				}
				v, ok := producer.Next(ctx)
				if !ok {
					return
				}
				id := idFn(v)
				if id == "" {
					rc.logger.Error("source item has empty resource id, dropping", log.StepNameKey, name)
					continue
				}
				if !rc.tracker.ResourceStart(id, rc.meta.ResourceType) {
					if p.dupPolicy == DuplicateSkip {
						rc.logger.Debug("skipping duplicate resource id",
							log.ResourceIDKey, id, log.StepNameKey, name)
						continue
					}
					p.dupViolation.Store(true)
					rc.logger.Warn("duplicate resource id",
						log.ResourceIDKey, id, log.StepNameKey, name)
					emit(p, out, failurePath[T]([]string{id},
						fmt.Sprintf("duplicate resource id %q", id), name, 0))
					continue
				}
				emit(p, out, Success(v, id, 0))
			}
		}()
		return out
	}
	return b
}
