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
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/conduit/internal/log"
)

// Transform appends a one-to-one stage. fn runs once per successful result;
// failed results pass through unchanged. An error return converts the result
// into a failure attributed to this stage.
func Transform[T, U any](p *Pipeline, b *Builder[T], name string, fn func(context.Context, T) (U, error), opts ...StepOptions) *Builder[U] {
	p.registerStep(name)
	cfg := resolveStep(opts)
	upstream := b.take()
	rc := p.rc

	next := &Builder[U]{p: p, stepName: name}
	next.start = func() <-chan Result[U] {
		in := upstream()
		out := make(chan Result[U], cfg.buffer)
		work := func() {
			for {
				select {
				case <-rc.ctx.Done():
					return
				case r, ok := <-in:
					if !ok {
						return
					}
					if r.Failed() {
						emit(p, out, failureFrom[U](r))
						continue
					}
					emit(p, out, applyTransform(p, name, cfg, r, fn))
				}
			}
		}
		startWorkers(cfg.parallelism, out, work)
		return out
	}
	return next
}

// applyTransform runs fn for one successful result, recording step progress
// and a trace span.
func applyTransform[T, U any](p *Pipeline, name string, cfg stepConfig, r Result[T], fn func(context.Context, T) (U, error)) Result[U] {
	rc := p.rc
	track := cfg.track
	if track {
		rc.tracker.StepStart(r.path, name)
	}

	ctx, span := p.tracer.Start(rc.ctx, name,
		trace.WithAttributes(
			attribute.String("step_name", name),
			attribute.String("resource_id", r.ResourceID()),
		))
	start := time.Now()
	v, err := fn(ctx, r.value)
	d := time.Since(start)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		if track {
			rc.tracker.StepFailed(r.path, name, d, err.Error())
		}
		rc.logger.Warn("step failed",
			log.StepNameKey, name,
			log.ResourceIDKey, r.ResourceID(),
			log.Error(err),
			log.Duration(d.Milliseconds()),
		)
		return failurePath[U](r.path, err.Error(), name, d)
	}
	span.End()
	if track {
		rc.tracker.StepComplete(r.path, name, d)
	}
	out := successPath(v, r.path, d)
	out.members = r.members
	return out
}

// TransformMany appends a one-to-many stage: each successful input expands
// into zero or more child resources, each with its own resource id supplied
// by idFn. Children are registered under the parent; the parent completes
// automatically once all of its children reach a terminal state, and
// immediately when fn returns none. Failed inputs pass through unchanged.
func TransformMany[T, U any](p *Pipeline, b *Builder[T], name string, fn func(context.Context, T) ([]U, error), idFn func(U) string, opts ...StepOptions) *Builder[U] {
	p.registerStep(name)
	cfg := resolveStep(opts)
	upstream := b.take()
	rc := p.rc

	next := &Builder[U]{p: p, stepName: name}
	next.start = func() <-chan Result[U] {
		in := upstream()
		out := make(chan Result[U], cfg.buffer)
		work := func() {
			for {
				select {
				case <-rc.ctx.Done():
					return
				case r, ok := <-in:
					if !ok {
						return
					}
					if r.Failed() {
						emit(p, out, failureFrom[U](r))
						continue
					}
					expand(p, name, cfg, r, fn, idFn, out)
				}
			}
		}
		startWorkers(cfg.parallelism, out, work)
		return out
	}
	return next
}

// expand runs a transform-many function for one parent result and emits its
// children.
func expand[T, U any](p *Pipeline, name string, cfg stepConfig, r Result[T], fn func(context.Context, T) ([]U, error), idFn func(U) string, out chan Result[U]) {
	rc := p.rc
	track := cfg.track
	if track {
		rc.tracker.StepStart(r.path, name)
	}

	ctx, span := p.tracer.Start(rc.ctx, name,
		trace.WithAttributes(
			attribute.String("step_name", name),
			attribute.String("resource_id", r.ResourceID()),
		))
	start := time.Now()
	children, err := fn(ctx, r.value)
	d := time.Since(start)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		if track {
			rc.tracker.StepFailed(r.path, name, d, err.Error())
		}
		emit(p, out, failurePath[U](r.path, err.Error(), name, d))
		return
	}
	span.SetAttributes(attribute.Int("children", len(children)))
	span.End()
	if track {
		rc.tracker.StepComplete(r.path, name, d)
	}

	ids := make([]string, len(children))
	registerIDs := make([]string, 0, len(children))
	for i, c := range children {
		ids[i] = idFn(c)
		if ids[i] == "" {
			rc.logger.Error("child resource has empty id, dropping",
				log.StepNameKey, name, log.ResourceIDKey, r.ResourceID())
			continue
		}
		registerIDs = append(registerIDs, ids[i])
	}
	dups := rc.tracker.RegisterChildren(r.ResourceID(), registerIDs, rc.meta.ResourceType)
	dupCount := make(map[string]int, len(dups))
	for _, id := range dups {
		dupCount[id]++
	}

	for i, c := range children {
		id := ids[i]
		if id == "" {
			continue
		}
		childPath := make([]string, 0, len(r.path)+1)
		childPath = append(childPath, r.path...)
		childPath = append(childPath, id)
		if dupCount[id] > 0 {
			dupCount[id]--
			if p.dupPolicy == DuplicateSkip {
				rc.logger.Debug("skipping duplicate child resource id",
					log.ResourceIDKey, id, log.StepNameKey, name)
				continue
			}
			p.dupViolation.Store(true)
			rc.logger.Warn("duplicate child resource id",
				log.ResourceIDKey, id, log.StepNameKey, name)
			emit(p, out, failurePath[U](childPath,
				fmt.Sprintf("duplicate resource id %q", id), name, 0))
			continue
		}
		emit(p, out, successPath(c, childPath, 0))
	}
}
