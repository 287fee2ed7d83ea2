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
	"github.com/tombee/conduit/internal/log"
	"github.com/tombee/conduit/pkg/artifact"
	"github.com/tombee/conduit/pkg/errors"
)

// ArtifactOptions configures an artifact tee on a stage output.
type ArtifactOptions[T any] struct {
	// Name is the artifact name. NameFunc overrides it per item when set.
	Name     string
	NameFunc func(T) string

	// StorageType labels the backend the artifacts are routed to.
	StorageType artifact.StorageType

	// Payload extracts the stored payload from the item. Defaults to the
	// item itself.
	Payload func(T) any

	// Metadata annotates each artifact. Optional.
	Metadata func(T) map[string]string
}

// WithArtifact tees every successful result off to the artifact batcher
// before passing it downstream unchanged. Enqueueing blocks only when the
// batcher queue is at its high-water mark; save failures are logged by the
// batcher and never affect the dataflow.
//
// The artifact is attributed to the stage that produced the result. After a
// batch stage the artifact is attributed to the run as a whole: its save
// request carries no resource run id, so the synthetic batch id never reaches
// the progress store.
func WithArtifact[T any](p *Pipeline, b *Builder[T], opts ArtifactOptions[T]) *Builder[T] {
	rc := p.rc
	if rc.batcher == nil {
		p.setErr(&errors.ValidationError{
			Field:      "artifact_store",
			Message:    "pipeline has no artifact store configured",
			Suggestion: "set Config.ArtifactStore on the engine",
		})
	}
	if opts.Name == "" && opts.NameFunc == nil {
		p.setErr(&errors.ValidationError{
			Field:   "artifact_name",
			Message: "artifact options need a Name or NameFunc",
		})
	}
	stepName := b.stepName
	upstream := b.take()

	next := &Builder[T]{p: p, stepName: stepName}
	next.start = func() <-chan Result[T] {
		in := upstream()
		out := make(chan Result[T], 1)
		go func() {
			defer close(out)
			for {
				select {
				case <-rc.ctx.Done():
					return
				case r, ok := <-in:
					if !ok {
						return
					}
					if !r.Failed() && len(r.Path()) > 0 && rc.batcher != nil {
						enqueueArtifact(p, stepName, r, opts)
					}
					emit(p, out, r)
				}
			}
		}()
		return out
	}
	return next
}

func enqueueArtifact[T any](p *Pipeline, stepName string, r Result[T], opts ArtifactOptions[T]) {
	rc := p.rc

	// Batched results carry a synthetic id; minting a resource run for it
	// would persist a row no sink ever completes. Batch artifacts belong to
	// the run, not to any single resource run.
	var rrID string
	if r.Members() == nil {
		rrID, _ = rc.cache.GetOrCreate(r.ResourceID(), rc.meta.ResourceType)
	}

	name := opts.Name
	if opts.NameFunc != nil {
		name = opts.NameFunc(r.value)
	}
	payload := any(r.value)
	if opts.Payload != nil {
		payload = opts.Payload(r.value)
	}
	var metadata map[string]string
	if opts.Metadata != nil {
		metadata = opts.Metadata(r.value)
	}

	req := artifact.SaveRequest{
		RunID:         rc.RunID(),
		StepName:      stepName,
		Name:          name,
		ResourceRunID: rrID,
		Payload:       payload,
		Metadata:      metadata,
		StorageType:   opts.StorageType,
	}
	if err := rc.batcher.Enqueue(rc.ctx, req); err != nil {
		rc.logger.Warn("artifact enqueue failed",
			log.StepNameKey, stepName,
			log.ResourceIDKey, r.ResourceID(),
			log.Error(err),
		)
	}
}
