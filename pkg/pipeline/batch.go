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
	"fmt"
	"time"

	"github.com/tombee/conduit/pkg/errors"
)

// Batch appends a stage that groups successful results into slices of up to
// size elements. A partial batch flushes when the optional timeout elapses
// and on upstream close. Batched results carry a synthetic resource id
// ("batch-1", "batch-2", ...) plus the paths of their members, so a
// downstream sink can complete each member resource. Failed results bypass
// batching and pass through individually.
//
// Batching is inherently serial, so this stage always runs one worker.
func Batch[T any](p *Pipeline, b *Builder[T], size int, opts ...BatchOptions) *Builder[[]T] {
	if size < 1 {
		p.setErr(&errors.ValidationError{
			Field:      "batch_size",
			Message:    fmt.Sprintf("batch size must be positive, got %d", size),
			Suggestion: "use a batch size of at least 1",
		})
		size = 1
	}
	var opt BatchOptions
	if len(opts) > 0 {
		opt = opts[0]
	}
	buffer := opt.BufferSize
	if buffer < 1 {
		buffer = 1
	}
	upstream := b.take()
	rc := p.rc

	next := &Builder[[]T]{p: p, stepName: b.stepName}
	next.start = func() <-chan Result[[]T] {
		in := upstream()
		out := make(chan Result[[]T], buffer)
		go func() {
			defer close(out)

			var (
				buf     []T
				members [][]string
				seq     int
				timer   *time.Timer
				timerC  <-chan time.Time
			)
			stopTimer := func() {
				if timer != nil {
					timer.Stop()
					timer = nil
					timerC = nil
				}
			}
			flush := func() {
				stopTimer()
				if len(buf) == 0 {
					return
				}
				seq++
				r := successPath(buf, []string{fmt.Sprintf("batch-%d", seq)}, 0)
				r.members = members
				emit(p, out, r)
				buf = nil
				members = nil
			}

			for {
				select {
				case <-rc.ctx.Done():
					stopTimer()
					return
				case r, ok := <-in:
					if !ok {
						flush()
						return
					}
					if r.Failed() {
						emit(p, out, failureFrom[[]T](r))
						continue
					}
					buf = append(buf, r.value)
					members = append(members, r.path)
					if len(buf) >= size {
						flush()
					} else if opt.FlushTimeout > 0 && timer == nil {
						timer = time.NewTimer(opt.FlushTimeout)
						timerC = timer.C
					}
				case <-timerC:
					timer = nil
					timerC = nil
					flush()
				}
			}
		}()
		return out
	}
	return next
}
