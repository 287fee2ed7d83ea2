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

import "time"

// StepOptions tunes one stage of a pipeline.
type StepOptions struct {
	// MaxParallelism is the number of workers running the stage function
	// concurrently. Default: 1.
	MaxParallelism int

	// BufferSize is the capacity of the stage's output channel. Default: 1.
	BufferSize int

	// TrackProgress controls whether the stage records step progress for each
	// resource. Nil means true.
	TrackProgress *bool
}

// Bool returns a pointer to b, for use in option structs.
func Bool(b bool) *bool {
	return &b
}

// stepConfig is StepOptions with defaults applied.
type stepConfig struct {
	parallelism int
	buffer      int
	track       bool
}

func resolveStep(opts []StepOptions) stepConfig {
	cfg := stepConfig{parallelism: 1, buffer: 1, track: true}
	if len(opts) == 0 {
		return cfg
	}
	opt := opts[0]
	if opt.MaxParallelism > 0 {
		cfg.parallelism = opt.MaxParallelism
	}
	if opt.BufferSize > 0 {
		cfg.buffer = opt.BufferSize
	}
	if opt.TrackProgress != nil {
		cfg.track = *opt.TrackProgress
	}
	return cfg
}

// BatchOptions tunes a batch stage.
type BatchOptions struct {
	// FlushTimeout emits a partial batch after this long without reaching the
	// batch size. Zero disables timeout flushes.
	FlushTimeout time.Duration

	// BufferSize is the capacity of the stage's output channel. Default: 1.
	BufferSize int
}

// DuplicatePolicy controls what happens when a resource id appears more than
// once in a run, either from the source or from a transform-many stage.
type DuplicatePolicy int

const (
	// DuplicateFail marks the duplicated resource id as failed. Default.
	DuplicateFail DuplicatePolicy = iota

	// DuplicateSkip drops duplicate occurrences silently.
	DuplicateSkip
)
