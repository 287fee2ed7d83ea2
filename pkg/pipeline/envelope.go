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

// Result is the envelope carried between stages. It holds either a typed
// payload or an error description, and always carries the resource identity,
// so partial failures flow through the graph without tearing it down.
type Result[T any] struct {
	value    T
	path     []string
	members  [][]string
	failed   bool
	errMsg   string
	errStep  string
	duration time.Duration
}

// Success creates a successful result for a top-level resource.
func Success[T any](value T, resourceID string, duration time.Duration) Result[T] {
	return Result[T]{
		value:    value,
		path:     []string{resourceID},
		duration: duration,
	}
}

// Failure creates a failed result. errStep names the stage that failed.
func Failure[T any](resourceID string, err error, errStep string, duration time.Duration) Result[T] {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return Result[T]{
		path:     []string{resourceID},
		failed:   true,
		errMsg:   msg,
		errStep:  errStep,
		duration: duration,
	}
}

// successPath creates a successful result with an explicit resource path.
func successPath[T any](value T, path []string, duration time.Duration) Result[T] {
	return Result[T]{value: value, path: path, duration: duration}
}

// failurePath creates a failed result with an explicit resource path.
func failurePath[T any](path []string, errMsg, errStep string, duration time.Duration) Result[T] {
	return Result[T]{
		path:     path,
		failed:   true,
		errMsg:   errMsg,
		errStep:  errStep,
		duration: duration,
	}
}

// failureFrom re-casts a failed result to a new payload type, preserving the
// resource identity, error, and timing.
func failureFrom[U any, T any](r Result[T]) Result[U] {
	return Result[U]{
		path:     r.path,
		failed:   true,
		errMsg:   r.errMsg,
		errStep:  r.errStep,
		duration: r.duration,
	}
}

// Value returns the payload. Zero for failed results.
func (r Result[T]) Value() T {
	return r.value
}

// ResourceID returns the identity of the resource this result belongs to:
// the last element of the resource path.
func (r Result[T]) ResourceID() string {
	if len(r.path) == 0 {
		return ""
	}
	return r.path[len(r.path)-1]
}

// Path returns the resource path. The head is the top-level resource id;
// successors are children produced by transform-many stages.
func (r Result[T]) Path() []string {
	return r.path
}

// Members returns the constituent resource paths of a batched result, nil
// otherwise.
func (r Result[T]) Members() [][]string {
	return r.members
}

// Failed reports whether the result carries an error instead of a payload.
func (r Result[T]) Failed() bool {
	return r.failed
}

// Err returns the error message of a failed result.
func (r Result[T]) Err() string {
	return r.errMsg
}

// ErrStep returns the name of the stage that produced the failure.
func (r Result[T]) ErrStep() string {
	return r.errStep
}

// Duration returns how long the producing stage spent on this resource.
func (r Result[T]) Duration() time.Duration {
	return r.duration
}

// terminalPaths returns the resource paths this result is terminal for at the
// sink: the batch members for a batched result, otherwise its own path.
func (r Result[T]) terminalPaths() [][]string {
	if r.members != nil {
		return r.members
	}
	if len(r.path) == 0 {
		return nil
	}
	return [][]string{r.path}
}

// MapResult applies fn to a successful result, producing a new success or a
// failure attributed to errStep. Failed results propagate unchanged with the
// payload type re-cast.
func MapResult[T, U any](r Result[T], fn func(T) (U, error), errStep string) Result[U] {
	if r.failed {
		return failureFrom[U](r)
	}
	v, err := fn(r.value)
	if err != nil {
		return failurePath[U](r.path, err.Error(), errStep, r.duration)
	}
	out := successPath(v, r.path, r.duration)
	out.members = r.members
	return out
}
