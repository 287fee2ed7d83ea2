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

import "context"

// Producer supplies the items a source stage feeds into the pipeline.
// Next returns false when the producer is exhausted or ctx is cancelled.
// Next is called from a single goroutine.
type Producer[T any] interface {
	Next(ctx context.Context) (T, bool)
}

// SliceProducer yields the elements of a slice in order.
type SliceProducer[T any] struct {
	items []T
	idx   int
}

// NewSliceProducer creates a producer over items.
func NewSliceProducer[T any](items []T) *SliceProducer[T] {
	return &SliceProducer[T]{items: items}
}

// Next implements Producer.
func (p *SliceProducer[T]) Next(ctx context.Context) (T, bool) {
	if p.idx >= len(p.items) || ctx.Err() != nil {
		var zero T
		return zero, false
	}
	v := p.items[p.idx]
	p.idx++
	return v, true
}

// ChannelProducer yields items received from a channel until it closes.
type ChannelProducer[T any] struct {
	ch <-chan T
}

// NewChannelProducer creates a producer over ch.
func NewChannelProducer[T any](ch <-chan T) *ChannelProducer[T] {
	return &ChannelProducer[T]{ch: ch}
}

// Next implements Producer.
func (p *ChannelProducer[T]) Next(ctx context.Context) (T, bool) {
	select {
	case v, ok := <-p.ch:
		if !ok {
			var zero T
			return zero, false
		}
		return v, true
	case <-ctx.Done():
		var zero T
		return zero, false
	}
}

// FuncProducer adapts a function to the Producer interface.
type FuncProducer[T any] func(ctx context.Context) (T, bool)

// Next implements Producer.
func (f FuncProducer[T]) Next(ctx context.Context) (T, bool) {
	return f(ctx)
}
