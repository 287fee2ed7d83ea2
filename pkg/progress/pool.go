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

package progress

import "context"

// Pool bounds the number of concurrent bulk operations against the
// persistence service, independent of stage parallelism. A handle is leased
// for the duration of one bulk call and returned on completion.
type Pool struct {
	handles chan Service
}

// NewPool creates a pool of size persistence handles over svc.
// size values below 1 are treated as 1.
func NewPool(svc Service, size int) *Pool {
	if size < 1 {
		size = 1
	}
	handles := make(chan Service, size)
	for i := 0; i < size; i++ {
		handles <- svc
	}
	return &Pool{handles: handles}
}

// Lease blocks until a handle is available or ctx is done. The returned
// release function must be called exactly once, on success or failure.
func (p *Pool) Lease(ctx context.Context) (Service, func(), error) {
	select {
	case svc := <-p.handles:
		return svc, func() { p.handles <- svc }, nil
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}
