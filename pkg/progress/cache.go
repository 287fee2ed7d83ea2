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

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Cache deduplicates resource run identifiers within one run.
//
// The first access for a resource id mints a fresh resource run id and queues
// a pending insert for the flusher; every later access returns the cached id.
// At most one id exists per (run, resource) for the run's lifetime.
type Cache struct {
	mu      sync.Mutex
	runID   string
	ids     map[string]string
	pending []ResourceRunCreate
	noQueue bool
}

// NewCache creates a resource run cache for the given run.
func NewCache(runID string) *Cache {
	return &Cache{
		runID: runID,
		ids:   make(map[string]string),
	}
}

// RunID returns the run this cache belongs to.
func (c *Cache) RunID() string {
	return c.runID
}

// DisableQueueing stops the cache from queueing pending inserts. Used for
// runs without a persistence service, where no flusher would ever drain them.
func (c *Cache) DisableQueueing() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.noQueue = true
	c.pending = nil
}

// GetOrCreate returns the resource run id for resourceID, minting one and
// queueing its insert on first access. The second return value is true when
// the id was created by this call.
func (c *Cache) GetOrCreate(resourceID, resourceType string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if id, ok := c.ids[resourceID]; ok {
		return id, false
	}

	id := uuid.NewString()
	c.ids[resourceID] = id
	if !c.noQueue {
		c.pending = append(c.pending, ResourceRunCreate{
			ResourceRunID: id,
			ResourceID:    resourceID,
			ResourceType:  resourceType,
			StartedAt:     time.Now().UTC(),
		})
	}
	return id, true
}

// Get returns the resource run id for resourceID if one exists.
func (c *Cache) Get(resourceID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.ids[resourceID]
	return id, ok
}

// DrainCreates removes and returns all pending resource run inserts.
func (c *Cache) DrainCreates() []ResourceRunCreate {
	c.mu.Lock()
	defer c.mu.Unlock()
	creates := c.pending
	c.pending = nil
	return creates
}

// RequeueCreates puts failed inserts back at the front of the pending queue
// so the next flush retries them before newer ones.
func (c *Cache) RequeueCreates(creates []ResourceRunCreate) {
	if len(creates) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = append(creates, c.pending...)
}
