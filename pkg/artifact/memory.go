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

package artifact

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Entry is one stored artifact in the in-memory store.
type Entry struct {
	Payload     []byte
	ContentType string
	Metadata    map[string]string
}

// MemoryStore is an in-memory artifact store. It is thread-safe and intended
// for tests and runs that do not need durable artifacts. Identical keys
// overwrite prior entries.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemoryStore creates a new in-memory artifact store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]Entry),
	}
}

// SaveBatch stores each request under its key. One result per request.
func (s *MemoryStore) SaveBatch(ctx context.Context, requests []SaveRequest) []SaveResult {
	results := make([]SaveResult, len(requests))

	s.mu.Lock()
	defer s.mu.Unlock()

	for i, req := range requests {
		payload, err := json.Marshal(req.Payload)
		if err != nil {
			results[i] = SaveResult{Success: false, Error: fmt.Sprintf("marshal payload: %v", err)}
			continue
		}
		contentType := req.ContentType
		if contentType == "" {
			contentType = "application/json"
		}
		s.entries[req.Key()] = Entry{
			Payload:     payload,
			ContentType: contentType,
			Metadata:    req.Metadata,
		}
		results[i] = SaveResult{Success: true, StoragePath: req.Key()}
	}
	return results
}

// Get returns the entry stored under key.
func (s *MemoryStore) Get(key string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[key]
	return entry, ok
}

// Len returns the number of stored artifacts.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Keys returns all stored keys.
func (s *MemoryStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	return keys
}
