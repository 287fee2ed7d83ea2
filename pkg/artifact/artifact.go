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

// Package artifact provides the artifact side-channel of the conduit engine:
// a batched, fire-and-forget queue that fans stage output off to a storage
// backend without coupling storage latency to pipeline throughput.
package artifact

import (
	"context"
	"path"
)

// StorageType identifies the backend an artifact is written to.
type StorageType string

// Storage types
const (
	StorageObject     StorageType = "object_store"
	StorageRelational StorageType = "relational"
	StorageFilesystem StorageType = "filesystem"
	StorageMemory     StorageType = "memory"
)

// SaveRequest describes one artifact to persist.
type SaveRequest struct {
	// RunID and StepName locate the artifact under {run-id}/{step-name}/{name}.
	RunID    string
	StepName string

	// Name is the artifact name, unique per (resource run, step).
	Name string

	// ResourceRunID ties the artifact to its resource run.
	ResourceRunID string

	// Payload is the artifact content; stores serialize it as JSON unless
	// ContentType says otherwise.
	Payload any

	// ContentType overrides the stored content type. Default: application/json.
	ContentType string

	// Metadata is optional key-value annotation stored alongside the payload.
	Metadata map[string]string

	// StorageType records which backend the request was routed to.
	StorageType StorageType

	// done receives the save result when the caller asked for confirmation.
	done chan SaveResult
}

// Key returns the storage key for the request: {run-id}/{step-name}/{name}.
func (r SaveRequest) Key() string {
	return path.Join(r.RunID, r.StepName, r.Name)
}

// SaveResult is the per-request outcome of a bulk save.
type SaveResult struct {
	Success     bool
	StoragePath string
	Error       string
}

// Store is a storage backend for artifacts. SaveBatch returns one result per
// request, in request order. Identical keys overwrite prior writes.
type Store interface {
	SaveBatch(ctx context.Context, requests []SaveRequest) []SaveResult
}
