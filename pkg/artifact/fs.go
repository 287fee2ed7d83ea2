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
	"os"
	"path/filepath"
)

// FilesystemStore writes artifacts as JSON files under a root directory,
// laid out as {root}/{run-id}/{step-name}/{artifact-name}.json. Writes to the
// same key overwrite the existing file.
type FilesystemStore struct {
	root string
}

// NewFilesystemStore creates a filesystem artifact store rooted at dir.
func NewFilesystemStore(dir string) (*FilesystemStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact root: %w", err)
	}
	return &FilesystemStore{root: dir}, nil
}

// SaveBatch writes each request to its file. One result per request.
func (s *FilesystemStore) SaveBatch(ctx context.Context, requests []SaveRequest) []SaveResult {
	results := make([]SaveResult, len(requests))

	for i, req := range requests {
		path := filepath.Join(s.root, req.RunID, req.StepName, req.Name+".json")

		payload, err := json.Marshal(req.Payload)
		if err != nil {
			results[i] = SaveResult{Success: false, Error: fmt.Sprintf("marshal payload: %v", err)}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			results[i] = SaveResult{Success: false, Error: fmt.Sprintf("create directory: %v", err)}
			continue
		}
		if err := os.WriteFile(path, payload, 0o644); err != nil {
			results[i] = SaveResult{Success: false, Error: fmt.Sprintf("write file: %v", err)}
			continue
		}
		results[i] = SaveResult{Success: true, StoragePath: path}
	}
	return results
}
