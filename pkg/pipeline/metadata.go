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
	"github.com/tombee/conduit/pkg/errors"
	"github.com/tombee/conduit/pkg/progress"
)

// RunMetadata describes a pipeline run before it starts.
type RunMetadata struct {
	// RunID is optional; one is minted when empty.
	RunID string

	// Category groups related pipelines (for example "ingest" or "billing").
	Category string

	// Name identifies the pipeline within its category.
	Name string

	// RunType is fresh, retry, or continuation. Defaults to fresh.
	RunType progress.RunType

	// ParentRunID links a retry or continuation run to the run it resumes.
	// Required for those run types, forbidden for fresh runs.
	ParentRunID string

	// ResourceType labels the resources this run processes.
	ResourceType string

	// Config is arbitrary run configuration recorded with the run.
	Config map[string]any
}

// Validate checks the metadata for internal consistency.
func (m *RunMetadata) Validate() error {
	if m.Category == "" {
		return &errors.ValidationError{
			Field:      "category",
			Message:    "category is required",
			Suggestion: "set Category to the pipeline group name",
		}
	}
	if m.Name == "" {
		return &errors.ValidationError{
			Field:      "name",
			Message:    "name is required",
			Suggestion: "set Name to the pipeline name",
		}
	}
	switch m.RunType {
	case "", progress.RunTypeFresh:
		if m.ParentRunID != "" {
			return &errors.ValidationError{
				Field:      "parent_run_id",
				Message:    "fresh runs cannot reference a parent run",
				Suggestion: "use RunTypeRetry or RunTypeContinuation to resume a run",
			}
		}
	case progress.RunTypeRetry, progress.RunTypeContinuation:
		if m.ParentRunID == "" {
			return &errors.ValidationError{
				Field:      "parent_run_id",
				Message:    string(m.RunType) + " runs require a parent run id",
				Suggestion: "set ParentRunID to the run being resumed",
			}
		}
	default:
		return &errors.ValidationError{
			Field:   "run_type",
			Message: "unknown run type: " + string(m.RunType),
		}
	}
	return nil
}
