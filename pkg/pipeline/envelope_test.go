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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestResultAccessors(t *testing.T) {
	ok := Success(42, "r1", 5*time.Millisecond)
	assert.False(t, ok.Failed())
	assert.Equal(t, 42, ok.Value())
	assert.Equal(t, "r1", ok.ResourceID())
	assert.Equal(t, []string{"r1"}, ok.Path())
	assert.Equal(t, 5*time.Millisecond, ok.Duration())

	bad := Failure[int]("r2", fmt.Errorf("boom"), "validate", time.Millisecond)
	assert.True(t, bad.Failed())
	assert.Equal(t, "boom", bad.Err())
	assert.Equal(t, "validate", bad.ErrStep())
	assert.Equal(t, "r2", bad.ResourceID())
	assert.Zero(t, bad.Value())
}

func TestMapResult(t *testing.T) {
	ok := Success(2, "r1", 0)

	doubled := MapResult(ok, func(v int) (int, error) { return v * 2, nil }, "double")
	assert.False(t, doubled.Failed())
	assert.Equal(t, 4, doubled.Value())
	assert.Equal(t, "r1", doubled.ResourceID())

	failed := MapResult(ok, func(v int) (string, error) { return "", fmt.Errorf("nope") }, "stringify")
	assert.True(t, failed.Failed())
	assert.Equal(t, "stringify", failed.ErrStep())
	assert.Equal(t, []string{"r1"}, failed.Path())

	// Failures propagate without invoking fn.
	passthrough := MapResult(failed, func(v string) (int, error) {
		t.Error("fn should not run on a failed result")
		return 0, nil
	}, "later")
	assert.True(t, passthrough.Failed())
	assert.Equal(t, "stringify", passthrough.ErrStep())
}

func TestTerminalPaths(t *testing.T) {
	single := Success("v", "r1", 0)
	assert.Equal(t, [][]string{{"r1"}}, single.terminalPaths())

	batched := successPath([]string{"a", "b"}, []string{"batch-1"}, 0)
	batched.members = [][]string{{"a"}, {"p1", "b"}}
	assert.Equal(t, [][]string{{"a"}, {"p1", "b"}}, batched.terminalPaths())

	var empty Result[string]
	assert.Nil(t, empty.terminalPaths())
}
