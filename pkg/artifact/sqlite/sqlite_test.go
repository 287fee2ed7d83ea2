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

package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/conduit/pkg/artifact"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(Config{Path: filepath.Join(t.TempDir(), "artifacts.db")})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStoreSaveAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	results := store.SaveBatch(ctx, []artifact.SaveRequest{
		{
			RunID:         "run-1",
			StepName:      "validate",
			Name:          "o1",
			ResourceRunID: "rr1",
			Payload:       map[string]string{"id": "o1"},
			Metadata:      map[string]string{"source": "test"},
		},
	})
	require.Len(t, results, 1)
	require.True(t, results[0].Success, results[0].Error)

	payload, metadata, err := store.Get(ctx, "rr1", "validate", "o1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"o1"}`, string(payload))
	assert.Equal(t, "test", metadata["source"])
}

func TestStoreLastWriteWins(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	req := artifact.SaveRequest{
		RunID: "run-1", StepName: "step", Name: "report", ResourceRunID: "rr1",
		Payload: map[string]int{"v": 1},
	}
	results := store.SaveBatch(ctx, []artifact.SaveRequest{req})
	require.True(t, results[0].Success)

	req.Payload = map[string]int{"v": 2}
	results = store.SaveBatch(ctx, []artifact.SaveRequest{req})
	require.True(t, results[0].Success)

	payload, _, err := store.Get(ctx, "rr1", "step", "report")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":2}`, string(payload))
}

func TestStoreBatchIsAtomicPerRequest(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// A payload that cannot be marshalled fails alone; the rest of the batch lands.
	results := store.SaveBatch(ctx, []artifact.SaveRequest{
		{RunID: "r", StepName: "s", Name: "bad", ResourceRunID: "rr1", Payload: func() {}},
		{RunID: "r", StepName: "s", Name: "good", ResourceRunID: "rr1", Payload: "ok"},
	})
	require.Len(t, results, 2)
	assert.False(t, results[0].Success)
	assert.True(t, results[1].Success)

	payload, _, err := store.Get(ctx, "rr1", "s", "good")
	require.NoError(t, err)
	assert.JSONEq(t, `"ok"`, string(payload))
}
