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

package pipeline_test

import (
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/conduit/internal/log"
	"github.com/tombee/conduit/pkg/artifact"
	"github.com/tombee/conduit/pkg/errors"
	"github.com/tombee/conduit/pkg/pipeline"
	"github.com/tombee/conduit/pkg/progress"
)

type order struct {
	ID  string
	Qty int
}

func quietLogger() *log.Config {
	return &log.Config{Level: "error", Output: io.Discard}
}

func newTestEngine(svc progress.Service, store artifact.Store) *pipeline.Engine {
	return pipeline.NewEngine(pipeline.Config{
		Service:       svc,
		ArtifactStore: store,
		Logger:        log.New(quietLogger()),
		Flusher:       progress.FlusherConfig{Interval: 10 * time.Millisecond},
		Batcher:       artifact.BatcherConfig{BatchSize: 10, FlushInterval: 20 * time.Millisecond},
	})
}

func newTestRun(t *testing.T, svc progress.Service, store artifact.Store) *pipeline.RunContext {
	t.Helper()
	rc, err := newTestEngine(svc, store).NewRun(context.Background(), pipeline.RunMetadata{
		Category:     "test",
		Name:         "orders",
		ResourceType: "order",
	})
	require.NoError(t, err)
	return rc
}

func TestLinearPipeline(t *testing.T) {
	svc := progress.NewMemoryService()
	rc := newTestRun(t, svc, nil)

	p := pipeline.New(rc)
	src := pipeline.Source(p, "list",
		pipeline.NewSliceProducer([]order{{"o1", 1}, {"o2", 2}, {"o3", 3}}),
		func(o order) string { return o.ID })
	validated := pipeline.Transform(p, src, "validate", func(ctx context.Context, o order) (order, error) {
		return o, nil
	})

	var mu sync.Mutex
	var saved []string
	completion, err := pipeline.Execute(p, validated, "save", func(ctx context.Context, o order) error {
		mu.Lock()
		defer mu.Unlock()
		saved = append(saved, o.ID)
		return nil
	})
	require.NoError(t, err)

	summary, err := completion.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, progress.RunCompleted, summary.Status)
	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 3, summary.Completed)
	assert.Equal(t, 0, summary.Failed)

	sort.Strings(saved)
	assert.Equal(t, []string{"o1", "o2", "o3"}, saved)

	run, ok := svc.GetRun(rc.RunID())
	require.True(t, ok)
	assert.Equal(t, progress.RunCompleted, run.Status)
	assert.Equal(t, 3, run.Total)
	assert.Equal(t, 3, run.Completed)

	rrs := svc.ResourceRuns(rc.RunID())
	require.Len(t, rrs, 3)
	for _, rr := range rrs {
		assert.Equal(t, progress.ResourceCompleted, rr.Status)
		assert.Equal(t, "order", rr.ResourceType)

		rows := svc.StepRows(rr.ID)
		require.Len(t, rows, 4)
		for i, row := range rows {
			assert.Equal(t, i+1, row.Sequence)
		}
		assert.Equal(t, "validate", rows[0].StepName)
		assert.Equal(t, progress.StepInProgress, rows[0].Status)
		assert.Equal(t, progress.StepCompleted, rows[1].Status)
		assert.Equal(t, "save", rows[2].StepName)
		assert.Equal(t, progress.StepCompleted, rows[3].Status)
	}
}

func TestRunWithoutService(t *testing.T) {
	rc := newTestRun(t, nil, nil)

	p := pipeline.New(rc)
	src := pipeline.Source(p, "list",
		pipeline.NewSliceProducer([]string{"a", "b"}),
		func(s string) string { return s })

	completion, err := pipeline.Execute(p, src, "save", func(ctx context.Context, s string) error {
		return nil
	})
	require.NoError(t, err)

	summary, err := completion.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, progress.RunCompleted, summary.Status)
	assert.Equal(t, 2, summary.Completed)

	// Without a persistence service nothing drains the durable queues, so the
	// tracker must not accumulate updates.
	assert.Empty(t, rc.Tracker().DrainStepUpdates())
	assert.Empty(t, rc.Tracker().DrainCompletes())
}

func TestPartialFailure(t *testing.T) {
	svc := progress.NewMemoryService()
	rc := newTestRun(t, svc, nil)

	p := pipeline.New(rc)
	src := pipeline.Source(p, "list",
		pipeline.NewSliceProducer([]string{"a", "b", "c"}),
		func(s string) string { return s })
	validated := pipeline.Transform(p, src, "validate", func(ctx context.Context, s string) (string, error) {
		if s == "b" {
			return "", fmt.Errorf("bad resource %s", s)
		}
		return s, nil
	})

	var mu sync.Mutex
	var saved []string
	completion, err := pipeline.Execute(p, validated, "save", func(ctx context.Context, s string) error {
		mu.Lock()
		defer mu.Unlock()
		saved = append(saved, s)
		return nil
	})
	require.NoError(t, err)

	summary, err := completion.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, progress.RunFailed, summary.Status)
	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 2, summary.Completed)
	assert.Equal(t, 1, summary.Failed)

	// The failure never reached the sink function.
	sort.Strings(saved)
	assert.Equal(t, []string{"a", "c"}, saved)

	for _, rr := range svc.ResourceRuns(rc.RunID()) {
		if rr.ResourceID != "b" {
			assert.Equal(t, progress.ResourceCompleted, rr.Status)
			continue
		}
		assert.Equal(t, progress.ResourceFailed, rr.Status)
		assert.Equal(t, "validate", rr.ErrorStep)
		assert.Equal(t, "bad resource b", rr.ErrorMessage)

		rows := svc.StepRows(rr.ID)
		require.Len(t, rows, 2)
		assert.Equal(t, progress.StepInProgress, rows[0].Status)
		assert.Equal(t, progress.StepFailed, rows[1].Status)
		assert.Equal(t, "bad resource b", rows[1].ErrorMessage)
	}
}

func TestTransformMany(t *testing.T) {
	svc := progress.NewMemoryService()
	rc := newTestRun(t, svc, nil)

	p := pipeline.New(rc)
	src := pipeline.Source(p, "parents",
		pipeline.NewSliceProducer([]string{"p1"}),
		func(s string) string { return s })
	children := pipeline.TransformMany(p, src, "expand",
		func(ctx context.Context, s string) ([]string, error) {
			return []string{s + "-c1", s + "-c2", s + "-c3"}, nil
		},
		func(s string) string { return s })

	completion, err := pipeline.Execute(p, children, "save", func(ctx context.Context, s string) error {
		return nil
	})
	require.NoError(t, err)

	summary, err := completion.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, progress.RunCompleted, summary.Status)
	assert.Equal(t, 4, summary.Total)
	assert.Equal(t, 4, summary.Completed)

	// The parent completed exactly once, cascaded from its children.
	rrs := svc.ResourceRuns(rc.RunID())
	require.Len(t, rrs, 4)
	for _, rr := range rrs {
		assert.Equal(t, progress.ResourceCompleted, rr.Status, rr.ResourceID)
	}
}

func TestTransformManyChildFailureFailsParent(t *testing.T) {
	svc := progress.NewMemoryService()
	rc := newTestRun(t, svc, nil)

	p := pipeline.New(rc)
	src := pipeline.Source(p, "parents",
		pipeline.NewSliceProducer([]string{"p1"}),
		func(s string) string { return s })
	children := pipeline.TransformMany(p, src, "expand",
		func(ctx context.Context, s string) ([]string, error) {
			return []string{"c1", "c2"}, nil
		},
		func(s string) string { return s })

	completion, err := pipeline.Execute(p, children, "save", func(ctx context.Context, s string) error {
		if s == "c2" {
			return fmt.Errorf("save failed")
		}
		return nil
	})
	require.NoError(t, err)

	summary, err := completion.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, progress.RunFailed, summary.Status)
	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 1, summary.Completed)
	assert.Equal(t, 2, summary.Failed)

	statuses := make(map[string]progress.ResourceStatus)
	for _, rr := range svc.ResourceRuns(rc.RunID()) {
		statuses[rr.ResourceID] = rr.Status
	}
	assert.Equal(t, progress.ResourceCompleted, statuses["c1"])
	assert.Equal(t, progress.ResourceFailed, statuses["c2"])
	assert.Equal(t, progress.ResourceFailed, statuses["p1"])
}

func TestTransformManyNoChildrenCompletesParent(t *testing.T) {
	svc := progress.NewMemoryService()
	rc := newTestRun(t, svc, nil)

	p := pipeline.New(rc)
	src := pipeline.Source(p, "parents",
		pipeline.NewSliceProducer([]string{"p1"}),
		func(s string) string { return s })
	children := pipeline.TransformMany(p, src, "expand",
		func(ctx context.Context, s string) ([]string, error) { return nil, nil },
		func(s string) string { return s })

	completion, err := pipeline.Execute(p, children, "save", func(ctx context.Context, s string) error {
		t.Errorf("sink should not run, got %q", s)
		return nil
	})
	require.NoError(t, err)

	summary, err := completion.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, progress.RunCompleted, summary.Status)
	assert.Equal(t, 1, summary.Total)
	assert.Equal(t, 1, summary.Completed)
}

func TestBatching(t *testing.T) {
	svc := progress.NewMemoryService()
	rc := newTestRun(t, svc, nil)

	p := pipeline.New(rc)
	src := pipeline.Source(p, "list",
		pipeline.NewSliceProducer([]string{"r1", "r2", "r3", "r4", "r5"}),
		func(s string) string { return s })
	batched := pipeline.Batch(p, src, 2)

	var mu sync.Mutex
	var sizes []int
	completion, err := pipeline.Execute(p, batched, "save", func(ctx context.Context, items []string) error {
		mu.Lock()
		defer mu.Unlock()
		sizes = append(sizes, len(items))
		return nil
	})
	require.NoError(t, err)

	summary, err := completion.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, progress.RunCompleted, summary.Status)
	assert.Equal(t, 5, summary.Total)
	assert.Equal(t, 5, summary.Completed)
	assert.Equal(t, []int{2, 2, 1}, sizes)

	// Synthetic batch ids are not persisted as resources.
	assert.Len(t, svc.ResourceRuns(rc.RunID()), 5)
}

func TestBatchTimeoutFlush(t *testing.T) {
	svc := progress.NewMemoryService()
	rc := newTestRun(t, svc, nil)

	feed := make(chan string, 3)
	feed <- "r1"
	feed <- "r2"
	feed <- "r3"

	p := pipeline.New(rc)
	src := pipeline.Source(p, "list",
		pipeline.NewChannelProducer(feed),
		func(s string) string { return s })
	batched := pipeline.Batch(p, src, 10, pipeline.BatchOptions{FlushTimeout: 30 * time.Millisecond})

	flushed := make(chan int, 1)
	completion, err := pipeline.Execute(p, batched, "save", func(ctx context.Context, items []string) error {
		flushed <- len(items)
		return nil
	})
	require.NoError(t, err)

	select {
	case n := <-flushed:
		assert.Equal(t, 3, n)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout flush never fired")
	}
	close(feed)

	summary, err := completion.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Completed)
}

func TestBatchFailuresBypass(t *testing.T) {
	svc := progress.NewMemoryService()
	rc := newTestRun(t, svc, nil)

	p := pipeline.New(rc)
	src := pipeline.Source(p, "list",
		pipeline.NewSliceProducer([]string{"a", "b", "c", "d"}),
		func(s string) string { return s })
	validated := pipeline.Transform(p, src, "validate", func(ctx context.Context, s string) (string, error) {
		if s == "b" {
			return "", fmt.Errorf("invalid")
		}
		return s, nil
	})
	batched := pipeline.Batch(p, validated, 3)

	completion, err := pipeline.Execute(p, batched, "save", func(ctx context.Context, items []string) error {
		assert.NotContains(t, items, "b")
		return nil
	})
	require.NoError(t, err)

	summary, err := completion.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, progress.RunFailed, summary.Status)
	assert.Equal(t, 3, summary.Completed)
	assert.Equal(t, 1, summary.Failed)
}

func TestArtifactTee(t *testing.T) {
	svc := progress.NewMemoryService()
	store := artifact.NewMemoryStore()
	rc := newTestRun(t, svc, store)

	p := pipeline.New(rc)
	src := pipeline.Source(p, "list",
		pipeline.NewSliceProducer([]order{{"o1", 1}, {"o2", 2}}),
		func(o order) string { return o.ID })
	validated := pipeline.Transform(p, src, "validate", func(ctx context.Context, o order) (order, error) {
		return o, nil
	})
	teed := pipeline.WithArtifact(p, validated, pipeline.ArtifactOptions[order]{
		NameFunc:    func(o order) string { return o.ID },
		StorageType: artifact.StorageMemory,
	})

	completion, err := pipeline.Execute(p, teed, "save", func(ctx context.Context, o order) error {
		return nil
	})
	require.NoError(t, err)

	summary, err := completion.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Completed)

	assert.Equal(t, 2, store.Len())
	_, ok := store.Get(path.Join(rc.RunID(), "validate", "o1"))
	assert.True(t, ok, "expected artifact at {run-id}/{step-name}/{name}, got %v", store.Keys())
}

func TestBatchArtifactDoesNotMintResourceRuns(t *testing.T) {
	svc := progress.NewMemoryService()
	store := artifact.NewMemoryStore()
	rc := newTestRun(t, svc, store)

	p := pipeline.New(rc)
	src := pipeline.Source(p, "list",
		pipeline.NewSliceProducer([]string{"r1", "r2"}),
		func(s string) string { return s })
	batched := pipeline.Batch(p, src, 2)
	teed := pipeline.WithArtifact(p, batched, pipeline.ArtifactOptions[[]string]{
		Name:        "manifest",
		StorageType: artifact.StorageMemory,
	})

	completion, err := pipeline.Execute(p, teed, "save", func(ctx context.Context, items []string) error {
		return nil
	})
	require.NoError(t, err)

	summary, err := completion.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, progress.RunCompleted, summary.Status)
	assert.Equal(t, 2, summary.Total)
	assert.Equal(t, 2, summary.Completed)

	// The synthetic batch id never reaches the progress store.
	rrs := svc.ResourceRuns(rc.RunID())
	require.Len(t, rrs, 2)
	for _, rr := range rrs {
		assert.Equal(t, progress.ResourceCompleted, rr.Status)
	}
	run, ok := svc.GetRun(rc.RunID())
	require.True(t, ok)
	assert.Equal(t, 2, run.Total)

	assert.Equal(t, 1, store.Len())
	_, ok = store.Get(path.Join(rc.RunID(), "list", "manifest"))
	assert.True(t, ok, "expected batch artifact at {run-id}/{step-name}/{name}, got %v", store.Keys())
}

func TestDuplicateFail(t *testing.T) {
	svc := progress.NewMemoryService()
	rc := newTestRun(t, svc, nil)

	p := pipeline.New(rc)
	src := pipeline.Source(p, "list",
		pipeline.NewSliceProducer([]string{"a", "a", "b"}),
		func(s string) string { return s })
	completion, err := pipeline.Execute(p, src, "save", func(ctx context.Context, s string) error {
		return nil
	})
	require.NoError(t, err)

	summary, err := completion.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, progress.RunFailed, summary.Status)
	assert.Equal(t, 2, summary.Total)
}

func TestDuplicateSkip(t *testing.T) {
	svc := progress.NewMemoryService()
	rc := newTestRun(t, svc, nil)

	p := pipeline.New(rc, pipeline.WithDuplicatePolicy(pipeline.DuplicateSkip))
	src := pipeline.Source(p, "list",
		pipeline.NewSliceProducer([]string{"a", "a", "b"}),
		func(s string) string { return s })

	var mu sync.Mutex
	seen := 0
	completion, err := pipeline.Execute(p, src, "save", func(ctx context.Context, s string) error {
		mu.Lock()
		seen++
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	summary, err := completion.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, progress.RunCompleted, summary.Status)
	assert.Equal(t, 2, summary.Total)
	assert.Equal(t, 2, summary.Completed)
	assert.Equal(t, 2, seen)
}

func TestEmptySource(t *testing.T) {
	svc := progress.NewMemoryService()
	rc := newTestRun(t, svc, nil)

	p := pipeline.New(rc)
	src := pipeline.Source(p, "list",
		pipeline.NewSliceProducer([]string(nil)),
		func(s string) string { return s })
	completion, err := pipeline.Execute(p, src, "save", func(ctx context.Context, s string) error {
		t.Error("sink should not run")
		return nil
	})
	require.NoError(t, err)

	summary, err := completion.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, progress.RunCompleted, summary.Status)
	assert.Equal(t, 0, summary.Total)

	run, ok := svc.GetRun(rc.RunID())
	require.True(t, ok)
	assert.Equal(t, progress.RunCompleted, run.Status)
}

func TestCancellation(t *testing.T) {
	svc := progress.NewMemoryService()
	rc := newTestRun(t, svc, nil)

	p := pipeline.New(rc)
	src := pipeline.Source(p, "list",
		pipeline.NewSliceProducer([]string{"r1", "r2", "r3", "r4"}),
		func(s string) string { return s })

	started := make(chan struct{})
	var once sync.Once
	completion, err := pipeline.Execute(p, src, "save", func(ctx context.Context, s string) error {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)

	<-started
	rc.Cancel()

	summary, err := completion.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, progress.RunCancelled, summary.Status)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, summary.Total, summary.Failed+summary.Cancelled)
	assert.GreaterOrEqual(t, summary.Cancelled, 1)

	run, ok := svc.GetRun(rc.RunID())
	require.True(t, ok)
	assert.Equal(t, progress.RunCancelled, run.Status)
}

func TestCancelBeforeFirstEmit(t *testing.T) {
	svc := progress.NewMemoryService()
	rc := newTestRun(t, svc, nil)

	p := pipeline.New(rc)
	src := pipeline.Source(p, "list",
		pipeline.FuncProducer[string](func(ctx context.Context) (string, bool) {
			<-ctx.Done()
			return "", false
		}),
		func(s string) string { return s })
	completion, err := pipeline.Execute(p, src, "save", func(ctx context.Context, s string) error {
		return nil
	})
	require.NoError(t, err)

	rc.Cancel()
	summary, err := completion.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, progress.RunCancelled, summary.Status)
	assert.Equal(t, 0, summary.Total)
}

func TestRetryRun(t *testing.T) {
	svc := progress.NewMemoryService()
	eng := newTestEngine(svc, nil)

	rc1, err := eng.NewRun(context.Background(), pipeline.RunMetadata{
		Category: "test", Name: "orders", ResourceType: "order",
	})
	require.NoError(t, err)

	p1 := pipeline.New(rc1)
	src1 := pipeline.Source(p1, "list",
		pipeline.NewSliceProducer([]string{"a", "b"}),
		func(s string) string { return s })
	completion1, err := pipeline.Execute(p1, src1, "save", func(ctx context.Context, s string) error {
		if s == "a" {
			return fmt.Errorf("transient")
		}
		return nil
	})
	require.NoError(t, err)
	summary1, err := completion1.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, progress.RunFailed, summary1.Status)

	rc2, err := eng.NewRun(context.Background(), pipeline.RunMetadata{
		Category: "test", Name: "orders", ResourceType: "order",
		RunType: progress.RunTypeRetry, ParentRunID: rc1.RunID(),
	})
	require.NoError(t, err)
	assert.Equal(t, progress.RunTypeRetry, rc2.Run().RunType)

	ids, err := rc2.IncompleteResourceIDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids)

	p2 := pipeline.New(rc2)
	src2 := pipeline.Source(p2, "list",
		pipeline.NewSliceProducer(ids),
		func(s string) string { return s })
	completion2, err := pipeline.Execute(p2, src2, "save", func(ctx context.Context, s string) error {
		return nil
	})
	require.NoError(t, err)
	summary2, err := completion2.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, progress.RunCompleted, summary2.Status)
	assert.Equal(t, 1, summary2.Completed)
}

func TestParallelStage(t *testing.T) {
	svc := progress.NewMemoryService()
	rc := newTestRun(t, svc, nil)

	items := make([]string, 20)
	for i := range items {
		items[i] = fmt.Sprintf("r%d", i)
	}

	p := pipeline.New(rc)
	src := pipeline.Source(p, "list",
		pipeline.NewSliceProducer(items),
		func(s string) string { return s },
		pipeline.StepOptions{BufferSize: 8})
	slow := pipeline.Transform(p, src, "work", func(ctx context.Context, s string) (string, error) {
		time.Sleep(time.Millisecond)
		return s, nil
	}, pipeline.StepOptions{MaxParallelism: 4, BufferSize: 8})

	completion, err := pipeline.Execute(p, slow, "save", func(ctx context.Context, s string) error {
		return nil
	}, pipeline.StepOptions{MaxParallelism: 2})
	require.NoError(t, err)

	summary, err := completion.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, progress.RunCompleted, summary.Status)
	assert.Equal(t, 20, summary.Completed)
}

func TestUntrackedStage(t *testing.T) {
	svc := progress.NewMemoryService()
	rc := newTestRun(t, svc, nil)

	p := pipeline.New(rc)
	src := pipeline.Source(p, "list",
		pipeline.NewSliceProducer([]string{"a"}),
		func(s string) string { return s })
	quiet := pipeline.Transform(p, src, "normalize", func(ctx context.Context, s string) (string, error) {
		return s, nil
	}, pipeline.StepOptions{TrackProgress: pipeline.Bool(false)})

	completion, err := pipeline.Execute(p, quiet, "save", func(ctx context.Context, s string) error {
		return nil
	})
	require.NoError(t, err)
	_, err = completion.Wait(context.Background())
	require.NoError(t, err)

	rrs := svc.ResourceRuns(rc.RunID())
	require.Len(t, rrs, 1)
	for _, row := range svc.StepRows(rrs[0].ID) {
		assert.NotEqual(t, "normalize", row.StepName)
	}
}

func TestBuildErrors(t *testing.T) {
	t.Run("duplicate step name", func(t *testing.T) {
		rc := newTestRun(t, progress.NewMemoryService(), nil)
		p := pipeline.New(rc)
		src := pipeline.Source(p, "step",
			pipeline.NewSliceProducer([]string{"a"}),
			func(s string) string { return s })
		dup := pipeline.Transform(p, src, "step", func(ctx context.Context, s string) (string, error) {
			return s, nil
		})
		_, err := pipeline.Execute(p, dup, "save", func(ctx context.Context, s string) error { return nil })
		var verr *errors.ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "step_name", verr.Field)
	})

	t.Run("builder consumed twice", func(t *testing.T) {
		rc := newTestRun(t, progress.NewMemoryService(), nil)
		p := pipeline.New(rc)
		src := pipeline.Source(p, "list",
			pipeline.NewSliceProducer([]string{"a"}),
			func(s string) string { return s })
		pipeline.Transform(p, src, "one", func(ctx context.Context, s string) (string, error) { return s, nil })
		two := pipeline.Transform(p, src, "two", func(ctx context.Context, s string) (string, error) { return s, nil })
		_, err := pipeline.Execute(p, two, "save", func(ctx context.Context, s string) error { return nil })
		require.Error(t, err)
	})

	t.Run("batch size zero", func(t *testing.T) {
		rc := newTestRun(t, progress.NewMemoryService(), nil)
		p := pipeline.New(rc)
		src := pipeline.Source(p, "list",
			pipeline.NewSliceProducer([]string{"a"}),
			func(s string) string { return s })
		batched := pipeline.Batch(p, src, 0)
		_, err := pipeline.Execute(p, batched, "save", func(ctx context.Context, items []string) error { return nil })
		require.Error(t, err)
	})

	t.Run("artifact without store", func(t *testing.T) {
		rc := newTestRun(t, progress.NewMemoryService(), nil)
		p := pipeline.New(rc)
		src := pipeline.Source(p, "list",
			pipeline.NewSliceProducer([]string{"a"}),
			func(s string) string { return s })
		teed := pipeline.WithArtifact(p, src, pipeline.ArtifactOptions[string]{Name: "out"})
		_, err := pipeline.Execute(p, teed, "save", func(ctx context.Context, s string) error { return nil })
		require.Error(t, err)
	})
}

func TestRunMetadataValidation(t *testing.T) {
	eng := newTestEngine(progress.NewMemoryService(), nil)

	tests := []struct {
		name string
		meta pipeline.RunMetadata
	}{
		{"missing category", pipeline.RunMetadata{Name: "n"}},
		{"missing name", pipeline.RunMetadata{Category: "c"}},
		{"fresh with parent", pipeline.RunMetadata{Category: "c", Name: "n", ParentRunID: "x"}},
		{"retry without parent", pipeline.RunMetadata{Category: "c", Name: "n", RunType: progress.RunTypeRetry}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := eng.NewRun(context.Background(), tt.meta)
			var verr *errors.ValidationError
			require.ErrorAs(t, err, &verr)
		})
	}
}
