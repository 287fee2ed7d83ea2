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

// Package metrics exposes Prometheus collectors for the conduit engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	persistenceErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conduit_persistence_errors_total",
			Help: "Total persistence operation errors by operation",
		},
		[]string{"operation"},
	)

	deferredStepUpdates = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "conduit_step_updates_deferred_total",
			Help: "Step progress updates deferred because the resource run row was not yet persisted",
		},
	)

	artifactSaveFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conduit_artifact_save_failures_total",
			Help: "Artifact save failures by storage type",
		},
		[]string{"storage_type"},
	)

	batcherFlushes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "conduit_artifact_flushes_total",
			Help: "Artifact batcher flush invocations",
		},
	)

	batcherQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "conduit_artifact_queue_depth",
			Help: "Current depth of the artifact batcher queue",
		},
	)
)

// RecordPersistenceError increments the persistence error counter.
// operation should be one of: CreateRun, CreateResourceRuns, UpdateStepProgress,
// CompleteResourceRuns, CompleteRun.
func RecordPersistenceError(operation string) {
	persistenceErrors.WithLabelValues(operation).Inc()
}

// RecordDeferredStepUpdates adds n to the deferred step update counter.
func RecordDeferredStepUpdates(n int) {
	deferredStepUpdates.Add(float64(n))
}

// RecordArtifactSaveFailure increments the artifact failure counter.
func RecordArtifactSaveFailure(storageType string) {
	artifactSaveFailures.WithLabelValues(storageType).Inc()
}

// RecordBatcherFlush increments the flush counter.
func RecordBatcherFlush() {
	batcherFlushes.Inc()
}

// SetBatcherQueueDepth records the current batcher queue depth.
func SetBatcherQueueDepth(n int) {
	batcherQueueDepth.Set(float64(n))
}
