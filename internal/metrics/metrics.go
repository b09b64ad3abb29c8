// Copyright 2025 ByteDance Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics holds the Prometheus collectors and the tracer shared by
// the pipeline packages.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

const namespace = "transmute"

// Tracer is used for stage attempt and harness spans.
var Tracer = otel.Tracer("github.com/cloudwego/transmute")

var (
	// StageAttempts counts stage attempts. Labels: stage, result (ok, transient, schema_violation, unverified, error)
	StageAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "stage_attempts_total",
			Help:      "Stage attempts by stage and result",
		},
		[]string{"stage", "result"},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Duration of stage attempts in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		},
		[]string{"stage"},
	)

	// JobTransitions counts job state transitions. Labels: from, to
	JobTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "job_transitions_total",
			Help:      "Job state machine transitions",
		},
		[]string{"from", "to"},
	)

	JobsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "jobs_active",
			Help:      "Jobs currently running",
		},
	)

	// UnitOutcomes counts implementation units by final status.
	UnitOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "iteration",
			Name:      "unit_outcomes_total",
			Help:      "Implementation units by final status",
		},
		[]string{"status"},
	)

	UnitRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "iteration",
			Name:      "unit_retries_total",
			Help:      "Per-unit verification retries",
		},
	)

	// KnowledgeQueries counts gateway queries. Labels: granularity
	KnowledgeQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "knowledge",
			Name:      "queries_total",
			Help:      "Knowledge gateway queries",
		},
		[]string{"granularity"},
	)

	KnowledgeMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "knowledge",
			Name:      "misses_total",
			Help:      "Knowledge gateway queries that returned no facts",
		},
		[]string{"granularity"},
	)

	KnowledgeFacts = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "knowledge",
			Name:      "facts",
			Help:      "Facts in the current knowledge snapshot",
		},
	)

	// VerifyOutcomes counts harness results. Labels: mode, outcome
	VerifyOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "verify",
			Name:      "outcomes_total",
			Help:      "Verification harness outcomes",
		},
		[]string{"mode", "outcome"},
	)
)
