// Copyright 2024 The Seafowl Authors
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
//
// SPDX-License-Identifier: Apache-2.0

// Package metrics declares the engine's prometheus instrumentation,
// generalized from the teacher's internal/staging/stage/metrics.go
// (which labeled by SQL table name; here we label by table path and
// storage location name since targets are not SQL tables).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// LatencyBuckets are the histogram buckets shared by all duration
// metrics below, matching the teacher's choice of a log-ish spread from
// single-digit milliseconds to tens of seconds.
var LatencyBuckets = []float64{
	.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30,
}

// TableLabels is the common label set for per-table metrics.
var TableLabels = []string{"table_path", "store"}

// OriginLabels is the common label set for per-origin metrics.
var OriginLabels = []string{"origin"}

var (
	// DecodeErrors counts malformed-batch rejections by component A.
	DecodeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "seafowl_sync_decode_errors_total",
		Help: "the number of inbound sync messages rejected during decode",
	}, []string{"kind"})

	// SquashInputRows counts rows folded by the squasher.
	SquashInputRows = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "seafowl_sync_squash_input_rows_total",
		Help: "the number of row changes folded by the squasher",
	}, TableLabels)

	// SquashOutputRows counts the net effects produced by the squasher.
	SquashOutputRows = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "seafowl_sync_squash_output_rows_total",
		Help: "the number of net row effects produced by the squasher",
	}, TableLabels)

	// StagingBytes is the current bytes buffered for a table.
	StagingBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "seafowl_sync_staging_bytes",
		Help: "the number of bytes currently buffered for a table",
	}, TableLabels)

	// FlushDurations records the time spent committing a flush.
	FlushDurations = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "seafowl_sync_flush_duration_seconds",
		Help:    "the length of time it took to commit a flush",
		Buckets: LatencyBuckets,
	}, TableLabels)

	// FlushErrors counts failed commit attempts.
	FlushErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "seafowl_sync_flush_errors_total",
		Help: "the number of times a flush commit failed",
	}, TableLabels)

	// CommitConflicts counts optimistic-concurrency retries in the
	// table writer gateway.
	CommitConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "seafowl_sync_commit_conflicts_total",
		Help: "the number of commit conflicts observed while writing a table version",
	}, TableLabels)

	// AdmissionRejections counts accepted=false responses.
	AdmissionRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "seafowl_sync_admission_rejections_total",
		Help: "the number of inbound messages rejected by the admission controller",
	}, []string{"reason"})

	// MemorySeq is the current in-memory watermark per origin.
	MemorySeq = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "seafowl_sync_memory_seq",
		Help: "the highest sequence number accepted into staging for an origin",
	}, OriginLabels)

	// DurableSeq is the current durable watermark per origin.
	DurableSeq = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "seafowl_sync_durable_seq",
		Help: "the highest sequence number committed to a table format for an origin",
	}, OriginLabels)
)
