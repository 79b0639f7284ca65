// @copyright 2014-Present Couchbase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exposes the orchestrator's Prometheus surface via
// github.com/prometheus/client_golang, registering a handful of
// gauges/counters/histograms against the default registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// InProgress tracks the current count of operation records by
	// status, updated by the worker each poll tick.
	InProgress = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "reindex_upgrader",
		Name:      "operations",
		Help:      "Number of reindex operation records, by status.",
	}, []string{"status"})

	// StepDuration records how long each state-machine step body takes
	// to run, labeled by the step marker the record held when the step
	// began (its last completed step).
	StepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "reindex_upgrader",
		Name:      "step_duration_seconds",
		Help:      "Time spent executing a single reindex pipeline step.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"step"})

	// StepFailuresTotal counts step failures, split by whether the
	// worker classified them as transient (retried) or fatal (the
	// operation was marked failed, or the step returned any other
	// non-conflict error).
	StepFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reindex_upgrader",
		Name:      "step_failures_total",
		Help:      "Count of reindex pipeline step failures, by step and classification.",
	}, []string{"step", "class"})

	// MLUpgradeModeCounter mirrors the shared MLCounter's current
	// value, so operators can see the upgrade-mode toggle's reference
	// count without querying the store directly.
	MLUpgradeModeCounter = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "reindex_upgrader",
		Name:      "ml_upgrade_mode_reindex_count",
		Help:      "Current value of the shared ML upgrade-mode reference counter.",
	})
)
