/*
Copyright The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package metrics registers the control plane's Prometheus instrumentation.
// Incidental to the core state machine, but the scheduler and health
// monitor are expected to report the same scheduling-duration and
// unschedulable-pod signals the teacher's scheduling package does.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "clustermini"

var (
	// SchedulingDurationSeconds observes how long CreatePod's gather ->
	// compute -> commit pipeline takes end to end, labeled by outcome.
	SchedulingDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduling",
			Name:      "duration_seconds",
			Help:      "Time to place a pod, from admission through commit.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	// UnschedulablePodsTotal counts CreatePod calls that ended in
	// NoCapacity — a pod that could not be placed on any node.
	UnschedulablePodsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduling",
			Name:      "unschedulable_pods_total",
			Help:      "Pods that could not be placed on any healthy node.",
		},
	)

	// NodeHealthTransitionsTotal counts sweeper-driven status transitions,
	// labeled by direction.
	NodeHealthTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "node_transitions_total",
			Help:      "Node health status transitions observed by the sweeper.",
		},
		[]string{"direction"},
	)

	// NodesGauge reports the current node count, labeled by status.
	NodesGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "nodes",
			Help:      "Current number of nodes, by health status.",
		},
		[]string{"status"},
	)
)

// MustRegister registers every collector in this package against reg.
// Called once from cmd/controlplane at startup.
func MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(SchedulingDurationSeconds, UnschedulablePodsTotal, NodeHealthTransitionsTotal, NodesGauge)
}

// ObserveScheduling records how long a CreatePod attempt took, labeled by
// its outcome ("placed", "no_capacity", "runtime_error", "conflict", or
// "error" for any other failure).
func ObserveScheduling(start time.Time, outcome string) {
	SchedulingDurationSeconds.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
}
