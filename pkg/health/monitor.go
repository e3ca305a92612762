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

// Package health runs the per-node heartbeat collectors and the global
// sweeper: the two long-lived periodic tasks that keep cluster.Store's
// node health state current and trigger pod rescheduling off failing
// nodes.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/nathangeology/clustermini/pkg/cluster"
	"github.com/nathangeology/clustermini/pkg/metrics"
	"github.com/nathangeology/clustermini/pkg/runtime"
)

const (
	// HeartbeatInterval is the per-node collector tick cadence.
	HeartbeatInterval = 5 * time.Second
	// UnhealthyThreshold is the max tolerable heartbeat age.
	UnhealthyThreshold = 15 * time.Second
	// maxRunningPodsPerCore is the density condition's multiplier.
	maxRunningPodsPerCore = 2
	// maxMemoryPercent is the memory condition's ceiling.
	maxMemoryPercent = 90.0
)

// rescheduler is the subset of provisioning.Scheduler the sweeper needs.
// Declared locally so pkg/health never imports pkg/provisioning — the
// dependency runs the other way (cmd/controlplane wires both against the
// same Store).
type rescheduler interface {
	RescheduleFrom(ctx context.Context, nodeID string) (rescheduled, failed int)
}

// Monitor owns the heartbeat collector goroutines and the global sweeper.
type Monitor struct {
	store *cluster.Store
	rt    runtime.Runtime
	sched rescheduler
	log   *zap.Logger

	// metricsCache holds the most recent per-node HealthMetrics so the
	// sweeper's condition evaluation never has to wait on a collector's
	// in-flight tick; TTL is twice the heartbeat interval.
	metricsCache *cache.Cache

	mu        sync.Mutex
	collector map[string]context.CancelFunc
}

// NewMonitor constructs a Monitor. Call Start to begin the global sweeper;
// WatchNode spawns a collector per node as AddNode commits it.
func NewMonitor(store *cluster.Store, rt runtime.Runtime, sched rescheduler, log *zap.Logger) *Monitor {
	return &Monitor{
		store:        store,
		rt:           rt,
		sched:        sched,
		log:          log,
		metricsCache: cache.New(2*HeartbeatInterval, HeartbeatInterval),
		collector:    map[string]context.CancelFunc{},
	}
}

// WatchNode spawns the heartbeat collector for nodeID (spec.md §4.3
// AddNode step 5). The collector terminates when the node disappears from
// the store, or when ctx is canceled.
func (m *Monitor) WatchNode(ctx context.Context, nodeID string) {
	collectorCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.collector[nodeID] = cancel
	m.mu.Unlock()

	go m.runCollector(collectorCtx, nodeID)
}

func (m *Monitor) runCollector(ctx context.Context, nodeID string) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	m.log.Debug("heartbeat collector started", zap.String("node_id", nodeID))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !m.collectOnce(ctx, nodeID) {
				m.log.Debug("heartbeat collector stopping, node gone", zap.String("node_id", nodeID))
				return
			}
		}
	}
}

// collectOnce runs one heartbeat tick; returns false if nodeID is no
// longer in the store, signaling the collector to terminate.
func (m *Monitor) collectOnce(ctx context.Context, nodeID string) bool {
	node, err := m.store.GetNode(nodeID)
	if err != nil {
		return false
	}

	sample, inspectErr := m.rt.Inspect(ctx, node.RuntimeHandle)
	now := time.Now()

	if inspectErr != nil {
		hm := &cluster.HealthMetrics{LastError: inspectErr.Error()}
		m.metricsCache.Set(nodeID, hm, cache.DefaultExpiration)
		m.store.WithLock(func() {
			_ = m.store.UpdateNodeHealthLocked(nodeID, cluster.NodeUnhealthy, hm, now)
		})
		return true
	}

	podStats := map[string]cluster.PodMetrics{}
	runningPods := 0
	for _, podID := range node.Pods {
		pod, podErr := m.store.GetPod(podID)
		if podErr != nil || pod.RuntimeHandle == "" {
			continue
		}
		pm, pmErr := m.rt.Inspect(ctx, pod.RuntimeHandle)
		if pmErr != nil {
			podStats[podID] = cluster.PodMetrics{Status: "unknown"}
			continue
		}
		podStats[podID] = cluster.PodMetrics{
			CPUUsage:      pm.CPUUsage,
			MemoryUsage:   pm.MemoryUsage,
			MemoryLimit:   pm.MemoryLimit,
			MemoryPercent: pm.MemoryPercent(),
			Status:        string(pm.Status),
		}
		if pm.Status == runtime.StatusRunning {
			runningPods++
		}
	}

	hm := &cluster.HealthMetrics{
		CPUUsage:        sample.CPUUsage,
		MemoryUsage:     sample.MemoryUsage,
		MemoryLimit:     sample.MemoryLimit,
		MemoryPercent:   sample.MemoryPercent(),
		ContainerStatus: string(sample.Status),
		RunningPods:     runningPods,
		PodStats:        podStats,
	}
	m.metricsCache.Set(nodeID, hm, cache.DefaultExpiration)

	status := node.Status
	m.store.WithLock(func() {
		_ = m.store.UpdateNodeHealthLocked(nodeID, status, hm, now)
	})
	return true
}

// Start launches the global sweeper, ticking every HeartbeatInterval until
// ctx is canceled.
func (m *Monitor) Start(ctx context.Context) {
	go m.runSweeper(ctx)
}

func (m *Monitor) runSweeper(ctx context.Context) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	m.log.Debug("global sweeper started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepOnce(ctx)
		}
	}
}

func (m *Monitor) sweepOnce(ctx context.Context) {
	snap := m.store.Snapshot()
	healthyCount, unhealthyCount := 0, 0
	for id, n := range snap.Nodes {
		cond, healthy := m.evaluate(id, n)
		m.store.WithLock(func() {
			_ = m.store.SetNodeConditionsLocked(id, statusFor(healthy), cond)
		})
		if healthy {
			healthyCount++
		} else {
			unhealthyCount++
		}

		switch {
		case n.Status == cluster.NodeHealthy && !healthy:
			metrics.NodeHealthTransitionsTotal.WithLabelValues("healthy_to_unhealthy").Inc()
			m.log.Warn("node transitioned unhealthy",
				zap.String("node_id", id),
				zap.Bool("heartbeat_ok", cond.Heartbeat),
				zap.Bool("memory_ok", cond.Memory),
				zap.Bool("container_ok", cond.Container),
				zap.Bool("density_ok", cond.Density))
			rescheduled, failed := m.sched.RescheduleFrom(ctx, id)
			m.log.Info("rescheduled pods off unhealthy node",
				zap.String("node_id", id), zap.Int("rescheduled", rescheduled), zap.Int("failed", failed))
		case n.Status == cluster.NodeUnhealthy && healthy:
			metrics.NodeHealthTransitionsTotal.WithLabelValues("unhealthy_to_healthy").Inc()
			m.log.Info("node recovered", zap.String("node_id", id))
		}
	}
	metrics.NodesGauge.WithLabelValues(string(cluster.NodeHealthy)).Set(float64(healthyCount))
	metrics.NodesGauge.WithLabelValues(string(cluster.NodeUnhealthy)).Set(float64(unhealthyCount))
}

func statusFor(healthy bool) cluster.NodeStatus {
	if healthy {
		return cluster.NodeHealthy
	}
	return cluster.NodeUnhealthy
}

// evaluate computes the sweeper's four conditions for node n, consulting
// the cached metrics snapshot rather than calling the runtime directly —
// collectOnce already did that work this tick or the last one.
func (m *Monitor) evaluate(nodeID string, n *cluster.Node) (cluster.HealthConditions, bool) {
	heartbeatOK := time.Since(n.LastHeartbeat).Seconds() <= UnhealthyThreshold.Seconds()

	var hm *cluster.HealthMetrics
	if cached, ok := m.metricsCache.Get(nodeID); ok {
		hm, _ = cached.(*cluster.HealthMetrics)
	} else {
		hm = n.HealthMetrics
	}

	memoryOK := true
	containerOK := true
	densityOK := true
	if hm != nil {
		if hm.LastError != "" {
			containerOK = false
		}
		memoryOK = hm.MemoryPercent < maxMemoryPercent
		containerOK = containerOK && hm.ContainerStatus == string(runtime.StatusRunning)
		densityOK = hm.RunningPods <= maxRunningPodsPerCore*n.CPUCapacity
	}

	cond := cluster.HealthConditions{
		Heartbeat: heartbeatOK,
		Memory:    memoryOK,
		Container: containerOK,
		Density:   densityOK,
	}
	return cond, heartbeatOK && memoryOK && containerOK && densityOK
}

// StopWatching cancels nodeID's collector, if any. Called by RemoveNode so
// a removed node's collector does not keep a stale node id alive in logs.
func (m *Monitor) StopWatching(nodeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cancel, ok := m.collector[nodeID]; ok {
		cancel()
		delete(m.collector, nodeID)
	}
}
