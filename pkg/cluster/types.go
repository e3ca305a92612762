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

// Package cluster owns the authoritative in-memory model of the fleet: the
// Node and Pod tables and the single lock serializing every mutation and
// every multi-entity read used for scheduling decisions.
package cluster

import (
	"time"

	"github.com/nathangeology/clustermini/pkg/runtime"
)

// NodeStatus mirrors the wire vocabulary the HTTP contract names.
type NodeStatus string

const (
	NodeHealthy   NodeStatus = "healthy"
	NodeUnhealthy NodeStatus = "unhealthy"
)

// PodStatus mirrors the wire vocabulary the HTTP contract names.
type PodStatus string

const (
	PodRunning PodStatus = "running"
	PodFailed  PodStatus = "failed"
	PodUnknown PodStatus = "unknown"
)

// PodMetrics is the per-pod slice of a node's health_metrics record.
type PodMetrics struct {
	CPUUsage      uint64  `json:"cpu_usage"`
	MemoryUsage   uint64  `json:"memory_usage"`
	MemoryLimit   uint64  `json:"memory_limit"`
	MemoryPercent float64 `json:"memory_percent"`
	Status        string  `json:"status"`
}

// HealthMetrics is the per-node record committed by a heartbeat collector.
type HealthMetrics struct {
	CPUUsage        uint64                `json:"cpu_usage"`
	MemoryUsage     uint64                `json:"memory_usage"`
	MemoryLimit     uint64                `json:"memory_limit"`
	MemoryPercent   float64               `json:"memory_usage_percent"`
	ContainerStatus string                `json:"container_status"`
	RunningPods     int                   `json:"running_pods"`
	PodStats        map[string]PodMetrics `json:"pod_stats,omitempty"`
	LastError       string                `json:"last_error,omitempty"`
}

// HealthConditions is the sweeper's last evaluation of the four conditions
// from spec.md's global-sweeper table, kept for observability.
type HealthConditions struct {
	Heartbeat bool `json:"heartbeat"`
	Memory    bool `json:"memory"`
	Container bool `json:"container"`
	Density   bool `json:"density"`
}

// Node is the control plane's view of one worker.
type Node struct {
	ID               string
	CPUCapacity      int
	CPUAvailable     int
	Pods             []string
	Status           NodeStatus
	LastHeartbeat    time.Time
	RuntimeHandle    runtime.Handle
	HealthMetrics    *HealthMetrics
	HealthConditions *HealthConditions
}

// Pod is the control plane's view of one scheduled workload.
type Pod struct {
	ID            string
	NodeID        string
	CPURequired   int
	Image         string
	CreatedAt     time.Time
	Status        PodStatus
	RuntimeHandle runtime.Handle
	HostPort      int
}

// clone returns a deep copy so a Node handed out by Snapshot/GetNode can
// never alias the store's internal state.
func (n *Node) clone() *Node {
	if n == nil {
		return nil
	}
	cp := *n
	cp.Pods = append([]string(nil), n.Pods...)
	if n.HealthMetrics != nil {
		hm := *n.HealthMetrics
		if n.HealthMetrics.PodStats != nil {
			hm.PodStats = make(map[string]PodMetrics, len(n.HealthMetrics.PodStats))
			for k, v := range n.HealthMetrics.PodStats {
				hm.PodStats[k] = v
			}
		}
		cp.HealthMetrics = &hm
	}
	if n.HealthConditions != nil {
		hc := *n.HealthConditions
		cp.HealthConditions = &hc
	}
	return &cp
}

func (p *Pod) clone() *Pod {
	if p == nil {
		return nil
	}
	cp := *p
	return &cp
}

// Snapshot is a point-in-time, internally consistent view of the cluster: a
// pod id observed in a node's pod list is guaranteed to also be present in
// Pods, per spec.md's ClusterStore read contract.
type Snapshot struct {
	Nodes map[string]*Node
	Pods  map[string]*Pod
}
