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

package api

import (
	"time"

	"github.com/nathangeology/clustermini/pkg/cluster"
)

// statusResponse is GET /cluster/status's body, exactly spec.md §6's shape.
type statusResponse struct {
	Nodes map[string]nodeStatus `json:"nodes"`
}

type nodeStatus struct {
	CPUCapacity   int                       `json:"cpu_capacity"`
	CPUAvailable  int                       `json:"cpu_available"`
	Status        cluster.NodeStatus        `json:"status"`
	HealthMetrics *cluster.HealthMetrics    `json:"health_metrics,omitempty"`
	HealthStatus  *cluster.HealthConditions `json:"health_status,omitempty"`
	Pods          []podStatus               `json:"pods"`
	LastHeartbeat time.Time                 `json:"last_heartbeat"`
}

type podStatus struct {
	ID          string              `json:"id"`
	CPURequired int                 `json:"cpu_required"`
	Status      cluster.PodStatus   `json:"status"`
	Metrics     *cluster.PodMetrics `json:"metrics,omitempty"`
}

func buildNodeStatuses(snap cluster.Snapshot) map[string]nodeStatus {
	out := make(map[string]nodeStatus, len(snap.Nodes))
	for id, n := range snap.Nodes {
		pods := make([]podStatus, 0, len(n.Pods))
		for _, podID := range n.Pods {
			p, ok := snap.Pods[podID]
			if !ok {
				continue
			}
			ps := podStatus{ID: p.ID, CPURequired: p.CPURequired, Status: p.Status}
			if n.HealthMetrics != nil {
				if pm, ok := n.HealthMetrics.PodStats[podID]; ok {
					ps.Metrics = &pm
				}
			}
			pods = append(pods, ps)
		}
		out[id] = nodeStatus{
			CPUCapacity:   n.CPUCapacity,
			CPUAvailable:  n.CPUAvailable,
			Status:        n.Status,
			HealthMetrics: n.HealthMetrics,
			HealthStatus:  n.HealthConditions,
			Pods:          pods,
			LastHeartbeat: n.LastHeartbeat,
		}
	}
	return out
}
