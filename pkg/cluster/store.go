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

package cluster

import (
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"
)

// Store is the single source of truth for the cluster model. It exclusively
// owns the node and pod maps behind one RWMutex; every mutation and every
// multi-entity read used for scheduling decisions holds the write lock for
// its entire duration, per spec.md §5.
//
// Every method ending in "Locked" assumes the caller already holds the
// write lock (via WithLock) and must never be called otherwise — they
// exist so the Scheduler can compose a candidate computation and its
// commit into one critical section. The unsuffixed methods are
// self-locking convenience wrappers around the same logic for callers that
// only need a single op (the API layer, health monitor, tests).
type Store struct {
	mu    sync.RWMutex
	nodes map[string]*Node
	pods  map[string]*Pod
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{
		nodes: map[string]*Node{},
		pods:  map[string]*Pod{},
	}
}

// WithLock runs fn with the store's write lock held.
func (s *Store) WithLock(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn()
}

// GetNode returns a deep copy of the node, or NotFound.
func (s *Store) GetNode(id string) (*Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return nil, NotFoundError("node %q not found", id)
	}
	return n.clone(), nil
}

// GetPod returns a deep copy of the pod, or NotFound.
func (s *Store) GetPod(id string) (*Pod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pods[id]
	if !ok {
		return nil, NotFoundError("pod %q not found", id)
	}
	return p.clone(), nil
}

// Snapshot returns a deep-copied, internally consistent view of the whole
// cluster: every pod id in a node's pod list is present in Pods.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := Snapshot{
		Nodes: make(map[string]*Node, len(s.nodes)),
		Pods:  make(map[string]*Pod, len(s.pods)),
	}
	for id, n := range s.nodes {
		out.Nodes[id] = n.clone()
	}
	for id, p := range s.pods {
		out.Pods[id] = p.clone()
	}
	return out
}

// TotalCPUCapacityLocked returns Σ cpu_capacity across all nodes (invariant 4).
func (s *Store) TotalCPUCapacityLocked() int {
	total := 0
	for _, n := range s.nodes {
		total += n.CPUCapacity
	}
	return total
}

// TotalCPUCapacity is the self-locking form of TotalCPUCapacityLocked.
func (s *Store) TotalCPUCapacity() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.TotalCPUCapacityLocked()
}

// InsertNodeLocked commits a brand-new node record.
func (s *Store) InsertNodeLocked(n *Node) {
	s.nodes[n.ID] = n.clone()
}

// DeleteNodeLocked removes a node unconditionally; it does not touch pods
// bound to it. Scheduler.RemoveNode is responsible for migrating or failing
// them first.
func (s *Store) DeleteNodeLocked(id string) {
	delete(s.nodes, id)
}

// InsertPodLocked commits a brand-new pod, appends it to its node's pod
// list, and subtracts cpu_required from cpu_available (invariant 1).
func (s *Store) InsertPodLocked(p *Pod) error {
	node, ok := s.nodes[p.NodeID]
	if !ok {
		return NotFoundError("node %q not found", p.NodeID)
	}
	if node.CPUAvailable < p.CPURequired {
		return InvariantViolationError("node %q has %d cores free, pod needs %d", p.NodeID, node.CPUAvailable, p.CPURequired)
	}
	node.CPUAvailable -= p.CPURequired
	node.Pods = append(node.Pods, p.ID)
	s.pods[p.ID] = p.clone()
	return nil
}

// RebindPodLocked moves an existing pod to a new node (or to no node, on
// reschedule failure), refreshing its runtime handle/host port/status and
// adjusting both nodes' cpu_available. Used by the rescheduling path so the
// pod id and cpu_required are preserved across a migration.
func (s *Store) RebindPodLocked(p *Pod) error {
	old, ok := s.pods[p.ID]
	if !ok {
		return NotFoundError("pod %q not found", p.ID)
	}
	if old.NodeID != "" {
		if oldNode, ok := s.nodes[old.NodeID]; ok {
			oldNode.Pods = removeString(oldNode.Pods, p.ID)
			oldNode.CPUAvailable += old.CPURequired
		}
	}
	if p.NodeID != "" {
		newNode, ok := s.nodes[p.NodeID]
		if !ok {
			return NotFoundError("node %q not found", p.NodeID)
		}
		if newNode.CPUAvailable < p.CPURequired {
			return InvariantViolationError("node %q has %d cores free, pod needs %d", p.NodeID, newNode.CPUAvailable, p.CPURequired)
		}
		newNode.CPUAvailable -= p.CPURequired
		newNode.Pods = append(newNode.Pods, p.ID)
	}
	s.pods[p.ID] = p.clone()
	return nil
}

// DeletePodLocked removes a pod from the table entirely and, if it was
// bound to a node, from that node's pod list and cpu_available accounting.
// Failed pods are intentionally left in the table (spec.md §3) — operators
// call this explicitly to garbage-collect them.
func (s *Store) DeletePodLocked(id string) error {
	p, ok := s.pods[id]
	if !ok {
		return NotFoundError("pod %q not found", id)
	}
	if node, ok := s.nodes[p.NodeID]; ok {
		node.Pods = removeString(node.Pods, id)
		node.CPUAvailable += p.CPURequired
	}
	delete(s.pods, id)
	return nil
}

// DeletePod is the self-locking form of DeletePodLocked.
func (s *Store) DeletePod(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.DeletePodLocked(id)
}

// UpdateNodeHealthLocked commits a heartbeat collector's sample: status,
// the health_metrics record, and last_heartbeat. It never touches
// cpu_available or the pod list.
func (s *Store) UpdateNodeHealthLocked(id string, status NodeStatus, metrics *HealthMetrics, at time.Time) error {
	n, ok := s.nodes[id]
	if !ok {
		return NotFoundError("node %q not found", id)
	}
	n.Status = status
	n.HealthMetrics = metrics
	n.LastHeartbeat = at
	return nil
}

// UpdateNodeHealth is the self-locking form of UpdateNodeHealthLocked.
func (s *Store) UpdateNodeHealth(id string, status NodeStatus, metrics *HealthMetrics, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.UpdateNodeHealthLocked(id, status, metrics, at)
}

// SetNodeConditionsLocked records the sweeper's last condition evaluation
// and resulting status, for status-endpoint observability.
func (s *Store) SetNodeConditionsLocked(id string, status NodeStatus, cond HealthConditions) error {
	n, ok := s.nodes[id]
	if !ok {
		return NotFoundError("node %q not found", id)
	}
	n.Status = status
	n.HealthConditions = &cond
	return nil
}

// SetPodStatusLocked updates a pod's status in place (e.g. to PodFailed
// after a failed reschedule), optionally clearing its node binding.
func (s *Store) SetPodStatusLocked(id string, status PodStatus, clearNode bool) error {
	p, ok := s.pods[id]
	if !ok {
		return NotFoundError("pod %q not found", id)
	}
	p.Status = status
	if clearNode {
		p.NodeID = ""
	}
	return nil
}

// Candidate is a node considered for scheduling, with its freshly
// recomputed cpu_available.
type Candidate struct {
	NodeID       string
	CPUAvailable int
}

// FindCandidatesLocked returns healthy nodes with at least cpuRequired cores
// free, recomputing cpu_available from the pod table to correct any drift
// (spec.md §4.3 step 3), sorted by descending free capacity and then by
// node id for deterministic tie-breaking (best-fit selection).
func (s *Store) FindCandidatesLocked(cpuRequired int) []Candidate {
	var candidates []Candidate
	for id, n := range s.nodes {
		if n.Status != NodeHealthy {
			continue
		}
		used := 0
		for _, podID := range n.Pods {
			if p, ok := s.pods[podID]; ok {
				used += p.CPURequired
			}
		}
		available := n.CPUCapacity - used
		n.CPUAvailable = available
		if available >= cpuRequired {
			candidates = append(candidates, Candidate{NodeID: id, CPUAvailable: available})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].CPUAvailable != candidates[j].CPUAvailable {
			return candidates[i].CPUAvailable > candidates[j].CPUAvailable
		}
		return candidates[i].NodeID < candidates[j].NodeID
	})
	return candidates
}

// MarkNodeUnhealthyLocked flips a node's status as a side effect of a
// health probe performed during admission (spec.md §4.3 step 2).
func (s *Store) MarkNodeUnhealthyLocked(id string) {
	if n, ok := s.nodes[id]; ok {
		n.Status = NodeUnhealthy
	}
}

// ClearNodePodsLocked empties a node's pod list without touching
// cpu_available — the caller has already migrated or failed each pod
// individually (spec.md §4.3 RescheduleFrom).
func (s *Store) ClearNodePodsLocked(id string) {
	if n, ok := s.nodes[id]; ok {
		n.Pods = nil
	}
}

// NodeLocked returns the live (non-cloned) node for inspection inside a
// WithLock closure. Never retain the returned pointer outside the closure,
// and never mutate it other than through the *Locked commit methods above.
func (s *Store) NodeLocked(id string) (*Node, bool) {
	n, ok := s.nodes[id]
	return n, ok
}

// PodLocked returns the live (non-cloned) pod for inspection inside a
// WithLock closure. Never retain the returned pointer outside the closure.
func (s *Store) PodLocked(id string) (*Pod, bool) {
	p, ok := s.pods[id]
	return p, ok
}

// AllNodeIDsLocked returns every node id, for callers (the sweeper) that
// already hold the lock via WithLock.
func (s *Store) AllNodeIDsLocked() []string {
	return lo.Keys(s.nodes)
}

// UsedHostPortsLocked returns the set of host ports currently bound to
// running pods, for the port allocator's uniqueness check (invariant 5).
func (s *Store) UsedHostPortsLocked() map[int]bool {
	used := make(map[int]bool, len(s.pods))
	for _, p := range s.pods {
		if p.Status == PodRunning && p.HostPort != 0 {
			used[p.HostPort] = true
		}
	}
	return used
}

func removeString(ss []string, target string) []string {
	return lo.Without(ss, target)
}
