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

// Package provisioning implements admission control, node selection, pod
// placement, and pod eviction/rescheduling — the scheduler half of the
// control plane. Every operation here follows the same three-phase shape
// the teacher's scheduling_logic.go uses to keep I/O and decision-making
// separate: gather (snapshot + runtime probes, no lock), compute (pure,
// lock held), commit (lock held, short).
package provisioning

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/nathangeology/clustermini/pkg/cluster"
	"github.com/nathangeology/clustermini/pkg/metrics"
	"github.com/nathangeology/clustermini/pkg/runtime"
)

const (
	// DefaultImage is the pod image used when a request omits one.
	DefaultImage = "nginx:latest"

	maxSchedulingRetries = 3
	schedulingRetryDelay = 10 * time.Millisecond

	podContainerPort = 80
)

// watcher is the subset of health.Monitor the Scheduler needs to spawn and
// tear down heartbeat collectors. Declared locally, mirroring health's own
// rescheduler interface, so neither package imports the other directly —
// cmd/controlplane wires both against the same Store.
type watcher interface {
	WatchNode(ctx context.Context, nodeID string)
	StopWatching(nodeID string)
}

// Scheduler implements spec.md §4.3's four operations against a Store and a
// Runtime.
type Scheduler struct {
	store *cluster.Store
	rt    runtime.Runtime
	mon   watcher
	log   *zap.Logger

	systemCPUCount int
	maxNodeCPU     int
	maxPodCPU      int
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// NewScheduler derives MAX_NODE_CPU/MAX_POD_CPU from systemCPUCount per
// spec.md §6's constants table. mon may be nil in tests that don't care
// about heartbeat collector lifecycle.
func NewScheduler(store *cluster.Store, rt runtime.Runtime, mon watcher, systemCPUCount int, log *zap.Logger) *Scheduler {
	return &Scheduler{
		store:          store,
		rt:             rt,
		mon:            mon,
		log:            log,
		systemCPUCount: systemCPUCount,
		maxNodeCPU:     min(8, systemCPUCount),
		maxPodCPU:      min(6, systemCPUCount),
	}
}

func (s *Scheduler) MaxNodeCPU() int     { return s.maxNodeCPU }
func (s *Scheduler) MaxPodCPU() int      { return s.maxPodCPU }
func (s *Scheduler) SystemCPUCount() int { return s.systemCPUCount }

// AddNode implements spec.md §4.3 AddNode.
func (s *Scheduler) AddNode(ctx context.Context, cpuCapacity int) (string, error) {
	if cpuCapacity <= 0 || cpuCapacity > s.maxNodeCPU {
		return "", cluster.ValidationError("cpu_capacity must be a positive integer no greater than %d", s.maxNodeCPU)
	}
	// Cheap pre-check so an obviously doomed request never launches a
	// container; the authoritative check happens under the write lock below.
	if s.store.TotalCPUCapacity()+cpuCapacity > s.systemCPUCount {
		return "", cluster.CapacityExceededError("adding %d cores would exceed system capacity of %d", cpuCapacity, s.systemCPUCount)
	}

	id := uuid.NewString()
	name := "node-" + id

	var nodeID string
	err := retry.Do(func() error {
		handle, err := s.rt.LaunchNode(ctx, name)
		if err != nil {
			return retry.Unrecoverable(cluster.RuntimeError(err, "launching node container"))
		}

		var conflict bool
		s.store.WithLock(func() {
			if s.store.TotalCPUCapacityLocked()+cpuCapacity > s.systemCPUCount {
				conflict = true
				return
			}
			s.store.InsertNodeLocked(&cluster.Node{
				ID:            id,
				CPUCapacity:   cpuCapacity,
				CPUAvailable:  cpuCapacity,
				Status:        cluster.NodeHealthy,
				LastHeartbeat: time.Now(),
				RuntimeHandle: handle,
			})
		})
		if conflict {
			s.releaseContainer(ctx, handle)
			return cluster.ConflictError("lost race on system capacity, retrying")
		}
		nodeID = id
		return nil
	}, retry.Attempts(maxSchedulingRetries), retry.Delay(schedulingRetryDelay), retry.LastErrorOnly(true))

	if err != nil {
		return "", asClusterError(err)
	}
	if s.mon != nil {
		// The collector outlives the caller's (often per-request) context; it
		// stops when the node leaves the store or StopWatching is called.
		s.mon.WatchNode(context.WithoutCancel(ctx), nodeID)
	}
	s.log.Info("node added", zap.String("node_id", nodeID), zap.Int("cpu_capacity", cpuCapacity))
	return nodeID, nil
}

// CreatePod implements spec.md §4.3 CreatePod.
func (s *Scheduler) CreatePod(ctx context.Context, cpuRequired int, image string) (*cluster.Pod, error) {
	if cpuRequired <= 0 || cpuRequired > s.maxPodCPU {
		return nil, cluster.ValidationError("cpu_required must be a positive integer no greater than %d", s.maxPodCPU)
	}
	if image == "" {
		image = DefaultImage
	}

	start := time.Now()
	pod, err := s.place(ctx, uuid.NewString(), cpuRequired, image, false)
	outcome := schedulingOutcome(err)
	metrics.ObserveScheduling(start, outcome)
	if err != nil {
		if outcome == "no_capacity" {
			metrics.UnschedulablePodsTotal.Inc()
		}
		return nil, err
	}
	s.log.Info("pod scheduled", zap.String("pod_id", pod.ID), zap.String("node_id", pod.NodeID), zap.Int("host_port", pod.HostPort))
	return pod, nil
}

func schedulingOutcome(err error) string {
	if err == nil {
		return "placed"
	}
	var cerr *cluster.Error
	if errors.As(err, &cerr) {
		switch cerr.Kind {
		case cluster.KindNoCapacity:
			return "no_capacity"
		case cluster.KindRuntimeError:
			return "runtime_error"
		case cluster.KindConflict:
			return "conflict"
		}
	}
	return "error"
}

// place runs the gather -> compute -> commit pipeline shared by CreatePod
// and pod rescheduling. When existing is true the commit rebinds an
// already-tracked pod row (preserving its id, per spec.md §4.3 step 5)
// instead of inserting a new one.
func (s *Scheduler) place(ctx context.Context, podID string, cpuRequired int, image string, existing bool) (*cluster.Pod, error) {
	snap := s.store.Snapshot()
	if len(snap.Nodes) == 0 {
		return nil, cluster.NoCapacityError("cluster has no nodes")
	}
	s.probeNodeHealth(ctx, snap)

	name := "pod-" + podID
	var pod *cluster.Pod
	err := retry.Do(func() error {
		var nodeID string
		var hostPort int
		var pickErr error
		s.store.WithLock(func() {
			candidates := s.store.FindCandidatesLocked(cpuRequired)
			if len(candidates) == 0 {
				pickErr = cluster.NoCapacityError("no healthy node has %d cores free", cpuRequired)
				return
			}
			nodeID = candidates[0].NodeID
			port, portErr := allocateHostPort(podID, s.store.UsedHostPortsLocked())
			if portErr != nil {
				pickErr = portErr
				return
			}
			hostPort = port
		})
		if pickErr != nil {
			return retry.Unrecoverable(pickErr)
		}

		handle, err := s.rt.LaunchPod(ctx, image, name,
			map[string]string{"POD_ID": podID, "NODE_ID": nodeID},
			[]runtime.PortBinding{{ContainerPort: podContainerPort, HostPort: hostPort}})
		if err != nil {
			return retry.Unrecoverable(cluster.RuntimeError(err, "launching pod container"))
		}

		candidate := &cluster.Pod{
			ID:            podID,
			NodeID:        nodeID,
			CPURequired:   cpuRequired,
			Image:         image,
			CreatedAt:     time.Now(),
			Status:        cluster.PodRunning,
			RuntimeHandle: handle,
			HostPort:      hostPort,
		}

		var conflict bool
		var commitErr error
		s.store.WithLock(func() {
			node, ok := s.store.NodeLocked(nodeID)
			if !ok || node.Status != cluster.NodeHealthy || node.CPUAvailable < cpuRequired {
				conflict = true
				return
			}
			if used := s.store.UsedHostPortsLocked(); used[hostPort] {
				conflict = true
				return
			}
			if existing {
				commitErr = s.store.RebindPodLocked(candidate)
			} else {
				commitErr = s.store.InsertPodLocked(candidate)
			}
		})
		if conflict {
			s.releaseContainer(ctx, handle)
			return cluster.ConflictError("lost race on node capacity or host port, retrying")
		}
		if commitErr != nil {
			s.releaseContainer(ctx, handle)
			return retry.Unrecoverable(commitErr)
		}
		pod = candidate
		return nil
	}, retry.Attempts(maxSchedulingRetries), retry.Delay(schedulingRetryDelay), retry.LastErrorOnly(true))

	if err != nil {
		return nil, asClusterError(err)
	}
	return pod, nil
}

// probeNodeHealth implements spec.md §4.3 step 2: nodes whose container is
// missing or not running are flipped to unhealthy as a side effect of
// admission. Runtime calls happen outside the lock; each resulting flip is
// its own short critical section.
func (s *Scheduler) probeNodeHealth(ctx context.Context, snap cluster.Snapshot) {
	for id, n := range snap.Nodes {
		if n.Status != cluster.NodeHealthy {
			continue
		}
		sample, err := s.rt.Inspect(ctx, n.RuntimeHandle)
		if err != nil || sample.Status != runtime.StatusRunning {
			s.store.WithLock(func() {
				s.store.MarkNodeUnhealthyLocked(id)
			})
		}
	}
}

// RemoveNode implements spec.md §4.3 RemoveNode.
func (s *Scheduler) RemoveNode(ctx context.Context, nodeID string) (rescheduled, failed int, err error) {
	node, getErr := s.store.GetNode(nodeID)
	if getErr != nil {
		return 0, 0, getErr
	}
	toMigrate := append([]string(nil), node.Pods...)

	if stopErr := s.rt.Stop(ctx, node.RuntimeHandle); stopErr != nil && !runtime.IsNotFound(stopErr) {
		return 0, 0, cluster.RuntimeError(stopErr, "stopping node container")
	}
	if rmErr := s.rt.Remove(ctx, node.RuntimeHandle); rmErr != nil && !runtime.IsNotFound(rmErr) {
		return 0, 0, cluster.RuntimeError(rmErr, "removing node container")
	}

	// Invariant 2 temporarily permits dangling pod references while
	// to_migrate pods are rescheduled onto other nodes below.
	s.store.WithLock(func() {
		s.store.DeleteNodeLocked(nodeID)
	})
	if s.mon != nil {
		s.mon.StopWatching(nodeID)
	}

	var migrationErrs error
	for _, podID := range toMigrate {
		if rescheduleErr := s.reschedulePod(ctx, podID); rescheduleErr != nil {
			migrationErrs = multierr.Append(migrationErrs, fmt.Errorf("pod %s: %w", podID, rescheduleErr))
			failed++
			continue
		}
		rescheduled++
	}
	if migrationErrs != nil {
		s.log.Warn("node removal migration had failures", zap.String("node_id", nodeID), zap.Error(migrationErrs))
	}
	s.log.Info("node removed", zap.String("node_id", nodeID), zap.Int("rescheduled_pods", rescheduled), zap.Int("failed_pods", failed))
	return rescheduled, failed, nil
}

// RescheduleFrom implements spec.md §4.3 RescheduleFrom, invoked by the
// HealthMonitor's global sweeper when it transitions a node to unhealthy.
// Unlike RemoveNode, nodeID itself is not deleted — the caller has already
// marked it unhealthy; this only migrates its pods and clears its pod list.
func (s *Scheduler) RescheduleFrom(ctx context.Context, nodeID string) (rescheduled, failed int) {
	node, err := s.store.GetNode(nodeID)
	if err != nil {
		return 0, 0
	}
	toMigrate := append([]string(nil), node.Pods...)

	for _, podID := range toMigrate {
		if rescheduleErr := s.reschedulePod(ctx, podID); rescheduleErr != nil {
			s.log.Warn("pod reschedule failed", zap.String("pod_id", podID), zap.String("node_id", nodeID), zap.Error(rescheduleErr))
			failed++
			continue
		}
		rescheduled++
	}

	s.store.WithLock(func() {
		s.store.ClearNodePodsLocked(nodeID)
	})
	s.log.Info("rescheduled pods off unhealthy node", zap.String("node_id", nodeID), zap.Int("rescheduled", rescheduled), zap.Int("failed", failed))
	return rescheduled, failed
}

// reschedulePod stops and removes podID's existing container (tolerating
// NotFound) and attempts to place it on another healthy node, preserving
// its id and cpu_required. On failure it marks the pod failed with its
// node_id cleared — the cleaner of the two designs spec.md §9 offers for
// dangling references.
func (s *Scheduler) reschedulePod(ctx context.Context, podID string) error {
	pod, err := s.store.GetPod(podID)
	if err != nil {
		return err
	}
	if pod.RuntimeHandle != "" {
		s.releaseContainer(ctx, pod.RuntimeHandle)
	}

	if _, placeErr := s.place(ctx, podID, pod.CPURequired, pod.Image, true); placeErr != nil {
		s.store.WithLock(func() {
			_ = s.store.SetPodStatusLocked(podID, cluster.PodFailed, true)
		})
		return placeErr
	}
	return nil
}

func (s *Scheduler) releaseContainer(ctx context.Context, h runtime.Handle) {
	if err := s.rt.Stop(ctx, h); err != nil && !runtime.IsNotFound(err) {
		s.log.Warn("failed to stop container", zap.String("handle", string(h)), zap.Error(err))
	}
	if err := s.rt.Remove(ctx, h); err != nil && !runtime.IsNotFound(err) {
		s.log.Warn("failed to remove container", zap.String("handle", string(h)), zap.Error(err))
	}
}

// asClusterError recovers the *cluster.Error a retry.Do loop's final
// attempt produced, regardless of how the retry library wrapped it, and
// otherwise folds an exhausted-retries failure into Conflict per spec.md §7.
func asClusterError(err error) error {
	if err == nil {
		return nil
	}
	var cerr *cluster.Error
	if errors.As(err, &cerr) {
		return cerr
	}
	return cluster.ConflictError("%v", err)
}
