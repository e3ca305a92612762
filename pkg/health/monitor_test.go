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

package health_test

import (
	"context"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/nathangeology/clustermini/pkg/cluster"
	"github.com/nathangeology/clustermini/pkg/health"
	"github.com/nathangeology/clustermini/pkg/runtime"
	"github.com/nathangeology/clustermini/pkg/test/mocks"
)

// fakeRescheduler records RescheduleFrom invocations without touching a
// real Scheduler, keeping these tests free of a pkg/provisioning import.
type fakeRescheduler struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeRescheduler) RescheduleFrom(ctx context.Context, nodeID string) (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, nodeID)
	return 1, 0
}

func (f *fakeRescheduler) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

var _ = Describe("Monitor", func() {
	var (
		ctx    context.Context
		cancel context.CancelFunc
		store  *cluster.Store
		rt     *mocks.MockRuntime
		sched  *fakeRescheduler
		mon    *health.Monitor
	)

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
		store = cluster.NewStore()
		rt = mocks.NewMockRuntime()
		sched = &fakeRescheduler{}
		mon = health.NewMonitor(store, rt, sched, zap.NewNop())
	})

	AfterEach(func() {
		cancel()
	})

	insertNode := func(id string, capacity int, lastHeartbeat time.Time) runtime.Handle {
		handle, err := rt.LaunchNode(ctx, "node-"+id)
		Expect(err).NotTo(HaveOccurred())
		store.WithLock(func() {
			store.InsertNodeLocked(&cluster.Node{
				ID:            id,
				CPUCapacity:   capacity,
				CPUAvailable:  capacity,
				Status:        cluster.NodeHealthy,
				LastHeartbeat: lastHeartbeat,
				RuntimeHandle: handle,
			})
		})
		return handle
	}

	Describe("heartbeat collector", func() {
		It("commits health_metrics and keeps a healthy container's node healthy", func() {
			insertNode("n1", 4, time.Now())
			mon.WatchNode(ctx, "n1")

			Eventually(func() *cluster.HealthMetrics {
				node, err := store.GetNode("n1")
				if err != nil {
					return nil
				}
				return node.HealthMetrics
			}, 7*time.Second, 100*time.Millisecond).ShouldNot(BeNil())

			node, err := store.GetNode("n1")
			Expect(err).NotTo(HaveOccurred())
			Expect(node.Status).To(Equal(cluster.NodeHealthy))
			Expect(node.HealthMetrics.ContainerStatus).To(Equal(string(runtime.StatusRunning)))
		})

		It("marks the node unhealthy when inspect fails", func() {
			handle := insertNode("n1", 4, time.Now())
			rt.SetInspectResult(handle, runtime.Metrics{}, runtime.ErrNotFound)
			mon.WatchNode(ctx, "n1")

			Eventually(func() cluster.NodeStatus {
				node, err := store.GetNode("n1")
				if err != nil {
					return ""
				}
				return node.Status
			}, 7*time.Second, 100*time.Millisecond).Should(Equal(cluster.NodeUnhealthy))

			node, _ := store.GetNode("n1")
			Expect(node.HealthMetrics.LastError).NotTo(BeEmpty())
		})

		It("terminates once its node is removed from the store", func() {
			insertNode("n1", 4, time.Now())
			mon.WatchNode(ctx, "n1")

			Eventually(func() *cluster.HealthMetrics {
				node, err := store.GetNode("n1")
				if err != nil {
					return nil
				}
				return node.HealthMetrics
			}, 7*time.Second, 100*time.Millisecond).ShouldNot(BeNil())

			store.WithLock(func() {
				store.DeleteNodeLocked("n1")
			})
			mon.StopWatching("n1")
			// No further assertion possible on a terminated goroutine beyond
			// absence of a panic/leak; StopWatching is synchronous enough
			// for the collector's context to be canceled immediately.
		})
	})

	Describe("global sweeper", func() {
		It("transitions a node to unhealthy on a stale heartbeat and triggers rescheduling", func() {
			insertNode("n1", 4, time.Now().Add(-1*time.Hour))
			mon.Start(ctx)

			Eventually(func() cluster.NodeStatus {
				node, err := store.GetNode("n1")
				if err != nil {
					return ""
				}
				return node.Status
			}, 7*time.Second, 100*time.Millisecond).Should(Equal(cluster.NodeUnhealthy))

			Eventually(sched.callCount, 7*time.Second, 100*time.Millisecond).Should(BeNumerically(">=", 1))
		})
	})
})
