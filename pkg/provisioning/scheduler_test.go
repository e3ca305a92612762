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

package provisioning_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/nathangeology/clustermini/pkg/cluster"
	"github.com/nathangeology/clustermini/pkg/provisioning"
	"github.com/nathangeology/clustermini/pkg/runtime"
	"github.com/nathangeology/clustermini/pkg/test/mocks"
)

// These scenarios mirror the concrete walk-throughs given a
// SYSTEM_CPU_COUNT of 8 (MAX_NODE_CPU = 8, MAX_POD_CPU = 6).
var _ = Describe("Scheduler", func() {
	var (
		ctx   context.Context
		store *cluster.Store
		rt    *mocks.MockRuntime
		sched *provisioning.Scheduler
	)

	BeforeEach(func() {
		ctx = context.Background()
		store = cluster.NewStore()
		rt = mocks.NewMockRuntime()
		sched = provisioning.NewScheduler(store, rt, nil, 8, zap.NewNop())
	})

	Describe("1. Best-fit selection", func() {
		It("places the pod on the node with more free capacity", func() {
			// A 4-core plus a 6-core node needs 10 cores of aggregate
			// capacity, which an 8-core ceiling rejects, so this case runs
			// with SYSTEM_CPU_COUNT = 10 (MAX_NODE_CPU and MAX_POD_CPU stay 8 and 6).
			sched = provisioning.NewScheduler(store, rt, nil, 10, zap.NewNop())

			n1, err := sched.AddNode(ctx, 4)
			Expect(err).NotTo(HaveOccurred())
			n2, err := sched.AddNode(ctx, 6)
			Expect(err).NotTo(HaveOccurred())

			pod, err := sched.CreatePod(ctx, 3, "")
			Expect(err).NotTo(HaveOccurred())
			Expect(pod.NodeID).To(Equal(n2))
			Expect(rt.GetLaunchPodCallCount()).To(Equal(1))

			node, _ := store.GetNode(n2)
			Expect(node.CPUAvailable).To(Equal(3))
			_ = n1
		})
	})

	Describe("2. Capacity ceiling", func() {
		It("rejects a node that would exceed SYSTEM_CPU_COUNT", func() {
			_, err := sched.AddNode(ctx, 8)
			Expect(err).NotTo(HaveOccurred())

			_, err = sched.AddNode(ctx, 1)
			Expect(err).To(HaveOccurred())
			var cerr *cluster.Error
			Expect(err).To(BeAssignableToTypeOf(cerr))
			Expect(err.(*cluster.Error).Kind).To(Equal(cluster.KindCapacityExceeded))
		})
	})

	Describe("3. Rejection", func() {
		It("rejects cpu_required above MAX_POD_CPU", func() {
			_, err := sched.AddNode(ctx, 8)
			Expect(err).NotTo(HaveOccurred())

			_, err = sched.CreatePod(ctx, 7, "")
			Expect(err).To(HaveOccurred())
			Expect(err.(*cluster.Error).Kind).To(Equal(cluster.KindValidation))
		})

		It("rejects CreatePod on an empty cluster with NoCapacity", func() {
			_, err := sched.CreatePod(ctx, 1, "")
			Expect(err).To(HaveOccurred())
			Expect(err.(*cluster.Error).Kind).To(Equal(cluster.KindNoCapacity))
		})
	})

	Describe("4. Failover and 5. remove with migration", func() {
		It("reschedules a pod off a node whose container stopped, then fails it on full removal", func() {
			a, err := sched.AddNode(ctx, 4)
			Expect(err).NotTo(HaveOccurred())
			b, err := sched.AddNode(ctx, 4)
			Expect(err).NotTo(HaveOccurred())

			// Both nodes have equal free capacity, so FindCandidatesLocked's
			// tie-break picks the lexicographically smaller node id
			// (store.go's best-fit sort). Pin expectations to that node
			// rather than to AddNode's call order, since node ids are
			// random UUIDs and either call could mint the smaller one.
			first, second := a, b
			if second < first {
				first, second = second, first
			}

			pod, err := sched.CreatePod(ctx, 3, "")
			Expect(err).NotTo(HaveOccurred())
			Expect(pod.NodeID).To(Equal(first))

			node1, _ := store.GetNode(first)
			rt.SetInspectResult(node1.RuntimeHandle, runtime.Metrics{Status: runtime.StatusStopped}, nil)
			store.WithLock(func() {
				store.MarkNodeUnhealthyLocked(first)
			})

			rescheduled, failed := sched.RescheduleFrom(ctx, first)
			Expect(rescheduled).To(Equal(1))
			Expect(failed).To(Equal(0))

			moved, err := store.GetPod(pod.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(moved.NodeID).To(Equal(second))
			Expect(moved.HostPort).NotTo(Equal(pod.HostPort))

			secondNode, _ := store.GetNode(second)
			Expect(secondNode.CPUAvailable).To(Equal(1))

			// 5. Remove with migration: no healthy node left to receive the pod.
			rescheduledOnRemove, failedOnRemove, err := sched.RemoveNode(ctx, second)
			Expect(err).NotTo(HaveOccurred())
			Expect(rescheduledOnRemove).To(Equal(0))
			Expect(failedOnRemove).To(Equal(1))

			finalPod, err := store.GetPod(pod.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(finalPod.Status).To(Equal(cluster.PodFailed))
			Expect(finalPod.NodeID).To(Equal(""))
		})
	})

	Describe("6. Idempotent runtime errors", func() {
		It("still removes the node when its container has already vanished", func() {
			n1, err := sched.AddNode(ctx, 4)
			Expect(err).NotTo(HaveOccurred())

			node, _ := store.GetNode(n1)
			rt.Kill(node.RuntimeHandle)

			_, _, err = sched.RemoveNode(ctx, n1)
			Expect(err).NotTo(HaveOccurred())

			_, err = store.GetNode(n1)
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("round-trip: AddNode followed by RemoveNode", func() {
		It("returns aggregate capacity to its prior value", func() {
			before := store.TotalCPUCapacity()
			n1, err := sched.AddNode(ctx, 4)
			Expect(err).NotTo(HaveOccurred())

			_, _, err = sched.RemoveNode(ctx, n1)
			Expect(err).NotTo(HaveOccurred())
			Expect(store.TotalCPUCapacity()).To(Equal(before))
		})
	})

	Describe("boundary behavior", func() {
		It("rejects cpu_capacity = 0", func() {
			_, err := sched.AddNode(ctx, 0)
			Expect(err).To(HaveOccurred())
		})

		It("accepts cpu_capacity = MAX_NODE_CPU", func() {
			_, err := sched.AddNode(ctx, sched.MaxNodeCPU())
			Expect(err).NotTo(HaveOccurred())
		})

		It("rejects cpu_capacity = MAX_NODE_CPU + 1", func() {
			_, err := sched.AddNode(ctx, sched.MaxNodeCPU()+1)
			Expect(err).To(HaveOccurred())
		})
	})
})
