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

// Package mocks provides hand-rolled test doubles in the behavior-closure
// style: each mock tracks its calls under a mutex and defers to an
// overridable behavior function, so scheduler/health-monitor tests never
// need a live Docker daemon.
package mocks

import (
	"context"
	"sync"

	"github.com/nathangeology/clustermini/pkg/runtime"
)

// MockRuntime is a mock implementation of runtime.Runtime for testing.
type MockRuntime struct {
	mu sync.RWMutex

	// LaunchNodeBehavior controls what LaunchNode() returns. Defaults to
	// minting a handle from the name.
	LaunchNodeBehavior func(ctx context.Context, name string) (runtime.Handle, error)

	// LaunchPodBehavior controls what LaunchPod() returns.
	LaunchPodBehavior func(ctx context.Context, image, name string, env map[string]string, ports []runtime.PortBinding) (runtime.Handle, error)

	// InspectBehavior controls what Inspect() returns for a given handle.
	// Missing entries default to a healthy running container while the
	// handle is live, and to ErrNotFound once it was removed or killed.
	InspectBehavior map[runtime.Handle]func(ctx context.Context) (runtime.Metrics, error)

	// StopBehavior/RemoveBehavior allow injecting failures; nil means succeed.
	StopBehavior   func(ctx context.Context, h runtime.Handle) error
	RemoveBehavior func(ctx context.Context, h runtime.Handle) error

	// Call tracking.
	LaunchNodeCalls []string
	LaunchPodCalls  []string
	StopCalls       []runtime.Handle
	RemoveCalls     []runtime.Handle
	InspectCalls    []runtime.Handle

	live map[runtime.Handle]bool
}

// NewMockRuntime creates a MockRuntime with default "everything succeeds and
// is healthy" behavior.
func NewMockRuntime() *MockRuntime {
	return &MockRuntime{
		InspectBehavior: map[runtime.Handle]func(ctx context.Context) (runtime.Metrics, error){},
		live:            map[runtime.Handle]bool{},
	}
}

func (m *MockRuntime) LaunchNode(ctx context.Context, name string) (runtime.Handle, error) {
	m.mu.Lock()
	m.LaunchNodeCalls = append(m.LaunchNodeCalls, name)
	behavior := m.LaunchNodeBehavior
	m.mu.Unlock()

	if behavior != nil {
		h, err := behavior(ctx, name)
		if err == nil {
			m.markLive(h)
		}
		return h, err
	}
	h := runtime.Handle("container-" + name)
	m.markLive(h)
	return h, nil
}

func (m *MockRuntime) LaunchPod(ctx context.Context, image, name string, env map[string]string, ports []runtime.PortBinding) (runtime.Handle, error) {
	m.mu.Lock()
	m.LaunchPodCalls = append(m.LaunchPodCalls, name)
	behavior := m.LaunchPodBehavior
	m.mu.Unlock()

	if behavior != nil {
		h, err := behavior(ctx, image, name, env, ports)
		if err == nil {
			m.markLive(h)
		}
		return h, err
	}
	h := runtime.Handle("container-" + name)
	m.markLive(h)
	return h, nil
}

func (m *MockRuntime) Stop(ctx context.Context, h runtime.Handle) error {
	m.mu.Lock()
	m.StopCalls = append(m.StopCalls, h)
	behavior := m.StopBehavior
	alive := m.live[h]
	m.mu.Unlock()

	if !alive {
		return runtime.ErrNotFound
	}
	if behavior != nil {
		return behavior(ctx, h)
	}
	return nil
}

func (m *MockRuntime) Remove(ctx context.Context, h runtime.Handle) error {
	m.mu.Lock()
	m.RemoveCalls = append(m.RemoveCalls, h)
	behavior := m.RemoveBehavior
	alive := m.live[h]
	delete(m.live, h)
	m.mu.Unlock()

	if !alive {
		return runtime.ErrNotFound
	}
	if behavior != nil {
		return behavior(ctx, h)
	}
	return nil
}

func (m *MockRuntime) Inspect(ctx context.Context, h runtime.Handle) (runtime.Metrics, error) {
	m.mu.Lock()
	m.InspectCalls = append(m.InspectCalls, h)
	behavior := m.InspectBehavior[h]
	alive := m.live[h]
	m.mu.Unlock()

	if behavior != nil {
		return behavior(ctx)
	}
	if !alive {
		return runtime.Metrics{}, runtime.ErrNotFound
	}
	return runtime.Metrics{Status: runtime.StatusRunning, CPUUsage: 1000, MemoryUsage: 1 << 20, MemoryLimit: 1 << 30}, nil
}

func (m *MockRuntime) ListAll(ctx context.Context) ([]runtime.Handle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	handles := make([]runtime.Handle, 0, len(m.live))
	for h := range m.live {
		handles = append(handles, h)
	}
	return handles, nil
}

// SetInspectResult is a convenience helper to script Inspect() for a handle.
func (m *MockRuntime) SetInspectResult(h runtime.Handle, metrics runtime.Metrics, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.InspectBehavior[h] = func(ctx context.Context) (runtime.Metrics, error) {
		return metrics, err
	}
}

// Kill removes h from the live set without going through Remove, simulating
// a container vanishing out from under the control plane.
func (m *MockRuntime) Kill(h runtime.Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.live, h)
}

func (m *MockRuntime) markLive(h runtime.Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.live[h] = true
}

// GetLaunchPodCallCount returns the number of LaunchPod() calls (thread-safe).
func (m *MockRuntime) GetLaunchPodCallCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.LaunchPodCalls)
}
