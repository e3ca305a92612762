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

package provisioning

import (
	"github.com/mitchellh/hashstructure/v2"

	"github.com/nathangeology/clustermini/pkg/cluster"
)

const (
	hostPortRangeStart = 10000
	hostPortRangeEnd   = 20000
	hostPortRangeSize  = hostPortRangeEnd - hostPortRangeStart
)

// allocateHostPort computes spec.md's `10000 + stable_hash(pod_id) mod
// 10000` starting point with mitchellh/hashstructure, then linearly probes
// [10000, 20000) for the first port not already bound to a running pod.
// Callers must hold the store's write lock across this call and the
// subsequent commit, per spec.md's port-allocation shared-resource policy.
func allocateHostPort(podID string, used map[int]bool) (int, error) {
	h, err := hashstructure.Hash(podID, hashstructure.FormatV2, nil)
	if err != nil {
		return 0, cluster.RuntimeError(err, "hashing pod id for host port")
	}
	start := hostPortRangeStart + int(h%uint64(hostPortRangeSize))

	for i := 0; i < hostPortRangeSize; i++ {
		candidate := hostPortRangeStart + (start-hostPortRangeStart+i)%hostPortRangeSize
		if !used[candidate] {
			return candidate, nil
		}
	}
	return 0, cluster.PortExhaustionError("no free host port in [%d, %d)", hostPortRangeStart, hostPortRangeEnd)
}
