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
	"context"

	"go.uber.org/zap"

	"github.com/nathangeology/clustermini/pkg/runtime"
)

// ReconcileStartup lists every container the runtime currently knows about
// and logs any that the (necessarily empty, process-lifetime) store has no
// record of. Since state never outlives the process, orphans at boot are
// expected and are not stopped or removed — spec.md §4.2 explicitly
// tolerates this and defers acting on persisted state to a future with
// actual persistence.
func ReconcileStartup(ctx context.Context, rt runtime.Runtime, log *zap.Logger) error {
	handles, err := rt.ListAll(ctx)
	if err != nil {
		return err
	}
	if len(handles) == 0 {
		log.Info("startup reconciliation: no containers present")
		return nil
	}
	log.Warn("startup reconciliation found containers with no in-memory record",
		zap.Int("count", len(handles)))
	for _, h := range handles {
		log.Info("orphan container at startup", zap.String("container_id", string(h)))
	}
	return nil
}
