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

package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/nathangeology/clustermini/pkg/api"
	"github.com/nathangeology/clustermini/pkg/cluster"
	"github.com/nathangeology/clustermini/pkg/provisioning"
	"github.com/nathangeology/clustermini/pkg/test/mocks"
)

var _ = Describe("Server", func() {
	var (
		store  *cluster.Store
		rt     *mocks.MockRuntime
		sched  *provisioning.Scheduler
		server *api.Server
	)

	BeforeEach(func() {
		store = cluster.NewStore()
		rt = mocks.NewMockRuntime()
		sched = provisioning.NewScheduler(store, rt, nil, 8, zap.NewNop())
		server = api.NewServer(store, sched, zap.NewNop())
	})

	postJSON := func(path string, body any) *httptest.ResponseRecorder {
		buf, _ := json.Marshal(body)
		req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(buf))
		rec := httptest.NewRecorder()
		server.ServeHTTP(rec, req)
		return rec
	}

	Describe("POST /nodes", func() {
		It("returns 200 and a node_id on success", func() {
			rec := postJSON("/nodes", map[string]int{"cpu_capacity": 4})
			Expect(rec.Code).To(Equal(http.StatusOK))

			var body map[string]any
			Expect(json.Unmarshal(rec.Body.Bytes(), &body)).To(Succeed())
			Expect(body["node_id"]).NotTo(BeEmpty())
		})

		It("returns 400 on a validation error", func() {
			rec := postJSON("/nodes", map[string]int{"cpu_capacity": 0})
			Expect(rec.Code).To(Equal(http.StatusBadRequest))

			var body map[string]string
			Expect(json.Unmarshal(rec.Body.Bytes(), &body)).To(Succeed())
			Expect(body["error"]).NotTo(BeEmpty())
		})

		It("returns 400 on malformed JSON", func() {
			req := httptest.NewRequest(http.MethodPost, "/nodes", bytes.NewReader([]byte("{not json")))
			rec := httptest.NewRecorder()
			server.ServeHTTP(rec, req)
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("POST /pods", func() {
		It("returns 400 with NoCapacity on an empty cluster", func() {
			rec := postJSON("/pods", map[string]int{"cpu_required": 2})
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
		})

		It("returns 200 with pod placement details once a node exists", func() {
			postJSON("/nodes", map[string]int{"cpu_capacity": 4})

			rec := postJSON("/pods", map[string]int{"cpu_required": 2})
			Expect(rec.Code).To(Equal(http.StatusOK))

			var body map[string]any
			Expect(json.Unmarshal(rec.Body.Bytes(), &body)).To(Succeed())
			Expect(body["pod_id"]).NotTo(BeEmpty())
			Expect(body["node_id"]).NotTo(BeEmpty())
			Expect(body["access_url"]).To(ContainSubstring("http://localhost:"))
		})
	})

	Describe("DELETE /nodes/{node_id}", func() {
		It("returns 404 for an unknown node", func() {
			req := httptest.NewRequest(http.MethodDelete, "/nodes/does-not-exist", nil)
			rec := httptest.NewRecorder()
			server.ServeHTTP(rec, req)
			Expect(rec.Code).To(Equal(http.StatusNotFound))
		})

		It("returns 200 with migration counts on success", func() {
			rec := postJSON("/nodes", map[string]int{"cpu_capacity": 4})
			var body map[string]string
			_ = json.Unmarshal(rec.Body.Bytes(), &body)

			req := httptest.NewRequest(http.MethodDelete, "/nodes/"+body["node_id"], nil)
			delRec := httptest.NewRecorder()
			server.ServeHTTP(delRec, req)
			Expect(delRec.Code).To(Equal(http.StatusOK))
		})
	})

	Describe("GET /cluster/status", func() {
		It("reflects nodes and pods currently in the store", func() {
			rec := postJSON("/nodes", map[string]int{"cpu_capacity": 4})
			var addBody map[string]string
			_ = json.Unmarshal(rec.Body.Bytes(), &addBody)

			statusReq := httptest.NewRequest(http.MethodGet, "/cluster/status", nil)
			statusRec := httptest.NewRecorder()
			server.ServeHTTP(statusRec, statusReq)
			Expect(statusRec.Code).To(Equal(http.StatusOK))

			var status struct {
				Nodes map[string]struct {
					CPUCapacity  int `json:"cpu_capacity"`
					CPUAvailable int `json:"cpu_available"`
				} `json:"nodes"`
			}
			Expect(json.Unmarshal(statusRec.Body.Bytes(), &status)).To(Succeed())
			Expect(status.Nodes).To(HaveKey(addBody["node_id"]))
			Expect(status.Nodes[addBody["node_id"]].CPUCapacity).To(Equal(4))
		})
	})
})
