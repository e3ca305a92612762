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

// Package api binds the control plane's four operations to a JSON/HTTP
// contract using go-chi/chi. It contains no business logic: only request
// decoding, delegation to provisioning.Scheduler/cluster.Store, and
// response shaping.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/nathangeology/clustermini/pkg/cluster"
	"github.com/nathangeology/clustermini/pkg/provisioning"
)

// Server wires the HTTP router to the control plane's core components.
type Server struct {
	store *cluster.Store
	sched *provisioning.Scheduler
	log   *zap.Logger

	router chi.Router
}

// NewServer builds a Server with all routes registered.
func NewServer(store *cluster.Store, sched *provisioning.Scheduler, log *zap.Logger) *Server {
	s := &Server{store: store, sched: sched, log: log}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Post("/nodes", s.handleAddNode)
	r.Delete("/nodes/{node_id}", s.handleRemoveNode)
	r.Post("/pods", s.handleCreatePod)
	r.Get("/cluster/status", s.handleStatus)
	s.router = r
	return s
}

// ServeHTTP implements http.Handler, so Server can be passed straight to
// http.Server.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type addNodeRequest struct {
	CPUCapacity int `json:"cpu_capacity"`
}

type addNodeResponse struct {
	NodeID  string `json:"node_id"`
	Message string `json:"message"`
}

func (s *Server) handleAddNode(w http.ResponseWriter, r *http.Request) {
	var req addNodeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	nodeID, err := s.sched.AddNode(r.Context(), req.CPUCapacity)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, addNodeResponse{NodeID: nodeID, Message: "node added"})
}

type removeNodeResponse struct {
	Message         string `json:"message"`
	RescheduledPods int    `json:"rescheduled_pods"`
	FailedPods      int    `json:"failed_pods"`
}

func (s *Server) handleRemoveNode(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "node_id")
	rescheduled, failed, err := s.sched.RemoveNode(r.Context(), nodeID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, removeNodeResponse{
		Message:         "node removed",
		RescheduledPods: rescheduled,
		FailedPods:      failed,
	})
}

type createPodRequest struct {
	CPURequired int    `json:"cpu_required"`
	Image       string `json:"image,omitempty"`
}

type createPodResponse struct {
	PodID     string `json:"pod_id"`
	NodeID    string `json:"node_id"`
	Image     string `json:"image"`
	AccessURL string `json:"access_url"`
}

func (s *Server) handleCreatePod(w http.ResponseWriter, r *http.Request) {
	var req createPodRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	pod, err := s.sched.CreatePod(r.Context(), req.CPURequired, req.Image)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, createPodResponse{
		PodID:     pod.ID,
		NodeID:    pod.NodeID,
		Image:     pod.Image,
		AccessURL: accessURL(pod.HostPort),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.store.Snapshot()
	writeJSON(w, http.StatusOK, statusResponse{Nodes: buildNodeStatuses(snap)})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "request body is required"})
		return false
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed JSON body: " + err.Error()})
		return false
	}
	return true
}

type errorResponse struct {
	Error string `json:"error"`
}

// writeError maps a cluster.Error's Kind to the HTTP status spec.md §7
// names. Errors that are not *cluster.Error (should not happen from the
// scheduler/store) fall back to 500.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var cerr *cluster.Error
	status := http.StatusInternalServerError
	if errors.As(err, &cerr) {
		switch cerr.Kind {
		case cluster.KindValidation, cluster.KindCapacityExceeded, cluster.KindRuntimeError, cluster.KindNoCapacity, cluster.KindPortExhaustion:
			status = http.StatusBadRequest
		case cluster.KindNotFound:
			status = http.StatusNotFound
		case cluster.KindConflict:
			status = http.StatusConflict
		case cluster.KindInvariantViolation:
			status = http.StatusInternalServerError
			s.log.Error("invariant violation reached the API layer", zap.Error(err))
		}
	} else {
		s.log.Error("untyped error reached the API layer", zap.Error(err))
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func accessURL(hostPort int) string {
	if hostPort == 0 {
		return ""
	}
	return "http://localhost:" + strconv.Itoa(hostPort)
}
